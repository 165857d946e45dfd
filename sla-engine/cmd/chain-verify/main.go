// Command chain-verify checks the hash chain of an exported escalation
// history. It accepts the body of GET /sla/instances/{id}/escalations or a
// bare JSON array of events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/chain"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: chain-verify <history.json|->\n")
		os.Exit(1)
	}

	data, err := readInput(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}

	events, err := decodeEvents(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing JSON: %v\n", err)
		os.Exit(1)
	}

	if err := chain.VerifyEvents(events); err != nil {
		fmt.Fprintf(os.Stderr, "chain broken: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("ok: %d events verified\n", len(events))
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func decodeEvents(data []byte) ([]models.EscalationEvent, error) {
	data = bytes.TrimSpace(data)
	var events []models.EscalationEvent
	if len(data) > 0 && data[0] == '[' {
		err := json.Unmarshal(data, &events)
		return events, err
	}
	var history struct {
		Events []models.EscalationEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history.Events, nil
}
