// Package canonical produces deterministic JSON and the chained digests
// stored on escalation events.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns JSON for v with object keys sorted and no insignificant
// whitespace. Structs are first encoded with encoding/json, so their json
// tags decide field names and omission.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func write(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(fmt.Sprint(vv))
	case json.Number:
		buf.WriteString(vv.String())
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := write(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		raw, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical: marshal %T: %w", v, err)
		}
		var generic interface{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canonical: decode %T: %w", v, err)
		}
		return write(buf, generic)
	}
	return nil
}

// ChainDigest returns hex(SHA-256(canonical(v) || prevHashBytes)). An empty
// prevHash starts a new chain.
func ChainDigest(v interface{}, prevHash string) (string, error) {
	body, err := Marshal(v)
	if err != nil {
		return "", err
	}
	if prevHash != "" {
		prev, err := hex.DecodeString(prevHash)
		if err != nil {
			return "", fmt.Errorf("canonical: decode prev hash: %w", err)
		}
		body = append(body, prev...)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
