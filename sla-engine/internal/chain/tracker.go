// Package chain maintains the per-instance escalation log: linking new events
// to their parent, hash-chaining them, and answering status and resolution
// requests.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/canonical"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/store"
)

var (
	ErrAlreadyResolved = fmt.Errorf("escalation already resolved: %w", store.ErrConflict)
	ErrChainBroken     = errors.New("escalation chain verification failed")
)

type Tracker struct {
	events store.EventStore
	now    func() time.Time
}

func NewTracker(events store.EventStore, now func() time.Time) *Tracker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{events: events, now: now}
}

// sealed is the hashed part of an event. Resolution and Sequence are
// excluded since they are set after the hash is computed.
type sealed struct {
	ID                      string              `json:"id"`
	InstanceID              string              `json:"instanceId"`
	RuleID                  string              `json:"ruleId"`
	PolicyID                string              `json:"policyId"`
	TenantID                string              `json:"tenantId"`
	TriggerType             models.TriggerType  `json:"triggerType"`
	Level                   int                 `json:"level"`
	TriggeredBy             models.TriggeredBy  `json:"triggeredBy"`
	TriggeredByUserID       *string             `json:"triggeredByUserId,omitempty"`
	PreviousAssignee        *string             `json:"previousAssignee,omitempty"`
	NewAssignee             *string             `json:"newAssignee,omitempty"`
	PreviousPriority        *models.Priority    `json:"previousPriority,omitempty"`
	NewPriority             *models.Priority    `json:"newPriority,omitempty"`
	Reason                  string              `json:"reason"`
	Details                 models.EventDetails `json:"details"`
	ChainLevel              int                 `json:"chainLevel"`
	ParentEscalationEventID *string             `json:"parentEscalationEventId,omitempty"`
	CreatedAt               string              `json:"createdAt"`
}

func seal(ev models.EscalationEvent) sealed {
	return sealed{
		ID:                      ev.ID,
		InstanceID:              ev.InstanceID,
		RuleID:                  ev.RuleID,
		PolicyID:                ev.PolicyID,
		TenantID:                ev.TenantID,
		TriggerType:             ev.TriggerType,
		Level:                   ev.Level,
		TriggeredBy:             ev.TriggeredBy,
		TriggeredByUserID:       ev.TriggeredByUserID,
		PreviousAssignee:        ev.PreviousAssignee,
		NewAssignee:             ev.NewAssignee,
		PreviousPriority:        ev.PreviousPriority,
		NewPriority:             ev.NewPriority,
		Reason:                  ev.Reason,
		Details:                 ev.Details,
		ChainLevel:              ev.ChainLevel,
		ParentEscalationEventID: ev.ParentEscalationEventID,
		CreatedAt:               ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Tail returns the most recently appended event of the instance, or nil.
func (t *Tracker) Tail(ctx context.Context, instanceID string) (*models.EscalationEvent, error) {
	events, err := t.events.ListEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	tail := events[len(events)-1]
	return &tail, nil
}

// Append validates the event's parent link, chains its hash to the
// instance's current tail and persists it.
func (t *Tracker) Append(ctx context.Context, ev models.EscalationEvent) (models.EscalationEvent, error) {
	if ev.ParentEscalationEventID != nil {
		parent, err := t.events.GetEvent(ctx, *ev.ParentEscalationEventID)
		if errors.Is(err, store.ErrNotFound) {
			return models.EscalationEvent{}, fmt.Errorf("parent %s does not exist: %w", *ev.ParentEscalationEventID, store.ErrInvalidParent)
		}
		if err != nil {
			return models.EscalationEvent{}, fmt.Errorf("load parent event: %w", err)
		}
		if parent.InstanceID != ev.InstanceID {
			return models.EscalationEvent{}, fmt.Errorf("parent %s belongs to instance %s: %w", parent.ID, parent.InstanceID, store.ErrInvalidParent)
		}
		if ev.ChainLevel != parent.ChainLevel+1 {
			return models.EscalationEvent{}, fmt.Errorf("chain level %d does not follow parent level %d: %w", ev.ChainLevel, parent.ChainLevel, store.ErrInvalidParent)
		}
	} else if ev.ChainLevel != 1 {
		return models.EscalationEvent{}, fmt.Errorf("root event must have chain level 1, got %d: %w", ev.ChainLevel, store.ErrInvalidParent)
	}

	tail, err := t.Tail(ctx, ev.InstanceID)
	if err != nil {
		return models.EscalationEvent{}, fmt.Errorf("load chain tail: %w", err)
	}
	ev.PrevHash = ""
	if tail != nil {
		ev.PrevHash = tail.Hash
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = t.now()
	}
	// Postgres keeps microseconds; hash what will be read back.
	ev.CreatedAt = ev.CreatedAt.UTC().Truncate(time.Microsecond)
	ev.Resolution = nil
	if ev.Hash, err = canonical.ChainDigest(seal(ev), ev.PrevHash); err != nil {
		return models.EscalationEvent{}, fmt.Errorf("hash escalation event: %w", err)
	}
	return t.events.AppendEvent(ctx, ev)
}

// Status summarizes the instance's chain.
func (t *Tracker) Status(ctx context.Context, instanceID string) (models.EscalationStatus, error) {
	events, err := t.events.ListEvents(ctx, instanceID)
	if err != nil {
		return models.EscalationStatus{}, err
	}
	status := models.EscalationStatus{
		InstanceID:    instanceID,
		CountsByLevel: map[int]int{},
		TotalEvents:   len(events),
	}
	for i := range events {
		ev := events[i]
		status.CountsByLevel[ev.Level]++
		if ev.ChainLevel > status.ChainDepth {
			status.ChainDepth = ev.ChainLevel
		}
		if !ev.Resolved() {
			status.LatestUnresolvedEvent = &ev
		}
	}
	return status, nil
}

func (t *Tracker) Resolve(ctx context.Context, eventID, resolvedBy, notes string) (models.EscalationEvent, error) {
	ev, err := t.events.ResolveEvent(ctx, eventID, models.Resolution{
		ResolvedAt: t.now(),
		ResolvedBy: resolvedBy,
		Notes:      notes,
	})
	if errors.Is(err, store.ErrConflict) {
		return models.EscalationEvent{}, ErrAlreadyResolved
	}
	return ev, err
}

func (t *Tracker) History(ctx context.Context, instanceID string) ([]models.EscalationEvent, error) {
	return t.events.ListEvents(ctx, instanceID)
}

// Verify walks the instance's events in append order and recomputes every
// hash. It returns nil for an intact (or empty) chain.
func (t *Tracker) Verify(ctx context.Context, instanceID string) error {
	events, err := t.events.ListEvents(ctx, instanceID)
	if err != nil {
		return err
	}
	return VerifyEvents(events)
}

// VerifyEvents checks a single instance's events, oldest first, without a store.
func VerifyEvents(events []models.EscalationEvent) error {
	prev := ""
	for i, ev := range events {
		if ev.PrevHash != prev {
			return fmt.Errorf("event %s (position %d) links to %q, expected %q: %w", ev.ID, i+1, ev.PrevHash, prev, ErrChainBroken)
		}
		computed, err := canonical.ChainDigest(seal(ev), ev.PrevHash)
		if err != nil {
			return fmt.Errorf("hash event %s: %w", ev.ID, err)
		}
		if computed != ev.Hash {
			return fmt.Errorf("hash mismatch for event %s: computed=%s stored=%s: %w", ev.ID, computed, ev.Hash, ErrChainBroken)
		}
		prev = ev.Hash
	}
	return nil
}
