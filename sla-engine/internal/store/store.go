package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidParent = errors.New("invalid parent escalation event")
)

// PolicyStore persists escalation policies together with their rules and actions.
// GetPolicy and ActivePolicyForTemplate return every rule of the policy,
// active or not, each with its actions.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p models.EscalationPolicy) (models.EscalationPolicy, error)
	UpdatePolicy(ctx context.Context, p models.EscalationPolicy) (models.EscalationPolicy, error)
	GetPolicy(ctx context.Context, tenantID, policyID string) (models.EscalationPolicy, error)
	ActivePolicyForTemplate(ctx context.Context, tenantID, templateID string) (models.EscalationPolicy, error)
	SetPolicyActive(ctx context.Context, tenantID, policyID string, active bool) error
	// CreateRule writes the rule and all of its actions atomically.
	CreateRule(ctx context.Context, rule models.EscalationRule) (models.EscalationRule, error)
	SetRuleActive(ctx context.Context, policyID, ruleID string, active bool) error
}

// EventStore is the append-only escalation event log.
type EventStore interface {
	// AppendEvent assigns Sequence. Two events claiming the same predecessor
	// hash for one instance yield ErrConflict.
	AppendEvent(ctx context.Context, ev models.EscalationEvent) (models.EscalationEvent, error)
	GetEvent(ctx context.Context, id string) (models.EscalationEvent, error)
	// ListEvents returns an instance's events in append order.
	ListEvents(ctx context.Context, instanceID string) ([]models.EscalationEvent, error)
	// ResolveEvent sets the resolution once; a second call yields ErrConflict.
	ResolveEvent(ctx context.Context, id string, r models.Resolution) (models.EscalationEvent, error)
}

type HistoryFilter struct {
	TenantID   string
	TemplateID string
	InstanceID string
	// From is inclusive and To exclusive, both applied to StageExitedAt.
	From *time.Time
	To   *time.Time
}

type HistoryStore interface {
	InsertHistory(ctx context.Context, rec models.SLAHistoryRecord) (models.SLAHistoryRecord, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]models.SLAHistoryRecord, error)
}

type StageSLAStore interface {
	GetStageSLA(ctx context.Context, tenantID, templateID, stageID string) (models.StageSLA, error)
	PutStageSLA(ctx context.Context, s models.StageSLA) (models.StageSLA, error)
}

// Outbox feeds persisted escalation events to the event streamer.
type Outbox interface {
	FetchPendingEventsForStreaming(ctx context.Context, limit int) ([]models.EscalationEvent, error)
	MarkEventStreamResult(ctx context.Context, id string, archivedKey sql.NullString, success bool, errMsg sql.NullString) error
}

type Store interface {
	PolicyStore
	EventStore
	HistoryStore
	StageSLAStore
	Ping(ctx context.Context) error
}

// LatestByRule groups events by rule id, most recent first.
func LatestByRule(events []models.EscalationEvent) map[string][]models.EscalationEvent {
	out := map[string][]models.EscalationEvent{}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		out[ev.RuleID] = append(out[ev.RuleID], ev)
	}
	return out
}
