// Package executor runs an escalation rule's actions against external
// capabilities and builds the resulting escalation event.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/telemetry"
)

const defaultActionTimeout = 10 * time.Second

// ErrCapabilityMissing is recorded when no capability is wired for an action type.
var ErrCapabilityMissing = errors.New("capability not configured")

type Reassigner interface {
	// Reassign returns the assignee before and after the change.
	Reassign(ctx context.Context, instanceID string, target models.ReassignParams) (previous, current string, err error)
}

type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

type PriorityMutator interface {
	// SetPriority returns the priority the instance had before the change.
	SetPriority(ctx context.Context, instanceID string, p models.Priority) (models.Priority, error)
}

type CommentWriter interface {
	AddComment(ctx context.Context, instanceID, authorID, body string) error
}

type AlertSink interface {
	Raise(ctx context.Context, a Alert) error
}

type WebhookCaller interface {
	Call(ctx context.Context, url string, payload json.RawMessage, timeout time.Duration) error
}

type Notification struct {
	TenantID   string   `json:"tenantId"`
	InstanceID string   `json:"instanceId"`
	RuleID     string   `json:"ruleId"`
	Level      int      `json:"level"`
	Template   string   `json:"template"`
	Recipients []string `json:"recipients"`
	Channel    string   `json:"channel,omitempty"`
	Reason     string   `json:"reason"`
}

type Alert struct {
	TenantID   string    `json:"tenantId"`
	InstanceID string    `json:"instanceId"`
	RuleID     string    `json:"ruleId"`
	Level      int       `json:"level"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	RaisedAt   time.Time `json:"raisedAt"`
}

// Capabilities holds one collaborator per action type. Any may be nil; the
// corresponding action then fails with ErrCapabilityMissing.
type Capabilities struct {
	Reassigner    Reassigner
	Notifications NotificationSender
	Priorities    PriorityMutator
	Comments      CommentWriter
	Alerts        AlertSink
	Webhooks      WebhookCaller
}

type Config struct {
	ActionTimeout time.Duration
	Now           func() time.Time
}

type Executor struct {
	caps    Capabilities
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func New(caps Capabilities, cfg Config, logger *zap.Logger, metrics *telemetry.Metrics) *Executor {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		caps:    caps,
		timeout: cfg.ActionTimeout,
		now:     cfg.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// Trigger describes why the rule is being executed.
type Trigger struct {
	TriggerType models.TriggerType
	TriggeredBy models.TriggeredBy
	UserID      *string
	Reason      string
	Compliance  *models.SLAComplianceInfo
}

type Request struct {
	Rule     models.EscalationRule
	Instance models.WorkflowInstanceSnapshot
	Trigger  Trigger
	// Tail is the most recent event of the instance's chain, if any.
	Tail *models.EscalationEvent
}

// Execute runs the rule's active actions in ascending order. Action failures
// never abort the run; each one is recorded in the event details.
func (e *Executor) Execute(ctx context.Context, req Request) models.EscalationEvent {
	rule := req.Rule
	ev := models.EscalationEvent{
		ID:                uuid.NewString(),
		InstanceID:        req.Instance.InstanceID,
		RuleID:            rule.ID,
		PolicyID:          rule.PolicyID,
		TenantID:          req.Instance.TenantID,
		TriggerType:       req.Trigger.TriggerType,
		Level:             rule.Level,
		TriggeredBy:       req.Trigger.TriggeredBy,
		TriggeredByUserID: req.Trigger.UserID,
		Reason:            req.Trigger.Reason,
		ChainLevel:        1,
		Details: models.EventDetails{
			Actions:    []models.ActionOutcome{},
			Compliance: req.Trigger.Compliance,
		},
	}
	if ev.TriggerType == "" {
		ev.TriggerType = rule.TriggerType
	}
	if req.Tail != nil {
		ev.ChainLevel = req.Tail.ChainLevel + 1
		parent := req.Tail.ID
		ev.ParentEscalationEventID = &parent
	}

	for _, action := range orderedActive(rule.Actions) {
		started := time.Now()
		err := e.run(ctx, req, action, &ev)
		outcome := models.ActionOutcome{
			ActionID:   action.ID,
			Type:       action.Type(),
			Order:      action.Order,
			Succeeded:  err == nil,
			DurationMs: time.Since(started).Milliseconds(),
		}
		if err != nil {
			outcome.Error = err.Error()
			e.logger.Warn("escalation action failed",
				zap.String("instance_id", ev.InstanceID),
				zap.String("rule_id", rule.ID),
				zap.String("action_id", action.ID),
				zap.String("action_type", string(action.Type())),
				zap.Error(err))
		}
		e.metrics.ObserveAction(string(action.Type()), err == nil, time.Since(started))
		ev.Details.Actions = append(ev.Details.Actions, outcome)
	}

	ev.CreatedAt = e.now()
	return ev
}

func orderedActive(actions []models.EscalationAction) []models.EscalationAction {
	out := make([]models.EscalationAction, 0, len(actions))
	for _, a := range actions {
		if a.Active {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func (e *Executor) run(parent context.Context, req Request, action models.EscalationAction, ev *models.EscalationEvent) (err error) {
	timeout := e.timeout
	if p, ok := action.Params.(models.TriggerWebhookParams); ok && p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()

	instanceID := req.Instance.InstanceID
	switch p := action.Params.(type) {
	case models.ReassignParams:
		if e.caps.Reassigner == nil {
			return ErrCapabilityMissing
		}
		prev, cur, err := e.caps.Reassigner.Reassign(ctx, instanceID, p)
		if err != nil {
			return fmt.Errorf("reassign: %w", err)
		}
		ev.PreviousAssignee = &prev
		ev.NewAssignee = &cur
	case models.NotifyParams:
		if e.caps.Notifications == nil {
			return ErrCapabilityMissing
		}
		if err := e.caps.Notifications.Send(ctx, Notification{
			TenantID:   req.Instance.TenantID,
			InstanceID: instanceID,
			RuleID:     req.Rule.ID,
			Level:      req.Rule.Level,
			Template:   p.Template,
			Recipients: p.Recipients,
			Channel:    p.Channel,
			Reason:     req.Trigger.Reason,
		}); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	case models.ChangePriorityParams:
		if e.caps.Priorities == nil {
			return ErrCapabilityMissing
		}
		prev, err := e.caps.Priorities.SetPriority(ctx, instanceID, p.Priority)
		if err != nil {
			return fmt.Errorf("change priority: %w", err)
		}
		next := p.Priority
		ev.PreviousPriority = &prev
		ev.NewPriority = &next
	case models.AddCommentParams:
		if e.caps.Comments == nil {
			return ErrCapabilityMissing
		}
		author := "system:sla-engine"
		if req.Trigger.UserID != nil {
			author = *req.Trigger.UserID
		}
		if err := e.caps.Comments.AddComment(ctx, instanceID, author, p.Body); err != nil {
			return fmt.Errorf("add comment: %w", err)
		}
	case models.CreateAlertParams:
		if e.caps.Alerts == nil {
			return ErrCapabilityMissing
		}
		if err := e.caps.Alerts.Raise(ctx, Alert{
			TenantID:   req.Instance.TenantID,
			InstanceID: instanceID,
			RuleID:     req.Rule.ID,
			Level:      req.Rule.Level,
			Severity:   p.Severity,
			Message:    p.Message,
			RaisedAt:   e.now(),
		}); err != nil {
			return fmt.Errorf("create alert: %w", err)
		}
	case models.TriggerWebhookParams:
		if e.caps.Webhooks == nil {
			return ErrCapabilityMissing
		}
		if err := e.caps.Webhooks.Call(ctx, p.URL, webhookPayload(p, req), timeout); err != nil {
			return fmt.Errorf("webhook %s: %w", p.URL, err)
		}
	default:
		return fmt.Errorf("unsupported action params %T", action.Params)
	}
	return nil
}

func webhookPayload(p models.TriggerWebhookParams, req Request) json.RawMessage {
	if len(p.Payload) > 0 {
		return p.Payload
	}
	body, _ := json.Marshal(map[string]interface{}{
		"instanceId":  req.Instance.InstanceID,
		"tenantId":    req.Instance.TenantID,
		"ruleId":      req.Rule.ID,
		"level":       req.Rule.Level,
		"triggerType": req.Trigger.TriggerType,
		"reason":      req.Trigger.Reason,
	})
	return body
}
