package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityMedium   Priority = "Medium"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// Rank orders priorities Low < Medium < High < Critical. Unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

func (p Priority) Valid() bool { return p.Rank() > 0 }

// ParsePriority accepts any casing of the four canonical names.
func ParsePriority(raw string) (Priority, error) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		if strings.EqualFold(string(p), raw) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown priority %q", raw)
}

type TriggerType string

const (
	TriggerTimeInStage     TriggerType = "TimeInStage"
	TriggerSLAWarning      TriggerType = "SLAWarning"
	TriggerSLABreach       TriggerType = "SLABreach"
	TriggerPriorityHigh    TriggerType = "PriorityHigh"
	TriggerCustomCondition TriggerType = "CustomCondition"
)

type TriggeredBy string

const (
	TriggeredByRule   TriggeredBy = "Rule"
	TriggeredByManual TriggeredBy = "Manual"
	TriggeredBySystem TriggeredBy = "System"
)

type ComplianceStatus string

const (
	StatusCompliant     ComplianceStatus = "Compliant"
	StatusWarning       ComplianceStatus = "Warning"
	StatusBreached      ComplianceStatus = "Breached"
	StatusNotApplicable ComplianceStatus = "NotApplicable"
)

// WorkflowInstanceSnapshot is supplied by the workflow service and never mutated here.
type WorkflowInstanceSnapshot struct {
	InstanceID     string    `json:"instanceId"`
	TenantID       string    `json:"tenantId"`
	TemplateID     string    `json:"templateId"`
	StageID        string    `json:"stageId"`
	StageName      string    `json:"stageName,omitempty"`
	StageEnteredAt time.Time `json:"stageEnteredAt"`
	Priority       Priority  `json:"priority"`
	AssigneeID     string    `json:"assigneeId,omitempty"`
}

// StageSLA is a tenant's SLA target for one stage of a workflow template.
type StageSLA struct {
	TenantID   string   `json:"tenantId"`
	TemplateID string   `json:"templateId"`
	StageID    string   `json:"stageId"`
	StageName  string   `json:"stageName,omitempty"`
	SLAHours   *float64 `json:"slaHours,omitempty"`
}

type EscalationPolicy struct {
	ID                      string           `json:"id"`
	TenantID                string           `json:"tenantId"`
	TemplateID              string           `json:"templateId"`
	Name                    string           `json:"name"`
	WarningThresholdPercent float64          `json:"warningThresholdPercent"`
	MaxEscalationLevels     int              `json:"maxEscalationLevels"`
	DefaultCooldownMinutes  int              `json:"defaultCooldownMinutes"`
	Active                  bool             `json:"active"`
	Rules                   []EscalationRule `json:"rules,omitempty"`
	CreatedAt               time.Time        `json:"createdAt"`
	UpdatedAt               time.Time        `json:"updatedAt"`
}

// ActiveRules returns the policy's rules with Active set, in stored order.
func (p EscalationPolicy) ActiveRules() []EscalationRule {
	out := make([]EscalationRule, 0, len(p.Rules))
	for _, r := range p.Rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// Rule returns the rule with the given id.
func (p EscalationPolicy) Rule(id string) (EscalationRule, bool) {
	for _, r := range p.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return EscalationRule{}, false
}

// ConditionDocument is an opaque, tagged payload interpreted only by a ConditionEvaluator.
type ConditionDocument struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

func (d *ConditionDocument) IsZero() bool {
	return d == nil || (d.Kind == "" && len(d.Body) == 0)
}

type EscalationRule struct {
	ID                      string             `json:"id"`
	PolicyID                string             `json:"policyId"`
	Name                    string             `json:"name"`
	TriggerType             TriggerType        `json:"triggerType"`
	Level                   int                `json:"level"`
	HoursInStage            *float64           `json:"hoursInStage,omitempty"`
	WarningThresholdPercent *float64           `json:"warningThresholdPercent,omitempty"`
	MinimumPriority         *Priority          `json:"minimumPriority,omitempty"`
	CustomCondition         *ConditionDocument `json:"customCondition,omitempty"`
	Repeatable              bool               `json:"repeatable"`
	CooldownMinutes         *int               `json:"cooldownMinutes,omitempty"`
	MaxEscalations          *int               `json:"maxEscalations,omitempty"`
	Active                  bool               `json:"active"`
	Actions                 []EscalationAction `json:"actions"`
	CreatedAt               time.Time          `json:"createdAt"`
}

type Resolution struct {
	ResolvedAt time.Time `json:"resolvedAt"`
	ResolvedBy string    `json:"resolvedBy"`
	Notes      string    `json:"notes,omitempty"`
}

// ActionOutcome records the result of one executed action.
type ActionOutcome struct {
	ActionID   string     `json:"actionId"`
	Type       ActionType `json:"type"`
	Order      int        `json:"order"`
	Succeeded  bool       `json:"succeeded"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

type EventDetails struct {
	Actions    []ActionOutcome    `json:"actions"`
	Compliance *SLAComplianceInfo `json:"compliance,omitempty"`
	Note       string             `json:"note,omitempty"`
}

// Failures returns the outcomes that did not succeed.
func (d EventDetails) Failures() []ActionOutcome {
	var out []ActionOutcome
	for _, a := range d.Actions {
		if !a.Succeeded {
			out = append(out, a)
		}
	}
	return out
}

// EscalationEvent is the immutable audit record of one escalation. Only
// Resolution may change after it is written.
type EscalationEvent struct {
	ID                      string       `json:"id"`
	Sequence                int64        `json:"sequence"`
	InstanceID              string       `json:"instanceId"`
	RuleID                  string       `json:"ruleId"`
	PolicyID                string       `json:"policyId"`
	TenantID                string       `json:"tenantId"`
	TriggerType             TriggerType  `json:"triggerType"`
	Level                   int          `json:"level"`
	TriggeredBy             TriggeredBy  `json:"triggeredBy"`
	TriggeredByUserID       *string      `json:"triggeredByUserId,omitempty"`
	PreviousAssignee        *string      `json:"previousAssignee,omitempty"`
	NewAssignee             *string      `json:"newAssignee,omitempty"`
	PreviousPriority        *Priority    `json:"previousPriority,omitempty"`
	NewPriority             *Priority    `json:"newPriority,omitempty"`
	Reason                  string       `json:"reason"`
	Details                 EventDetails `json:"details"`
	ChainLevel              int          `json:"chainLevel"`
	ParentEscalationEventID *string      `json:"parentEscalationEventId,omitempty"`
	PrevHash                string       `json:"prevHash,omitempty"`
	Hash                    string       `json:"hash,omitempty"`
	CreatedAt               time.Time    `json:"createdAt"`
	Resolution              *Resolution  `json:"resolution,omitempty"`
}

func (e EscalationEvent) Resolved() bool { return e.Resolution != nil }

// SLAComplianceInfo is computed on demand and never persisted directly.
type SLAComplianceInfo struct {
	InstanceID              string           `json:"instanceId"`
	StageID                 string           `json:"stageId"`
	StageName               string           `json:"stageName,omitempty"`
	StageEnteredAt          time.Time        `json:"stageEnteredAt"`
	SLADueAt                *time.Time       `json:"slaDueAt,omitempty"`
	Status                  ComplianceStatus `json:"status"`
	TotalSLAHours           *float64         `json:"totalSlaHours,omitempty"`
	HoursUsed               float64          `json:"hoursUsed"`
	HoursRemaining          *float64         `json:"hoursRemaining,omitempty"`
	PercentageUsed          *float64         `json:"percentageUsed,omitempty"`
	IsOverdue               bool             `json:"isOverdue"`
	HoursBreach             *float64         `json:"hoursBreach,omitempty"`
	IsWarning               bool             `json:"isWarning"`
	WarningThresholdPercent float64          `json:"warningThresholdPercent"`
}

// Percentage returns PercentageUsed or 0 when unset.
func (c SLAComplianceInfo) Percentage() float64 {
	if c.PercentageUsed == nil {
		return 0
	}
	return *c.PercentageUsed
}

// SLAHistoryRecord is the closed-out compliance snapshot of a completed stage.
type SLAHistoryRecord struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenantId"`
	InstanceID     string           `json:"instanceId"`
	TemplateID     string           `json:"templateId"`
	StageID        string           `json:"stageId"`
	StageName      string           `json:"stageName,omitempty"`
	StageEnteredAt time.Time        `json:"stageEnteredAt"`
	StageExitedAt  time.Time        `json:"stageExitedAt"`
	TotalSLAHours  *float64         `json:"totalSlaHours,omitempty"`
	HoursUsed      float64          `json:"hoursUsed"`
	PercentageUsed *float64         `json:"percentageUsed,omitempty"`
	Status         ComplianceStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
}

type EscalationStatus struct {
	InstanceID            string           `json:"instanceId"`
	LatestUnresolvedEvent *EscalationEvent `json:"latestUnresolvedEvent,omitempty"`
	CountsByLevel         map[int]int      `json:"countsByLevel"`
	ChainDepth            int              `json:"chainDepth"`
	TotalEvents           int              `json:"totalEvents"`
}

type SLAMetrics struct {
	Records            []SLAHistoryRecord `json:"records"`
	TotalRecords       int                `json:"totalRecords"`
	CompliantCount     int                `json:"compliantCount"`
	WarningCount       int                `json:"warningCount"`
	BreachedCount      int                `json:"breachedCount"`
	ComplianceRate     float64            `json:"complianceRate"`
	AverageTimeInStage float64            `json:"averageTimeInStage"`
	Page               int                `json:"page"`
	PageSize           int                `json:"pageSize"`
}
