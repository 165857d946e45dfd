// Package matcher decides which escalation rules are eligible to fire for an
// instance given its compliance, priority and prior escalation history.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/compliance"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

const (
	defaultCooldownMinutes = 0
	defaultMinimumPriority = models.PriorityHigh
)

// ConditionEvaluator evaluates the opaque document of a CustomCondition rule.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, doc models.ConditionDocument, cond ConditionContext) (bool, error)
}

type ConditionEvaluatorFunc func(ctx context.Context, doc models.ConditionDocument, cond ConditionContext) (bool, error)

func (f ConditionEvaluatorFunc) Evaluate(ctx context.Context, doc models.ConditionDocument, cond ConditionContext) (bool, error) {
	return f(ctx, doc, cond)
}

// ConditionContext is what a ConditionEvaluator may look at.
type ConditionContext struct {
	Instance   models.WorkflowInstanceSnapshot
	Compliance models.SLAComplianceInfo
	Rule       models.EscalationRule
}

type Input struct {
	Instance   models.WorkflowInstanceSnapshot
	Compliance models.SLAComplianceInfo
	Policy     models.EscalationPolicy
	Rules      []models.EscalationRule
	// History maps rule id to that rule's prior events for this instance, most recent first.
	History map[string][]models.EscalationEvent
	Now     time.Time
}

// Decision explains why one rule was or was not eligible.
type Decision struct {
	RuleID   string `json:"ruleId"`
	Level    int    `json:"level"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

type Result struct {
	Eligible  []models.EscalationRule
	Decisions []Decision
}

// First returns the rule a single evaluation pass fires: the lowest level,
// earliest created eligible rule.
func (r Result) First() (models.EscalationRule, bool) {
	if len(r.Eligible) == 0 {
		return models.EscalationRule{}, false
	}
	return r.Eligible[0], true
}

type Matcher struct {
	conditions ConditionEvaluator
}

// New builds a Matcher. conditions may be nil, in which case CustomCondition
// rules are never eligible.
func New(conditions ConditionEvaluator) *Matcher {
	return &Matcher{conditions: conditions}
}

func (m *Matcher) Match(ctx context.Context, in Input) Result {
	var res Result
	for _, rule := range in.Rules {
		ok, reason := m.eligible(ctx, in, rule)
		res.Decisions = append(res.Decisions, Decision{
			RuleID:   rule.ID,
			Level:    rule.Level,
			Eligible: ok,
			Reason:   reason,
		})
		if ok {
			res.Eligible = append(res.Eligible, rule)
		}
	}
	sort.SliceStable(res.Eligible, func(i, j int) bool {
		a, b := res.Eligible[i], res.Eligible[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return res
}

func (m *Matcher) eligible(ctx context.Context, in Input, rule models.EscalationRule) (bool, string) {
	if !rule.Active {
		return false, "rule inactive"
	}
	if ok, reason := m.triggerHolds(ctx, in, rule); !ok {
		return false, reason
	}
	return repetitionAllows(rule, in.Policy, in.History[rule.ID], in.Now)
}

func (m *Matcher) triggerHolds(ctx context.Context, in Input, rule models.EscalationRule) (bool, string) {
	c := in.Compliance
	switch rule.TriggerType {
	case models.TriggerTimeInStage:
		if rule.HoursInStage == nil {
			return false, "hoursInStage not configured"
		}
		if c.HoursUsed >= *rule.HoursInStage {
			return true, ""
		}
		return false, fmt.Sprintf("%.1fh in stage < %.1fh", c.HoursUsed, *rule.HoursInStage)
	case models.TriggerSLAWarning:
		threshold := WarningThreshold(rule, in.Policy)
		if c.Status == models.StatusWarning && c.Percentage() >= threshold {
			return true, ""
		}
		return false, fmt.Sprintf("status %s at %.1f%% (warning threshold %.1f%%)", c.Status, c.Percentage(), threshold)
	case models.TriggerSLABreach:
		if c.Status == models.StatusBreached {
			return true, ""
		}
		return false, fmt.Sprintf("status %s is not breached", c.Status)
	case models.TriggerPriorityHigh:
		floor := MinimumPriority(rule)
		if in.Instance.Priority.Rank() >= floor.Rank() {
			return true, ""
		}
		return false, fmt.Sprintf("priority %s below %s", in.Instance.Priority, floor)
	case models.TriggerCustomCondition:
		if m.conditions == nil {
			return false, "no condition evaluator configured"
		}
		if rule.CustomCondition.IsZero() {
			return false, "custom condition missing"
		}
		ok, err := m.conditions.Evaluate(ctx, *rule.CustomCondition, ConditionContext{
			Instance:   in.Instance,
			Compliance: c,
			Rule:       rule,
		})
		if err != nil {
			return false, fmt.Sprintf("condition evaluation failed: %v", err)
		}
		if !ok {
			return false, "custom condition false"
		}
		return true, ""
	}
	return false, fmt.Sprintf("unknown trigger type %q", rule.TriggerType)
}

func repetitionAllows(rule models.EscalationRule, policy models.EscalationPolicy, prior []models.EscalationEvent, now time.Time) (bool, string) {
	if len(prior) == 0 {
		return true, "eligible"
	}
	if !rule.Repeatable {
		return false, "non-repeatable rule already fired"
	}
	if rule.MaxEscalations != nil && len(prior) >= *rule.MaxEscalations {
		return false, fmt.Sprintf("max escalations reached (%d)", *rule.MaxEscalations)
	}
	cooldown := time.Duration(CooldownMinutes(rule, policy)) * time.Minute
	if since := now.Sub(prior[0].CreatedAt); since < cooldown {
		return false, fmt.Sprintf("cooldown active (%s remaining)", (cooldown - since).Round(time.Second))
	}
	return true, "eligible"
}

// Threshold fallbacks resolve rule value, then policy default, then the built-in default.

func WarningThreshold(rule models.EscalationRule, policy models.EscalationPolicy) float64 {
	if rule.WarningThresholdPercent != nil && *rule.WarningThresholdPercent > 0 {
		return *rule.WarningThresholdPercent
	}
	if policy.WarningThresholdPercent > 0 {
		return policy.WarningThresholdPercent
	}
	return compliance.DefaultWarningThresholdPercent
}

func CooldownMinutes(rule models.EscalationRule, policy models.EscalationPolicy) int {
	if rule.CooldownMinutes != nil {
		return *rule.CooldownMinutes
	}
	if policy.DefaultCooldownMinutes > 0 {
		return policy.DefaultCooldownMinutes
	}
	return defaultCooldownMinutes
}

func MinimumPriority(rule models.EscalationRule) models.Priority {
	if rule.MinimumPriority != nil && rule.MinimumPriority.Valid() {
		return *rule.MinimumPriority
	}
	return defaultMinimumPriority
}
