package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

// PolicySettings are the mutable fields of a policy.
type PolicySettings struct {
	Name                    string  `json:"name" validate:"required,max=200"`
	WarningThresholdPercent float64 `json:"warningThresholdPercent" validate:"gte=0,lte=100"`
	MaxEscalationLevels     int     `json:"maxEscalationLevels" validate:"gte=0,lte=5"`
	DefaultCooldownMinutes  int     `json:"defaultCooldownMinutes" validate:"gte=0"`
}

type PolicyInput struct {
	PolicySettings
	TemplateID string `json:"templateId" validate:"required"`
	Active     bool   `json:"active"`
}

type ActionInput struct {
	Type   models.ActionType `json:"type" validate:"required"`
	Order  int               `json:"order" validate:"gte=0"`
	Active *bool             `json:"active,omitempty"`
	Params json.RawMessage   `json:"params"`
}

type RuleInput struct {
	Name                    string                    `json:"name" validate:"required,max=200"`
	TriggerType             models.TriggerType        `json:"triggerType" validate:"required,oneof=TimeInStage SLAWarning SLABreach PriorityHigh CustomCondition"`
	Level                   int                       `json:"level" validate:"min=1,max=5"`
	HoursInStage            *float64                  `json:"hoursInStage,omitempty" validate:"omitempty,gt=0"`
	WarningThresholdPercent *float64                  `json:"warningThresholdPercent,omitempty" validate:"omitempty,gt=0,lte=100"`
	MinimumPriority         *models.Priority          `json:"minimumPriority,omitempty" validate:"omitempty,priority"`
	CustomCondition         *models.ConditionDocument `json:"customCondition,omitempty"`
	Repeatable              bool                      `json:"repeatable"`
	CooldownMinutes         *int                      `json:"cooldownMinutes,omitempty" validate:"omitempty,gte=0"`
	MaxEscalations          *int                      `json:"maxEscalations,omitempty" validate:"omitempty,gte=1"`
	Active                  *bool                     `json:"active,omitempty"`
	Actions                 []ActionInput             `json:"actions" validate:"dive"`
}

func (s *Service) CreatePolicy(ctx context.Context, tenantID string, in PolicyInput) (models.EscalationPolicy, error) {
	if tenantID == "" {
		return models.EscalationPolicy{}, fmt.Errorf("%w: tenantId required", ErrValidation)
	}
	if err := validateStruct(in); err != nil {
		return models.EscalationPolicy{}, err
	}
	p, err := s.store.CreatePolicy(ctx, models.EscalationPolicy{
		ID:                      uuid.NewString(),
		TenantID:                tenantID,
		TemplateID:              in.TemplateID,
		Name:                    in.Name,
		WarningThresholdPercent: in.WarningThresholdPercent,
		MaxEscalationLevels:     in.MaxEscalationLevels,
		DefaultCooldownMinutes:  in.DefaultCooldownMinutes,
		Active:                  in.Active,
	})
	if err != nil {
		return models.EscalationPolicy{}, fmt.Errorf("create policy: %w", err)
	}
	s.logger.Info("escalation policy created",
		zap.String("tenant_id", tenantID),
		zap.String("policy_id", p.ID),
		zap.String("template_id", p.TemplateID))
	return p, nil
}

func (s *Service) GetPolicy(ctx context.Context, tenantID, policyID string) (models.EscalationPolicy, error) {
	return s.store.GetPolicy(ctx, tenantID, policyID)
}

func (s *Service) UpdatePolicy(ctx context.Context, tenantID, policyID string, in PolicySettings) (models.EscalationPolicy, error) {
	if err := validateStruct(in); err != nil {
		return models.EscalationPolicy{}, err
	}
	current, err := s.store.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return models.EscalationPolicy{}, err
	}
	if in.MaxEscalationLevels > 0 {
		for _, r := range current.Rules {
			if r.Active && r.Level > in.MaxEscalationLevels {
				return models.EscalationPolicy{}, fmt.Errorf("%w: active rule %s has level %d above maxEscalationLevels %d", ErrValidation, r.ID, r.Level, in.MaxEscalationLevels)
			}
		}
	}
	current.Name = in.Name
	current.WarningThresholdPercent = in.WarningThresholdPercent
	current.MaxEscalationLevels = in.MaxEscalationLevels
	current.DefaultCooldownMinutes = in.DefaultCooldownMinutes
	return s.store.UpdatePolicy(ctx, current)
}

func (s *Service) SetPolicyActive(ctx context.Context, tenantID, policyID string, active bool) error {
	if err := s.store.SetPolicyActive(ctx, tenantID, policyID, active); err != nil {
		return fmt.Errorf("set policy %s active=%t: %w", policyID, active, err)
	}
	return nil
}

func (s *Service) DisablePolicy(ctx context.Context, tenantID, policyID string) error {
	return s.SetPolicyActive(ctx, tenantID, policyID, false)
}

// AddRule validates the rule and all of its actions, then writes them in one
// transaction. Nothing is written when any part is invalid.
func (s *Service) AddRule(ctx context.Context, tenantID, policyID string, in RuleInput) (models.EscalationRule, error) {
	policy, err := s.store.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return models.EscalationRule{}, err
	}
	rule, err := buildRule(policy, in)
	if err != nil {
		return models.EscalationRule{}, err
	}
	created, err := s.store.CreateRule(ctx, rule)
	if err != nil {
		return models.EscalationRule{}, fmt.Errorf("create rule: %w", err)
	}
	s.logger.Info("escalation rule created",
		zap.String("policy_id", policyID),
		zap.String("rule_id", created.ID),
		zap.String("trigger_type", string(created.TriggerType)),
		zap.Int("level", created.Level),
		zap.Int("actions", len(created.Actions)))
	return created, nil
}

func buildRule(policy models.EscalationPolicy, in RuleInput) (models.EscalationRule, error) {
	if err := validateStruct(in); err != nil {
		return models.EscalationRule{}, err
	}
	if policy.MaxEscalationLevels > 0 && in.Level > policy.MaxEscalationLevels {
		return models.EscalationRule{}, fmt.Errorf("%w: level %d exceeds policy maxEscalationLevels %d", ErrValidation, in.Level, policy.MaxEscalationLevels)
	}
	ruleID := uuid.NewString()
	actions := make([]models.EscalationAction, 0, len(in.Actions))
	orders := map[int]bool{}
	for i, a := range in.Actions {
		if orders[a.Order] {
			return models.EscalationRule{}, fmt.Errorf("%w: actions[%d] duplicates order %d", ErrValidation, i, a.Order)
		}
		orders[a.Order] = true
		params, err := models.DecodeActionParams(a.Type, a.Params)
		if err != nil {
			return models.EscalationRule{}, fmt.Errorf("%w: actions[%d]: %v", ErrValidation, i, err)
		}
		if err := validateStruct(params); err != nil {
			return models.EscalationRule{}, fmt.Errorf("actions[%d]: %w", i, err)
		}
		actions = append(actions, models.EscalationAction{
			ID:     uuid.NewString(),
			RuleID: ruleID,
			Order:  a.Order,
			Active: a.Active == nil || *a.Active,
			Params: params,
		})
	}
	return models.EscalationRule{
		ID:                      ruleID,
		PolicyID:                policy.ID,
		Name:                    in.Name,
		TriggerType:             in.TriggerType,
		Level:                   in.Level,
		HoursInStage:            in.HoursInStage,
		WarningThresholdPercent: in.WarningThresholdPercent,
		MinimumPriority:         in.MinimumPriority,
		CustomCondition:         in.CustomCondition,
		Repeatable:              in.Repeatable,
		CooldownMinutes:         in.CooldownMinutes,
		MaxEscalations:          in.MaxEscalations,
		Active:                  in.Active == nil || *in.Active,
		Actions:                 actions,
	}, nil
}

func (s *Service) DisableRule(ctx context.Context, tenantID, policyID, ruleID string) error {
	if _, err := s.store.GetPolicy(ctx, tenantID, policyID); err != nil {
		return err
	}
	if err := s.store.SetRuleActive(ctx, policyID, ruleID, false); err != nil {
		return fmt.Errorf("disable rule %s: %w", ruleID, err)
	}
	return nil
}

// SetStageSLA configures the tenant's SLA target for one stage of a template.
// A nil or non-positive SLAHours leaves the stage NotApplicable.
func (s *Service) SetStageSLA(ctx context.Context, tenantID string, sla models.StageSLA) (models.StageSLA, error) {
	if tenantID == "" {
		return models.StageSLA{}, fmt.Errorf("%w: tenantId required", ErrValidation)
	}
	if sla.TemplateID == "" || sla.StageID == "" {
		return models.StageSLA{}, fmt.Errorf("%w: templateId and stageId required", ErrValidation)
	}
	sla.TenantID = tenantID
	return s.store.PutStageSLA(ctx, sla)
}
