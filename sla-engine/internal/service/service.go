// Package service exposes the SLA engine's operations: compliance
// calculation, rule-driven and manual escalation, chain status and
// resolution, SLA reporting and policy administration.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/chain"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/compliance"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/executor"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/lock"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/matcher"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/reporting"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/store"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/telemetry"
)

// recordTimeout bounds writing the escalation event after its actions ran.
const recordTimeout = 10 * time.Second

var (
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when another evaluation holds the instance.
	ErrConflict = fmt.Errorf("escalation in progress for instance: %w", store.ErrConflict)
)

// InstanceProvider fetches live workflow instance snapshots.
type InstanceProvider interface {
	GetInstance(ctx context.Context, instanceID string) (models.WorkflowInstanceSnapshot, error)
}

type Config struct {
	// DefaultWarningThresholdPercent applies when a policy sets none.
	DefaultWarningThresholdPercent float64
	Now                            func() time.Time
}

type Service struct {
	store      store.Store
	instances  InstanceProvider
	locker     lock.Locker
	executor   *executor.Executor
	matcher    *matcher.Matcher
	tracker    *chain.Tracker
	aggregator *reporting.Aggregator
	cfg        Config
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

// Deps are the collaborators of a Service. Conditions, Logger and Metrics may be nil.
type Deps struct {
	Store      store.Store
	Instances  InstanceProvider
	Locker     lock.Locker
	Executor   *executor.Executor
	Conditions matcher.ConditionEvaluator
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
}

func New(deps Deps, cfg Config) *Service {
	if cfg.DefaultWarningThresholdPercent <= 0 {
		cfg.DefaultWarningThresholdPercent = compliance.DefaultWarningThresholdPercent
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	exec := deps.Executor
	if exec == nil {
		exec = executor.New(executor.Capabilities{}, executor.Config{Now: cfg.Now}, logger, deps.Metrics)
	}
	return &Service{
		store:      deps.Store,
		instances:  deps.Instances,
		locker:     locker,
		executor:   exec,
		matcher:    matcher.New(deps.Conditions),
		tracker:    chain.NewTracker(deps.Store, cfg.Now),
		aggregator: reporting.NewAggregator(deps.Store),
		cfg:        cfg,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// CalculateSLACompliance evaluates snapshot against sla at the current time.
func (s *Service) CalculateSLACompliance(snapshot models.WorkflowInstanceSnapshot, sla models.StageSLA, warningThresholdPercent float64) models.SLAComplianceInfo {
	return s.complianceAt(snapshot, sla, warningThresholdPercent, s.cfg.Now())
}

func (s *Service) complianceAt(snapshot models.WorkflowInstanceSnapshot, sla models.StageSLA, threshold float64, at time.Time) models.SLAComplianceInfo {
	if threshold <= 0 {
		threshold = s.cfg.DefaultWarningThresholdPercent
	}
	name := snapshot.StageName
	if name == "" {
		name = sla.StageName
	}
	info := compliance.Calculate(compliance.Input{
		InstanceID:              snapshot.InstanceID,
		StageID:                 snapshot.StageID,
		StageName:               name,
		StageEnteredAt:          snapshot.StageEnteredAt,
		Now:                     at,
		TotalSLAHours:           sla.SLAHours,
		WarningThresholdPercent: threshold,
	})
	s.metrics.ObserveEvaluation(string(info.Status))
	return info
}

// InstanceCompliance loads the instance and its stage SLA and evaluates it
// with the warning threshold of the template's active policy, if any.
func (s *Service) InstanceCompliance(ctx context.Context, tenantID, instanceID string) (models.SLAComplianceInfo, error) {
	snap, err := s.snapshot(ctx, tenantID, instanceID)
	if err != nil {
		return models.SLAComplianceInfo{}, err
	}
	threshold, err := s.warningThreshold(ctx, tenantID, snap.TemplateID)
	if err != nil {
		return models.SLAComplianceInfo{}, err
	}
	sla, err := s.stageSLA(ctx, snap)
	if err != nil {
		return models.SLAComplianceInfo{}, err
	}
	return s.complianceAt(snap, sla, threshold, s.cfg.Now()), nil
}

// warningThreshold is the active policy's threshold for the template, or 0
// (the configured default) when the template has no active policy.
func (s *Service) warningThreshold(ctx context.Context, tenantID, templateID string) (float64, error) {
	policy, err := s.store.ActivePolicyForTemplate(ctx, tenantID, templateID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load active policy: %w", err)
	}
	return policy.WarningThresholdPercent, nil
}

func (s *Service) snapshot(ctx context.Context, tenantID, instanceID string) (models.WorkflowInstanceSnapshot, error) {
	if instanceID == "" {
		return models.WorkflowInstanceSnapshot{}, fmt.Errorf("%w: instanceId required", ErrValidation)
	}
	snap, err := s.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return models.WorkflowInstanceSnapshot{}, fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	if tenantID != "" && snap.TenantID != tenantID {
		return models.WorkflowInstanceSnapshot{}, fmt.Errorf("instance %s: %w", instanceID, store.ErrNotFound)
	}
	return snap, nil
}

// stageSLA returns the configured target for the instance's stage. A stage
// without configuration yields an empty StageSLA, which evaluates as NotApplicable.
func (s *Service) stageSLA(ctx context.Context, snap models.WorkflowInstanceSnapshot) (models.StageSLA, error) {
	sla, err := s.store.GetStageSLA(ctx, snap.TenantID, snap.TemplateID, snap.StageID)
	if errors.Is(err, store.ErrNotFound) {
		return models.StageSLA{TenantID: snap.TenantID, TemplateID: snap.TemplateID, StageID: snap.StageID}, nil
	}
	if err != nil {
		return models.StageSLA{}, fmt.Errorf("load stage sla: %w", err)
	}
	return sla, nil
}

func (s *Service) policyFor(ctx context.Context, tenantID, policyID string, snap models.WorkflowInstanceSnapshot) (models.EscalationPolicy, error) {
	if policyID != "" {
		p, err := s.store.GetPolicy(ctx, tenantID, policyID)
		if err != nil {
			return models.EscalationPolicy{}, fmt.Errorf("load policy %s: %w", policyID, err)
		}
		return p, nil
	}
	p, err := s.store.ActivePolicyForTemplate(ctx, tenantID, snap.TemplateID)
	if err != nil {
		return models.EscalationPolicy{}, fmt.Errorf("active policy for template %s: %w", snap.TemplateID, err)
	}
	return p, nil
}

type CheckInput struct {
	InstanceID        string
	TenantID          string
	PolicyID          string
	TriggeredByUserID *string
}

// evaluation is everything gathered for one instance before matching.
type evaluation struct {
	snapshot   models.WorkflowInstanceSnapshot
	policy     models.EscalationPolicy
	compliance models.SLAComplianceInfo
	history    []models.EscalationEvent
	result     matcher.Result
}

func (s *Service) evaluate(ctx context.Context, tenantID, instanceID, policyID string) (evaluation, error) {
	var ev evaluation
	var err error
	if ev.snapshot, err = s.snapshot(ctx, tenantID, instanceID); err != nil {
		return ev, err
	}
	if ev.policy, err = s.policyFor(ctx, tenantID, policyID, ev.snapshot); err != nil {
		return ev, err
	}
	sla, err := s.stageSLA(ctx, ev.snapshot)
	if err != nil {
		return ev, err
	}
	now := s.cfg.Now()
	ev.compliance = s.complianceAt(ev.snapshot, sla, ev.policy.WarningThresholdPercent, now)
	if ev.history, err = s.tracker.History(ctx, instanceID); err != nil {
		return ev, fmt.Errorf("load escalation history: %w", err)
	}
	rules := ev.policy.Rules
	if !ev.policy.Active {
		rules = nil
	}
	ev.result = s.matcher.Match(ctx, matcher.Input{
		Instance:   ev.snapshot,
		Compliance: ev.compliance,
		Policy:     ev.policy,
		Rules:      rules,
		History:    store.LatestByRule(ev.history),
		Now:        now,
	})
	return ev, nil
}

// CheckAndEscalate evaluates the instance and fires at most one rule: the
// lowest-level eligible one. It returns nil when no rule is eligible or
// another evaluation of the same instance is in progress.
func (s *Service) CheckAndEscalate(ctx context.Context, in CheckInput) (*models.EscalationEvent, error) {
	unlock, ok, err := s.locker.TryLock(ctx, lockKey(in.InstanceID))
	if err != nil {
		return nil, fmt.Errorf("lock instance: %w", err)
	}
	if !ok {
		s.metrics.ObserveLockContention()
		s.logger.Info("escalation check skipped, instance locked", zap.String("instance_id", in.InstanceID))
		return nil, nil
	}
	defer unlock()

	ev, err := s.evaluate(ctx, in.TenantID, in.InstanceID, in.PolicyID)
	if err != nil {
		return nil, err
	}
	for _, d := range ev.result.Decisions {
		s.logger.Debug("rule evaluated",
			zap.String("instance_id", in.InstanceID),
			zap.String("rule_id", d.RuleID),
			zap.Bool("eligible", d.Eligible),
			zap.String("reason", d.Reason))
	}
	rule, ok := ev.result.First()
	if !ok {
		return nil, nil
	}
	info := ev.compliance
	event, err := s.fire(ctx, rule, ev, executor.Trigger{
		TriggerType: rule.TriggerType,
		TriggeredBy: models.TriggeredByRule,
		UserID:      in.TriggeredByUserID,
		Reason:      ruleReason(rule, info),
		Compliance:  &info,
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

type ManualInput struct {
	InstanceID string
	RuleID     string
	TenantID   string
	// PolicyID selects the policy holding RuleID; empty means the template's active policy.
	PolicyID string
	UserID   string
	Reason   string
}

// ManualEscalate fires the named rule, bypassing trigger conditions,
// cooldown and escalation caps. The rule must exist and be active.
func (s *Service) ManualEscalate(ctx context.Context, in ManualInput) (models.EscalationEvent, error) {
	if in.RuleID == "" || in.UserID == "" {
		return models.EscalationEvent{}, fmt.Errorf("%w: ruleId and userId required", ErrValidation)
	}
	unlock, ok, err := s.locker.TryLock(ctx, lockKey(in.InstanceID))
	if err != nil {
		return models.EscalationEvent{}, fmt.Errorf("lock instance: %w", err)
	}
	if !ok {
		s.metrics.ObserveLockContention()
		return models.EscalationEvent{}, ErrConflict
	}
	defer unlock()

	snap, err := s.snapshot(ctx, in.TenantID, in.InstanceID)
	if err != nil {
		return models.EscalationEvent{}, err
	}
	policy, err := s.policyFor(ctx, in.TenantID, in.PolicyID, snap)
	if err != nil {
		return models.EscalationEvent{}, err
	}
	if !policy.Active {
		return models.EscalationEvent{}, fmt.Errorf("policy %s is disabled: %w", policy.ID, store.ErrNotFound)
	}
	rule, ok := policy.Rule(in.RuleID)
	if !ok || !rule.Active {
		return models.EscalationEvent{}, fmt.Errorf("rule %s: %w", in.RuleID, store.ErrNotFound)
	}
	sla, err := s.stageSLA(ctx, snap)
	if err != nil {
		return models.EscalationEvent{}, err
	}
	info := s.complianceAt(snap, sla, policy.WarningThresholdPercent, s.cfg.Now())
	user := in.UserID
	reason := in.Reason
	if reason == "" {
		reason = "manual escalation"
	}
	return s.fire(ctx, rule, evaluation{snapshot: snap, policy: policy}, executor.Trigger{
		TriggerType: rule.TriggerType,
		TriggeredBy: models.TriggeredByManual,
		UserID:      &user,
		Reason:      reason,
		Compliance:  &info,
	})
}

// fire runs rule's actions and appends the event to the instance chain.
// Callers hold the instance lock. Once the tail is read, cancellation of ctx
// no longer stops the run: actions are bounded by their own timeouts and the
// event is recorded under recordTimeout.
func (s *Service) fire(ctx context.Context, rule models.EscalationRule, ev evaluation, trigger executor.Trigger) (models.EscalationEvent, error) {
	tail, err := s.tracker.Tail(ctx, ev.snapshot.InstanceID)
	if err != nil {
		return models.EscalationEvent{}, fmt.Errorf("load chain tail: %w", err)
	}
	detached := context.WithoutCancel(ctx)
	event := s.executor.Execute(detached, executor.Request{
		Rule:     rule,
		Instance: ev.snapshot,
		Trigger:  trigger,
		Tail:     tail,
	})
	recordCtx, cancel := context.WithTimeout(detached, recordTimeout)
	defer cancel()
	stored, err := s.tracker.Append(recordCtx, event)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.logger.Warn("escalation chain moved concurrently",
				zap.String("instance_id", event.InstanceID),
				zap.String("event_id", event.ID))
			return models.EscalationEvent{}, ErrConflict
		}
		return models.EscalationEvent{}, fmt.Errorf("record escalation: %w", err)
	}
	s.metrics.ObserveEscalation(string(stored.TriggerType), string(stored.TriggeredBy), stored.Level)
	s.logger.Info("escalation recorded",
		zap.String("instance_id", stored.InstanceID),
		zap.String("event_id", stored.ID),
		zap.String("rule_id", rule.ID),
		zap.Int("level", stored.Level),
		zap.Int("chain_level", stored.ChainLevel),
		zap.Int("failed_actions", len(stored.Details.Failures())))
	return stored, nil
}

func ruleReason(rule models.EscalationRule, info models.SLAComplianceInfo) string {
	switch rule.TriggerType {
	case models.TriggerSLABreach, models.TriggerSLAWarning:
		return fmt.Sprintf("%s: %.1f%% of SLA used (%.1fh in stage)", rule.TriggerType, info.Percentage(), info.HoursUsed)
	case models.TriggerTimeInStage:
		return fmt.Sprintf("%s: %.1fh in stage", rule.TriggerType, info.HoursUsed)
	}
	return fmt.Sprintf("%s: rule %s matched", rule.TriggerType, rule.ID)
}

func lockKey(instanceID string) string { return "instance:" + instanceID }

// Evaluation is the dry-run view of what CheckAndEscalate would do.
type Evaluation struct {
	Compliance models.SLAComplianceInfo `json:"compliance"`
	Decisions  []matcher.Decision       `json:"decisions"`
	// Selected is the rule CheckAndEscalate would fire now, if any.
	Selected *models.EscalationRule `json:"selected,omitempty"`
}

// EvaluateRules runs the matcher without executing anything.
func (s *Service) EvaluateRules(ctx context.Context, tenantID, instanceID, policyID string) (Evaluation, error) {
	ev, err := s.evaluate(ctx, tenantID, instanceID, policyID)
	if err != nil {
		return Evaluation{}, err
	}
	out := Evaluation{Compliance: ev.compliance, Decisions: ev.result.Decisions}
	if out.Decisions == nil {
		out.Decisions = []matcher.Decision{}
	}
	if rule, ok := ev.result.First(); ok {
		out.Selected = &rule
	}
	return out, nil
}

func (s *Service) GetEscalationStatus(ctx context.Context, instanceID string) (models.EscalationStatus, error) {
	return s.tracker.Status(ctx, instanceID)
}

// InstanceOwnedBy reports store.ErrNotFound when the instance's escalation
// chain belongs to another tenant. An empty chain belongs to nobody and passes.
func (s *Service) InstanceOwnedBy(ctx context.Context, tenantID, instanceID string) error {
	events, err := s.tracker.History(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(events) > 0 && events[0].TenantID != tenantID {
		return fmt.Errorf("instance %s: %w", instanceID, store.ErrNotFound)
	}
	return nil
}

type ResolveInput struct {
	EventID string
	// TenantID, when set, must own the event.
	TenantID   string
	ResolvedBy string
	Notes      string
}

func (s *Service) ResolveEscalation(ctx context.Context, in ResolveInput) (models.EscalationEvent, error) {
	if in.ResolvedBy == "" {
		return models.EscalationEvent{}, fmt.Errorf("%w: resolvedBy required", ErrValidation)
	}
	if in.TenantID != "" {
		ev, err := s.store.GetEvent(ctx, in.EventID)
		if err != nil {
			return models.EscalationEvent{}, err
		}
		if ev.TenantID != in.TenantID {
			return models.EscalationEvent{}, fmt.Errorf("escalation %s: %w", in.EventID, store.ErrNotFound)
		}
	}
	ev, err := s.tracker.Resolve(ctx, in.EventID, in.ResolvedBy, in.Notes)
	if err != nil {
		return models.EscalationEvent{}, err
	}
	s.logger.Info("escalation resolved", zap.String("event_id", in.EventID), zap.String("resolved_by", in.ResolvedBy))
	return ev, nil
}

// ChainHistory is an instance's escalation log plus its integrity check.
type ChainHistory struct {
	InstanceID string                   `json:"instanceId"`
	Events     []models.EscalationEvent `json:"events"`
	Verified   bool                     `json:"verified"`
	Error      string                   `json:"verificationError,omitempty"`
}

func (s *Service) EscalationHistory(ctx context.Context, instanceID string) (ChainHistory, error) {
	events, err := s.tracker.History(ctx, instanceID)
	if err != nil {
		return ChainHistory{}, err
	}
	if events == nil {
		events = []models.EscalationEvent{}
	}
	out := ChainHistory{InstanceID: instanceID, Events: events, Verified: true}
	if err := s.VerifyChain(ctx, instanceID); err != nil {
		if !errors.Is(err, chain.ErrChainBroken) {
			return ChainHistory{}, err
		}
		out.Verified = false
		out.Error = err.Error()
	}
	return out, nil
}

func (s *Service) VerifyChain(ctx context.Context, instanceID string) error {
	err := s.tracker.Verify(ctx, instanceID)
	if errors.Is(err, chain.ErrChainBroken) {
		s.logger.Error("escalation chain verification failed", zap.String("instance_id", instanceID), zap.Error(err))
	}
	return err
}

func (s *Service) QuerySLAMetrics(ctx context.Context, f reporting.Filter) (models.SLAMetrics, error) {
	m, err := s.aggregator.Query(ctx, f)
	if errors.Is(err, reporting.ErrInvalidFilter) {
		return models.SLAMetrics{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return m, err
}

// RecordStageExit closes out a stage: compliance is evaluated as of exitedAt
// and stored as an SLA history record.
func (s *Service) RecordStageExit(ctx context.Context, snapshot models.WorkflowInstanceSnapshot, exitedAt time.Time) (models.SLAHistoryRecord, error) {
	if snapshot.InstanceID == "" || snapshot.TenantID == "" || snapshot.StageID == "" {
		return models.SLAHistoryRecord{}, fmt.Errorf("%w: instanceId, tenantId and stageId required", ErrValidation)
	}
	if snapshot.StageEnteredAt.IsZero() {
		return models.SLAHistoryRecord{}, fmt.Errorf("%w: stageEnteredAt required", ErrValidation)
	}
	if exitedAt.IsZero() {
		exitedAt = s.cfg.Now()
	}
	if exitedAt.Before(snapshot.StageEnteredAt) {
		return models.SLAHistoryRecord{}, fmt.Errorf("%w: stageExitedAt before stageEnteredAt", ErrValidation)
	}
	threshold, err := s.warningThreshold(ctx, snapshot.TenantID, snapshot.TemplateID)
	if err != nil {
		return models.SLAHistoryRecord{}, err
	}
	sla, err := s.stageSLA(ctx, snapshot)
	if err != nil {
		return models.SLAHistoryRecord{}, err
	}
	info := s.complianceAt(snapshot, sla, threshold, exitedAt)
	rec := models.SLAHistoryRecord{
		ID:             uuid.NewString(),
		TenantID:       snapshot.TenantID,
		InstanceID:     snapshot.InstanceID,
		TemplateID:     snapshot.TemplateID,
		StageID:        snapshot.StageID,
		StageName:      info.StageName,
		StageEnteredAt: snapshot.StageEnteredAt,
		StageExitedAt:  exitedAt,
		TotalSLAHours:  info.TotalSLAHours,
		HoursUsed:      info.HoursUsed,
		PercentageUsed: info.PercentageUsed,
		Status:         info.Status,
		CreatedAt:      s.cfg.Now(),
	}
	return s.store.InsertHistory(ctx, rec)
}
