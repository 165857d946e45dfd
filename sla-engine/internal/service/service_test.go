package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/executor"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/lock"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/reporting"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/service"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/store"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/telemetry"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type comments struct {
	mu     sync.Mutex
	bodies []string
}

func (c *comments) AddComment(ctx context.Context, instanceID, authorID, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, body)
	return nil
}

type failingWebhooks struct{}

func (failingWebhooks) Call(ctx context.Context, url string, payload json.RawMessage, timeout time.Duration) error {
	return context.DeadlineExceeded
}

type busyLocker struct{}

func (busyLocker) TryLock(ctx context.Context, key string) (lock.Unlock, bool, error) {
	return nil, false, nil
}

type fixture struct {
	svc      *service.Service
	store    *store.MemoryStore
	comments *comments
	metrics  *telemetry.Metrics
	policy   models.EscalationPolicy
}

func newFixture(t *testing.T, locker lock.Locker) *fixture {
	t.Helper()
	return newFixtureWith(t, fixtureOptions{locker: locker})
}

type fixtureOptions struct {
	locker        lock.Locker
	webhooks      executor.WebhookCaller
	actionTimeout time.Duration
	// wrap decorates the memory store handed to the service.
	wrap func(*store.MemoryStore) store.Store
}

func newFixtureWith(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	rec := &comments{}
	metrics := telemetry.New(prometheus.NewRegistry())
	clock := func() time.Time { return now }
	if opts.webhooks == nil {
		opts.webhooks = failingWebhooks{}
	}
	var st store.Store = mem
	if opts.wrap != nil {
		st = opts.wrap(mem)
	}
	exec := executor.New(executor.Capabilities{Comments: rec, Webhooks: opts.webhooks},
		executor.Config{Now: clock, ActionTimeout: opts.actionTimeout}, zap.NewNop(), metrics)
	svc := service.New(service.Deps{
		Store:     st,
		Instances: mem,
		Locker:    opts.locker,
		Executor:  exec,
		Logger:    zap.NewNop(),
		Metrics:   metrics,
	}, service.Config{Now: clock})
	mem.PutInstance(models.WorkflowInstanceSnapshot{
		InstanceID:     "inst-1",
		TenantID:       "tenant-a",
		TemplateID:     "tmpl-1",
		StageID:        "review",
		StageEnteredAt: now.Add(-44 * time.Hour),
		Priority:       models.PriorityMedium,
		AssigneeID:     "alice",
	})
	hours := 40.0
	_, err := svc.SetStageSLA(context.Background(), "tenant-a", models.StageSLA{TemplateID: "tmpl-1", StageID: "review", StageName: "Review", SLAHours: &hours})
	require.NoError(t, err)

	policy, err := svc.CreatePolicy(context.Background(), "tenant-a", service.PolicyInput{
		PolicySettings: service.PolicySettings{Name: "default", WarningThresholdPercent: 80, MaxEscalationLevels: 3},
		TemplateID:     "tmpl-1",
		Active:         true,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: mem, comments: rec, metrics: metrics, policy: policy}
}

func commentAction(order int, body string) service.ActionInput {
	return service.ActionInput{Type: models.ActionAddComment, Order: order, Params: json.RawMessage(`{"body":"` + body + `"}`)}
}

func (f *fixture) addRule(t *testing.T, in service.RuleInput) models.EscalationRule {
	t.Helper()
	rule, err := f.svc.AddRule(context.Background(), "tenant-a", f.policy.ID, in)
	require.NoError(t, err)
	return rule
}

func TestCheckAndEscalateFiresLowestLevelOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.addRule(t, service.RuleInput{Name: "breach-l2", TriggerType: models.TriggerSLABreach, Level: 2, Actions: []service.ActionInput{commentAction(1, "level two")}})
	l1 := f.addRule(t, service.RuleInput{Name: "breach-l1", TriggerType: models.TriggerSLABreach, Level: 1, Actions: []service.ActionInput{commentAction(1, "level one")}})
	ctx := context.Background()

	ev, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, l1.ID, ev.RuleID)
	assert.Equal(t, 1, ev.ChainLevel)
	assert.Equal(t, models.TriggeredByRule, ev.TriggeredBy)
	require.NotNil(t, ev.Details.Compliance)
	assert.Equal(t, models.StatusBreached, ev.Details.Compliance.Status)
	assert.Equal(t, []string{"level one"}, f.comments.bodies)

	second, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a", PolicyID: f.policy.ID})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Level)
	assert.Equal(t, 2, second.ChainLevel)
	assert.Equal(t, ev.ID, *second.ParentEscalationEventID)

	third, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Nil(t, third)

	status, err := f.svc.GetEscalationStatus(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.ChainDepth)
	assert.Equal(t, map[int]int{1: 1, 2: 1}, status.CountsByLevel)
	assert.Equal(t, second.ID, status.LatestUnresolvedEvent.ID)
	assert.NoError(t, f.svc.VerifyChain(ctx, "inst-1"))
}

func TestCheckAndEscalateNothingEligible(t *testing.T) {
	f := newFixture(t, nil)
	f.addRule(t, service.RuleInput{Name: "critical-only", TriggerType: models.TriggerPriorityHigh, Level: 1})
	ev, err := f.svc.CheckAndEscalate(context.Background(), service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestCheckAndEscalateUnknownInstanceOrTenant(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.CheckAndEscalate(context.Background(), service.CheckInput{InstanceID: "missing", TenantID: "tenant-a"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.CheckAndEscalate(context.Background(), service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-b"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLockContentionFailsClosed(t *testing.T) {
	f := newFixture(t, busyLocker{})
	rule := f.addRule(t, service.RuleInput{Name: "breach", TriggerType: models.TriggerSLABreach, Level: 1})
	ctx := context.Background()

	ev, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = f.svc.ManualEscalate(ctx, service.ManualInput{InstanceID: "inst-1", TenantID: "tenant-a", RuleID: rule.ID, UserID: "ops"})
	assert.ErrorIs(t, err, service.ErrConflict)
	assert.ErrorIs(t, err, store.ErrConflict)

	events, err := f.store.ListEvents(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.LockContentions))
}

func TestManualEscalateBypassesCooldownAndCap(t *testing.T) {
	f := newFixture(t, nil)
	cooldown, max := 600, 1
	rule := f.addRule(t, service.RuleInput{
		Name:            "breach",
		TriggerType:     models.TriggerSLABreach,
		Level:           1,
		Repeatable:      true,
		CooldownMinutes: &cooldown,
		MaxEscalations:  &max,
	})
	ctx := context.Background()

	first, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	require.NotNil(t, first)

	blocked, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Nil(t, blocked)

	manual, err := f.svc.ManualEscalate(ctx, service.ManualInput{InstanceID: "inst-1", TenantID: "tenant-a", RuleID: rule.ID, UserID: "ops-lead", Reason: "customer escalation"})
	require.NoError(t, err)
	assert.Equal(t, models.TriggeredByManual, manual.TriggeredBy)
	assert.Equal(t, "ops-lead", *manual.TriggeredByUserID)
	assert.Equal(t, "customer escalation", manual.Reason)
	assert.Equal(t, 2, manual.ChainLevel)
}

func TestManualEscalateInactiveOrUnknownRule(t *testing.T) {
	f := newFixture(t, nil)
	rule := f.addRule(t, service.RuleInput{Name: "breach", TriggerType: models.TriggerSLABreach, Level: 1})
	ctx := context.Background()
	require.NoError(t, f.svc.DisableRule(ctx, "tenant-a", f.policy.ID, rule.ID))

	_, err := f.svc.ManualEscalate(ctx, service.ManualInput{InstanceID: "inst-1", TenantID: "tenant-a", RuleID: rule.ID, UserID: "ops"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.ManualEscalate(ctx, service.ManualInput{InstanceID: "inst-1", TenantID: "tenant-a", RuleID: "nope", UserID: "ops"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.ManualEscalate(ctx, service.ManualInput{InstanceID: "inst-1", TenantID: "tenant-a", RuleID: rule.ID})
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestActionFailureStillRecordsEvent(t *testing.T) {
	f := newFixture(t, nil)
	f.addRule(t, service.RuleInput{
		Name:        "breach",
		TriggerType: models.TriggerSLABreach,
		Level:       1,
		Actions: []service.ActionInput{
			{Type: models.ActionTriggerWebhook, Order: 1, Params: json.RawMessage(`{"url":"https://hooks.example.com/sla","timeoutSeconds":1}`)},
			commentAction(2, "after webhook"),
		},
	})
	ev, err := f.svc.CheckAndEscalate(context.Background(), service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Len(t, ev.Details.Actions, 2)
	assert.False(t, ev.Details.Actions[0].Succeeded)
	assert.True(t, ev.Details.Actions[1].Succeeded)
	assert.Equal(t, []string{"after webhook"}, f.comments.bodies)
}

func TestAddRuleInvalidActionWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.AddRule(ctx, "tenant-a", f.policy.ID, service.RuleInput{
		Name:        "broken",
		TriggerType: models.TriggerSLABreach,
		Level:       1,
		Actions: []service.ActionInput{
			commentAction(1, "fine"),
			{Type: models.ActionChangePriority, Order: 2, Params: json.RawMessage(`{"priority":"Urgent"}`)},
		},
	})
	assert.ErrorIs(t, err, service.ErrValidation)

	policy, err := f.svc.GetPolicy(ctx, "tenant-a", f.policy.ID)
	require.NoError(t, err)
	assert.Empty(t, policy.Rules)
}

func TestAddRuleValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cases := map[string]service.RuleInput{
		"time in stage without hours": {Name: "r", TriggerType: models.TriggerTimeInStage, Level: 1},
		"custom without condition":    {Name: "r", TriggerType: models.TriggerCustomCondition, Level: 1},
		"level out of range":          {Name: "r", TriggerType: models.TriggerSLABreach, Level: 6},
		"level above policy maximum":  {Name: "r", TriggerType: models.TriggerSLABreach, Level: 4},
		"unknown trigger":             {Name: "r", TriggerType: "Sometimes", Level: 1},
		"unknown action type":         {Name: "r", TriggerType: models.TriggerSLABreach, Level: 1, Actions: []service.ActionInput{{Type: "Page", Order: 1}}},
		"duplicate action order":      {Name: "r", TriggerType: models.TriggerSLABreach, Level: 1, Actions: []service.ActionInput{commentAction(1, "a"), commentAction(1, "b")}},
		"notify without recipients":   {Name: "r", TriggerType: models.TriggerSLABreach, Level: 1, Actions: []service.ActionInput{{Type: models.ActionNotify, Order: 1, Params: json.RawMessage(`{"template":"t"}`)}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.AddRule(ctx, "tenant-a", f.policy.ID, in)
			assert.ErrorIs(t, err, service.ErrValidation)
		})
	}

	_, err := f.svc.AddRule(ctx, "tenant-b", f.policy.ID, service.RuleInput{Name: "r", TriggerType: models.TriggerSLABreach, Level: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPolicyAdministration(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreatePolicy(ctx, "tenant-a", service.PolicyInput{PolicySettings: service.PolicySettings{Name: "dup"}, TemplateID: "tmpl-1", Active: true})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = f.svc.CreatePolicy(ctx, "tenant-a", service.PolicyInput{PolicySettings: service.PolicySettings{Name: "bad", WarningThresholdPercent: 140}, TemplateID: "tmpl-2"})
	assert.ErrorIs(t, err, service.ErrValidation)

	updated, err := f.svc.UpdatePolicy(ctx, "tenant-a", f.policy.ID, service.PolicySettings{Name: "renamed", WarningThresholdPercent: 90, MaxEscalationLevels: 5, DefaultCooldownMinutes: 30})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 30, updated.DefaultCooldownMinutes)

	require.NoError(t, f.svc.DisablePolicy(ctx, "tenant-a", f.policy.ID))
	_, err = f.svc.CreatePolicy(ctx, "tenant-a", service.PolicyInput{PolicySettings: service.PolicySettings{Name: "next"}, TemplateID: "tmpl-1", Active: true})
	assert.NoError(t, err)
}

func TestDisabledPolicyNeverFires(t *testing.T) {
	f := newFixture(t, nil)
	f.addRule(t, service.RuleInput{Name: "breach", TriggerType: models.TriggerSLABreach, Level: 1})
	ctx := context.Background()
	require.NoError(t, f.svc.DisablePolicy(ctx, "tenant-a", f.policy.ID))

	ev, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a", PolicyID: f.policy.ID})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestResolveEscalation(t *testing.T) {
	f := newFixture(t, nil)
	f.addRule(t, service.RuleInput{Name: "breach", TriggerType: models.TriggerSLABreach, Level: 1})
	ctx := context.Background()
	ev, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	require.NotNil(t, ev)

	_, err = f.svc.ResolveEscalation(ctx, service.ResolveInput{EventID: ev.ID, TenantID: "tenant-b", ResolvedBy: "intruder"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.svc.InstanceOwnedBy(ctx, "tenant-b", "inst-1"), store.ErrNotFound)
	assert.NoError(t, f.svc.InstanceOwnedBy(ctx, "tenant-a", "inst-1"))

	resolved, err := f.svc.ResolveEscalation(ctx, service.ResolveInput{EventID: ev.ID, TenantID: "tenant-a", ResolvedBy: "ops-lead", Notes: "reassigned manually"})
	require.NoError(t, err)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, "ops-lead", resolved.Resolution.ResolvedBy)

	_, err = f.svc.ResolveEscalation(ctx, service.ResolveInput{EventID: ev.ID, ResolvedBy: "ops-lead"})
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = f.svc.ResolveEscalation(ctx, service.ResolveInput{EventID: "missing", ResolvedBy: "ops-lead"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	status, err := f.svc.GetEscalationStatus(ctx, "inst-1")
	require.NoError(t, err)
	assert.Nil(t, status.LatestUnresolvedEvent)

	history, err := f.svc.EscalationHistory(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, history.Verified)
	assert.Len(t, history.Events, 1)
}

func TestEscalationHistoryReportsTampering(t *testing.T) {
	f := newFixture(t, nil)
	f.addRule(t, service.RuleInput{Name: "breach", TriggerType: models.TriggerSLABreach, Level: 1})
	ctx := context.Background()
	ev, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)

	tampered := *ev
	tampered.Reason = "nothing to see"
	f.store.ReplaceEvent(tampered)

	history, err := f.svc.EscalationHistory(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, history.Verified)
	assert.NotEmpty(t, history.Error)
}

func TestEvaluateRulesIsDryRun(t *testing.T) {
	f := newFixture(t, nil)
	rule := f.addRule(t, service.RuleInput{Name: "breach", TriggerType: models.TriggerSLABreach, Level: 1, Actions: []service.ActionInput{commentAction(1, "x")}})
	ctx := context.Background()

	eval, err := f.svc.EvaluateRules(ctx, "tenant-a", "inst-1", "")
	require.NoError(t, err)
	require.NotNil(t, eval.Selected)
	assert.Equal(t, rule.ID, eval.Selected.ID)
	require.Len(t, eval.Decisions, 1)
	assert.True(t, eval.Decisions[0].Eligible)
	assert.Equal(t, 110.0, eval.Compliance.Percentage())
	assert.Empty(t, f.comments.bodies)

	events, err := f.store.ListEvents(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestInstanceComplianceUsesPolicyThreshold(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.PutInstance(models.WorkflowInstanceSnapshot{
		InstanceID:     "inst-2",
		TenantID:       "tenant-a",
		TemplateID:     "tmpl-1",
		StageID:        "review",
		StageEnteredAt: now.Add(-31 * time.Hour),
	})
	info, err := f.svc.InstanceCompliance(ctx, "tenant-a", "inst-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompliant, info.Status)
	assert.Equal(t, 77.5, info.Percentage())
	assert.Equal(t, 80.0, info.WarningThresholdPercent)
	assert.Equal(t, "Review", info.StageName)

	f.store.PutInstance(models.WorkflowInstanceSnapshot{InstanceID: "inst-3", TenantID: "tenant-a", TemplateID: "tmpl-1", StageID: "intake", StageEnteredAt: now.Add(-5 * time.Hour)})
	info, err = f.svc.InstanceCompliance(ctx, "tenant-a", "inst-3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotApplicable, info.Status)
}

func TestRecordStageExitFeedsMetrics(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entered := now.Add(-100 * time.Hour)
	exits := []time.Duration{20 * time.Hour, 30 * time.Hour, 34 * time.Hour, 50 * time.Hour}
	for i, d := range exits {
		_, err := f.svc.RecordStageExit(ctx, models.WorkflowInstanceSnapshot{
			InstanceID:     "inst-h" + string(rune('0'+i)),
			TenantID:       "tenant-a",
			TemplateID:     "tmpl-1",
			StageID:        "review",
			StageEnteredAt: entered,
		}, entered.Add(d))
		require.NoError(t, err)
	}
	_, err := f.svc.RecordStageExit(ctx, models.WorkflowInstanceSnapshot{
		InstanceID: "inst-na", TenantID: "tenant-a", TemplateID: "tmpl-1", StageID: "intake", StageEnteredAt: entered,
	}, entered.Add(10*time.Hour))
	require.NoError(t, err)

	m, err := f.svc.QuerySLAMetrics(ctx, reporting.Filter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Equal(t, 5, m.TotalRecords)
	assert.Equal(t, 2, m.CompliantCount)
	assert.Equal(t, 1, m.WarningCount)
	assert.Equal(t, 1, m.BreachedCount)
	assert.Equal(t, 50.0, m.ComplianceRate)
	assert.Equal(t, 33.5, m.AverageTimeInStage)

	_, err = f.svc.QuerySLAMetrics(ctx, reporting.Filter{})
	assert.True(t, errors.Is(err, service.ErrValidation))

	_, err = f.svc.RecordStageExit(ctx, models.WorkflowInstanceSnapshot{InstanceID: "x", TenantID: "tenant-a", StageID: "review", StageEnteredAt: now}, now.Add(-time.Hour))
	assert.ErrorIs(t, err, service.ErrValidation)
}

// blockingWebhooks holds every call until its context ends.
type blockingWebhooks struct{ calls chan struct{} }

func (b blockingWebhooks) Call(ctx context.Context, url string, payload json.RawMessage, timeout time.Duration) error {
	b.calls <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

// deadlineStore fails writes on a finished context the way database/sql does.
type deadlineStore struct{ *store.MemoryStore }

func (d deadlineStore) AppendEvent(ctx context.Context, ev models.EscalationEvent) (models.EscalationEvent, error) {
	if err := ctx.Err(); err != nil {
		return models.EscalationEvent{}, err
	}
	return d.MemoryStore.AppendEvent(ctx, ev)
}

func TestEventRecordedWhenActionOutlivesCaller(t *testing.T) {
	hooks := blockingWebhooks{calls: make(chan struct{}, 1)}
	f := newFixtureWith(t, fixtureOptions{
		webhooks:      hooks,
		actionTimeout: 200 * time.Millisecond,
		wrap:          func(m *store.MemoryStore) store.Store { return deadlineStore{m} },
	})
	f.addRule(t, service.RuleInput{
		Name:        "breach",
		TriggerType: models.TriggerSLABreach,
		Level:       1,
		Actions: []service.ActionInput{
			{Type: models.ActionTriggerWebhook, Order: 1, Params: json.RawMessage(`{"url":"https://hooks.example.com/slow"}`)},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ev, err := f.svc.CheckAndEscalate(ctx, service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	assert.Len(t, hooks.calls, 1)

	require.Len(t, ev.Details.Actions, 1)
	assert.False(t, ev.Details.Actions[0].Succeeded)
	assert.Contains(t, ev.Details.Actions[0].Error, "deadline exceeded")

	events, err := f.store.ListEvents(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
}

func TestManualEscalateOnDisabledPolicy(t *testing.T) {
	f := newFixture(t, nil)
	rule := f.addRule(t, service.RuleInput{Name: "breach", TriggerType: models.TriggerSLABreach, Level: 1})
	ctx := context.Background()
	require.NoError(t, f.svc.DisablePolicy(ctx, "tenant-a", f.policy.ID))

	_, err := f.svc.ManualEscalate(ctx, service.ManualInput{InstanceID: "inst-1", TenantID: "tenant-a", PolicyID: f.policy.ID, RuleID: rule.ID, UserID: "ops"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := f.store.ListEvents(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStageSLAIsScopedToTenant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SetStageSLA(ctx, "tenant-b", models.StageSLA{TemplateID: "tmpl-1", StageID: "review"})
	require.NoError(t, err)
	info, err := f.svc.InstanceCompliance(ctx, "tenant-a", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBreached, info.Status)

	stored, err := f.store.GetStageSLA(ctx, "tenant-a", "tmpl-1", "review")
	require.NoError(t, err)
	require.NotNil(t, stored.SLAHours)
	assert.Equal(t, 40.0, *stored.SLAHours)
	assert.Equal(t, "tenant-a", stored.TenantID)

	_, err = f.svc.SetStageSLA(ctx, "", models.StageSLA{TemplateID: "tmpl-1", StageID: "review"})
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestConcurrentChecksFireOnce(t *testing.T) {
	const callers = 8
	hooks := blockingWebhooks{calls: make(chan struct{}, callers)}
	f := newFixtureWith(t, fixtureOptions{
		locker:        lock.NewMemoryLocker(),
		webhooks:      hooks,
		actionTimeout: 50 * time.Millisecond,
	})
	f.addRule(t, service.RuleInput{
		Name:        "breach",
		TriggerType: models.TriggerSLABreach,
		Level:       1,
		Actions: []service.ActionInput{
			{Type: models.ActionTriggerWebhook, Order: 1, Params: json.RawMessage(`{"url":"https://hooks.example.com/slow"}`)},
		},
	})

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		mu    sync.Mutex
		fired int
		errs  []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ev, err := f.svc.CheckAndEscalate(context.Background(), service.CheckInput{InstanceID: "inst-1", TenantID: "tenant-a"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ev != nil {
				fired++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, fired)
	assert.Len(t, hooks.calls, 1)
	events, err := f.store.ListEvents(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
