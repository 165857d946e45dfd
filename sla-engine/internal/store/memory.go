package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	policies  map[string]models.EscalationPolicy
	rules     map[string]models.EscalationRule
	events    map[string]models.EscalationEvent
	byInst    map[string][]string
	sequence  int64
	history   []models.SLAHistoryRecord
	stageSLAs map[string]models.StageSLA
	instances map[string]models.WorkflowInstanceSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:  map[string]models.EscalationPolicy{},
		rules:     map[string]models.EscalationRule{},
		events:    map[string]models.EscalationEvent{},
		byInst:    map[string][]string{},
		stageSLAs: map[string]models.StageSLA{},
		instances: map[string]models.WorkflowInstanceSnapshot{},
	}
}

func (m *MemoryStore) CreatePolicy(ctx context.Context, p models.EscalationPolicy) (models.EscalationPolicy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	p.Rules = nil
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; ok {
		return models.EscalationPolicy{}, fmt.Errorf("insert escalation policy: %w", ErrConflict)
	}
	if p.Active {
		for _, other := range m.policies {
			if other.Active && other.TenantID == p.TenantID && other.TemplateID == p.TemplateID {
				return models.EscalationPolicy{}, fmt.Errorf("active policy exists for template %s: %w", p.TemplateID, ErrConflict)
			}
		}
	}
	m.policies[p.ID] = p
	p.Rules = []models.EscalationRule{}
	return p, nil
}

func (m *MemoryStore) UpdatePolicy(ctx context.Context, p models.EscalationPolicy) (models.EscalationPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.policies[p.ID]
	if !ok || existing.TenantID != p.TenantID {
		return models.EscalationPolicy{}, ErrNotFound
	}
	existing.Name = p.Name
	existing.WarningThresholdPercent = p.WarningThresholdPercent
	existing.MaxEscalationLevels = p.MaxEscalationLevels
	existing.DefaultCooldownMinutes = p.DefaultCooldownMinutes
	existing.UpdatedAt = time.Now().UTC()
	m.policies[p.ID] = existing
	return m.withRulesLocked(existing), nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, tenantID, policyID string) (models.EscalationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[policyID]
	if !ok || p.TenantID != tenantID {
		return models.EscalationPolicy{}, ErrNotFound
	}
	return m.withRulesLocked(p), nil
}

func (m *MemoryStore) ActivePolicyForTemplate(ctx context.Context, tenantID, templateID string) (models.EscalationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found  models.EscalationPolicy
		exists bool
	)
	for _, p := range m.policies {
		if !p.Active || p.TenantID != tenantID || p.TemplateID != templateID {
			continue
		}
		if !exists || p.CreatedAt.After(found.CreatedAt) {
			found, exists = p, true
		}
	}
	if !exists {
		return models.EscalationPolicy{}, ErrNotFound
	}
	return m.withRulesLocked(found), nil
}

func (m *MemoryStore) withRulesLocked(p models.EscalationPolicy) models.EscalationPolicy {
	p.Rules = []models.EscalationRule{}
	for _, r := range m.rules {
		if r.PolicyID == p.ID {
			r.Actions = append([]models.EscalationAction(nil), r.Actions...)
			p.Rules = append(p.Rules, r)
		}
	}
	sort.Slice(p.Rules, func(i, j int) bool {
		a, b := p.Rules[i], p.Rules[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return p
}

func (m *MemoryStore) SetPolicyActive(ctx context.Context, tenantID, policyID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[policyID]
	if !ok || p.TenantID != tenantID {
		return ErrNotFound
	}
	if active && !p.Active {
		for _, other := range m.policies {
			if other.Active && other.TenantID == p.TenantID && other.TemplateID == p.TemplateID {
				return fmt.Errorf("active policy exists for template %s: %w", p.TemplateID, ErrConflict)
			}
		}
	}
	p.Active = active
	p.UpdatedAt = time.Now().UTC()
	m.policies[policyID] = p
	return nil
}

func (m *MemoryStore) CreateRule(ctx context.Context, rule models.EscalationRule) (models.EscalationRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[rule.PolicyID]; !ok {
		return models.EscalationRule{}, ErrNotFound
	}
	if _, ok := m.rules[rule.ID]; ok {
		return models.EscalationRule{}, fmt.Errorf("insert escalation rule: %w", ErrConflict)
	}
	rule.CreatedAt = time.Now().UTC()
	actions := make([]models.EscalationAction, 0, len(rule.Actions))
	for _, a := range rule.Actions {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.RuleID = rule.ID
		actions = append(actions, a)
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Order < actions[j].Order })
	rule.Actions = actions
	m.rules[rule.ID] = rule
	return rule, nil
}

func (m *MemoryStore) SetRuleActive(ctx context.Context, policyID, ruleID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok || r.PolicyID != policyID {
		return ErrNotFound
	}
	r.Active = active
	m.rules[ruleID] = r
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev models.EscalationEvent) (models.EscalationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; ok {
		return models.EscalationEvent{}, fmt.Errorf("insert escalation event: %w", ErrConflict)
	}
	for _, id := range m.byInst[ev.InstanceID] {
		if m.events[id].PrevHash == ev.PrevHash {
			return models.EscalationEvent{}, fmt.Errorf("chain head moved for instance %s: %w", ev.InstanceID, ErrConflict)
		}
	}
	m.sequence++
	ev.Sequence = m.sequence
	m.events[ev.ID] = ev
	m.byInst[ev.InstanceID] = append(m.byInst[ev.InstanceID], ev.ID)
	return ev, nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (models.EscalationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return models.EscalationEvent{}, ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, instanceID string) ([]models.EscalationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byInst[instanceID]
	out := make([]models.EscalationEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.events[id])
	}
	return out, nil
}

func (m *MemoryStore) ResolveEvent(ctx context.Context, id string, r models.Resolution) (models.EscalationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return models.EscalationEvent{}, ErrNotFound
	}
	if ev.Resolution != nil {
		return models.EscalationEvent{}, fmt.Errorf("escalation event %s already resolved: %w", id, ErrConflict)
	}
	ev.Resolution = &r
	m.events[id] = ev
	return ev, nil
}

// ReplaceEvent overwrites a stored event in place. Tests use it to simulate tampering.
func (m *MemoryStore) ReplaceEvent(ev models.EscalationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
}

func (m *MemoryStore) InsertHistory(ctx context.Context, rec models.SLAHistoryRecord) (models.SLAHistoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.history {
		if existing.ID == rec.ID {
			return models.SLAHistoryRecord{}, fmt.Errorf("insert sla history: %w", ErrConflict)
		}
	}
	m.history = append(m.history, rec)
	return rec, nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]models.SLAHistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.SLAHistoryRecord{}
	for _, rec := range m.history {
		if rec.TenantID != filter.TenantID {
			continue
		}
		if filter.TemplateID != "" && rec.TemplateID != filter.TemplateID {
			continue
		}
		if filter.InstanceID != "" && rec.InstanceID != filter.InstanceID {
			continue
		}
		if filter.From != nil && rec.StageExitedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !rec.StageExitedAt.Before(*filter.To) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StageExitedAt.Before(out[j].StageExitedAt) })
	return out, nil
}

func stageKey(tenantID, templateID, stageID string) string {
	return tenantID + "/" + templateID + "/" + stageID
}

func (m *MemoryStore) GetStageSLA(ctx context.Context, tenantID, templateID, stageID string) (models.StageSLA, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sla, ok := m.stageSLAs[stageKey(tenantID, templateID, stageID)]
	if !ok {
		return models.StageSLA{}, ErrNotFound
	}
	return sla, nil
}

func (m *MemoryStore) PutStageSLA(ctx context.Context, sla models.StageSLA) (models.StageSLA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stageSLAs[stageKey(sla.TenantID, sla.TemplateID, sla.StageID)] = sla
	return sla, nil
}

// PutInstance registers a workflow instance snapshot served by GetInstance.
func (m *MemoryStore) PutInstance(snapshot models.WorkflowInstanceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[snapshot.InstanceID] = snapshot
}

func (m *MemoryStore) GetInstance(ctx context.Context, instanceID string) (models.WorkflowInstanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.instances[instanceID]
	if !ok {
		return models.WorkflowInstanceSnapshot{}, ErrNotFound
	}
	return snapshot, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
