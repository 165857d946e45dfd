package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

const uniqueViolation = "23505"

// DefaultStreamReclaimAfter is how long an in_progress claim may sit before
// another streamer treats its owner as dead.
const DefaultStreamReclaimAfter = 5 * time.Minute

type PGStore struct {
	db           *sql.DB
	reclaimAfter time.Duration
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, reclaimAfter: DefaultStreamReclaimAfter}
}

// SetStreamReclaimAfter changes the stale-claim window. It should exceed the
// streamer's per-event timeout so live claims are never stolen.
func (s *PGStore) SetStreamReclaimAfter(d time.Duration) {
	if d > 0 {
		s.reclaimAfter = d
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func mapWriteErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const policyColumns = `id, tenant_id, template_id, name, warning_threshold_percent, max_escalation_levels, default_cooldown_minutes, active, created_at, updated_at`

func scanPolicy(row rowScanner) (models.EscalationPolicy, error) {
	var p models.EscalationPolicy
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.TemplateID,
		&p.Name,
		&p.WarningThresholdPercent,
		&p.MaxEscalationLevels,
		&p.DefaultCooldownMinutes,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

func (s *PGStore) CreatePolicy(ctx context.Context, p models.EscalationPolicy) (models.EscalationPolicy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	query := `
		INSERT INTO escalation_policies (id, tenant_id, template_id, name, warning_threshold_percent, max_escalation_levels, default_cooldown_minutes, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + policyColumns
	row := s.db.QueryRowContext(ctx, query, p.ID, p.TenantID, p.TemplateID, p.Name, p.WarningThresholdPercent, p.MaxEscalationLevels, p.DefaultCooldownMinutes, p.Active)
	created, err := scanPolicy(row)
	if err != nil {
		return models.EscalationPolicy{}, mapWriteErr("insert escalation policy", err)
	}
	created.Rules = []models.EscalationRule{}
	return created, nil
}

func (s *PGStore) UpdatePolicy(ctx context.Context, p models.EscalationPolicy) (models.EscalationPolicy, error) {
	query := `
		UPDATE escalation_policies
		SET name=$3,
		    warning_threshold_percent=$4,
		    max_escalation_levels=$5,
		    default_cooldown_minutes=$6,
		    updated_at=NOW()
		WHERE id=$1 AND tenant_id=$2
		RETURNING ` + policyColumns
	updated, err := scanPolicy(s.db.QueryRowContext(ctx, query, p.ID, p.TenantID, p.Name, p.WarningThresholdPercent, p.MaxEscalationLevels, p.DefaultCooldownMinutes))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EscalationPolicy{}, ErrNotFound
		}
		return models.EscalationPolicy{}, fmt.Errorf("update escalation policy: %w", err)
	}
	if updated.Rules, err = s.loadRules(ctx, updated.ID); err != nil {
		return models.EscalationPolicy{}, err
	}
	return updated, nil
}

func (s *PGStore) GetPolicy(ctx context.Context, tenantID, policyID string) (models.EscalationPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM escalation_policies WHERE id=$1 AND tenant_id=$2`
	return s.policyWithRules(ctx, "get escalation policy", s.db.QueryRowContext(ctx, query, policyID, tenantID))
}

func (s *PGStore) ActivePolicyForTemplate(ctx context.Context, tenantID, templateID string) (models.EscalationPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM escalation_policies
		WHERE tenant_id=$1 AND template_id=$2 AND active
		ORDER BY created_at DESC
		LIMIT 1`
	return s.policyWithRules(ctx, "get active escalation policy", s.db.QueryRowContext(ctx, query, tenantID, templateID))
}

func (s *PGStore) policyWithRules(ctx context.Context, op string, row *sql.Row) (models.EscalationPolicy, error) {
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EscalationPolicy{}, ErrNotFound
		}
		return models.EscalationPolicy{}, fmt.Errorf("%s: %w", op, err)
	}
	if p.Rules, err = s.loadRules(ctx, p.ID); err != nil {
		return models.EscalationPolicy{}, err
	}
	return p, nil
}

func (s *PGStore) SetPolicyActive(ctx context.Context, tenantID, policyID string, active bool) error {
	const query = `UPDATE escalation_policies SET active=$3, updated_at=NOW() WHERE id=$1 AND tenant_id=$2`
	res, err := s.db.ExecContext(ctx, query, policyID, tenantID, active)
	if err != nil {
		return mapWriteErr("set escalation policy active", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

const ruleColumns = `id, policy_id, name, trigger_type, level, hours_in_stage, warning_threshold_percent, minimum_priority, custom_condition, repeatable, cooldown_minutes, max_escalations, active, created_at`

func scanRule(row rowScanner) (models.EscalationRule, error) {
	var (
		r           models.EscalationRule
		hours       sql.NullFloat64
		threshold   sql.NullFloat64
		minPriority sql.NullString
		condition   []byte
		cooldown    sql.NullInt64
		maxEsc      sql.NullInt64
	)
	if err := row.Scan(
		&r.ID,
		&r.PolicyID,
		&r.Name,
		&r.TriggerType,
		&r.Level,
		&hours,
		&threshold,
		&minPriority,
		&condition,
		&r.Repeatable,
		&cooldown,
		&maxEsc,
		&r.Active,
		&r.CreatedAt,
	); err != nil {
		return models.EscalationRule{}, err
	}
	if hours.Valid {
		r.HoursInStage = &hours.Float64
	}
	if threshold.Valid {
		r.WarningThresholdPercent = &threshold.Float64
	}
	if minPriority.Valid {
		p := models.Priority(minPriority.String)
		r.MinimumPriority = &p
	}
	if len(condition) > 0 && string(condition) != "null" {
		var doc models.ConditionDocument
		if err := json.Unmarshal(condition, &doc); err != nil {
			return models.EscalationRule{}, fmt.Errorf("decode custom condition for rule %s: %w", r.ID, err)
		}
		r.CustomCondition = &doc
	}
	if cooldown.Valid {
		v := int(cooldown.Int64)
		r.CooldownMinutes = &v
	}
	if maxEsc.Valid {
		v := int(maxEsc.Int64)
		r.MaxEscalations = &v
	}
	r.Actions = []models.EscalationAction{}
	return r, nil
}

func (s *PGStore) loadRules(ctx context.Context, policyID string) ([]models.EscalationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM escalation_rules WHERE policy_id=$1 ORDER BY level, created_at, id`
	rows, err := s.db.QueryContext(ctx, query, policyID)
	if err != nil {
		return nil, fmt.Errorf("list escalation rules: %w", err)
	}
	defer rows.Close()

	rules := []models.EscalationRule{}
	index := map[string]int{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation rule: %w", err)
		}
		index[r.ID] = len(rules)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalation rules: %w", err)
	}
	if len(rules) == 0 {
		return rules, nil
	}

	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	const actionsQuery = `
		SELECT id, rule_id, action_type, sort_order, active, params
		FROM escalation_actions
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, sort_order`
	actionRows, err := s.db.QueryContext(ctx, actionsQuery, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list escalation actions: %w", err)
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var (
			a          models.EscalationAction
			actionType models.ActionType
			params     []byte
		)
		if err := actionRows.Scan(&a.ID, &a.RuleID, &actionType, &a.Order, &a.Active, &params); err != nil {
			return nil, fmt.Errorf("scan escalation action: %w", err)
		}
		if a.Params, err = models.DecodeActionParams(actionType, params); err != nil {
			return nil, fmt.Errorf("action %s: %w", a.ID, err)
		}
		if i, ok := index[a.RuleID]; ok {
			rules[i].Actions = append(rules[i].Actions, a)
		}
	}
	if err := actionRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalation actions: %w", err)
	}
	return rules, nil
}

func (s *PGStore) CreateRule(ctx context.Context, rule models.EscalationRule) (models.EscalationRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	var condition interface{}
	if !rule.CustomCondition.IsZero() {
		b, err := json.Marshal(rule.CustomCondition)
		if err != nil {
			return models.EscalationRule{}, fmt.Errorf("encode custom condition: %w", err)
		}
		condition = b
	}
	var minPriority interface{}
	if rule.MinimumPriority != nil {
		minPriority = string(*rule.MinimumPriority)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.EscalationRule{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escalation_policies WHERE id=$1)`, rule.PolicyID).Scan(&exists); err != nil {
		return models.EscalationRule{}, fmt.Errorf("check escalation policy: %w", err)
	}
	if !exists {
		return models.EscalationRule{}, ErrNotFound
	}

	query := `
		INSERT INTO escalation_rules (id, policy_id, name, trigger_type, level, hours_in_stage, warning_threshold_percent, minimum_priority, custom_condition, repeatable, cooldown_minutes, max_escalations, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING ` + ruleColumns
	created, err := scanRule(tx.QueryRowContext(ctx, query,
		rule.ID,
		rule.PolicyID,
		rule.Name,
		rule.TriggerType,
		rule.Level,
		rule.HoursInStage,
		rule.WarningThresholdPercent,
		minPriority,
		condition,
		rule.Repeatable,
		rule.CooldownMinutes,
		rule.MaxEscalations,
		rule.Active,
	))
	if err != nil {
		return models.EscalationRule{}, mapWriteErr("insert escalation rule", err)
	}

	const actionQuery = `
		INSERT INTO escalation_actions (id, rule_id, action_type, sort_order, active, params)
		VALUES ($1,$2,$3,$4,$5,$6)`
	for _, a := range rule.Actions {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.RuleID = created.ID
		params, err := json.Marshal(a.Params)
		if err != nil {
			return models.EscalationRule{}, fmt.Errorf("encode action params: %w", err)
		}
		if _, err := tx.ExecContext(ctx, actionQuery, a.ID, a.RuleID, a.Type(), a.Order, a.Active, params); err != nil {
			return models.EscalationRule{}, mapWriteErr("insert escalation action", err)
		}
		created.Actions = append(created.Actions, a)
	}
	if err := tx.Commit(); err != nil {
		return models.EscalationRule{}, fmt.Errorf("commit escalation rule: %w", err)
	}
	return created, nil
}

func (s *PGStore) SetRuleActive(ctx context.Context, policyID, ruleID string, active bool) error {
	const query = `UPDATE escalation_rules SET active=$3 WHERE id=$1 AND policy_id=$2`
	res, err := s.db.ExecContext(ctx, query, ruleID, policyID, active)
	if err != nil {
		return fmt.Errorf("set escalation rule active: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
