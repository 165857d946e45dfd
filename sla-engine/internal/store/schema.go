package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS escalation_policies (
  id text PRIMARY KEY,
  tenant_id text NOT NULL,
  template_id text NOT NULL,
  name text NOT NULL,
  warning_threshold_percent double precision NOT NULL DEFAULT 75,
  max_escalation_levels integer NOT NULL DEFAULT 5,
  default_cooldown_minutes integer NOT NULL DEFAULT 0,
  active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_escalation_policies_active_template
  ON escalation_policies (tenant_id, template_id) WHERE active;

CREATE TABLE IF NOT EXISTS escalation_rules (
  id text PRIMARY KEY,
  policy_id text NOT NULL REFERENCES escalation_policies (id),
  name text NOT NULL,
  trigger_type text NOT NULL,
  level integer NOT NULL,
  hours_in_stage double precision,
  warning_threshold_percent double precision,
  minimum_priority text,
  custom_condition jsonb,
  repeatable boolean NOT NULL DEFAULT false,
  cooldown_minutes integer,
  max_escalations integer,
  active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_escalation_rules_policy ON escalation_rules (policy_id, level, created_at);

CREATE TABLE IF NOT EXISTS escalation_actions (
  id text PRIMARY KEY,
  rule_id text NOT NULL REFERENCES escalation_rules (id),
  action_type text NOT NULL,
  sort_order integer NOT NULL,
  active boolean NOT NULL DEFAULT true,
  params jsonb NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_escalation_actions_rule ON escalation_actions (rule_id, sort_order);

CREATE TABLE IF NOT EXISTS escalation_events (
  sequence bigserial UNIQUE,
  id text PRIMARY KEY,
  instance_id text NOT NULL,
  rule_id text NOT NULL,
  policy_id text NOT NULL,
  tenant_id text NOT NULL,
  trigger_type text NOT NULL,
  level integer NOT NULL,
  triggered_by text NOT NULL,
  triggered_by_user_id text,
  previous_assignee text,
  new_assignee text,
  previous_priority text,
  new_priority text,
  reason text NOT NULL DEFAULT '',
  details jsonb NOT NULL DEFAULT '{}',
  chain_level integer NOT NULL,
  parent_event_id text REFERENCES escalation_events (id),
  prev_hash text NOT NULL DEFAULT '',
  hash text NOT NULL,
  created_at timestamptz NOT NULL,
  resolved_at timestamptz,
  resolved_by text,
  resolution_notes text,
  stream_status text NOT NULL DEFAULT 'pending',
  stream_attempts integer NOT NULL DEFAULT 0,
  stream_claimed_at timestamptz,
  archived_key text,
  last_stream_error text
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_escalation_events_chain ON escalation_events (instance_id, prev_hash);
CREATE INDEX IF NOT EXISTS idx_escalation_events_instance ON escalation_events (instance_id, sequence);
CREATE INDEX IF NOT EXISTS idx_escalation_events_stream ON escalation_events (stream_status, sequence);

CREATE TABLE IF NOT EXISTS stage_slas (
  tenant_id text NOT NULL,
  template_id text NOT NULL,
  stage_id text NOT NULL,
  stage_name text NOT NULL DEFAULT '',
  sla_hours double precision,
  PRIMARY KEY (tenant_id, template_id, stage_id)
);

CREATE TABLE IF NOT EXISTS sla_history (
  id text PRIMARY KEY,
  tenant_id text NOT NULL,
  instance_id text NOT NULL,
  template_id text NOT NULL,
  stage_id text NOT NULL,
  stage_name text NOT NULL DEFAULT '',
  stage_entered_at timestamptz NOT NULL,
  stage_exited_at timestamptz NOT NULL,
  total_sla_hours double precision,
  hours_used double precision NOT NULL,
  percentage_used double precision,
  status text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sla_history_tenant_exit ON sla_history (tenant_id, stage_exited_at);
`

// EnsureSchema creates the engine's tables when they do not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
