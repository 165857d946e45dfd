package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

const eventColumns = `sequence, id, instance_id, rule_id, policy_id, tenant_id, trigger_type, level, triggered_by, triggered_by_user_id,
	previous_assignee, new_assignee, previous_priority, new_priority, reason, details, chain_level, parent_event_id,
	prev_hash, hash, created_at, resolved_at, resolved_by, resolution_notes`

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullablePriority(p *models.Priority) interface{} {
	if p == nil {
		return nil
	}
	return string(*p)
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func scanEvent(row rowScanner) (models.EscalationEvent, error) {
	var (
		ev                    models.EscalationEvent
		userID, prevAssignee  sql.NullString
		newAssignee, parentID sql.NullString
		prevPrio, newPrio     sql.NullString
		details               []byte
		resolvedAt            sql.NullTime
		resolvedBy, notes     sql.NullString
	)
	if err := row.Scan(
		&ev.Sequence,
		&ev.ID,
		&ev.InstanceID,
		&ev.RuleID,
		&ev.PolicyID,
		&ev.TenantID,
		&ev.TriggerType,
		&ev.Level,
		&ev.TriggeredBy,
		&userID,
		&prevAssignee,
		&newAssignee,
		&prevPrio,
		&newPrio,
		&ev.Reason,
		&details,
		&ev.ChainLevel,
		&parentID,
		&ev.PrevHash,
		&ev.Hash,
		&ev.CreatedAt,
		&resolvedAt,
		&resolvedBy,
		&notes,
	); err != nil {
		return models.EscalationEvent{}, err
	}
	ev.TriggeredByUserID = stringPtr(userID)
	ev.PreviousAssignee = stringPtr(prevAssignee)
	ev.NewAssignee = stringPtr(newAssignee)
	ev.ParentEscalationEventID = stringPtr(parentID)
	if prevPrio.Valid {
		p := models.Priority(prevPrio.String)
		ev.PreviousPriority = &p
	}
	if newPrio.Valid {
		p := models.Priority(newPrio.String)
		ev.NewPriority = &p
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return models.EscalationEvent{}, fmt.Errorf("decode details for event %s: %w", ev.ID, err)
		}
	}
	if resolvedAt.Valid {
		ev.Resolution = &models.Resolution{
			ResolvedAt: resolvedAt.Time,
			ResolvedBy: resolvedBy.String,
			Notes:      notes.String,
		}
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, ev models.EscalationEvent) (models.EscalationEvent, error) {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return models.EscalationEvent{}, fmt.Errorf("encode event details: %w", err)
	}
	query := `
		INSERT INTO escalation_events (id, instance_id, rule_id, policy_id, tenant_id, trigger_type, level, triggered_by, triggered_by_user_id,
			previous_assignee, new_assignee, previous_priority, new_priority, reason, details, chain_level, parent_event_id, prev_hash, hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		RETURNING ` + eventColumns
	stored, err := scanEvent(s.db.QueryRowContext(ctx, query,
		ev.ID,
		ev.InstanceID,
		ev.RuleID,
		ev.PolicyID,
		ev.TenantID,
		ev.TriggerType,
		ev.Level,
		ev.TriggeredBy,
		nullableString(ev.TriggeredByUserID),
		nullableString(ev.PreviousAssignee),
		nullableString(ev.NewAssignee),
		nullablePriority(ev.PreviousPriority),
		nullablePriority(ev.NewPriority),
		ev.Reason,
		details,
		ev.ChainLevel,
		nullableString(ev.ParentEscalationEventID),
		ev.PrevHash,
		ev.Hash,
		ev.CreatedAt,
	))
	if err != nil {
		return models.EscalationEvent{}, mapWriteErr("insert escalation event", err)
	}
	return stored, nil
}

func (s *PGStore) GetEvent(ctx context.Context, id string) (models.EscalationEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM escalation_events WHERE id=$1`
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EscalationEvent{}, ErrNotFound
		}
		return models.EscalationEvent{}, fmt.Errorf("get escalation event: %w", err)
	}
	return ev, nil
}

func (s *PGStore) ListEvents(ctx context.Context, instanceID string) ([]models.EscalationEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM escalation_events WHERE instance_id=$1 ORDER BY sequence`
	return s.queryEvents(ctx, "list escalation events", query, instanceID)
}

func (s *PGStore) queryEvents(ctx context.Context, op, query string, args ...interface{}) ([]models.EscalationEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	events := []models.EscalationEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalation events: %w", err)
	}
	return events, nil
}

func (s *PGStore) ResolveEvent(ctx context.Context, id string, r models.Resolution) (models.EscalationEvent, error) {
	query := `
		UPDATE escalation_events
		SET resolved_at=$2, resolved_by=$3, resolution_notes=$4
		WHERE id=$1 AND resolved_at IS NULL
		RETURNING ` + eventColumns
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id, r.ResolvedAt, r.ResolvedBy, r.Notes))
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.EscalationEvent{}, fmt.Errorf("resolve escalation event: %w", err)
	}
	if _, getErr := s.GetEvent(ctx, id); getErr != nil {
		return models.EscalationEvent{}, getErr
	}
	return models.EscalationEvent{}, fmt.Errorf("escalation event %s already resolved: %w", id, ErrConflict)
}

// FetchPendingEventsForStreaming claims up to limit events that have not been
// streamed yet, oldest first. Rows locked by another replica are skipped. An
// in_progress row whose claim is older than the reclaim window belonged to a
// streamer that died mid-event and is claimed again.
func (s *PGStore) FetchPendingEventsForStreaming(ctx context.Context, limit int) ([]models.EscalationEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE escalation_events
		SET stream_status='in_progress', stream_attempts=stream_attempts+1, stream_claimed_at=now()
		WHERE id IN (
			SELECT id FROM escalation_events
			WHERE stream_attempts < 10
			  AND (stream_status IN ('pending','failed')
			       OR (stream_status='in_progress' AND stream_claimed_at < now() - make_interval(secs => $2)))
			ORDER BY sequence
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING ` + eventColumns
	rows, err := tx.QueryContext(ctx, query, limit, s.reclaimAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	events := []models.EscalationEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending events: %w", err)
	}
	rows.Close()
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return events, nil
}

// MarkEventStreamResult records the outcome of streaming one event.
func (s *PGStore) MarkEventStreamResult(ctx context.Context, id string, archivedKey sql.NullString, success bool, errMsg sql.NullString) error {
	var (
		res sql.Result
		err error
	)
	if success {
		res, err = s.db.ExecContext(ctx, `
			UPDATE escalation_events
			SET stream_status='done', archived_key=$1, last_stream_error=NULL
			WHERE id=$2`, archivedKey, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE escalation_events
			SET stream_status='failed', last_stream_error=$1
			WHERE id=$2`, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("mark event stream result: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}
