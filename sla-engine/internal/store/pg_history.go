package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

const historyColumns = `id, tenant_id, instance_id, template_id, stage_id, stage_name, stage_entered_at, stage_exited_at, total_sla_hours, hours_used, percentage_used, status, created_at`

func scanHistory(row rowScanner) (models.SLAHistoryRecord, error) {
	var (
		rec   models.SLAHistoryRecord
		total sql.NullFloat64
		pct   sql.NullFloat64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.InstanceID,
		&rec.TemplateID,
		&rec.StageID,
		&rec.StageName,
		&rec.StageEnteredAt,
		&rec.StageExitedAt,
		&total,
		&rec.HoursUsed,
		&pct,
		&rec.Status,
		&rec.CreatedAt,
	); err != nil {
		return models.SLAHistoryRecord{}, err
	}
	if total.Valid {
		rec.TotalSLAHours = &total.Float64
	}
	if pct.Valid {
		rec.PercentageUsed = &pct.Float64
	}
	return rec, nil
}

func (s *PGStore) InsertHistory(ctx context.Context, rec models.SLAHistoryRecord) (models.SLAHistoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	query := `
		INSERT INTO sla_history (id, tenant_id, instance_id, template_id, stage_id, stage_name, stage_entered_at, stage_exited_at, total_sla_hours, hours_used, percentage_used, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING ` + historyColumns
	stored, err := scanHistory(s.db.QueryRowContext(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.InstanceID,
		rec.TemplateID,
		rec.StageID,
		rec.StageName,
		rec.StageEnteredAt,
		rec.StageExitedAt,
		rec.TotalSLAHours,
		rec.HoursUsed,
		rec.PercentageUsed,
		rec.Status,
	))
	if err != nil {
		return models.SLAHistoryRecord{}, mapWriteErr("insert sla history", err)
	}
	return stored, nil
}

func (s *PGStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]models.SLAHistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM sla_history WHERE tenant_id = $1`
	args := []interface{}{filter.TenantID}
	argPos := 2
	if filter.TemplateID != "" {
		query += fmt.Sprintf(" AND template_id = $%d", argPos)
		args = append(args, filter.TemplateID)
		argPos++
	}
	if filter.InstanceID != "" {
		query += fmt.Sprintf(" AND instance_id = $%d", argPos)
		args = append(args, filter.InstanceID)
		argPos++
	}
	if filter.From != nil {
		query += fmt.Sprintf(" AND stage_exited_at >= $%d", argPos)
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		query += fmt.Sprintf(" AND stage_exited_at < $%d", argPos)
		args = append(args, *filter.To)
	}
	query += " ORDER BY stage_exited_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sla history: %w", err)
	}
	defer rows.Close()

	records := []models.SLAHistoryRecord{}
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sla history: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sla history: %w", err)
	}
	return records, nil
}

func (s *PGStore) GetStageSLA(ctx context.Context, tenantID, templateID, stageID string) (models.StageSLA, error) {
	const query = `SELECT tenant_id, template_id, stage_id, stage_name, sla_hours FROM stage_slas WHERE tenant_id=$1 AND template_id=$2 AND stage_id=$3`
	var (
		sla   models.StageSLA
		hours sql.NullFloat64
	)
	if err := s.db.QueryRowContext(ctx, query, tenantID, templateID, stageID).Scan(&sla.TenantID, &sla.TemplateID, &sla.StageID, &sla.StageName, &hours); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StageSLA{}, ErrNotFound
		}
		return models.StageSLA{}, fmt.Errorf("get stage sla: %w", err)
	}
	if hours.Valid {
		sla.SLAHours = &hours.Float64
	}
	return sla, nil
}

func (s *PGStore) PutStageSLA(ctx context.Context, sla models.StageSLA) (models.StageSLA, error) {
	const query = `
		INSERT INTO stage_slas (tenant_id, template_id, stage_id, stage_name, sla_hours)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, template_id, stage_id)
		DO UPDATE SET stage_name = EXCLUDED.stage_name,
			sla_hours = EXCLUDED.sla_hours`
	if _, err := s.db.ExecContext(ctx, query, sla.TenantID, sla.TemplateID, sla.StageID, sla.StageName, sla.SLAHours); err != nil {
		return models.StageSLA{}, fmt.Errorf("upsert stage sla: %w", err)
	}
	return sla, nil
}
