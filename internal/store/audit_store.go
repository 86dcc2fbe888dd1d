package store

import (
	"context"
	"time"

	"github.com/aristath/perfengine/internal/domain"
	"github.com/aristath/perfengine/internal/engineerr"
)

// InsertAuditRecord appends an immutable audit record.
func (s *Store) InsertAuditRecord(ctx context.Context, r domain.AuditRecord) error {
	_, err := s.execContext(ctx, `INSERT INTO audit_records
		(id, tenant_id, entity_id, action, parameters_hash, result_hash, timestamp, actor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.EntityID, r.Action, r.ParametersHash, r.ResultHash, r.Timestamp.Unix(), r.Actor)
	if err != nil {
		return engineerr.DatabaseErr("insert audit record", err)
	}
	return nil
}

// QueryAuditRecords supports lookups by tenant, result hash, and time
// window.
func (s *Store) QueryAuditRecords(ctx context.Context, f domain.AuditFilters) ([]domain.AuditRecord, error) {
	query := `SELECT id, tenant_id, entity_id, action, parameters_hash, result_hash, timestamp, actor FROM audit_records WHERE 1=1`
	var args []any

	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.ResultHash != "" {
		query += ` AND result_hash = ?`
		args = append(args, f.ResultHash)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.Until.Unix())
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, engineerr.DatabaseErr("query audit records", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var ts int64
		if err := rows.Scan(&r.ID, &r.TenantID, &r.EntityID, &r.Action, &r.ParametersHash, &r.ResultHash, &ts, &r.Actor); err != nil {
			return nil, engineerr.DatabaseErr("scan audit record", err)
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, r)
	}
	return out, nil
}
