package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	audit "onboarding/pkg/platform/audit"
	"onboarding/pkg/platform/tx"
)

// Store persists audit records in the audit_records table.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts one record. It joins a transaction carried by ctx when
// present, but callers normally record after commit so failure outcomes
// survive a rollback.
func (s *Store) Append(ctx context.Context, r audit.Record) error {
	before, err := marshalFields(r.Before)
	if err != nil {
		return err
	}
	after, err := marshalFields(r.After)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_records (
			id, category, timestamp, actor, tenant, action,
			target_type, target_id, before_fields, after_fields,
			outcome, reason, request_id, client_ip, device
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = tx.Exec(ctx, s.db).ExecContext(ctx, query,
		r.ID,
		string(r.Category),
		r.Timestamp,
		r.Actor,
		r.Tenant,
		string(r.Action),
		r.TargetType,
		r.TargetID,
		before,
		after,
		string(r.Outcome),
		r.Reason,
		r.RequestID,
		r.ClientIP,
		r.Device,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListByTarget returns records for one target in insertion order.
func (s *Store) ListByTarget(ctx context.Context, tenant, targetType, targetID string) ([]audit.Record, error) {
	query := `
		SELECT id, category, timestamp, actor, tenant, action,
			   target_type, target_id, before_fields, after_fields,
			   outcome, reason, request_id, client_ip, device
		FROM audit_records
		WHERE tenant = $1 AND target_type = $2 AND target_id = $3
		ORDER BY timestamp ASC, seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenant, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var (
			r                audit.Record
			category, action string
			outcome          string
			before, after    []byte
		)
		if err := rows.Scan(
			&r.ID, &category, &r.Timestamp, &r.Actor, &r.Tenant, &action,
			&r.TargetType, &r.TargetID, &before, &after,
			&outcome, &r.Reason, &r.RequestID, &r.ClientIP, &r.Device,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Category = audit.EventCategory(category)
		r.Action = audit.Action(action)
		r.Outcome = audit.Outcome(outcome)
		if r.Before, err = unmarshalFields(before); err != nil {
			return nil, err
		}
		if r.After, err = unmarshalFields(after); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

func marshalFields(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal audit fields: %w", err)
	}
	return b, nil
}

func unmarshalFields(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal audit fields: %w", err)
	}
	return m, nil
}

// Schema creates the audit_records table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_records (
		seq           BIGSERIAL,
		id            UUID PRIMARY KEY,
		category      TEXT NOT NULL,
		timestamp     TIMESTAMPTZ NOT NULL,
		actor         TEXT NOT NULL,
		tenant        TEXT NOT NULL,
		action        TEXT NOT NULL,
		target_type   TEXT NOT NULL,
		target_id     TEXT NOT NULL,
		before_fields JSONB NOT NULL DEFAULT '{}',
		after_fields  JSONB NOT NULL DEFAULT '{}',
		outcome       TEXT NOT NULL,
		reason        TEXT NOT NULL DEFAULT '',
		request_id    TEXT NOT NULL DEFAULT '',
		client_ip     TEXT NOT NULL DEFAULT '',
		device        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS audit_records_target_idx ON audit_records (tenant, target_type, target_id)`,
}
