package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"onboarding/internal/alias/models"
	"onboarding/internal/platform/postgres"
	id "onboarding/pkg/domain"
	"onboarding/pkg/platform/sentinel"
	"onboarding/pkg/platform/tx"
)

// allocationLockKey identifies the advisory lock guarding allocation.
const allocationLockKey int64 = 0x616c696173 // "alias"

// Schema creates the aliases table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS aliases (
		alias_value    TEXT PRIMARY KEY,
		fsp_id         TEXT NOT NULL,
		currency       CHAR(3) NOT NULL,
		merchant_id    BIGINT NOT NULL,
		owner_endpoint UUID NOT NULL,
		request_key    TEXT NOT NULL DEFAULT '',
		position       INT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS aliases_request_key_idx ON aliases (request_key) WHERE request_key <> ''`,
}

// Postgres stores aliases in the aliases table.
type Postgres struct {
	db *sql.DB
	tx *tx.Postgres
}

func NewPostgres(db *sql.DB, opts ...tx.Option) *Postgres {
	return &Postgres{db: db, tx: tx.NewPostgres(db, opts...)}
}

// RunAllocation opens a transaction, takes the allocation advisory lock and
// runs fn. The lock is released on commit or rollback.
func (s *Postgres) RunAllocation(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := tx.Exec(ctx, s.db).ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, allocationLockKey); err != nil {
			return fmt.Errorf("acquire allocation lock: %w", err)
		}
		return fn(ctx, &postgresTx{db: s.db})
	})
}

func (s *Postgres) FindByValue(ctx context.Context, v models.Value) (*models.Record, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT alias_value, fsp_id, currency, merchant_id, owner_endpoint, request_key, position, created_at
		FROM aliases WHERE alias_value = $1`, string(v))
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find alias: %w", err)
	}
	return r, nil
}

type postgresTx struct {
	db *sql.DB
}

func (t *postgresTx) MaxValue(ctx context.Context) (models.Value, error) {
	var v sql.NullString
	err := tx.Exec(ctx, t.db).QueryRowContext(ctx,
		`SELECT alias_value FROM aliases ORDER BY alias_value DESC LIMIT 1`).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read max alias: %w", err)
	}
	return models.Value(v.String), nil
}

func (t *postgresTx) Existing(ctx context.Context, values []models.Value) ([]models.Value, error) {
	if len(values) == 0 {
		return nil, nil
	}
	raw := make([]string, len(values))
	for i, v := range values {
		raw[i] = string(v)
	}
	rows, err := tx.Exec(ctx, t.db).QueryContext(ctx,
		`SELECT alias_value FROM aliases WHERE alias_value = ANY($1)`, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("check existing aliases: %w", err)
	}
	defer rows.Close()
	var out []models.Value
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		out = append(out, models.Value(v))
	}
	return out, rows.Err()
}

func (t *postgresTx) FindByRequest(ctx context.Context, requestKey string) ([]*models.Record, error) {
	if requestKey == "" {
		return nil, nil
	}
	rows, err := tx.Exec(ctx, t.db).QueryContext(ctx, `
		SELECT alias_value, fsp_id, currency, merchant_id, owner_endpoint, request_key, position, created_at
		FROM aliases WHERE request_key = $1 ORDER BY position`, requestKey)
	if err != nil {
		return nil, fmt.Errorf("find aliases by request: %w", err)
	}
	defer rows.Close()
	var out []*models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert writes the whole batch in one multi-row statement.
func (t *postgresTx) Insert(ctx context.Context, records []*models.Record) error {
	if len(records) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(records)*8)
	)
	sb.WriteString(`INSERT INTO aliases (alias_value, fsp_id, currency, merchant_id, owner_endpoint, request_key, position, created_at) VALUES `)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8)
		args = append(args, string(r.Value), string(r.FSPID), r.Currency, r.MerchantID,
			uuid.UUID(r.OwnerEndpoint), r.RequestKey, r.Position, r.CreatedAt)
	}
	if _, err := tx.Exec(ctx, t.db).ExecContext(ctx, sb.String(), args...); err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert aliases: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.Record, error) {
	var (
		r     models.Record
		value string
		fsp   string
		owner uuid.UUID
	)
	if err := row.Scan(&value, &fsp, &r.Currency, &r.MerchantID, &owner, &r.RequestKey, &r.Position, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Value = models.Value(value)
	r.FSPID = id.TenantID(fsp)
	r.OwnerEndpoint = id.CredentialID(owner)
	return &r, nil
}
