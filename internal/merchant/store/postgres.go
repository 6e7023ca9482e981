package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"onboarding/internal/merchant/models"
	id "onboarding/pkg/domain"
	"onboarding/pkg/platform/sentinel"
	"onboarding/pkg/platform/tx"
)

// Schema creates the merchants table. Sub-records are owned by the
// aggregate and never queried on their own, so they live in JSONB columns.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS merchants (
		id             BIGSERIAL PRIMARY KEY,
		tenant         TEXT NOT NULL,
		status         TEXT NOT NULL,
		status_reason  TEXT NOT NULL DEFAULT '',
		submitted_by   TEXT NOT NULL,
		approved_by    TEXT NOT NULL DEFAULT '',
		allocation_key TEXT NOT NULL DEFAULT '',
		profile        JSONB NOT NULL,
		locations      JSONB NOT NULL DEFAULT '[]',
		counters       JSONB NOT NULL DEFAULT '[]',
		owners         JSONB NOT NULL DEFAULT '[]',
		contacts       JSONB NOT NULL DEFAULT '[]',
		license        JSONB,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS merchants_status_idx ON merchants (status, tenant, allocation_key, id)`,
}

const merchantColumns = `id, tenant, status, status_reason, submitted_by, approved_by, allocation_key,
	profile, locations, counters, owners, contacts, license, created_at, updated_at`

// Postgres stores merchants in the merchants table.
type Postgres struct {
	db *sql.DB
	tx *tx.Postgres
}

func NewPostgres(db *sql.DB, opts ...tx.Option) *Postgres {
	return &Postgres{db: db, tx: tx.NewPostgres(db, opts...)}
}

// RunInTx runs fn in one database transaction.
func (s *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.RunInTx(ctx, fn)
}

func (s *Postgres) Create(ctx context.Context, m *models.Merchant) error {
	doc, err := encode(m)
	if err != nil {
		return err
	}
	err = tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO merchants (tenant, status, status_reason, submitted_by, approved_by, allocation_key,
			profile, locations, counters, owners, contacts, license, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		string(m.Tenant), string(m.Status), m.StatusReason, string(m.SubmittedBy), string(m.ApprovedBy), m.AllocationKey,
		doc.profile, doc.locations, doc.counters, doc.owners, doc.contacts, doc.license, m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert merchant: %w", err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, tenant id.TenantID, merchantID id.MerchantID) (*models.Merchant, error) {
	return s.findOne(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE tenant = $1 AND id = $2`, tenant, merchantID)
}

func (s *Postgres) FindByIDForUpdate(ctx context.Context, tenant id.TenantID, merchantID id.MerchantID) (*models.Merchant, error) {
	return s.findOne(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE tenant = $1 AND id = $2 FOR UPDATE`, tenant, merchantID)
}

// FindManyForUpdate locks rows in id order so concurrent bulks over
// overlapping sets cannot deadlock.
func (s *Postgres) FindManyForUpdate(ctx context.Context, tenant id.TenantID, ids []id.MerchantID) ([]*models.Merchant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx,
		`SELECT `+merchantColumns+` FROM merchants WHERE tenant = $1 AND id = ANY($2) ORDER BY id FOR UPDATE`,
		string(tenant), pq.Array(rawIDs(ids)))
	if err != nil {
		return nil, fmt.Errorf("lock merchants: %w", err)
	}
	return scanAll(rows)
}

func (s *Postgres) Update(ctx context.Context, m *models.Merchant) error {
	doc, err := encode(m)
	if err != nil {
		return err
	}
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE merchants SET status = $1, status_reason = $2, approved_by = $3, allocation_key = $4,
			profile = $5, locations = $6, counters = $7, owners = $8, contacts = $9, license = $10, updated_at = $11
		WHERE tenant = $12 AND id = $13`,
		string(m.Status), m.StatusReason, string(m.ApprovedBy), m.AllocationKey,
		doc.profile, doc.locations, doc.counters, doc.owners, doc.contacts, doc.license, m.UpdatedAt,
		string(m.Tenant), int64(m.ID),
	)
	if err != nil {
		return fmt.Errorf("update merchant: %w", err)
	}
	return expectRows(res, 1)
}

func (s *Postgres) UpdateStatuses(ctx context.Context, tenant id.TenantID, ids []id.MerchantID, change models.StatusChange) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE merchants SET status = $1, status_reason = $2, approved_by = $3, allocation_key = $4, updated_at = $5
		WHERE tenant = $6 AND id = ANY($7)`,
		string(change.Status), change.Reason, string(change.ApprovedBy), change.AllocationKey, change.UpdatedAt,
		string(tenant), pq.Array(rawIDs(ids)),
	)
	if err != nil {
		return fmt.Errorf("update merchant statuses: %w", err)
	}
	return expectRows(res, int64(len(ids)))
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Merchant, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx,
		`SELECT `+merchantColumns+` FROM merchants WHERE status = $1 ORDER BY tenant, allocation_key, id LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list merchants by status: %w", err)
	}
	return scanAll(rows)
}

func (s *Postgres) findOne(ctx context.Context, query string, tenant id.TenantID, merchantID id.MerchantID) (*models.Merchant, error) {
	m, err := scanMerchant(tx.Exec(ctx, s.db).QueryRowContext(ctx, query, string(tenant), int64(merchantID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find merchant: %w", err)
	}
	return m, nil
}

func expectRows(res sql.Result, want int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != want {
		return sentinel.ErrNotFound
	}
	return nil
}

// document holds the JSONB encodings of an aggregate. license stays nil
// when the merchant has none.
type document struct {
	profile, locations, counters, owners, contacts, license []byte
}

func encode(m *models.Merchant) (document, error) {
	var (
		d   document
		err error
	)
	fields := []struct {
		dst *[]byte
		v   any
	}{
		{&d.profile, m.Profile},
		{&d.locations, nonNil(m.Locations)},
		{&d.counters, nonNil(m.Counters)},
		{&d.owners, nonNil(m.Owners)},
		{&d.contacts, nonNil(m.Contacts)},
	}
	for _, f := range fields {
		if *f.dst, err = json.Marshal(f.v); err != nil {
			return document{}, fmt.Errorf("encode merchant: %w", err)
		}
	}
	if m.License != nil {
		if d.license, err = json.Marshal(m.License); err != nil {
			return document{}, fmt.Errorf("encode merchant license: %w", err)
		}
	}
	return d, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMerchant(row scanner) (*models.Merchant, error) {
	var (
		m                                       models.Merchant
		tenant, status, submittedBy, approvedBy string
		doc                                     document
	)
	if err := row.Scan(&m.ID, &tenant, &status, &m.StatusReason, &submittedBy, &approvedBy, &m.AllocationKey,
		&doc.profile, &doc.locations, &doc.counters, &doc.owners, &doc.contacts, &doc.license, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Tenant = id.TenantID(tenant)
	m.Status = models.Status(status)
	m.SubmittedBy = id.ActorID(submittedBy)
	m.ApprovedBy = id.ActorID(approvedBy)

	targets := []struct {
		raw []byte
		dst any
	}{
		{doc.profile, &m.Profile},
		{doc.locations, &m.Locations},
		{doc.counters, &m.Counters},
		{doc.owners, &m.Owners},
		{doc.contacts, &m.Contacts},
	}
	for _, t := range targets {
		if err := json.Unmarshal(t.raw, t.dst); err != nil {
			return nil, fmt.Errorf("decode merchant %d: %w", m.ID, err)
		}
	}
	if len(doc.license) > 0 {
		m.License = &models.BusinessLicense{}
		if err := json.Unmarshal(doc.license, m.License); err != nil {
			return nil, fmt.Errorf("decode merchant %d license: %w", m.ID, err)
		}
	}
	return &m, nil
}

func scanAll(rows *sql.Rows) ([]*models.Merchant, error) {
	defer rows.Close()
	var out []*models.Merchant
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan merchant: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func rawIDs(ids []id.MerchantID) []int64 {
	out := make([]int64, len(ids))
	for i, v := range ids {
		out[i] = int64(v)
	}
	return out
}
