package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"onboarding/internal/endpoint/models"
	"onboarding/internal/platform/postgres"
	id "onboarding/pkg/domain"
	"onboarding/pkg/platform/sentinel"
	"onboarding/pkg/platform/tx"
)

// InMemory stores credentials in a map.
type InMemory struct {
	mu          sync.RWMutex
	credentials map[id.CredentialID]*models.Credential
}

func NewInMemory() *InMemory {
	return &InMemory{credentials: make(map[id.CredentialID]*models.Credential)}
}

func (s *InMemory) Create(_ context.Context, c *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; ok {
		return sentinel.ErrConflict
	}
	cp := *c
	s.credentials[c.ID] = &cp
	return nil
}

func (s *InMemory) FindByID(_ context.Context, credID id.CredentialID) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[credID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemory) CountByDFSP(_ context.Context, dfsp id.TenantID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.credentials {
		if c.DFSPID == dfsp {
			n++
		}
	}
	return n, nil
}

// Postgres stores credentials in endpoint_credentials.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Schema creates the endpoint_credentials table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS endpoint_credentials (
		id           UUID PRIMARY KEY,
		dfsp_id      TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		secret_hash  TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS endpoint_credentials_dfsp_idx ON endpoint_credentials (dfsp_id)`,
}

func (s *Postgres) Create(ctx context.Context, c *models.Credential) error {
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO endpoint_credentials (id, dfsp_id, display_name, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.UUID(c.ID), string(c.DFSPID), c.DisplayName, c.SecretHash, c.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, credID id.CredentialID) (*models.Credential, error) {
	var (
		c    models.Credential
		raw  uuid.UUID
		dfsp string
	)
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, dfsp_id, display_name, secret_hash, created_at
		FROM endpoint_credentials WHERE id = $1`, uuid.UUID(credID),
	).Scan(&raw, &dfsp, &c.DisplayName, &c.SecretHash, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find credential: %w", err)
	}
	c.ID = id.CredentialID(raw)
	c.DFSPID = id.TenantID(dfsp)
	return &c, nil
}

func (s *Postgres) CountByDFSP(ctx context.Context, dfsp id.TenantID) (int, error) {
	var n int
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM endpoint_credentials WHERE dfsp_id = $1`, string(dfsp),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}
