package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound reports that an organisation is not installed. Callers must
// treat it as terminal, not retryable.
var ErrNotFound = errors.New("organisation not found")

// Organisation is one tenant's connection to the vendor. Credential fields
// are never part of this struct; they only cross the vault boundary through
// Load and Store.
type Organisation struct {
	ID        uuid.UUID
	Region    string
	TenantID  string
	CreatedAt time.Time
}

// Store is the credential vault: the only component that reads or writes
// organisation secret fields, and the only place plaintext credentials exist.
type Store struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

func NewStore(pool *pgxpool.Pool, cipher *Cipher) (*Store, error) {
	if pool == nil {
		return nil, errors.New("vault pool is nil")
	}
	if cipher == nil {
		return nil, errors.New("vault cipher is nil")
	}
	return &Store{pool: pool, cipher: cipher}, nil
}

// Save upserts the organisation row and its encrypted credential fields in a
// single statement, so a token refresh can never interleave with a concurrent
// read and expose a half-written credential set.
func (s *Store) Save(ctx context.Context, org Organisation, fields map[string]string) error {
	if org.ID == uuid.Nil {
		return errors.New("organisation id is required")
	}
	sealed, err := s.cipher.EncryptFields(fields)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("vault encode: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO organisations (id, region, tenant_id, credentials, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			region = EXCLUDED.region,
			tenant_id = EXCLUDED.tenant_id,
			credentials = EXCLUDED.credentials,
			updated_at = NOW()
	`, org.ID, org.Region, org.TenantID, payload)
	if err != nil {
		return fmt.Errorf("vault save: %w", err)
	}
	return nil
}

// Load returns the decrypted credential fields for one organisation, or
// ErrNotFound when it was uninstalled or never installed.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (map[string]string, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT credentials FROM organisations WHERE id = $1`, id,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vault load: %w", err)
	}

	var sealed map[string]string
	if err := json.Unmarshal(payload, &sealed); err != nil {
		return nil, fmt.Errorf("vault decode: %w", err)
	}
	return s.cipher.DecryptFields(sealed)
}

// Get returns the organisation's non-secret attributes.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Organisation, error) {
	var org Organisation
	err := s.pool.QueryRow(ctx,
		`SELECT id, region, tenant_id, created_at FROM organisations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Region, &org.TenantID, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Organisation{}, ErrNotFound
		}
		return Organisation{}, fmt.Errorf("vault get: %w", err)
	}
	return org, nil
}

// FindByTenant resolves a vendor-native tenant identifier to an organisation.
func (s *Store) FindByTenant(ctx context.Context, tenantID string) (Organisation, error) {
	var org Organisation
	err := s.pool.QueryRow(ctx,
		`SELECT id, region, tenant_id, created_at FROM organisations WHERE tenant_id = $1`, tenantID,
	).Scan(&org.ID, &org.Region, &org.TenantID, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Organisation{}, ErrNotFound
		}
		return Organisation{}, fmt.Errorf("vault find: %w", err)
	}
	return org, nil
}

// List returns every installed organisation, oldest first.
func (s *Store) List(ctx context.Context) ([]Organisation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, region, tenant_id, created_at FROM organisations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("vault list: %w", err)
	}
	defer rows.Close()

	var out []Organisation
	for rows.Next() {
		var org Organisation
		if err := rows.Scan(&org.ID, &org.Region, &org.TenantID, &org.CreatedAt); err != nil {
			return nil, fmt.Errorf("vault list: %w", err)
		}
		out = append(out, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault list: %w", err)
	}
	return out, nil
}

// Remove deletes the organisation row, scrubbing its secrets. Removing an
// unknown organisation is not an error.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM organisations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("vault remove: %w", err)
	}
	return nil
}
