package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tenantsync/tenantsync/internal/vendorapi"
)

// StoredSubscription is one tracked vendor subscription.
type StoredSubscription struct {
	OrganisationID       uuid.UUID
	Resource             string
	VendorSubscriptionID string
	ExpiresAt            time.Time
}

// SubscriptionStore tracks vendor change-notification subscriptions, one row
// per organisation and resource.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

func NewSubscriptionStore(pool *pgxpool.Pool) (*SubscriptionStore, error) {
	if pool == nil {
		return nil, errors.New("subscription pool is nil")
	}
	return &SubscriptionStore{pool: pool}, nil
}

// Save upserts the subscription for its organisation and resource.
func (s *SubscriptionStore) Save(ctx context.Context, organisationID uuid.UUID, sub vendorapi.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (organisation_id, resource, vendor_subscription_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (organisation_id, resource) DO UPDATE SET
			vendor_subscription_id = EXCLUDED.vendor_subscription_id,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`, organisationID, sub.Resource, sub.ID, sub.ExpiresAt)
	if err != nil {
		return fmt.Errorf("subscription save: %w", err)
	}
	return nil
}

// ListForOrganisation returns the organisation's tracked subscriptions.
func (s *SubscriptionStore) ListForOrganisation(ctx context.Context, organisationID uuid.UUID) ([]StoredSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organisation_id, resource, vendor_subscription_id, expires_at
		FROM subscriptions
		WHERE organisation_id = $1
		ORDER BY resource ASC
	`, organisationID)
	if err != nil {
		return nil, fmt.Errorf("subscription list: %w", err)
	}
	defer rows.Close()

	var out []StoredSubscription
	for rows.Next() {
		var sub StoredSubscription
		if err := rows.Scan(&sub.OrganisationID, &sub.Resource, &sub.VendorSubscriptionID, &sub.ExpiresAt); err != nil {
			return nil, fmt.Errorf("subscription list: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription list: %w", err)
	}
	return out, nil
}

// RemoveForOrganisation drops every subscription row for one organisation.
func (s *SubscriptionStore) RemoveForOrganisation(ctx context.Context, organisationID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE organisation_id = $1`, organisationID)
	if err != nil {
		return fmt.Errorf("subscription remove: %w", err)
	}
	return nil
}

// ListExpiring returns subscriptions that expire before the deadline, so the
// periodic trigger can refresh them ahead of time.
func (s *SubscriptionStore) ListExpiring(ctx context.Context, deadline time.Time) ([]StoredSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organisation_id, resource, vendor_subscription_id, expires_at
		FROM subscriptions
		WHERE expires_at < $1
		ORDER BY expires_at ASC
	`, deadline)
	if err != nil {
		return nil, fmt.Errorf("subscription list: %w", err)
	}
	defer rows.Close()

	var out []StoredSubscription
	for rows.Next() {
		var sub StoredSubscription
		if err := rows.Scan(&sub.OrganisationID, &sub.Resource, &sub.VendorSubscriptionID, &sub.ExpiresAt); err != nil {
			return nil, fmt.Errorf("subscription list: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription list: %w", err)
	}
	return out, nil
}
