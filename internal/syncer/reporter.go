package syncer

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tenantsync/tenantsync/internal/vault"
)

type regionSource interface {
	Get(ctx context.Context, id uuid.UUID) (vault.Organisation, error)
}

type statusClient interface {
	UpdateConnectionStatus(ctx context.Context, organisationID uuid.UUID, region string, status string) error
}

// ConnectionReporter resolves an organisation's region before reporting its
// status, so callers that only know the organisation id can still report.
type ConnectionReporter struct {
	Orgs regionSource
	Elba statusClient
}

func (r *ConnectionReporter) UpdateConnectionStatus(ctx context.Context, organisationID uuid.UUID, status string) error {
	region := ""
	org, err := r.Orgs.Get(ctx, organisationID)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	if err == nil {
		region = org.Region
	}
	return r.Elba.UpdateConnectionStatus(ctx, organisationID, region, status)
}
