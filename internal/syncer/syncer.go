// Package syncer holds the event handlers that move data between the vendor
// and the central platform: paginated user syncs, targeted deletions, data
// protection refreshes, subscription upkeep, and organisation teardown.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tenantsync/tenantsync/internal/bus"
	"github.com/tenantsync/tenantsync/internal/elba"
	"github.com/tenantsync/tenantsync/internal/events"
	"github.com/tenantsync/tenantsync/internal/metrics"
	"github.com/tenantsync/tenantsync/internal/vault"
	"github.com/tenantsync/tenantsync/internal/vendorapi"
)

type credentialStore interface {
	Load(ctx context.Context, id uuid.UUID) (map[string]string, error)
	Get(ctx context.Context, id uuid.UUID) (vault.Organisation, error)
	List(ctx context.Context) ([]vault.Organisation, error)
	Remove(ctx context.Context, id uuid.UUID) error
}

type vendorClient interface {
	ListUsers(ctx context.Context, token, cursor string, pageSize int) (vendorapi.Page, error)
	GetObject(ctx context.Context, token, objectID string) (vendorapi.Object, error)
	CreateSubscription(ctx context.Context, token, resource, notificationURL, clientState string) (vendorapi.Subscription, error)
	DeleteSubscription(ctx context.Context, token, subscriptionID string) error
}

type platformClient interface {
	PushUsers(ctx context.Context, organisationID uuid.UUID, region string, users []elba.User) (elba.PushResult, error)
	DeleteUsersByIDs(ctx context.Context, organisationID uuid.UUID, region string, ids []string) error
	DeleteUsersSyncedBefore(ctx context.Context, organisationID uuid.UUID, region string, watermark time.Time) error
	UpdateConnectionStatus(ctx context.Context, organisationID uuid.UUID, region string, status string) error
	PushDataProtectionObjects(ctx context.Context, organisationID uuid.UUID, region string, objects []elba.DataProtectionObject) error
	DeleteDataProtectionObjects(ctx context.Context, organisationID uuid.UUID, region string, ids []string) error
	PushAuthenticationObjects(ctx context.Context, organisationID uuid.UUID, region string, objects []elba.AuthenticationObject) error
}

type workCanceller interface {
	CancelPending(ctx context.Context, concurrencyKey string) (int64, error)
}

type subscriptionStore interface {
	Save(ctx context.Context, organisationID uuid.UUID, sub vendorapi.Subscription) error
	ListForOrganisation(ctx context.Context, organisationID uuid.UUID) ([]StoredSubscription, error)
	RemoveForOrganisation(ctx context.Context, organisationID uuid.UUID) error
}

// accessTokenField is the credential field the vendor client authenticates
// with.
const accessTokenField = "access_token"

// Syncer wires the handlers' dependencies. Fields are interfaces so tests
// run against in-memory fakes.
type Syncer struct {
	Vault  credentialStore
	Vendor vendorClient
	Elba   platformClient
	Queue  workCanceller
	Subs   subscriptionStore

	PageSize        int
	NotificationURL string
	VendorSecret    string
	Logger          *slog.Logger
}

// loadOrganisation is the liveness check every handler runs first: an
// organisation whose credentials are gone was uninstalled after this event
// was enqueued, so the event no-ops.
func (s *Syncer) loadOrganisation(ctx context.Context, id uuid.UUID) (vault.Organisation, string, bool, error) {
	creds, err := s.Vault.Load(ctx, id)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			s.Logger.Info("organisation no longer installed, dropping event", "organisation_id", id)
			return vault.Organisation{}, "", false, nil
		}
		return vault.Organisation{}, "", false, err
	}
	org, err := s.Vault.Get(ctx, id)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return vault.Organisation{}, "", false, nil
		}
		return vault.Organisation{}, "", false, err
	}
	return org, creds[accessTokenField], true, nil
}

// HandleUsersSync processes exactly one page of a paginated user sync: fetch
// from the vendor, push downstream, then either emit the next page or finish
// the run. The watermark travels in the payload and never advances mid-run.
func (s *Syncer) HandleUsersSync(ctx context.Context, job bus.Job, emit bus.Emitter) error {
	var payload events.UsersSync
	if err := job.Decode(&payload); err != nil {
		return bus.Discard(err)
	}

	org, token, alive, err := s.loadOrganisation(ctx, payload.OrganisationID)
	if err != nil || !alive {
		return err
	}

	page, err := s.Vendor.ListUsers(ctx, token, payload.Cursor, s.PageSize)
	if err != nil {
		metrics.SyncPagesTotal.WithLabelValues("error").Inc()
		return err
	}

	users, authObjects := mapUsers(page.Users)
	result, err := s.Elba.PushUsers(ctx, org.ID, org.Region, users)
	if err != nil {
		metrics.SyncPagesTotal.WithLabelValues("error").Inc()
		return err
	}
	if len(result.FailedIDs) > 0 {
		s.Logger.Warn("platform rejected some users",
			"organisation_id", org.ID, "failed", len(result.FailedIDs))
	}
	if err := s.Elba.PushAuthenticationObjects(ctx, org.ID, org.Region, authObjects); err != nil {
		metrics.SyncPagesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.SyncPagesTotal.WithLabelValues("ok").Inc()

	if page.NextCursor != "" {
		next := payload
		next.Cursor = page.NextCursor
		emit(bus.Event{
			Name:           events.UsersSyncRequested,
			Payload:        next,
			DedupKey:       next.DedupKey(),
			ConcurrencyKey: org.ID.String(),
		})
		return nil
	}

	// Last page. A full sync reconciles deletions: everything the platform
	// saw before this run started is no longer present at the vendor.
	if payload.IsFirstSync {
		if err := s.Elba.DeleteUsersSyncedBefore(ctx, org.ID, org.Region, payload.SyncStartedAt); err != nil {
			return err
		}
	}
	if err := s.Elba.UpdateConnectionStatus(ctx, org.ID, org.Region, elba.StatusHealthy); err != nil {
		s.Logger.Warn("report healthy connection status", "organisation_id", org.ID, "error", err)
	}
	s.Logger.Info("user sync finished",
		"organisation_id", org.ID, "first_sync", payload.IsFirstSync)
	return nil
}

// HandleUsersDelete removes specific users from the platform. The id list is
// treated as a set.
func (s *Syncer) HandleUsersDelete(ctx context.Context, job bus.Job, emit bus.Emitter) error {
	var payload events.UsersDelete
	if err := job.Decode(&payload); err != nil {
		return bus.Discard(err)
	}

	org, _, alive, err := s.loadOrganisation(ctx, payload.OrganisationID)
	if err != nil || !alive {
		return err
	}

	ids := dedupe(payload.UserIDs)
	if len(ids) == 0 {
		return nil
	}
	if err := s.Elba.DeleteUsersByIDs(ctx, org.ID, org.Region, ids); err != nil {
		return err
	}
	s.Logger.Info("users deleted downstream", "organisation_id", org.ID, "count", len(ids))
	return nil
}

// HandleDataProtectionRefresh re-fetches one vendor object. A missing object
// becomes a downstream deletion rather than an error.
func (s *Syncer) HandleDataProtectionRefresh(ctx context.Context, job bus.Job, emit bus.Emitter) error {
	var payload events.DataProtectionRefresh
	if err := job.Decode(&payload); err != nil {
		return bus.Discard(err)
	}

	org, token, alive, err := s.loadOrganisation(ctx, payload.OrganisationID)
	if err != nil || !alive {
		return err
	}

	object, err := s.Vendor.GetObject(ctx, token, payload.ObjectID)
	if err != nil {
		if errors.Is(err, vendorapi.ErrObjectNotFound) {
			return s.Elba.DeleteDataProtectionObjects(ctx, org.ID, org.Region, []string{payload.ObjectID})
		}
		return err
	}

	return s.Elba.PushDataProtectionObjects(ctx, org.ID, org.Region, []elba.DataProtectionObject{{
		ID:       object.ID,
		Name:     object.Name,
		OwnerID:  object.OwnerID,
		URL:      object.URL,
		Metadata: object.Raw,
	}})
}

// HandleSubscriptionRefresh replaces a dead or expiring change-notification
// subscription with a fresh one and records it.
func (s *Syncer) HandleSubscriptionRefresh(ctx context.Context, job bus.Job, emit bus.Emitter) error {
	var payload events.SubscriptionRefresh
	if err := job.Decode(&payload); err != nil {
		return bus.Discard(err)
	}

	org, token, alive, err := s.loadOrganisation(ctx, payload.OrganisationID)
	if err != nil || !alive {
		return err
	}

	if payload.SubscriptionID != "" {
		if err := s.Vendor.DeleteSubscription(ctx, token, payload.SubscriptionID); err != nil {
			s.Logger.Warn("delete stale subscription",
				"organisation_id", org.ID, "subscription_id", payload.SubscriptionID, "error", err)
		}
	}

	resource := payload.Resource
	if resource == "" {
		resource = "users"
	}
	sub, err := s.Vendor.CreateSubscription(ctx, token, resource, s.NotificationURL, s.VendorSecret)
	if err != nil {
		return err
	}
	if err := s.Subs.Save(ctx, org.ID, sub); err != nil {
		return err
	}
	s.Logger.Info("subscription refreshed",
		"organisation_id", org.ID, "subscription_id", sub.ID, "resource", resource)
	return nil
}

// HandleUninstall tears one organisation down: pending work is cancelled,
// the vendor subscriptions released, and the credentials scrubbed. The
// credential scrub runs last because the vendor-side cleanup still needs the
// token, and a crash mid-teardown must stay retryable.
func (s *Syncer) HandleUninstall(ctx context.Context, job bus.Job, emit bus.Emitter) error {
	var payload events.OrganisationUninstall
	if err := job.Decode(&payload); err != nil {
		return bus.Discard(err)
	}

	cancelled, err := s.Queue.CancelPending(ctx, payload.OrganisationID.String())
	if err != nil {
		return err
	}
	if cancelled > 0 {
		s.Logger.Info("pending work cancelled",
			"organisation_id", payload.OrganisationID, "count", cancelled)
	}

	org, token, alive, err := s.loadOrganisation(ctx, payload.OrganisationID)
	if err != nil {
		return err
	}
	if alive {
		subs, err := s.Subs.ListForOrganisation(ctx, payload.OrganisationID)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if err := s.Vendor.DeleteSubscription(ctx, token, sub.VendorSubscriptionID); err != nil {
				return err
			}
		}
		if err := s.Elba.UpdateConnectionStatus(ctx, org.ID, org.Region, elba.StatusUninstalled); err != nil {
			s.Logger.Warn("report uninstalled connection status", "organisation_id", org.ID, "error", err)
		}
	}

	if err := s.Subs.RemoveForOrganisation(ctx, payload.OrganisationID); err != nil {
		return err
	}
	if err := s.Vault.Remove(ctx, payload.OrganisationID); err != nil {
		return err
	}
	s.Logger.Info("organisation uninstalled", "organisation_id", payload.OrganisationID)
	return nil
}

// mapUsers converts a vendor page into the platform's user and
// authentication shapes. Deactivated accounts are skipped; the reconciliation
// pass removes them downstream.
func mapUsers(in []vendorapi.User) ([]elba.User, []elba.AuthenticationObject) {
	users := make([]elba.User, 0, len(in))
	auth := make([]elba.AuthenticationObject, 0, len(in))
	for _, u := range in {
		if !u.Active {
			continue
		}
		users = append(users, elba.User{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			Role:        u.Role,
		})
		auth = append(auth, elba.AuthenticationObject{UserID: u.ID, MFA: u.MFAEnabled})
	}
	return users, auth
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
