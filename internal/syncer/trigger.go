package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/tenantsync/tenantsync/internal/bus"
	"github.com/tenantsync/tenantsync/internal/events"
)

type expiringLister interface {
	ListExpiring(ctx context.Context, deadline time.Time) ([]StoredSubscription, error)
}

// Trigger periodically emits one full-sync event per installed organisation
// and a refresh for every subscription about to expire. This is the only
// source of full resyncs besides install time.
type Trigger struct {
	Vault    credentialStore
	Subs     expiringLister
	Sender   bus.Sender
	Interval time.Duration
	Logger   *slog.Logger
}

// Run fires once immediately, then on every interval tick until ctx is
// cancelled.
func (t *Trigger) Run(ctx context.Context) error {
	t.fire(ctx)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.fire(ctx)
		}
	}
}

// Emit enqueues one round of scheduled work: full syncs plus refreshes for
// expiring subscriptions.
func (t *Trigger) Emit(ctx context.Context) error {
	if err := t.emitSyncs(ctx); err != nil {
		return err
	}
	return t.emitSubscriptionRefreshes(ctx)
}

func (t *Trigger) fire(ctx context.Context) {
	if err := t.Emit(ctx); err != nil {
		t.Logger.Error("emit scheduled work", "error", err)
	}
}

// emitSyncs enqueues a full sync per organisation. The watermark is fixed
// here, at run start, and travels unchanged through every page event.
func (t *Trigger) emitSyncs(ctx context.Context) error {
	orgs, err := t.Vault.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Second)
	for _, org := range orgs {
		payload := events.UsersSync{
			OrganisationID: org.ID,
			IsFirstSync:    true,
			SyncStartedAt:  now,
		}
		err := t.Sender.Send(ctx, bus.Event{
			Name:           events.UsersSyncRequested,
			Payload:        payload,
			DedupKey:       payload.DedupKey(),
			ConcurrencyKey: org.ID.String(),
		})
		if err != nil {
			return err
		}
	}
	if len(orgs) > 0 {
		t.Logger.Info("scheduled syncs emitted", "organisations", len(orgs))
	}
	return nil
}

// emitSubscriptionRefreshes renews subscriptions expiring within the next
// trigger interval, so notifications never lapse between runs.
func (t *Trigger) emitSubscriptionRefreshes(ctx context.Context) error {
	deadline := time.Now().Add(t.Interval + time.Hour)
	subs, err := t.Subs.ListExpiring(ctx, deadline)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		err := t.Sender.Send(ctx, bus.Event{
			Name: events.SubscriptionRefreshRequested,
			Payload: events.SubscriptionRefresh{
				OrganisationID: sub.OrganisationID,
				SubscriptionID: sub.VendorSubscriptionID,
				Resource:       sub.Resource,
			},
			DedupKey:       events.SubscriptionRefreshRequested + ":" + sub.OrganisationID.String() + ":" + sub.VendorSubscriptionID,
			ConcurrencyKey: sub.OrganisationID.String(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
