package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tenantsync/tenantsync/internal/bus"
	"github.com/tenantsync/tenantsync/internal/config"
	"github.com/tenantsync/tenantsync/internal/elba"
	"github.com/tenantsync/tenantsync/internal/syncer"
	"github.com/tenantsync/tenantsync/internal/vault"
	"github.com/tenantsync/tenantsync/internal/vendorapi"
)

// components is the shared wiring for every command that talks to the
// database and the two external APIs.
type components struct {
	pool     *pgxpool.Pool
	store    *bus.Store
	vault    *vault.Store
	subs     *syncer.SubscriptionStore
	syncer   *syncer.Syncer
	reporter *syncer.ConnectionReporter
	trigger  *syncer.Trigger
}

func buildComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	cipher, err := vault.NewCipher(cfg.EncryptionKey)
	if err != nil {
		pool.Close()
		return nil, err
	}
	vaultStore, err := vault.NewStore(pool, cipher)
	if err != nil {
		pool.Close()
		return nil, err
	}
	busStore, err := bus.NewStore(pool, cfg.EventMaxAttempts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	subStore, err := syncer.NewSubscriptionStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	elbaClient, err := elba.New(cfg.ElbaAPIBaseURL, cfg.ElbaAPIKey)
	if err != nil {
		pool.Close()
		return nil, err
	}
	vendorClient, err := vendorapi.New(cfg.VendorAPIBaseURL)
	if err != nil {
		pool.Close()
		return nil, err
	}

	sync := &syncer.Syncer{
		Vault:           vaultStore,
		Vendor:          vendorClient,
		Elba:            elbaClient,
		Queue:           busStore,
		Subs:            subStore,
		PageSize:        cfg.PageSize,
		NotificationURL: cfg.WebhookBaseURL + "/webhooks/vendor",
		VendorSecret:    cfg.VendorWebhookSecret,
		Logger:          logger,
	}

	return &components{
		pool:     pool,
		store:    busStore,
		vault:    vaultStore,
		subs:     subStore,
		syncer:   sync,
		reporter: &syncer.ConnectionReporter{Orgs: vaultStore, Elba: elbaClient},
		trigger: &syncer.Trigger{
			Vault:    vaultStore,
			Subs:     subStore,
			Sender:   busStore,
			Interval: cfg.SyncInterval,
			Logger:   logger,
		},
	}, nil
}

func (c *components) close() {
	c.pool.Close()
}
