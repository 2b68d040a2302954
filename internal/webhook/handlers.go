package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tenantsync/tenantsync/internal/bus"
	"github.com/tenantsync/tenantsync/internal/events"
	"github.com/tenantsync/tenantsync/internal/metrics"
	"github.com/tenantsync/tenantsync/internal/vault"
)

const maxBodySize = 1 << 20 // 1 MiB

// Platform webhook types.
const (
	typeDeleteUsers   = "users.delete_users_requested"
	typeStartSync     = "third_party_apps.start_sync_requested"
	typeRefreshObject = "data_protection.refresh_object_requested"
	typeUninstalled   = "organisation.uninstalled"
)

// Vendor lifecycle events that require re-creating the subscription.
const (
	lifecycleRemoved = "subscriptionRemoved"
	lifecycleReauth  = "reauthorizationRequired"
)

type orgResolver interface {
	FindByTenant(ctx context.Context, tenantID string) (vault.Organisation, error)
}

type handlers struct {
	sender       bus.Sender
	orgs         orgResolver
	schema       *jsonschema.Schema
	elbaSecret   string
	vendorSecret string
	logger       *slog.Logger
}

type platformEnvelope struct {
	Type           string          `json:"type"`
	OrganisationID uuid.UUID       `json:"organisationId"`
	IDs            []string        `json:"ids"`
	ObjectID       string          `json:"objectId"`
	Metadata       json.RawMessage `json:"metadata"`
}

// handleHealthz reports liveness.
func (h *handlers) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleElbaWebhook receives platform commands. The request is only trusted
// after its HMAC verifies against the shared secret; the enqueue is durable,
// so a 2xx here means the command will eventually execute.
func (h *handlers) handleElbaWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("elba", "read_error").Inc()
		return c.NoContent(http.StatusBadRequest)
	}

	if !verifySignature(h.elbaSecret, c.Request().Header.Get(signatureHeader), body) {
		h.logger.Warn("platform webhook signature rejected")
		metrics.WebhookRequestsTotal.WithLabelValues("elba", "unauthorized").Inc()
		return c.NoContent(http.StatusUnauthorized)
	}

	if err := validatePayload(h.schema, body); err != nil {
		h.logger.Warn("platform webhook payload rejected", "error", err)
		metrics.WebhookRequestsTotal.WithLabelValues("elba", "invalid").Inc()
		return c.NoContent(http.StatusBadRequest)
	}

	var envelope platformEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("elba", "invalid").Inc()
		return c.NoContent(http.StatusBadRequest)
	}

	event, ok := h.platformEvent(envelope)
	if !ok {
		metrics.WebhookRequestsTotal.WithLabelValues("elba", "invalid").Inc()
		return c.NoContent(http.StatusBadRequest)
	}

	if err := h.sender.Send(c.Request().Context(), event); err != nil {
		h.logger.Error("enqueue platform webhook event", "type", envelope.Type, "error", err)
		metrics.WebhookRequestsTotal.WithLabelValues("elba", "enqueue_error").Inc()
		return c.NoContent(http.StatusInternalServerError)
	}

	h.logger.Info("platform webhook accepted",
		"type", envelope.Type, "organisation_id", envelope.OrganisationID)
	metrics.WebhookRequestsTotal.WithLabelValues("elba", "accepted").Inc()
	return c.NoContent(http.StatusOK)
}

// platformEvent maps a validated platform envelope onto an internal event.
func (h *handlers) platformEvent(envelope platformEnvelope) (bus.Event, bool) {
	orgKey := envelope.OrganisationID.String()
	switch envelope.Type {
	case typeStartSync:
		payload := events.UsersSync{
			OrganisationID: envelope.OrganisationID,
			IsFirstSync:    true,
			SyncStartedAt:  time.Now().UTC().Truncate(time.Second),
		}
		return bus.Event{
			Name:           events.UsersSyncRequested,
			Payload:        payload,
			DedupKey:       payload.DedupKey(),
			ConcurrencyKey: orgKey,
		}, true

	case typeDeleteUsers:
		if len(envelope.IDs) == 0 {
			return bus.Event{}, false
		}
		return bus.Event{
			Name: events.UsersDeleteRequested,
			Payload: events.UsersDelete{
				OrganisationID: envelope.OrganisationID,
				UserIDs:        envelope.IDs,
			},
			ConcurrencyKey: orgKey,
		}, true

	case typeRefreshObject:
		if envelope.ObjectID == "" {
			return bus.Event{}, false
		}
		return bus.Event{
			Name: events.DataProtectionRefreshRequested,
			Payload: events.DataProtectionRefresh{
				OrganisationID: envelope.OrganisationID,
				ObjectID:       envelope.ObjectID,
				Metadata:       envelope.Metadata,
			},
			ConcurrencyKey: orgKey,
		}, true

	case typeUninstalled:
		return bus.Event{
			Name:    events.OrganisationUninstallRequested,
			Payload: events.OrganisationUninstall{OrganisationID: envelope.OrganisationID},
			// Uninstall must not queue behind the organisation's sync
			// backlog, so it carries no concurrency key.
			DedupKey: events.OrganisationUninstallRequested + ":" + orgKey,
		}, true

	default:
		return bus.Event{}, false
	}
}

type vendorNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	TenantID       string `json:"tenantId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	LifecycleEvent string `json:"lifecycleEvent"`
	Resource       string `json:"resource"`
}

// handleVendorWebhook receives vendor change notifications. A validation
// handshake echoes the token and enqueues nothing. Notifications are only
// trusted when every clientState matches the secret issued at subscription
// time.
func (h *handlers) handleVendorWebhook(c echo.Context) error {
	if token := c.QueryParam("validationToken"); token != "" {
		metrics.WebhookRequestsTotal.WithLabelValues("vendor", "handshake").Inc()
		return c.String(http.StatusOK, token)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("vendor", "read_error").Inc()
		return c.NoContent(http.StatusBadRequest)
	}

	notifications, err := decodeVendorNotifications(body)
	if err != nil {
		h.logger.Warn("vendor webhook payload rejected", "error", err)
		metrics.WebhookRequestsTotal.WithLabelValues("vendor", "invalid").Inc()
		return c.NoContent(http.StatusBadRequest)
	}

	for _, n := range notifications {
		if n.ClientState != h.vendorSecret {
			h.logger.Warn("vendor webhook client state rejected", "subscription_id", n.SubscriptionID)
			metrics.WebhookRequestsTotal.WithLabelValues("vendor", "unauthorized").Inc()
			return c.NoContent(http.StatusUnauthorized)
		}
	}

	for _, n := range notifications {
		event, ok, err := h.vendorEvent(c.Request().Context(), n)
		if err != nil {
			metrics.WebhookRequestsTotal.WithLabelValues("vendor", "enqueue_error").Inc()
			return c.NoContent(http.StatusInternalServerError)
		}
		if !ok {
			continue
		}
		if err := h.sender.Send(c.Request().Context(), event); err != nil {
			h.logger.Error("enqueue vendor webhook event", "error", err)
			metrics.WebhookRequestsTotal.WithLabelValues("vendor", "enqueue_error").Inc()
			return c.NoContent(http.StatusInternalServerError)
		}
	}

	metrics.WebhookRequestsTotal.WithLabelValues("vendor", "accepted").Inc()
	return c.NoContent(http.StatusOK)
}

// vendorEvent resolves the notification's tenant to an installed
// organisation and maps it onto an internal event. Unknown tenants are
// dropped: the vendor can lag behind an uninstall.
func (h *handlers) vendorEvent(ctx context.Context, n vendorNotification) (bus.Event, bool, error) {
	org, err := h.orgs.FindByTenant(ctx, n.TenantID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			h.logger.Info("vendor webhook for unknown tenant dropped", "subscription_id", n.SubscriptionID)
			return bus.Event{}, false, nil
		}
		return bus.Event{}, false, err
	}
	orgKey := org.ID.String()

	switch n.LifecycleEvent {
	case lifecycleRemoved, lifecycleReauth:
		return bus.Event{
			Name: events.SubscriptionRefreshRequested,
			Payload: events.SubscriptionRefresh{
				OrganisationID: org.ID,
				SubscriptionID: n.SubscriptionID,
				Resource:       n.Resource,
			},
			DedupKey:       events.SubscriptionRefreshRequested + ":" + orgKey + ":" + n.SubscriptionID,
			ConcurrencyKey: orgKey,
		}, true, nil

	case "":
		payload := events.UsersSync{
			OrganisationID: org.ID,
			IsFirstSync:    false,
			SyncStartedAt:  time.Now().UTC().Truncate(time.Second),
		}
		return bus.Event{
			Name:           events.UsersSyncRequested,
			Payload:        payload,
			DedupKey:       payload.DedupKey(),
			ConcurrencyKey: orgKey,
		}, true, nil

	default:
		h.logger.Info("vendor lifecycle event ignored", "lifecycle_event", n.LifecycleEvent)
		return bus.Event{}, false, nil
	}
}

// decodeVendorNotifications accepts both a bare array and the enveloped
// {"value": [...]} form the vendor uses for batched delivery.
func decodeVendorNotifications(body []byte) ([]vendorNotification, error) {
	var direct []vendorNotification
	if err := json.Unmarshal(body, &direct); err == nil {
		return direct, nil
	}
	var envelope struct {
		Value []vendorNotification `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Value == nil {
		return nil, errors.New("no notifications in payload")
	}
	return envelope.Value, nil
}
