// Package events names the internal event catalogue and its payloads. Both
// the webhook gateway and the handlers depend on it, so payload shape changes
// happen in exactly one place.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event names. The naming scheme is subject.verb.requested.
const (
	UsersSyncRequested             = "users.sync.requested"
	UsersDeleteRequested           = "users.delete.requested"
	DataProtectionRefreshRequested = "data_protection.refresh_object.requested"
	SubscriptionRefreshRequested   = "subscription.refresh.requested"
	OrganisationUninstallRequested = "organisation.uninstall.requested"
)

// UsersSync drives one page of a paginated user sync. Re-emitting the same
// page is idempotent because the dedup key includes the cursor.
type UsersSync struct {
	OrganisationID uuid.UUID `json:"organisation_id"`
	IsFirstSync    bool      `json:"is_first_sync"`
	SyncStartedAt  time.Time `json:"sync_started_at"`
	Cursor         string    `json:"cursor,omitempty"`
}

// DedupKey covers organisation, sync run and page, so webhook redelivery or
// duplicate page emission collapses into one enqueued event.
func (p UsersSync) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d:%s", UsersSyncRequested, p.OrganisationID, p.SyncStartedAt.Unix(), p.Cursor)
}

// UsersDelete removes specific users from the downstream platform.
type UsersDelete struct {
	OrganisationID uuid.UUID `json:"organisation_id"`
	UserIDs        []string  `json:"user_ids"`
}

// DataProtectionRefresh re-fetches one vendor object and pushes its current
// state, or its deletion, downstream.
type DataProtectionRefresh struct {
	OrganisationID uuid.UUID `json:"organisation_id"`
	ObjectID       string    `json:"object_id"`
	Metadata       []byte    `json:"metadata,omitempty"`
}

// SubscriptionRefresh re-creates a vendor change-notification subscription
// that expired or was revoked.
type SubscriptionRefresh struct {
	OrganisationID uuid.UUID `json:"organisation_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Resource       string    `json:"resource,omitempty"`
}

// OrganisationUninstall tears down one organisation: cancels pending work and
// scrubs its credentials.
type OrganisationUninstall struct {
	OrganisationID uuid.UUID `json:"organisation_id"`
}
