package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tenantsync/tenantsync/internal/bus"
	"github.com/tenantsync/tenantsync/internal/elba"
	"github.com/tenantsync/tenantsync/internal/errkind"
	"github.com/tenantsync/tenantsync/internal/events"
	"github.com/tenantsync/tenantsync/internal/vault"
	"github.com/tenantsync/tenantsync/internal/vendorapi"
)

var (
	org1 = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	org2 = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

type fakeVault struct {
	orgs    map[uuid.UUID]vault.Organisation
	creds   map[uuid.UUID]map[string]string
	removed []uuid.UUID
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		orgs: map[uuid.UUID]vault.Organisation{
			org1: {ID: org1, Region: "eu", TenantID: "tenant-1"},
			org2: {ID: org2, Region: "us", TenantID: "tenant-2"},
		},
		creds: map[uuid.UUID]map[string]string{
			org1: {"access_token": "tok-1"},
			org2: {"access_token": "tok-2"},
		},
	}
}

func (f *fakeVault) Load(ctx context.Context, id uuid.UUID) (map[string]string, error) {
	creds, ok := f.creds[id]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return creds, nil
}

func (f *fakeVault) Get(ctx context.Context, id uuid.UUID) (vault.Organisation, error) {
	org, ok := f.orgs[id]
	if !ok {
		return vault.Organisation{}, vault.ErrNotFound
	}
	return org, nil
}

func (f *fakeVault) List(ctx context.Context) ([]vault.Organisation, error) {
	var out []vault.Organisation
	for _, org := range f.orgs {
		out = append(out, org)
	}
	return out, nil
}

func (f *fakeVault) Remove(ctx context.Context, id uuid.UUID) error {
	delete(f.orgs, id)
	delete(f.creds, id)
	f.removed = append(f.removed, id)
	return nil
}

type fakeVendor struct {
	pages       map[string]vendorapi.Page
	listErr     error
	objects     map[string]vendorapi.Object
	createdSubs []string
	deletedSubs []string
}

func (f *fakeVendor) ListUsers(ctx context.Context, token, cursor string, pageSize int) (vendorapi.Page, error) {
	if f.listErr != nil {
		return vendorapi.Page{}, f.listErr
	}
	return f.pages[cursor], nil
}

func (f *fakeVendor) GetObject(ctx context.Context, token, objectID string) (vendorapi.Object, error) {
	object, ok := f.objects[objectID]
	if !ok {
		return vendorapi.Object{}, vendorapi.ErrObjectNotFound
	}
	return object, nil
}

func (f *fakeVendor) CreateSubscription(ctx context.Context, token, resource, notificationURL, clientState string) (vendorapi.Subscription, error) {
	f.createdSubs = append(f.createdSubs, resource)
	return vendorapi.Subscription{ID: "sub-new", Resource: resource, ClientState: clientState}, nil
}

func (f *fakeVendor) DeleteSubscription(ctx context.Context, token, subscriptionID string) error {
	f.deletedSubs = append(f.deletedSubs, subscriptionID)
	return nil
}

type fakePlatform struct {
	pushedBatches [][]string
	deletedIDs    [][]string
	watermarks    []time.Time
	statuses      []string
	dpPushed      []string
	dpDeleted     []string
	authBatches   int
}

func (f *fakePlatform) PushUsers(ctx context.Context, organisationID uuid.UUID, region string, users []elba.User) (elba.PushResult, error) {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	f.pushedBatches = append(f.pushedBatches, ids)
	return elba.PushResult{}, nil
}

func (f *fakePlatform) DeleteUsersByIDs(ctx context.Context, organisationID uuid.UUID, region string, ids []string) error {
	f.deletedIDs = append(f.deletedIDs, ids)
	return nil
}

func (f *fakePlatform) DeleteUsersSyncedBefore(ctx context.Context, organisationID uuid.UUID, region string, watermark time.Time) error {
	f.watermarks = append(f.watermarks, watermark)
	return nil
}

func (f *fakePlatform) UpdateConnectionStatus(ctx context.Context, organisationID uuid.UUID, region string, status string) error {
	label := status
	if label == elba.StatusHealthy {
		label = "healthy"
	}
	f.statuses = append(f.statuses, label)
	return nil
}

func (f *fakePlatform) PushDataProtectionObjects(ctx context.Context, organisationID uuid.UUID, region string, objects []elba.DataProtectionObject) error {
	for _, o := range objects {
		f.dpPushed = append(f.dpPushed, o.ID)
	}
	return nil
}

func (f *fakePlatform) DeleteDataProtectionObjects(ctx context.Context, organisationID uuid.UUID, region string, ids []string) error {
	f.dpDeleted = append(f.dpDeleted, ids...)
	return nil
}

func (f *fakePlatform) PushAuthenticationObjects(ctx context.Context, organisationID uuid.UUID, region string, objects []elba.AuthenticationObject) error {
	f.authBatches++
	return nil
}

type fakeCanceller struct {
	keys []string
}

func (f *fakeCanceller) CancelPending(ctx context.Context, concurrencyKey string) (int64, error) {
	f.keys = append(f.keys, concurrencyKey)
	return 2, nil
}

type fakeSubs struct {
	stored  map[uuid.UUID][]StoredSubscription
	saved   []vendorapi.Subscription
	removed []uuid.UUID
}

func (f *fakeSubs) Save(ctx context.Context, organisationID uuid.UUID, sub vendorapi.Subscription) error {
	f.saved = append(f.saved, sub)
	return nil
}

func (f *fakeSubs) ListForOrganisation(ctx context.Context, organisationID uuid.UUID) ([]StoredSubscription, error) {
	return f.stored[organisationID], nil
}

func (f *fakeSubs) RemoveForOrganisation(ctx context.Context, organisationID uuid.UUID) error {
	f.removed = append(f.removed, organisationID)
	return nil
}

type fixture struct {
	syncer    *Syncer
	vault     *fakeVault
	vendor    *fakeVendor
	platform  *fakePlatform
	canceller *fakeCanceller
	subs      *fakeSubs
}

func newFixture() *fixture {
	f := &fixture{
		vault:     newFakeVault(),
		vendor:    &fakeVendor{},
		platform:  &fakePlatform{},
		canceller: &fakeCanceller{},
		subs:      &fakeSubs{},
	}
	f.syncer = &Syncer{
		Vault:           f.vault,
		Vendor:          f.vendor,
		Elba:            f.platform,
		Queue:           f.canceller,
		Subs:            f.subs,
		PageSize:        100,
		NotificationURL: "https://connector.example/webhooks/vendor",
		VendorSecret:    "client-state",
		Logger:          slog.New(slog.DiscardHandler),
	}
	return f
}

func syncJob(t *testing.T, payload events.UsersSync) bus.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return bus.Job{
		ID:             uuid.New(),
		Name:           events.UsersSyncRequested,
		Payload:        raw,
		ConcurrencyKey: payload.OrganisationID.String(),
	}
}

func jobFor(t *testing.T, name string, payload any) bus.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return bus.Job{ID: uuid.New(), Name: name, Payload: raw}
}

func collect(emitted *[]bus.Event) bus.Emitter {
	return func(evts ...bus.Event) { *emitted = append(*emitted, evts...) }
}

func TestUsersSyncEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.vendor.pages = map[string]vendorapi.Page{
		"":   {Users: []vendorapi.User{{ID: "u1", DisplayName: "Alice", Active: true}}, NextCursor: "p2"},
		"p2": {Users: []vendorapi.User{{ID: "u2", DisplayName: "Bob", Active: true}}},
	}

	start := events.UsersSync{
		OrganisationID: org1,
		IsFirstSync:    true,
		SyncStartedAt:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	var emitted []bus.Event
	if err := f.syncer.HandleUsersSync(context.Background(), syncJob(t, start), collect(&emitted)); err != nil {
		t.Fatalf("page 1 error = %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("page 1 emitted %d events, want 1 next-page event", len(emitted))
	}
	next := emitted[0].Payload.(events.UsersSync)
	if next.Cursor != "p2" {
		t.Fatalf("next cursor = %q, want p2", next.Cursor)
	}
	if !next.SyncStartedAt.Equal(start.SyncStartedAt) || !next.IsFirstSync {
		t.Fatalf("watermark must travel unchanged, got %+v", next)
	}

	emitted = nil
	if err := f.syncer.HandleUsersSync(context.Background(), syncJob(t, next), collect(&emitted)); err != nil {
		t.Fatalf("page 2 error = %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("final page emitted %d events, want none", len(emitted))
	}

	if len(f.platform.pushedBatches) != 2 {
		t.Fatalf("pushUsers calls = %d, want 2", len(f.platform.pushedBatches))
	}
	if f.platform.pushedBatches[0][0] != "u1" || f.platform.pushedBatches[1][0] != "u2" {
		t.Fatalf("pushed batches = %v, want [[u1] [u2]]", f.platform.pushedBatches)
	}
	if len(f.platform.watermarks) != 1 {
		t.Fatalf("reconciliation calls = %d, want exactly 1", len(f.platform.watermarks))
	}
	if !f.platform.watermarks[0].Equal(start.SyncStartedAt) {
		t.Fatalf("reconciliation watermark = %s, want the run's start %s",
			f.platform.watermarks[0], start.SyncStartedAt)
	}
	if len(f.platform.statuses) != 1 || f.platform.statuses[0] != "healthy" {
		t.Fatalf("statuses = %v, want [healthy] after a finished run", f.platform.statuses)
	}
}

func TestUsersSyncRedeliverySameDedupKey(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.vendor.pages = map[string]vendorapi.Page{
		"": {Users: []vendorapi.User{{ID: "u1", Active: true}}, NextCursor: "p2"},
	}

	start := events.UsersSync{
		OrganisationID: org1,
		IsFirstSync:    true,
		SyncStartedAt:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	var first, second []bus.Event
	if err := f.syncer.HandleUsersSync(context.Background(), syncJob(t, start), collect(&first)); err != nil {
		t.Fatalf("first delivery error = %v", err)
	}
	if err := f.syncer.HandleUsersSync(context.Background(), syncJob(t, start), collect(&second)); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}

	if first[0].DedupKey == "" || first[0].DedupKey != second[0].DedupKey {
		t.Fatalf("redelivered page must emit the same dedup key: %q vs %q",
			first[0].DedupKey, second[0].DedupKey)
	}
	if len(f.platform.watermarks) != 0 {
		t.Fatalf("non-final page must never reconcile")
	}
}

func TestUsersSyncEmptyTenantStillReconciles(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.vendor.pages = map[string]vendorapi.Page{"": {}}

	start := events.UsersSync{
		OrganisationID: org1,
		IsFirstSync:    true,
		SyncStartedAt:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	var emitted []bus.Event
	if err := f.syncer.HandleUsersSync(context.Background(), syncJob(t, start), collect(&emitted)); err != nil {
		t.Fatalf("HandleUsersSync() error = %v", err)
	}

	if len(f.platform.pushedBatches) != 0 {
		t.Fatalf("empty tenant must push nothing, got %v", f.platform.pushedBatches)
	}
	if len(f.platform.watermarks) != 1 {
		t.Fatalf("empty tenant must still reconcile, got %d calls", len(f.platform.watermarks))
	}
}

func TestUsersSyncIncrementalSkipsReconciliation(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.vendor.pages = map[string]vendorapi.Page{
		"": {Users: []vendorapi.User{{ID: "u1", Active: true}}},
	}

	incremental := events.UsersSync{
		OrganisationID: org1,
		IsFirstSync:    false,
		SyncStartedAt:  time.Now().UTC(),
	}
	var emitted []bus.Event
	if err := f.syncer.HandleUsersSync(context.Background(), syncJob(t, incremental), collect(&emitted)); err != nil {
		t.Fatalf("HandleUsersSync() error = %v", err)
	}
	if len(f.platform.watermarks) != 0 {
		t.Fatalf("incremental sync must not reconcile deletions")
	}
}

func TestUsersSyncSkipsInactiveUsers(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.vendor.pages = map[string]vendorapi.Page{
		"": {Users: []vendorapi.User{
			{ID: "u1", Active: true},
			{ID: "u2", Active: false},
		}},
	}

	payload := events.UsersSync{OrganisationID: org1, SyncStartedAt: time.Now().UTC()}
	var emitted []bus.Event
	if err := f.syncer.HandleUsersSync(context.Background(), syncJob(t, payload), collect(&emitted)); err != nil {
		t.Fatalf("HandleUsersSync() error = %v", err)
	}
	if len(f.platform.pushedBatches) != 1 || len(f.platform.pushedBatches[0]) != 1 {
		t.Fatalf("pushed = %v, want only the active user", f.platform.pushedBatches)
	}
}

func TestUsersSyncDropsUninstalledOrganisation(t *testing.T) {
	t.Parallel()

	f := newFixture()
	delete(f.vault.creds, org1)
	delete(f.vault.orgs, org1)

	payload := events.UsersSync{OrganisationID: org1, IsFirstSync: true, SyncStartedAt: time.Now().UTC()}
	var emitted []bus.Event
	if err := f.syncer.HandleUsersSync(context.Background(), syncJob(t, payload), collect(&emitted)); err != nil {
		t.Fatalf("uninstalled organisation must no-op, got %v", err)
	}
	if len(f.platform.pushedBatches)+len(emitted) != 0 {
		t.Fatalf("uninstalled organisation must produce no work")
	}
}

func TestUsersSyncPropagatesClassifiedErrors(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.vendor.listErr = errkind.RateLimited(errors.New("429"), 2*time.Minute)

	payload := events.UsersSync{OrganisationID: org1, SyncStartedAt: time.Now().UTC()}
	var emitted []bus.Event
	err := f.syncer.HandleUsersSync(context.Background(), syncJob(t, payload), collect(&emitted))
	if errkind.Classify(err) != errkind.KindRateLimited {
		t.Fatalf("Classify() = %s, want rate_limited passed through untouched", errkind.Classify(err))
	}
	if len(emitted) != 0 {
		t.Fatalf("failed page must not emit a next page")
	}
}

func TestUsersSyncMalformedPayloadDiscards(t *testing.T) {
	t.Parallel()

	f := newFixture()
	job := bus.Job{ID: uuid.New(), Name: events.UsersSyncRequested, Payload: []byte(`{`)}
	err := f.syncer.HandleUsersSync(context.Background(), job, func(...bus.Event) {})
	if _, ok := bus.DiscardCause(err); !ok {
		t.Fatalf("malformed payload must discard, got %v", err)
	}
}

func TestUsersDeleteCollapsesDuplicates(t *testing.T) {
	t.Parallel()

	f := newFixture()
	job := jobFor(t, events.UsersDeleteRequested, events.UsersDelete{
		OrganisationID: org1,
		UserIDs:        []string{"u1", "u2", "u1", ""},
	})
	if err := f.syncer.HandleUsersDelete(context.Background(), job, func(...bus.Event) {}); err != nil {
		t.Fatalf("HandleUsersDelete() error = %v", err)
	}
	if len(f.platform.deletedIDs) != 1 {
		t.Fatalf("delete calls = %d, want 1", len(f.platform.deletedIDs))
	}
	got := f.platform.deletedIDs[0]
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("deleted ids = %v, want duplicates collapsed to [u1 u2]", got)
	}
}

func TestDataProtectionRefreshPushesObject(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.vendor.objects = map[string]vendorapi.Object{
		"doc-1": {ID: "doc-1", Name: "Report", OwnerID: "u1", Raw: json.RawMessage(`{"id":"doc-1"}`)},
	}
	job := jobFor(t, events.DataProtectionRefreshRequested, events.DataProtectionRefresh{
		OrganisationID: org1, ObjectID: "doc-1",
	})
	if err := f.syncer.HandleDataProtectionRefresh(context.Background(), job, func(...bus.Event) {}); err != nil {
		t.Fatalf("HandleDataProtectionRefresh() error = %v", err)
	}
	if len(f.platform.dpPushed) != 1 || f.platform.dpPushed[0] != "doc-1" {
		t.Fatalf("pushed objects = %v, want [doc-1]", f.platform.dpPushed)
	}
}

func TestDataProtectionRefreshMissingObjectDeletesDownstream(t *testing.T) {
	t.Parallel()

	f := newFixture()
	job := jobFor(t, events.DataProtectionRefreshRequested, events.DataProtectionRefresh{
		OrganisationID: org1, ObjectID: "doc-gone",
	})
	if err := f.syncer.HandleDataProtectionRefresh(context.Background(), job, func(...bus.Event) {}); err != nil {
		t.Fatalf("HandleDataProtectionRefresh() error = %v", err)
	}
	if len(f.platform.dpDeleted) != 1 || f.platform.dpDeleted[0] != "doc-gone" {
		t.Fatalf("deleted objects = %v, want [doc-gone]", f.platform.dpDeleted)
	}
	if len(f.platform.dpPushed) != 0 {
		t.Fatalf("missing object must not be pushed")
	}
}

func TestSubscriptionRefreshReplacesSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture()
	job := jobFor(t, events.SubscriptionRefreshRequested, events.SubscriptionRefresh{
		OrganisationID: org1, SubscriptionID: "sub-old", Resource: "users",
	})
	if err := f.syncer.HandleSubscriptionRefresh(context.Background(), job, func(...bus.Event) {}); err != nil {
		t.Fatalf("HandleSubscriptionRefresh() error = %v", err)
	}
	if len(f.vendor.deletedSubs) != 1 || f.vendor.deletedSubs[0] != "sub-old" {
		t.Fatalf("deleted subscriptions = %v, want [sub-old]", f.vendor.deletedSubs)
	}
	if len(f.vendor.createdSubs) != 1 || f.vendor.createdSubs[0] != "users" {
		t.Fatalf("created subscriptions = %v, want [users]", f.vendor.createdSubs)
	}
	if len(f.subs.saved) != 1 || f.subs.saved[0].ID != "sub-new" {
		t.Fatalf("saved subscriptions = %+v, want the fresh one recorded", f.subs.saved)
	}
}

func TestUninstallTearsDownOrganisation(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.subs.stored = map[uuid.UUID][]StoredSubscription{
		org1: {{OrganisationID: org1, Resource: "users", VendorSubscriptionID: "sub-1"}},
	}
	job := jobFor(t, events.OrganisationUninstallRequested, events.OrganisationUninstall{OrganisationID: org1})
	if err := f.syncer.HandleUninstall(context.Background(), job, func(...bus.Event) {}); err != nil {
		t.Fatalf("HandleUninstall() error = %v", err)
	}
	if len(f.canceller.keys) != 1 || f.canceller.keys[0] != org1.String() {
		t.Fatalf("cancelled keys = %v, want the organisation's", f.canceller.keys)
	}
	if len(f.vendor.deletedSubs) != 1 || f.vendor.deletedSubs[0] != "sub-1" {
		t.Fatalf("vendor subscriptions deleted = %v, want [sub-1] released", f.vendor.deletedSubs)
	}
	if len(f.platform.statuses) != 1 || f.platform.statuses[0] != "uninstalled" {
		t.Fatalf("statuses = %v, want [uninstalled]", f.platform.statuses)
	}
	if len(f.subs.removed) != 1 || f.subs.removed[0] != org1 {
		t.Fatalf("subscription cleanup = %v, want org1", f.subs.removed)
	}
	if len(f.vault.removed) != 1 || f.vault.removed[0] != org1 {
		t.Fatalf("vault removal = %v, want org1 scrubbed", f.vault.removed)
	}
	if _, err := f.vault.Load(context.Background(), org1); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("credentials must be gone after uninstall")
	}
}

func TestUninstallRetryWithoutCredentialsStillCleansUp(t *testing.T) {
	t.Parallel()

	f := newFixture()
	delete(f.vault.creds, org1)
	delete(f.vault.orgs, org1)

	job := jobFor(t, events.OrganisationUninstallRequested, events.OrganisationUninstall{OrganisationID: org1})
	if err := f.syncer.HandleUninstall(context.Background(), job, func(...bus.Event) {}); err != nil {
		t.Fatalf("HandleUninstall() error = %v", err)
	}
	if len(f.vendor.deletedSubs) != 0 {
		t.Fatalf("no credentials means no vendor calls, got %v", f.vendor.deletedSubs)
	}
	if len(f.subs.removed) != 1 || f.subs.removed[0] != org1 {
		t.Fatalf("subscription cleanup = %v, want org1 even without credentials", f.subs.removed)
	}
}

func TestUnauthorizedOrgDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	f := newFixture()
	delete(f.vault.creds, org1)
	delete(f.vault.orgs, org1)
	f.vendor.pages = map[string]vendorapi.Page{
		"": {Users: []vendorapi.User{{ID: "u9", Active: true}}},
	}

	var emitted []bus.Event
	if err := f.syncer.HandleUsersSync(context.Background(),
		syncJob(t, events.UsersSync{OrganisationID: org1, SyncStartedAt: time.Now().UTC()}), collect(&emitted)); err != nil {
		t.Fatalf("org1 event must no-op, got %v", err)
	}
	if err := f.syncer.HandleUsersSync(context.Background(),
		syncJob(t, events.UsersSync{OrganisationID: org2, SyncStartedAt: time.Now().UTC()}), collect(&emitted)); err != nil {
		t.Fatalf("org2 event must proceed, got %v", err)
	}
	if len(f.platform.pushedBatches) != 1 {
		t.Fatalf("pushes = %d, want only org2's page", len(f.platform.pushedBatches))
	}
}
