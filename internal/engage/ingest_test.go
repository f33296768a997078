package engage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qrvio/engage/internal/models"
	"github.com/qrvio/engage/internal/storage"
)

type ingestFixture struct {
	store    *storage.InMemoryEventStore
	registry storage.Registry
	dedup    *InMemoryDedupGuard
	cache    *InMemoryQueryCache
	svc      *IngestService
}

func newIngestFixture(t *testing.T, registry storage.Registry) *ingestFixture {
	t.Helper()

	if registry == nil {
		mem := storage.NewInMemoryRegistry()
		require.NoError(t, mem.UpsertIdentity(context.Background(), &models.Identity{ID: "id-1"}))
		require.NoError(t, mem.UpsertScope(context.Background(), &models.Scope{ID: "sc-1", IdentityID: "id-1"}))
		registry = mem
	}

	store := storage.NewInMemoryEventStore()
	dedup := NewInMemoryDedupGuard()
	cache := NewInMemoryQueryCache(0)
	t.Cleanup(cache.Close)

	logger := zap.NewNop()
	rollup := NewRollupService(registry, logger, nil)
	svc := NewIngestService(store, registry, rollup, dedup, cache, nil, logger, nil)

	return &ingestFixture{store: store, registry: registry, dedup: dedup, cache: cache, svc: svc}
}

func TestIngest_ScanIncrementsBothScopes(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	result, err := f.svc.Ingest(ctx, &IngestRequest{
		IdentityID: "id-1",
		ScopeID:    "sc-1",
		Kind:       models.KindScan,
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.EventID)

	assert.Equal(t, 1, f.store.Len())

	identity, err := f.registry.GetIdentity(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), identity.Counters.TotalScans)
	assert.NotNil(t, identity.Counters.LastScanAt)

	scope, err := f.registry.GetScope(ctx, "id-1", "sc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), scope.Counters.TotalScans)
}

func TestIngest_UnscopedEventSkipsScopeCounters(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, &IngestRequest{IdentityID: "id-1", Kind: models.KindScan, SessionID: "s"})
	require.NoError(t, err)

	scope, err := f.registry.GetScope(ctx, "id-1", "sc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), scope.Counters.TotalScans)
}

func TestIngest_DuplicateSuppressedWithinWindow(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.dedup.SetClock(func() time.Time { return now })

	req := &IngestRequest{IdentityID: "id-1", Kind: models.KindScan, SessionID: "sess-1"}

	first, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Accepted, "duplicates are acknowledged")
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.EventID)

	// Suppressed submissions leave no trace in log or counters.
	assert.Equal(t, 1, f.store.Len())
	identity, err := f.registry.GetIdentity(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), identity.Counters.TotalScans)

	// Past the 10s scan window the same fire counts again.
	now = now.Add(11 * time.Second)
	third, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.Equal(t, 2, f.store.Len())
}

func TestIngest_UnknownIdentityRejected(t *testing.T) {
	f := newIngestFixture(t, nil)

	_, err := f.svc.Ingest(context.Background(), &IngestRequest{IdentityID: "nope", Kind: models.KindScan})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Equal(t, 0, f.store.Len())
}

func TestIngest_UnknownScopeRejected(t *testing.T) {
	f := newIngestFixture(t, nil)

	_, err := f.svc.Ingest(context.Background(), &IngestRequest{
		IdentityID: "id-1", ScopeID: "nope", Kind: models.KindScan,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestIngest_ValidationEnumeratesFields(t *testing.T) {
	f := newIngestFixture(t, nil)

	_, err := f.svc.Ingest(context.Background(), &IngestRequest{
		Kind:    models.KindVideoProgressMilestone,
		Payload: &models.Payload{},
	})
	verr, ok := models.AsValidationError(err)
	require.True(t, ok, "expected validation error, got %v", err)

	fields := make(map[string]bool)
	for _, fe := range verr.Fields {
		fields[fe.Field] = true
	}
	assert.True(t, fields["identity_id"])
	assert.True(t, fields["milestone"])
	assert.True(t, fields["video_id"])
}

// failingRegistry errors on counter increments but serves lookups, to
// exercise the best-effort rollup path.
type failingRegistry struct {
	storage.Registry
}

func (f *failingRegistry) IncrementIdentityCounters(ctx context.Context, identityID string, kind models.Kind, at time.Time) error {
	return errors.New("registry down")
}

func (f *failingRegistry) IncrementScopeCounters(ctx context.Context, identityID, scopeID string, kind models.Kind, at time.Time) error {
	return errors.New("registry down")
}

func TestIngest_RollupFailureDoesNotFailIngest(t *testing.T) {
	mem := storage.NewInMemoryRegistry()
	require.NoError(t, mem.UpsertIdentity(context.Background(), &models.Identity{ID: "id-1"}))
	f := newIngestFixture(t, &failingRegistry{Registry: mem})

	result, err := f.svc.Ingest(context.Background(), &IngestRequest{
		IdentityID: "id-1", Kind: models.KindScan, SessionID: "s",
	})
	require.NoError(t, err, "append succeeded, rollup failure is swallowed")
	assert.True(t, result.Accepted)
	assert.Equal(t, 1, f.store.Len())
}

func TestIngest_InvalidatesQueryCache(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	f.cache.Set(ctx, cacheKey("id-1", "funnel", "", "30"), []byte("stale"), time.Minute)
	f.cache.Set(ctx, cacheKey("id-2", "funnel", "", "30"), []byte("other"), time.Minute)

	_, err := f.svc.Ingest(ctx, &IngestRequest{IdentityID: "id-1", Kind: models.KindScan, SessionID: "s"})
	require.NoError(t, err)

	_, ok := f.cache.Get(ctx, cacheKey("id-1", "funnel", "", "30"))
	assert.False(t, ok, "writer's cached results must be dropped")
	_, ok = f.cache.Get(ctx, cacheKey("id-2", "funnel", "", "30"))
	assert.True(t, ok)
}

func TestIngest_UserAgentEnrichment(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	result, err := f.svc.Ingest(ctx, &IngestRequest{
		IdentityID: "id-1",
		Kind:       models.KindScan,
		SessionID:  "s",
		Payload: &models.Payload{
			UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
		},
	})
	require.NoError(t, err)
	require.True(t, result.Accepted)

	items, err := f.store.CountByField(ctx, storage.EventFilter{IdentityID: "id-1"}, storage.FieldDeviceType, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "mobile", items[0].Value)

	items, err = f.store.CountByField(ctx, storage.EventFilter{IdentityID: "id-1"}, storage.FieldOS, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "iOS", items[0].Value)
}

func TestIngest_ClientDeviceFieldsWin(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, &IngestRequest{
		IdentityID: "id-1",
		Kind:       models.KindScan,
		SessionID:  "s",
		Payload: &models.Payload{
			UserAgent:  "Mozilla/5.0 (iPhone) Safari",
			DeviceType: "kiosk",
		},
	})
	require.NoError(t, err)

	items, err := f.store.CountByField(ctx, storage.EventFilter{IdentityID: "id-1"}, storage.FieldDeviceType, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "kiosk", items[0].Value, "client-sent value must not be overwritten")
}

func TestIngest_OccurredAtDefaultsToNow(t *testing.T) {
	f := newIngestFixture(t, nil)
	ctx := context.Background()

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	_, err := f.svc.Ingest(ctx, &IngestRequest{IdentityID: "id-1", Kind: models.KindScan, SessionID: "s"})
	require.NoError(t, err)

	buckets, err := f.store.CountByTimeBucket(ctx, storage.EventFilter{IdentityID: "id-1"}, storage.GranularityHour)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, fixed.Truncate(time.Hour), buckets[0].Bucket)
}
