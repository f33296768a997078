package engage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qrvio/engage/internal/models"
	"github.com/qrvio/engage/internal/storage"
)

var analyticsNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type analyticsFixture struct {
	store    *storage.InMemoryEventStore
	registry *storage.InMemoryRegistry
	cache    *InMemoryQueryCache
	svc      *AnalyticsService
	seq      int
}

func newAnalyticsFixture(t *testing.T) *analyticsFixture {
	t.Helper()

	store := storage.NewInMemoryEventStore()
	registry := storage.NewInMemoryRegistry()
	cache := NewInMemoryQueryCache(0)
	t.Cleanup(cache.Close)

	svc := NewAnalyticsService(store, registry, cache, zap.NewNop(), nil, time.Minute)
	svc.now = func() time.Time { return analyticsNow }

	return &analyticsFixture{store: store, registry: registry, cache: cache, svc: svc}
}

func (f *analyticsFixture) seed(t *testing.T, e *models.Event) {
	t.Helper()
	f.seq++
	e.ID = fmt.Sprintf("ev-%d", f.seq)
	if e.OccurredAt.IsZero() {
		e.OccurredAt = analyticsNow.Add(-time.Hour)
	}
	require.NoError(t, f.store.Append(context.Background(), e))
}

func TestResolvePeriod(t *testing.T) {
	now := analyticsNow

	tests := []struct {
		period string
		days   int
	}{
		{"7d", 7},
		{"30d", 30},
		{"90d", 90},
		{"365d", 365},
		{"", 30},
		{"abc", 30},
		{"0d", 30},
		{"-5d", 30},
		{"9999d", 365},
	}
	for _, tt := range tests {
		w := ResolvePeriod(tt.period, now)
		assert.Equal(t, tt.days, w.Days, "period %q", tt.period)
		assert.Equal(t, now, w.EndDate)
		assert.Equal(t, now.AddDate(0, 0, -tt.days), w.StartDate)
	}
}

func TestTimeSeries_BucketsSpanDays(t *testing.T) {
	f := newAnalyticsFixture(t)
	ctx := context.Background()

	day1 := analyticsNow.AddDate(0, 0, -2)
	day2 := analyticsNow.AddDate(0, 0, -1)
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, OccurredAt: day1})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, OccurredAt: day1.Add(time.Hour)})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, OccurredAt: day2})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindVideoView, OccurredAt: day2})

	result, err := f.svc.TimeSeries(ctx, "id-1", "", "7d", storage.GranularityDay, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, result.Window.Days)
	require.Len(t, result.Buckets, 3)

	// Chronological, and bucket counts sum to the total.
	assert.True(t, result.Buckets[0].Bucket.Before(result.Buckets[1].Bucket) ||
		result.Buckets[0].Bucket.Equal(result.Buckets[1].Bucket))
	var sum int64
	for _, b := range result.Buckets {
		sum += b.Count
	}
	assert.Equal(t, int64(4), sum)
}

func TestTimeSeries_WindowExcludesOldEvents(t *testing.T) {
	f := newAnalyticsFixture(t)

	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, OccurredAt: analyticsNow.AddDate(0, 0, -10)})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, OccurredAt: analyticsNow.AddDate(0, 0, -1)})

	result, err := f.svc.TimeSeries(context.Background(), "id-1", "", "7d", storage.GranularityDay, nil)
	require.NoError(t, err)
	require.Len(t, result.Buckets, 1)
	assert.Equal(t, int64(1), result.Buckets[0].Count)
}

func TestFunnel_Rates(t *testing.T) {
	f := newAnalyticsFixture(t)

	for i := 0; i < 4; i++ {
		f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan})
	}
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindVideoView})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindVideoView})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindLinkClick})

	result, err := f.svc.Funnel(context.Background(), "id-1", "", "30d")
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Scans)
	assert.Equal(t, int64(2), result.VideoViews)
	assert.Equal(t, int64(1), result.LinkClicks)
	assert.Equal(t, int64(0), result.ARStarts)

	assert.InDelta(t, 50.0, result.ScanToVideoRate, 1e-9)
	assert.InDelta(t, 50.0, result.VideoToLinkRate, 1e-9)
	assert.InDelta(t, 0.0, result.LinkToARRate, 1e-9, "zero denominator reports 0")
	assert.InDelta(t, 75.0, result.OverallConversionRate, 1e-9)
}

func TestFunnel_ZeroScansAllRatesZero(t *testing.T) {
	f := newAnalyticsFixture(t)

	result, err := f.svc.Funnel(context.Background(), "id-1", "", "30d")
	require.NoError(t, err)
	assert.Zero(t, result.ScanToVideoRate)
	assert.Zero(t, result.VideoToLinkRate)
	assert.Zero(t, result.LinkToARRate)
	assert.Zero(t, result.OverallConversionRate)
}

func TestTop_WeightedRanking(t *testing.T) {
	f := newAnalyticsFixture(t)

	// sc-a: scan(1) + arStart(4) = 5. sc-b: 3 scans = 3.
	f.seed(t, &models.Event{IdentityID: "id-1", ScopeID: "sc-a", Kind: models.KindScan})
	f.seed(t, &models.Event{IdentityID: "id-1", ScopeID: "sc-a", Kind: models.KindARExperienceStart})
	for i := 0; i < 3; i++ {
		f.seed(t, &models.Event{IdentityID: "id-1", ScopeID: "sc-b", Kind: models.KindScan})
	}

	result, err := f.svc.Top(context.Background(), "id-1", "30d", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopLimit, result.Limit)
	require.Len(t, result.Scopes, 2)
	assert.Equal(t, "sc-a", result.Scopes[0].ScopeID)
	assert.Equal(t, int64(5), result.Scopes[0].Score)
}

func TestGeoBreakdown(t *testing.T) {
	f := newAnalyticsFixture(t)

	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, Payload: models.Payload{Country: "India"}})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, Payload: models.Payload{Country: "India"}})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, Payload: models.Payload{Country: "Brazil"}})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan}) // no geo, excluded

	result, err := f.svc.GeoBreakdown(context.Background(), "id-1", "", "30d", storage.FieldCountry, 0)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.Equal(t, storage.FieldCount{Value: "India", Count: 2}, result.Items[0])

	// Unknown field falls back to country.
	result, err = f.svc.GeoBreakdown(context.Background(), "id-1", "", "30d", "bogus", 0)
	require.NoError(t, err)
	assert.Equal(t, storage.FieldCountry, result.Field)
}

func TestDeviceBreakdown_FieldValidation(t *testing.T) {
	f := newAnalyticsFixture(t)

	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, Payload: models.Payload{Browser: "Chrome"}})

	result, err := f.svc.DeviceBreakdown(context.Background(), "id-1", "", "30d", storage.FieldBrowser, 0)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "Chrome", result.Items[0].Value)

	// Geo fields are not valid device fields.
	result, err = f.svc.DeviceBreakdown(context.Background(), "id-1", "", "30d", storage.FieldCountry, 0)
	require.NoError(t, err)
	assert.Equal(t, storage.FieldDeviceType, result.Field)
}

func TestVideo_Summary(t *testing.T) {
	f := newAnalyticsFixture(t)

	p95, p50, p10 := 95.0, 50.0, 10.0
	d100, d0 := 100.0, 0.0
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindVideoView,
		Payload: models.Payload{VideoProgress: &p95, VideoDuration: &d100}})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindVideoView,
		Payload: models.Payload{VideoProgress: &p50, VideoDuration: &d100}})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindVideoView,
		Payload: models.Payload{VideoProgress: &p10, VideoDuration: &d0}})

	result, err := f.svc.Video(context.Background(), "id-1", "", "30d")
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalViews)
	assert.Equal(t, int64(1), result.CompletedViews)
	assert.InDelta(t, 100.0/3, result.CompletionRate, 1e-9)
	assert.InDelta(t, 145.0/3, result.AvgCompletionRate, 1e-9)
}

func TestVideo_NoViewsZeroRates(t *testing.T) {
	f := newAnalyticsFixture(t)

	result, err := f.svc.Video(context.Background(), "id-1", "", "30d")
	require.NoError(t, err)
	assert.Zero(t, result.CompletionRate)
	assert.Zero(t, result.AvgCompletionRate)
}

func TestSessions_Summary(t *testing.T) {
	f := newAnalyticsFixture(t)
	base := analyticsNow.Add(-2 * time.Hour)

	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, SessionID: "A", OccurredAt: base})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindPageView, SessionID: "A", OccurredAt: base.Add(60 * time.Second)})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan, SessionID: "B", OccurredAt: base})

	result, err := f.svc.Sessions(context.Background(), "id-1", "", "30d")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Sessions)
	assert.Equal(t, int64(3), result.TotalEvents)
	assert.InDelta(t, 30.0, result.AvgDurationSeconds, 1e-9)
	assert.InDelta(t, 1.5, result.AvgEventsPerSession, 1e-9)
	assert.InDelta(t, 50.0, result.BounceRate, 1e-9)
}

func TestOverview_ReadsRegistryCounters(t *testing.T) {
	f := newAnalyticsFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.UpsertIdentity(ctx, &models.Identity{ID: "id-1"}))
	require.NoError(t, f.registry.UpsertScope(ctx, &models.Scope{ID: "sc-1", IdentityID: "id-1"}))
	require.NoError(t, f.registry.IncrementIdentityCounters(ctx, "id-1", models.KindScan, analyticsNow))

	result, err := f.svc.Overview(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Identity.Counters.TotalScans)
	require.Len(t, result.Scopes, 1)

	_, err = f.svc.Overview(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueries_ServeFromCacheUntilInvalidated(t *testing.T) {
	f := newAnalyticsFixture(t)
	ctx := context.Background()

	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan})

	first, err := f.svc.Funnel(ctx, "id-1", "", "30d")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Scans)

	// New events don't show up while the cached result lives.
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan})
	cached, err := f.svc.Funnel(ctx, "id-1", "", "30d")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.Scans)

	// Invalidation (what ingest does) exposes the fresh count.
	f.cache.Invalidate(ctx, "id-1")
	fresh, err := f.svc.Funnel(ctx, "id-1", "", "30d")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.Scans)
}

func TestRollupRebuild_RecountsFromLog(t *testing.T) {
	f := newAnalyticsFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.UpsertIdentity(ctx, &models.Identity{ID: "id-1"}))
	require.NoError(t, f.registry.UpsertScope(ctx, &models.Scope{ID: "sc-1", IdentityID: "id-1"}))

	// Log has 2 scans (one scoped) and a videoView, but counters drifted.
	f.seed(t, &models.Event{IdentityID: "id-1", ScopeID: "sc-1", Kind: models.KindScan})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindScan})
	f.seed(t, &models.Event{IdentityID: "id-1", Kind: models.KindVideoView})
	require.NoError(t, f.registry.SetIdentityCounters(ctx, "id-1", models.RollupCounters{TotalScans: 99}))

	rollup := NewRollupService(f.registry, zap.NewNop(), nil)
	require.NoError(t, rollup.Rebuild(ctx, "id-1", f.store))

	identity, err := f.registry.GetIdentity(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), identity.Counters.TotalScans)
	assert.Equal(t, int64(1), identity.Counters.VideoViews)

	scope, err := f.registry.GetScope(ctx, "id-1", "sc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), scope.Counters.TotalScans)
}
