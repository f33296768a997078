package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrvio/engage/internal/models"
)

func fptr(v float64) *float64 { return &v }

func appendEvent(t *testing.T, s *InMemoryEventStore, e *models.Event) {
	t.Helper()
	if e.ID == "" {
		e.ID = fmt.Sprintf("ev-%d", s.Len())
	}
	require.NoError(t, s.Append(context.Background(), e))
}

func TestAppend_IdempotentByID(t *testing.T) {
	s := NewInMemoryEventStore()
	e := &models.Event{ID: "dup", IdentityID: "id", Kind: models.KindScan, OccurredAt: time.Now()}

	require.NoError(t, s.Append(context.Background(), e))
	require.NoError(t, s.Append(context.Background(), e))
	assert.Equal(t, 1, s.Len())
}

func TestCountByKind_FilterSemantics(t *testing.T) {
	s := NewInMemoryEventStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	appendEvent(t, s, &models.Event{IdentityID: "a", ScopeID: "s1", Kind: models.KindScan, OccurredAt: base})
	appendEvent(t, s, &models.Event{IdentityID: "a", ScopeID: "s2", Kind: models.KindScan, OccurredAt: base.Add(time.Hour)})
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindVideoView, OccurredAt: base})
	appendEvent(t, s, &models.Event{IdentityID: "b", Kind: models.KindScan, OccurredAt: base})

	counts, err := s.CountByKind(context.Background(), EventFilter{IdentityID: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.KindScan])
	assert.Equal(t, int64(1), counts[models.KindVideoView])

	// Scope filter narrows, empty scope matches all scopes.
	counts, err = s.CountByKind(context.Background(), EventFilter{IdentityID: "a", ScopeID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.KindScan])

	// End bound is exclusive.
	counts, err = s.CountByKind(context.Background(), EventFilter{
		IdentityID: "a",
		Start:      base,
		End:        base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.KindScan])
}

func TestCountByTimeBucket_DayBucketsChronological(t *testing.T) {
	s := NewInMemoryEventStore()

	// Spanning a month boundary: lexicographic ordering of formatted dates
	// would also pass here, so include a year boundary too.
	times := []time.Time{
		time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC),
		time.Date(2025, 11, 30, 12, 0, 0, 0, time.UTC),
	}
	for _, at := range times {
		appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: at})
	}

	buckets, err := s.CountByTimeBucket(context.Background(), EventFilter{IdentityID: "a"}, GranularityDay)
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	assert.Equal(t, time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC), buckets[0].Bucket)
	assert.Equal(t, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), buckets[1].Bucket)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), buckets[2].Bucket)
	assert.Equal(t, int64(2), buckets[2].Count)

	// Bucket counts must sum to the unbucketed total.
	var sum int64
	for _, b := range buckets {
		sum += b.Count
	}
	counts, err := s.CountByKind(context.Background(), EventFilter{IdentityID: "a"})
	require.NoError(t, err)
	assert.Equal(t, counts[models.KindScan], sum)
}

func TestCountByTimeBucket_HourGranularity(t *testing.T) {
	s := NewInMemoryEventStore()
	base := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)

	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: base})
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: base.Add(20 * time.Minute)})
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: base.Add(time.Hour)})

	buckets, err := s.CountByTimeBucket(context.Background(), EventFilter{IdentityID: "a"}, GranularityHour)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), buckets[0].Bucket)
	assert.Equal(t, int64(2), buckets[0].Count)
}

func TestCountByField_SkipsEmptyAndCaps(t *testing.T) {
	s := NewInMemoryEventStore()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: now,
			Payload: models.Payload{Country: "India"}})
	}
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: now,
		Payload: models.Payload{Country: "Brazil"}})
	// No country: excluded from the breakdown.
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: now})

	items, err := s.CountByField(context.Background(), EventFilter{IdentityID: "a"}, FieldCountry, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, FieldCount{Value: "India", Count: 3}, items[0])
	assert.Equal(t, FieldCount{Value: "Brazil", Count: 1}, items[1])

	items, err = s.CountByField(context.Background(), EventFilter{IdentityID: "a"}, FieldCountry, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "India", items[0].Value)
}

func TestTopScopes_WeightsAndTieBreak(t *testing.T) {
	s := NewInMemoryEventStore()
	now := time.Now().UTC()
	weights := map[models.Kind]int64{
		models.KindScan:      1,
		models.KindVideoView: 2,
	}

	// s1: 1 scan + 1 videoView = 3. s2: 3 scans = 3. s3: 1 scan = 1.
	appendEvent(t, s, &models.Event{IdentityID: "a", ScopeID: "s1", Kind: models.KindScan, OccurredAt: now})
	appendEvent(t, s, &models.Event{IdentityID: "a", ScopeID: "s1", Kind: models.KindVideoView, OccurredAt: now})
	for i := 0; i < 3; i++ {
		appendEvent(t, s, &models.Event{IdentityID: "a", ScopeID: "s2", Kind: models.KindScan, OccurredAt: now})
	}
	appendEvent(t, s, &models.Event{IdentityID: "a", ScopeID: "s3", Kind: models.KindScan, OccurredAt: now})
	// Unweighted kind contributes nothing.
	appendEvent(t, s, &models.Event{IdentityID: "a", ScopeID: "s3", Kind: models.KindPageView, OccurredAt: now})

	scores, err := s.TopScopes(context.Background(), EventFilter{IdentityID: "a"}, weights, 2)
	require.NoError(t, err)
	require.Len(t, scores, 2)

	// Tie at 3 breaks on scope id ascending.
	assert.Equal(t, ScopeScore{IdentityID: "a", ScopeID: "s1", Score: 3}, scores[0])
	assert.Equal(t, ScopeScore{IdentityID: "a", ScopeID: "s2", Score: 3}, scores[1])
}

func TestVideoStats_RatesAndGuards(t *testing.T) {
	s := NewInMemoryEventStore()
	now := time.Now().UTC()

	// 95% watched: completed.
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindVideoView, OccurredAt: now,
		Payload: models.Payload{VideoProgress: fptr(95), VideoDuration: fptr(100)}})
	// 50% watched.
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindVideoView, OccurredAt: now,
		Payload: models.Payload{VideoProgress: fptr(50), VideoDuration: fptr(100)}})
	// Zero duration contributes rate 0, still counted as a view.
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindVideoView, OccurredAt: now,
		Payload: models.Payload{VideoProgress: fptr(10), VideoDuration: fptr(0)}})
	// Missing duration: not counted at all.
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindVideoView, OccurredAt: now,
		Payload: models.Payload{VideoProgress: fptr(10)}})

	agg, err := s.VideoStats(context.Background(), EventFilter{IdentityID: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), agg.TotalViews)
	assert.Equal(t, int64(1), agg.CompletedViews)
	assert.InDelta(t, 145.0, agg.RateSum, 1e-9)
}

func TestSessionStats_DurationAndBounce(t *testing.T) {
	s := NewInMemoryEventStore()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// Session A: two events 90s apart.
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, SessionID: "A", OccurredAt: base})
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindPageView, SessionID: "A", OccurredAt: base.Add(90 * time.Second)})
	// Session B: single event, a bounce.
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, SessionID: "B", OccurredAt: base})
	// No session id: ignored.
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: base})

	agg, err := s.SessionStats(context.Background(), EventFilter{IdentityID: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Sessions)
	assert.Equal(t, int64(3), agg.TotalEvents)
	assert.Equal(t, int64(1), agg.BouncedSessions)
	assert.InDelta(t, 90.0, agg.TotalDuration, 1e-9)
}

func TestCleanupBefore(t *testing.T) {
	s := NewInMemoryEventStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: base.AddDate(0, 0, -10)})
	appendEvent(t, s, &models.Event{IdentityID: "a", Kind: models.KindScan, OccurredAt: base})

	removed, err := s.CleanupBefore(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, s.Len())
}
