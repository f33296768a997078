package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qrvio/engage/internal/models"
)

// InMemoryEventStore provides in-memory storage for events. It backs tests
// and single-node deployments without ClickHouse; the aggregation semantics
// here define what the ClickHouse store must reproduce in SQL.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events []*models.Event
	byID   map[string]struct{}
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		byID: make(map[string]struct{}),
	}
}

// Append stores an event. Re-appending an existing id is a no-op.
func (s *InMemoryEventStore) Append(ctx context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[e.ID]; exists {
		return nil
	}
	copied := *e
	s.events = append(s.events, &copied)
	s.byID[e.ID] = struct{}{}
	return nil
}

// Len returns the number of stored events.
func (s *InMemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// =============================================
// Aggregations
// =============================================

func (s *InMemoryEventStore) CountByKind(ctx context.Context, f EventFilter) (map[models.Kind]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Kind]int64)
	for _, e := range s.events {
		if f.Matches(e) {
			counts[e.Kind]++
		}
	}
	return counts, nil
}

func (s *InMemoryEventStore) CountByTimeBucket(ctx context.Context, f EventFilter, g Granularity) ([]BucketCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		bucket time.Time
		kind   models.Kind
	}
	counts := make(map[key]int64)
	for _, e := range s.events {
		if !f.Matches(e) {
			continue
		}
		counts[key{bucket: truncateBucket(e.OccurredAt, g), kind: e.Kind}]++
	}

	result := make([]BucketCount, 0, len(counts))
	for k, c := range counts {
		result = append(result, BucketCount{Bucket: k.bucket, Kind: k.kind, Count: c})
	}

	// Chronological order by the real bucket time, never its string form.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Bucket.Equal(result[j].Bucket) {
			return result[i].Bucket.Before(result[j].Bucket)
		}
		return result[i].Kind < result[j].Kind
	})
	return result, nil
}

func truncateBucket(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	if g == GranularityHour {
		return t.Truncate(time.Hour)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *InMemoryEventStore) CountByField(ctx context.Context, f EventFilter, field BreakdownField, limit int) ([]FieldCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, e := range s.events {
		if !f.Matches(e) {
			continue
		}
		v := payloadField(e, field)
		if v == "" {
			// Events missing the grouped field are excluded.
			continue
		}
		counts[v]++
	}

	result := make([]FieldCount, 0, len(counts))
	for v, c := range counts {
		result = append(result, FieldCount{Value: v, Count: c})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Value < result[j].Value
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func payloadField(e *models.Event, field BreakdownField) string {
	switch field {
	case FieldCountry:
		return e.Payload.Country
	case FieldState:
		return e.Payload.State
	case FieldCity:
		return e.Payload.City
	case FieldDeviceType:
		return e.Payload.DeviceType
	case FieldBrowser:
		return e.Payload.Browser
	case FieldOS:
		return e.Payload.OS
	}
	return ""
}

func (s *InMemoryEventStore) TopScopes(ctx context.Context, f EventFilter, weights map[models.Kind]int64, limit int) ([]ScopeScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		identityID string
		scopeID    string
	}
	scores := make(map[key]int64)
	for _, e := range s.events {
		if !f.Matches(e) {
			continue
		}
		w := int64(1)
		if weights != nil {
			var ok bool
			if w, ok = weights[e.Kind]; !ok {
				continue
			}
		}
		scores[key{identityID: e.IdentityID, scopeID: e.ScopeID}] += w
	}

	result := make([]ScopeScore, 0, len(scores))
	for k, score := range scores {
		result = append(result, ScopeScore{IdentityID: k.identityID, ScopeID: k.scopeID, Score: score})
	}
	// Descending by score; grouping key breaks ties for determinism.
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		if result[i].IdentityID != result[j].IdentityID {
			return result[i].IdentityID < result[j].IdentityID
		}
		return result[i].ScopeID < result[j].ScopeID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemoryEventStore) VideoStats(ctx context.Context, f EventFilter) (VideoAgg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agg VideoAgg
	for _, e := range s.events {
		if !f.Matches(e) {
			continue
		}
		p := e.Payload
		if p.VideoProgress == nil || p.VideoDuration == nil {
			continue
		}
		agg.TotalViews++

		// duration <= 0 contributes 0, never NaN or Inf.
		rate := 0.0
		if *p.VideoDuration > 0 {
			rate = *p.VideoProgress / *p.VideoDuration * 100
		}
		agg.RateSum += rate
		if rate >= 90 {
			agg.CompletedViews++
		}
	}
	return agg, nil
}

func (s *InMemoryEventStore) SessionStats(ctx context.Context, f EventFilter) (SessionAgg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type span struct {
		first time.Time
		last  time.Time
		count int64
	}
	sessions := make(map[string]*span)
	for _, e := range s.events {
		if !f.Matches(e) || e.SessionID == "" {
			continue
		}
		sp, ok := sessions[e.SessionID]
		if !ok {
			sessions[e.SessionID] = &span{first: e.OccurredAt, last: e.OccurredAt, count: 1}
			continue
		}
		if e.OccurredAt.Before(sp.first) {
			sp.first = e.OccurredAt
		}
		if e.OccurredAt.After(sp.last) {
			sp.last = e.OccurredAt
		}
		sp.count++
	}

	var agg SessionAgg
	for _, sp := range sessions {
		agg.Sessions++
		agg.TotalEvents += sp.count
		agg.TotalDuration += sp.last.Sub(sp.first).Seconds()
		if sp.count == 1 {
			agg.BouncedSessions++
		}
	}
	return agg, nil
}

// =============================================
// Cleanup (retention)
// =============================================

func (s *InMemoryEventStore) CleanupBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if e.OccurredAt.Before(before) {
			delete(s.byID, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}
