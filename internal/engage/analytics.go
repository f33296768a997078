package engage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qrvio/engage/internal/metrics"
	"github.com/qrvio/engage/internal/models"
	"github.com/qrvio/engage/internal/storage"
)

// Query defaults and bounds.
const (
	DefaultPeriodDays = 30
	MaxPeriodDays     = 365
	DefaultTopLimit   = 10
	MinBreakdownLimit = 10
	MaxBreakdownLimit = 20
)

// DefaultEngagementWeights score event kinds for top-N ranking. Heavier
// weights mark deeper engagement.
var DefaultEngagementWeights = map[models.Kind]int64{
	models.KindScan:              1,
	models.KindPageView:          1,
	models.KindVideoView:         2,
	models.KindDocumentView:      2,
	models.KindVideoComplete:     3,
	models.KindLinkClick:         3,
	models.KindSocialMediaClick:  3,
	models.KindDocumentDownload:  3,
	models.KindARExperienceStart: 4,
}

// Window is the resolved reporting period. Every query result embeds it so
// consumers see the exact range that was aggregated.
type Window struct {
	Days      int       `json:"days"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// ResolvePeriod parses a period string like "7d", "30d", "90d" into a
// window ending now. Unparseable or out-of-range values fall back to the
// default rather than erroring, matching how dashboards are actually used.
func ResolvePeriod(period string, now time.Time) Window {
	days := DefaultPeriodDays
	if s, ok := strings.CutSuffix(period, "d"); ok && s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			days = n
		}
	}
	if days > MaxPeriodDays {
		days = MaxPeriodDays
	}

	end := now.UTC()
	return Window{
		Days:      days,
		StartDate: end.AddDate(0, 0, -days),
		EndDate:   end,
	}
}

// AnalyticsService answers the read-side aggregation queries. Results are
// cached with a short TTL and invalidated per identity on ingest.
type AnalyticsService struct {
	store    storage.EventStore
	registry storage.Registry
	cache    QueryCache
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cacheTTL time.Duration

	now func() time.Time
}

// NewAnalyticsService wires the read path.
func NewAnalyticsService(
	store storage.EventStore,
	registry storage.Registry,
	cache QueryCache,
	logger *zap.Logger,
	m *metrics.Metrics,
	cacheTTL time.Duration,
) *AnalyticsService {
	return &AnalyticsService{
		store:    store,
		registry: registry,
		cache:    cache,
		logger:   logger,
		metrics:  m,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// =============================================
// RESULT SHAPES
// =============================================

// TimeSeriesResult is the bucketed event counts for a window.
type TimeSeriesResult struct {
	Window      Window                `json:"window"`
	Granularity storage.Granularity   `json:"granularity"`
	Buckets     []storage.BucketCount `json:"buckets"`
}

// FunnelResult is the scan -> video -> link -> AR conversion funnel. Every
// rate with a zero denominator reports 0, never NaN or an error.
type FunnelResult struct {
	Window Window `json:"window"`

	Scans      int64 `json:"scans"`
	VideoViews int64 `json:"video_views"`
	LinkClicks int64 `json:"link_clicks"`
	ARStarts   int64 `json:"ar_starts"`

	ScanToVideoRate       float64 `json:"scan_to_video_rate"`
	VideoToLinkRate       float64 `json:"video_to_link_rate"`
	LinkToARRate          float64 `json:"link_to_ar_rate"`
	OverallConversionRate float64 `json:"overall_conversion_rate"`
}

// TopResult ranks scopes by weighted engagement score.
type TopResult struct {
	Window Window               `json:"window"`
	Limit  int                  `json:"limit"`
	Scopes []storage.ScopeScore `json:"scopes"`
}

// BreakdownResult groups event counts by a payload field.
type BreakdownResult struct {
	Window Window                 `json:"window"`
	Field  storage.BreakdownField `json:"field"`
	Items  []storage.FieldCount   `json:"items"`
}

// VideoResult summarizes video engagement for a window.
type VideoResult struct {
	Window Window `json:"window"`

	TotalViews        int64   `json:"total_views"`
	CompletedViews    int64   `json:"completed_views"`
	CompletionRate    float64 `json:"completion_rate"`     // completed / total * 100
	AvgCompletionRate float64 `json:"avg_completion_rate"` // mean per-event rate
}

// SessionsResult summarizes session behavior for a window.
type SessionsResult struct {
	Window Window `json:"window"`

	Sessions            int64   `json:"sessions"`
	TotalEvents         int64   `json:"total_events"`
	AvgDurationSeconds  float64 `json:"avg_duration_seconds"`
	AvgEventsPerSession float64 `json:"avg_events_per_session"`
	BounceRate          float64 `json:"bounce_rate"` // single-event sessions, percent
}

// OverviewResult is the counter snapshot for an identity and its scopes,
// served straight from the registry rollups without touching the event log.
type OverviewResult struct {
	Identity *models.Identity `json:"identity"`
	Scopes   []*models.Scope  `json:"scopes"`
}

// =============================================
// QUERIES
// =============================================

// TimeSeries returns per-bucket event counts, optionally restricted to a
// scope and a set of kinds. Buckets come back in chronological order.
func (s *AnalyticsService) TimeSeries(ctx context.Context, identityID, scopeID, period string, granularity storage.Granularity, kinds []models.Kind) (*TimeSeriesResult, error) {
	if granularity != storage.GranularityHour {
		granularity = storage.GranularityDay
	}
	w := ResolvePeriod(period, s.now())

	key := cacheKey(identityID, "timeseries", scopeID, strconv.Itoa(w.Days), string(granularity), kindsKey(kinds))
	return getOrCompute(ctx, s, "timeseries", key, func() (*TimeSeriesResult, error) {
		buckets, err := s.store.CountByTimeBucket(ctx, s.filter(identityID, scopeID, w, kinds), granularity)
		if err != nil {
			return nil, fmt.Errorf("count by time bucket: %w", err)
		}
		return &TimeSeriesResult{Window: w, Granularity: granularity, Buckets: buckets}, nil
	})
}

// Funnel returns the conversion funnel for a window.
func (s *AnalyticsService) Funnel(ctx context.Context, identityID, scopeID, period string) (*FunnelResult, error) {
	w := ResolvePeriod(period, s.now())

	key := cacheKey(identityID, "funnel", scopeID, strconv.Itoa(w.Days))
	return getOrCompute(ctx, s, "funnel", key, func() (*FunnelResult, error) {
		counts, err := s.store.CountByKind(ctx, s.filter(identityID, scopeID, w, []models.Kind{
			models.KindScan, models.KindVideoView, models.KindLinkClick, models.KindARExperienceStart,
		}))
		if err != nil {
			return nil, fmt.Errorf("count by kind: %w", err)
		}

		r := &FunnelResult{
			Window:     w,
			Scans:      counts[models.KindScan],
			VideoViews: counts[models.KindVideoView],
			LinkClicks: counts[models.KindLinkClick],
			ARStarts:   counts[models.KindARExperienceStart],
		}
		r.ScanToVideoRate = ratio(r.VideoViews, r.Scans)
		r.VideoToLinkRate = ratio(r.LinkClicks, r.VideoViews)
		r.LinkToARRate = ratio(r.ARStarts, r.LinkClicks)
		r.OverallConversionRate = ratio(r.VideoViews+r.LinkClicks+r.ARStarts, r.Scans)
		return r, nil
	})
}

// Top ranks the identity's scopes by weighted engagement score. Ties break
// deterministically on the scope key.
func (s *AnalyticsService) Top(ctx context.Context, identityID, period string, limit int) (*TopResult, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	w := ResolvePeriod(period, s.now())

	key := cacheKey(identityID, "top", strconv.Itoa(w.Days), strconv.Itoa(limit))
	return getOrCompute(ctx, s, "top", key, func() (*TopResult, error) {
		scores, err := s.store.TopScopes(ctx, s.filter(identityID, "", w, nil), DefaultEngagementWeights, limit)
		if err != nil {
			return nil, fmt.Errorf("top scopes: %w", err)
		}
		return &TopResult{Window: w, Limit: limit, Scopes: scores}, nil
	})
}

// geoFields are the breakdown fields GeoBreakdown accepts.
var geoFields = map[storage.BreakdownField]struct{}{
	storage.FieldCountry: {},
	storage.FieldState:   {},
	storage.FieldCity:    {},
}

// deviceFields are the breakdown fields DeviceBreakdown accepts.
var deviceFields = map[storage.BreakdownField]struct{}{
	storage.FieldDeviceType: {},
	storage.FieldBrowser:    {},
	storage.FieldOS:         {},
}

// GeoBreakdown groups events by a geographic payload field.
func (s *AnalyticsService) GeoBreakdown(ctx context.Context, identityID, scopeID, period string, field storage.BreakdownField, limit int) (*BreakdownResult, error) {
	if _, ok := geoFields[field]; !ok {
		field = storage.FieldCountry
	}
	return s.breakdown(ctx, identityID, scopeID, period, field, limit)
}

// DeviceBreakdown groups events by a device payload field.
func (s *AnalyticsService) DeviceBreakdown(ctx context.Context, identityID, scopeID, period string, field storage.BreakdownField, limit int) (*BreakdownResult, error) {
	if _, ok := deviceFields[field]; !ok {
		field = storage.FieldDeviceType
	}
	return s.breakdown(ctx, identityID, scopeID, period, field, limit)
}

func (s *AnalyticsService) breakdown(ctx context.Context, identityID, scopeID, period string, field storage.BreakdownField, limit int) (*BreakdownResult, error) {
	if limit < MinBreakdownLimit {
		limit = MinBreakdownLimit
	}
	if limit > MaxBreakdownLimit {
		limit = MaxBreakdownLimit
	}
	w := ResolvePeriod(period, s.now())

	key := cacheKey(identityID, "breakdown", scopeID, strconv.Itoa(w.Days), string(field), strconv.Itoa(limit))
	return getOrCompute(ctx, s, "breakdown", key, func() (*BreakdownResult, error) {
		items, err := s.store.CountByField(ctx, s.filter(identityID, scopeID, w, nil), field, limit)
		if err != nil {
			return nil, fmt.Errorf("count by field: %w", err)
		}
		return &BreakdownResult{Window: w, Field: field, Items: items}, nil
	})
}

// Video summarizes video completion behavior for a window.
func (s *AnalyticsService) Video(ctx context.Context, identityID, scopeID, period string) (*VideoResult, error) {
	w := ResolvePeriod(period, s.now())

	key := cacheKey(identityID, "video", scopeID, strconv.Itoa(w.Days))
	return getOrCompute(ctx, s, "video", key, func() (*VideoResult, error) {
		agg, err := s.store.VideoStats(ctx, s.filter(identityID, scopeID, w, nil))
		if err != nil {
			return nil, fmt.Errorf("video stats: %w", err)
		}

		r := &VideoResult{
			Window:         w,
			TotalViews:     agg.TotalViews,
			CompletedViews: agg.CompletedViews,
		}
		if agg.TotalViews > 0 {
			r.CompletionRate = float64(agg.CompletedViews) / float64(agg.TotalViews) * 100
			r.AvgCompletionRate = agg.RateSum / float64(agg.TotalViews)
		}
		return r, nil
	})
}

// Sessions summarizes session behavior for a window.
func (s *AnalyticsService) Sessions(ctx context.Context, identityID, scopeID, period string) (*SessionsResult, error) {
	w := ResolvePeriod(period, s.now())

	key := cacheKey(identityID, "sessions", scopeID, strconv.Itoa(w.Days))
	return getOrCompute(ctx, s, "sessions", key, func() (*SessionsResult, error) {
		agg, err := s.store.SessionStats(ctx, s.filter(identityID, scopeID, w, nil))
		if err != nil {
			return nil, fmt.Errorf("session stats: %w", err)
		}

		r := &SessionsResult{
			Window:      w,
			Sessions:    agg.Sessions,
			TotalEvents: agg.TotalEvents,
		}
		if agg.Sessions > 0 {
			r.AvgDurationSeconds = agg.TotalDuration / float64(agg.Sessions)
			r.AvgEventsPerSession = float64(agg.TotalEvents) / float64(agg.Sessions)
			r.BounceRate = float64(agg.BouncedSessions) / float64(agg.Sessions) * 100
		}
		return r, nil
	})
}

// Overview returns the identity's rollup counters and those of its scopes.
// It reads only the registry, so it stays fast regardless of log size.
func (s *AnalyticsService) Overview(ctx context.Context, identityID string) (*OverviewResult, error) {
	identity, err := s.registry.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	scopes, err := s.registry.ListScopes(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return &OverviewResult{Identity: identity, Scopes: scopes}, nil
}

// =============================================
// HELPERS
// =============================================

func (s *AnalyticsService) filter(identityID, scopeID string, w Window, kinds []models.Kind) storage.EventFilter {
	return storage.EventFilter{
		IdentityID: identityID,
		ScopeID:    scopeID,
		Kinds:      kinds,
		Start:      w.StartDate,
		End:        w.EndDate,
	}
}

// ratio returns part/whole as a percentage, 0 when whole is 0.
func ratio(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func kindsKey(kinds []models.Kind) string {
	if len(kinds) == 0 {
		return "all"
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

// getOrCompute serves a query through the result cache: JSON round-trips
// cached bytes on hit, runs compute and stores the result on miss. Cache
// failures fall through to compute.
func getOrCompute[T any](ctx context.Context, s *AnalyticsService, query, key string, compute func() (*T, error)) (*T, error) {
	start := s.now()

	if data, ok := s.cache.Get(ctx, key); ok {
		var result T
		if err := json.Unmarshal(data, &result); err == nil {
			s.metrics.RecordQuery(query, true, s.now().Sub(start))
			return &result, nil
		}
		s.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	}

	result, err := compute()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(result); err == nil {
		s.cache.Set(ctx, key, data, s.cacheTTL)
	}
	s.metrics.RecordQuery(query, false, s.now().Sub(start))
	return result, nil
}
