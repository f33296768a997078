package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/qrvio/engage/internal/models"
)

// ClickHouseEventStore implements EventStore on ClickHouse. The events table
// is the system of record: append-only, partitioned by month, expired by a
// table TTL.
type ClickHouseEventStore struct {
	conn  driver.Conn
	table string
}

// NewClickHouseEventStore creates a ClickHouse-backed event store.
func NewClickHouseEventStore(conn driver.Conn) *ClickHouseEventStore {
	return &ClickHouseEventStore{conn: conn, table: "events"}
}

// Migrate creates the events table. retentionDays drives the TTL expiry;
// zero disables it.
func (s *ClickHouseEventStore) Migrate(ctx context.Context, retentionDays int) error {
	ttl := ""
	if retentionDays > 0 {
		ttl = fmt.Sprintf("TTL toDateTime(occurred_at) + INTERVAL %d DAY", retentionDays)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                 String,
			identity_id        LowCardinality(String),
			scope_id           LowCardinality(String),
			kind               LowCardinality(String),
			session_id         String,
			occurred_at        DateTime64(3, 'UTC'),

			latitude           Nullable(Float64),
			longitude          Nullable(Float64),
			village            String,
			city               String,
			state              String,
			country            String,

			video_progress     Nullable(Float64),
			video_duration     Nullable(Float64),
			milestone          Nullable(Int32),
			video_id           String,
			video_index        Nullable(Int32),
			video_url          String,

			link_type          String,
			link_url           String,
			page_url           String,
			document_url       String,

			time_spent_seconds Nullable(Float64),

			device_type        String,
			browser            String,
			os                 String,

			referrer           String,
			user_agent         String,
			ip                 String,
			extra              String
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(occurred_at)
		ORDER BY (identity_id, scope_id, kind, occurred_at)
		%s
	`, s.table, ttl)

	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

// Append inserts one event row. Ids are assigned at write time so the same
// accepted event is never inserted twice; duplicate client fires are
// suppressed upstream by the dedup guard.
func (s *ClickHouseEventStore) Append(ctx context.Context, e *models.Event) error {
	extra := ""
	if len(e.Payload.Extra) > 0 {
		if b, err := json.Marshal(e.Payload.Extra); err == nil {
			extra = string(b)
		}
	}

	err := s.conn.Exec(ctx, `
		INSERT INTO `+s.table+` (
			id, identity_id, scope_id, kind, session_id, occurred_at,
			latitude, longitude, village, city, state, country,
			video_progress, video_duration, milestone, video_id, video_index, video_url,
			link_type, link_url, page_url, document_url,
			time_spent_seconds, device_type, browser, os,
			referrer, user_agent, ip, extra
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IdentityID, e.ScopeID, string(e.Kind), e.SessionID, e.OccurredAt.UTC(),
		e.Payload.Latitude, e.Payload.Longitude, e.Payload.Village, e.Payload.City, e.Payload.State, e.Payload.Country,
		e.Payload.VideoProgress, e.Payload.VideoDuration, intPtrTo32(e.Payload.Milestone), e.Payload.VideoID, intPtrTo32(e.Payload.VideoIndex), e.Payload.VideoURL,
		e.Payload.LinkType, e.Payload.LinkURL, e.Payload.PageURL, e.Payload.DocumentURL,
		e.Payload.TimeSpentSeconds, e.Payload.DeviceType, e.Payload.Browser, e.Payload.OS,
		e.Payload.Referrer, e.Payload.UserAgent, e.Payload.IP, extra,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func intPtrTo32(v *int) *int32 {
	if v == nil {
		return nil
	}
	i := int32(*v)
	return &i
}

// =============================================
// Aggregations
// =============================================

// whereClause builds the filter conditions shared by every aggregation.
func (s *ClickHouseEventStore) whereClause(f EventFilter) (string, []interface{}) {
	conds := make([]string, 0, 5)
	args := make([]interface{}, 0, 5)

	if f.IdentityID != "" {
		conds = append(conds, "identity_id = ?")
		args = append(args, f.IdentityID)
	}
	if f.ScopeID != "" {
		conds = append(conds, "scope_id = ?")
		args = append(args, f.ScopeID)
	}
	if !f.Start.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, f.Start.UTC())
	}
	if !f.End.IsZero() {
		conds = append(conds, "occurred_at < ?")
		args = append(args, f.End.UTC())
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			kinds = append(kinds, string(k))
		}
		conds = append(conds, "kind IN (?)")
		args = append(args, kinds)
	}

	if len(conds) == 0 {
		return "1 = 1", args
	}
	return strings.Join(conds, " AND "), args
}

func (s *ClickHouseEventStore) CountByKind(ctx context.Context, f EventFilter) (map[models.Kind]int64, error) {
	where, args := s.whereClause(f)

	rows, err := s.conn.Query(ctx, `
		SELECT kind, count() AS cnt
		FROM `+s.table+`
		WHERE `+where+`
		GROUP BY kind`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Kind]int64)
	for rows.Next() {
		var kind string
		var cnt uint64
		if err := rows.Scan(&kind, &cnt); err != nil {
			return nil, err
		}
		counts[models.Kind(kind)] = int64(cnt)
	}
	return counts, rows.Err()
}

func (s *ClickHouseEventStore) CountByTimeBucket(ctx context.Context, f EventFilter, g Granularity) ([]BucketCount, error) {
	bucketExpr := "toStartOfDay(occurred_at)"
	if g == GranularityHour {
		bucketExpr = "toStartOfHour(occurred_at)"
	}
	where, args := s.whereClause(f)

	// ORDER BY the DateTime value keeps buckets chronological across month
	// and year boundaries.
	rows, err := s.conn.Query(ctx, `
		SELECT `+bucketExpr+` AS bucket, kind, count() AS cnt
		FROM `+s.table+`
		WHERE `+where+`
		GROUP BY bucket, kind
		ORDER BY bucket ASC, kind ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count by time bucket: %w", err)
	}
	defer rows.Close()

	var result []BucketCount
	for rows.Next() {
		var bucket time.Time
		var kind string
		var cnt uint64
		if err := rows.Scan(&bucket, &kind, &cnt); err != nil {
			return nil, err
		}
		result = append(result, BucketCount{Bucket: bucket.UTC(), Kind: models.Kind(kind), Count: int64(cnt)})
	}
	return result, rows.Err()
}

var breakdownColumns = map[BreakdownField]string{
	FieldCountry:    "country",
	FieldState:      "state",
	FieldCity:       "city",
	FieldDeviceType: "device_type",
	FieldBrowser:    "browser",
	FieldOS:         "os",
}

func (s *ClickHouseEventStore) CountByField(ctx context.Context, f EventFilter, field BreakdownField, limit int) ([]FieldCount, error) {
	col, ok := breakdownColumns[field]
	if !ok {
		return nil, fmt.Errorf("unknown breakdown field: %s", field)
	}
	if limit <= 0 {
		limit = 10
	}
	where, args := s.whereClause(f)

	rows, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT %s AS value, count() AS cnt
		FROM %s
		WHERE %s AND %s != ''
		GROUP BY value
		ORDER BY cnt DESC, value ASC
		LIMIT %d`, col, s.table, where, col, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count by %s: %w", field, err)
	}
	defer rows.Close()

	var result []FieldCount
	for rows.Next() {
		var fc FieldCount
		var cnt uint64
		if err := rows.Scan(&fc.Value, &cnt); err != nil {
			return nil, err
		}
		fc.Count = int64(cnt)
		result = append(result, fc)
	}
	return result, rows.Err()
}

func (s *ClickHouseEventStore) TopScopes(ctx context.Context, f EventFilter, weights map[models.Kind]int64, limit int) ([]ScopeScore, error) {
	if limit <= 0 {
		limit = 10
	}
	where, args := s.whereClause(f)

	// Per-kind counts come from ClickHouse; the weighting is applied here so
	// the weight table stays in one place for both store implementations.
	rows, err := s.conn.Query(ctx, `
		SELECT identity_id, scope_id, kind, count() AS cnt
		FROM `+s.table+`
		WHERE `+where+`
		GROUP BY identity_id, scope_id, kind`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank scopes: %w", err)
	}
	defer rows.Close()

	type key struct{ identityID, scopeID string }
	scores := make(map[key]int64)
	for rows.Next() {
		var identityID, scopeID, kind string
		var cnt uint64
		if err := rows.Scan(&identityID, &scopeID, &kind, &cnt); err != nil {
			return nil, err
		}
		w := int64(1)
		if weights != nil {
			var ok bool
			if w, ok = weights[models.Kind(kind)]; !ok {
				continue
			}
		}
		scores[key{identityID, scopeID}] += w * int64(cnt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]ScopeScore, 0, len(scores))
	for k, score := range scores {
		result = append(result, ScopeScore{IdentityID: k.identityID, ScopeID: k.scopeID, Score: score})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		if result[i].IdentityID != result[j].IdentityID {
			return result[i].IdentityID < result[j].IdentityID
		}
		return result[i].ScopeID < result[j].ScopeID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *ClickHouseEventStore) VideoStats(ctx context.Context, f EventFilter) (VideoAgg, error) {
	where, args := s.whereClause(f)

	// duration <= 0 contributes a rate of 0, never NaN or Inf.
	row := s.conn.QueryRow(ctx, `
		SELECT
			count() AS total,
			countIf(rate >= 90) AS completed,
			sum(rate) AS rate_sum
		FROM (
			SELECT if(video_duration > 0, video_progress / video_duration * 100, 0) AS rate
			FROM `+s.table+`
			WHERE `+where+`
			  AND video_progress IS NOT NULL
			  AND video_duration IS NOT NULL
		)`, args...)

	var total, completed uint64
	var rateSum float64
	if err := row.Scan(&total, &completed, &rateSum); err != nil {
		return VideoAgg{}, fmt.Errorf("failed to aggregate video stats: %w", err)
	}
	return VideoAgg{TotalViews: int64(total), CompletedViews: int64(completed), RateSum: rateSum}, nil
}

func (s *ClickHouseEventStore) SessionStats(ctx context.Context, f EventFilter) (SessionAgg, error) {
	where, args := s.whereClause(f)

	row := s.conn.QueryRow(ctx, `
		SELECT
			count() AS sessions,
			sum(cnt) AS total_events,
			sum(dur) AS total_duration,
			countIf(cnt = 1) AS bounced
		FROM (
			SELECT
				session_id,
				count() AS cnt,
				toFloat64(dateDiff('second', min(occurred_at), max(occurred_at))) AS dur
			FROM `+s.table+`
			WHERE `+where+` AND session_id != ''
			GROUP BY session_id
		)`, args...)

	var sessions, totalEvents, bounced uint64
	var totalDuration float64
	if err := row.Scan(&sessions, &totalEvents, &totalDuration, &bounced); err != nil {
		return SessionAgg{}, fmt.Errorf("failed to aggregate session stats: %w", err)
	}
	return SessionAgg{
		Sessions:        int64(sessions),
		TotalEvents:     int64(totalEvents),
		TotalDuration:   totalDuration,
		BouncedSessions: int64(bounced),
	}, nil
}

// CleanupBefore issues an async delete mutation. The table TTL handles
// routine retention; this exists for manual horizon moves. ClickHouse does
// not report affected rows for mutations, so the count is always 0.
func (s *ClickHouseEventStore) CleanupBefore(ctx context.Context, before time.Time) (int64, error) {
	err := s.conn.Exec(ctx,
		"ALTER TABLE "+s.table+" DELETE WHERE occurred_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire events: %w", err)
	}
	return 0, nil
}
