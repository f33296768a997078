package storage

import (
	"context"
	"time"

	"github.com/qrvio/engage/internal/models"
)

// =============================================
// EVENT LOG
// =============================================

// Granularity selects the time bucket size for breakdowns.
type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityHour Granularity = "hour"
)

// BreakdownField names a payload field events can be grouped by.
type BreakdownField string

const (
	FieldCountry    BreakdownField = "country"
	FieldState      BreakdownField = "state"
	FieldCity       BreakdownField = "city"
	FieldDeviceType BreakdownField = "device_type"
	FieldBrowser    BreakdownField = "browser"
	FieldOS         BreakdownField = "os"
)

// EventFilter restricts an aggregation to a slice of the event log.
type EventFilter struct {
	IdentityID string
	ScopeID    string // empty matches any scope, including unscoped
	Kinds      []models.Kind
	Start      time.Time
	End        time.Time
}

// Matches reports whether e falls inside the filter.
func (f EventFilter) Matches(e *models.Event) bool {
	if f.IdentityID != "" && e.IdentityID != f.IdentityID {
		return false
	}
	if f.ScopeID != "" && e.ScopeID != f.ScopeID {
		return false
	}
	if !f.Start.IsZero() && e.OccurredAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !e.OccurredAt.Before(f.End) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// BucketCount is one (time bucket, kind) count.
type BucketCount struct {
	Bucket time.Time   `json:"bucket"`
	Kind   models.Kind `json:"kind"`
	Count  int64       `json:"count"`
}

// FieldCount is one grouped payload-field value with its count.
type FieldCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// ScopeScore is one top-N ranking row.
type ScopeScore struct {
	IdentityID string `json:"identity_id"`
	ScopeID    string `json:"scope_id,omitempty"`
	Score      int64  `json:"score"`
}

// VideoAgg holds raw video completion aggregates. Events with
// duration <= 0 contribute a completion rate of 0.
type VideoAgg struct {
	TotalViews     int64   // events carrying both progress and duration
	CompletedViews int64   // per-event rate >= 90
	RateSum        float64 // sum of per-event completion rates
}

// SessionAgg holds raw session aggregates derived from sessionId grouping.
type SessionAgg struct {
	Sessions        int64
	TotalDuration   float64 // seconds, sum of per-session max-min spans
	TotalEvents     int64
	BouncedSessions int64 // sessions with exactly one event
}

// EventStore is the append-only event log plus the read-only aggregations
// the query engine needs. No update or delete is exposed; only
// retention-driven expiry removes rows.
type EventStore interface {
	// Append durably stores an event. Appends are idempotent by event id.
	Append(ctx context.Context, e *models.Event) error

	// Aggregations. All are read-only and side-effect free.
	CountByKind(ctx context.Context, f EventFilter) (map[models.Kind]int64, error)
	CountByTimeBucket(ctx context.Context, f EventFilter, g Granularity) ([]BucketCount, error)
	CountByField(ctx context.Context, f EventFilter, field BreakdownField, limit int) ([]FieldCount, error)
	TopScopes(ctx context.Context, f EventFilter, weights map[models.Kind]int64, limit int) ([]ScopeScore, error)
	VideoStats(ctx context.Context, f EventFilter) (VideoAgg, error)
	SessionStats(ctx context.Context, f EventFilter) (SessionAgg, error)

	// CleanupBefore expires events older than the retention horizon.
	CleanupBefore(ctx context.Context, before time.Time) (int64, error)
}

// =============================================
// IDENTITY / SCOPE REGISTRY
// =============================================

// Registry resolves identities and scopes and maintains their embedded
// rollup counters. Counter increments must be atomic at the storage layer;
// the global and scoped increments are independent operations, never a
// cross-record transaction.
type Registry interface {
	GetIdentity(ctx context.Context, id string) (*models.Identity, error)
	UpsertIdentity(ctx context.Context, identity *models.Identity) error

	GetScope(ctx context.Context, identityID, scopeID string) (*models.Scope, error)
	UpsertScope(ctx context.Context, scope *models.Scope) error
	ListScopes(ctx context.Context, identityID string) ([]*models.Scope, error)

	// Atomic counter increments keyed by event kind. Kinds with no mapped
	// counter are no-ops.
	IncrementIdentityCounters(ctx context.Context, identityID string, kind models.Kind, at time.Time) error
	IncrementScopeCounters(ctx context.Context, identityID, scopeID string, kind models.Kind, at time.Time) error

	// Full counter writes, used only by the replay rebuild path.
	SetIdentityCounters(ctx context.Context, identityID string, c models.RollupCounters) error
	SetScopeCounters(ctx context.Context, identityID, scopeID string, c models.RollupCounters) error
}
