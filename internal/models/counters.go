package models

import (
	"time"
)

// ===========================================
// ROLLUP COUNTERS
// ===========================================

// RollupCounters are denormalized running totals kept alongside the raw
// event log for fast dashboard reads. The event log is authoritative;
// counters tolerate transient drift and can be rebuilt by replay.
type RollupCounters struct {
	TotalScans         int64 `json:"total_scans"`
	VideoViews         int64 `json:"video_views"`
	VideoCompletions   int64 `json:"video_completions"`
	LinkClicks         int64 `json:"link_clicks"`
	SocialMediaClicks  int64 `json:"social_media_clicks"`
	DocumentViews      int64 `json:"document_views"`
	DocumentDownloads  int64 `json:"document_downloads"`
	ARExperienceStarts int64 `json:"ar_experience_starts"`

	LastScanAt              *time.Time `json:"last_scan_at,omitempty"`
	LastVideoViewAt         *time.Time `json:"last_video_view_at,omitempty"`
	LastARExperienceStartAt *time.Time `json:"last_ar_experience_start_at,omitempty"`
}

// CounterField names a RollupCounters counter. The values double as the
// SQL column names of the Postgres registry tables.
type CounterField string

const (
	CounterTotalScans         CounterField = "total_scans"
	CounterVideoViews         CounterField = "video_views"
	CounterVideoCompletions   CounterField = "video_completions"
	CounterLinkClicks         CounterField = "link_clicks"
	CounterSocialMediaClicks  CounterField = "social_media_clicks"
	CounterDocumentViews      CounterField = "document_views"
	CounterDocumentDownloads  CounterField = "document_downloads"
	CounterARExperienceStarts CounterField = "ar_experience_starts"
)

// TimestampField names a RollupCounters last-occurrence timestamp.
type TimestampField string

const (
	TimestampLastScanAt              TimestampField = "last_scan_at"
	TimestampLastVideoViewAt         TimestampField = "last_video_view_at"
	TimestampLastARExperienceStartAt TimestampField = "last_ar_experience_start_at"
)

// CounterMapping declares which counter and last-occurrence timestamp an
// event kind feeds. Kinds absent from the table (pageView, pageViewDuration,
// videoProgressMilestone, arExperienceError) are logged but increment
// nothing.
type CounterMapping struct {
	Counter   CounterField
	Timestamp TimestampField // empty when the kind has no last-seen field
}

var kindCounters = map[Kind]CounterMapping{
	KindScan:              {Counter: CounterTotalScans, Timestamp: TimestampLastScanAt},
	KindVideoView:         {Counter: CounterVideoViews, Timestamp: TimestampLastVideoViewAt},
	KindVideoComplete:     {Counter: CounterVideoCompletions},
	KindLinkClick:         {Counter: CounterLinkClicks},
	KindSocialMediaClick:  {Counter: CounterSocialMediaClicks},
	KindDocumentView:      {Counter: CounterDocumentViews},
	KindDocumentDownload:  {Counter: CounterDocumentDownloads},
	KindARExperienceStart: {Counter: CounterARExperienceStarts, Timestamp: TimestampLastARExperienceStartAt},
}

// CounterForKind returns the counter mapping for kind, or ok=false when the
// kind feeds no counter.
func CounterForKind(kind Kind) (CounterMapping, bool) {
	m, ok := kindCounters[kind]
	return m, ok
}

// ApplyToCounters increments the counter mapped from kind on c and updates
// the matching last-occurrence timestamp. Used by the in-memory registry
// and the replay rebuild path; the Postgres registry issues the equivalent
// atomic UPDATE instead.
func ApplyToCounters(c *RollupCounters, kind Kind, at time.Time) bool {
	m, ok := kindCounters[kind]
	if !ok {
		return false
	}

	switch m.Counter {
	case CounterTotalScans:
		c.TotalScans++
	case CounterVideoViews:
		c.VideoViews++
	case CounterVideoCompletions:
		c.VideoCompletions++
	case CounterLinkClicks:
		c.LinkClicks++
	case CounterSocialMediaClicks:
		c.SocialMediaClicks++
	case CounterDocumentViews:
		c.DocumentViews++
	case CounterDocumentDownloads:
		c.DocumentDownloads++
	case CounterARExperienceStarts:
		c.ARExperienceStarts++
	}

	ts := at
	switch m.Timestamp {
	case TimestampLastScanAt:
		c.LastScanAt = &ts
	case TimestampLastVideoViewAt:
		c.LastVideoViewAt = &ts
	case TimestampLastARExperienceStartAt:
		c.LastARExperienceStartAt = &ts
	}

	return true
}

// ===========================================
// IDENTITY / SCOPE REGISTRY
// ===========================================

// Identity is the account that owns events and global rollup counters.
type Identity struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Counters  RollupCounters `json:"counters"`
	CreatedAt time.Time      `json:"created_at"`
}

// Scope is an optional campaign/project sub-grouping under an identity,
// carrying its own rollup counters.
type Scope struct {
	ID         string         `json:"id"`
	IdentityID string         `json:"identity_id"`
	Name       string         `json:"name,omitempty"`
	Counters   RollupCounters `json:"counters"`
	CreatedAt  time.Time      `json:"created_at"`
}
