package models

import (
	"testing"
	"time"
)

func TestApplyToCounters_MappedKinds(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var c RollupCounters
	if !ApplyToCounters(&c, KindScan, at) {
		t.Fatal("scan should apply")
	}
	if c.TotalScans != 1 {
		t.Fatalf("expected 1 scan, got %d", c.TotalScans)
	}
	if c.LastScanAt == nil || !c.LastScanAt.Equal(at) {
		t.Fatalf("expected last_scan_at %v, got %v", at, c.LastScanAt)
	}

	ApplyToCounters(&c, KindVideoView, at)
	ApplyToCounters(&c, KindVideoComplete, at)
	ApplyToCounters(&c, KindLinkClick, at)
	ApplyToCounters(&c, KindSocialMediaClick, at)
	ApplyToCounters(&c, KindDocumentView, at)
	ApplyToCounters(&c, KindDocumentDownload, at)
	ApplyToCounters(&c, KindARExperienceStart, at)

	if c.VideoViews != 1 || c.VideoCompletions != 1 || c.LinkClicks != 1 ||
		c.SocialMediaClicks != 1 || c.DocumentViews != 1 || c.DocumentDownloads != 1 ||
		c.ARExperienceStarts != 1 {
		t.Fatalf("unexpected counters: %+v", c)
	}
	if c.LastVideoViewAt == nil || c.LastARExperienceStartAt == nil {
		t.Fatal("expected last-seen timestamps set")
	}
	// videoComplete has no last-seen field and must not disturb others.
	if !c.LastScanAt.Equal(at) {
		t.Fatal("last_scan_at must be untouched by other kinds")
	}
}

func TestApplyToCounters_UnmappedKinds(t *testing.T) {
	at := time.Now().UTC()
	for _, kind := range []Kind{KindPageView, KindPageViewDuration, KindVideoProgressMilestone, KindARExperienceError} {
		var c RollupCounters
		if ApplyToCounters(&c, kind, at) {
			t.Fatalf("kind %s must not feed a counter", kind)
		}
		if c != (RollupCounters{}) {
			t.Fatalf("kind %s mutated counters: %+v", kind, c)
		}
	}
}

func TestCounterForKind(t *testing.T) {
	m, ok := CounterForKind(KindScan)
	if !ok || m.Counter != CounterTotalScans || m.Timestamp != TimestampLastScanAt {
		t.Fatalf("unexpected mapping for scan: %+v", m)
	}
	if _, ok := CounterForKind(KindPageView); ok {
		t.Fatal("pageView must not map to a counter")
	}
	m, ok = CounterForKind(KindVideoComplete)
	if !ok || m.Timestamp != "" {
		t.Fatalf("videoComplete must map without a timestamp: %+v", m)
	}
}
