package models

import (
	"encoding/json"
	"math"
	"time"
)

// ===========================================
// EVENT KINDS
// ===========================================

// Kind identifies the type of an engagement event.
type Kind string

const (
	KindScan                   Kind = "scan"
	KindVideoView              Kind = "videoView"
	KindVideoComplete          Kind = "videoComplete"
	KindVideoProgressMilestone Kind = "videoProgressMilestone"
	KindLinkClick              Kind = "linkClick"
	KindSocialMediaClick       Kind = "socialMediaClick"
	KindPageView               Kind = "pageView"
	KindPageViewDuration       Kind = "pageViewDuration"
	KindDocumentView           Kind = "documentView"
	KindDocumentDownload       Kind = "documentDownload"
	KindARExperienceStart      Kind = "arExperienceStart"
	KindARExperienceError      Kind = "arExperienceError"
)

// AllKinds is the closed enumeration of accepted event kinds.
var AllKinds = []Kind{
	KindScan,
	KindVideoView,
	KindVideoComplete,
	KindVideoProgressMilestone,
	KindLinkClick,
	KindSocialMediaClick,
	KindPageView,
	KindPageViewDuration,
	KindDocumentView,
	KindDocumentDownload,
	KindARExperienceStart,
	KindARExperienceError,
}

// IsValid reports whether k is a member of the closed enumeration.
func (k Kind) IsValid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ValidMilestones are the only accepted video progress milestones.
var ValidMilestones = []int{25, 50, 75, 100}

// ===========================================
// EVENT
// ===========================================

// Event is an immutable engagement event. Events are created once by the
// ingestion path and never updated; only retention expires them.
type Event struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	ScopeID    string    `json:"scope_id,omitempty"` // empty means unscoped
	Kind       Kind      `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`

	Payload Payload `json:"payload"`
}

// Payload carries the kind-specific fields of an event. All fields are
// optional at the type level; Validate enforces which are required per kind.
type Payload struct {
	// Geo
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Village   string   `json:"village,omitempty"`
	City      string   `json:"city,omitempty"`
	State     string   `json:"state,omitempty"`
	Country   string   `json:"country,omitempty"`

	// Video
	VideoProgress *float64 `json:"video_progress,omitempty"` // seconds watched
	VideoDuration *float64 `json:"video_duration,omitempty"` // seconds
	Milestone     *int     `json:"milestone,omitempty"`      // 25/50/75/100
	VideoID       string   `json:"video_id,omitempty"`
	VideoIndex    *int     `json:"video_index,omitempty"`
	VideoURL      string   `json:"video_url,omitempty"`

	// Links
	LinkType string `json:"link_type,omitempty"`
	LinkURL  string `json:"link_url,omitempty"`

	// Pages / documents
	PageURL     string `json:"page_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`

	// Timing
	TimeSpentSeconds *float64 `json:"time_spent_seconds,omitempty"`

	// Device
	DeviceType string `json:"device_type,omitempty"`
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`

	// Request context
	Referrer  string `json:"referrer,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`

	// Extra holds unknown payload fields. They are carried through opaquely
	// so clients can evolve their schema without being rejected.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// payloadAlias avoids recursion in UnmarshalJSON.
type payloadAlias Payload

// knownPayloadFields are the JSON keys mapped to typed Payload fields.
var knownPayloadFields = map[string]struct{}{
	"latitude": {}, "longitude": {}, "village": {}, "city": {}, "state": {}, "country": {},
	"video_progress": {}, "video_duration": {}, "milestone": {}, "video_id": {}, "video_index": {}, "video_url": {},
	"link_type": {}, "link_url": {},
	"page_url": {}, "document_url": {},
	"time_spent_seconds": {},
	"device_type": {}, "browser": {}, "os": {},
	"referrer": {}, "user_agent": {}, "ip": {},
	"extra": {},
}

// UnmarshalJSON decodes the typed fields and collects everything else into
// Extra instead of dropping it.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var alias payloadAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if _, known := knownPayloadFields[key]; known {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		if alias.Extra == nil {
			alias.Extra = raw
		} else {
			for k, v := range raw {
				alias.Extra[k] = v
			}
		}
	}

	*p = Payload(alias)
	return nil
}

// ===========================================
// VALIDATION
// ===========================================

// Validate checks kind membership and per-kind payload requirements. It
// returns a *ValidationError listing every violated field, never a generic
// failure.
func Validate(kind Kind, p *Payload) error {
	var verr ValidationError

	if kind == "" {
		verr.Add("kind", "is required")
	} else if !kind.IsValid() {
		verr.Add("kind", "unknown event kind: "+string(kind))
	}

	if p == nil {
		if kindRequiresPayload(kind) {
			verr.Add("payload", "is required for kind "+string(kind))
		}
		return verr.OrNil()
	}

	checkFinite(&verr, "latitude", p.Latitude)
	checkFinite(&verr, "longitude", p.Longitude)
	checkFinite(&verr, "video_progress", p.VideoProgress)
	checkFinite(&verr, "video_duration", p.VideoDuration)
	checkFinite(&verr, "time_spent_seconds", p.TimeSpentSeconds)

	if p.Latitude != nil && (*p.Latitude < -90 || *p.Latitude > 90) {
		verr.Add("latitude", "must be between -90 and 90")
	}
	if p.Longitude != nil && (*p.Longitude < -180 || *p.Longitude > 180) {
		verr.Add("longitude", "must be between -180 and 180")
	}
	if p.VideoProgress != nil && *p.VideoProgress < 0 {
		verr.Add("video_progress", "must not be negative")
	}
	if p.TimeSpentSeconds != nil && *p.TimeSpentSeconds < 0 {
		verr.Add("time_spent_seconds", "must not be negative")
	}

	switch kind {
	case KindVideoProgressMilestone:
		if p.Milestone == nil {
			verr.Add("milestone", "is required for videoProgressMilestone")
		} else if !isValidMilestone(*p.Milestone) {
			verr.Add("milestone", "must be one of 25, 50, 75, 100")
		}
		if p.VideoID == "" {
			verr.Add("video_id", "is required for videoProgressMilestone")
		}

	case KindPageViewDuration:
		if p.TimeSpentSeconds == nil {
			verr.Add("time_spent_seconds", "is required for pageViewDuration")
		}

	case KindLinkClick, KindSocialMediaClick:
		if p.LinkURL == "" {
			verr.Add("link_url", "is required for "+string(kind))
		}

	case KindDocumentView, KindDocumentDownload:
		if p.DocumentURL == "" {
			verr.Add("document_url", "is required for "+string(kind))
		}
	}

	return verr.OrNil()
}

func kindRequiresPayload(kind Kind) bool {
	switch kind {
	case KindVideoProgressMilestone, KindPageViewDuration,
		KindLinkClick, KindSocialMediaClick,
		KindDocumentView, KindDocumentDownload:
		return true
	}
	return false
}

func isValidMilestone(m int) bool {
	for _, v := range ValidMilestones {
		if m == v {
			return true
		}
	}
	return false
}

func checkFinite(verr *ValidationError, field string, v *float64) {
	if v == nil {
		return
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		verr.Add(field, "must be a finite number")
	}
}
