package models

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// DedupRule fixes the suppression window and the kind-specific disambiguator
// used to fingerprint an event. One explicit rule per kind; the windows match
// the user-visible action that could double-fire (a page re-render, a video
// player emitting the same milestone twice).
type DedupRule struct {
	Window        time.Duration
	Disambiguator func(e *Event) string
}

var dedupRules = map[Kind]DedupRule{
	KindScan:          {Window: 10 * time.Second, Disambiguator: bySession},
	KindVideoView:     {Window: 10 * time.Second, Disambiguator: byVideoSession},
	KindVideoComplete: {Window: 30 * time.Second, Disambiguator: byVideoSession},
	KindVideoProgressMilestone: {
		Window:        30 * time.Second,
		Disambiguator: byVideoMilestone,
	},
	KindLinkClick:         {Window: 5 * time.Second, Disambiguator: byLinkSession},
	KindSocialMediaClick:  {Window: 5 * time.Second, Disambiguator: byLinkSession},
	KindPageView:          {Window: 5 * time.Second, Disambiguator: byPageSession},
	KindPageViewDuration:  {Window: 10 * time.Second, Disambiguator: byPageSession},
	KindDocumentView:      {Window: 10 * time.Second, Disambiguator: byDocumentSession},
	KindDocumentDownload:  {Window: 30 * time.Second, Disambiguator: byDocumentSession},
	KindARExperienceStart: {Window: 15 * time.Second, Disambiguator: bySession},
	KindARExperienceError: {Window: 15 * time.Second, Disambiguator: bySession},
}

// DedupRuleFor returns the rule for kind. Unknown kinds fall back to a
// session-scoped 10 second window.
func DedupRuleFor(kind Kind) DedupRule {
	if r, ok := dedupRules[kind]; ok {
		return r
	}
	return DedupRule{Window: 10 * time.Second, Disambiguator: bySession}
}

// Fingerprint derives the short-window dedup key for e from
// (identity, scope, kind, disambiguator).
func Fingerprint(e *Event) string {
	rule := DedupRuleFor(e.Kind)
	composite := strings.Join([]string{
		e.IdentityID,
		e.ScopeID,
		string(e.Kind),
		rule.Disambiguator(e),
	}, "|")

	h := fnv.New64a()
	_, _ = h.Write([]byte(composite))
	return fmt.Sprintf("%016x", h.Sum64())
}

func bySession(e *Event) string {
	return e.SessionID
}

func byVideoSession(e *Event) string {
	return e.Payload.VideoID + "|" + e.SessionID
}

func byVideoMilestone(e *Event) string {
	milestone := ""
	if e.Payload.Milestone != nil {
		milestone = strconv.Itoa(*e.Payload.Milestone)
	}
	return e.Payload.VideoID + "|" + milestone
}

func byLinkSession(e *Event) string {
	return e.Payload.LinkURL + "|" + e.SessionID
}

func byPageSession(e *Event) string {
	return e.Payload.PageURL + "|" + e.SessionID
}

func byDocumentSession(e *Event) string {
	return e.Payload.DocumentURL + "|" + e.SessionID
}
