package engage

import (
	"context"
	"sync"
	"time"

	"github.com/qrvio/engage/internal/models"
)

// DedupGuard suppresses true duplicate submissions inside each kind's short
// fingerprint window. Implementations fail open: when the backing store is
// unavailable the event is accepted, because over-counting a few duplicates
// beats silently dropping data.
type DedupGuard interface {
	// ShouldAccept records the event's fingerprint and returns false when an
	// identical fingerprint was seen inside the window.
	ShouldAccept(ctx context.Context, e *models.Event) bool
}

// InMemoryDedupGuard keeps fingerprints in a mutex-guarded map. Suitable for
// tests and single-instance deployments.
type InMemoryDedupGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time // fingerprint -> expiry

	// now is swappable so tests can step through windows.
	now func() time.Time
}

// NewInMemoryDedupGuard creates a new in-memory dedup guard.
func NewInMemoryDedupGuard() *InMemoryDedupGuard {
	return &InMemoryDedupGuard{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (g *InMemoryDedupGuard) ShouldAccept(ctx context.Context, e *models.Event) bool {
	fp := models.Fingerprint(e)
	window := models.DedupRuleFor(e.Kind).Window
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, ok := g.seen[fp]; ok && now.Before(expiry) {
		return false
	}
	g.seen[fp] = now.Add(window)

	// Opportunistic purge keeps the map from growing without a janitor.
	if len(g.seen) > 4096 {
		for k, expiry := range g.seen {
			if now.After(expiry) {
				delete(g.seen, k)
			}
		}
	}
	return true
}

// SetClock overrides the time source. Test helper.
func (g *InMemoryDedupGuard) SetClock(now func() time.Time) {
	g.now = now
}
