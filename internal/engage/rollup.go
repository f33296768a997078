package engage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/qrvio/engage/internal/metrics"
	"github.com/qrvio/engage/internal/models"
	"github.com/qrvio/engage/internal/storage"
)

// RollupService maintains the denormalized counters on identities and
// scopes. Increments run after the event log append and are best-effort:
// failures are logged and counted, never returned, because the event log is
// authoritative and counters can be rebuilt by replay.
type RollupService struct {
	registry storage.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRollupService creates a rollup service.
func NewRollupService(registry storage.Registry, logger *zap.Logger, m *metrics.Metrics) *RollupService {
	return &RollupService{registry: registry, logger: logger, metrics: m}
}

// Apply increments the identity's global counters and, for scoped events,
// the scope's counters. The two increments are independent: a scope failure
// never rolls back the global increment, partial drift is tolerated.
func (s *RollupService) Apply(ctx context.Context, e *models.Event) {
	if _, ok := models.CounterForKind(e.Kind); !ok {
		return
	}

	if err := s.registry.IncrementIdentityCounters(ctx, e.IdentityID, e.Kind, e.OccurredAt); err != nil {
		s.metrics.RecordRollupFailure("identity")
		s.logger.Error("identity rollup increment failed",
			zap.Error(err),
			zap.String("identity_id", e.IdentityID),
			zap.String("kind", string(e.Kind)),
		)
	}

	if e.ScopeID == "" {
		return
	}
	if err := s.registry.IncrementScopeCounters(ctx, e.IdentityID, e.ScopeID, e.Kind, e.OccurredAt); err != nil {
		s.metrics.RecordRollupFailure("scope")
		s.logger.Error("scope rollup increment failed",
			zap.Error(err),
			zap.String("identity_id", e.IdentityID),
			zap.String("scope_id", e.ScopeID),
			zap.String("kind", string(e.Kind)),
		)
	}
}

// Rebuild recomputes an identity's counters, and those of all its scopes,
// by replaying the event log. Last-occurrence timestamps are carried over
// from the current counters since the kind totals, not the timestamps, are
// what drifts.
func (s *RollupService) Rebuild(ctx context.Context, identityID string, store storage.EventStore) error {
	identity, err := s.registry.GetIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	global, err := s.recount(ctx, store, identityID, "", identity.Counters)
	if err != nil {
		return fmt.Errorf("recount identity: %w", err)
	}
	if err := s.registry.SetIdentityCounters(ctx, identityID, global); err != nil {
		return fmt.Errorf("write identity counters: %w", err)
	}

	scopes, err := s.registry.ListScopes(ctx, identityID)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}
	for _, scope := range scopes {
		rebuilt, err := s.recount(ctx, store, identityID, scope.ID, scope.Counters)
		if err != nil {
			return fmt.Errorf("recount scope %s: %w", scope.ID, err)
		}
		if err := s.registry.SetScopeCounters(ctx, identityID, scope.ID, rebuilt); err != nil {
			return fmt.Errorf("write scope %s counters: %w", scope.ID, err)
		}
	}

	s.logger.Info("rollup counters rebuilt",
		zap.String("identity_id", identityID),
		zap.Int("scopes", len(scopes)),
	)
	return nil
}

func (s *RollupService) recount(ctx context.Context, store storage.EventStore, identityID, scopeID string, current models.RollupCounters) (models.RollupCounters, error) {
	counts, err := store.CountByKind(ctx, storage.EventFilter{
		IdentityID: identityID,
		ScopeID:    scopeID,
	})
	if err != nil {
		return models.RollupCounters{}, err
	}

	rebuilt := models.RollupCounters{
		LastScanAt:              current.LastScanAt,
		LastVideoViewAt:         current.LastVideoViewAt,
		LastARExperienceStartAt: current.LastARExperienceStartAt,
	}
	for kind, n := range counts {
		applyCount(&rebuilt, kind, n)
	}
	return rebuilt, nil
}

func applyCount(c *models.RollupCounters, kind models.Kind, n int64) {
	m, ok := models.CounterForKind(kind)
	if !ok {
		return
	}
	switch m.Counter {
	case models.CounterTotalScans:
		c.TotalScans += n
	case models.CounterVideoViews:
		c.VideoViews += n
	case models.CounterVideoCompletions:
		c.VideoCompletions += n
	case models.CounterLinkClicks:
		c.LinkClicks += n
	case models.CounterSocialMediaClicks:
		c.SocialMediaClicks += n
	case models.CounterDocumentViews:
		c.DocumentViews += n
	case models.CounterDocumentDownloads:
		c.DocumentDownloads += n
	case models.CounterARExperienceStarts:
		c.ARExperienceStarts += n
	}
}
