package engage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qrvio/engage/internal/geo"
	"github.com/qrvio/engage/internal/metrics"
	"github.com/qrvio/engage/internal/models"
	"github.com/qrvio/engage/internal/storage"
)

// IngestService runs the write path: validate, resolve identity and scope,
// enrich, dedup, append to the event log, roll up counters, invalidate the
// query cache. The append is the only step whose failure fails the request.
type IngestService struct {
	store    storage.EventStore
	registry storage.Registry
	rollup   *RollupService
	dedup    DedupGuard
	cache    QueryCache
	geo      *geo.Resolver
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now func() time.Time
}

// NewIngestService wires the write path.
func NewIngestService(
	store storage.EventStore,
	registry storage.Registry,
	rollup *RollupService,
	dedup DedupGuard,
	cache QueryCache,
	geoResolver *geo.Resolver,
	logger *zap.Logger,
	m *metrics.Metrics,
) *IngestService {
	return &IngestService{
		store:    store,
		registry: registry,
		rollup:   rollup,
		dedup:    dedup,
		cache:    cache,
		geo:      geoResolver,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// IngestRequest is one event submission.
type IngestRequest struct {
	IdentityID string          `json:"identity_id"`
	ScopeID    string          `json:"scope_id,omitempty"`
	Kind       models.Kind     `json:"kind"`
	SessionID  string          `json:"session_id,omitempty"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	Payload    *models.Payload `json:"payload,omitempty"`
}

// IngestResult reports the outcome of a submission. Duplicate submissions
// are acknowledged (Accepted true) so clients cannot distinguish them, but
// flagged so callers and tests can observe the suppression.
type IngestResult struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventID   string `json:"event_id,omitempty"`
}

// Ingest processes one event submission end to end.
func (s *IngestService) Ingest(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	start := s.now()

	if err := s.validate(req); err != nil {
		s.metrics.RecordValidationFailure(string(req.Kind))
		s.metrics.RecordIngest(string(req.Kind), req.ScopeID != "", "rejected", s.now().Sub(start))
		return nil, err
	}

	if _, err := s.registry.GetIdentity(ctx, req.IdentityID); err != nil {
		s.metrics.RecordIngest(string(req.Kind), req.ScopeID != "", "rejected", s.now().Sub(start))
		return nil, fmt.Errorf("identity %s: %w", req.IdentityID, err)
	}
	if req.ScopeID != "" {
		if _, err := s.registry.GetScope(ctx, req.IdentityID, req.ScopeID); err != nil {
			s.metrics.RecordIngest(string(req.Kind), true, "rejected", s.now().Sub(start))
			return nil, fmt.Errorf("scope %s: %w", req.ScopeID, err)
		}
	}

	e := s.buildEvent(req)
	s.enrich(e)

	if !s.dedup.ShouldAccept(ctx, e) {
		s.metrics.RecordSuppressed(string(e.Kind))
		s.metrics.RecordIngest(string(e.Kind), e.ScopeID != "", "duplicate", s.now().Sub(start))
		s.logger.Debug("duplicate event suppressed",
			zap.String("identity_id", e.IdentityID),
			zap.String("kind", string(e.Kind)),
			zap.String("fingerprint", models.Fingerprint(e)),
		)
		return &IngestResult{Accepted: true, Duplicate: true}, nil
	}

	if err := s.store.Append(ctx, e); err != nil {
		s.metrics.RecordAppendFailure()
		s.metrics.RecordIngest(string(e.Kind), e.ScopeID != "", "error", s.now().Sub(start))
		s.logger.Error("event log append failed",
			zap.Error(err),
			zap.String("identity_id", e.IdentityID),
			zap.String("kind", string(e.Kind)),
		)
		return nil, fmt.Errorf("append event: %w", err)
	}

	// Counters and cache state derive from the log; their failures must not
	// fail an already durable event.
	s.rollup.Apply(ctx, e)
	s.cache.Invalidate(ctx, e.IdentityID)

	s.metrics.RecordIngest(string(e.Kind), e.ScopeID != "", "accepted", s.now().Sub(start))
	s.logger.Debug("event ingested",
		zap.String("event_id", e.ID),
		zap.String("identity_id", e.IdentityID),
		zap.String("scope_id", e.ScopeID),
		zap.String("kind", string(e.Kind)),
	)
	return &IngestResult{Accepted: true, EventID: e.ID}, nil
}

func (s *IngestService) validate(req *IngestRequest) error {
	verr, _ := models.AsValidationError(models.Validate(req.Kind, req.Payload))
	if req.IdentityID == "" {
		if verr == nil {
			verr = &models.ValidationError{}
		}
		verr.Add("identity_id", "is required")
	}
	if verr != nil {
		return verr
	}
	return nil
}

func (s *IngestService) buildEvent(req *IngestRequest) *models.Event {
	occurredAt := s.now().UTC()
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		occurredAt = req.OccurredAt.UTC()
	}

	e := &models.Event{
		ID:         uuid.New().String(),
		IdentityID: req.IdentityID,
		ScopeID:    req.ScopeID,
		Kind:       req.Kind,
		SessionID:  req.SessionID,
		OccurredAt: occurredAt,
	}
	if req.Payload != nil {
		e.Payload = *req.Payload
	}
	return e
}

// enrich fills in geo and device fields the client left empty. Client-sent
// values always win; enrichment never overwrites.
func (s *IngestService) enrich(e *models.Event) {
	p := &e.Payload

	if p.Country == "" && p.City == "" {
		if info := s.geo.Resolve(p.IP); info != nil {
			p.Country = info.Country
			p.City = info.City
			if p.State == "" {
				p.State = info.Region
			}
		}
	}

	if p.UserAgent != "" && (p.DeviceType == "" || p.OS == "" || p.Browser == "") {
		deviceType, osName, browser := inferDevice(p.UserAgent)
		if p.DeviceType == "" {
			p.DeviceType = deviceType
		}
		if p.OS == "" {
			p.OS = osName
		}
		if p.Browser == "" {
			p.Browser = browser
		}
	}
}
