package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qrvio/engage/internal/config"
	"github.com/qrvio/engage/internal/database"
	"github.com/qrvio/engage/internal/engage"
	"github.com/qrvio/engage/internal/geo"
	"github.com/qrvio/engage/internal/metrics"
	"github.com/qrvio/engage/internal/middleware"
	"github.com/qrvio/engage/internal/models"
	"github.com/qrvio/engage/internal/storage"
)

// Dependencies holds all external dependencies for the server. Nil DB, CH
// or Redis fall back to in-memory implementations, which keeps local
// development and tests infrastructure-free.
type Dependencies struct {
	DB      *database.PostgresDB
	CH      *database.ClickHouseDB
	Redis   *database.RedisDB
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server wraps HTTP handlers and the engagement services.
type Server struct {
	ingest    *engage.IngestService
	analytics *engage.AnalyticsService
	rollup    *engage.RollupService
	registry  storage.Registry
	store     storage.EventStore
	logger    *zap.Logger
	config    *config.Config
	metrics   *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	// Event log
	var store storage.EventStore
	if deps.CH != nil {
		store = storage.NewClickHouseEventStore(deps.CH.Conn)
	} else {
		store = storage.NewInMemoryEventStore()
	}

	// Identity / scope registry
	var registry storage.Registry
	if deps.DB != nil {
		registry = storage.NewPostgresRegistry(deps.DB.Pool)
	} else {
		registry = storage.NewInMemoryRegistry()
	}

	// Dedup guard and query cache
	var dedup engage.DedupGuard
	var cache engage.QueryCache
	if deps.Redis != nil {
		dedup = engage.NewRedisDedupGuard(deps.Redis.Client, deps.Logger)
		cache = engage.NewRedisQueryCache(deps.Redis.Client, deps.Logger)
	} else {
		dedup = engage.NewInMemoryDedupGuard()
		cache = engage.NewInMemoryQueryCache(deps.Config.Cache.CleanupInterval)
	}

	// Geo enrichment
	var geoResolver *geo.Resolver
	if deps.Config.Geo.Enabled {
		provider, err := geo.NewMaxMindProvider(deps.Config.Geo.DatabasePath)
		if err != nil {
			deps.Logger.Warn("failed to initialize geo provider, enrichment disabled", zap.Error(err))
		} else {
			geoResolver = geo.NewResolver(provider, deps.Config.Geo.CacheSize, deps.Config.Geo.CacheTTL)
		}
	}

	rollup := engage.NewRollupService(registry, deps.Logger, deps.Metrics)
	ingest := engage.NewIngestService(store, registry, rollup, dedup, cache, geoResolver, deps.Logger, deps.Metrics)
	analytics := engage.NewAnalyticsService(store, registry, cache, deps.Logger, deps.Metrics, deps.Config.Cache.TTL)

	s := &Server{
		ingest:    ingest,
		analytics: analytics,
		rollup:    rollup,
		registry:  registry,
		store:     store,
		logger:    deps.Logger,
		config:    deps.Config,
		metrics:   deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Event tracking
	mux.HandleFunc("/track/event", s.handleTrackEvent)

	// Identity / scope registry
	mux.HandleFunc("/identities", s.handleIdentities)
	mux.HandleFunc("/identities/", s.handleIdentityByID)

	// Analytics queries
	mux.HandleFunc("/analytics/timeseries", s.handleTimeSeries)
	mux.HandleFunc("/analytics/funnel", s.handleFunnel)
	mux.HandleFunc("/analytics/top", s.handleTop)
	mux.HandleFunc("/analytics/geo", s.handleGeoBreakdown)
	mux.HandleFunc("/analytics/devices", s.handleDeviceBreakdown)
	mux.HandleFunc("/analytics/video", s.handleVideo)
	mux.HandleFunc("/analytics/sessions", s.handleSessions)
	mux.HandleFunc("/analytics/overview", s.handleOverview)
	mux.HandleFunc("/analytics/rebuild", s.handleRebuild)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ---- Event Tracking ----

func (s *Server) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req engage.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	// Fill request context the client did not send.
	if req.Payload == nil {
		req.Payload = &models.Payload{}
	}
	if req.Payload.IP == "" {
		req.Payload.IP = middleware.ClientIP(r)
	}
	if req.Payload.UserAgent == "" {
		req.Payload.UserAgent = r.UserAgent()
	}
	if req.Payload.Referrer == "" {
		req.Payload.Referrer = r.Referer()
	}

	result, err := s.ingest.Ingest(r.Context(), &req)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(result)
}

// ---- Identity / Scope Registry ----

type upsertIdentityRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req upsertIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		s.errorResponse(w, "id required", http.StatusBadRequest)
		return
	}

	identity := &models.Identity{ID: req.ID, Name: req.Name, CreatedAt: time.Now().UTC()}
	if err := s.registry.UpsertIdentity(r.Context(), identity); err != nil {
		s.serviceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(identity)
}

// handleIdentityByID routes /identities/{id} and /identities/{id}/scopes.
func (s *Server) handleIdentityByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/identities/")
	parts := strings.SplitN(rest, "/", 2)
	identityID := parts[0]
	if identityID == "" {
		s.errorResponse(w, "identity id required", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 && parts[1] == "scopes" {
		s.handleScopes(w, r, identityID)
		return
	}
	if len(parts) > 1 {
		s.errorResponse(w, "not found", http.StatusNotFound)
		return
	}

	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity, err := s.registry.GetIdentity(r.Context(), identityID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, identity)
}

type upsertScopeRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request, identityID string) {
	switch r.Method {
	case http.MethodGet:
		scopes, err := s.registry.ListScopes(r.Context(), identityID)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, scopes)

	case http.MethodPost:
		// The identity must exist before scopes attach to it.
		if _, err := s.registry.GetIdentity(r.Context(), identityID); err != nil {
			s.serviceError(w, err)
			return
		}

		var req upsertScopeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			s.errorResponse(w, "id required", http.StatusBadRequest)
			return
		}

		scope := &models.Scope{ID: req.ID, IdentityID: identityID, Name: req.Name, CreatedAt: time.Now().UTC()}
		if err := s.registry.UpsertScope(r.Context(), scope); err != nil {
			s.serviceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(scope)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ---- Analytics ----

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	granularity := storage.Granularity(q.Get("granularity"))
	var kinds []models.Kind
	if raw := q.Get("kinds"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kind := models.Kind(strings.TrimSpace(part))
			if !kind.IsValid() {
				s.errorResponse(w, "unknown kind: "+string(kind), http.StatusBadRequest)
				return
			}
			kinds = append(kinds, kind)
		}
	}

	result, err := s.analytics.TimeSeries(r.Context(), identityID, q.Get("scope_id"), q.Get("period"), granularity, kinds)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

func (s *Server) handleFunnel(w http.ResponseWriter, r *http.Request) {
	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	result, err := s.analytics.Funnel(r.Context(), identityID, q.Get("scope_id"), q.Get("period"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	result, err := s.analytics.Top(r.Context(), identityID, q.Get("period"), intParam(q.Get("limit"), 0))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

func (s *Server) handleGeoBreakdown(w http.ResponseWriter, r *http.Request) {
	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	result, err := s.analytics.GeoBreakdown(r.Context(), identityID, q.Get("scope_id"), q.Get("period"),
		storage.BreakdownField(q.Get("field")), intParam(q.Get("limit"), 0))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

func (s *Server) handleDeviceBreakdown(w http.ResponseWriter, r *http.Request) {
	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	result, err := s.analytics.DeviceBreakdown(r.Context(), identityID, q.Get("scope_id"), q.Get("period"),
		storage.BreakdownField(q.Get("field")), intParam(q.Get("limit"), 0))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	result, err := s.analytics.Video(r.Context(), identityID, q.Get("scope_id"), q.Get("period"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	result, err := s.analytics.Sessions(r.Context(), identityID, q.Get("scope_id"), q.Get("period"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	result, err := s.analytics.Overview(r.Context(), identityID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, result)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identityID, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	if err := s.rollup.Rebuild(r.Context(), identityID, s.store); err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "rebuilt", "identity_id": identityID})
}

// ---- Helper Methods ----

func (s *Server) requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identityID := r.URL.Query().Get("identity_id")
	if identityID == "" {
		s.errorResponse(w, "identity_id required", http.StatusBadRequest)
		return "", false
	}
	return identityID, true
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// serviceError maps service errors onto HTTP responses: validation failures
// report every violated field, unknown ids are 404, everything else is an
// opaque 500.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	if verr, ok := models.AsValidationError(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
		return
	}
	if errors.Is(err, models.ErrNotFound) {
		s.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}

	s.logger.Error("request failed", zap.Error(err))
	s.errorResponse(w, "internal error", http.StatusInternalServerError)
}
