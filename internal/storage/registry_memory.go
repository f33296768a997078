package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qrvio/engage/internal/models"
)

// InMemoryRegistry provides in-memory identity/scope storage. Counter
// increments are atomic under the registry mutex.
type InMemoryRegistry struct {
	mu         sync.RWMutex
	identities map[string]*models.Identity
	scopes     map[string]map[string]*models.Scope // identity_id -> scope_id -> scope
}

// NewInMemoryRegistry creates a new in-memory registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		identities: make(map[string]*models.Identity),
		scopes:     make(map[string]map[string]*models.Scope),
	}
}

func (r *InMemoryRegistry) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.identities[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *identity
	return &copied, nil
}

func (r *InMemoryRegistry) UpsertIdentity(ctx context.Context, identity *models.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.identities[identity.ID]; ok {
		existing.Name = identity.Name
		return nil
	}
	copied := *identity
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	r.identities[identity.ID] = &copied
	return nil
}

func (r *InMemoryRegistry) GetScope(ctx context.Context, identityID, scopeID string) (*models.Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scope, ok := r.scopes[identityID][scopeID]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *scope
	return &copied, nil
}

func (r *InMemoryRegistry) UpsertScope(ctx context.Context, scope *models.Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.scopes[scope.IdentityID]
	if !ok {
		byID = make(map[string]*models.Scope)
		r.scopes[scope.IdentityID] = byID
	}
	if existing, ok := byID[scope.ID]; ok {
		existing.Name = scope.Name
		return nil
	}
	copied := *scope
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	byID[scope.ID] = &copied
	return nil
}

func (r *InMemoryRegistry) ListScopes(ctx context.Context, identityID string) ([]*models.Scope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Scope, 0, len(r.scopes[identityID]))
	for _, scope := range r.scopes[identityID] {
		copied := *scope
		result = append(result, &copied)
	}
	// Same order as the SQL registry.
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *InMemoryRegistry) IncrementIdentityCounters(ctx context.Context, identityID string, kind models.Kind, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identities[identityID]
	if !ok {
		return models.ErrNotFound
	}
	models.ApplyToCounters(&identity.Counters, kind, at)
	return nil
}

func (r *InMemoryRegistry) IncrementScopeCounters(ctx context.Context, identityID, scopeID string, kind models.Kind, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope, ok := r.scopes[identityID][scopeID]
	if !ok {
		return models.ErrNotFound
	}
	models.ApplyToCounters(&scope.Counters, kind, at)
	return nil
}

func (r *InMemoryRegistry) SetIdentityCounters(ctx context.Context, identityID string, c models.RollupCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identities[identityID]
	if !ok {
		return models.ErrNotFound
	}
	identity.Counters = c
	return nil
}

func (r *InMemoryRegistry) SetScopeCounters(ctx context.Context, identityID, scopeID string, c models.RollupCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope, ok := r.scopes[identityID][scopeID]
	if !ok {
		return models.ErrNotFound
	}
	scope.Counters = c
	return nil
}
