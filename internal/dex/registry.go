package dex

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry maps DEX identifiers to parser instances. It is held by the
// engine context and passed explicitly; there is no process-wide
// default.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
	logger  *zap.Logger
}

// NewRegistry creates an empty parser registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		parsers: make(map[string]Parser),
		logger:  logger.Named("parser_registry"),
	}
}

// Register adds a parser under its own identifier.
func (r *Registry) Register(p Parser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if _, exists := r.parsers[id]; exists {
		return fmt.Errorf("parser %s already registered", id)
	}

	r.parsers[id] = p
	r.logger.Info("Parser registered", zap.String("dex_id", id))
	return nil
}

// Get retrieves a parser by DEX identifier.
func (r *Registry) Get(id string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.parsers[id]
	if !exists {
		return nil, fmt.Errorf("parser %s not found", id)
	}
	return p, nil
}

// Has reports whether a parser is registered for id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.parsers[id]
	return exists
}

// List returns all registered DEX identifiers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.parsers))
	for id := range r.parsers {
		ids = append(ids, id)
	}
	return ids
}

// Unregister removes a parser from the registry.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.parsers[id]; !exists {
		return fmt.Errorf("parser %s not found", id)
	}

	delete(r.parsers, id)
	r.logger.Info("Parser unregistered", zap.String("dex_id", id))
	return nil
}
