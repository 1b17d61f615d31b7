package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"mtmfeed/internal/store"
)

// RosterSource lists the clients to report on.
type RosterSource interface {
	HashKeys(ctx context.Context, key string) ([]string, error)
}

// Roster is the fixed set of clients the assembler reports on. It only
// changes through an explicit Reload.
type Roster struct {
	mu      sync.RWMutex
	clients []string
	source  RosterSource
	logger  *slog.Logger
}

// NewStaticRoster returns a roster that cannot be reloaded.
func NewStaticRoster(clients ...string) *Roster {
	return &Roster{clients: append([]string(nil), clients...), logger: slog.Default()}
}

// LoadRoster reads the roster from the live_clients hash.
func LoadRoster(ctx context.Context, source RosterSource, logger *slog.Logger) (*Roster, error) {
	r := &Roster{
		source: source,
		logger: logger.With("component", "roster"),
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the roster with the current contents of live_clients, in
// the order the store lists them. On failure the previous roster stays in
// place.
func (r *Roster) Reload(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("roster has no source")
	}

	clients, err := r.source.HashKeys(ctx, store.KeyRoster)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	r.mu.Lock()
	previous := len(r.clients)
	r.clients = clients
	r.mu.Unlock()

	r.logger.Info("roster_loaded", "clients", len(clients), "previous", previous)

	return nil
}

// Clients returns a copy of the current roster.
func (r *Roster) Clients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.clients...)
}
