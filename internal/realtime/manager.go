package realtime

import (
	"context"
	"sync"
	"time"

	"loom/internal/logging"
)

const defaultIdleAfter = 5 * time.Minute

// Factory builds the coordinator for one project, wiring its store and
// agent hooks. The manager calls it at most once per live coordinator.
type Factory func(projectID string) (*Coordinator, error)

// Manager holds the live coordinators, one per project, creating them
// lazily and evicting the idle ones. Eviction discards only transient
// state; the factory rebuilds the durable fields from the store on the
// next request for the project.
type Manager struct {
	factory   Factory
	idleAfter time.Duration
	logger    logging.Logger

	mu     sync.Mutex
	coords map[string]*Coordinator
}

func NewManager(factory Factory, idleAfter time.Duration, logger logging.Logger) *Manager {
	if idleAfter <= 0 {
		idleAfter = defaultIdleAfter
	}
	return &Manager{
		factory:   factory,
		idleAfter: idleAfter,
		logger:    logging.OrNop(logger),
		coords:    make(map[string]*Coordinator),
	}
}

// Get returns the project's coordinator, resuming it if it was evicted.
func (m *Manager) Get(projectID string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.coords[projectID]; ok {
		return c, nil
	}
	c, err := m.factory(projectID)
	if err != nil {
		return nil, err
	}
	m.coords[projectID] = c
	return c, nil
}

// Peek returns the coordinator only if it is currently live.
func (m *Manager) Peek(projectID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coords[projectID]
	return c, ok
}

// Sweep evicts every coordinator that is idle and has seen no traffic for
// the idle window. Returns the number evicted.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.idleAfter)

	m.mu.Lock()
	victims := make(map[string]*Coordinator)
	for id, c := range m.coords {
		if c.Idle() && c.LastActive().Before(cutoff) {
			victims[id] = c
			delete(m.coords, id)
		}
	}
	m.mu.Unlock()

	for id, c := range victims {
		c.Close()
		m.logger.Info("evicted idle coordinator for project %s", id)
	}
	return len(victims)
}

// Run sweeps periodically until the context is canceled, then closes
// every remaining coordinator.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.idleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close tears down every live coordinator.
func (m *Manager) Close() {
	m.mu.Lock()
	coords := m.coords
	m.coords = make(map[string]*Coordinator)
	m.mu.Unlock()
	for _, c := range coords {
		c.Close()
	}
}
