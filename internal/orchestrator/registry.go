package orchestrator

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/entities"
)

// ErrSessionConflict is returned when a connection attempt arrives while
// another session holds the lock. Conflicting attempts are rejected, never
// queued.
var ErrSessionConflict = errors.New("another session is already active")

// Registry enforces the single-active-session rule with an explicit
// acquire-on-connect / release-on-disconnect pair.
type Registry struct {
	mu     sync.Mutex
	active *entities.Session
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// Acquire creates and registers a new active session. It fails with
// ErrSessionConflict while another session holds the lock.
func (r *Registry) Acquire() (*entities.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		r.logger.Warn("Rejected session acquisition",
			zap.String("activeSessionID", r.active.ID))
		return nil, ErrSessionConflict
	}
	session := entities.NewSession()
	r.active = session
	r.logger.Info("Session acquired", zap.String("sessionID", session.ID))
	return session, nil
}

// Release frees the lock held by the given session. Releasing a session that
// is not the active one is a no-op.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil || r.active.ID != sessionID {
		return
	}
	r.active.Disconnect()
	r.active = nil
	r.logger.Info("Session released", zap.String("sessionID", sessionID))
}

// Active returns the currently active session, or nil.
func (r *Registry) Active() *entities.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
