package entities

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a session
type SessionState string

const (
	SessionStateActive       SessionState = "active"
	SessionStateDisconnected SessionState = "disconnected"
)

// Session is one active conversational context. Exactly one session may be
// active process-wide; the orchestrator registry enforces that.
type Session struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`

	// currentTurnID is the id of the newest turn assigned to this session.
	// Turn ids are monotonic; a turn older than this value is stale.
	currentTurnID atomic.Uint64
}

// NewSession creates a new active session
func NewSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		State:     SessionStateActive,
		CreatedAt: time.Now(),
	}
}

// NextTurnID assigns and returns the next monotonic turn id.
func (s *Session) NextTurnID() uint64 {
	return s.currentTurnID.Add(1)
}

// CurrentTurnID returns the newest assigned turn id, zero before any turn.
func (s *Session) CurrentTurnID() uint64 {
	return s.currentTurnID.Load()
}

// Disconnect marks the session as disconnected.
func (s *Session) Disconnect() {
	s.State = SessionStateDisconnected
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.State != SessionStateActive && s.State != SessionStateDisconnected {
		return errors.New("invalid session state")
	}
	return nil
}

// PromptLayers are the three ordered layers the composer merges into the
// instruction payload. Core is fixed at runtime, Persona is caller-editable,
// Context is regenerated per turn from retrieved chunks.
type PromptLayers struct {
	Core    string
	Persona string
	Context string
}
