package reconcile

import (
	"strings"

	"github.com/pandega/wicara/domain/entities"
)

// Update is an incremental streaming-transcript event. Text is the full
// current-turn text so far; Final is set once every considered segment is
// final.
type Update struct {
	Role   entities.Role
	TurnID uint64
	Text   string
	Final  bool
}

// Reconciler merges the ordered, possibly-revised segment stream for one
// role into streaming updates plus exactly one transcript commit per turn.
//
// It keeps the full segment list for the session and a cursor marking how
// many trailing segments have already been committed; the current turn's
// text is always recomputed from the uncommitted tail, never from segments
// of a prior, already-committed turn. The commit boundary is EndTurn, driven
// by the turn-end signal from the transport, because a turn may contain
// several utterances that each finalize on their own.
type Reconciler struct {
	role entities.Role

	segments []entities.Segment
	cursor   int

	turnID        uint64
	lastCommitted uint64
	lastEmitted   string
	streaming     bool
}

// NewReconciler creates a reconciler for one role.
func NewReconciler(role entities.Role) *Reconciler {
	return &Reconciler{role: role}
}

// Role returns the role this reconciler tracks.
func (r *Reconciler) Role() entities.Role {
	return r.role
}

// TurnID returns the id of the turn currently being assembled, zero before
// the first segment arrives.
func (r *Reconciler) TurnID() uint64 {
	return r.turnID
}

// Observe consumes one segment and returns a streaming update when the
// recomputed turn text changed, nil otherwise. Segments for a turn that has
// already been committed are ignored, so replaying a finalized sequence
// produces nothing. Turn ids only move forward: a segment carrying a lower
// id than the current turn is a late flush from a superseded turn's
// recognizer and is dropped, never merged into the newer turn.
func (r *Reconciler) Observe(seg entities.Segment) *Update {
	if seg.TurnID != 0 && seg.TurnID <= r.lastCommitted {
		return nil
	}
	if seg.TurnID < r.turnID {
		return nil
	}
	if seg.TurnID > r.turnID {
		r.beginTurn(seg.TurnID)
	}

	idx := r.cursor + seg.Ordinal
	switch {
	case idx < r.cursor:
		return nil
	case idx < len(r.segments):
		// Revision of an earlier ordinal before it finalized.
		r.segments[idx] = seg
	default:
		r.segments = append(r.segments, seg)
	}

	text := r.pendingText()
	if text == r.lastEmitted || text == "" {
		return nil
	}
	r.lastEmitted = text
	r.streaming = true
	return &Update{Role: r.role, TurnID: r.turnID, Text: text, Final: r.allPendingFinal()}
}

// EndTurn commits the current turn. It returns the transcript message when
// the turn has at least one segment and every segment is final; otherwise it
// returns nil and leaves state untouched. Calling it again for an already
// committed turn is a no-op.
func (r *Reconciler) EndTurn() *entities.TranscriptMessage {
	if !r.allPendingFinal() {
		return nil
	}
	text := r.pendingText()
	if text == "" {
		// All-whitespace finals: advance past them but commit nothing.
		r.commitTurn()
		return nil
	}
	msg := &entities.TranscriptMessage{Role: r.role, Text: text, TurnID: r.turnID}
	r.commitTurn()
	return msg
}

// ForceCommit commits whatever uncommitted text the current turn has,
// regardless of final flags. Used when a turn is forcibly finalized on
// cancellation. Returns nil when there is nothing to commit.
func (r *Reconciler) ForceCommit() *entities.TranscriptMessage {
	text := r.pendingText()
	if len(r.segments) == r.cursor || text == "" {
		return nil
	}
	msg := &entities.TranscriptMessage{Role: r.role, Text: text, TurnID: r.turnID}
	r.commitTurn()
	return msg
}

// FallbackFinal commits an out-of-band final utterance, e.g. from a fallback
// transcription channel. Once streaming updates have started for the turn,
// streaming output is authoritative and the fallback is dropped to avoid
// double-emitting the same content. Returns nil when suppressed.
func (r *Reconciler) FallbackFinal(turnID uint64, text string) *entities.TranscriptMessage {
	if turnID <= r.lastCommitted || turnID < r.turnID {
		return nil
	}
	if turnID == r.turnID && r.streaming {
		return nil
	}
	if text == "" {
		return nil
	}
	r.beginTurn(turnID)
	msg := &entities.TranscriptMessage{Role: r.role, Text: text, TurnID: turnID}
	r.lastCommitted = turnID
	r.resetTurnState()
	return msg
}

// Reset clears all reconciler state so the next turn starts clean.
func (r *Reconciler) Reset() {
	r.segments = nil
	r.cursor = 0
	r.turnID = 0
	r.resetTurnState()
}

func (r *Reconciler) beginTurn(turnID uint64) {
	// Drop uncommitted segments of a superseded turn; they must never leak
	// into the new turn's text.
	r.segments = r.segments[:r.cursor]
	r.turnID = turnID
	r.resetTurnState()
}

func (r *Reconciler) commitTurn() {
	r.cursor = len(r.segments)
	r.lastCommitted = r.turnID
	r.resetTurnState()
}

func (r *Reconciler) resetTurnState() {
	r.lastEmitted = ""
	r.streaming = false
}

func (r *Reconciler) pendingText() string {
	parts := make([]string, 0, len(r.segments)-r.cursor)
	for _, seg := range r.segments[r.cursor:] {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func (r *Reconciler) allPendingFinal() bool {
	if len(r.segments) == r.cursor {
		return false
	}
	for _, seg := range r.segments[r.cursor:] {
		if !seg.IsFinal {
			return false
		}
	}
	return true
}
