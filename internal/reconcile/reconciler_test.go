package reconcile

import (
	"testing"

	"github.com/pandega/wicara/domain/entities"
)

func seg(turn uint64, ordinal int, text string, final bool) entities.Segment {
	return entities.Segment{TurnID: turn, Ordinal: ordinal, Text: text, IsFinal: final}
}

func TestSingleSegmentTurn(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	update := r.Observe(seg(1, 0, "hello there", true))
	if update == nil {
		t.Fatal("expected a streaming update")
	}
	if update.Text != "hello there" || !update.Final {
		t.Errorf("unexpected update: %+v", update)
	}

	commit := r.EndTurn()
	if commit == nil {
		t.Fatal("expected a commit")
	}
	if commit.Text != "hello there" || commit.TurnID != 1 || commit.Role != entities.RoleCaller {
		t.Errorf("unexpected commit: %+v", commit)
	}
}

func TestSpaceJoinedFinalTexts(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	r.Observe(seg(1, 0, "what is", true))
	r.Observe(seg(1, 1, "the warranty period", true))

	commit := r.EndTurn()
	if commit == nil {
		t.Fatal("expected a commit once all segments are final")
	}
	if commit.Text != "what is the warranty period" {
		t.Errorf("expected space-joined text, got %q", commit.Text)
	}
}

func TestNoCommitWhileSegmentNonFinal(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	r.Observe(seg(1, 0, "first part", true))
	r.Observe(seg(1, 1, "still talking", false))

	if commit := r.EndTurn(); commit != nil {
		t.Errorf("expected no commit while a segment is non-final, got %+v", commit)
	}
}

func TestRevisionBeforeFinal(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	update := r.Observe(seg(1, 0, "what iz", false))
	if update == nil || update.Text != "what iz" {
		t.Fatalf("expected interim update, got %+v", update)
	}

	// Recognizer revises ordinal 0 before finalizing it.
	update = r.Observe(seg(1, 0, "what is", true))
	if update == nil || update.Text != "what is" {
		t.Fatalf("expected revised update, got %+v", update)
	}

	commit := r.EndTurn()
	if commit == nil || commit.Text != "what is" {
		t.Fatalf("expected commit of revised text, got %+v", commit)
	}
}

func TestNoDuplicateUpdates(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	r.Observe(seg(1, 0, "hello", false))
	if update := r.Observe(seg(1, 0, "hello", false)); update != nil {
		t.Errorf("identical recomputed text must not re-emit, got %+v", update)
	}
}

func TestReplayedFinalSequenceCommitsOnce(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	sequence := []entities.Segment{
		seg(1, 0, "hello", true),
		seg(1, 1, "world", true),
	}

	commits := 0
	for i := 0; i < 2; i++ {
		for _, s := range sequence {
			r.Observe(s)
		}
		if commit := r.EndTurn(); commit != nil {
			commits++
			if commit.Text != "hello world" {
				t.Errorf("unexpected commit text %q", commit.Text)
			}
		}
	}
	if commits != 1 {
		t.Errorf("expected exactly one commit across replay, got %d", commits)
	}
}

func TestZeroSegmentsNoCommit(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	if commit := r.EndTurn(); commit != nil {
		t.Errorf("expected no commit for a turn with zero segments, got %+v", commit)
	}
}

func TestSecondTurnStartsClean(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	r.Observe(seg(1, 0, "first turn", true))
	r.EndTurn()

	r.Observe(seg(2, 0, "second turn", true))
	commit := r.EndTurn()
	if commit == nil {
		t.Fatal("expected commit for second turn")
	}
	if commit.Text != "second turn" {
		t.Errorf("prior turn text leaked into new turn: %q", commit.Text)
	}
	if commit.TurnID != 2 {
		t.Errorf("expected turn id 2, got %d", commit.TurnID)
	}
}

func TestSupersededTurnDropsUncommittedSegments(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	// Turn 1 never finalizes; turn 2 supersedes it.
	r.Observe(seg(1, 0, "never finished", false))
	r.Observe(seg(2, 0, "fresh question", true))

	commit := r.EndTurn()
	if commit == nil {
		t.Fatal("expected commit")
	}
	if commit.Text != "fresh question" {
		t.Errorf("cancelled turn segments leaked: %q", commit.Text)
	}
}

func TestLateSegmentFromSupersededTurnIgnored(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	// Turn 1's recognizer flushes a late segment after turn 2 has started.
	r.Observe(seg(1, 0, "tell me about the refund", true))
	r.Observe(seg(2, 0, "what is the cancellation fee", true))
	if update := r.Observe(seg(1, 1, "period please", true)); update != nil {
		t.Errorf("late segment from a superseded turn must be dropped, got %+v", update)
	}

	commit := r.EndTurn()
	if commit == nil {
		t.Fatal("expected commit of the current turn")
	}
	if commit.Text != "what is the cancellation fee" || commit.TurnID != 2 {
		t.Errorf("superseded turn corrupted the commit: %+v", commit)
	}
}

func TestFallbackForOlderTurnIgnored(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	r.Observe(seg(5, 0, "current turn", false))
	if msg := r.FallbackFinal(4, "stale fallback"); msg != nil {
		t.Errorf("fallback for an older turn must be dropped, got %+v", msg)
	}
}

func TestForceCommitOnCancellation(t *testing.T) {
	r := NewReconciler(entities.RoleAgent)

	r.Observe(seg(1, 0, "partial answer", false))
	commit := r.ForceCommit()
	if commit == nil {
		t.Fatal("expected forced commit of partial text")
	}
	if commit.Text != "partial answer" {
		t.Errorf("unexpected forced commit text %q", commit.Text)
	}

	if again := r.ForceCommit(); again != nil {
		t.Errorf("second force commit must be empty, got %+v", again)
	}
}

func TestUpdateOmittedForEmptyText(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	if update := r.Observe(seg(1, 0, "  ", false)); update != nil {
		t.Errorf("expected no update for blank text, got %+v", update)
	}
}

func TestFallbackSuppressedOnceStreamingStarted(t *testing.T) {
	r := NewReconciler(entities.RoleAgent)

	r.Observe(seg(3, 0, "streamed answer", false))
	if msg := r.FallbackFinal(3, "fallback answer"); msg != nil {
		t.Errorf("fallback must be dropped once streaming is active, got %+v", msg)
	}
}

func TestFallbackCommitsWhenNoStreaming(t *testing.T) {
	r := NewReconciler(entities.RoleAgent)

	msg := r.FallbackFinal(4, "only source of truth")
	if msg == nil {
		t.Fatal("expected fallback commit")
	}
	if msg.Text != "only source of truth" || msg.TurnID != 4 {
		t.Errorf("unexpected fallback commit: %+v", msg)
	}

	// A replayed fallback for the same turn is ignored.
	if again := r.FallbackFinal(4, "only source of truth"); again != nil {
		t.Errorf("expected duplicate fallback suppression, got %+v", again)
	}
}

func TestSegmentsAfterCommitIgnored(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	r.Observe(seg(1, 0, "done", true))
	r.EndTurn()

	if update := r.Observe(seg(1, 1, "late straggler", true)); update != nil {
		t.Errorf("segments for a committed turn must be ignored, got %+v", update)
	}
}

func TestReset(t *testing.T) {
	r := NewReconciler(entities.RoleCaller)

	r.Observe(seg(1, 0, "partial", false))
	r.Reset()

	if got := r.pendingText(); got != "" {
		t.Errorf("expected empty state after reset, got %q", got)
	}
	if r.cursor != 0 {
		t.Errorf("expected cursor reset to zero, got %d", r.cursor)
	}
}
