package broadcast

import (
	"testing"

	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/entities"
)

func TestPublishTranscriptReachesObservers(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	ch, cancel := b.Subscribe()
	defer cancel()

	b.PublishTranscript(entities.RoleAgent, "the warranty period is 2 years")

	payload := <-ch
	ev, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	tr, ok := ev.(TranscriptEvent)
	if !ok {
		t.Fatalf("expected TranscriptEvent, got %T", ev)
	}
	if tr.Role != entities.RoleAgent || tr.Text != "the warranty period is 2 years" {
		t.Errorf("unexpected event: %+v", tr)
	}
}

func TestPublishSourcesRoundTrip(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	ch, cancel := b.Subscribe()
	defer cancel()

	s := 0.85
	b.PublishSources([]entities.RetrievedChunk{
		{Text: "the warranty period is 2 years", Score: &s, Filename: "warranty.md", DocID: "d1"},
	})

	ev, err := DecodeEvent(<-ch)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	rs, ok := ev.(RAGSourcesEvent)
	if !ok {
		t.Fatalf("expected RAGSourcesEvent, got %T", ev)
	}
	if len(rs.Sources) != 1 {
		t.Fatalf("expected one source, got %d", len(rs.Sources))
	}
	src := rs.Sources[0]
	if src.Filename != "warranty.md" || src.Score == nil || *src.Score != 0.85 {
		t.Errorf("unexpected source: %+v", src)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"type":"telemetry","x":1}`)); err == nil {
		t.Error("expected unknown event type to be rejected")
	}
}

func TestDecodeRejectsBadRole(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"type":"transcript","role":"narrator","text":"hi"}`)); err == nil {
		t.Error("expected invalid role to be rejected")
	}
}

func TestSlowObserverDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	_, cancel := b.Subscribe() // never drained
	defer cancel()

	// Overflow the buffer; publish must not block.
	for i := 0; i < observerBuffer*2; i++ {
		b.PublishTranscript(entities.RoleCaller, "flood")
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	_, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	if n := b.ObserverCount(); n != 0 {
		t.Errorf("expected zero observers after cancel, got %d", n)
	}
}
