package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/entities"
)

// EventType identifies a side-channel event. The set is closed: unknown
// types are rejected at the parse boundary rather than best-effort decoded.
type EventType string

const (
	EventTypeTranscript EventType = "transcript"
	EventTypeRAGSources EventType = "rag_sources"
)

// TranscriptEvent carries one committed transcript message.
type TranscriptEvent struct {
	Type EventType     `json:"type"`
	Role entities.Role `json:"role"`
	Text string        `json:"text"`
}

// SourceRef is one retrieved chunk as exposed to observers.
type SourceRef struct {
	Text     string   `json:"text"`
	Score    *float64 `json:"score"`
	Filename string   `json:"filename"`
	DocID    string   `json:"doc_id"`
}

// RAGSourcesEvent carries the chunks that grounded the current answer.
type RAGSourcesEvent struct {
	Type    EventType   `json:"type"`
	Sources []SourceRef `json:"sources"`
}

// Event is the closed union of side-channel payloads.
type Event interface {
	eventType() EventType
}

func (e TranscriptEvent) eventType() EventType { return e.Type }
func (e RAGSourcesEvent) eventType() EventType { return e.Type }

// DecodeEvent validates raw side-channel bytes into the closed union.
// Unknown or malformed payloads are an error, never partially decoded.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	switch head.Type {
	case EventTypeTranscript:
		var ev TranscriptEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid transcript event: %w", err)
		}
		if ev.Role != entities.RoleCaller && ev.Role != entities.RoleAgent {
			return nil, fmt.Errorf("invalid transcript role: %q", ev.Role)
		}
		return ev, nil
	case EventTypeRAGSources:
		var ev RAGSourcesEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid rag_sources event: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", head.Type)
	}
}

const observerBuffer = 32

// Broadcaster fans side-channel events out to observers. Delivery is
// best-effort and at-most-once: a slow observer's buffer overflowing drops
// the event for that observer rather than blocking the pipeline. Ordering is
// per-turn only; stale-turn events are suppressed by the orchestrator before
// they reach this point.
type Broadcaster struct {
	mu        sync.RWMutex
	observers map[chan []byte]struct{}
	logger    *zap.Logger
}

// NewBroadcaster creates a broadcaster with no observers.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		observers: make(map[chan []byte]struct{}),
		logger:    logger,
	}
}

// Subscribe registers an observer. The returned cancel func unregisters it
// and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, observerBuffer)
	b.mu.Lock()
	b.observers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.observers[ch]; ok {
			delete(b.observers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// PublishTranscript emits a transcript event.
func (b *Broadcaster) PublishTranscript(role entities.Role, text string) {
	b.publish(TranscriptEvent{Type: EventTypeTranscript, Role: role, Text: text})
}

// PublishSources emits a rag_sources event for the given chunks.
func (b *Broadcaster) PublishSources(chunks []entities.RetrievedChunk) {
	sources := make([]SourceRef, len(chunks))
	for i, c := range chunks {
		sources[i] = SourceRef{Text: c.Text, Score: c.Score, Filename: c.Filename, DocID: c.DocID}
	}
	b.publish(RAGSourcesEvent{Type: EventTypeRAGSources, Sources: sources})
}

func (b *Broadcaster) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.observers {
		select {
		case ch <- payload:
		default:
			b.logger.Debug("Dropping event for slow observer",
				zap.String("type", string(ev.eventType())))
		}
	}
}

// ObserverCount reports how many observers are subscribed.
func (b *Broadcaster) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}
