package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/entities"
	"github.com/pandega/wicara/domain/repositories"
	"github.com/pandega/wicara/internal/broadcast"
	"github.com/pandega/wicara/internal/prompt"
	"github.com/pandega/wicara/internal/queryfilter"
	"github.com/pandega/wicara/internal/rag"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	matches []entities.RetrievedChunk
}

func (f *fakeStore) Upsert(ctx context.Context, docID string, chunks []repositories.ChunkRecord) error {
	return nil
}

func (f *fakeStore) Query(ctx context.Context, embedding []float32, topK int) ([]entities.RetrievedChunk, error) {
	out := make([]entities.RetrievedChunk, len(f.matches))
	copy(out, f.matches)
	return out, nil
}

func (f *fakeStore) DeleteDocument(ctx context.Context, docID string) error { return nil }
func (f *fakeStore) ClearNamespace(ctx context.Context) error               { return nil }

type fakeLLM struct {
	mu       sync.Mutex
	answer   string
	err      error
	prompt   string
	question string
}

func (f *fakeLLM) Generate(ctx context.Context, instructions, question string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = instructions
	f.question = question
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

func (f *fakeLLM) lastQuestion() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.question
}

type fakeSynth struct {
	frames int
	delay  time.Duration
}

func (f *fakeSynth) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	ch := make(chan []byte, 1)
	go func() {
		defer close(ch)
		for i := 0; i < f.frames; i++ {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- []byte(text):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type failingSynth struct{}

func (failingSynth) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	return nil, errors.New("synthesizer unreachable")
}

type personaStub struct {
	mu   sync.Mutex
	text string
}

func (p *personaStub) Get() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text, nil
}

func (p *personaStub) Set(text string) error {
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func collectEvents(t *testing.T, b *broadcast.Broadcaster) (*eventLog, func()) {
	t.Helper()
	ch, cancel := b.Subscribe()
	log := &eventLog{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range ch {
			ev, err := broadcast.DecodeEvent(payload)
			if err != nil {
				t.Errorf("broadcast emitted undecodable event: %v", err)
				continue
			}
			log.mu.Lock()
			log.events = append(log.events, ev)
			log.mu.Unlock()
		}
	}()
	return log, func() {
		cancel()
		<-done
	}
}

func (l *eventLog) transcripts(role entities.Role) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if tr, ok := ev.(broadcast.TranscriptEvent); ok && tr.Role == role {
			out = append(out, tr.Text)
		}
	}
	return out
}

func (l *eventLog) sources() []broadcast.RAGSourcesEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []broadcast.RAGSourcesEvent
	for _, ev := range l.events {
		if rs, ok := ev.(broadcast.RAGSourcesEvent); ok {
			out = append(out, rs)
		}
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	session  *entities.Session
	embedder *fakeEmbedder
	llm      *fakeLLM
	persona  *personaStub
	events   *broadcast.Broadcaster
	cancel   context.CancelFunc
	runDone  chan struct{}
}

func score(v float64) *float64 { return &v }

func newFixture(t *testing.T, synth repositories.SpeechSynthesizer, llm *fakeLLM, matches []entities.RetrievedChunk) *fixture {
	t.Helper()
	logger := zap.NewNop()
	session := entities.NewSession()
	embedder := &fakeEmbedder{}
	engine := rag.NewEngine(embedder, &fakeStore{matches: matches}, llm, rag.Config{
		TopK:     3,
		MinScore: 0.35,
	}, logger)
	persona := &personaStub{text: "You are a support agent."}
	composer := prompt.NewComposer(persona, 0, logger)
	events := broadcast.NewBroadcaster(logger)

	orch := New(session, queryfilter.Heuristic{}, engine, composer, synth, events, Config{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		orch.Run(ctx)
	}()

	// Drain transport-facing channels so the pipeline never backs up.
	go func() {
		for range orch.Updates() {
		}
	}()

	f := &fixture{
		orch:     orch,
		session:  session,
		embedder: embedder,
		llm:      llm,
		persona:  persona,
		events:   events,
		cancel:   cancel,
		runDone:  runDone,
	}
	t.Cleanup(func() {
		cancel()
		<-runDone
	})
	return f
}

func (f *fixture) speak(t *testing.T, text string) uint64 {
	t.Helper()
	turnID := f.orch.BeginTurn()
	f.orch.Ingest(entities.Segment{TurnID: turnID, Ordinal: 0, Text: text, IsFinal: true})
	f.orch.EndCallerTurn(turnID, "")
	return turnID
}

func drainAudio(o *Orchestrator) *atomicCounter {
	c := &atomicCounter{}
	go func() {
		for range o.AudioOut() {
			c.inc()
		}
	}()
	return c
}

type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAnswerWithRetrievedContext(t *testing.T) {
	llm := &fakeLLM{answer: "The warranty period is 2 years."}
	matches := []entities.RetrievedChunk{
		{Text: "the warranty period is 2 years", Score: score(0.85), Filename: "warranty.md", DocID: "d1"},
	}
	f := newFixture(t, &fakeSynth{frames: 2}, llm, matches)
	log, stop := collectEvents(t, f.events)
	defer stop()
	audio := drainAudio(f.orch)

	f.speak(t, "what's the warranty period?")

	waitFor(t, "agent transcript", func() bool {
		return len(log.transcripts(entities.RoleAgent)) > 0
	})

	if got := log.transcripts(entities.RoleCaller); len(got) != 1 || got[0] != "what's the warranty period?" {
		t.Errorf("unexpected caller transcripts: %v", got)
	}
	if got := log.transcripts(entities.RoleAgent); !strings.Contains(got[0], "2 years") {
		t.Errorf("agent answer missing retrieved fact: %v", got)
	}

	srcs := log.sources()
	if len(srcs) != 1 || len(srcs[0].Sources) != 1 {
		t.Fatalf("expected one rag_sources event with one entry, got %+v", srcs)
	}
	src := srcs[0].Sources[0]
	if src.Filename != "warranty.md" || src.Score == nil || *src.Score != 0.85 {
		t.Errorf("unexpected source attribution: %+v", src)
	}

	if !strings.Contains(llm.lastPrompt(), "warranty period is 2 years") {
		t.Error("retrieved chunk text did not reach the generation prompt")
	}

	waitFor(t, "audio frames", func() bool { return audio.value() == 2 })
	waitFor(t, "listening state", func() bool { return f.orch.State() == StateListening })
}

func TestFillerSkipsRetrieval(t *testing.T) {
	llm := &fakeLLM{answer: "You're welcome!"}
	f := newFixture(t, &fakeSynth{frames: 1}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()
	drainAudio(f.orch)

	f.speak(t, "thanks, that's all")

	waitFor(t, "agent transcript", func() bool {
		return len(log.transcripts(entities.RoleAgent)) > 0
	})

	if f.embedder.callCount() != 0 {
		t.Error("filler utterance must not trigger retrieval")
	}
	if len(log.sources()) != 0 {
		t.Error("no rag_sources event expected when retrieval is skipped")
	}
	if !strings.Contains(llm.lastPrompt(), prompt.NoContextMarker) {
		t.Error("prompt must carry the explicit no-context marker")
	}
}

func TestBargeInCancelsSpeakingTurn(t *testing.T) {
	llm := &fakeLLM{answer: "A very long answer."}
	f := newFixture(t, &fakeSynth{frames: 200, delay: 5 * time.Millisecond}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()
	audio := drainAudio(f.orch)

	f.speak(t, "explain the whole contract")
	waitFor(t, "speaking state", func() bool { return f.orch.State() == StateSpeaking })
	waitFor(t, "some audio", func() bool { return audio.value() > 0 })

	// Caller starts talking again: audio for the stale turn must stop well
	// short of completion and the new turn must be answered normally.
	llm.mu.Lock()
	llm.answer = "Second answer."
	llm.mu.Unlock()
	f.speak(t, "actually, what's the cancellation fee?")

	waitFor(t, "second agent transcript", func() bool {
		return len(log.transcripts(entities.RoleAgent)) >= 2
	})
	time.Sleep(50 * time.Millisecond)
	if audio.value() >= 200 {
		t.Errorf("stale turn audio ran to completion: %d frames", audio.value())
	}

	agent := log.transcripts(entities.RoleAgent)
	if agent[len(agent)-1] != "Second answer." {
		t.Errorf("newest turn's answer missing, got %v", agent)
	}
}

func TestGenerationFailureEmitsApology(t *testing.T) {
	llm := &fakeLLM{err: errors.New("model overloaded")}
	f := newFixture(t, &fakeSynth{frames: 1}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()
	drainAudio(f.orch)

	f.speak(t, "thanks so much")

	waitFor(t, "apology transcript", func() bool {
		return len(log.transcripts(entities.RoleAgent)) > 0
	})
	if got := log.transcripts(entities.RoleAgent)[0]; got != DefaultApology {
		t.Errorf("expected apology utterance, got %q", got)
	}
	waitFor(t, "back to listening", func() bool { return f.orch.State() == StateListening })
}

func TestSynthesisFailureReturnsToListening(t *testing.T) {
	llm := &fakeLLM{answer: "answer"}
	f := newFixture(t, failingSynth{}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()

	f.speak(t, "okay then")

	waitFor(t, "agent transcript", func() bool {
		return len(log.transcripts(entities.RoleAgent)) > 0
	})
	waitFor(t, "listening after synth failure", func() bool {
		return f.orch.State() == StateListening
	})
}

func TestPersonaEditAppliesNextTurn(t *testing.T) {
	llm := &fakeLLM{answer: "ok"}
	f := newFixture(t, &fakeSynth{frames: 1}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()
	drainAudio(f.orch)

	f.speak(t, "hello there friend")
	waitFor(t, "first turn", func() bool {
		return len(log.transcripts(entities.RoleAgent)) >= 1
	})
	if !strings.Contains(llm.lastPrompt(), "You are a support agent.") {
		t.Error("first turn must use the original persona")
	}

	f.persona.Set("You are a pirate.")
	f.speak(t, "hello there again friend")
	waitFor(t, "second turn", func() bool {
		return len(log.transcripts(entities.RoleAgent)) >= 2
	})
	if !strings.Contains(llm.lastPrompt(), "You are a pirate.") {
		t.Error("persona edit must apply on the next turn without reconnect")
	}
}

func TestInterimSegmentsProduceNoCommit(t *testing.T) {
	llm := &fakeLLM{answer: "ok"}
	f := newFixture(t, &fakeSynth{frames: 1}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()

	turnID := f.orch.BeginTurn()
	f.orch.Ingest(entities.Segment{TurnID: turnID, Ordinal: 0, Text: "still talk", IsFinal: false})
	f.orch.EndCallerTurn(turnID, "")

	time.Sleep(50 * time.Millisecond)
	if got := log.transcripts(entities.RoleCaller); len(got) != 0 {
		t.Errorf("non-final segments must not commit, got %v", got)
	}
}

func TestLateRecognizerFlushKeepsNewTurnIntact(t *testing.T) {
	llm := &fakeLLM{answer: "The fee is 50 dollars."}
	f := newFixture(t, &fakeSynth{frames: 1}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()
	drainAudio(f.orch)

	turn1 := f.orch.BeginTurn()
	f.orch.Ingest(entities.Segment{TurnID: turn1, Ordinal: 0, Text: "tell me about the refund", IsFinal: true})

	// Caller barges in before ending the first turn. The first recognizer
	// stream flushes a late segment and its end-of-turn signal while the
	// second turn is already underway.
	turn2 := f.orch.BeginTurn()
	f.orch.Ingest(entities.Segment{TurnID: turn2, Ordinal: 0, Text: "what is the cancellation fee", IsFinal: true})
	f.orch.Ingest(entities.Segment{TurnID: turn1, Ordinal: 1, Text: "period please", IsFinal: true})
	f.orch.EndCallerTurn(turn1, "")
	f.orch.EndCallerTurn(turn2, "")

	waitFor(t, "agent transcript", func() bool {
		return len(log.transcripts(entities.RoleAgent)) > 0
	})

	callers := log.transcripts(entities.RoleCaller)
	if len(callers) == 0 || callers[len(callers)-1] != "what is the cancellation fee" {
		t.Fatalf("expected the new turn's utterance committed last, got %v", callers)
	}
	for _, text := range callers {
		if strings.Contains(text, "period please") {
			t.Errorf("late flush from the superseded turn leaked into the transcript: %v", callers)
		}
	}
	if got := llm.lastQuestion(); got != "what is the cancellation fee" {
		t.Errorf("expected the new turn's question to drive generation, got %q", got)
	}
}

func TestBargeInForceCommitsInterimCallerText(t *testing.T) {
	llm := &fakeLLM{answer: "ok"}
	f := newFixture(t, &fakeSynth{frames: 1}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()
	drainAudio(f.orch)

	turn1 := f.orch.BeginTurn()
	f.orch.Ingest(entities.Segment{TurnID: turn1, Ordinal: 0, Text: "so about the", IsFinal: false})

	f.speak(t, "hello there friend")

	waitFor(t, "both caller transcripts", func() bool {
		return len(log.transcripts(entities.RoleCaller)) >= 2
	})
	callers := log.transcripts(entities.RoleCaller)
	if callers[0] != "so about the" {
		t.Errorf("expected the superseded turn's partial text finalized first, got %v", callers)
	}
	if callers[1] != "hello there friend" {
		t.Errorf("expected the new turn's utterance second, got %v", callers)
	}
}

func TestFallbackTranscriptUsedWhenRecognizerDeliversNothing(t *testing.T) {
	llm := &fakeLLM{answer: "Two years."}
	f := newFixture(t, &fakeSynth{frames: 1}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()
	drainAudio(f.orch)

	turnID := f.orch.BeginTurn()
	f.orch.EndCallerTurn(turnID, "what's the warranty period?")

	waitFor(t, "agent transcript", func() bool {
		return len(log.transcripts(entities.RoleAgent)) > 0
	})
	if got := log.transcripts(entities.RoleCaller); len(got) != 1 || got[0] != "what's the warranty period?" {
		t.Errorf("expected the fallback transcript committed, got %v", got)
	}
	if got := llm.lastQuestion(); got != "what's the warranty period?" {
		t.Errorf("expected the fallback text to drive generation, got %q", got)
	}
}

func TestFallbackIgnoredWhenStreamingCommitted(t *testing.T) {
	llm := &fakeLLM{answer: "ok"}
	f := newFixture(t, &fakeSynth{frames: 1}, llm, nil)
	log, stop := collectEvents(t, f.events)
	defer stop()
	drainAudio(f.orch)

	turnID := f.orch.BeginTurn()
	f.orch.Ingest(entities.Segment{TurnID: turnID, Ordinal: 0, Text: "hello there friend", IsFinal: true})
	f.orch.EndCallerTurn(turnID, "a different client-side transcript")

	waitFor(t, "agent transcript", func() bool {
		return len(log.transcripts(entities.RoleAgent)) > 0
	})
	if got := log.transcripts(entities.RoleCaller); len(got) != 1 || got[0] != "hello there friend" {
		t.Errorf("streamed commit must win over the fallback transcript, got %v", got)
	}
}

func TestRegistrySingleActiveSession(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	first, err := reg.Acquire()
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := reg.Acquire(); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("expected ErrSessionConflict, got %v", err)
	}

	reg.Release(first.ID)
	if _, err := reg.Acquire(); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestRegistryReleaseWrongSessionIsNoop(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	active, _ := reg.Acquire()

	reg.Release("not-the-active-session")
	if reg.Active() == nil || reg.Active().ID != active.ID {
		t.Error("releasing a non-active session must not free the lock")
	}
}
