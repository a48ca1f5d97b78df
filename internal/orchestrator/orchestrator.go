package orchestrator

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/entities"
	"github.com/pandega/wicara/domain/repositories"
	"github.com/pandega/wicara/internal/broadcast"
	"github.com/pandega/wicara/internal/prompt"
	"github.com/pandega/wicara/internal/rag"
	"github.com/pandega/wicara/internal/reconcile"
)

// State of the turn pipeline.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateFiltering    State = "filtering"
	StateRetrieving   State = "retrieving"
	StateComposing    State = "composing"
	StateGenerating   State = "generating"
	StateSpeaking     State = "speaking"
	StateCancelled    State = "cancelled"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Config tunes orchestrator behavior.
type Config struct {
	// Greeting is spoken through the normal agent path when the session
	// connects. Empty disables the greeting.
	Greeting string
	// Apology is the utterance emitted when generation or synthesis fails
	// unrecoverably for a turn.
	Apology string
	// RecentDepth is how many prior caller utterances are prepended to the
	// retrieval query so short follow-ups still retrieve well.
	RecentDepth int
}

// DefaultApology is spoken when a turn's generation or synthesis fails.
const DefaultApology = "Sorry, I'm having trouble answering right now. Could you say that again?"

const (
	defaultRecentDepth = 3
	audioOutBuffer     = 64
	updateBuffer       = 16
	segmentBuffer      = 64
)

// Orchestrator runs the per-session turn state machine: it sequences
// reconciliation, filtering, retrieval, composition, generation, and speech,
// and is the sole arbiter of cancellation. Recognition for the next turn is
// accepted while the current turn is still speaking; a newer turn cancels
// the older turn's downstream work rather than interleaving with it.
type Orchestrator struct {
	session  *entities.Session
	filter   repositories.QueryClassifier
	engine   *rag.Engine
	composer *prompt.Composer
	synth    repositories.SpeechSynthesizer
	events   *broadcast.Broadcaster
	logger   *zap.Logger

	caller *reconcile.Reconciler

	// agent is shared by per-turn goroutines: a freshly cancelled turn can
	// still be in deliverAnswer when the next turn's goroutine gets there.
	agentMu sync.Mutex
	agent   *reconcile.Reconciler

	segments chan entities.Segment
	turnEnds chan turnEnd
	audioOut chan []byte
	updates  chan reconcile.Update

	mu    sync.Mutex
	state State
	work  *turnWork

	recent      []string
	greeting    string
	apology     string
	recentDepth int

	genFailures int
}

type turnWork struct {
	turn   *entities.Turn
	cancel context.CancelFunc
	done   chan struct{}
}

// turnEnd is the transport's end-of-turn signal. fallback carries the
// client-side transcript, used only when streaming recognition produced
// nothing for the turn.
type turnEnd struct {
	turnID   uint64
	fallback string
}

// New creates an orchestrator for one session.
func New(
	session *entities.Session,
	filter repositories.QueryClassifier,
	engine *rag.Engine,
	composer *prompt.Composer,
	synth repositories.SpeechSynthesizer,
	events *broadcast.Broadcaster,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if cfg.RecentDepth <= 0 {
		cfg.RecentDepth = defaultRecentDepth
	}
	return &Orchestrator{
		session:     session,
		filter:      filter,
		engine:      engine,
		composer:    composer,
		synth:       synth,
		events:      events,
		logger:      logger,
		caller:      reconcile.NewReconciler(entities.RoleCaller),
		agent:       reconcile.NewReconciler(entities.RoleAgent),
		segments:    make(chan entities.Segment, segmentBuffer),
		turnEnds:    make(chan turnEnd, 4),
		audioOut:    make(chan []byte, audioOutBuffer),
		updates:     make(chan reconcile.Update, updateBuffer),
		state:       StateIdle,
		greeting:    cfg.Greeting,
		apology:     cfg.Apology,
		recentDepth: cfg.RecentDepth,
	}
}

// AudioOut is the stream of synthesized audio frames for the transport.
// Frames for a cancelled turn never appear here.
func (o *Orchestrator) AudioOut() <-chan []byte { return o.audioOut }

// Updates is the stream of interim transcript updates for the transport.
func (o *Orchestrator) Updates() <-chan reconcile.Update { return o.updates }

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// BeginTurn assigns the next turn id. Calling it while an older turn is
// still in flight is a barge-in: the older turn is cancelled and its
// remaining output suppressed.
func (o *Orchestrator) BeginTurn() uint64 {
	id := o.session.NextTurnID()
	o.cancelStaleWork(id)
	return id
}

// Ingest feeds one recognition segment into the pipeline. The transport
// stamps the turn id before calling. Segments for a turn newer than the one
// currently in flight also trigger barge-in cancellation.
func (o *Orchestrator) Ingest(seg entities.Segment) {
	select {
	case o.segments <- seg:
	default:
		o.logger.Warn("Segment buffer full, dropping segment",
			zap.Uint64("turnID", seg.TurnID),
			zap.Int("ordinal", seg.Ordinal))
	}
}

// EndCallerTurn signals that the recognizer finished delivering segments for
// the turn, committing the caller utterance and starting the response
// pipeline. fallbackText is the client-side transcript for the turn; it is
// used only when streaming recognition delivered nothing.
func (o *Orchestrator) EndCallerTurn(turnID uint64, fallbackText string) {
	select {
	case o.turnEnds <- turnEnd{turnID: turnID, fallback: fallbackText}:
	default:
		o.logger.Warn("Turn-end buffer full, dropping signal", zap.Uint64("turnID", turnID))
	}
}

// Run drives the state machine until ctx is cancelled (transport ended the
// session). It owns all state transitions; retrieval, generation, and speech
// for a turn run in a per-turn goroutine carrying that turn's cancellation
// context.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(StateListening)

	if o.greeting != "" {
		turn := &entities.Turn{ID: o.session.NextTurnID(), Retrieval: entities.RetrievalNone, State: entities.TurnPending}
		o.startWork(ctx, turn, func(turnCtx context.Context) {
			o.deliverAnswer(turnCtx, turn, o.greeting)
		})
	}

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case seg := <-o.segments:
			o.handleSegment(seg)
		case end := <-o.turnEnds:
			o.handleTurnEnd(ctx, end)
		}
	}
}

func (o *Orchestrator) handleSegment(seg entities.Segment) {
	if seg.TurnID < o.session.CurrentTurnID() {
		// Late flush from a superseded turn's recognizer stream.
		return
	}
	o.cancelStaleWork(seg.TurnID)

	if seg.TurnID > o.caller.TurnID() {
		// Barge-in: the superseded turn's uncommitted caller text is forcibly
		// finalized so it still reaches the transcript. It gets no answer.
		if msg := o.caller.ForceCommit(); msg != nil {
			o.events.PublishTranscript(entities.RoleCaller, msg.Text)
			o.remember(msg.Text)
		}
	}

	if update := o.caller.Observe(seg); update != nil {
		select {
		case o.updates <- *update:
		default:
		}
	}
}

func (o *Orchestrator) handleTurnEnd(ctx context.Context, end turnEnd) {
	if end.turnID < o.session.CurrentTurnID() {
		// End-of-turn signal for a superseded turn.
		return
	}
	var msg *entities.TranscriptMessage
	if end.turnID == o.caller.TurnID() {
		msg = o.caller.EndTurn()
	}
	if msg == nil && end.fallback != "" {
		// No streamed commit for this turn: fall back to the client-side
		// transcript. The reconciler suppresses it once streaming started.
		msg = o.caller.FallbackFinal(end.turnID, end.fallback)
	}
	if msg == nil {
		// Superseded turn, zero segments, or still-interim text.
		return
	}

	turn := &entities.Turn{
		ID:         msg.TurnID,
		CallerText: msg.Text,
		Finalized:  true,
		Retrieval:  entities.RetrievalNone,
		State:      entities.TurnPending,
	}

	o.events.PublishTranscript(entities.RoleCaller, msg.Text)
	o.remember(msg.Text)

	// Filtering runs in-line: it is cheap and never the latency bottleneck.
	o.setState(StateFiltering)
	needsRetrieval := o.filter.NeedsRetrieval(turn.CallerText)
	query := o.enrichedQuery(turn.CallerText)

	o.startWork(ctx, turn, func(turnCtx context.Context) {
		o.processTurn(turnCtx, turn, query, needsRetrieval)
	})
}

func (o *Orchestrator) startWork(ctx context.Context, turn *entities.Turn, fn func(context.Context)) {
	turnCtx, cancel := context.WithCancel(ctx)
	work := &turnWork{turn: turn, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.work = work
	o.mu.Unlock()

	go func() {
		defer close(work.done)
		defer cancel()
		fn(turnCtx)
	}()
}

// processTurn runs the suspension-point stages of one turn. The per-turn
// context is checked before retrieval, before generation, and before each
// audio frame; once cancelled, results are discarded even if a downstream
// call completes later.
func (o *Orchestrator) processTurn(ctx context.Context, turn *entities.Turn, query string, needsRetrieval bool) {
	var chunks []entities.RetrievedChunk

	if needsRetrieval {
		if o.abandoned(ctx, turn) {
			return
		}
		o.setState(StateRetrieving)
		chunks = o.engine.Retrieve(ctx, query)
		if len(chunks) == 0 {
			turn.Retrieval = entities.RetrievalEmpty
		} else {
			turn.Retrieval = entities.RetrievalChunks
			turn.Chunks = chunks
		}
	}

	if o.abandoned(ctx, turn) {
		return
	}
	if len(chunks) > 0 {
		o.events.PublishSources(chunks)
	}

	o.setState(StateComposing)
	instructions := o.composer.Compose(chunks)

	if o.abandoned(ctx, turn) {
		return
	}
	o.setState(StateGenerating)
	answer, err := o.engine.Synthesize(ctx, turn.CallerText, instructions)
	if err != nil {
		if ctx.Err() != nil {
			turn.State = entities.TurnCancelled
			return
		}
		o.mu.Lock()
		o.genFailures++
		failures := o.genFailures
		o.mu.Unlock()
		o.logger.Warn("Generation failed, emitting apology",
			zap.Uint64("turnID", turn.ID),
			zap.Int("failures", failures),
			zap.Error(err))
		o.setState(StateError)
		turn.State = entities.TurnFailed
		answer = o.apology
	}

	o.deliverAnswer(ctx, turn, answer)
}

// deliverAnswer reconciles the agent text into the transcript and streams
// synthesized audio, suppressing everything once the turn goes stale.
func (o *Orchestrator) deliverAnswer(ctx context.Context, turn *entities.Turn, text string) {
	if o.abandoned(ctx, turn) {
		return
	}

	o.agentMu.Lock()
	update := o.agent.Observe(entities.Segment{TurnID: turn.ID, Ordinal: 0, Text: text, IsFinal: true})
	msg := o.agent.EndTurn()
	o.agentMu.Unlock()

	if update != nil {
		select {
		case o.updates <- *update:
		default:
		}
	}
	if msg != nil {
		turn.AgentText = msg.Text
		o.events.PublishTranscript(entities.RoleAgent, msg.Text)
	}

	o.setState(StateSpeaking)
	audio, err := o.synth.ConvertTextToSpeech(ctx, text)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("Speech synthesis failed",
				zap.Uint64("turnID", turn.ID),
				zap.Error(err))
			o.setState(StateError)
		}
		o.setState(StateListening)
		return
	}

	for frame := range audio {
		if o.abandoned(ctx, turn) {
			// Stale turn: stop emitting at the audio boundary and drain the
			// synthesizer stream so its goroutine can exit.
			for range audio {
			}
			return
		}
		select {
		case o.audioOut <- frame:
		case <-ctx.Done():
			for range audio {
			}
			turn.State = entities.TurnCancelled
			return
		}
	}

	if turn.State == entities.TurnPending {
		turn.State = entities.TurnAnswered
	}
	o.setState(StateListening)
}

// cancelStaleWork aborts the in-flight turn when a newer turn id has been
// assigned. The cancelled turn's in-flight retrieval, generation, and speech
// are discarded, never merged into output.
func (o *Orchestrator) cancelStaleWork(newTurnID uint64) {
	o.mu.Lock()
	work := o.work
	o.mu.Unlock()

	if work == nil || work.turn.ID >= newTurnID {
		return
	}
	select {
	case <-work.done:
		return
	default:
	}

	o.setState(StateCancelled)
	work.cancel()
	o.logger.Info("Barge-in: cancelled stale turn",
		zap.Uint64("staleTurnID", work.turn.ID),
		zap.Uint64("newTurnID", newTurnID))
	o.setState(StateListening)
}

func (o *Orchestrator) abandoned(ctx context.Context, turn *entities.Turn) bool {
	if ctx.Err() != nil || turn.StaleAgainst(o.session.CurrentTurnID()) {
		if turn.State == entities.TurnPending {
			turn.State = entities.TurnCancelled
		}
		return true
	}
	return false
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	work := o.work
	o.mu.Unlock()
	if work != nil {
		work.cancel()
	}
	o.session.Disconnect()
	o.setState(StateDisconnected)
	o.logger.Info("Orchestrator disconnected", zap.String("sessionID", o.session.ID))
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// remember keeps the last few caller utterances for retrieval enrichment.
func (o *Orchestrator) remember(text string) {
	o.recent = append(o.recent, text)
	if len(o.recent) > o.recentDepth+1 {
		o.recent = o.recent[len(o.recent)-o.recentDepth-1:]
	}
}

// enrichedQuery prefixes recent conversation context so short follow-up
// questions still retrieve the right chunks.
func (o *Orchestrator) enrichedQuery(question string) string {
	if len(o.recent) <= 1 {
		return question
	}
	prior := o.recent[:len(o.recent)-1]
	if len(prior) > o.recentDepth {
		prior = prior[len(prior)-o.recentDepth:]
	}
	return "Context: " + strings.Join(prior, " | ") + " | Current question: " + question
}
