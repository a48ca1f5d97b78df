package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/pandega/wicara/domain/repositories"
	"github.com/pandega/wicara/internal/broadcast"
	"github.com/pandega/wicara/internal/orchestrator"
	"github.com/pandega/wicara/internal/prompt"
	"github.com/pandega/wicara/internal/rag"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// How long the audio forwarder waits before checking whether the agent
	// finished speaking.
	speakingPollInterval = 200 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub wires caller and observer connections to the turn pipeline. One caller
// holds the session at a time; observers only receive broadcast events.
type Hub struct {
	registry   *orchestrator.Registry
	recognizer repositories.SpeechRecognizer
	filter     repositories.QueryClassifier
	engine     *rag.Engine
	composer   *prompt.Composer
	synth      repositories.SpeechSynthesizer
	events     *broadcast.Broadcaster
	orchConfig orchestrator.Config
	logger     *zap.Logger
}

// NewHub creates a WebSocket hub
func NewHub(
	registry *orchestrator.Registry,
	recognizer repositories.SpeechRecognizer,
	filter repositories.QueryClassifier,
	engine *rag.Engine,
	composer *prompt.Composer,
	synth repositories.SpeechSynthesizer,
	events *broadcast.Broadcaster,
	orchConfig orchestrator.Config,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		registry:   registry,
		recognizer: recognizer,
		filter:     filter,
		engine:     engine,
		composer:   composer,
		synth:      synth,
		events:     events,
		orchConfig: orchConfig,
		logger:     logger,
	}
}

type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is the middleman between one caller connection and the pipeline.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan WriteData
	identity string
	orch     *orchestrator.Orchestrator
	logger   *zap.Logger

	// Current recognition stream, guarded by mu. Nil outside a
	// listening_start/listening_end window. fallbackText is the client-side
	// transcript from listening_end, consumed when the turn is signalled.
	mu           sync.Mutex
	stream       repositories.RecognitionStream
	turnID       uint64
	fallbackText string
}

// HandleCallerSocket upgrades an authenticated caller connection and runs the
// session until the socket closes. A second caller is rejected while the
// first is active.
func (h *Hub) HandleCallerSocket(c echo.Context, identity string) error {
	session, err := h.registry.Acquire()
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionConflict) {
			return echo.NewHTTPError(http.StatusConflict, "another session is already active")
		}
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.registry.Release(session.ID)
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	orch := orchestrator.New(session, h.filter, h.engine, h.composer, h.synth, h.events, h.orchConfig, h.logger)

	// The handler returns as soon as the pumps are started, which would
	// cancel the request context; the session lives until the socket closes.
	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan WriteData, 256),
		identity: identity,
		orch:     orch,
		logger:   h.logger.With(zap.String("identity", identity), zap.String("sessionID", session.ID)),
	}

	go client.writePump()
	go client.forwardUpdates(ctx)
	go client.forwardAudio(ctx)
	go func() {
		defer cancel()
		defer h.registry.Release(session.ID)
		client.readPump(ctx)
	}()

	return nil
}

// HandleObserverSocket streams transcript and retrieval events to a read-only
// observer. Any number of observers may connect.
func (h *Hub) HandleObserverSocket(c echo.Context, identity string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	eventCh, unsubscribe := h.events.Subscribe()
	logger := h.logger.With(zap.String("identity", identity))
	logger.Info("Observer connected")

	done := make(chan struct{})

	// Inbound side only services pings and detects disconnect.
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer unsubscribe()
		defer conn.Close()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				logger.Info("Observer disconnected")
				return
			case payload, ok := <-eventCh:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	return nil
}

// readPump pumps messages from the caller connection into the pipeline.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.closeStream()
		c.conn.Close()
		c.logger.Info("Caller disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.processControlMessage(ctx, message)
		case websocket.BinaryMessage:
			c.processAudioFrame(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the pipeline to the caller connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) processControlMessage(ctx context.Context, message []byte) {
	msg, err := ParseControlMessage(message)
	if err != nil {
		c.logger.Warn("Invalid control message", zap.Error(err))
		c.enqueue(websocket.TextMessage, mustMarshal(NewErrorMessage("bad_message", err.Error())))
		return
	}

	switch m := msg.(type) {
	case *ListeningStartMessage:
		c.handleListeningStart(ctx, m)
	case *ListeningEndMessage:
		c.handleListeningEnd(m)
	}
}

// handleListeningStart opens a new caller turn. An in-flight agent response
// is a barge-in target: assigning the new turn id cancels it.
func (c *Client) handleListeningStart(ctx context.Context, msg *ListeningStartMessage) {
	c.closeStream()

	audioConfig := repositories.AudioConfig{
		SampleRate: 48000,
		Language:   "en-US",
		Encoding:   "LINEAR16",
	}
	if msg.SampleRate > 0 {
		audioConfig.SampleRate = msg.SampleRate
	}
	if msg.Language != "" {
		audioConfig.Language = msg.Language
	}
	if msg.Encoding != "" {
		audioConfig.Encoding = msg.Encoding
	}

	turnID := c.orch.BeginTurn()

	ack := ListeningAck{
		BaseMessage: BaseMessage{Type: MessageTypeListeningStart, Timestamp: time.Now().Format(time.RFC3339)},
		TurnID:      turnID,
	}

	stream, err := c.hub.recognizer.StartStream(ctx, audioConfig)
	if err != nil {
		c.logger.Error("Failed to start recognition stream",
			zap.Uint64("turnID", turnID),
			zap.Error(err))
		ack.Error = "failed to start transcription"
		c.enqueue(websocket.TextMessage, mustMarshal(ack))
		return
	}

	c.mu.Lock()
	c.stream = stream
	c.turnID = turnID
	c.fallbackText = ""
	c.mu.Unlock()

	go c.consumeSegments(stream, turnID)

	c.logger.Info("Listening started", zap.Uint64("turnID", turnID))
	c.enqueue(websocket.TextMessage, mustMarshal(ack))
}

// handleListeningEnd closes the recognition stream. The turn itself is
// committed by consumeSegments once the recognizer has flushed its tail.
func (c *Client) handleListeningEnd(msg *ListeningEndMessage) {
	c.mu.Lock()
	stream := c.stream
	turnID := c.turnID
	c.stream = nil
	c.fallbackText = msg.Text
	c.mu.Unlock()

	ack := ListeningAck{
		BaseMessage: BaseMessage{Type: MessageTypeListeningEnd, Timestamp: time.Now().Format(time.RFC3339)},
		TurnID:      turnID,
	}

	if stream == nil {
		ack.Error = "not listening"
		c.enqueue(websocket.TextMessage, mustMarshal(ack))
		return
	}

	if err := stream.Close(); err != nil {
		c.logger.Error("Failed to close recognition stream",
			zap.Uint64("turnID", turnID),
			zap.Error(err))
		ack.Error = "failed to end transcription"
	}
	c.enqueue(websocket.TextMessage, mustMarshal(ack))
}

// consumeSegments stamps the turn id onto recognizer segments and feeds them
// to the pipeline, then signals end of turn once the recognizer is done.
func (c *Client) consumeSegments(stream repositories.RecognitionStream, turnID uint64) {
	for seg := range stream.Segments() {
		seg.TurnID = turnID
		c.orch.Ingest(seg)
	}

	c.mu.Lock()
	fallback := c.fallbackText
	c.fallbackText = ""
	c.mu.Unlock()
	c.orch.EndCallerTurn(turnID, fallback)
}

func (c *Client) processAudioFrame(data []byte) {
	c.mu.Lock()
	stream := c.stream
	turnID := c.turnID
	c.mu.Unlock()

	if stream == nil {
		c.logger.Warn("Received audio frame outside a listening window")
		return
	}

	if err := stream.Write(data); err != nil {
		c.logger.Error("Failed to stream audio frame",
			zap.Uint64("turnID", turnID),
			zap.Error(err))
	}
}

func (c *Client) closeStream() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// forwardUpdates relays live transcript revisions to the caller UI.
func (c *Client) forwardUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-c.orch.Updates():
			if !ok {
				return
			}
			c.enqueue(websocket.TextMessage, mustMarshal(TranscriptUpdateMessage{
				BaseMessage: BaseMessage{Type: MessageTypeTranscriptUpdate},
				Role:        string(update.Role),
				TurnID:      update.TurnID,
				Text:        update.Text,
				Final:       update.Final,
			}))
		}
	}
}

// forwardAudio relays synthesized speech to the caller, bracketing each
// utterance with speaking_start/speaking_end markers.
func (c *Client) forwardAudio(ctx context.Context) {
	speaking := false
	timer := time.NewTimer(speakingPollInterval)
	defer timer.Stop()

	endMarker := func() {
		speaking = false
		c.enqueue(websocket.TextMessage, mustMarshal(SpeakingMarker{
			BaseMessage: BaseMessage{Type: MessageTypeSpeakingEnd, Timestamp: time.Now().Format(time.RFC3339)},
		}))
	}

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(speakingPollInterval)

		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.orch.AudioOut():
			if !ok {
				if speaking {
					endMarker()
				}
				return
			}
			if !speaking {
				speaking = true
				c.enqueue(websocket.TextMessage, mustMarshal(SpeakingMarker{
					BaseMessage: BaseMessage{Type: MessageTypeSpeakingStart, Timestamp: time.Now().Format(time.RFC3339)},
				}))
			}
			c.enqueue(websocket.BinaryMessage, frame)
		case <-timer.C:
			if speaking && c.orch.State() != orchestrator.StateSpeaking {
				endMarker()
			}
		}
	}
}

// enqueue drops rather than blocks when the peer cannot keep up; audio
// liveness matters more than completeness for a slow consumer.
func (c *Client) enqueue(messageType int, payload []byte) {
	select {
	case c.send <- WriteData{Type: messageType, Payload: payload}:
	default:
		c.logger.Warn("Send buffer full, dropping message", zap.Int("type", messageType))
	}
}
