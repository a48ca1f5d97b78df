package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/pandega/wicara/adapters/llm"
	"github.com/pandega/wicara/adapters/persona"
	"github.com/pandega/wicara/adapters/stt"
	"github.com/pandega/wicara/adapters/tts"
	"github.com/pandega/wicara/adapters/vectorstore"
	"github.com/pandega/wicara/internal/api"
	"github.com/pandega/wicara/internal/auth"
	"github.com/pandega/wicara/internal/broadcast"
	"github.com/pandega/wicara/internal/ingest"
	"github.com/pandega/wicara/internal/orchestrator"
	"github.com/pandega/wicara/internal/prompt"
	"github.com/pandega/wicara/internal/queryfilter"
	"github.com/pandega/wicara/internal/rag"
	"github.com/pandega/wicara/internal/websocket"
)

func main() {
	// .env is optional; real deployments set the environment directly
	godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Adapters
	gemini, err := llm.NewGemini(llm.NewGeminiConfigFromEnv(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize Gemini", zap.Error(err))
	}

	synth, err := tts.NewElevenLabsTTS(tts.NewElevenLabsConfigFromEnv(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize Eleven Labs TTS", zap.Error(err))
	}

	recognizer := stt.NewGoogleSpeechRecognizer(logger)
	store := vectorstore.NewMemory(logger)

	personaPath := os.Getenv("PERSONA_PATH")
	if personaPath == "" {
		personaPath = "prompt/prompt.md"
	}
	personas, err := persona.NewFileStore(personaPath, logger)
	if err != nil {
		logger.Fatal("Failed to initialize persona store", zap.Error(err))
	}

	tokens, err := auth.NewTokenManagerFromEnv()
	if err != nil {
		logger.Fatal("Failed to initialize token manager", zap.Error(err))
	}

	// Pipeline components
	documents := ingest.NewService(gemini, store, logger)
	engine := rag.NewEngine(gemini, store, gemini, rag.Config{}, logger)
	composer := prompt.NewComposer(personas, 0, logger)
	events := broadcast.NewBroadcaster(logger)
	registry := orchestrator.NewRegistry(logger)

	// Each run starts with an empty knowledge base
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := documents.Reset(startupCtx); err != nil {
		logger.Fatal("Failed to reset knowledge base", zap.Error(err))
	}
	cancelStartup()

	orchConfig := orchestrator.Config{
		Greeting: os.Getenv("AGENT_GREETING"),
	}
	hub := websocket.NewHub(registry, recognizer, queryfilter.Heuristic{}, engine, composer, synth, events, orchConfig, logger)

	api.InitRoutes(e, hub, tokens, documents, personas, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("port", port))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
