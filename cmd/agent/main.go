package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mconf/bbb-livekit-stt/internal/audio"
	"github.com/mconf/bbb-livekit-stt/internal/bus"
	"github.com/mconf/bbb-livekit-stt/internal/config"
	"github.com/mconf/bbb-livekit-stt/internal/control"
	"github.com/mconf/bbb-livekit-stt/internal/locale"
	"github.com/mconf/bbb-livekit-stt/internal/observability"
	"github.com/mconf/bbb-livekit-stt/internal/resilience"
	"github.com/mconf/bbb-livekit-stt/internal/room"
	"github.com/mconf/bbb-livekit-stt/internal/session"
	"github.com/mconf/bbb-livekit-stt/internal/stt"
	"github.com/mconf/bbb-livekit-stt/internal/transcript"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("room", cfg.RoomName).
		Str("provider", cfg.STTProvider).
		Interface("config", cfg.Redacted()).
		Msg("Transcription agent starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus
	busManager := bus.NewManager(bus.Options{
		Addr:        cfg.RedisAddr(),
		Password:    cfg.RedisPassword,
		MaxFailures: cfg.CircuitBreakerMaxFailures,
		ResetAfter:  time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	})
	if err := busManager.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer busManager.Close()

	// STT engines
	registry := stt.NewRegistry(cfg.STTProvider)
	if cfg.GladiaAPIKey != "" {
		registry.Register(stt.NewGladiaEngine(cfg))
	}
	if cfg.DeepgramAPIKey != "" {
		registry.Register(stt.NewDeepgramEngine(cfg))
	}
	logger.Info().Strs("providers", registry.Names()).Msg("STT engines registered")

	// Transcript mapping
	mapper := &transcript.Mapper{
		MinConfidenceFinal:   cfg.MinConfidenceFinal,
		MinConfidenceInterim: cfg.MinConfidenceInterim,
		Langs:                locale.ParseMap(cfg.TranslationLangMap),
		Log:                  observability.WithMeeting(cfg.RoomName),
	}

	// Room, session manager and dispatcher. The room name is the meeting ID.
	lkRoom := room.NewRoom(cfg)
	manager := session.NewManager(session.Options{
		Registry:  registry,
		Locator:   lkRoom,
		Publisher: bus.NewTranscriptPublisher(busManager, cfg.RoomName),
		Mapper:    mapper,
		Gate: &audio.GateConfig{
			EnergyThreshold: cfg.GateEnergyThreshold,
			HangoverFrames:  cfg.GateHangoverFrames,
		},
		GateEnabled: cfg.GateEnabled,
	})
	lkRoom.SetHandler(manager)

	dispatcher := control.NewDispatcher(cfg.RoomName, manager)

	// Command listener
	go func() {
		if err := busManager.Listen(ctx, dispatcher.HandleMessage); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Command listener exited")
		}
	}()

	if err := lkRoom.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to LiveKit room")
	}
	defer lkRoom.Close()

	// HTTP server: health, readiness, metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"redis": func(ctx context.Context) (bool, error) {
			if err := busManager.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed to start")
		}
	}()

	// Run until the room drops or we are told to stop
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("Shutting down...")
	case <-lkRoom.Disconnected():
		logger.Info().Msg("Room disconnected, shutting down...")
	}

	cancel()
	manager.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	logger.Info().Msg("Agent exited gracefully")
}
