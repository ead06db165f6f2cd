package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Shivxnshjasathi/geminimind/internal/config"
	"github.com/Shivxnshjasathi/geminimind/internal/gemini"
	"github.com/Shivxnshjasathi/geminimind/internal/observability"
	"github.com/Shivxnshjasathi/geminimind/internal/stt"
	"github.com/Shivxnshjasathi/geminimind/internal/tts"
	"github.com/Shivxnshjasathi/geminimind/internal/widget"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.GeminiModel).
		Bool("voice_input", cfg.VoiceInputEnabled()).
		Bool("voice_output", cfg.VoiceOutputEnabled()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("GeminiMind chat service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	geminiClient, err := gemini.NewClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Gemini client")
	}

	deps := widget.Dependencies{Responder: geminiClient}
	checks := map[string]observability.HealthCheckFunc{
		"gemini": geminiClient.HealthCheck,
	}

	if cfg.VoiceInputEnabled() {
		deps.NewRecognizer = func() stt.STTClient {
			return stt.NewDeepgramClient(cfg)
		}
		// Config-only check; opening a live stream would be billed
		checks["deepgram"] = func(ctx context.Context) (bool, error) { return true, nil }
	}

	if cfg.VoiceOutputEnabled() {
		cartesia := tts.NewCartesiaClient(cfg)
		playerCfg := tts.PlayerConfig{
			FrameBytes: cfg.SpeechFrameBytes,
			BufferSize: cfg.AudioBufferSize,
		}
		deps.NewSynthesizer = func(sink tts.Sink, metrics *observability.Metrics, logger zerolog.Logger) widget.Synthesizer {
			return tts.NewPlayer(cartesia, sink, playerCfg, metrics, logger)
		}
		checks["cartesia"] = cartesia.HealthCheck
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", widget.HandleChatWS(cfg, deps))
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

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
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/chat", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	if cfg.GRPCHealthEnabled {
		grpcServer, healthServer := observability.NewGRPCHealthServer()
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health")
		}
		go observability.WatchReadiness(ctx, healthServer, checks, 10*time.Second)
		go func() {
			logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health server listening")
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("gRPC health server stopped")
			}
		}()
		defer grpcServer.GracefulStop()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
