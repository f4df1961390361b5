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

	"github.com/lexiqai/deepgram-transcriber/internal/config"
	"github.com/lexiqai/deepgram-transcriber/internal/eventlog"
	"github.com/lexiqai/deepgram-transcriber/internal/events"
	"github.com/lexiqai/deepgram-transcriber/internal/observability"
	"github.com/lexiqai/deepgram-transcriber/internal/server"
	"github.com/lexiqai/deepgram-transcriber/internal/stt"
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
		Str("port", cfg.Port).
		Str("deepgram_api_key", cfg.MaskedAPIKey()).
		Str("deepgram_model", cfg.DeepgramModel).
		Str("event_log_backend", cfg.EventLogBackend).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Deepgram transcriber starting")

	dial, err := newDialer(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid event log configuration")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	logConn := eventlog.NewConn(startCtx, dial, observability.WithComponent("eventlog"))
	cancelStart()

	publisher := events.NewPublisher(logConn, events.Config{
		TranscriptionStream: cfg.TranscriptionStream,
		SpeakerEventsStream: cfg.SpeakerEventsStream,
	}, observability.WithComponent("events"))

	provider, err := stt.NewDeepgramProvider(
		cfg.DeepgramAPIKey,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		observability.WithComponent("stt"),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Deepgram provider")
	}

	sessions := server.New(server.Config{
		MaxMessageSize:  cfg.MaxMessageSize,
		WindowSize:      cfg.SegmentWindowSize,
		DefaultLanguage: cfg.DeepgramLanguage,
		Stream: stt.StreamOptions{
			Model:          cfg.DeepgramModel,
			SampleRate:     cfg.SampleRate,
			UtteranceEndMs: cfg.UtteranceEndMs,
		},
		PublishTimeout: time.Duration(cfg.EventLogTimeoutMillis) * time.Millisecond,
	}, provider, publisher, observability.WithComponent("server"))

	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"event_log": logConn.Ping,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Every other path speaks the bot protocol
	mux.Handle("/", sessions)

	// No read/write timeouts: bot connections are long-lived WebSockets
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/", cfg.Port)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	// Hijacked connections are not covered by http.Server.Shutdown
	if err := sessions.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not finish before the shutdown deadline")
	}
	if err := logConn.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close event log")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newDialer selects the event log backend
func newDialer(cfg *config.Config) (eventlog.DialFunc, error) {
	switch cfg.EventLogBackend {
	case config.BackendKafka:
		return eventlog.NewKafkaDialer(cfg.KafkaBrokers)
	default:
		return eventlog.NewRedisDialer(cfg.RedisAddress())
	}
}
