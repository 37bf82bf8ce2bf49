// Command ppe is the process entrypoint: it loads configuration, wires
// up logging and error reporting, and runs the supervisor's outer
// restart loop until either a user shutdown or an unhandled error.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/markstefanovic/ppe/internal/config"
	"github.com/markstefanovic/ppe/internal/logging"
	"github.com/markstefanovic/ppe/internal/notifications"
	"github.com/markstefanovic/ppe/internal/observability"
	"github.com/markstefanovic/ppe/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// appEnv holds the small set of settings sourced from the environment
// rather than the JSON config file: deployment environment, log level,
// and the credentials for optional integrations.
type appEnv struct {
	Env               string
	LogLevel          string
	SentryDSN         string
	SlackToken        string
	SlackChannel      string
	ObservabilityAddr string
}

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("ppe exited with an error")
		os.Exit(1)
	}
	os.Exit(0)
}

func run() error {
	_ = godotenv.Load()

	env := &appEnv{
		Env:               getEnvWithDefault("APP_ENV", "development"),
		LogLevel:          getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:         os.Getenv("SENTRY_DSN"),
		SlackToken:        os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:      os.Getenv("SLACK_ALERT_CHANNEL"),
		ObservabilityAddr: getEnvWithDefault("METRICS_ADDRESS", ""),
	}

	layout, err := config.NewLayout()
	if err != nil {
		return err
	}

	if err := setupLogging(env, layout); err != nil {
		return err
	}

	instanceID := uuid.NewString()
	log.Logger = log.With().Str("instance_id", instanceID).Logger()
	log.Info().Msg("Starting ppe...")

	if env.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              env.SentryDSN,
			Environment:      env.Env,
			TracesSampleRate: 0.2,
			EnableTracing:    true,
			Debug:            env.Env == "development",
		}); err != nil {
			return err
		}
		defer sentry.Flush(2 * time.Second)
	} else {
		log.Warn().Msg("Sentry not initialized: SENTRY_DSN not provided")
	}

	cfg, err := config.Load(layout.ConfigPath())
	if err != nil {
		return err
	}

	toolDir, err := layout.ToolDir()
	if err != nil {
		return err
	}

	if env.ObservabilityAddr != "" {
		providers, err := observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "ppe",
			Environment:    env.Env,
			MetricsAddress: env.ObservabilityAddr,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialise observability; continuing without it")
		} else if providers != nil {
			startObservabilityServer(env.ObservabilityAddr, providers)
		}
	}

	shutdownRequested := make(chan struct{})
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info().Msg("Shutdown requested")
		close(shutdownRequested)
	}()

	sup := &supervisor.Supervisor{
		Config:            cfg,
		ToolDir:           toolDir,
		Notifier:          notifications.NewSlackChannel(env.SlackToken, env.SlackChannel),
		ShutdownRequested: shutdownRequested,
	}

	return supervisor.RunForever(context.Background(), sup, cfg.SecondsBetweenRetries)
}

// setupLogging configures zerolog before the rest of startup runs, so
// configuration errors are themselves logged: console output plus a
// size-rotated error.log under the resolved log directory.
func setupLogging(env *appEnv, layout *config.Layout) error {
	level, err := zerolog.ParseLevel(env.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logDir, err := layout.LogDir()
	if err != nil {
		return err
	}

	logFile, err := logging.NewRotatingFile(filepath.Join(logDir, "error.log"), 0, 0)
	if err != nil {
		return err
	}

	if env.Env == "development" {
		log.Logger = log.Output(zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339},
			zerolog.New(logFile).With().Timestamp().Logger(),
		))
	} else {
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(os.Stdout, logFile)).
			With().
			Timestamp().
			Str("service", "ppe").
			Logger()
	}

	return nil
}

// startObservabilityServer serves /health and /metrics on a background
// goroutine, matching the teacher's unauthenticated /health endpoint;
// /metrics is wrapped with OpenTelemetry HTTP instrumentation so scrapes
// themselves show up as traced requests.
func startObservabilityServer(addr string, providers *observability.Providers) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "OK",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", providers.MetricsHandler)

	server := &http.Server{Addr: addr, Handler: observability.WrapHandler(mux, providers)}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Observability server stopped unexpectedly")
		}
	}()
}

func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
