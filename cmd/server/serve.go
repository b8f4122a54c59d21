package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/prasenjit/go-mockengine/internal/api"
	"github.com/prasenjit/go-mockengine/internal/condition"
	"github.com/prasenjit/go-mockengine/internal/config"
	"github.com/prasenjit/go-mockengine/internal/delay"
	"github.com/prasenjit/go-mockengine/internal/engine"
	"github.com/prasenjit/go-mockengine/internal/history"
	"github.com/prasenjit/go-mockengine/internal/importer"
	"github.com/prasenjit/go-mockengine/internal/index"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/matcher"
	"github.com/prasenjit/go-mockengine/internal/metrics"
	"github.com/prasenjit/go-mockengine/internal/response"
	"github.com/prasenjit/go-mockengine/internal/sandbox"
	"github.com/prasenjit/go-mockengine/internal/stats"
	"github.com/prasenjit/go-mockengine/internal/storage"
	"github.com/prasenjit/go-mockengine/internal/tlsutil"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mock engine",
	Long: `Starts the mock engine.

The server will:
  - Answer mock traffic at /{projectId}/{environmentId}/{path}
  - Expose the admin API at /_api/
  - Serve HTTP and HTTPS on the same port when TLS is enabled

Configuration is loaded from config.yaml in the current directory,
or specify a custom config file with the --config flag.`,
	RunE: runServe,
}

const shutdownTimeout = 10 * time.Second

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Override server port")
	serveCmd.Flags().Bool("tls", false, "Enable TLS (overrides config)")

	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.tls.enabled", serveCmd.Flags().Lookup("tls"))
}

// app holds the wired components of a running server
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	store    storage.Storage
	recorder *history.Recorder
	redis    *history.RedisSink
	handler  http.Handler
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return a.serve(ctx)
}

// build wires storage, the evaluation pipeline, history and the admin API
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log := logging.Component(logger, "server")
	m := metrics.New()

	if cfg.Storage.Path != "" && !filepath.IsAbs(cfg.Storage.Path) {
		if abs, err := filepath.Abs(cfg.Storage.Path); err == nil {
			cfg.Storage.Path = abs
		}
	}

	var store storage.Storage
	if cfg.Storage.Type == "file" {
		log.WithField("path", cfg.Storage.Path).Info("Using file storage")
		store, err = storage.NewFileStorage(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file storage: %w", err)
		}
	} else {
		store = storage.NewMemoryStorage()
	}

	scripts := sandbox.New(cfg.Engine.SandboxTimeout, logging.Component(logger, "sandbox"))
	manager := index.NewManager(store, index.Options{
		Attempts: cfg.Engine.RebuildAttempts,
		Delay:    cfg.Engine.RebuildDelay,
		Metrics:  m,
		Logger:   logging.Component(logger, "index"),
	})
	evaluator := condition.NewEvaluator(scripts, m, logging.Component(logger, "condition"))
	synthesizer := response.NewSynthesizer(scripts, store, nil, response.Options{
		Forwarder: response.NewForwarder(nil, cfg.Engine.ProxyTimeout),
		Metrics:   m,
		Logger:    logging.Component(logger, "response"),
	})

	historyStore := history.NewStore(cfg.History.MaxInteractions, cfg.History.Retention)
	collector := stats.NewCollector()
	sinks := []history.Sink{historyStore, collector}

	var redisSink *history.RedisSink
	if cfg.History.Redis.Enabled {
		redisSink = history.NewRedisSink(cfg.History.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisSink.Ping(pingCtx)
		cancel()
		if err != nil {
			redisSink.Close()
			store.Close()
			return nil, fmt.Errorf("redis history sink unreachable at %s: %w", cfg.History.Redis.Addr, err)
		}
		log.WithField("addr", cfg.History.Redis.Addr).Info("Recording interactions to Redis")
		sinks = append(sinks, redisSink)

		replayCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		n, err := redisSink.Replay(replayCtx, historyStore, cfg.History.MaxInteractions)
		cancel()
		if err != nil {
			log.WithError(err).Warn("Could not restore interaction history from Redis")
		} else {
			log.WithField("count", n).Info("Restored interaction history from Redis")
		}
	}

	recorder, err := history.NewRecorder(history.RecorderOptions{
		PoolSize: cfg.Engine.RecorderPoolSize,
		Metrics:  m,
		Logger:   logging.Component(logger, "recorder"),
	}, sinks...)
	if err != nil {
		if redisSink != nil {
			redisSink.Close()
		}
		store.Close()
		return nil, fmt.Errorf("failed to start recorder: %w", err)
	}

	eng := engine.New(manager, matcher.New(evaluator), delay.New(logging.Component(logger, "delay")), synthesizer, engine.Options{
		UnmatchedStatus: cfg.Engine.UnmatchedStatus,
		Recorder:        recorder,
		Metrics:         m,
		Logger:          logging.Component(logger, "engine"),
	})

	router := api.NewRouter(api.Services{
		Store:    store,
		Engine:   eng,
		Index:    manager,
		History:  historyStore,
		Stats:    collector,
		Metrics:  m,
		Recorder: recorder,
		Importer: importer.New(),
		Logger:   logging.Component(logger, "api"),
	})

	return &app{
		cfg:      cfg,
		log:      logger,
		store:    store,
		recorder: recorder,
		redis:    redisSink,
		handler:  router.Handler(),
	}, nil
}

// serve blocks until ctx is done, then shuts down gracefully
func (a *app) serve(ctx context.Context) error {
	log := logging.Component(a.log, "server")
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)

	srv := &http.Server{
		Handler:     a.handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	errs := make(chan error, 1)
	if a.cfg.Server.TLS.Enabled {
		certs := tlsutil.NewCertificates(a.cfg.Server.TLS, a.cfg.Storage.Path, logging.Component(a.log, "tls"))
		tlsConfig, err := certs.TLSConfig()
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to get TLS certificate: %w", err)
		}
		certPath, keyPath := certs.Paths()
		log.WithFields(logrus.Fields{"cert": certPath, "key": keyPath}).Info("TLS enabled")

		mux := tlsutil.NewMux(listener, tlsConfig, logging.Component(a.log, "tls"))
		defer mux.Close()
		go func() { errs <- mux.Serve(ctx, srv) }()
		log.WithField("addr", addr).Info("Mock engine listening (HTTP & HTTPS)")
	} else {
		go func() {
			if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
				return
			}
			errs <- nil
		}()
		log.WithField("addr", addr).Info("Mock engine listening")
	}

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown error")
	}
	log.Info("Server stopped")
	return nil
}

// close drains the recorder before closing the sinks it writes to
func (a *app) close() {
	log := logging.Component(a.log, "server")
	if err := a.recorder.Close(shutdownTimeout); err != nil {
		log.WithError(err).Warn("Recorder did not drain")
	}
	if dropped := a.recorder.Dropped(); dropped > 0 {
		log.WithField("dropped", dropped).Warn("Interactions dropped while recording")
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		log.WithError(err).Warn("Storage close error")
	}
}
