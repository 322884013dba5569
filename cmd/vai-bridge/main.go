package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/vai-bridge/internal/dotenv"
	"github.com/vango-go/vai-bridge/pkg/backend/openai"
	"github.com/vango-go/vai-bridge/pkg/backend/openairt"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-bridge/pkg/gateway/server"
	"github.com/vango-go/vai-bridge/pkg/record"
	"github.com/vango-go/vai-bridge/pkg/tools"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newRecorder  func(ctx context.Context, dsn string) (record.Sink, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newRecorder: func(ctx context.Context, dsn string) (record.Sink, error) {
			return record.NewPostgres(ctx, dsn)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func buildRegistry(cfg config.Config) *tools.Registry {
	registry := tools.NewRegistry()
	registry.Register(tools.EndCallTool{})
	registry.Register(tools.TransferCallTool{DefaultNumber: cfg.TransferNumber})
	return registry
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	text, err := openai.New(openai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.TextModel,
	})
	if err != nil {
		return fmt.Errorf("text backend: %w", err)
	}
	realtime, err := openairt.New(openairt.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.RealtimeURL,
		Model:   cfg.RealtimeModel,
	})
	if err != nil {
		return fmt.Errorf("realtime backend: %w", err)
	}

	var recorder record.Sink = record.Noop{}
	if cfg.DatabaseURL != "" {
		if deps.newRecorder == nil {
			return errors.New("missing recorder dependency")
		}
		recorder, err = deps.newRecorder(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("call record store: %w", err)
		}
		logger.Info("call records enabled")
	}

	gw := gatewayserver.New(gatewayserver.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Text:     text,
		Realtime: realtime,
		Registry: buildRegistry(cfg),
		Recorder: recorder,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting bridge", "addr", cfg.Addr, "text_model", cfg.TextModel, "realtime_model", cfg.RealtimeModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Let live calls drain; hang up whatever is left.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.Tracker().Wait(waitCtx) {
		gw.Tracker().CancelAll()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(stderr, "vai-bridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "vai-bridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
