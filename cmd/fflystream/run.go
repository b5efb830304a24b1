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
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/ffly-stream/internal/auth"
	"github.com/rickgao/ffly-stream/internal/codec"
	"github.com/rickgao/ffly-stream/internal/config"
	"github.com/rickgao/ffly-stream/internal/connection"
	"github.com/rickgao/ffly-stream/internal/metrics"
	"github.com/rickgao/ffly-stream/internal/router"
)

const (
	shutdownTimeout = 10 * time.Second
	statsInterval   = 30 * time.Second
)

// printedKinds are the event kinds written to stdout.
var printedKinds = []codec.Kind{
	codec.KindOrderbookUpdate,
	codec.KindMarketDataUpdate,
	codec.KindMarketHealth,
	codec.KindExchangeHealth,
	codec.KindRecentTrades,
	codec.KindCandleStick,
	codec.KindOrderUpdate,
	codec.KindOrderCancellationFailed,
	codec.KindPositionUpdate,
	codec.KindUserTrade,
	codec.KindAccountDataUpdate,
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := newLogger(cfg, opts.verbose, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	session := connection.NewSession(cfg.SessionConfig(),
		connection.WithDialer(connection.NewDialer(cfg.ClientConfig(), logger)),
		connection.WithLogger(logger),
		connection.WithMetrics(m),
	)
	session.OnStateChange(func(from, to connection.State) {
		logger.Info("session state changed", "from", from, "to", to)
	})
	session.OnError(func(err error) {
		logger.Warn("session error", "error", err)
	})
	session.OnClose(func(code int, reason string) {
		logger.Info("connection closed", "code", code, "reason", reason)
	})

	// Printing goes through an offload queue so stdout never stalls the receive loop
	out := &printer{w: os.Stdout, verbose: opts.verbose}
	off := router.Offload(out.handle, cfg.Connection.BufferSize,
		router.OffloadName("printer"),
		router.OffloadLogger(logger),
		router.OffloadMetrics(m),
	)
	for _, kind := range printedKinds {
		session.On(kind, off.Handler())
	}
	if opts.verbose {
		session.On(codec.KindDefault, debugListener(logger))
	}

	if err := subscribeConfigured(ctx, session, cfg, opts.tokenEnv); err != nil {
		stopOffload(off, shutdownTimeout, logger)
		return err
	}

	server := newServer(fmt.Sprintf(":%d", cfg.Metrics.Port), cfg.Metrics.Path, session, reg, logger)

	// The session outlives ctx so that shutdown can drain it.
	if err := session.Start(context.Background()); err != nil {
		stopOffload(off, shutdownTimeout, logger)
		return fmt.Errorf("start session: %w", err)
	}
	sessionDone := session.Done()

	logger.Info("streaming started - press Ctrl+C to stop",
		"url", cfg.Endpoint.URL,
		"markets", len(cfg.Subscriptions.Markets),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sessionDone:
			return fmt.Errorf("session ended in state %s", session.State())
		}
	})
	g.Go(func() error {
		reportStats(gctx, session, off, logger, statsInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(session, off, server, logger)
	})

	return g.Wait()
}

// loadConfig reads the config file, when given, and applies flag overrides.
func loadConfig(opts options) (*config.StreamConfig, error) {
	var cfg *config.StreamConfig
	if opts.configPath != "" {
		var err error
		cfg, err = config.LoadWithDefaults(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.Default()
	}

	if opts.network != "" {
		cfg.Network = opts.network
		url, err := config.NetworkURL(opts.network)
		if err != nil {
			return nil, err
		}
		cfg.Endpoint.URL = url
	}
	if opts.url != "" {
		cfg.Endpoint.URL = opts.url
	}
	cfg.Subscriptions.Markets = append(cfg.Subscriptions.Markets, opts.markets...)
	if opts.port != 0 {
		cfg.Metrics.Port = opts.port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.StreamConfig, verbose bool, w io.Writer) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// tokenProvider picks the user token source. Nil means no user room.
func tokenProvider(cfg *config.StreamConfig, tokenEnv string) auth.TokenProvider {
	switch {
	case cfg.Subscriptions.UserToken != "":
		return auth.Static(cfg.Subscriptions.UserToken)
	case cfg.Subscriptions.UserTokenFile != "":
		return auth.FromFile(cfg.Subscriptions.UserTokenFile)
	case tokenEnv != "":
		return auth.FromEnv(tokenEnv)
	}
	return nil
}

// subscriber is the part of the session used to register rooms.
type subscriber interface {
	SubscribeGlobal(symbol string) (connection.Ack, error)
	SubscribeUser(token string) (connection.Ack, error)
}

// subscribeConfigured registers the configured rooms. Called before Start,
// so the first Open replays them.
func subscribeConfigured(ctx context.Context, s subscriber, cfg *config.StreamConfig, tokenEnv string) error {
	for _, symbol := range cfg.Subscriptions.Markets {
		if _, err := s.SubscribeGlobal(symbol); err != nil {
			return fmt.Errorf("subscribe market %s: %w", symbol, err)
		}
	}

	provider := tokenProvider(cfg, tokenEnv)
	if provider == nil {
		return nil
	}
	token, err := provider.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve user token: %w", err)
	}
	if _, err := s.SubscribeUser(token); err != nil {
		return fmt.Errorf("subscribe user: %w", err)
	}
	return nil
}

func debugListener(logger *slog.Logger) func(codec.Envelope) error {
	return func(env codec.Envelope) error {
		logger.Debug("event",
			"name", env.Name(),
			"kind", env.Kind(),
			"routing_key", env.RoutingKey(),
			"bytes", len(env.Payload()),
		)
		return nil
	}
}

func reportStats(ctx context.Context, session *connection.Session, off *router.Offloader, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := session.Stats()
			q := off.Stats()
			logger.Info("stats",
				"state", st.State,
				"epochs", st.Epochs,
				"reconnects", st.Reconnects,
				"subscriptions", st.Subscriptions,
				"decode_errors", st.DecodeErrors,
				"dispatched", st.Router.Dispatched,
				"handler_errors", st.Router.HandlerErrors,
				"unhandled", st.Router.Unhandled,
				"printed", off.Processed(),
				"print_queue", q.Len,
			)
		}
	}
}

// stopOffload stops off on an early exit, where no shutdown aggregates its error.
func stopOffload(off *router.Offloader, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := off.Stop(ctx); err != nil {
		logger.Warn("failed to stop printer", "error", err)
	}
}

func shutdown(session *connection.Session, off *router.Offloader, server *http.Server, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down...")

	var result *multierror.Error
	if err := session.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := off.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown http server: %w", err))
	}

	logger.Info("shutdown complete")
	return result.ErrorOrNil()
}
