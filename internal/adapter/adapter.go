// ABOUTME: Adapter orchestrator wiring the gateway session, bridge server,
// ABOUTME: and their shared collaborators; owns startup and graceful shutdown.

package adapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/qq-adapter/internal/auth"
	"github.com/2389/qq-adapter/internal/bridge"
	"github.com/2389/qq-adapter/internal/broker"
	"github.com/2389/qq-adapter/internal/config"
	"github.com/2389/qq-adapter/internal/dedupe"
	"github.com/2389/qq-adapter/internal/qq"
	"github.com/2389/qq-adapter/internal/tasks"
)

// shutdownGrace bounds how long outstanding event handlers may run after
// the adapter begins shutting down.
const shutdownGrace = 10 * time.Second

// Adapter owns the long-running components: the upstream gateway session
// and the downstream bridge server.
type Adapter struct {
	config  *config.Config
	logger  *slog.Logger
	session *qq.Session
	server  *bridge.Server
	tasks   *tasks.Supervisor
}

// New assembles an adapter from configuration.
func New(cfg *config.Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	tokens := auth.NewTokenCache(cfg.QQ.AppID, cfg.QQ.AppSecret, cfg.QQ.AuthURL, nil, logger)
	client := qq.NewClient(cfg.QQ.APIBase, cfg.QQ.AppID, tokens, nil, logger)
	supervisor := tasks.NewSupervisor(logger)

	bk := broker.New(logger)
	server := bridge.NewServer(cfg, bk, logger)

	session := qq.NewSession(qq.SessionConfig{
		Client:  client,
		Tokens:  tokens,
		Dedupe:  dedupe.New(0),
		Tasks:   supervisor,
		Handler: server.HandleEvent,
		Logger:  logger,
		Intents: cfg.QQ.Intents,
		Backoff: cfg.QQ.ReconnectBackoff,
	})
	server.SetGateway(session)

	return &Adapter{
		config:  cfg,
		logger:  logger.With("component", "adapter"),
		session: session,
		server:  server,
		tasks:   supervisor,
	}
}

// Run starts the bridge server and gateway session and blocks until ctx is
// cancelled or one of them fails.
func (a *Adapter) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- a.server.Run(runCtx) }()
	go func() { errCh <- a.session.Run(runCtx) }()

	a.logger.Info("adapter started", "http_addr", a.config.Server.HTTPAddr)

	var runErr error
	remaining := 2
	select {
	case <-ctx.Done():
		a.logger.Info("context canceled, initiating shutdown")
	case err := <-errCh:
		remaining--
		if err != nil && ctx.Err() == nil {
			a.logger.Error("component failed", "error", err)
			runErr = err
		}
	}

	cancel()
	a.drain(errCh, remaining)
	a.tasks.Shutdown(shutdownGrace)
	a.logger.Info("adapter stopped")
	return runErr
}

// drain collects the remaining component results so their goroutines exit.
func (a *Adapter) drain(errCh chan error, remaining int) {
	for i := 0; i < remaining; i++ {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("component shutdown error", "error", err)
			}
		case <-time.After(shutdownGrace):
			a.logger.Warn("component did not stop within grace period")
			return
		}
	}
}
