package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/floatchat-go/internal/analytics"
	"github.com/comigor/floatchat-go/internal/api"
	"github.com/comigor/floatchat-go/internal/chat"
	"github.com/comigor/floatchat-go/internal/config"
	"github.com/comigor/floatchat-go/internal/history"
	"github.com/comigor/floatchat-go/internal/llm"
	"github.com/comigor/floatchat-go/internal/logger"
	"github.com/comigor/floatchat-go/internal/modeguard"
	"github.com/comigor/floatchat-go/internal/prediction"
	"github.com/comigor/floatchat-go/internal/process"
	"github.com/comigor/floatchat-go/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := analytics.New(ctx, cfg.Analytics)
	if err != nil {
		return err
	}
	defer engine.Close()

	guard := modeguard.New(st)
	orch := chat.New(st, guard, history.NewAssembler(st, cfg.History.Window), engine, chatOptions(cfg)...)
	predictor := prediction.New(process.NewExec(), cfg.Prediction, prediction.WithModeGuard(st, guard))

	// Requests get their own root so open streams can be cancelled once the grace period ends.
	reqCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(api.NewHandler(orch, predictor)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return reqCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L.Info("starting server", "address", srv.Addr, "engine", cfg.Analytics.Kind, "database", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.L.Info("shutting down server")
		return drain(srv, cancelRequests, orch, cfg.Server.ShutdownTimeout, max(cfg.Server.ShutdownTimeout, cfg.Analytics.Timeout))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.L.Info("server exited")
	return nil
}

func chatOptions(cfg *config.Config) []chat.Option {
	opts := []chat.Option{
		chat.WithQCPolicy(analytics.NewQCPolicy(cfg.Analytics.QC)),
		chat.WithEngineTimeout(cfg.Analytics.Timeout),
		chat.WithTokenDelay(cfg.Stream.TokenDelay),
	}
	if cfg.LLM.APIKey != "" {
		opts = append(opts, chat.WithTitler(llm.NewTitler(llm.NewClient(cfg.LLM), cfg.LLM.Model)))
	} else {
		logger.L.Info("llm.api_key not set, conversation titles disabled")
	}
	return opts
}

type waiter interface {
	Wait()
}

// drain stops srv. Open streams get grace to finish before their request contexts are
// cancelled; background work then gets up to wait on a fresh deadline to persist answers.
func drain(srv *http.Server, cancelRequests context.CancelFunc, bg waiter, grace, wait time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.L.Warn("streams still open at shutdown deadline, cancelling them")
		cancelRequests()
		_ = srv.Close()
	}

	waitCtx, cancelWait := context.WithTimeout(context.Background(), wait)
	defer cancelWait()
	waitBackground(waitCtx, bg)
	return err
}

// waitBackground lets detached engine calls persist their answers until ctx expires.
func waitBackground(ctx context.Context, bg waiter) {
	done := make(chan struct{})
	go func() {
		bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.L.Warn("background work still running at shutdown deadline")
	}
}
