package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/upb/api-gatekeeper/app"
	"github.com/upb/api-gatekeeper/config"
	"github.com/upb/api-gatekeeper/internal/observability"
	"github.com/upb/api-gatekeeper/routes"
	"github.com/upb/api-gatekeeper/services"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin, print its bcrypt hash for the users file and exit")
	flag.Parse()

	if *hashPassword {
		if err := printPasswordHash(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.New(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.Observability)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting api gatekeeper",
		zap.String("environment", cfg.Environment),
		zap.String("address", cfg.Server.Address()))

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(context.Background()); err != nil {
			logger.Warn("dependency shutdown reported errors", zap.Error(err))
		}
	}()

	handler, err := routes.SetupRoutes(deps)
	if err != nil {
		return fmt.Errorf("failed to set up routes: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	if err := deps.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit logger: %w", err)
	}

	err = serve(ctx, srv, deps, logger)

	// Requests have drained; flush what they recorded.
	if stopErr := deps.Audit.Stop(cfg.Server.ShutdownTimeout); stopErr != nil {
		logger.Warn("audit logger did not drain", zap.Error(stopErr))
	}
	stats := deps.Audit.GetStats()
	logger.Info("api gatekeeper stopped",
		zap.Int64("audit_recorded", stats.Recorded),
		zap.Int64("audit_dropped", stats.Dropped))

	return err
}

// serve runs the HTTP server and background workers until ctx is done or one of them fails
func serve(ctx context.Context, srv *http.Server, deps *app.Dependencies, logger *zap.Logger) error {
	cfg := deps.Config
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("address", srv.Addr), zap.Bool("tls", cfg.Server.TLS.Enabled))
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if deps.MemoryLimiter != nil {
		g.Go(func() error {
			deps.MemoryLimiter.StartSweeper(gctx, cfg.RateLimit.SweepInterval)
			return nil
		})
	}

	g.Go(func() error {
		deps.Permissions.StartRefreshWorker(gctx, cfg.Permissions.RefreshInterval)
		return nil
	})

	g.Go(func() error {
		deps.Denylist.StartCleanupWorker(gctx, cfg.RateLimit.SweepInterval)
		return nil
	})

	return g.Wait()
}

func initLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	return observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
}

func printPasswordHash(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read password: %w", err)
	}

	hash, err := services.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}
