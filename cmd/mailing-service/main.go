package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/opsmailer/mailing-service/internal/bootstrap"
	"github.com/opsmailer/mailing-service/internal/logger"
)

// stopTimeout is the outer bound on the cooperative drain; the bootstrap
// layer arms its own force-exit watchdog below this.
const stopTimeout = 2 * time.Minute

// runner abstracts the application lifecycle.
// Start launches the service (may block or spawn goroutines).
// Stop performs a graceful shutdown.
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// builder constructs the application instance and returns a cleanup
// function responsible for releasing resources.
type builder func() (runner, func(), error)

// Run bootstraps the application, starts it asynchronously, and waits for
// a shutdown signal or a crash. It returns the process exit code.
func Run(build builder, sigCh <-chan os.Signal, lg zerolog.Logger) int {
	app, cleanup, err := build()
	if err != nil {
		lg.Error().Err(err).Msg("bootstrap failed")
		return 1
	}
	defer cleanup()

	// stays alive through Stop so an in-flight delivery can finish
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		lg.Info().Msg("mailing-service starting")
		if err := app.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		lg.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		lg.Error().Err(err).Msg("app crashed")
		return 1
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	if err := app.Stop(stopCtx); err != nil {
		lg.Error().Err(err).Msg("graceful stop failed")
		return 1
	}

	lg.Info().Msg("shutdown complete")
	return 0
}

func buildFromBootstrap() (runner, func(), error) {
	app, cleanup, err := bootstrap.NewApp()
	if err != nil {
		return nil, nil, err
	}
	return app, cleanup, nil
}

func main() {
	logger.Init()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	code := Run(buildFromBootstrap, sigCh, zlog.Logger)
	os.Exit(code)
}
