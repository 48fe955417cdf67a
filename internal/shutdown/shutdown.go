// Package shutdown provides graceful HTTP server shutdown with connection draining.
package shutdown

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulServe starts srv and blocks until ctx is cancelled or SIGTERM or
// SIGINT arrives. It then stops accepting connections and drains active ones
// for up to drainTimeout.
func GracefulServe(ctx context.Context, srv *http.Server, drainTimeout time.Duration, logger logrus.FieldLogger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutdown signal received")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.WithField("timeout", drainTimeout.String()).Info("draining connections")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}
