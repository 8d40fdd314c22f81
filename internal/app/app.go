package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/strandproxy/strand/internal/config"
)

// Daemon coordinates the gateway and admin HTTP servers and their
// graceful shutdown.
type Daemon struct {
	cfg     config.Config
	logger  *slog.Logger
	gateway *http.Server
	admin   *http.Server
}

// New constructs a Daemon with the provided configuration and handlers.
func New(cfg config.Config, logger *slog.Logger, gateway, admin http.Handler) *Daemon {
	return &Daemon{
		cfg:    cfg,
		logger: logger,
		gateway: &http.Server{
			Addr:    cfg.GatewayListen,
			Handler: gateway,
		},
		admin: &http.Server{
			Addr:    cfg.AdminListen,
			Handler: admin,
		},
	}
}

// Run starts both servers and blocks until the context is canceled or
// either server fails.
func (d *Daemon) Run(ctx context.Context) error {
	serverErr := make(chan error, 2)

	go func() {
		d.logger.Info("gateway server starting", "addr", d.cfg.GatewayListen)
		if err := d.gateway.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		d.logger.Info("admin server starting", "addr", d.cfg.AdminListen)
		if err := d.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		return d.shutdown()
	case err := <-serverErr:
		_ = d.shutdown()
		return err
	}
}

func (d *Daemon) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if err := d.admin.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := d.gateway.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
