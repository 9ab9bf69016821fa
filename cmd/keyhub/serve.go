package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/keyhub/keyhub/internal/api/http"
	"github.com/keyhub/keyhub/internal/app"
	"github.com/keyhub/keyhub/internal/application/reconcile"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/infrastructure/redis"
	"github.com/keyhub/keyhub/internal/infrastructure/sse"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	hub := sse.NewHub(logger)
	publishers := notification.Multi{hub}
	if cfg.Redis.Enabled() {
		client, err := redis.NewClient(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return err
		}
		pub := redis.NewPublisher(client, cfg.Redis.Channel, logger)
		defer pub.Close()
		publishers = append(publishers, pub)
		logger.Info().Str("channel", pub.Channel()).Msg("redis event publishing enabled")
	}

	a := app.New(s, publishers, app.Options{
		ReservationTTL:   cfg.ReservationTTL,
		CheckoutDuration: cfg.CheckoutDuration,
		MaxAttempts:      cfg.TxMaxRetries,
		AuditSigningKey:  cfg.AuditSigningKey,
	}, logger)
	defer a.Audit.Wait()

	if cfg.BootstrapAdmin != "" {
		admin, err := a.Users.EnsureBootstrapAdmin(ctx, cfg.BootstrapAdmin)
		if err != nil {
			return err
		}
		logger.Info().Str("username", admin.Username).Str("id", admin.ID.String()).Msg("bootstrap admin ready")
	}

	hub.Start(ctx)
	runner := reconcile.NewRunner(a.Reconcile, cfg.ReconcileInterval, logger)
	runner.Start(ctx)
	defer runner.Stop()

	apiServer := httpapi.NewServer(httpapi.Services{
		Keys:         a.Keys,
		Transactions: a.Transactions,
		Requests:     a.Requests,
		Users:        a.Users,
		Reconcile:    a.Reconcile,
		Reports:      a.Reports,
		Audit:        a.Audit,
	}, hub, nil, logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: the event stream is long-lived
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("storage", cfg.StorageDriver).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Stop()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	return nil
}
