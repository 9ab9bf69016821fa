package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/keyhub/keyhub/internal/app"
	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/domain/user"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		s, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		a := app.New(s, notification.Nop{}, app.Options{
			ReservationTTL:   cfg.ReservationTTL,
			CheckoutDuration: cfg.CheckoutDuration,
			MaxAttempts:      cfg.TxMaxRetries,
			AuditSigningKey:  cfg.AuditSigningKey,
		}, logger)
		defer a.Audit.Wait()

		report, err := a.Reconcile.RunAll(ctx, user.SystemActor)
		if err != nil && !errors.Is(err, apperr.ErrOrphanedCheckedOutKey) {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
		if err != nil {
			logger.Warn().Strs("keys", apperr.IDsOf(err)).Msg("orphaned checked-out keys need manual attention")
		}
		return err
	},
}
