// Package app wires the application services over a store.
package app

import (
	"time"

	"github.com/rs/zerolog"

	appAudit "github.com/keyhub/keyhub/internal/application/audit"
	"github.com/keyhub/keyhub/internal/application/journal"
	appKey "github.com/keyhub/keyhub/internal/application/key"
	"github.com/keyhub/keyhub/internal/application/keystate"
	appReconcile "github.com/keyhub/keyhub/internal/application/reconcile"
	appReport "github.com/keyhub/keyhub/internal/application/report"
	appRequest "github.com/keyhub/keyhub/internal/application/request"
	appTransaction "github.com/keyhub/keyhub/internal/application/transaction"
	appUser "github.com/keyhub/keyhub/internal/application/user"
	"github.com/keyhub/keyhub/internal/domain/notification"
	"github.com/keyhub/keyhub/internal/domain/store"
)

// Options tunes the services.
type Options struct {
	ReservationTTL   time.Duration
	CheckoutDuration time.Duration
	MaxAttempts      int
	AuditSigningKey  []byte
	// Now overrides the clock; nil uses UTC wall time.
	Now func() time.Time
}

// App holds the wired services.
type App struct {
	Store        store.Store
	Machine      *keystate.Machine
	Audit        *appAudit.Service
	Keys         *appKey.Service
	Transactions *appTransaction.Service
	Requests     *appRequest.Service
	Users        *appUser.Service
	Reconcile    *appReconcile.Service
	Reports      *appReport.Service
}

func New(s store.Store, publisher notification.Publisher, opts Options, logger zerolog.Logger) *App {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = store.DefaultMaxAttempts
	}
	auditSvc := appAudit.NewService(s.Audit(), logger, opts.AuditSigningKey)
	machine := keystate.NewMachine(opts.ReservationTTL, opts.Now)
	exec := journal.NewExecutor(s, journal.NewDispatcher(auditSvc, publisher, logger), opts.MaxAttempts)

	return &App{
		Store:        s,
		Machine:      machine,
		Audit:        auditSvc,
		Keys:         appKey.NewService(exec, machine, logger),
		Transactions: appTransaction.NewService(exec, machine, opts.CheckoutDuration, logger),
		Requests:     appRequest.NewService(exec, machine, opts.CheckoutDuration, logger),
		Users:        appUser.NewService(exec, logger),
		Reconcile:    appReconcile.NewService(exec, machine, logger),
		Reports:      appReport.NewService(exec, auditSvc, machine.Now, logger),
	}
}
