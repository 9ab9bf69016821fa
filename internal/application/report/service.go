package report

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/apperr"
	"github.com/keyhub/keyhub/internal/application/journal"
	"github.com/keyhub/keyhub/internal/domain/audit"
	"github.com/keyhub/keyhub/internal/domain/key"
	"github.com/keyhub/keyhub/internal/domain/store"
	"github.com/keyhub/keyhub/internal/domain/transaction"
	"github.com/keyhub/keyhub/internal/domain/user"
)

// ActionCounter counts audit entries per action in a time range.
type ActionCounter interface {
	CountByAction(ctx context.Context, start, end time.Time) (map[audit.Action]int, error)
}

// StatusSummary counts keys per effective status.
type StatusSummary struct {
	Total    int                `json:"total"`
	ByStatus map[key.Status]int `json:"byStatus"`
	AsOf     time.Time          `json:"asOf"`
}

// Activity summarises what happened between Start and End.
type Activity struct {
	Start        time.Time                  `json:"start"`
	End          time.Time                  `json:"end"`
	Transactions []*transaction.Transaction `json:"transactions"`
	Checkouts    int                        `json:"checkouts"`
	Returns      int                        `json:"returns"`
	Lost         int                        `json:"lost"`
	Actions      map[audit.Action]int       `json:"actions"`
}

// DefaultTrendDays is the trend window when the caller does not pick one.
const DefaultTrendDays = 30

const recentActivityLimit = 10

// DailyCount is the checkout volume of one UTC calendar day.
type DailyCount struct {
	Date         string `json:"date"`
	Transactions int    `json:"transactions"`
	Keys         int    `json:"keys"`
}

// Trends holds per-day checkout counts, oldest first, and the latest transactions.
type Trends struct {
	Days   int                        `json:"days"`
	Daily  []DailyCount               `json:"daily"`
	Recent []*transaction.Transaction `json:"recent"`
}

type Service struct {
	exec    *journal.Executor
	actions ActionCounter
	now     func() time.Time
	logger  zerolog.Logger
}

func NewService(exec *journal.Executor, actions ActionCounter, now func() time.Time, logger zerolog.Logger) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		exec:    exec,
		actions: actions,
		now:     now,
		logger:  logger.With().Str("service", "report").Logger(),
	}
}

func (s *Service) KeyStatusSummary(ctx context.Context, actor user.Actor) (*StatusSummary, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	now := s.now()
	out := &StatusSummary{ByStatus: map[key.Status]int{}, AsOf: now}
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		counts, err := tx.Keys().CountByStatus(ctx, now)
		if err != nil {
			return err
		}
		for _, st := range []key.Status{key.StatusAvailable, key.StatusReserved, key.StatusCheckedOut, key.StatusLost, key.StatusUnavailable} {
			out.ByStatus[st] = counts[st]
			out.Total += counts[st]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Activity lists transactions checked out in [start, end] and counts audit actions in the same range.
func (s *Service) Activity(ctx context.Context, actor user.Actor, start, end time.Time) (*Activity, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, apperr.New(apperr.KindValidation, "end is before start")
	}
	out := &Activity{Start: start.UTC(), End: end.UTC(), Actions: map[audit.Action]int{}}
	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		txns, err := tx.Transactions().List(ctx, transaction.Filter{CheckoutFrom: &out.Start, CheckoutTo: &out.End}, 0, 0)
		if err != nil {
			return err
		}
		out.Transactions = txns
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Transactions == nil {
		out.Transactions = []*transaction.Transaction{}
	}
	for _, t := range out.Transactions {
		for _, item := range t.Items {
			switch item.Status {
			case transaction.ItemCheckedOut:
				out.Checkouts++
			case transaction.ItemReturned:
				out.Checkouts++
				out.Returns++
			case transaction.ItemLost:
				out.Checkouts++
				out.Lost++
			}
		}
	}

	if s.actions != nil {
		counts, err := s.actions.CountByAction(ctx, out.Start, out.End)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to count audit actions")
			return nil, err
		}
		out.Actions = counts
	}
	return out, nil
}

// Trends counts checkouts per day over the last days days, today included,
// and lists the most recent transactions.
func (s *Service) Trends(ctx context.Context, actor user.Actor, days int) (*Trends, error) {
	if err := actor.Require(user.RoleAdmin, user.RoleIssuer); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = DefaultTrendDays
	}
	if days > 366 {
		return nil, apperr.Newf(apperr.KindValidation, "trend window of %d days is too long", days)
	}

	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := today.AddDate(0, 0, -(days - 1))

	out := &Trends{Days: days, Daily: make([]DailyCount, days)}
	index := make(map[string]int, days)
	for i := range out.Daily {
		date := start.AddDate(0, 0, i).Format("2006-01-02")
		out.Daily[i].Date = date
		index[date] = i
	}

	err := s.exec.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		txns, err := tx.Transactions().List(ctx, transaction.Filter{CheckoutFrom: &start, CheckoutTo: &now}, 0, 0)
		if err != nil {
			return err
		}
		for _, t := range txns {
			if t.CheckoutDate == nil {
				continue
			}
			i, ok := index[t.CheckoutDate.UTC().Format("2006-01-02")]
			if !ok {
				continue
			}
			out.Daily[i].Transactions++
			out.Daily[i].Keys += len(t.Items)
		}

		out.Recent, err = tx.Transactions().List(ctx, transaction.Filter{}, recentActivityLimit, 0)
		return err
	})
	if err != nil {
		s.logger.Error().Err(err).Int("days", days).Msg("failed to build trends")
		return nil, err
	}
	if out.Recent == nil {
		out.Recent = []*transaction.Transaction{}
	}
	return out, nil
}
