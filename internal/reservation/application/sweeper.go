package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/petalpoint/ordercore/internal/storage"
)

// Sweeper persists active -> expired transitions for reservations past
// their deadline. Availability accounting never waits for it: every
// read path evaluates expiry against the clock, so the sweeper only
// keeps the audit trail tidy.
type Sweeper struct {
	log      *slog.Logger
	store    storage.Store
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(log *slog.Logger, store storage.Store, interval time.Duration) *Sweeper {
	return &Sweeper{log: log, store: store, interval: interval, now: time.Now}
}

// SetNow overrides the sweeper clock. Tests use it to control expiry.
func (s *Sweeper) SetNow(now func() time.Time) { s.now = now }

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return nil
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and logs how many holds were reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now().UTC()
	var swept int64
	err := s.store.ExecTx(ctx, func(tx storage.Tx) error {
		var err error
		swept, err = tx.ExpireDue(ctx, now)
		return err
	})
	if err != nil {
		s.log.Error("expiry sweep failed", "err", err)
		return
	}
	if swept > 0 {
		s.log.Info("expired reservations swept", "count", swept)
	}
}
