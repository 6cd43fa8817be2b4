package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	resv "github.com/petalpoint/ordercore/internal/reservation/domain"
	"github.com/petalpoint/ordercore/internal/storage"
)

var (
	ErrOrderingClosed      = errors.New("ordering is closed")
	ErrMissingToken        = errors.New("missing client token")
	ErrCartEmpty           = errors.New("cart is empty")
	ErrInvalidCartItem     = errors.New("invalid cart item")
	ErrProductNotAvailable = errors.New("product not available")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrTokenMismatch       = errors.New("reservation token mismatch")
)

// Item is a requested hold quantity. Product ids must be unique within
// one request.
type Item struct {
	ProductID string
	Qty       int
}

// Service grants, cancels, and expires inventory holds. All stock
// accounting happens inside one store transaction with the affected
// product rows locked, so two concurrent creates can never hold more
// than the available stock between them.
type Service struct {
	log   *slog.Logger
	store storage.Store
	hold  time.Duration
	now   func() time.Time
}

func NewService(log *slog.Logger, store storage.Store, hold time.Duration) *Service {
	return &Service{log: log, store: store, hold: hold, now: time.Now}
}

// SetNow overrides the service clock. Tests use it to control expiry.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Create supersedes any prior active reservation held by token, then
// places a fresh hold on the requested quantities. Retrying checkout
// for the same token therefore never double-holds stock.
func (s *Service) Create(ctx context.Context, token string, items []Item) (resv.Reservation, error) {
	if token == "" {
		return resv.Reservation{}, ErrMissingToken
	}
	now := s.now().UTC()

	var created resv.Reservation
	txFn := func(tx storage.Tx) error {
		sale, err := tx.SaleStatus(ctx)
		if err != nil {
			return err
		}
		if sale == storage.SaleClosed {
			return ErrOrderingClosed
		}

		if len(items) == 0 {
			return ErrCartEmpty
		}
		ids := make([]string, 0, len(items))
		seen := make(map[string]bool, len(items))
		for _, it := range items {
			if it.ProductID == "" || it.Qty <= 0 || seen[it.ProductID] {
				return ErrInvalidCartItem
			}
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}

		// Release the caller's prior hold before computing availability
		// so swapping a cart never competes with its own old hold. An
		// unswept row past its deadline is settled as expired here, which
		// also keeps the one-active-row-per-token index satisfied.
		prev, err := tx.ActiveReservationByToken(ctx, token)
		if err != nil {
			return err
		}
		if prev != nil {
			to := resv.StatusCancelled
			if prev.EffectiveStatus(now) == resv.StatusExpired {
				to = resv.StatusExpired
			}
			if _, err := tx.TransitionReservation(ctx, prev.ID, resv.StatusActive, to); err != nil {
				return err
			}
		}

		products, err := tx.ProductsForUpdate(ctx, ids)
		if err != nil {
			return err
		}
		for _, it := range items {
			p, ok := products[it.ProductID]
			if !ok {
				return fmt.Errorf("%w: %s", ErrProductNotAvailable, it.ProductID)
			}
			if !p.Active {
				return fmt.Errorf("%w: %s", ErrProductNotAvailable, p.Name)
			}
		}

		held, err := tx.HeldQuantities(ctx, ids, now)
		if err != nil {
			return err
		}

		lines := make([]resv.LineItem, 0, len(items))
		for _, it := range items {
			p := products[it.ProductID]
			if p.TrackStock {
				available := p.StockOnHand - held[it.ProductID]
				if it.Qty > available {
					return fmt.Errorf("%w: %s", ErrInsufficientStock, p.Name)
				}
			}
			lines = append(lines, resv.LineItem{
				ProductID:      it.ProductID,
				Qty:            it.Qty,
				UnitPriceCents: p.PriceCents,
			})
		}

		created = resv.New(uuid.NewString(), token, lines, now, s.hold)
		return tx.InsertReservation(ctx, created)
	}

	err := s.store.ExecTx(ctx, txFn)
	if errors.Is(err, storage.ErrActiveHoldExists) {
		// Lost a same-token insert race; the winner's hold is committed
		// now and gets superseded on the retry.
		err = s.store.ExecTx(ctx, txFn)
	}
	if err != nil {
		return resv.Reservation{}, err
	}

	s.log.Info("reservation created",
		"reservation_id", created.ID,
		"items", len(created.Items),
		"expires_at", created.ExpiresAt)
	return created, nil
}

// Cancel releases a hold. It is idempotent: cancelling a reservation
// that is already cancelled, consumed, expired, or missing succeeds.
// Only a token that does not match the reservation's owner fails.
func (s *Service) Cancel(ctx context.Context, reservationID, token string) error {
	if reservationID == "" {
		// Best-effort fire-and-forget from navigation handlers.
		return nil
	}
	now := s.now().UTC()

	return s.store.ExecTx(ctx, func(tx storage.Tx) error {
		r, err := tx.Reservation(ctx, reservationID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if r.ClientToken != token {
			return ErrTokenMismatch
		}
		if r.EffectiveStatus(now) != resv.StatusActive {
			return nil
		}
		_, err = tx.TransitionReservation(ctx, r.ID, resv.StatusActive, resv.StatusCancelled)
		return err
	})
}
