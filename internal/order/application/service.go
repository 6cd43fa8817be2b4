package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	orderdom "github.com/petalpoint/ordercore/internal/order/domain"
	resvapp "github.com/petalpoint/ordercore/internal/reservation/application"
	resv "github.com/petalpoint/ordercore/internal/reservation/domain"
	"github.com/petalpoint/ordercore/internal/storage"
	"github.com/petalpoint/ordercore/pkg/tracing"
)

var (
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrReservationNotActive = errors.New("reservation not active")
	ErrMissingField         = errors.New("missing required field")
	ErrOrderNotFound        = errors.New("order not found")
	ErrInvalidStatus        = errors.New("invalid status value")
	ErrEmptyPatch           = errors.New("no fields to update")
	ErrNoOrderIDs           = errors.New("no order ids")
)

// deletedProductName labels order item snapshots whose catalog row
// vanished between reservation and commit.
const deletedProductName = "(deleted product)"

// Service converts reservations into orders and applies status updates.
type Service struct {
	log   *slog.Logger
	store storage.Store
	now   func() time.Time
}

func NewService(log *slog.Logger, store storage.Store) *Service {
	return &Service{log: log, store: store, now: time.Now}
}

// SetNow overrides the service clock. Tests use it to control expiry.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Commit consumes a valid reservation and produces the immutable order,
// all inside one transaction: the reservation flips to consumed, stock
// is permanently decremented, the monthly sequence number is allocated,
// and the order plus its item snapshots and an OrderCommitted outbox
// row are inserted. A failed commit rolls everything back and leaves
// the reservation active, so retrying is safe.
func (s *Service) Commit(ctx context.Context, reservationID, token string, c orderdom.Customer) (orderdom.Order, error) {
	now := s.now().UTC()

	var committed orderdom.Order
	err := s.store.ExecTx(ctx, func(tx storage.Tx) error {
		r, err := tx.Reservation(ctx, reservationID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		if r.ClientToken != token {
			return resvapp.ErrTokenMismatch
		}
		switch r.EffectiveStatus(now) {
		case resv.StatusActive:
		case resv.StatusExpired:
			return ErrReservationExpired
		default:
			return ErrReservationNotActive
		}

		switch {
		case c.Name == "":
			return fmt.Errorf("%w: name", ErrMissingField)
		case c.Phone == "":
			return fmt.Errorf("%w: phone", ErrMissingField)
		case c.Address == "":
			return fmt.Errorf("%w: address", ErrMissingField)
		}

		// The sale may have closed during the hold.
		sale, err := tx.SaleStatus(ctx)
		if err != nil {
			return err
		}
		if sale == storage.SaleClosed {
			return resvapp.ErrOrderingClosed
		}

		// Whichever of commit and cancel transitions the row first
		// wins; the loser sees the status already changed.
		ok, err := tx.TransitionReservation(ctx, r.ID, resv.StatusActive, resv.StatusConsumed)
		if err != nil {
			return err
		}
		if !ok {
			return ErrReservationNotActive
		}

		ids := make([]string, 0, len(r.Items))
		for _, it := range r.Items {
			ids = append(ids, it.ProductID)
		}
		products, err := tx.ProductsForUpdate(ctx, ids)
		if err != nil {
			return err
		}

		items := make([]orderdom.Item, 0, len(r.Items))
		for _, it := range r.Items {
			name := deletedProductName
			if p, ok := products[it.ProductID]; ok {
				name = p.Name
				if p.TrackStock {
					// The hold already excluded this quantity from
					// availability; the decrement makes it permanent.
					if err := tx.DecrementStock(ctx, it.ProductID, it.Qty); err != nil {
						return err
					}
				}
			}
			pid := it.ProductID
			items = append(items, orderdom.Item{
				ProductID:      &pid,
				ProductName:    name,
				Qty:            it.Qty,
				UnitPriceCents: it.UnitPriceCents,
			})
		}

		month := orderdom.Month(now)
		number, err := tx.NextOrderNumber(ctx, month)
		if err != nil {
			return err
		}

		o := orderdom.New(uuid.NewString(), month, number, c, r.SubtotalCents, items, now)
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}

		payload, err := json.Marshal(orderdom.OrderCommitted{
			OrderID:       o.ID,
			PublicOrderID: o.PublicID(),
			OrderMonth:    o.OrderMonth,
			OrderNumber:   o.OrderNumber,
			SubtotalCents: o.SubtotalCents,
			CustomerName:  o.CustomerName,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, "order", o.ID, "OrderCommitted", payload, tracing.TraceparentFromContext(ctx)); err != nil {
			return err
		}

		committed = o
		return nil
	})
	if err != nil {
		return orderdom.Order{}, err
	}

	s.log.Info("order committed",
		"order_id", committed.ID,
		"public_order_id", committed.PublicID(),
		"subtotal_cents", committed.SubtotalCents)
	return committed, nil
}
