// Package storage defines the atomic-transaction store the engine runs
// against. Implementations must guarantee that the operations performed
// inside ExecTx are isolated from concurrent transactions touching the
// same product rows; that guarantee, not application-level locking, is
// what closes the oversell race.
package storage

import (
	"context"
	"errors"
	"time"

	catalog "github.com/petalpoint/ordercore/internal/catalog/domain"
	orderdom "github.com/petalpoint/ordercore/internal/order/domain"
	resv "github.com/petalpoint/ordercore/internal/reservation/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrActiveHoldExists indicates an insert would create a second active
// reservation for the same client token. The caller lost a same-token
// race; superseding the winner's hold and retrying is safe.
var ErrActiveHoldExists = errors.New("active hold exists for token")

// Sale window values stored under the sale_status setting.
const (
	SaleOpen   = "open"
	SaleClosed = "closed"
)

// Store is the shared data access surface. ExecTx runs fn inside one
// atomic transaction; fn returning an error rolls every write back.
// The remaining methods are single-shot reads and admin writes that
// need no cross-entity atomicity.
type Store interface {
	ExecTx(ctx context.Context, fn func(tx Tx) error) error

	SaleStatus(ctx context.Context) (string, error)
	SetSaleStatus(ctx context.Context, status string) error

	GetOrder(ctx context.Context, id string) (orderdom.Order, error)
	ListOrders(ctx context.Context) ([]orderdom.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	DeleteOrdersBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Tx exposes the operations the services compose inside a transaction.
// Methods taking a now parameter evaluate hold expiry as a pure
// timestamp comparison so availability never depends on sweep latency.
type Tx interface {
	SaleStatus(ctx context.Context) (string, error)

	// ProductsForUpdate loads and locks the given catalog rows for the
	// remainder of the transaction. Missing ids are absent from the map.
	ProductsForUpdate(ctx context.Context, ids []string) (map[string]catalog.Product, error)
	DecrementStock(ctx context.Context, productID string, qty int) error

	// ActiveReservationByToken returns the token's reservation whose
	// persisted status is still active, including one past its deadline
	// that no sweep has reclaimed yet. Nil when the token holds nothing.
	ActiveReservationByToken(ctx context.Context, token string) (*resv.Reservation, error)
	// HeldQuantities sums the quantities held by active, unexpired
	// reservations per product id.
	HeldQuantities(ctx context.Context, productIDs []string, now time.Time) (map[string]int, error)
	InsertReservation(ctx context.Context, r resv.Reservation) error
	Reservation(ctx context.Context, id string) (resv.Reservation, error)
	// TransitionReservation moves a reservation from one status to
	// another and reports whether the row actually changed. A false
	// return means a concurrent transaction won the transition.
	TransitionReservation(ctx context.Context, id string, from, to resv.Status) (bool, error)
	// ExpireDue persists active -> expired for every reservation past
	// its deadline and returns the number of rows swept.
	ExpireDue(ctx context.Context, now time.Time) (int64, error)

	// NextOrderNumber atomically increments and returns the per-month
	// counter, starting at 1. Numbers are never reused within a month;
	// gaps from rolled-back callers are acceptable.
	NextOrderNumber(ctx context.Context, month string) (int, error)

	InsertOrder(ctx context.Context, o orderdom.Order) error
	Order(ctx context.Context, id string) (orderdom.Order, error)
	UpdateOrder(ctx context.Context, id string, patch orderdom.Patch) (orderdom.Order, error)

	// AppendEvent records an outbox row in the same transaction as the
	// state change it describes.
	AppendEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload []byte, traceparent string) error
}
