package application

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	catalog "github.com/petalpoint/ordercore/internal/catalog/domain"
	orderdom "github.com/petalpoint/ordercore/internal/order/domain"
	resvapp "github.com/petalpoint/ordercore/internal/reservation/application"
	resv "github.com/petalpoint/ordercore/internal/reservation/domain"
	"github.com/petalpoint/ordercore/internal/storage"
	"github.com/petalpoint/ordercore/internal/storage/memory"
	"github.com/petalpoint/ordercore/pkg/logging"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store  *memory.Store
	resv   *resvapp.Service
	orders *Service
	clock  *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.New("error")
	store := memory.New()
	clock := &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}

	rs := resvapp.NewService(log, store, 8*time.Minute)
	rs.SetNow(clock.Now)
	os := NewService(log, store)
	os.now = clock.Now

	return &fixture{store: store, resv: rs, orders: os, clock: clock}
}

func (f *fixture) seed(id, name string, priceCents int64, stock int) {
	f.store.SeedProduct(catalog.Product{
		ID: id, Name: name, PriceCents: priceCents,
		StockOnHand: stock, TrackStock: true, Active: true,
	})
}

func (f *fixture) reserve(t *testing.T, token string, items ...resvapp.Item) resv.Reservation {
	t.Helper()
	r, err := f.resv.Create(context.Background(), token, items)
	require.NoError(t, err)
	return r
}

var buyer = orderdom.Customer{
	Name:    "Maya Chen",
	Phone:   "555-0101",
	Address: "12 Garden Lane",
}

func TestCommit(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 5)
	ctx := context.Background()

	r := f.reserve(t, "tok-a", resvapp.Item{ProductID: "p-tulip", Qty: 2})

	c := buyer
	c.Notes = "ring the bell"
	c.ConfirmedEtransfer = true
	o, err := f.orders.Commit(ctx, r.ID, "tok-a", c)
	require.NoError(t, err)

	assert.Equal(t, "2026-01", o.OrderMonth)
	assert.Equal(t, 1, o.OrderNumber)
	assert.Equal(t, "ORD-2026-01-0001", o.PublicID())
	assert.Equal(t, int64(3000), o.SubtotalCents)
	assert.Equal(t, orderdom.StatusPending, o.Status)
	assert.Equal(t, orderdom.PaymentUnpaid, o.PaymentStatus)
	assert.Equal(t, orderdom.PrepNotReady, o.PrepStatus)
	assert.True(t, o.ConfirmedEtransfer)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Tulip Bundle", o.Items[0].ProductName)
	assert.Equal(t, int64(1500), o.Items[0].UnitPriceCents)

	// Stock becomes a permanent decrement, the hold is consumed.
	p, _ := f.store.Product("p-tulip")
	assert.Equal(t, 3, p.StockOnHand)
	stored, _ := f.store.ReservationByID(r.ID)
	assert.Equal(t, resv.StatusConsumed, stored.Status)

	// The commit wrote exactly one outbox row in the same transaction.
	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "OrderCommitted", events[0].Type)
	assert.Equal(t, o.ID, events[0].AggregateID)
	var ev orderdom.OrderCommitted
	require.NoError(t, json.Unmarshal(events[0].Payload, &ev))
	assert.Equal(t, "ORD-2026-01-0001", ev.PublicOrderID)
	assert.Equal(t, "Maya Chen", ev.CustomerName)
}

func TestCommitPreconditions(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 5)
	ctx := context.Background()

	_, err := f.orders.Commit(ctx, "no-such-id", "tok-a", buyer)
	assert.ErrorIs(t, err, ErrReservationNotFound)

	r := f.reserve(t, "tok-a", resvapp.Item{ProductID: "p-tulip", Qty: 1})

	_, err = f.orders.Commit(ctx, r.ID, "tok-intruder", buyer)
	assert.ErrorIs(t, err, resvapp.ErrTokenMismatch)

	// Contact fields are checked one at a time, name first.
	_, err = f.orders.Commit(ctx, r.ID, "tok-a", orderdom.Customer{})
	require.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), "name")
	_, err = f.orders.Commit(ctx, r.ID, "tok-a", orderdom.Customer{Name: "Maya"})
	require.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), "phone")
	_, err = f.orders.Commit(ctx, r.ID, "tok-a", orderdom.Customer{Name: "Maya", Phone: "555"})
	require.ErrorIs(t, err, ErrMissingField)
	assert.Contains(t, err.Error(), "address")

	// The sale closed while the customer held the reservation.
	require.NoError(t, f.store.SetSaleStatus(ctx, storage.SaleClosed))
	_, err = f.orders.Commit(ctx, r.ID, "tok-a", buyer)
	assert.ErrorIs(t, err, resvapp.ErrOrderingClosed)
	require.NoError(t, f.store.SetSaleStatus(ctx, storage.SaleOpen))

	// Every failure above left the reservation committable.
	_, err = f.orders.Commit(ctx, r.ID, "tok-a", buyer)
	assert.NoError(t, err)

	// And a consumed reservation cannot be committed again.
	_, err = f.orders.Commit(ctx, r.ID, "tok-a", buyer)
	assert.ErrorIs(t, err, ErrReservationNotActive)
}

func TestCommitExpiredReservation(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 1)
	ctx := context.Background()

	r := f.reserve(t, "tok-a", resvapp.Item{ProductID: "p-tulip", Qty: 1})

	f.clock.Advance(8 * time.Minute)
	_, err := f.orders.Commit(ctx, r.ID, "tok-a", buyer)
	assert.ErrorIs(t, err, ErrReservationExpired)

	// The unit is available again and commits fine for the next client.
	r2 := f.reserve(t, "tok-b", resvapp.Item{ProductID: "p-tulip", Qty: 1})
	o, err := f.orders.Commit(ctx, r2.ID, "tok-b", buyer)
	require.NoError(t, err)
	assert.Equal(t, 1, o.OrderNumber)
}

func TestCommitCancelledReservation(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 1)
	ctx := context.Background()

	r := f.reserve(t, "tok-a", resvapp.Item{ProductID: "p-tulip", Qty: 1})
	require.NoError(t, f.resv.Cancel(ctx, r.ID, "tok-a"))

	_, err := f.orders.Commit(ctx, r.ID, "tok-a", buyer)
	assert.ErrorIs(t, err, ErrReservationNotActive)
}

func TestCommitSnapshotsDeletedProduct(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 5)
	ctx := context.Background()

	r := f.reserve(t, "tok-a", resvapp.Item{ProductID: "p-tulip", Qty: 1})
	f.store.RemoveProduct("p-tulip")

	o, err := f.orders.Commit(ctx, r.ID, "tok-a", buyer)
	require.NoError(t, err)
	require.Len(t, o.Items, 1)
	assert.Equal(t, deletedProductName, o.Items[0].ProductName)
	// Price comes from the reservation snapshot, not the catalog.
	assert.Equal(t, int64(1500), o.Items[0].UnitPriceCents)
}

func TestCommitRacesResolveExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 5)
	ctx := context.Background()

	r := f.reserve(t, "tok-a", resvapp.Item{ProductID: "p-tulip", Qty: 1})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orders.Commit(ctx, r.ID, "tok-a", buyer)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrReservationNotActive)
		}
	}
	assert.Equal(t, 1, wins)

	p, _ := f.store.Product("p-tulip")
	assert.Equal(t, 4, p.StockOnHand)
	orders, err := f.store.ListOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCommitCancelRace(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 1)
	ctx := context.Background()

	r := f.reserve(t, "tok-a", resvapp.Item{ProductID: "p-tulip", Qty: 1})

	var wg sync.WaitGroup
	var commitErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, commitErr = f.orders.Commit(ctx, r.ID, "tok-a", buyer)
	}()
	go func() {
		defer wg.Done()
		cancelErr = f.resv.Cancel(ctx, r.ID, "tok-a")
	}()
	wg.Wait()

	// Cancel never errors; commit either won the row or lost it, and the
	// store agrees with whichever happened.
	assert.NoError(t, cancelErr)
	stored, _ := f.store.ReservationByID(r.ID)
	orders, err := f.store.ListOrders(ctx)
	require.NoError(t, err)
	if commitErr == nil {
		assert.Equal(t, resv.StatusConsumed, stored.Status)
		assert.Len(t, orders, 1)
	} else {
		assert.ErrorIs(t, commitErr, ErrReservationNotActive)
		assert.Equal(t, resv.StatusCancelled, stored.Status)
		assert.Empty(t, orders)
	}
}

func TestSequenceNumbersUniquePerMonth(t *testing.T) {
	const n = 10

	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 100)
	ctx := context.Background()

	resvs := make([]resv.Reservation, n)
	for i := 0; i < n; i++ {
		resvs[i] = f.reserve(t, "tok-"+string(rune('a'+i)), resvapp.Item{ProductID: "p-tulip", Qty: 1})
	}

	var wg sync.WaitGroup
	numbers := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := f.orders.Commit(ctx, resvs[i].ID, resvs[i].ClientToken, buyer)
			if err == nil {
				numbers[i] = o.OrderNumber
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for _, num := range numbers {
		require.GreaterOrEqual(t, num, 1)
		require.LessOrEqual(t, num, n)
		require.False(t, seen[num], "duplicate order number %d", num)
		seen[num] = true
	}

	// A new month starts its own sequence at 1.
	f.clock.Advance(31 * 24 * time.Hour)
	r := f.reserve(t, "tok-feb", resvapp.Item{ProductID: "p-tulip", Qty: 1})
	o, err := f.orders.Commit(ctx, r.ID, "tok-feb", buyer)
	require.NoError(t, err)
	assert.Equal(t, "2026-02", o.OrderMonth)
	assert.Equal(t, 1, o.OrderNumber)
	assert.Equal(t, "ORD-2026-02-0001", o.PublicID())
}

func commitOne(t *testing.T, f *fixture, token string) orderdom.Order {
	t.Helper()
	r := f.reserve(t, token, resvapp.Item{ProductID: "p-tulip", Qty: 1})
	o, err := f.orders.Commit(context.Background(), r.ID, token, buyer)
	require.NoError(t, err)
	return o
}

func TestUpdateMirrorsPaymentIntoStatus(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 10)
	ctx := context.Background()
	o := commitOne(t, f, "tok-a")

	paid := "paid"
	got, err := f.orders.Update(ctx, o.ID, UpdateRequest{PaymentStatus: &paid})
	require.NoError(t, err)
	assert.Equal(t, orderdom.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, orderdom.StatusPaid, got.Status)

	unpaid := "unpaid"
	got, err = f.orders.Update(ctx, o.ID, UpdateRequest{PaymentStatus: &unpaid})
	require.NoError(t, err)
	assert.Equal(t, orderdom.StatusPending, got.Status)
}

func TestUpdateTerminalStatusWinsOverPayment(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 10)
	ctx := context.Background()
	o := commitOne(t, f, "tok-a")

	fulfilled := "fulfilled"
	_, err := f.orders.Update(ctx, o.ID, UpdateRequest{Status: &fulfilled})
	require.NoError(t, err)

	// Recording the payment afterwards must not pull the order back.
	paid := "paid"
	got, err := f.orders.Update(ctx, o.ID, UpdateRequest{PaymentStatus: &paid})
	require.NoError(t, err)
	assert.Equal(t, orderdom.StatusFulfilled, got.Status)
	assert.Equal(t, orderdom.PaymentPaid, got.PaymentStatus)
}

func TestUpdateLegacyUnpaidStatus(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 10)
	o := commitOne(t, f, "tok-a")

	legacy := "unpaid"
	got, err := f.orders.Update(context.Background(), o.ID, UpdateRequest{Status: &legacy})
	require.NoError(t, err)
	assert.Equal(t, orderdom.StatusPending, got.Status)
}

func TestUpdateAdminNoteAndPrep(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 10)
	o := commitOne(t, f, "tok-a")

	note := "  bouquet on hold at counter  "
	prep := "not ready"
	got, err := f.orders.Update(context.Background(), o.ID, UpdateRequest{AdminNote: &note, PrepStatus: &prep})
	require.NoError(t, err)
	assert.Equal(t, "bouquet on hold at counter", got.AdminNote)
	assert.Equal(t, orderdom.PrepNotReady, got.PrepStatus)
}

func TestUpdateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 10)
	ctx := context.Background()
	o := commitOne(t, f, "tok-a")

	bad := "shipped"
	_, err := f.orders.Update(ctx, o.ID, UpdateRequest{Status: &bad})
	require.ErrorIs(t, err, ErrInvalidStatus)
	assert.Contains(t, err.Error(), "shipped")

	_, err = f.orders.Update(ctx, o.ID, UpdateRequest{})
	assert.ErrorIs(t, err, ErrEmptyPatch)

	paid := "paid"
	_, err = f.orders.Update(ctx, "no-such-order", UpdateRequest{PaymentStatus: &paid})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestBulkUpdate(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 10)
	ctx := context.Background()
	a := commitOne(t, f, "tok-a")
	b := commitOne(t, f, "tok-b")

	fulfilled := "fulfilled"
	res, err := f.orders.BulkUpdate(ctx, []string{a.ID, "missing-id", b.ID}, UpdateRequest{Status: &fulfilled})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "missing-id", res.Errors[0].ID)

	got, err := f.store.GetOrder(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdom.StatusFulfilled, got.Status)

	_, err = f.orders.BulkUpdate(ctx, nil, UpdateRequest{Status: &fulfilled})
	assert.ErrorIs(t, err, ErrNoOrderIDs)

	bad := "shipped"
	_, err = f.orders.BulkUpdate(ctx, []string{a.ID}, UpdateRequest{Status: &bad})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestBulkPaymentPatchRespectsTerminalOrders(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 10)
	ctx := context.Background()
	pending := commitOne(t, f, "tok-a")
	fulfilled := commitOne(t, f, "tok-b")

	st := "fulfilled"
	_, err := f.orders.Update(ctx, fulfilled.ID, UpdateRequest{Status: &st})
	require.NoError(t, err)

	paid := "paid"
	res, err := f.orders.BulkUpdate(ctx, []string{pending.ID, fulfilled.ID}, UpdateRequest{PaymentStatus: &paid})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Empty(t, res.Errors)

	gotPending, err := f.store.GetOrder(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdom.StatusPaid, gotPending.Status)

	gotFulfilled, err := f.store.GetOrder(ctx, fulfilled.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdom.StatusFulfilled, gotFulfilled.Status)
	assert.Equal(t, orderdom.PaymentPaid, gotFulfilled.PaymentStatus)
}

func TestSweeperPersistsExpiry(t *testing.T) {
	f := newFixture(t)
	f.seed("p-tulip", "Tulip Bundle", 1500, 1)
	ctx := context.Background()

	r := f.reserve(t, "tok-a", resvapp.Item{ProductID: "p-tulip", Qty: 1})

	f.clock.Advance(9 * time.Minute)
	sw := resvapp.NewSweeper(logging.New("error"), f.store, time.Minute)
	sw.SetNow(f.clock.Now)
	sw.Sweep(ctx)

	stored, _ := f.store.ReservationByID(r.ID)
	assert.Equal(t, resv.StatusExpired, stored.Status)
}
