// Package memory is an in-memory Store used by unit tests. A single
// mutex serializes transactions, which trivially satisfies the
// isolation the engine asks of its store; writes are rolled back from a
// snapshot when the transaction function fails.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	catalog "github.com/petalpoint/ordercore/internal/catalog/domain"
	orderdom "github.com/petalpoint/ordercore/internal/order/domain"
	resv "github.com/petalpoint/ordercore/internal/reservation/domain"
	"github.com/petalpoint/ordercore/internal/storage"
)

// Event is an outbox row captured for assertions.
type Event struct {
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Traceparent   string
}

type Store struct {
	mu           sync.Mutex
	products     map[string]catalog.Product
	reservations map[string]resv.Reservation
	orders       map[string]orderdom.Order
	counters     map[string]int
	settings     map[string]string
	events       []Event
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		products:     make(map[string]catalog.Product),
		reservations: make(map[string]resv.Reservation),
		orders:       make(map[string]orderdom.Order),
		counters:     make(map[string]int),
		settings:     make(map[string]string),
	}
}

// SeedProduct installs or replaces a catalog row.
func (s *Store) SeedProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// RemoveProduct deletes a catalog row, simulating an admin delete.
func (s *Store) RemoveProduct(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, id)
}

// Product returns the current catalog row.
func (s *Store) Product(id string) (catalog.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

// ReservationByID returns the persisted reservation row.
func (s *Store) ReservationByID(id string) (resv.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	return copyReservation(r), ok
}

// Events returns every outbox row appended so far.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Store) ExecTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(&tx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) SaleStatus(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saleStatusLocked(), nil
}

func (s *Store) SetSaleStatus(ctx context.Context, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings["sale_status"] = status
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orderdom.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orderdom.Order{}, storage.ErrNotFound
	}
	return copyOrder(o), nil
}

func (s *Store) ListOrders(ctx context.Context) ([]orderdom.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orderdom.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
	return nil
}

func (s *Store) DeleteOrdersBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.orders {
		if o.CreatedAt.Before(cutoff) {
			delete(s.orders, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) saleStatusLocked() string {
	if v, ok := s.settings["sale_status"]; ok {
		return v
	}
	return storage.SaleOpen
}

type snapshot struct {
	products     map[string]catalog.Product
	reservations map[string]resv.Reservation
	orders       map[string]orderdom.Order
	counters     map[string]int
	settings     map[string]string
	events       []Event
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		products:     make(map[string]catalog.Product, len(s.products)),
		reservations: make(map[string]resv.Reservation, len(s.reservations)),
		orders:       make(map[string]orderdom.Order, len(s.orders)),
		counters:     make(map[string]int, len(s.counters)),
		settings:     make(map[string]string, len(s.settings)),
		events:       make([]Event, len(s.events)),
	}
	for k, v := range s.products {
		snap.products[k] = v
	}
	for k, v := range s.reservations {
		snap.reservations[k] = copyReservation(v)
	}
	for k, v := range s.orders {
		snap.orders[k] = copyOrder(v)
	}
	for k, v := range s.counters {
		snap.counters[k] = v
	}
	for k, v := range s.settings {
		snap.settings[k] = v
	}
	copy(snap.events, s.events)
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.products = snap.products
	s.reservations = snap.reservations
	s.orders = snap.orders
	s.counters = snap.counters
	s.settings = snap.settings
	s.events = snap.events
}

func copyReservation(r resv.Reservation) resv.Reservation {
	items := make([]resv.LineItem, len(r.Items))
	copy(items, r.Items)
	r.Items = items
	return r
}

func copyOrder(o orderdom.Order) orderdom.Order {
	items := make([]orderdom.Item, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}

// tx runs under the store mutex held by ExecTx.
type tx struct {
	s *Store
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) SaleStatus(ctx context.Context) (string, error) {
	return t.s.saleStatusLocked(), nil
}

func (t *tx) ProductsForUpdate(ctx context.Context, ids []string) (map[string]catalog.Product, error) {
	out := make(map[string]catalog.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *tx) DecrementStock(ctx context.Context, productID string, qty int) error {
	p, ok := t.s.products[productID]
	if !ok {
		return storage.ErrNotFound
	}
	p.StockOnHand -= qty
	if p.StockOnHand < 0 {
		p.StockOnHand = 0
	}
	t.s.products[productID] = p
	return nil
}

func (t *tx) ActiveReservationByToken(ctx context.Context, token string) (*resv.Reservation, error) {
	for _, r := range t.s.reservations {
		if r.ClientToken == token && r.Status == resv.StatusActive {
			c := copyReservation(r)
			return &c, nil
		}
	}
	return nil, nil
}

func (t *tx) HeldQuantities(ctx context.Context, productIDs []string, now time.Time) (map[string]int, error) {
	wanted := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = true
	}
	held := make(map[string]int)
	for _, r := range t.s.reservations {
		if !r.HoldsStock(now) {
			continue
		}
		for _, it := range r.Items {
			if wanted[it.ProductID] {
				held[it.ProductID] += it.Qty
			}
		}
	}
	return held, nil
}

func (t *tx) InsertReservation(ctx context.Context, r resv.Reservation) error {
	if r.Status == resv.StatusActive {
		for _, prev := range t.s.reservations {
			if prev.ID != r.ID && prev.ClientToken == r.ClientToken && prev.Status == resv.StatusActive {
				return storage.ErrActiveHoldExists
			}
		}
	}
	t.s.reservations[r.ID] = copyReservation(r)
	return nil
}

func (t *tx) Reservation(ctx context.Context, id string) (resv.Reservation, error) {
	r, ok := t.s.reservations[id]
	if !ok {
		return resv.Reservation{}, storage.ErrNotFound
	}
	return copyReservation(r), nil
}

func (t *tx) TransitionReservation(ctx context.Context, id string, from, to resv.Status) (bool, error) {
	r, ok := t.s.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	t.s.reservations[id] = r
	return true, nil
}

func (t *tx) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, r := range t.s.reservations {
		if r.Status == resv.StatusActive && !now.Before(r.ExpiresAt) {
			r.Status = resv.StatusExpired
			r.UpdatedAt = now
			t.s.reservations[id] = r
			n++
		}
	}
	return n, nil
}

func (t *tx) NextOrderNumber(ctx context.Context, month string) (int, error) {
	t.s.counters[month]++
	return t.s.counters[month], nil
}

func (t *tx) InsertOrder(ctx context.Context, o orderdom.Order) error {
	t.s.orders[o.ID] = copyOrder(o)
	return nil
}

func (t *tx) Order(ctx context.Context, id string) (orderdom.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return orderdom.Order{}, storage.ErrNotFound
	}
	return copyOrder(o), nil
}

func (t *tx) UpdateOrder(ctx context.Context, id string, patch orderdom.Patch) (orderdom.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return orderdom.Order{}, storage.ErrNotFound
	}
	o = patch.Apply(o)
	t.s.orders[id] = o
	return copyOrder(o), nil
}

func (t *tx) AppendEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload []byte, traceparent string) error {
	t.s.events = append(t.s.events, Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       payload,
		Traceparent:   traceparent,
	})
	return nil
}
