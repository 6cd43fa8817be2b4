package domain

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusConsumed  Status = "consumed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// LineItem is one held product quantity with the unit price frozen at
// reservation time.
type LineItem struct {
	ProductID      string
	Qty            int
	UnitPriceCents int64
}

// Reservation is a time-limited claim on inventory. The transition out
// of active is one-way; a reservation never re-enters active.
type Reservation struct {
	ID            string
	ClientToken   string
	Status        Status
	ExpiresAt     time.Time
	SubtotalCents int64
	Items         []LineItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func New(id, token string, items []LineItem, now time.Time, hold time.Duration) Reservation {
	var subtotal int64
	for _, it := range items {
		subtotal += int64(it.Qty) * it.UnitPriceCents
	}
	return Reservation{
		ID:            id,
		ClientToken:   token,
		Status:        StatusActive,
		ExpiresAt:     now.Add(hold),
		SubtotalCents: subtotal,
		Items:         items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// EffectiveStatus treats an active reservation past its deadline as
// expired even before the sweeper persists the transition. Expiry is a
// timestamp comparison, never a timer.
func (r Reservation) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusActive && !now.Before(r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// HoldsStock reports whether the reservation still excludes its
// quantities from availability.
func (r Reservation) HoldsStock(now time.Time) bool {
	return r.EffectiveStatus(now) == StatusActive
}
