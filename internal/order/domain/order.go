package domain

import (
	"fmt"
	"time"
)

// Customer is the checkout form data snapshotted onto the order.
// ConfirmedEtransfer is the customer's own unverified declaration.
type Customer struct {
	Name               string
	Phone              string
	Address            string
	Notes              string
	ConfirmedEtransfer bool
}

// Item is an immutable line-item snapshot. ProductID is nil once the
// catalog row is deleted; the name and price snapshots keep historical
// orders intact.
type Item struct {
	OrderID        string
	ProductID      *string
	ProductName    string
	Qty            int
	UnitPriceCents int64
}

type Order struct {
	ID                 string
	OrderMonth         string
	OrderNumber        int
	CustomerName       string
	CustomerPhone      string
	CustomerAddress    string
	Notes              string
	AdminNote          string
	SubtotalCents      int64
	Status             Status
	PaymentStatus      PaymentStatus
	PrepStatus         PrepStatus
	ConfirmedEtransfer bool
	CreatedAt          time.Time
	Items              []Item
}

func New(id, month string, number int, c Customer, subtotalCents int64, items []Item, now time.Time) Order {
	for i := range items {
		items[i].OrderID = id
	}
	return Order{
		ID:                 id,
		OrderMonth:         month,
		OrderNumber:        number,
		CustomerName:       c.Name,
		CustomerPhone:      c.Phone,
		CustomerAddress:    c.Address,
		Notes:              c.Notes,
		SubtotalCents:      subtotalCents,
		Status:             StatusPending,
		PaymentStatus:      PaymentUnpaid,
		PrepStatus:         PrepNotReady,
		ConfirmedEtransfer: c.ConfirmedEtransfer,
		CreatedAt:          now,
		Items:              items,
	}
}

// Month is the sequence scope for order numbering, e.g. "2026-01".
func Month(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PublicID renders the human-shown order identifier. The shape
// ORD-YYYY-MM-NNNN is a compatibility contract with payment
// reconciliation messages and must not change.
func PublicID(month string, number int) string {
	return fmt.Sprintf("ORD-%s-%04d", month, number)
}

func (o Order) PublicID() string {
	return PublicID(o.OrderMonth, o.OrderNumber)
}
