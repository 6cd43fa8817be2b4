package domain

import "strings"

// Status is the legacy terminal/overall order state. payment_status and
// prep_status were added later; Status stays backward compatible by
// mirroring payment_status while non-terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

type PrepStatus string

const (
	PrepNotReady PrepStatus = "not_ready"
	PrepReady    PrepStatus = "ready"
)

// Terminal reports whether the status is immune to payment mirroring.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled
}

// NormalizeStatus parses a caller-supplied terminal status. The legacy
// synonym "unpaid" maps to pending.
func NormalizeStatus(in string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "unpaid", "pending":
		return StatusPending, true
	case "paid":
		return StatusPaid, true
	case "fulfilled":
		return StatusFulfilled, true
	case "cancelled":
		return StatusCancelled, true
	}
	return "", false
}

func NormalizePaymentStatus(in string) (PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "unpaid":
		return PaymentUnpaid, true
	case "paid":
		return PaymentPaid, true
	}
	return "", false
}

func NormalizePrepStatus(in string) (PrepStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "ready":
		return PrepReady, true
	case "not_ready", "not ready", "not-ready":
		return PrepNotReady, true
	}
	return "", false
}

// DeriveStatus mirrors a payment-status write into the legacy status.
// A terminal status always wins; otherwise paid drives paid and unpaid
// drives pending. Callers must pass the status read in the same
// transaction as the write.
func DeriveStatus(existing Status, payment PaymentStatus) Status {
	if existing.Terminal() {
		return existing
	}
	if payment == PaymentPaid {
		return StatusPaid
	}
	return StatusPending
}

// Patch is a normalized partial update applied by the status machine.
// Nil fields are left untouched.
type Patch struct {
	Status        *Status
	PaymentStatus *PaymentStatus
	PrepStatus    *PrepStatus
	AdminNote     *string
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.PaymentStatus == nil && p.PrepStatus == nil && p.AdminNote == nil
}

// Apply returns the order with the patch applied.
func (p Patch) Apply(o Order) Order {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.PaymentStatus != nil {
		o.PaymentStatus = *p.PaymentStatus
	}
	if p.PrepStatus != nil {
		o.PrepStatus = *p.PrepStatus
	}
	if p.AdminNote != nil {
		o.AdminNote = *p.AdminNote
	}
	return o
}
