package domain

// OrderCommitted is published through the transactional outbox when a
// reservation is converted into an order.
type OrderCommitted struct {
	OrderID       string `json:"order_id"`
	PublicOrderID string `json:"public_order_id"`
	OrderMonth    string `json:"order_month"`
	OrderNumber   int    `json:"order_number"`
	SubtotalCents int64  `json:"subtotal_cents"`
	CustomerName  string `json:"customer_name"`
}
