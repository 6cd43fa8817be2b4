// Package postgres implements the engine's store on pgx. Row locks
// taken by ProductsForUpdate serialize concurrent reservations touching
// the same products, which is the transaction guarantee the reserve and
// commit paths rely on.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	catalog "github.com/petalpoint/ordercore/internal/catalog/domain"
	orderdom "github.com/petalpoint/ordercore/internal/order/domain"
	resv "github.com/petalpoint/ordercore/internal/reservation/domain"
	"github.com/petalpoint/ordercore/internal/storage"
)

//go:embed schema.sql
var schema string

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

// Migrate applies the full schema. There is deliberately no
// column-by-column fallback: the engine requires the complete schema
// upfront.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) ExecTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = pgtx.Rollback(ctx)
	}()

	if err := fn(&tx{q: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

func (s *Store) SaleStatus(ctx context.Context) (string, error) {
	return saleStatus(ctx, s.pool)
}

func (s *Store) SetSaleStatus(ctx context.Context, status string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO settings (key, value) VALUES ('sale_status', $1)
		ON CONFLICT (key) DO UPDATE SET value = $1`, status)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (orderdom.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, id))
	if err != nil {
		return orderdom.Order{}, err
	}
	items, err := orderItems(ctx, s.pool, []string{id})
	if err != nil {
		return orderdom.Order{}, err
	}
	o.Items = items[id]
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context) ([]orderdom.Order, error) {
	rows, err := s.pool.Query(ctx, selectOrder+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []orderdom.Order
	var ids []string
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}
	items, err := orderItems(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteOrdersBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

type tx struct {
	q pgx.Tx
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) SaleStatus(ctx context.Context) (string, error) {
	return saleStatus(ctx, t.q)
}

func (t *tx) ProductsForUpdate(ctx context.Context, ids []string) (map[string]catalog.Product, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, name, image_url, price_cents, stock_on_hand, track_stock, is_active
		FROM products WHERE id = ANY($1)
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()

	out := make(map[string]catalog.Product, len(ids))
	for rows.Next() {
		var p catalog.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.ImageURL, &p.PriceCents, &p.StockOnHand, &p.TrackStock, &p.Active); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (t *tx) DecrementStock(ctx context.Context, productID string, qty int) error {
	_, err := t.q.Exec(ctx, `
		UPDATE products SET stock_on_hand = GREATEST(stock_on_hand - $2, 0)
		WHERE id = $1`, productID, qty)
	return err
}

func (t *tx) ActiveReservationByToken(ctx context.Context, token string) (*resv.Reservation, error) {
	r, err := scanReservation(t.q.QueryRow(ctx, selectReservation+`
		WHERE client_token = $1 AND status = 'active'
		FOR UPDATE`, token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := t.loadReservationItems(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *tx) HeldQuantities(ctx context.Context, productIDs []string, now time.Time) (map[string]int, error) {
	rows, err := t.q.Query(ctx, `
		SELECT ri.product_id, COALESCE(SUM(ri.qty), 0)
		FROM reservation_items ri
		JOIN reservations r ON r.id = ri.reservation_id
		WHERE ri.product_id = ANY($1) AND r.status = 'active' AND r.expires_at > $2
		GROUP BY ri.product_id`, productIDs, now)
	if err != nil {
		return nil, fmt.Errorf("sum holds: %w", err)
	}
	defer rows.Close()

	held := make(map[string]int)
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		held[id] = qty
	}
	return held, rows.Err()
}

func (t *tx) InsertReservation(ctx context.Context, r resv.Reservation) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO reservations (id, client_token, status, expires_at, subtotal_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ClientToken, r.Status, r.ExpiresAt, r.SubtotalCents, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		// 23505 = unique_violation
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" &&
			pgErr.ConstraintName == "reservations_token_active" {
			return storage.ErrActiveHoldExists
		}
		return fmt.Errorf("insert reservation: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range r.Items {
		batch.Queue(`INSERT INTO reservation_items (reservation_id, product_id, qty, unit_price_cents)
			VALUES ($1, $2, $3, $4)`,
			r.ID, it.ProductID, it.Qty, it.UnitPriceCents)
	}
	res := t.q.SendBatch(ctx, batch)
	if err := res.Close(); err != nil {
		return fmt.Errorf("insert reservation items: %w", err)
	}
	return nil
}

func (t *tx) Reservation(ctx context.Context, id string) (resv.Reservation, error) {
	r, err := scanReservation(t.q.QueryRow(ctx, selectReservation+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return resv.Reservation{}, err
	}
	if err := t.loadReservationItems(ctx, &r); err != nil {
		return resv.Reservation{}, err
	}
	return r, nil
}

func (t *tx) TransitionReservation(ctx context.Context, id string, from, to resv.Status) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE reservations SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (t *tx) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE reservations SET status = 'expired', updated_at = now()
		WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *tx) NextOrderNumber(ctx context.Context, month string) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		INSERT INTO order_counters (order_month, last_number) VALUES ($1, 1)
		ON CONFLICT (order_month) DO UPDATE SET last_number = order_counters.last_number + 1
		RETURNING last_number`, month).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next order number: %w", err)
	}
	return n, nil
}

func (t *tx) InsertOrder(ctx context.Context, o orderdom.Order) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orders (id, order_month, order_number, customer_name, customer_phone,
			customer_address, notes, admin_note, subtotal_cents, status, payment_status,
			prep_status, confirmed_etransfer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.OrderMonth, o.OrderNumber, o.CustomerName, o.CustomerPhone,
		o.CustomerAddress, o.Notes, o.AdminNote, o.SubtotalCents, o.Status,
		o.PaymentStatus, o.PrepStatus, o.ConfirmedEtransfer, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, product_id, product_name, qty, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5)`,
			it.OrderID, it.ProductID, it.ProductName, it.Qty, it.UnitPriceCents)
	}
	res := t.q.SendBatch(ctx, batch)
	if err := res.Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}
	return nil
}

func (t *tx) Order(ctx context.Context, id string) (orderdom.Order, error) {
	o, err := scanOrder(t.q.QueryRow(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return orderdom.Order{}, err
	}
	items, err := orderItems(ctx, t.q, []string{id})
	if err != nil {
		return orderdom.Order{}, err
	}
	o.Items = items[id]
	return o, nil
}

func (t *tx) UpdateOrder(ctx context.Context, id string, patch orderdom.Patch) (orderdom.Order, error) {
	sets := make([]string, 0, 4)
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.PaymentStatus != nil {
		add("payment_status", *patch.PaymentStatus)
	}
	if patch.PrepStatus != nil {
		add("prep_status", *patch.PrepStatus)
	}
	if patch.AdminNote != nil {
		add("admin_note", *patch.AdminNote)
	}
	if len(sets) == 0 {
		return t.Order(ctx, id)
	}

	ct, err := t.q.Exec(ctx, `UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return orderdom.Order{}, fmt.Errorf("update order: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return orderdom.Order{}, storage.ErrNotFound
	}
	return t.Order(ctx, id)
}

func (t *tx) AppendEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload []byte, traceparent string) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')`,
		aggregateType, aggregateID, eventType, payload, traceparent)
	return err
}

func (t *tx) loadReservationItems(ctx context.Context, r *resv.Reservation) error {
	rows, err := t.q.Query(ctx, `
		SELECT product_id, qty, unit_price_cents
		FROM reservation_items WHERE reservation_id = $1`, r.ID)
	if err != nil {
		return fmt.Errorf("query reservation items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it resv.LineItem
		if err := rows.Scan(&it.ProductID, &it.Qty, &it.UnitPriceCents); err != nil {
			return err
		}
		r.Items = append(r.Items, it)
	}
	return rows.Err()
}

const selectReservation = `
	SELECT id, client_token, status, expires_at, subtotal_cents, created_at, updated_at
	FROM reservations`

func scanReservation(row pgx.Row) (resv.Reservation, error) {
	var r resv.Reservation
	err := row.Scan(&r.ID, &r.ClientToken, &r.Status, &r.ExpiresAt, &r.SubtotalCents, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return resv.Reservation{}, storage.ErrNotFound
	}
	if err != nil {
		return resv.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	return r, nil
}

const selectOrder = `
	SELECT id, order_month, order_number, customer_name, customer_phone, customer_address,
		notes, admin_note, subtotal_cents, status, payment_status, prep_status,
		confirmed_etransfer, created_at
	FROM orders`

func scanOrder(row pgx.Row) (orderdom.Order, error) {
	var o orderdom.Order
	err := row.Scan(&o.ID, &o.OrderMonth, &o.OrderNumber, &o.CustomerName, &o.CustomerPhone,
		&o.CustomerAddress, &o.Notes, &o.AdminNote, &o.SubtotalCents, &o.Status,
		&o.PaymentStatus, &o.PrepStatus, &o.ConfirmedEtransfer, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orderdom.Order{}, storage.ErrNotFound
	}
	if err != nil {
		return orderdom.Order{}, fmt.Errorf("scan order: %w", err)
	}
	return o, nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func saleStatus(ctx context.Context, q rowQuerier) (string, error) {
	var v string
	err := q.QueryRow(ctx, `SELECT value FROM settings WHERE key = 'sale_status'`).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing setting defaults to open.
		return storage.SaleOpen, nil
	}
	if err != nil {
		return "", fmt.Errorf("query sale status: %w", err)
	}
	return v, nil
}

func orderItems(ctx context.Context, q rowQuerier, orderIDs []string) (map[string][]orderdom.Item, error) {
	rows, err := q.Query(ctx, `
		SELECT order_id, product_id, product_name, qty, unit_price_cents
		FROM order_items WHERE order_id = ANY($1)`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]orderdom.Item)
	for rows.Next() {
		var it orderdom.Item
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.ProductName, &it.Qty, &it.UnitPriceCents); err != nil {
			return nil, err
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}
