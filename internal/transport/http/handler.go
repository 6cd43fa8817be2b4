// Package http is the transport boundary: public checkout routes for
// reserve/cancel/commit plus the admin surface, all JSON over chi.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	orderapp "github.com/petalpoint/ordercore/internal/order/application"
	orderdom "github.com/petalpoint/ordercore/internal/order/domain"
	resvapp "github.com/petalpoint/ordercore/internal/reservation/application"
	"github.com/petalpoint/ordercore/internal/storage"
)

// IdempotencyStore guards commit against accidental double-submits.
// Release undoes a claim so a failed commit stays retryable.
type IdempotencyStore interface {
	Key(scope, key string) string
	Seen(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Options carries the boundary configuration the handlers need.
type Options struct {
	AdminToken     string
	HoldMinutes    int
	EtransferName  string
	EtransferEmail string
}

type Handler struct {
	log          *slog.Logger
	reservations *resvapp.Service
	orders       *orderapp.Service
	store        storage.Store
	idem         IdempotencyStore
	opts         Options
	tracer       trace.Tracer
}

func NewHandler(log *slog.Logger, reservations *resvapp.Service, orders *orderapp.Service, store storage.Store, idem IdempotencyStore, opts Options) *Handler {
	return &Handler{
		log:          log,
		reservations: reservations,
		orders:       orders,
		store:        store,
		idem:         idem,
		opts:         opts,
		tracer:       otel.Tracer("ordercore-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/reservations", h.reserve)
		r.Post("/reservations/cancel", h.cancelReservation)
		r.Post("/orders", h.commitOrder)
		r.Get("/settings", h.getSettings)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.adminOnly)
			r.Get("/orders", h.listOrders)
			r.Put("/orders", h.updateOrder)
			r.Post("/orders/bulk", h.bulkUpdateOrders)
			r.Delete("/orders", h.deleteOrders)
			r.Put("/settings", h.putSettings)
		})
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reserveReq struct {
	Token string `json:"token"`
	Items []struct {
		ProductID string `json:"productId"`
		Qty       int    `json:"qty"`
	} `json:"items"`
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Reserve")
	defer span.End()

	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Drop malformed rows and merge duplicate product ids so the
	// service sees a clean, deduplicated cart.
	merged := make(map[string]int, len(req.Items))
	order := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		id := strings.TrimSpace(it.ProductID)
		if id == "" || it.Qty <= 0 {
			continue
		}
		if _, ok := merged[id]; !ok {
			order = append(order, id)
		}
		merged[id] += it.Qty
	}
	items := make([]resvapp.Item, 0, len(order))
	for _, id := range order {
		items = append(items, resvapp.Item{ProductID: id, Qty: merged[id]})
	}

	res, err := h.reservations.Create(ctx, strings.TrimSpace(req.Token), items)
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reservationId": res.ID,
		"expiresAt":     res.ExpiresAt.Format(time.RFC3339),
		"subtotalCents": res.SubtotalCents,
		"holdMinutes":   h.opts.HoldMinutes,
	})
}

type cancelReq struct {
	ReservationID string `json:"reservationId"`
	Token         string `json:"token"`
}

func (h *Handler) cancelReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelReservation")
	defer span.End()

	var req cancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Navigation beacons are fire-and-forget; a broken body is
		// treated as success so leaving the page never errors.
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	if err := h.reservations.Cancel(ctx, strings.TrimSpace(req.ReservationID), strings.TrimSpace(req.Token)); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type commitReq struct {
	ReservationID string `json:"reservationId"`
	Token         string `json:"token"`
	Customer      struct {
		Name               string `json:"name"`
		Phone              string `json:"phone"`
		Address            string `json:"address"`
		Notes              string `json:"notes"`
		ConfirmedEtransfer bool   `json:"customerConfirmedEtransfer"`
	} `json:"customer"`
}

func (h *Handler) commitOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CommitOrder")
	defer span.End()

	var req commitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var idemKey string
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && h.idem != nil {
		idemKey = h.idem.Key("commit", key)
		seen, err := h.idem.Seen(ctx, idemKey)
		if err != nil {
			h.log.Error("idempotency check failed", "err", err)
			idemKey = ""
		} else if seen {
			writeError(w, http.StatusConflict, "duplicate request")
			return
		}
	}

	customer := orderdom.Customer{
		Name:               strings.TrimSpace(req.Customer.Name),
		Phone:              strings.TrimSpace(req.Customer.Phone),
		Address:            strings.TrimSpace(req.Customer.Address),
		Notes:              strings.TrimSpace(req.Customer.Notes),
		ConfirmedEtransfer: req.Customer.ConfirmedEtransfer,
	}

	o, err := h.orders.Commit(ctx, strings.TrimSpace(req.ReservationID), strings.TrimSpace(req.Token), customer)
	if err != nil {
		// A failed commit leaves the reservation usable; free the key so
		// the client can retry with it.
		if idemKey != "" {
			if rerr := h.idem.Release(ctx, idemKey); rerr != nil {
				h.log.Error("idempotency release failed", "err", rerr)
			}
		}
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":       o.ID,
		"publicOrderId": o.PublicID(),
		"orderMonth":    o.OrderMonth,
		"orderNumber":   o.OrderNumber,
		"subtotalCents": o.SubtotalCents,
		"etransfer": map[string]string{
			"name":    h.opts.EtransferName,
			"email":   h.opts.EtransferEmail,
			"message": etransferMessage(o),
		},
	})
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	status, err := h.store.SaleStatus(r.Context())
	if err != nil {
		h.log.Error("sale status read failed", "err", err)
		status = storage.SaleOpen
	} else if status != storage.SaleClosed {
		// Missing or unrecognized setting reads as open.
		status = storage.SaleOpen
	}
	writeJSON(w, http.StatusOK, map[string]string{"sale_status": status})
}
