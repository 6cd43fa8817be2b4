package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	orderapp "github.com/petalpoint/ordercore/internal/order/application"
	orderdom "github.com/petalpoint/ordercore/internal/order/domain"
	"github.com/petalpoint/ordercore/internal/storage"
)

func (h *Handler) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.opts.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type orderItemDTO struct {
	ProductID      *string `json:"product_id"`
	ProductName    string  `json:"product_name"`
	Qty            int     `json:"qty"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	LineTotalCents int64   `json:"line_total_cents"`
}

type orderDTO struct {
	ID                 string         `json:"id"`
	PublicOrderID      string         `json:"public_order_id"`
	OrderMonth         string         `json:"order_month"`
	OrderNumber        int            `json:"order_number"`
	Status             string         `json:"status"`
	PaymentStatus      string         `json:"payment_status"`
	PrepStatus         string         `json:"prep_status"`
	CustomerName       string         `json:"customer_name"`
	CustomerPhone      string         `json:"customer_phone"`
	CustomerAddress    string         `json:"customer_address"`
	Notes              string         `json:"notes"`
	AdminNote          string         `json:"admin_note"`
	SubtotalCents      int64          `json:"subtotal_cents"`
	ConfirmedEtransfer bool           `json:"customer_confirmed_etransfer"`
	CreatedAt          time.Time      `json:"created_at"`
	Items              []orderItemDTO `json:"order_items"`
}

func toOrderDTO(o orderdom.Order) orderDTO {
	items := make([]orderItemDTO, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemDTO{
			ProductID:      it.ProductID,
			ProductName:    it.ProductName,
			Qty:            it.Qty,
			UnitPriceCents: it.UnitPriceCents,
			LineTotalCents: int64(it.Qty) * it.UnitPriceCents,
		})
	}
	return orderDTO{
		ID:                 o.ID,
		PublicOrderID:      o.PublicID(),
		OrderMonth:         o.OrderMonth,
		OrderNumber:        o.OrderNumber,
		Status:             string(o.Status),
		PaymentStatus:      string(o.PaymentStatus),
		PrepStatus:         string(o.PrepStatus),
		CustomerName:       o.CustomerName,
		CustomerPhone:      o.CustomerPhone,
		CustomerAddress:    o.CustomerAddress,
		Notes:              o.Notes,
		AdminNote:          o.AdminNote,
		SubtotalCents:      o.SubtotalCents,
		ConfirmedEtransfer: o.ConfirmedEtransfer,
		CreatedAt:          o.CreatedAt,
		Items:              items,
	}
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.store.ListOrders(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	dtos := make([]orderDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, toOrderDTO(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": dtos})
}

type updateOrderReq struct {
	ID            string  `json:"id"`
	Status        *string `json:"status"`
	PaymentStatus *string `json:"payment_status"`
	PrepStatus    *string `json:"prep_status"`
	AdminNote     *string `json:"admin_note"`
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateOrder")
	defer span.End()

	var req updateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	o, err := h.orders.Update(ctx, req.ID, orderapp.UpdateRequest{
		Status:        req.Status,
		PaymentStatus: req.PaymentStatus,
		PrepStatus:    req.PrepStatus,
		AdminNote:     req.AdminNote,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": toOrderDTO(o)})
}

type bulkUpdateReq struct {
	IDs   []string `json:"ids"`
	Patch struct {
		Status        *string `json:"status"`
		PaymentStatus *string `json:"payment_status"`
		PrepStatus    *string `json:"prep_status"`
		AdminNote     *string `json:"admin_note"`
	} `json:"patch"`
}

func (h *Handler) bulkUpdateOrders(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "BulkUpdateOrders")
	defer span.End()

	var req bulkUpdateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, id := range req.IDs {
		if strings.TrimSpace(id) == "" {
			writeError(w, http.StatusBadRequest, "ids must be a non-empty string array")
			return
		}
	}

	res, err := h.orders.BulkUpdate(ctx, req.IDs, orderapp.UpdateRequest{
		Status:        req.Patch.Status,
		PaymentStatus: req.Patch.PaymentStatus,
		PrepStatus:    req.Patch.PrepStatus,
		AdminNote:     req.Patch.AdminNote,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": res.Updated, "errors": res.Errors})
}

func (h *Handler) deleteOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if id := r.URL.Query().Get("id"); id != "" {
		if err := h.store.DeleteOrder(ctx, id); err != nil {
			h.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": map[string]string{"id": id}})
		return
	}

	if before := r.URL.Query().Get("before"); before != "" {
		cutoff, err := time.Parse(time.RFC3339, before)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		n, err := h.store.DeleteOrdersBefore(ctx, cutoff)
		if err != nil {
			h.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deletedCount": n, "before": before})
		return
	}

	writeError(w, http.StatusBadRequest, "provide ?id=ORDER_ID or ?before=RFC3339_DATE")
}

type putSettingsReq struct {
	SaleStatus string `json:"sale_status"`
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var req putSettingsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SaleStatus != storage.SaleOpen && req.SaleStatus != storage.SaleClosed {
		writeError(w, http.StatusBadRequest, "sale_status must be 'open' or 'closed'")
		return
	}
	if err := h.store.SetSaleStatus(r.Context(), req.SaleStatus); err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sale_status": req.SaleStatus})
}
