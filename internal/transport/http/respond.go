package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	orderapp "github.com/petalpoint/ordercore/internal/order/application"
	orderdom "github.com/petalpoint/ordercore/internal/order/domain"
	resvapp "github.com/petalpoint/ordercore/internal/reservation/application"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// respondError maps engine errors onto the status codes and messages
// the storefront expects. Policy errors carry the offending product
// name; lifecycle errors tell the customer to refresh checkout.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resvapp.ErrMissingToken):
		writeError(w, http.StatusBadRequest, "Missing token.")
	case errors.Is(err, resvapp.ErrCartEmpty):
		writeError(w, http.StatusBadRequest, "Cart is empty.")
	case errors.Is(err, resvapp.ErrInvalidCartItem):
		writeError(w, http.StatusBadRequest, "Invalid cart item.")
	case errors.Is(err, resvapp.ErrOrderingClosed):
		writeError(w, http.StatusForbidden, "Ordering is currently closed.")
	case errors.Is(err, resvapp.ErrProductNotAvailable):
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Product is not available: %s.", errorSubject(err, resvapp.ErrProductNotAvailable)))
	case errors.Is(err, resvapp.ErrInsufficientStock):
		writeError(w, http.StatusConflict,
			fmt.Sprintf("Not enough stock for %q.", errorSubject(err, resvapp.ErrInsufficientStock)))
	case errors.Is(err, resvapp.ErrTokenMismatch):
		writeError(w, http.StatusForbidden, "Reservation token mismatch.")
	case errors.Is(err, orderapp.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "Reservation not found. Please refresh checkout.")
	case errors.Is(err, orderapp.ErrReservationExpired):
		writeError(w, http.StatusConflict, "Reservation expired. Please refresh checkout.")
	case errors.Is(err, orderapp.ErrReservationNotActive):
		writeError(w, http.StatusConflict, "Reservation is no longer active. Please refresh checkout.")
	case errors.Is(err, orderapp.ErrMissingField):
		writeError(w, http.StatusBadRequest, "Missing required fields: name, phone, address.")
	case errors.Is(err, orderapp.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "Order not found.")
	case errors.Is(err, orderapp.ErrInvalidStatus),
		errors.Is(err, orderapp.ErrEmptyPatch),
		errors.Is(err, orderapp.ErrNoOrderIDs):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// errorSubject extracts the product name a policy error was wrapped
// with, e.g. "insufficient stock: Tulip Bundle" yields "Tulip Bundle".
func errorSubject(err, sentinel error) string {
	s := strings.TrimPrefix(err.Error(), sentinel.Error())
	s = strings.TrimSpace(strings.TrimPrefix(s, ":"))
	if s == "" {
		return "this item"
	}
	return s
}

func etransferMessage(o orderdom.Order) string {
	return fmt.Sprintf("Order %s - $%.2f - %s", o.PublicID(), float64(o.SubtotalCents)/100, o.CustomerName)
}
