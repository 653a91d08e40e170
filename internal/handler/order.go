package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/order"
)

const maxOrderPage = 100

// ListOrders handles GET /api/orders?limit=N, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := maxOrderPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, maxOrderPage)
	}

	list, err := h.orders.ListForUser(r.Context(), userID(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range list {
			encodeOrder(e, &list[i])
		}
		e.ArrEnd()
	})
}

// GetOrder handles GET /api/orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetForUser(r.Context(), userID(r.Context()), chi.URLParam(r, "orderID"))
	writeOrder(w, r, o, err)
}

// GetOrderBySession handles GET /api/orders/session/{sessionID}, which the
// checkout success page polls until fulfillment has written the order.
func (h *Handler) GetOrderBySession(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetBySession(r.Context(), userID(r.Context()), chi.URLParam(r, "sessionID"))
	writeOrder(w, r, o, err)
}

func writeOrder(w http.ResponseWriter, r *http.Request, o *order.Order, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}
