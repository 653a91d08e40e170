package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/payment"
)

// Checkout handles POST /api/checkout and starts a payment session for the
// caller's cart.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	s, err := h.checkout.FromCart(r.Context(), userID(r.Context()))
	writeSession(w, r, s, err)
}

// QuickBuy handles POST /api/checkout/quick-buy: a single line bought
// without touching the cart.
func (h *Handler) QuickBuy(w http.ResponseWriter, r *http.Request) {
	var req cart.ItemRequest
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		return decodeItemField(d, key, &req)
	})
	if err == nil && req.Quantity == 0 {
		req.Quantity = 1
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	s, err := h.checkout.QuickBuy(r.Context(), userID(r.Context()), req)
	writeSession(w, r, s, err)
}

func writeSession(w http.ResponseWriter, r *http.Request, s *payment.Session, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeSession(e, s) })
}
