package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/cart"
)

func (h *Handler) writeCart(w http.ResponseWriter, r *http.Request, status int, c *cart.Cart, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, func(e *jx.Encoder) { encodeCart(e, c) })
}

// GetCart handles GET /api/cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.Get(r.Context(), userID(r.Context()))
	h.writeCart(w, r, http.StatusOK, c, err)
}

// ClearCart handles DELETE /api/cart.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.Clear(r.Context(), userID(r.Context()))
	h.writeCart(w, r, http.StatusOK, c, err)
}

// AddCartItem handles POST /api/cart/items.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	var req cart.ItemRequest
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		return decodeItemField(d, key, &req)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.carts.AddItem(r.Context(), userID(r.Context()), req)
	h.writeCart(w, r, http.StatusCreated, c, err)
}

// UpdateCartItem handles PATCH /api/cart/items/{lineID}.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	quantity, seen := 0, false
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		seen = true
		var err error
		quantity, err = d.Int()
		return err
	})
	if err == nil && !seen {
		err = badRequest("quantity is required")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.carts.UpdateItem(r.Context(), userID(r.Context()), chi.URLParam(r, "lineID"), quantity)
	h.writeCart(w, r, http.StatusOK, c, err)
}

// RemoveCartItem handles DELETE /api/cart/items/{lineID}.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.RemoveItem(r.Context(), userID(r.Context()), chi.URLParam(r, "lineID"))
	h.writeCart(w, r, http.StatusOK, c, err)
}

// ApplyCoupon handles POST /api/cart/coupon.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	code, err := decodeCode(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.carts.ApplyCoupon(r.Context(), userID(r.Context()), code)
	h.writeCart(w, r, http.StatusOK, c, err)
}

// RemoveCoupon handles DELETE /api/cart/coupon.
func (h *Handler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.RemoveCoupon(r.Context(), userID(r.Context()))
	h.writeCart(w, r, http.StatusOK, c, err)
}

// SyncCart handles POST /api/cart/sync: {"items":[{product_id,quantity,size,color}]}.
// The response is the merged cart plus the guest lines that were dropped.
func (h *Handler) SyncCart(w http.ResponseWriter, r *http.Request) {
	var items []cart.ItemRequest
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "items" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var it cart.ItemRequest
			if err := decodeItemRequest(d, &it); err != nil {
				return err
			}
			items = append(items, it)
			return nil
		})
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, skipped, err := h.carts.Sync(r.Context(), userID(r.Context()), items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("cart")
		encodeCart(e, c)
		e.FieldStart("skipped")
		e.ArrStart()
		for _, s := range skipped {
			e.ObjStart()
			optionalStr(e, "product_id", s.ProductID)
			e.FieldStart("reason")
			e.Str(s.Reason)
			e.ObjEnd()
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

// decodeCode reads {"code":"..."}.
func decodeCode(w http.ResponseWriter, r *http.Request) (string, error) {
	var code string
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "code" {
			return d.Skip()
		}
		var err error
		code, err = d.Str()
		return err
	})
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", badRequest("code is required")
	}
	return code, nil
}
