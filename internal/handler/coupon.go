package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
)

// ValidateCoupon handles POST /api/coupons/validate. The code is checked
// against the caller's current cart subtotal without applying it.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	code, err := decodeCode(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	c, err := h.carts.Get(ctx, userID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	subtotal := cart.Price(c).Subtotal

	q, err := h.coupons.Validate(ctx, code, subtotal, userID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("valid")
		e.Bool(true)
		e.FieldStart("coupon")
		encodeOffer(e, q.Coupon.Code, q.Coupon.Offer)
		e.FieldStart("subtotal")
		money(e, subtotal)
		e.FieldStart("discount")
		money(e, q.Discount)
		e.FieldStart("total")
		money(e, q.Total)
		e.ObjEnd()
	})
}

// offerInput holds the discount fields shared by negotiation and admin
// creation bodies. The type is parsed once the whole body is read.
type offerInput struct {
	discountType string
	value        decimal.Decimal
	maxDiscount  *decimal.Decimal
}

func (in *offerInput) decodeField(d *jx.Decoder, key string) (bool, error) {
	var err error
	switch key {
	case "discount_type":
		in.discountType, err = d.Str()
	case "discount_value":
		in.value, err = decodeDecimal(d)
	case "max_discount":
		if d.Next() == jx.Null {
			return true, d.Null()
		}
		var v decimal.Decimal
		v, err = decodeDecimal(d)
		in.maxDiscount = &v
	default:
		return false, nil
	}
	return true, err
}

func (in *offerInput) offer() (coupon.Offer, error) {
	t, err := coupon.ParseDiscountType(in.discountType)
	if err != nil {
		return coupon.Offer{}, err
	}
	return coupon.Offer{Type: t, Value: in.value, MaxDiscount: in.maxDiscount}, nil
}

// Negotiate handles POST /api/negotiations. An accepted offer becomes a
// single-use coupon; a rejected one answers 422 with the largest acceptable
// discount.
func (h *Handler) Negotiate(w http.ResponseWriter, r *http.Request) {
	var (
		productID, reason string
		in                offerInput
	)
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if ok, err := in.decodeField(d, key); ok {
			return err
		}
		var err error
		switch key {
		case "product_id":
			productID, err = d.Str()
		case "reason":
			reason, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err == nil && productID == "" {
		err = badRequest("product_id is required")
	}
	var offer coupon.Offer
	if err == nil {
		offer, err = in.offer()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, allowed, err := h.coupons.IssueNegotiated(r.Context(), userID(r.Context()), productID, offer, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(c.Code)
		if c.ExpiresAt != nil {
			e.FieldStart("expires_at")
			timestamp(e, *c.ExpiresAt)
		}
		e.FieldStart("discount_amount")
		money(e, allowed.Amount)
		e.FieldStart("effective_price")
		money(e, allowed.EffectivePrice)
		e.ObjEnd()
	})
}

// CreateCoupon handles POST /api/admin/coupons.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var in offerInput
	req := coupon.CreateRequest{MinPurchase: decimal.Zero}
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if ok, err := in.decodeField(d, key); ok {
			return err
		}
		switch key {
		case "code":
			s, err := d.Str()
			req.Code = s
			return err
		case "min_purchase":
			v, err := decodeDecimal(d)
			req.MinPurchase = v
			return err
		case "expires_at":
			if d.Next() == jx.Null {
				return d.Null()
			}
			s, err := d.Str()
			if err != nil {
				return err
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return badRequest("expires_at must be an RFC 3339 timestamp")
			}
			req.ExpiresAt = &t
			return nil
		case "usage_limit":
			if d.Next() == jx.Null {
				return d.Null()
			}
			n, err := d.Int()
			if err != nil {
				return err
			}
			req.UsageLimit = &n
			return nil
		case "one_per_user":
			b, err := d.Bool()
			req.OnePerUser = b
			return err
		default:
			return d.Skip()
		}
	})
	if err == nil {
		req.Offer, err = in.offer()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.coupons.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeCoupon(e, c) })
}

// ListCoupons handles GET /api/admin/coupons.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	list, err := h.coupons.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range list {
			encodeCoupon(e, &list[i])
		}
		e.ArrEnd()
	})
}

// DeactivateCoupon handles POST /api/admin/coupons/{code}/deactivate.
func (h *Handler) DeactivateCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.coupons.Deactivate(r.Context(), chi.URLParam(r, "code")); err != nil {
		if errors.Is(err, coupon.ErrNotFound) {
			err = &notFoundError{err: err}
		}
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
