package handler

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

const maxBodyBytes = 64 << 10

// badRequestError marks malformed client input.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// notFoundError marks a lookup miss that the domain reports with a
// sentinel shared by other, non-404 outcomes.
type notFoundError struct {
	err error
}

func (e *notFoundError) Error() string {
	return e.err.Error()
}

func (e *notFoundError) Unwrap() error {
	return e.err
}

// readBody returns the request body, capped at maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, badRequest("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, badRequest("read request body: %v", err)
	}
	return body, nil
}

// decodeObject reads a JSON object body and hands each field to fn. An empty
// body is treated as {}.
func decodeObject(w http.ResponseWriter, r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := jx.DecodeBytes(body).Obj(fn); err != nil {
		var bad *badRequestError
		if errors.As(err, &bad) {
			return bad
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = string(n)
	default:
		return decimal.Decimal{}, badRequest("expected a number")
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, badRequest("invalid number %q", raw)
	}
	return v, nil
}

func decodeItemRequest(d *jx.Decoder, req *cart.ItemRequest) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		return decodeItemField(d, key, req)
	})
}

func decodeItemField(d *jx.Decoder, key string, req *cart.ItemRequest) error {
	var err error
	switch key {
	case "product_id":
		req.ProductID, err = d.Str()
	case "quantity":
		req.Quantity, err = d.Int()
	case "size":
		req.Size, err = d.Str()
	case "color":
		req.Color, err = d.Str()
	default:
		err = d.Skip()
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	fn(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// money writes an amount as a JSON number with two decimals.
func money(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.StringFixed(2)))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func optionalStr(e *jx.Encoder, name, v string) {
	if v != "" {
		e.FieldStart(name)
		e.Str(v)
	}
}

func encodeCart(e *jx.Encoder, c *cart.Cart) {
	p := cart.Price(c)

	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("items")
	e.ArrStart()
	for _, l := range c.Items {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(l.ID)
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("name")
		e.Str(l.Name)
		optionalStr(e, "image", l.Image)
		e.FieldStart("price")
		money(e, l.Price)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		optionalStr(e, "size", l.Size)
		optionalStr(e, "color", l.Color)
		e.ObjEnd()
	}
	e.ArrEnd()
	if c.Coupon != nil {
		e.FieldStart("coupon")
		encodeOffer(e, c.Coupon.Code, c.Coupon.Offer)
	}
	e.FieldStart("subtotal")
	money(e, p.Subtotal)
	e.FieldStart("discount")
	money(e, p.Discount)
	e.FieldStart("total")
	money(e, p.Total)
	e.FieldStart("item_count")
	e.Int(p.ItemCount)
	e.ObjEnd()
}

func encodeOffer(e *jx.Encoder, code string, o coupon.Offer) {
	e.ObjStart()
	e.FieldStart("code")
	e.Str(code)
	e.FieldStart("discount_type")
	e.Str(string(o.Type))
	e.FieldStart("discount_value")
	money(e, o.Value)
	if o.MaxDiscount != nil {
		e.FieldStart("max_discount")
		money(e, *o.MaxDiscount)
	}
	e.ObjEnd()
}

func encodeCoupon(e *jx.Encoder, c *coupon.Coupon) {
	e.ObjStart()
	e.FieldStart("code")
	e.Str(c.Code)
	e.FieldStart("discount_type")
	e.Str(string(c.Offer.Type))
	e.FieldStart("discount_value")
	money(e, c.Offer.Value)
	if c.Offer.MaxDiscount != nil {
		e.FieldStart("max_discount")
		money(e, *c.Offer.MaxDiscount)
	}
	e.FieldStart("min_purchase")
	money(e, c.MinPurchase)
	if c.ExpiresAt != nil {
		e.FieldStart("expires_at")
		timestamp(e, *c.ExpiresAt)
	}
	if c.UsageLimit != nil {
		e.FieldStart("usage_limit")
		e.Int(*c.UsageLimit)
	}
	e.FieldStart("used_count")
	e.Int(c.UsedCount)
	e.FieldStart("one_per_user")
	e.Bool(c.OnePerUser)
	e.FieldStart("active")
	e.Bool(c.Active)
	e.FieldStart("source")
	e.Str(string(c.Source))
	e.FieldStart("created_at")
	timestamp(e, c.CreatedAt)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("session_id")
	e.Str(o.SessionID)
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		e.FieldStart("name")
		e.Str(it.Name)
		optionalStr(e, "image", it.Image)
		e.FieldStart("price")
		money(e, it.Price)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		optionalStr(e, "size", it.Size)
		optionalStr(e, "color", it.Color)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("subtotal")
	money(e, o.Subtotal)
	e.FieldStart("discount")
	money(e, o.Discount)
	e.FieldStart("total")
	money(e, o.Total)
	optionalStr(e, "currency", o.Currency)
	optionalStr(e, "coupon_code", o.CouponCode)
	e.FieldStart("created_at")
	timestamp(e, o.CreatedAt)
	e.ObjEnd()
}

func encodeSession(e *jx.Encoder, s *payment.Session) {
	e.ObjStart()
	e.FieldStart("session_id")
	e.Str(s.ID)
	e.FieldStart("url")
	e.Str(s.URL)
	e.ObjEnd()
}
