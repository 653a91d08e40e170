// Package events publishes domain events recorded in the transactional
// outbox.
package events

import (
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"

	"github.com/xenking/storefront/internal/domain/order"
)

// TypeOrderFulfilled is emitted once per order created from a payment.
const TypeOrderFulfilled = "order.fulfilled"

// Record is one outbox row.
type Record struct {
	ID        string
	Type      string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// OrderFulfilled builds the outbox record for a committed order, keyed by
// payment session so consumers see one partition per checkout.
func OrderFulfilled(o *order.Order, issues int) Record {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("session_id")
	e.Str(o.SessionID)
	e.FieldStart("user_id")
	e.Str(o.UserID)
	e.FieldStart("subtotal")
	e.Str(o.Subtotal.StringFixed(2))
	e.FieldStart("discount")
	e.Str(o.Discount.StringFixed(2))
	e.FieldStart("total")
	e.Str(o.Total.StringFixed(2))
	e.FieldStart("currency")
	e.Str(o.Currency)
	if o.CouponCode != "" {
		e.FieldStart("coupon_code")
		e.Str(o.CouponCode)
	}
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("issues")
	e.Int(issues)
	e.FieldStart("created_at")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()

	return Record{
		ID:        uuid.New().String(),
		Type:      TypeOrderFulfilled,
		Key:       o.SessionID,
		Payload:   e.Bytes(),
		CreatedAt: o.CreatedAt,
	}
}
