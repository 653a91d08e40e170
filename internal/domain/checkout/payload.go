package checkout

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Metadata keys written on every checkout session.
const (
	metaUserID     = "user_id"
	metaCouponCode = "coupon_code"
	metaCartID     = "cart_id"
	metaItemParts  = "item_parts"
	metaItemPrefix = "items_"
)

// The provider caps metadata values at 500 characters and keys at 50 per
// object; the item list is split across numbered keys to stay inside both.
const (
	maxValueLen = 500
	maxItemKeys = 40
)

// ErrPayloadTooLarge is returned when the items do not fit in metadata.
var ErrPayloadTooLarge = errors.New("checkout has too many items")

// Item is a purchased line as carried through the payment provider.
type Item struct {
	ProductID string
	Name      string
	Image     string
	Price     decimal.Decimal
	Quantity  int
	Size      string
	Color     string
}

// Payload is everything fulfillment needs to rebuild the purchase. It
// travels as session metadata so no server-side state has to survive
// between session creation and the completion event.
type Payload struct {
	UserID     string
	CouponCode string
	// CartID is empty for quick-buy sessions.
	CartID string
	Items  []Item
}

// Metadata encodes p as provider metadata.
func (p *Payload) Metadata() (map[string]string, error) {
	chunks := splitValue(string(encodeItems(p.Items)), maxValueLen)
	if len(chunks) > maxItemKeys {
		return nil, ErrPayloadTooLarge
	}

	md := map[string]string{
		metaUserID:    p.UserID,
		metaItemParts: strconv.Itoa(len(chunks)),
	}
	if p.CouponCode != "" {
		md[metaCouponCode] = p.CouponCode
	}
	if p.CartID != "" {
		md[metaCartID] = p.CartID
	}
	for i, chunk := range chunks {
		md[metaItemPrefix+strconv.Itoa(i)] = chunk
	}
	return md, nil
}

// splitValue cuts s into pieces of at most n bytes without splitting a rune.
func splitValue(s string, n int) []string {
	var out []string
	for len(s) > n {
		cut := n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}

// DecodePayload rebuilds a Payload from provider metadata.
func DecodePayload(md map[string]string) (*Payload, error) {
	p := &Payload{
		UserID:     md[metaUserID],
		CouponCode: md[metaCouponCode],
		CartID:     md[metaCartID],
	}
	if p.UserID == "" {
		return nil, errors.New("metadata: missing user id")
	}

	parts, err := strconv.Atoi(md[metaItemParts])
	if err != nil || parts < 1 || parts > maxItemKeys {
		return nil, errors.Errorf("metadata: bad item part count %q", md[metaItemParts])
	}
	var raw []byte
	for i := range parts {
		chunk, ok := md[metaItemPrefix+strconv.Itoa(i)]
		if !ok {
			return nil, errors.Errorf("metadata: missing item part %d", i)
		}
		raw = append(raw, chunk...)
	}

	items, err := decodeItems(raw)
	if err != nil {
		return nil, errors.Wrap(err, "metadata: decode items")
	}
	if len(items) == 0 {
		return nil, errors.New("metadata: no items")
	}
	p.Items = items
	return p, nil
}

func encodeItems(items []Item) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, it := range items {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(it.ProductID)
		e.FieldStart("n")
		e.Str(it.Name)
		e.FieldStart("p")
		e.Str(it.Price.String())
		e.FieldStart("q")
		e.Int(it.Quantity)
		if it.Size != "" {
			e.FieldStart("s")
			e.Str(it.Size)
		}
		if it.Color != "" {
			e.FieldStart("c")
			e.Str(it.Color)
		}
		if it.Image != "" {
			e.FieldStart("i")
			e.Str(it.Image)
		}
		e.ObjEnd()
	}
	e.ArrEnd()
	return e.Bytes()
}

func decodeItems(raw []byte) ([]Item, error) {
	var items []Item
	err := jx.DecodeBytes(raw).Arr(func(d *jx.Decoder) error {
		var it Item
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				it.ProductID, err = d.Str()
			case "n":
				it.Name, err = d.Str()
			case "p":
				var s string
				if s, err = d.Str(); err == nil {
					it.Price, err = decimal.NewFromString(s)
				}
			case "q":
				it.Quantity, err = d.Int()
			case "s":
				it.Size, err = d.Str()
			case "c":
				it.Color, err = d.Str()
			case "i":
				it.Image, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		if it.ProductID == "" || it.Quantity < 1 {
			return fmt.Errorf("invalid item %q quantity %d", it.ProductID, it.Quantity)
		}
		items = append(items, it)
		return nil
	})
	return items, err
}
