package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/inventory"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/product"
)

// unprocessable lists domain sentinels that reject an otherwise well-formed
// request.
var unprocessable = []error{
	cart.ErrEmpty,
	cart.ErrProductRequired,
	coupon.ErrNotFound,
	coupon.ErrInactive,
	coupon.ErrExpired,
	coupon.ErrUsageLimitReached,
	coupon.ErrAlreadyUsed,
	coupon.ErrNegotiationDisabled,
	coupon.ErrNoFloorPrice,
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	var (
		bad         *badRequestError
		missing     *notFoundError
		quantity    *cart.InvalidQuantityError
		variant     *cart.InvalidVariantError
		stock       *inventory.InsufficientStockError
		unavailable *product.UnavailableError
		minimum     *coupon.MinimumNotMetError
		invalid     *coupon.InvalidError
		rejected    *coupon.RejectedError
		provider    *payment.ProviderError
	)
	switch {
	case errors.As(err, &missing):
		return http.StatusNotFound
	case errors.As(err, &bad),
		errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, payment.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, errMissingUser):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, product.ErrNotFound),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, cart.ErrLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, coupon.ErrCodeTaken), errors.Is(err, cart.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &quantity), errors.As(err, &variant), errors.As(err, &stock),
		errors.As(err, &unavailable), errors.As(err, &minimum), errors.As(err, &invalid),
		errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.As(err, &provider):
		return http.StatusBadGateway
	}
	for _, target := range unprocessable {
		if errors.Is(err, target) {
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

// messageOf returns the client-facing message. Server errors are not
// described to the client.
func messageOf(err error, status int) string {
	var (
		bad         *badRequestError
		missing     *notFoundError
		quantity    *cart.InvalidQuantityError
		variant     *cart.InvalidVariantError
		stock       *inventory.InsufficientStockError
		unavailable *product.UnavailableError
		minimum     *coupon.MinimumNotMetError
		invalid     *coupon.InvalidError
		rejected    *coupon.RejectedError
	)
	switch {
	case status == http.StatusInternalServerError:
		return "internal server error"
	case status == http.StatusBadGateway:
		return "payment provider unavailable"
	case errors.As(err, &missing):
		return missing.Error()
	case errors.As(err, &bad):
		return bad.Error()
	case errors.As(err, &quantity):
		return quantity.Error()
	case errors.As(err, &variant):
		return variant.Error()
	case errors.As(err, &stock):
		return stock.Error()
	case errors.As(err, &unavailable):
		return unavailable.Error()
	case errors.As(err, &minimum):
		return minimum.Error()
	case errors.As(err, &invalid):
		return invalid.Error()
	case errors.As(err, &rejected):
		return rejected.Error()
	case errors.Is(err, payment.ErrInvalidSignature):
		return payment.ErrInvalidSignature.Error()
	case errors.Is(err, payment.ErrMalformedEvent):
		return payment.ErrMalformedEvent.Error()
	}
	for _, target := range unprocessable {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	for _, target := range []error{
		product.ErrNotFound, order.ErrNotFound, cart.ErrLineNotFound, cart.ErrConflict,
		coupon.ErrCodeTaken, auth.ErrUnauthorized, auth.ErrForbidden, errMissingUser,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

// writeError answers with {"code":N,"message":"..."}. A rejected negotiation
// also carries the largest discount that would have been accepted.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	lg := zctx.From(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		lg.Error("Request failed", zap.Error(err))
	case status == http.StatusConflict:
		lg.Info("Request conflicted", zap.Error(err))
	}

	var rejected *coupon.RejectedError
	isRejected := errors.As(err, &rejected)

	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(messageOf(err, status))
		if isRejected {
			e.FieldStart("max_discount")
			money(e, rejected.MaxDiscount)
			e.FieldStart("max_percentage")
			e.Num(jx.Num(rejected.MaxPercentage.StringFixed(1)))
		}
		e.ObjEnd()
	})
}
