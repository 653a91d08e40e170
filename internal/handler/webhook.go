package handler

import (
	"net/http"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// HeaderSignature carries the payment provider's event signature.
const HeaderSignature = "Stripe-Signature"

// PaymentWebhook handles POST /api/webhooks/payments. Once the signature
// verifies the provider always gets 200; fulfillment failures are written
// to fulfillment_issues for operator follow-up instead of being retried by
// the provider.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.webhooks.HandleWebhook(r.Context(), body, r.Header.Get(HeaderSignature))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res != nil {
		zctx.From(r.Context()).Info("Payment event handled",
			zap.String("state", string(res.State)),
			zap.String("session_id", res.SessionID),
		)
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("received")
		e.Bool(true)
		e.ObjEnd()
	})
}
