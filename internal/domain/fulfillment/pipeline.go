package fulfillment

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/storefront/internal/domain/checkout"
	"github.com/xenking/storefront/internal/domain/inventory"
	"github.com/xenking/storefront/internal/domain/money"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

const instrumentationName = "github.com/xenking/storefront/internal/domain/fulfillment"

const issueTimeout = 5 * time.Second

// Options tunes a Pipeline. Zero values select defaults.
type Options struct {
	// MaxAttempts bounds how many times a commit is tried on transient errors.
	MaxAttempts uint64
	// InitialBackoff is the first retry delay; later delays grow exponentially.
	InitialBackoff time.Duration
	// Timeout bounds the whole handling of one event, detached from the
	// caller's cancellation.
	Timeout time.Duration

	Carts          CartInvalidator
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Pipeline handles payment provider events.
type Pipeline struct {
	provider payment.Provider
	store    Store
	carts    CartInvalidator
	lg       *zap.Logger
	now      func() time.Time

	maxAttempts    uint64
	initialBackoff time.Duration
	timeout        time.Duration

	// Collapses concurrent deliveries of the same session inside this
	// process; the store's unique session constraint covers the rest.
	group singleflight.Group

	tracer     trace.Tracer
	events     metric.Int64Counter
	shortfalls metric.Int64Counter
}

// NewPipeline creates a Pipeline.
func NewPipeline(provider payment.Provider, store Store, lg *zap.Logger, opts Options) (*Pipeline, error) {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	meter := opts.MeterProvider.Meter(instrumentationName)
	events, err := meter.Int64Counter("storefront.fulfillment.events",
		metric.WithDescription("Payment events handled, by outcome"))
	if err != nil {
		return nil, errors.Wrap(err, "events counter")
	}
	shortfalls, err := meter.Int64Counter("storefront.fulfillment.stock_shortfalls",
		metric.WithDescription("Order lines whose stock could not be decremented"))
	if err != nil {
		return nil, errors.Wrap(err, "shortfalls counter")
	}

	return &Pipeline{
		provider:       provider,
		store:          store,
		carts:          opts.Carts,
		lg:             lg,
		now:            time.Now,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		timeout:        opts.Timeout,
		tracer:         opts.TracerProvider.Tracer(instrumentationName),
		events:         events,
		shortfalls:     shortfalls,
	}, nil
}

// HandleWebhook verifies and handles a raw provider event. The only error
// it returns is a verification failure; every verified event yields a
// Result and should be acknowledged.
func (p *Pipeline) HandleWebhook(ctx context.Context, body []byte, signature string) (*Result, error) {
	ev, err := p.provider.ParseEvent(body, signature)
	if err != nil {
		p.lg.Warn("Rejected payment event", zap.Error(err))
		return nil, err
	}
	return p.Handle(ctx, ev), nil
}

// Handle applies a verified event.
func (p *Pipeline) Handle(ctx context.Context, ev *payment.Event) *Result {
	lg := p.lg.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.String("session_id", ev.SessionID),
	)

	if !completesPayment(ev) {
		lg.Debug("Ignoring payment event", zap.String("payment_status", ev.PaymentStatus))
		return p.record(ctx, &Result{State: StateIgnored, SessionID: ev.SessionID})
	}

	v, _, shared := p.group.Do(ev.SessionID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.fulfill(ctx, lg, ev), nil
	})
	res := v.(*Result)
	if shared {
		lg.Info("Joined in-flight fulfillment", zap.String("state", string(res.State)))
	}
	return res
}

func (p *Pipeline) fulfill(ctx context.Context, lg *zap.Logger, ev *payment.Event) *Result {
	ctx, span := p.tracer.Start(ctx, "fulfillment.Fulfill",
		trace.WithAttributes(attribute.String("session.id", ev.SessionID)))
	defer span.End()

	res := &Result{State: StateConfirmed, SessionID: ev.SessionID}

	existing, err := p.store.OrderBySession(ctx, ev.SessionID)
	switch {
	case err == nil:
		lg.Info("Order already fulfilled, skipping", zap.String("order_id", existing.ID))
		res.State = StateDuplicate
		res.Order = existing
		return p.record(ctx, res)
	case !errors.Is(err, order.ErrNotFound):
		// The commit's unique session constraint still prevents a duplicate.
		lg.Warn("Idempotency lookup failed", zap.String("step", "lookup"), zap.Error(err))
	}

	payload, err := checkout.DecodePayload(ev.Metadata)
	if err != nil {
		return p.fail(ctx, span, lg, res, "decode_metadata", err)
	}
	lg = lg.With(zap.String("user_id", payload.UserID))

	plan := p.plan(ev, payload)
	res.Order = plan.Order

	var out *Outcome
	attempt := 0
	op := func() error {
		attempt++
		var err error
		out, err = p.store.Commit(ctx, plan)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if err != nil {
			lg.Warn("Fulfillment commit failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialBackoff
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.maxAttempts-1), ctx)); err != nil {
		return p.fail(ctx, span, lg, res, "commit", err)
	}

	if out.Duplicate {
		lg.Info("Order created concurrently, skipping")
		res.State = StateDuplicate
		res.Order = nil
		if o, err := p.store.OrderBySession(ctx, ev.SessionID); err == nil {
			res.Order = o
		}
		return p.record(ctx, res)
	}

	res.State = StateFulfilled
	res.Issues = out.Issues
	for _, is := range out.Issues {
		lg.Error("Fulfillment step needs attention",
			zap.String("step", string(is.Kind)),
			zap.String("ref", is.Ref),
			zap.String("detail", is.Detail),
		)
		if is.Kind == IssueStockShortfall {
			p.shortfalls.Add(ctx, 1)
		}
	}
	if out.CouponDeactivated {
		lg.Info("Negotiated coupon consumed and deactivated", zap.String("coupon", plan.Coupon.Code))
	}

	if p.carts != nil && payload.CartID != "" {
		if err := p.carts.Invalidate(ctx, payload.UserID); err != nil {
			lg.Warn("Cart cache invalidation failed", zap.String("step", "invalidate_cart"), zap.Error(err))
		}
	}

	lg.Info("Order fulfilled",
		zap.String("order_id", plan.Order.ID),
		zap.String("total", plan.Order.Total.StringFixed(2)),
		zap.Int("issues", len(out.Issues)),
	)
	return p.record(ctx, res)
}

func (p *Pipeline) plan(ev *payment.Event, payload *checkout.Payload) *Plan {
	now := p.now()

	items := make([]order.Item, len(payload.Items))
	lines := make([]inventory.Line, len(payload.Items))
	for i, it := range payload.Items {
		items[i] = order.Item{
			ProductID: it.ProductID,
			Name:      it.Name,
			Image:     it.Image,
			Price:     it.Price,
			Quantity:  it.Quantity,
			Size:      it.Size,
			Color:     it.Color,
		}
		lines[i] = inventory.Line{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity}
	}

	plan := &Plan{
		Order: order.Build(order.BuildRequest{
			SessionID:       ev.SessionID,
			PaymentIntentID: ev.PaymentIntentID,
			UserID:          payload.UserID,
			CouponCode:      payload.CouponCode,
			Items:           items,
			AmountCharged:   money.FromMinor(ev.AmountTotal),
			Currency:        ev.Currency,
			Now:             now,
		}),
		CartID: payload.CartID,
		Lines:  lines,
	}
	if payload.CouponCode != "" {
		plan.Coupon = &CouponUse{Code: payload.CouponCode}
		plan.Coupon.Usage.UserID = payload.UserID
		plan.Coupon.Usage.SessionID = ev.SessionID
		plan.Coupon.Usage.UsedAt = now
	}
	return plan
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, lg *zap.Logger, res *Result, step string, err error) *Result {
	res.State = StateFailed
	res.Err = &StepError{Step: step, Err: err}
	span.RecordError(err)
	span.SetStatus(codes.Error, step)
	lg.Error("Fulfillment failed, acknowledging event", zap.String("step", step), zap.Error(err))

	// The event is acknowledged either way, so the issue row outlives a
	// cancelled request context.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), issueTimeout)
	defer cancel()
	is := Issue{Kind: IssueFulfillmentFailed, Ref: step, Detail: err.Error()}
	if rerr := p.store.RecordIssue(rctx, res.SessionID, is); rerr != nil {
		lg.Error("Recording fulfillment failure", zap.Error(rerr))
	} else {
		res.Issues = append(res.Issues, is)
	}
	return p.record(ctx, res)
}

func (p *Pipeline) record(ctx context.Context, res *Result) *Result {
	p.events.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.State))))
	return res
}

func completesPayment(ev *payment.Event) bool {
	switch ev.Type {
	case payment.EventCheckoutCompleted:
		return ev.PaymentStatus == payment.PaymentStatusPaid
	case payment.EventAsyncPaymentSucceeded:
		return true
	default:
		return false
	}
}
