package payment

import (
	"context"
	"fmt"
	"strings"

	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

// MetadataOrderID is the key carrying the order id through the processor's
// session and payment intent metadata. Reconciliation trusts only this,
// never a client-supplied id.
const MetadataOrderID = "order_id"

// SessionAPI is the slice of the processor client the bridge uses.
type SessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// SessionStore persists the local record linking an order to the external
// session.
type SessionStore interface {
	CreatePaymentSession(ctx context.Context, session *models.PaymentSession) error
}

// Session is the externally addressable handle handed back to the caller.
// The redirect to RedirectURL is a hard exit point; no further local state
// changes happen until the user returns or a notification arrives.
type Session struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// Config holds the hosted-checkout settings.
type Config struct {
	SuccessURL         string
	CancelURL          string
	AccessorySurcharge int64
}

// Bridge creates hosted payment sessions for orders.
type Bridge struct {
	api    SessionAPI
	store  SessionStore
	cfg    Config
	logger *zap.Logger
}

// NewBridge creates a bridge backed by the live processor API.
func NewBridge(apiKey string, store SessionStore, cfg Config) *Bridge {
	sc := client.New(apiKey, nil)
	return NewBridgeWithAPI(sc.CheckoutSessions, store, cfg)
}

// NewBridgeWithAPI creates a bridge over an injected session API.
func NewBridgeWithAPI(api SessionAPI, store SessionStore, cfg Config) *Bridge {
	return &Bridge{
		api:    api,
		store:  store,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// CreateSession creates an external hosted session for the order and
// persists the local PaymentSession row. The payload is built from the
// order's serializable items only; nothing UI-bound crosses this boundary.
//
// When the external session is created but the local insert fails, the
// session is still returned: the inconsistency window is accepted and closed
// by reconciliation idempotency, not by a transactional guarantee.
func (b *Bridge) CreateSession(ctx context.Context, order *models.Order, items []models.OrderItem) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "Bridge.CreateSession")
	defer span.End()

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(b.cfg.SuccessURL),
		CancelURL:  stripe.String(b.cfg.CancelURL),
	}
	params.Context = ctx

	if order.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(order.CustomerEmail)
	}

	metadata := map[string]string{
		MetadataOrderID: fmt.Sprintf("%d", order.ID),
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: metadata,
	}

	params.LineItems = b.lineItems(order, items)

	session, err := b.api.New(params)
	if err != nil {
		util.PaymentSessionFailedTotal.WithLabelValues("external_create").Inc()
		return nil, fmt.Errorf("failed to create hosted session: %w", err)
	}

	util.PaymentSessionsCreatedTotal.Inc()
	b.logger.Info("Hosted payment session created",
		zap.Int64("order_id", order.ID),
		zap.String("session_id", session.ID))

	record := &models.PaymentSession{
		OrderID:   order.ID,
		SessionID: session.ID,
		Status:    models.SessionStatusPending,
		Amount:    order.TotalAmount,
		Currency:  order.Currency,
		UserID:    order.UserID,
	}

	if err := b.store.CreatePaymentSession(ctx, record); err != nil {
		util.PaymentSessionFailedTotal.WithLabelValues("local_persist").Inc()
		b.logger.Error("External session created but local record not persisted",
			zap.Int64("order_id", order.ID),
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	return &Session{
		SessionID:   session.ID,
		RedirectURL: session.URL,
	}, nil
}

func (b *Bridge) lineItems(order *models.Order, items []models.OrderItem) []*stripe.CheckoutSessionLineItemParams {
	currency := strings.ToLower(order.Currency)

	lines := make([]*stripe.CheckoutSessionLineItemParams, 0, len(items))
	for _, item := range items {
		unit := item.UnitPrice + item.WarrantyCost
		if item.Accessory {
			unit += b.cfg.AccessorySurcharge
		}

		lines = append(lines, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(item.Quantity)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(unit),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
					Metadata: map[string]string{
						"product_id": fmt.Sprintf("%d", item.ProductID),
						"variant_id": fmt.Sprintf("%d", item.VariantID),
					},
				},
			},
		})
	}
	return lines
}
