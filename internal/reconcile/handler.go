package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/util"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"
)

// ErrBadSignature is returned when the notification's authenticity check
// fails. No state is changed.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Ledger entry types
const (
	TxnTypeCheckout      = "checkout"
	TxnTypePaymentIntent = "payment_intent"
)

// Store is the persistence slice the handler drives. Order and session
// updates are conditional so redelivered or out-of-order notifications
// cannot regress state.
type Store interface {
	SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	AdvanceOrderStatus(ctx context.Context, orderID int64, status string, from []string) (bool, error)
	CompletePaymentSession(ctx context.Context, orderID int64) error
	AppendPaymentTransaction(ctx context.Context, txn *models.PaymentTransaction) error
}

// Publisher emits domain events.
type Publisher interface {
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
}

// Verifier authenticates a raw notification body against its signature
// header.
type Verifier func(payload []byte, sigHeader string) (stripe.Event, error)

// StripeVerifier builds the production verifier for a webhook signing
// secret.
func StripeVerifier(secret string) Verifier {
	return func(payload []byte, sigHeader string) (stripe.Event, error) {
		return webhook.ConstructEvent(payload, sigHeader, secret)
	}
}

// Handler is a stateless, idempotent consumer of processor notifications.
// Safe under at-least-once, out-of-order, and concurrent delivery.
type Handler struct {
	store     Store
	publisher Publisher
	verify    Verifier
	logger    *zap.Logger
}

// NewHandler creates a reconciliation handler
func NewHandler(store Store, publisher Publisher, verify Verifier) *Handler {
	return &Handler{
		store:     store,
		publisher: publisher,
		verify:    verify,
		logger:    util.GetLogger(),
	}
}

// Handle processes one inbound notification. Signature verification comes
// before anything else; the raw event is persisted for audit before any
// business branching; business updates are gated on event id uniqueness.
// Unrecognized event types are accepted, never rejected, so the processor
// is not encouraged to retry them.
func (h *Handler) Handle(ctx context.Context, payload []byte, sigHeader string) error {
	ctx, span := util.StartSpan(ctx, "Reconcile.Handle")
	defer span.End()

	start := time.Now()
	defer func() {
		util.WebhookProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	event, err := h.verify(payload, sigHeader)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		h.logger.Warn("Rejected webhook with invalid signature", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	eventType := string(event.Type)

	if err := h.store.SaveWebhookEvent(ctx, &models.WebhookEvent{
		EventID:   event.ID,
		EventType: eventType,
		Payload:   json.RawMessage(payload),
	}); err != nil {
		util.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("failed to persist webhook event: %w", err)
	}

	processed, err := h.store.IsEventProcessed(ctx, event.ID)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		util.WebhookEventsTotal.WithLabelValues(eventType, "duplicate").Inc()
		h.logger.Info("Event already processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType))
		return nil
	}

	var handled bool
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		handled, err = h.handleSessionCompleted(ctx, &event)
	case stripe.EventTypePaymentIntentSucceeded:
		err = h.handleIntentSucceeded(ctx, &event)
		handled = err == nil
	default:
		util.WebhookEventsTotal.WithLabelValues(eventType, "ignored").Inc()
		h.logger.Info("Ignoring unhandled event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType))
		return nil
	}

	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		return err
	}
	if !handled {
		// Business updates did not run; the event stays unprocessed so a
		// corrected redelivery can still land.
		return nil
	}

	if err := h.store.MarkEventProcessed(ctx, event.ID, eventType); err != nil {
		h.logger.Error("Failed to mark event processed",
			zap.String("event_id", event.ID),
			zap.Error(err))
	}

	util.WebhookEventsTotal.WithLabelValues(eventType, "ok").Inc()
	return nil
}

// handleSessionCompleted reconciles an order to paid: conditional order
// update, session completion, one ledger append, one domain event. The
// order id comes from the session's own metadata; a client-supplied id is
// never trusted at this boundary. Returns false when the event was set
// aside without running any business update.
func (h *Handler) handleSessionCompleted(ctx context.Context, event *stripe.Event) (bool, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return false, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	orderID, ok := orderIDFromMetadata(session.Metadata)
	if !ok {
		// Hard stop: no partial update without an order reference.
		util.WebhookEventsTotal.WithLabelValues(string(event.Type), "missing_order_ref").Inc()
		h.logger.Error("Checkout completed event without order id metadata",
			zap.String("event_id", event.ID),
			zap.String("session_id", session.ID))
		return false, nil
	}

	advanced, err := h.store.AdvanceOrderStatus(ctx, orderID, models.OrderStatusPaid,
		[]string{models.OrderStatusPending, models.OrderStatusPendingPayment})
	if err != nil {
		return false, fmt.Errorf("failed to advance order status: %w", err)
	}
	if !advanced {
		h.logger.Info("Order status not advanced (already terminal or unknown)",
			zap.Int64("order_id", orderID),
			zap.String("event_id", event.ID))
	} else {
		util.OrdersPaidTotal.Inc()
	}

	if err := h.store.CompletePaymentSession(ctx, orderID); err != nil {
		return false, fmt.Errorf("failed to complete payment session: %w", err)
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}

	metadata, _ := json.Marshal(map[string]string{
		payment.MetadataOrderID: strconv.FormatInt(orderID, 10),
		"session_id":            session.ID,
	})

	txn := &models.PaymentTransaction{
		PaymentIntentID: intentID,
		Amount:          session.AmountTotal,
		Currency:        strings.ToUpper(string(session.Currency)),
		Status:          "succeeded",
		Type:            TxnTypeCheckout,
		Metadata:        metadata,
	}
	if err := h.store.AppendPaymentTransaction(ctx, txn); err != nil {
		return false, fmt.Errorf("failed to append payment transaction: %w", err)
	}

	h.logger.Info("Order reconciled to paid",
		zap.Int64("order_id", orderID),
		zap.String("payment_intent_id", intentID))

	h.publishPaid(ctx, orderID, intentID, session.AmountTotal, txn.Currency)
	return true, nil
}

// handleIntentSucceeded is ledger-only: this event type carries no order
// linkage.
func (h *Handler) handleIntentSucceeded(ctx context.Context, event *stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	chargeID := ""
	if intent.LatestCharge != nil {
		chargeID = intent.LatestCharge.ID
	}

	var metadata json.RawMessage
	if len(intent.Metadata) > 0 {
		metadata, _ = json.Marshal(intent.Metadata)
	}

	txn := &models.PaymentTransaction{
		PaymentIntentID: intent.ID,
		ChargeID:        chargeID,
		Amount:          intent.Amount,
		Currency:        strings.ToUpper(string(intent.Currency)),
		Status:          string(intent.Status),
		Type:            TxnTypePaymentIntent,
		Metadata:        metadata,
	}
	if err := h.store.AppendPaymentTransaction(ctx, txn); err != nil {
		return fmt.Errorf("failed to append payment transaction: %w", err)
	}

	h.logger.Info("Payment intent recorded",
		zap.String("payment_intent_id", intent.ID))
	return nil
}

func (h *Handler) publishPaid(ctx context.Context, orderID int64, intentID string, amount int64, currency string) {
	var userID *int64
	if order, err := h.store.GetOrderByID(ctx, orderID); err == nil {
		userID = order.UserID
	} else {
		h.logger.Warn("Failed to load order for paid event",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	event := &models.OrderPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPaid,
			Timestamp: time.Now(),
		},
		OrderID:         orderID,
		UserID:          userID,
		PaymentIntentID: intentID,
		Amount:          amount,
		Currency:        currency,
	}

	if err := h.publisher.PublishOrderPaid(ctx, event); err != nil {
		h.logger.Error("Failed to publish OrderPaid event", zap.Error(err))
	}
}

func orderIDFromMetadata(metadata map[string]string) (int64, bool) {
	raw, ok := metadata[payment.MetadataOrderID]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
