package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"storefront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

type fakeStore struct {
	saved     []*models.WebhookEvent
	processed map[string]bool
	orders    map[int64]*models.Order
	completed []int64
	txns      []*models.PaymentTransaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		processed: make(map[string]bool),
		orders:    make(map[int64]*models.Order),
	}
}

func (f *fakeStore) SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	f.saved = append(f.saved, event)
	return nil
}

func (f *fakeStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	return f.processed[eventID], nil
}

func (f *fakeStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	f.processed[eventID] = true
	return nil
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, errors.New("order not found")
	}
	return order, nil
}

func (f *fakeStore) AdvanceOrderStatus(ctx context.Context, orderID int64, status string, from []string) (bool, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if order.Status == s {
			order.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CompletePaymentSession(ctx context.Context, orderID int64) error {
	f.completed = append(f.completed, orderID)
	return nil
}

func (f *fakeStore) AppendPaymentTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	f.txns = append(f.txns, txn)
	return nil
}

type fakePaidPublisher struct {
	paid []*models.OrderPaidEvent
}

func (f *fakePaidPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	f.paid = append(f.paid, event)
	return nil
}

// passVerifier decodes the payload as the event itself, bypassing signature
// checks.
func passVerifier(payload []byte, sigHeader string) (stripe.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, err
	}
	return event, nil
}

func failVerifier(payload []byte, sigHeader string) (stripe.Event, error) {
	return stripe.Event{}, errors.New("signature mismatch")
}

func sessionCompletedPayload(t *testing.T, eventID string, metadata map[string]string, amount int64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":   eventID,
		"type": "checkout.session.completed",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             "cs_test_1",
				"object":         "checkout.session",
				"metadata":       metadata,
				"amount_total":   amount,
				"currency":       "usd",
				"payment_intent": "pi_test_1",
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func intentSucceededPayload(t *testing.T, eventID string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":   eventID,
		"type": "payment_intent.succeeded",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":            "pi_test_9",
				"object":        "payment_intent",
				"amount":        5000,
				"currency":      "usd",
				"status":        "succeeded",
				"latest_charge": "ch_test_1",
				"metadata":      map[string]string{"order_id": "9"},
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func TestSessionCompletedReconcilesOrder(t *testing.T) {
	store := newFakeStore()
	userID := int64(7)
	store.orders[42] = &models.Order{ID: 42, UserID: &userID, Status: models.OrderStatusPendingPayment}
	publisher := &fakePaidPublisher{}
	h := NewHandler(store, publisher, passVerifier)

	payload := sessionCompletedPayload(t, "evt_1", map[string]string{"order_id": "42"}, 10700)
	require.NoError(t, h.Handle(context.Background(), payload, "sig"))

	assert.Equal(t, models.OrderStatusPaid, store.orders[42].Status)
	assert.Equal(t, []int64{42}, store.completed)

	require.Len(t, store.txns, 1)
	txn := store.txns[0]
	assert.Equal(t, "pi_test_1", txn.PaymentIntentID)
	assert.Equal(t, int64(10700), txn.Amount)
	assert.Equal(t, "USD", txn.Currency)
	assert.Equal(t, TxnTypeCheckout, txn.Type)

	require.Len(t, publisher.paid, 1)
	assert.Equal(t, int64(42), publisher.paid[0].OrderID)
	require.NotNil(t, publisher.paid[0].UserID)
	assert.Equal(t, userID, *publisher.paid[0].UserID)

	require.Len(t, store.saved, 1)
	assert.Equal(t, "evt_1", store.saved[0].EventID)
	assert.True(t, store.processed["evt_1"])
}

func TestRedeliveryIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.orders[42] = &models.Order{ID: 42, Status: models.OrderStatusPendingPayment}
	publisher := &fakePaidPublisher{}
	h := NewHandler(store, publisher, passVerifier)

	payload := sessionCompletedPayload(t, "evt_1", map[string]string{"order_id": "42"}, 10700)
	require.NoError(t, h.Handle(context.Background(), payload, "sig"))
	require.NoError(t, h.Handle(context.Background(), payload, "sig"))

	// The second delivery is absorbed before any business update.
	assert.Len(t, store.txns, 1)
	assert.Len(t, store.completed, 1)
	assert.Len(t, publisher.paid, 1)
	assert.Len(t, store.saved, 2)
}

func TestPaidOrderIsNeverDowngraded(t *testing.T) {
	store := newFakeStore()
	store.orders[42] = &models.Order{ID: 42, Status: models.OrderStatusPaid}
	publisher := &fakePaidPublisher{}
	h := NewHandler(store, publisher, passVerifier)

	payload := sessionCompletedPayload(t, "evt_2", map[string]string{"order_id": "42"}, 10700)
	require.NoError(t, h.Handle(context.Background(), payload, "sig"))

	assert.Equal(t, models.OrderStatusPaid, store.orders[42].Status)
}

func TestBadSignatureRejectedBeforeAnyWrite(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePaidPublisher{}
	h := NewHandler(store, publisher, failVerifier)

	err := h.Handle(context.Background(), []byte(`{}`), "bad")
	assert.ErrorIs(t, err, ErrBadSignature)

	assert.Empty(t, store.saved)
	assert.Empty(t, store.txns)
	assert.Empty(t, publisher.paid)
}

func TestMissingOrderReferenceStopsHard(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePaidPublisher{}
	h := NewHandler(store, publisher, passVerifier)

	payload := sessionCompletedPayload(t, "evt_3", map[string]string{}, 10700)
	require.NoError(t, h.Handle(context.Background(), payload, "sig"))

	// Audit copy kept, but no partial business update and not marked
	// processed.
	assert.Len(t, store.saved, 1)
	assert.Empty(t, store.txns)
	assert.Empty(t, store.completed)
	assert.Empty(t, publisher.paid)
	assert.False(t, store.processed["evt_3"])
}

func TestHardStopLeavesEventRetryable(t *testing.T) {
	store := newFakeStore()
	store.orders[42] = &models.Order{ID: 42, Status: models.OrderStatusPendingPayment}
	publisher := &fakePaidPublisher{}
	h := NewHandler(store, publisher, passVerifier)

	// First delivery arrives without the order reference and is set aside
	// without being marked processed.
	payload := sessionCompletedPayload(t, "evt_7", map[string]string{}, 10700)
	require.NoError(t, h.Handle(context.Background(), payload, "sig"))
	assert.False(t, store.processed["evt_7"])
	assert.Equal(t, models.OrderStatusPendingPayment, store.orders[42].Status)

	// A redelivery of the same event id with metadata intact must still be
	// able to reconcile the order.
	payload = sessionCompletedPayload(t, "evt_7", map[string]string{"order_id": "42"}, 10700)
	require.NoError(t, h.Handle(context.Background(), payload, "sig"))
	assert.Equal(t, models.OrderStatusPaid, store.orders[42].Status)
	assert.True(t, store.processed["evt_7"])
	assert.Len(t, store.txns, 1)
	assert.Len(t, publisher.paid, 1)
}

func TestNonNumericOrderReferenceStopsHard(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePaidPublisher{}
	h := NewHandler(store, publisher, passVerifier)

	payload := sessionCompletedPayload(t, "evt_4", map[string]string{"order_id": "not-a-number"}, 10700)
	require.NoError(t, h.Handle(context.Background(), payload, "sig"))

	assert.Empty(t, store.txns)
	assert.False(t, store.processed["evt_4"])
}

func TestUnknownEventTypeAccepted(t *testing.T) {
	store := newFakeStore()
	publisher := &fakePaidPublisher{}
	h := NewHandler(store, publisher, passVerifier)

	payload, err := json.Marshal(map[string]interface{}{
		"id":   "evt_5",
		"type": "invoice.paid",
		"data": map[string]interface{}{"object": map[string]interface{}{}},
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), payload, "sig"))

	assert.Len(t, store.saved, 1)
	assert.Empty(t, store.txns)
	assert.False(t, store.processed["evt_5"])
}

func TestIntentSucceededIsLedgerOnly(t *testing.T) {
	store := newFakeStore()
	store.orders[9] = &models.Order{ID: 9, Status: models.OrderStatusPendingPayment}
	publisher := &fakePaidPublisher{}
	h := NewHandler(store, publisher, passVerifier)

	require.NoError(t, h.Handle(context.Background(), intentSucceededPayload(t, "evt_6"), "sig"))

	require.Len(t, store.txns, 1)
	txn := store.txns[0]
	assert.Equal(t, "pi_test_9", txn.PaymentIntentID)
	assert.Equal(t, "ch_test_1", txn.ChargeID)
	assert.Equal(t, TxnTypePaymentIntent, txn.Type)

	// No order linkage from this event type.
	assert.Equal(t, models.OrderStatusPendingPayment, store.orders[9].Status)
	assert.Empty(t, store.completed)
	assert.Empty(t, publisher.paid)
	assert.True(t, store.processed["evt_6"])
}
