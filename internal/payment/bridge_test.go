package payment

import (
	"context"
	"errors"
	"testing"

	"storefront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

type fakeSessionAPI struct {
	params  *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type fakeSessionStore struct {
	sessions []*models.PaymentSession
	err      error
}

func (f *fakeSessionStore) CreatePaymentSession(ctx context.Context, session *models.PaymentSession) error {
	if f.err != nil {
		return f.err
	}
	f.sessions = append(f.sessions, session)
	return nil
}

func testOrder() *models.Order {
	userID := int64(7)
	return &models.Order{
		ID:            42,
		UserID:        &userID,
		CustomerEmail: "ada@example.com",
		TotalAmount:   11850,
		Currency:      "USD",
		Status:        models.OrderStatusPending,
	}
}

func testItems() []models.OrderItem {
	return []models.OrderItem{
		{ProductID: 1, Name: "Giftcard 50", VariantID: 10, Quantity: 2, UnitPrice: 5000, WarrantyCost: 350},
		{ProductID: 2, Name: "Sleeve", VariantID: 20, Quantity: 1, UnitPrice: 1000, Accessory: true},
	}
}

func newTestBridge(api SessionAPI, store SessionStore) *Bridge {
	return NewBridgeWithAPI(api, store, Config{
		SuccessURL:         "https://shop.example/success",
		CancelURL:          "https://shop.example/cancel",
		AccessorySurcharge: 150,
	})
}

func TestCreateSessionBuildsPayload(t *testing.T) {
	api := &fakeSessionAPI{
		session: &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://pay.example/cs_test_1"},
	}
	store := &fakeSessionStore{}
	b := newTestBridge(api, store)

	session, err := b.CreateSession(context.Background(), testOrder(), testItems())
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.SessionID)
	assert.Equal(t, "https://pay.example/cs_test_1", session.RedirectURL)

	params := api.params
	require.NotNil(t, params)
	assert.Equal(t, "ada@example.com", *params.CustomerEmail)
	assert.Equal(t, "42", params.Metadata[MetadataOrderID])
	require.NotNil(t, params.PaymentIntentData)
	assert.Equal(t, "42", params.PaymentIntentData.Metadata[MetadataOrderID])

	require.Len(t, params.LineItems, 2)
	first := params.LineItems[0]
	assert.Equal(t, int64(2), *first.Quantity)
	assert.Equal(t, int64(5350), *first.PriceData.UnitAmount)
	assert.Equal(t, "usd", *first.PriceData.Currency)
	assert.Equal(t, "Giftcard 50", *first.PriceData.ProductData.Name)

	// Accessory surcharge folded into the unit amount.
	second := params.LineItems[1]
	assert.Equal(t, int64(1150), *second.PriceData.UnitAmount)

	require.Len(t, store.sessions, 1)
	record := store.sessions[0]
	assert.Equal(t, int64(42), record.OrderID)
	assert.Equal(t, "cs_test_1", record.SessionID)
	assert.Equal(t, models.SessionStatusPending, record.Status)
	assert.Equal(t, int64(11850), record.Amount)
}

func TestCreateSessionExternalFailure(t *testing.T) {
	api := &fakeSessionAPI{err: errors.New("processor unavailable")}
	store := &fakeSessionStore{}
	b := newTestBridge(api, store)

	_, err := b.CreateSession(context.Background(), testOrder(), testItems())
	require.Error(t, err)
	assert.Empty(t, store.sessions)
}

func TestCreateSessionSurvivesLocalPersistFailure(t *testing.T) {
	api := &fakeSessionAPI{
		session: &stripe.CheckoutSession{ID: "cs_test_2", URL: "https://pay.example/cs_test_2"},
	}
	store := &fakeSessionStore{err: errors.New("db down")}
	b := newTestBridge(api, store)

	// The external session exists; failing the whole call would strand the
	// user. Reconciliation closes the gap from the webhook side.
	session, err := b.CreateSession(context.Background(), testOrder(), testItems())
	require.NoError(t, err)
	assert.Equal(t, "cs_test_2", session.SessionID)
}
