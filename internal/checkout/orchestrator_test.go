package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront/internal/cart"
	"storefront/internal/models"
	"storefront/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	saved []byte
}

func (p *fakePersister) Save(ctx context.Context, cartID, origin string, items []byte) error {
	p.saved = items
	return nil
}

func (p *fakePersister) Load(ctx context.Context, cartID string) ([]byte, error) {
	return p.saved, nil
}

type fakeOrders struct {
	orders    []*models.Order
	items     []models.OrderItem
	statuses  map[int64][]string
	createErr error
}

func (f *fakeOrders) CreateOrder(ctx context.Context, order *models.Order) error {
	if f.createErr != nil {
		return f.createErr
	}
	order.ID = int64(len(f.orders) + 1)
	f.orders = append(f.orders, order)
	return nil
}

func (f *fakeOrders) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	f.items = append(f.items, *item)
	return nil
}

func (f *fakeOrders) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	if f.statuses == nil {
		f.statuses = make(map[int64][]string)
	}
	f.statuses[orderID] = append(f.statuses[orderID], status)
	return nil
}

type fakeBridge struct {
	session *payment.Session
	err     error
	calls   int
}

func (f *fakeBridge) CreateSession(ctx context.Context, order *models.Order, items []models.OrderItem) (*payment.Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type fakeStash struct {
	tokens map[string][]byte
}

func (f *fakeStash) StashOrderSnapshot(ctx context.Context, token string, payload []byte, ttl time.Duration) error {
	if f.tokens == nil {
		f.tokens = make(map[string][]byte)
	}
	f.tokens[token] = payload
	return nil
}

type fakeLocker struct {
	acquired bool
	released []string
}

func (f *fakeLocker) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return f.acquired, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, lockKey string) error {
	f.released = append(f.released, lockKey)
	return nil
}

type fakePublisher struct {
	placed []*models.OrderPlacedEvent
}

func (f *fakePublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	f.placed = append(f.placed, event)
	return nil
}

func validInfo() CustomerInfo {
	return CustomerInfo{
		Name:    "Ada Lovelace",
		Email:   "ada@example.com",
		Phone:   "555-0100",
		Address: "1 Analytical Way",
	}
}

type fixture struct {
	cart      *cart.Store
	orders    *fakeOrders
	bridge    *fakeBridge
	stash     *fakeStash
	locks     *fakeLocker
	publisher *fakePublisher
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cs := cart.NewStore("user:7", &fakePersister{}, 150)
	f := &fixture{
		cart:   cs,
		orders: &fakeOrders{},
		bridge: &fakeBridge{
			session: &payment.Session{SessionID: "cs_test_1", RedirectURL: "https://pay.example/cs_test_1"},
		},
		stash:     &fakeStash{},
		locks:     &fakeLocker{acquired: true},
		publisher: &fakePublisher{},
	}

	userID := int64(7)
	f.orch = NewOrchestrator(cs, f.orders, f.bridge, f.stash, f.locks, f.publisher, &userID, "USD", 150)
	return f
}

func (f *fixture) addItem(t *testing.T, productID, price, warrantyCost int64, qty int) {
	t.Helper()
	ctx := context.Background()

	var warranty *models.WarrantySelection
	if warrantyCost > 0 {
		warranty = &models.WarrantySelection{PolicyID: 1, TermMonths: 12, AdditionalCost: warrantyCost}
	}

	variant := models.ProductVariant{ID: productID * 10, ProductID: productID, Denomination: 50, Price: price}
	require.NoError(t, f.cart.Add(ctx, productID, "Giftcard", variant, warranty))
	if qty > 1 {
		require.NoError(t, f.cart.SetQuantity(ctx, productID, qty))
	}
}

func (f *fixture) advanceToConfirming(t *testing.T, paymentMethod string) {
	t.Helper()
	require.NoError(t, f.orch.SubmitInfo(validInfo()))
	require.NoError(t, f.orch.ChooseDelivery("courier", paymentMethod))
}

func TestSubmitInfoValidation(t *testing.T) {
	f := newFixture(t)

	err := f.orch.SubmitInfo(CustomerInfo{Name: "Ada", Email: "not-an-email", Address: "x"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "email", vErr.Field)
	assert.Equal(t, StateCollectingInfo, f.orch.State())

	err = f.orch.SubmitInfo(CustomerInfo{Email: "ada@example.com", Address: "x"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "name", vErr.Field)

	require.NoError(t, f.orch.SubmitInfo(validInfo()))
	assert.Equal(t, StateChoosingDelivery, f.orch.State())
}

func TestChooseDeliveryRejectsUnknownPaymentMethod(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.SubmitInfo(validInfo()))

	err := f.orch.ChooseDelivery("courier", "crypto")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "payment_method", vErr.Field)
	assert.Equal(t, StateChoosingDelivery, f.orch.State())
}

func TestSubmitRequiresConfirmingState(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, 1, 5000, 0, 1)

	_, err := f.orch.Submit(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCashCheckout(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, 1, 5000, 350, 2)
	f.advanceToConfirming(t, models.PaymentMethodCOD)

	result, err := f.orch.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPendingCOD, result.Status)
	assert.NotEmpty(t, result.ConfirmationToken)
	assert.Empty(t, result.RedirectURL)
	assert.Equal(t, StateDone, f.orch.State())

	require.Len(t, f.orders.orders, 1)
	order := f.orders.orders[0]
	assert.Equal(t, int64((5000+350)*2), order.TotalAmount)
	assert.Equal(t, []string{models.OrderStatusPendingCOD}, f.orders.statuses[order.ID])

	// Snapshot stashed under the returned token, cart cleared, no session.
	assert.Contains(t, f.stash.tokens, result.ConfirmationToken)
	assert.Empty(t, f.cart.Items())
	assert.Zero(t, f.bridge.calls)

	require.Len(t, f.publisher.placed, 1)
	assert.Equal(t, order.ID, f.publisher.placed[0].OrderID)
}

func TestCardCheckout(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, 1, 5000, 0, 1)
	f.advanceToConfirming(t, models.PaymentMethodCard)

	result, err := f.orch.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPendingPayment, result.Status)
	assert.Equal(t, "https://pay.example/cs_test_1", result.RedirectURL)
	assert.Empty(t, result.ConfirmationToken)
	assert.Equal(t, StateDone, f.orch.State())

	require.Len(t, f.orders.orders, 1)
	order := f.orders.orders[0]
	assert.Equal(t, []string{models.OrderStatusPendingPayment}, f.orders.statuses[order.ID])

	// The cart survives the handoff; it is cleared only once payment is
	// confirmed.
	assert.Len(t, f.cart.Items(), 1)
}

func TestCardCheckoutAccessorySurcharge(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, 1, 1000, 0, 3)
	require.NoError(t, f.cart.SetAccessory(context.Background(), 1, true))
	f.advanceToConfirming(t, models.PaymentMethodCard)

	_, err := f.orch.Submit(context.Background())
	require.NoError(t, err)

	require.Len(t, f.orders.orders, 1)
	assert.Equal(t, int64((1000+150)*3), f.orders.orders[0].TotalAmount)
}

func TestCardCheckoutBridgeFailure(t *testing.T) {
	f := newFixture(t)
	f.bridge.err = errors.New("processor unavailable")
	f.addItem(t, 1, 5000, 0, 1)
	f.advanceToConfirming(t, models.PaymentMethodCard)

	_, err := f.orch.Submit(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, f.orch.State())

	// The order exists but never reached pending_payment; the sweep will
	// pick it up. The cart is untouched.
	require.Len(t, f.orders.orders, 1)
	assert.Empty(t, f.orders.statuses[f.orders.orders[0].ID])
	assert.Len(t, f.cart.Items(), 1)
}

func TestSubmitLockContention(t *testing.T) {
	f := newFixture(t)
	f.locks.acquired = false
	f.addItem(t, 1, 5000, 0, 1)
	f.advanceToConfirming(t, models.PaymentMethodCOD)

	_, err := f.orch.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSubmissionInFlight)

	// The attempt recovers to Confirming so the user can retry.
	assert.Equal(t, StateConfirming, f.orch.State())
	assert.Empty(t, f.orders.orders)
}

func TestSubmitEmptyCart(t *testing.T) {
	f := newFixture(t)
	f.advanceToConfirming(t, models.PaymentMethodCOD)

	_, err := f.orch.Submit(context.Background())
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, StateConfirming, f.orch.State())
	assert.Empty(t, f.orders.orders)
}

func TestSubmitReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, 1, 5000, 0, 1)
	f.advanceToConfirming(t, models.PaymentMethodCOD)

	_, err := f.orch.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{f.cart.CartID()}, f.locks.released)
}
