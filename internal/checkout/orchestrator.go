package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"storefront/internal/cart"
	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State of a checkout attempt.
type State string

const (
	StateCollectingInfo   State = "collecting_info"
	StateChoosingDelivery State = "choosing_delivery"
	StateConfirming       State = "confirming"
	StateSubmitting       State = "submitting"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

var (
	// ErrSubmissionInFlight is returned when a second submission is attempted
	// while one is already running for this attempt.
	ErrSubmissionInFlight = errors.New("checkout submission already in flight")

	// ErrEmptyCart is returned when the recomputed total is zero, which
	// happens when the cart emptied mid-checkout.
	ErrEmptyCart = errors.New("cart total is zero")

	// ErrInvalidState is returned on a transition the state machine does not
	// permit.
	ErrInvalidState = errors.New("invalid checkout state transition")
)

// ValidationError is a form-gate failure. Recovered locally; the user stays
// on the current step and nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var emailRx = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// CustomerInfo is the required customer form data.
type CustomerInfo struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// OrderStore is the durable order persistence the orchestrator writes to.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
}

// SessionBridge creates the hosted payment session on the card path.
type SessionBridge interface {
	CreateSession(ctx context.Context, order *models.Order, items []models.OrderItem) (*payment.Session, error)
}

// SnapshotStash bridges a just-created cash order to the confirmation
// screen. Write-once, read-once.
type SnapshotStash interface {
	StashOrderSnapshot(ctx context.Context, token string, payload []byte, ttl time.Duration) error
}

// Locker guards against parallel submissions for the same cart across
// instances.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// Publisher emits domain events.
type Publisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
}

// Result is the terminal outcome of a submission.
type Result struct {
	OrderID           int64  `json:"order_id"`
	Status            string `json:"status"`
	RedirectURL       string `json:"redirect_url,omitempty"`
	ConfirmationToken string `json:"confirmation_token,omitempty"`
}

// ConfirmationSnapshot is the serializable payload stashed for the cash-path
// confirmation screen.
type ConfirmationSnapshot struct {
	Order models.Order       `json:"order"`
	Items []models.OrderItem `json:"items"`
}

// Orchestrator drives one checkout attempt through
// CollectingInfo -> ChoosingDelivery -> Confirming -> Submitting -> Done|Failed.
// One orchestrator per attempt; a single submission may be in flight at a
// time.
type Orchestrator struct {
	mu    sync.Mutex
	state State

	cart      *cart.Store
	orders    OrderStore
	bridge    SessionBridge
	stash     SnapshotStash
	locks     Locker
	publisher Publisher

	userID   *int64
	currency string

	accessorySurcharge int64

	info           CustomerInfo
	deliveryMethod string
	paymentMethod  string

	logger *zap.Logger
}

// NewOrchestrator starts a checkout attempt over the given cart. userID is
// nil for guest checkout.
func NewOrchestrator(
	cartStore *cart.Store,
	orders OrderStore,
	bridge SessionBridge,
	stash SnapshotStash,
	locks Locker,
	publisher Publisher,
	userID *int64,
	currency string,
	accessorySurcharge int64,
) *Orchestrator {
	return &Orchestrator{
		state:              StateCollectingInfo,
		cart:               cartStore,
		orders:             orders,
		bridge:             bridge,
		stash:              stash,
		locks:              locks,
		publisher:          publisher,
		userID:             userID,
		currency:           currency,
		accessorySurcharge: accessorySurcharge,
		logger:             util.GetLogger(),
	}
}

// State returns the current state of the attempt.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SubmitInfo validates the customer form and advances to delivery
// selection. A purely local form gate; nothing is persisted.
func (o *Orchestrator) SubmitInfo(info CustomerInfo) error {
	if err := validateInfo(info); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateCollectingInfo && o.state != StateChoosingDelivery {
		return ErrInvalidState
	}

	o.info = info
	o.state = StateChoosingDelivery
	return nil
}

// ChooseDelivery records the delivery and payment selection and advances to
// confirmation.
func (o *Orchestrator) ChooseDelivery(deliveryMethod, paymentMethod string) error {
	if strings.TrimSpace(deliveryMethod) == "" {
		return &ValidationError{Field: "delivery_method", Reason: "required"}
	}
	if paymentMethod != models.PaymentMethodCard && paymentMethod != models.PaymentMethodCOD {
		return &ValidationError{Field: "payment_method", Reason: "must be card or cod"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateChoosingDelivery && o.state != StateConfirming {
		return ErrInvalidState
	}

	o.deliveryMethod = deliveryMethod
	o.paymentMethod = paymentMethod
	o.state = StateConfirming
	return nil
}

// Submit turns the cart snapshot into a durable order and branches on the
// payment method. Cash orders are terminal here; card orders hand off to the
// hosted session and leave the cart intact until reconciliation confirms
// payment.
func (o *Orchestrator) Submit(ctx context.Context) (*Result, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Submit")
	defer span.End()

	if err := o.enterSubmitting(); err != nil {
		return nil, err
	}

	acquired, err := o.locks.AcquireLock(ctx, o.cart.CartID(), 30*time.Second)
	if err != nil {
		o.setState(StateConfirming)
		return nil, fmt.Errorf("failed to acquire submission lock: %w", err)
	}
	if !acquired {
		o.setState(StateConfirming)
		return nil, ErrSubmissionInFlight
	}
	defer func() {
		if err := o.locks.ReleaseLock(ctx, o.cart.CartID()); err != nil {
			o.logger.Warn("Failed to release submission lock", zap.Error(err))
		}
	}()

	// Deep-copy the live cart into plain values and recompute the total from
	// the copy. A zero total means the cart emptied mid-checkout.
	items := o.snapshotItems()
	total := o.computeTotal(items)
	if total <= 0 {
		o.setState(StateConfirming)
		util.CheckoutFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, ErrEmptyCart
	}

	order := &models.Order{
		UserID:         o.userID,
		CustomerName:   o.info.Name,
		CustomerEmail:  o.info.Email,
		CustomerPhone:  o.info.Phone,
		Address:        o.info.Address,
		DeliveryMethod: o.deliveryMethod,
		PaymentMethod:  o.paymentMethod,
		TotalAmount:    total,
		Currency:       o.currency,
		Status:         models.OrderStatusPending,
	}

	if err := o.orders.CreateOrder(ctx, order); err != nil {
		o.setState(StateFailed)
		util.CheckoutFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		if err := o.orders.CreateOrderItem(ctx, &items[i]); err != nil {
			o.setState(StateFailed)
			util.CheckoutFailedTotal.WithLabelValues("db_error").Inc()
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}
	}

	util.OrdersCreatedTotal.WithLabelValues(o.paymentMethod).Inc()
	o.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("payment_method", o.paymentMethod))

	o.publishPlaced(ctx, order, items)

	if o.paymentMethod == models.PaymentMethodCOD {
		return o.finishCash(ctx, order, items)
	}
	return o.finishCard(ctx, order, items)
}

// finishCash is synchronous and terminal: mark the order pending_cod, stash
// the confirmation snapshot, clear the cart.
func (o *Orchestrator) finishCash(ctx context.Context, order *models.Order, items []models.OrderItem) (*Result, error) {
	if err := o.orders.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPendingCOD); err != nil {
		o.setState(StateFailed)
		return nil, fmt.Errorf("failed to finalize cash order: %w", err)
	}
	order.Status = models.OrderStatusPendingCOD

	token := uuid.New().String()
	snapshot, err := json.Marshal(ConfirmationSnapshot{Order: *order, Items: items})
	if err == nil {
		if err := o.stash.StashOrderSnapshot(ctx, token, snapshot, time.Hour); err != nil {
			o.logger.Warn("Failed to stash confirmation snapshot",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	if err := o.cart.Clear(ctx); err != nil {
		o.logger.Warn("Failed to clear cart after cash order",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	o.setState(StateDone)
	return &Result{
		OrderID:           order.ID,
		Status:            order.Status,
		ConfirmationToken: token,
	}, nil
}

// finishCard hands off to the hosted session. The cart is deliberately not
// cleared: that happens once reconciliation confirms payment. On bridge
// failure the order stays pending and is picked up by the abandoned-order
// sweep.
func (o *Orchestrator) finishCard(ctx context.Context, order *models.Order, items []models.OrderItem) (*Result, error) {
	session, err := o.bridge.CreateSession(ctx, order, items)
	if err != nil {
		o.setState(StateFailed)
		util.CheckoutFailedTotal.WithLabelValues("session_create").Inc()
		return nil, fmt.Errorf("failed to create payment session: %w", err)
	}

	if err := o.orders.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPendingPayment); err != nil {
		o.logger.Error("Failed to mark order pending_payment",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	o.setState(StateDone)
	return &Result{
		OrderID:     order.ID,
		Status:      models.OrderStatusPendingPayment,
		RedirectURL: session.RedirectURL,
	}, nil
}

func (o *Orchestrator) enterSubmitting() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateSubmitting:
		return ErrSubmissionInFlight
	case StateConfirming:
		o.state = StateSubmitting
		return nil
	default:
		return ErrInvalidState
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// snapshotItems deep-copies the live cart into serializable order items.
// Plain values only.
func (o *Orchestrator) snapshotItems() []models.OrderItem {
	cartItems := o.cart.Items()
	items := make([]models.OrderItem, 0, len(cartItems))
	for _, ci := range cartItems {
		item := models.OrderItem{
			ProductID:    ci.ProductID,
			Name:         ci.Name,
			VariantID:    ci.Variant.ID,
			Denomination: ci.Variant.Denomination,
			Quantity:     ci.Quantity,
			UnitPrice:    ci.Variant.Price,
			Accessory:    ci.Accessory,
		}
		if ci.Warranty != nil {
			item.WarrantyCost = ci.Warranty.AdditionalCost
		}
		items = append(items, item)
	}
	return items
}

func (o *Orchestrator) computeTotal(items []models.OrderItem) int64 {
	var total int64
	for _, item := range items {
		unit := item.UnitPrice + item.WarrantyCost
		if item.Accessory {
			unit += o.accessorySurcharge
		}
		total += unit * int64(item.Quantity)
	}
	return total
}

func (o *Orchestrator) publishPlaced(ctx context.Context, order *models.Order, items []models.OrderItem) {
	eventItems := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		eventItems = append(eventItems, models.OrderItemData{
			ProductID:    item.ProductID,
			VariantID:    item.VariantID,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			WarrantyCost: item.WarrantyCost,
		})
	}

	event := &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPlaced,
			Timestamp: time.Now(),
		},
		OrderID:       order.ID,
		UserID:        order.UserID,
		PaymentMethod: order.PaymentMethod,
		TotalAmount:   order.TotalAmount,
		Currency:      order.Currency,
		Items:         eventItems,
	}

	if err := o.publisher.PublishOrderPlaced(ctx, event); err != nil {
		o.logger.Error("Failed to publish OrderPlaced event", zap.Error(err))
	}
}

func validateInfo(info CustomerInfo) error {
	if strings.TrimSpace(info.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(info.Email) == "" {
		return &ValidationError{Field: "email", Reason: "required"}
	}
	if !emailRx.MatchString(info.Email) {
		return &ValidationError{Field: "email", Reason: "not a valid address"}
	}
	if strings.TrimSpace(info.Address) == "" {
		return &ValidationError{Field: "address", Reason: "required"}
	}
	return nil
}
