package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/lib/pq"
)

// CreateOrder creates a new order with status pending
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, customer_name, customer_email, customer_phone, address,
			delivery_method, payment_method, total_amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.UserID, order.CustomerName, order.CustomerEmail, order.CustomerPhone,
		order.Address, order.DeliveryMethod, order.PaymentMethod,
		order.TotalAmount, order.Currency, order.Status)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates order status unconditionally
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// AdvanceOrderStatus updates order status only when the current status is
// one of the allowed predecessors. Returns false when the row was left
// untouched, which is how a stale or duplicate notification is absorbed
// without regressing a terminal status.
func (s *Store) AdvanceOrderStatus(ctx context.Context, orderID int64, status string, from []string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)",
		status, orderID, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetStaleOrders retrieves non-terminal orders older than the cutoff. Used
// by the abandoned-order sweep.
func (s *Store) GetStaleOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE status IN ($1, $2) AND created_at < $3 ORDER BY created_at",
		models.OrderStatusPending, models.OrderStatusPendingPayment, cutoff)
	return orders, err
}

// CreateOrderItem creates a new order item
func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, name, variant_id, denomination,
			quantity, unit_price, warranty_cost, accessory)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	return s.db.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.Name, item.VariantID, item.Denomination,
		item.Quantity, item.UnitPrice, item.WarrantyCost, item.Accessory)
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

// CreatePaymentSession creates a new payment session record
func (s *Store) CreatePaymentSession(ctx context.Context, session *models.PaymentSession) error {
	query := `
		INSERT INTO payment_sessions (order_id, session_id, status, amount, currency, user_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, session, query,
		session.OrderID, session.SessionID, session.Status,
		session.Amount, session.Currency, session.UserID)
}

// GetPaymentSessionByOrderID retrieves the latest payment session for an order
func (s *Store) GetPaymentSessionByOrderID(ctx context.Context, orderID int64) (*models.PaymentSession, error) {
	var session models.PaymentSession
	err := s.db.GetContext(ctx, &session,
		"SELECT * FROM payment_sessions WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment session not found for order: %d", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CompletePaymentSession marks the session for an order completed. The
// update is conditional on the current status so redelivered notifications
// are no-ops.
func (s *Store) CompletePaymentSession(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_sessions SET status = $1, updated_at = NOW() WHERE order_id = $2 AND status = $3",
		models.SessionStatusCompleted, orderID, models.SessionStatusPending)
	return err
}

// AppendPaymentTransaction appends a ledger entry. Ledger rows are never
// updated after insert.
func (s *Store) AppendPaymentTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (payment_intent_id, charge_id, amount, currency, status, type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, txn, query,
		txn.PaymentIntentID, txn.ChargeID, txn.Amount, txn.Currency,
		txn.Status, txn.Type, txn.Metadata)
}

// GetPaymentTransactionsByIntent retrieves ledger entries for a payment intent
func (s *Store) GetPaymentTransactionsByIntent(ctx context.Context, intentID string) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := s.db.SelectContext(ctx, &txns,
		"SELECT * FROM payment_transactions WHERE payment_intent_id = $1 ORDER BY created_at", intentID)
	return txns, err
}

// SaveWebhookEvent persists the raw notification for audit. A duplicate
// event id is not an error.
func (s *Store) SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO webhook_events (event_id, event_type, payload) VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING",
		event.EventID, event.EventType, event.Payload)
	return err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
