package models

import "time"

// Event types
const (
	EventTypeOrderPlaced    = "ORDER_PLACED"
	EventTypeOrderPaid      = "ORDER_PAID"
	EventTypeOrderAbandoned = "ORDER_ABANDONED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published when checkout inserts a durable order
type OrderPlacedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	UserID        *int64          `json:"user_id,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	TotalAmount   int64           `json:"total_amount"`
	Currency      string          `json:"currency"`
	Items         []OrderItemData `json:"items"`
}

// OrderPaidEvent published when reconciliation confirms payment
type OrderPaidEvent struct {
	BaseEvent
	OrderID         int64  `json:"order_id"`
	UserID          *int64 `json:"user_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

// OrderAbandonedEvent published when the sweep gives up on a stale order
type OrderAbandonedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID    int64 `json:"product_id"`
	VariantID    int64 `json:"variant_id"`
	Quantity     int   `json:"quantity"`
	UnitPrice    int64 `json:"unit_price"`
	WarrantyCost int64 `json:"warranty_cost"`
}
