package models

import (
	"encoding/json"
	"time"
)

// ProductVariant is a purchasable configuration of a product. Rows are
// immutable reference data; an active PriceOverride shadows Price.
type ProductVariant struct {
	ID           int64     `db:"id" json:"id"`
	ProductID    int64     `db:"product_id" json:"product_id"`
	Denomination int       `db:"denomination" json:"denomination"`
	Price        int64     `db:"price" json:"price"`
	InStock      bool      `db:"in_stock" json:"in_stock"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// PriceOverride is an administrator-set price superseding the catalog price
// for one (product, variant, currency). At most one active row per key.
type PriceOverride struct {
	ID        int64  `db:"id" json:"id"`
	ProductID int64  `db:"product_id" json:"product_id"`
	VariantID int64  `db:"variant_id" json:"variant_id"`
	Currency  string `db:"currency" json:"currency"`
	Price     int64  `db:"price" json:"price"`
	Active    bool   `db:"active" json:"active"`
}

// WarrantyPolicy produces an extra charge for an extended service term,
// either a flat amount or a multiplier of the unit price.
type WarrantyPolicy struct {
	ID         int64   `db:"id" json:"id"`
	ProductID  int64   `db:"product_id" json:"product_id"`
	VariantID  int64   `db:"variant_id" json:"variant_id"`
	TermMonths int     `db:"term_months" json:"term_months"`
	FixedPrice int64   `db:"fixed_price" json:"fixed_price"`
	Multiplier float64 `db:"multiplier" json:"multiplier"`
	IsDefault  bool    `db:"is_default" json:"is_default"`
}

// WarrantySelection is a value snapshot embedded in a cart line. The cost is
// frozen at selection time and never re-priced until the user re-selects.
type WarrantySelection struct {
	PolicyID       int64 `json:"policy_id"`
	TermMonths     int   `json:"term_months"`
	AdditionalCost int64 `json:"additional_cost"`
	Estimated      bool  `json:"estimated,omitempty"`
}

// CartItem is one cart line. Lines are keyed by product id: adding the same
// product again increments quantity, changing variant mutates in place. The
// variant is carried as a full copy so the line survives catalog changes.
type CartItem struct {
	ProductID int64              `json:"product_id"`
	Name      string             `json:"name"`
	Variant   ProductVariant     `json:"variant"`
	Quantity  int                `json:"quantity"`
	Warranty  *WarrantySelection `json:"warranty,omitempty"`
	Accessory bool               `json:"accessory,omitempty"`
}

// OrderItem is the serializable deep copy of a cart line stored with an
// order. Plain values only; no references back into the live cart.
type OrderItem struct {
	ID           int64  `db:"id" json:"id"`
	OrderID      int64  `db:"order_id" json:"order_id"`
	ProductID    int64  `db:"product_id" json:"product_id"`
	Name         string `db:"name" json:"name"`
	VariantID    int64  `db:"variant_id" json:"variant_id"`
	Denomination int    `db:"denomination" json:"denomination"`
	Quantity     int    `db:"quantity" json:"quantity"`
	UnitPrice    int64  `db:"unit_price" json:"unit_price"`
	WarrantyCost int64  `db:"warranty_cost" json:"warranty_cost"`
	Accessory    bool   `db:"accessory" json:"accessory"`
}

// Order is created once per checkout attempt. Status is the only field
// mutated after insert.
type Order struct {
	ID             int64     `db:"id" json:"id"`
	UserID         *int64    `db:"user_id" json:"user_id,omitempty"`
	CustomerName   string    `db:"customer_name" json:"customer_name"`
	CustomerEmail  string    `db:"customer_email" json:"customer_email"`
	CustomerPhone  string    `db:"customer_phone" json:"customer_phone"`
	Address        string    `db:"address" json:"address"`
	DeliveryMethod string    `db:"delivery_method" json:"delivery_method"`
	PaymentMethod  string    `db:"payment_method" json:"payment_method"`
	TotalAmount    int64     `db:"total_amount" json:"total_amount"`
	Currency       string    `db:"currency" json:"currency"`
	Status         string    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentSession links an order to the processor's hosted session. Exactly
// one active session per order at a time.
type PaymentSession struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Status    string    `db:"status" json:"status"`
	Amount    int64     `db:"amount" json:"amount"`
	Currency  string    `db:"currency" json:"currency"`
	UserID    *int64    `db:"user_id" json:"user_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentTransaction is an append-only ledger entry. Corrections are new
// rows, never edits.
type PaymentTransaction struct {
	ID              int64           `db:"id" json:"id"`
	PaymentIntentID string          `db:"payment_intent_id" json:"payment_intent_id"`
	ChargeID        string          `db:"charge_id" json:"charge_id,omitempty"`
	Amount          int64           `db:"amount" json:"amount"`
	Currency        string          `db:"currency" json:"currency"`
	Status          string          `db:"status" json:"status"`
	Type            string          `db:"type" json:"type"`
	Metadata        json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// WebhookEvent is the raw audit copy of an inbound processor notification,
// persisted before any business branching.
type WebhookEvent struct {
	EventID    string          `db:"event_id" json:"event_id"`
	EventType  string          `db:"event_type" json:"event_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	ReceivedAt time.Time       `db:"received_at" json:"received_at"`
}

// ProcessedEvent gates business-state updates on webhook event id uniqueness.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Order statuses
const (
	OrderStatusPending        = "pending"
	OrderStatusPendingCOD     = "pending_cod"
	OrderStatusPendingPayment = "pending_payment"
	OrderStatusPaid           = "paid"
	OrderStatusCancelled      = "cancelled"
	OrderStatusAbandoned      = "abandoned"
)

// Payment session statuses
const (
	SessionStatusPending   = "pending"
	SessionStatusCompleted = "completed"
)

// Payment methods
const (
	PaymentMethodCard = "card"
	PaymentMethodCOD  = "cod"
)
