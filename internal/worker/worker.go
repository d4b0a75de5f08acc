package worker

import (
	"context"
	"time"

	"storefront/internal/broker"
	"storefront/internal/cart"
	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CartClearer writes through to durable cart storage.
type CartClearer interface {
	Save(ctx context.Context, cartID, origin string, items []byte) error
}

// CartWorker consumes OrderPaid events and clears the owning user's cart.
// Card-path checkouts leave the cart intact until payment is confirmed;
// this worker completes that deferred clear. Guest carts have no stable key
// and are left to expire with the session.
type CartWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCartWorker creates a new cart worker
func NewCartWorker(consumer *broker.Consumer, carts CartClearer) *CartWorker {
	logger := util.GetLogger()
	origin := "reconcile-" + uuid.New().String()

	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderPaid(func(ctx context.Context, event *models.OrderPaidEvent) error {
		if event.UserID == nil {
			logger.Debug("Paid order belongs to a guest, no cart to clear",
				zap.Int64("order_id", event.OrderID))
			return nil
		}

		cartID := cart.KeyForUser(*event.UserID)
		if err := carts.Save(ctx, cartID, origin, []byte("[]")); err != nil {
			return err
		}

		logger.Info("Cleared cart after payment confirmation",
			zap.Int64("order_id", event.OrderID),
			zap.String("cart_id", cartID))
		return nil
	})

	return &CartWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// Start starts the worker
func (w *CartWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting cart worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CartWorker) Stop() error {
	w.logger.Info("Stopping cart worker")
	return w.consumer.Close()
}

// SweepStore is the order persistence slice the sweep drives.
type SweepStore interface {
	GetStaleOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error)
	AdvanceOrderStatus(ctx context.Context, orderID int64, status string, from []string) (bool, error)
}

// SweepPublisher emits abandonment events.
type SweepPublisher interface {
	PublishOrderAbandoned(ctx context.Context, event *models.OrderAbandonedEvent) error
}

// SweepWorker periodically marks orders stuck before payment as abandoned.
// An order created but never handed to a payment session, or whose session
// expired at the processor, would otherwise stay pending forever.
type SweepWorker struct {
	store     SweepStore
	publisher SweepPublisher
	interval  time.Duration
	maxAge    time.Duration
	logger    *zap.Logger
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(store SweepStore, publisher SweepPublisher, interval, maxAge time.Duration) *SweepWorker {
	return &SweepWorker{
		store:     store,
		publisher: publisher,
		interval:  interval,
		maxAge:    maxAge,
		logger:    util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting abandoned-order sweep",
		zap.Duration("interval", w.interval),
		zap.Duration("max_age", w.maxAge))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sweep context cancelled, stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Error("Sweep pass failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass. The status update is conditional, so an order that
// got paid between the query and the update is left alone.
func (w *SweepWorker) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-w.maxAge)

	orders, err := w.store.GetStaleOrders(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, order := range orders {
		advanced, err := w.store.AdvanceOrderStatus(ctx, order.ID, models.OrderStatusAbandoned,
			[]string{models.OrderStatusPending, models.OrderStatusPendingPayment})
		if err != nil {
			w.logger.Error("Failed to abandon stale order",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
			continue
		}
		if !advanced {
			continue
		}

		util.OrdersAbandonedTotal.Inc()
		w.logger.Info("Order marked abandoned",
			zap.Int64("order_id", order.ID),
			zap.String("previous_status", order.Status))

		event := &models.OrderAbandonedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderAbandoned,
				Timestamp: time.Now(),
			},
			OrderID: order.ID,
			Reason:  "stale_before_payment",
		}
		if err := w.publisher.PublishOrderAbandoned(ctx, event); err != nil {
			w.logger.Error("Failed to publish OrderAbandoned event", zap.Error(err))
		}
	}

	return nil
}
