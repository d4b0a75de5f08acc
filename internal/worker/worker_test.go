package worker

import (
	"context"
	"testing"
	"time"

	"storefront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweepStore struct {
	stale    []models.Order
	statuses map[int64]string
}

func (f *fakeSweepStore) GetStaleOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	return f.stale, nil
}

func (f *fakeSweepStore) AdvanceOrderStatus(ctx context.Context, orderID int64, status string, from []string) (bool, error) {
	current := f.statuses[orderID]
	for _, s := range from {
		if current == s {
			f.statuses[orderID] = status
			return true, nil
		}
	}
	return false, nil
}

type fakeAbandonPublisher struct {
	abandoned []*models.OrderAbandonedEvent
}

func (f *fakeAbandonPublisher) PublishOrderAbandoned(ctx context.Context, event *models.OrderAbandonedEvent) error {
	f.abandoned = append(f.abandoned, event)
	return nil
}

func TestSweepAbandonsStaleOrders(t *testing.T) {
	store := &fakeSweepStore{
		stale: []models.Order{
			{ID: 1, Status: models.OrderStatusPending},
			{ID: 2, Status: models.OrderStatusPendingPayment},
		},
		statuses: map[int64]string{
			1: models.OrderStatusPending,
			2: models.OrderStatusPendingPayment,
		},
	}
	publisher := &fakeAbandonPublisher{}
	w := NewSweepWorker(store, publisher, time.Minute, time.Hour)

	require.NoError(t, w.Sweep(context.Background()))

	assert.Equal(t, models.OrderStatusAbandoned, store.statuses[1])
	assert.Equal(t, models.OrderStatusAbandoned, store.statuses[2])
	require.Len(t, publisher.abandoned, 2)
	assert.Equal(t, int64(1), publisher.abandoned[0].OrderID)
	assert.Equal(t, models.EventTypeOrderAbandoned, publisher.abandoned[0].EventType)
}

func TestSweepLeavesPaidOrdersAlone(t *testing.T) {
	// An order that got paid between the staleness query and the update must
	// not be touched.
	store := &fakeSweepStore{
		stale:    []models.Order{{ID: 3, Status: models.OrderStatusPendingPayment}},
		statuses: map[int64]string{3: models.OrderStatusPaid},
	}
	publisher := &fakeAbandonPublisher{}
	w := NewSweepWorker(store, publisher, time.Minute, time.Hour)

	require.NoError(t, w.Sweep(context.Background()))

	assert.Equal(t, models.OrderStatusPaid, store.statuses[3])
	assert.Empty(t, publisher.abandoned)
}
