package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KeyForUser returns the durable cart key of an authenticated user. The API
// layer and the event workers must agree on this so a cart cleared after
// payment confirmation is the same cart the user shopped with.
func KeyForUser(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// Persister is the durable storage a cart writes through on every mutation.
type Persister interface {
	Save(ctx context.Context, cartID, origin string, items []byte) error
	Load(ctx context.Context, cartID string) ([]byte, error)
}

// Totals is the pure recomputation of the current item list.
type Totals struct {
	ItemCount int   `json:"item_count"`
	Total     int64 `json:"total"`
}

// Store owns all cart line mutation and total computation for one browsing
// context. Mutations run under a single mutex as a read-modify-write of the
// whole item list; the full list is serialized to the persister after every
// change. Cross-context synchronization is last-writer-wins at list
// granularity.
type Store struct {
	mu        sync.Mutex
	cartID    string
	origin    string
	items     []models.CartItem
	persister Persister

	accessorySurcharge int64
	logger             *zap.Logger
}

// NewStore creates a cart store for one cart id. The store is constructed at
// session start and injected into consumers; it is not a process-wide
// singleton.
func NewStore(cartID string, persister Persister, accessorySurcharge int64) *Store {
	return &Store{
		cartID:             cartID,
		origin:             uuid.New().String(),
		persister:          persister,
		accessorySurcharge: accessorySurcharge,
		logger:             util.GetLogger(),
	}
}

// CartID returns the durable storage key of this cart.
func (s *Store) CartID() string {
	return s.cartID
}

// Origin identifies this browsing context on the change feed.
func (s *Store) Origin() string {
	return s.origin
}

// Hydrate loads the persisted item list. A corrupt or non-array payload
// degrades to an empty cart, never an error.
func (s *Store) Hydrate(ctx context.Context) error {
	payload, err := s.persister.Load(ctx, s.cartID)
	if err != nil {
		return fmt.Errorf("failed to load cart: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = decodeItems(payload, s.logger)
	return nil
}

// Add inserts a line for the product or, when one already exists, increments
// its quantity and mutates variant and warranty in place. Lines are keyed by
// product id only.
func (s *Store) Add(ctx context.Context, productID int64, name string, variant models.ProductVariant, warranty *models.WarrantySelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.index(productID); i >= 0 {
		s.items[i].Quantity++
		s.items[i].Variant = variant
		if warranty != nil {
			s.items[i].Warranty = copyWarranty(warranty)
		}
	} else {
		s.items = append(s.items, models.CartItem{
			ProductID: productID,
			Name:      name,
			Variant:   variant,
			Quantity:  1,
			Warranty:  copyWarranty(warranty),
		})
	}

	util.CartMutationsTotal.WithLabelValues("add").Inc()
	return s.persist(ctx)
}

// Remove deletes the line for a product.
func (s *Store) Remove(ctx context.Context, productID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, productID)
}

// SetQuantity sets a line's quantity. Zero is equivalent to Remove.
func (s *Store) SetQuantity(ctx context.Context, productID int64, qty int) error {
	if qty < 0 {
		return fmt.Errorf("quantity must not be negative: %d", qty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if qty == 0 {
		return s.removeLocked(ctx, productID)
	}

	i := s.index(productID)
	if i < 0 {
		return fmt.Errorf("cart line not found: product=%d", productID)
	}

	s.items[i].Quantity = qty
	util.CartMutationsTotal.WithLabelValues("set_quantity").Inc()
	return s.persist(ctx)
}

// SetWarranty replaces a line's warranty selection. A nil selection removes
// the field entirely rather than leaving a zero-cost warranty behind.
func (s *Store) SetWarranty(ctx context.Context, productID int64, sel *models.WarrantySelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(productID)
	if i < 0 {
		return fmt.Errorf("cart line not found: product=%d", productID)
	}

	s.items[i].Warranty = copyWarranty(sel)
	util.CartMutationsTotal.WithLabelValues("set_warranty").Inc()
	return s.persist(ctx)
}

// SetAccessory toggles the per-unit accessory surcharge for a line.
func (s *Store) SetAccessory(ctx context.Context, productID int64, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(productID)
	if i < 0 {
		return fmt.Errorf("cart line not found: product=%d", productID)
	}

	s.items[i].Accessory = on
	util.CartMutationsTotal.WithLabelValues("set_accessory").Inc()
	return s.persist(ctx)
}

// Clear empties the cart.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	util.CartMutationsTotal.WithLabelValues("clear").Inc()
	return s.persist(ctx)
}

// Items returns a deep copy of the current item list.
func (s *Store) Items() []models.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyItems(s.items)
}

// Totals recomputes item count and total from the current item list. Line
// total is (unit price + warranty cost) * quantity, plus the flat accessory
// surcharge per unit when the flag is set. No caching.
func (s *Store) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t Totals
	for _, item := range s.items {
		unit := item.Variant.Price
		if item.Warranty != nil {
			unit += item.Warranty.AdditionalCost
		}
		if item.Accessory {
			unit += s.accessorySurcharge
		}
		t.Total += unit * int64(item.Quantity)
		t.ItemCount += item.Quantity
	}
	return t
}

// ApplyRemote replaces local state with a change-feed payload from another
// browsing context. Own writes and payloads that do not decode to an item
// array are ignored, not merged.
func (s *Store) ApplyRemote(origin string, payload []byte) {
	if origin == s.origin {
		return
	}

	var items []models.CartItem
	if err := json.Unmarshal(payload, &items); err != nil {
		s.logger.Warn("Ignoring corrupt foreign cart write",
			zap.String("cart_id", s.cartID),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
}

func (s *Store) removeLocked(ctx context.Context, productID int64) error {
	i := s.index(productID)
	if i < 0 {
		return nil
	}

	s.items = append(s.items[:i], s.items[i+1:]...)
	util.CartMutationsTotal.WithLabelValues("remove").Inc()
	return s.persist(ctx)
}

// persist serializes the whole item list synchronously. Callers hold the
// mutex.
func (s *Store) persist(ctx context.Context) error {
	items := s.items
	if items == nil {
		items = []models.CartItem{}
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to serialize cart: %w", err)
	}

	if err := s.persister.Save(ctx, s.cartID, s.origin, payload); err != nil {
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	return nil
}

func (s *Store) index(productID int64) int {
	for i := range s.items {
		if s.items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func decodeItems(payload []byte, logger *zap.Logger) []models.CartItem {
	if len(payload) == 0 {
		return nil
	}

	var items []models.CartItem
	if err := json.Unmarshal(payload, &items); err != nil {
		logger.Warn("Corrupt cart payload, starting empty", zap.Error(err))
		return nil
	}
	return items
}

func copyItems(items []models.CartItem) []models.CartItem {
	out := make([]models.CartItem, len(items))
	copy(out, items)
	for i := range out {
		out[i].Warranty = copyWarranty(out[i].Warranty)
	}
	return out
}

func copyWarranty(sel *models.WarrantySelection) *models.WarrantySelection {
	if sel == nil {
		return nil
	}
	c := *sel
	return &c
}
