package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetVariant retrieves a variant of a product
func (s *Store) GetVariant(ctx context.Context, productID, variantID int64) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := s.db.GetContext(ctx, &variant,
		"SELECT * FROM product_variants WHERE product_id = $1 AND id = $2",
		productID, variantID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("variant not found: product=%d variant=%d", productID, variantID)
	}
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

// GetVariantsByProduct retrieves all variants of a product ordered by denomination
func (s *Store) GetVariantsByProduct(ctx context.Context, productID int64) ([]models.ProductVariant, error) {
	var variants []models.ProductVariant
	err := s.db.SelectContext(ctx, &variants,
		"SELECT * FROM product_variants WHERE product_id = $1 ORDER BY denomination", productID)
	return variants, err
}

// GetActiveOverride retrieves the active price override for a variant and
// currency, or nil when none exists.
func (s *Store) GetActiveOverride(ctx context.Context, productID, variantID int64, currency string) (*models.PriceOverride, error) {
	var override models.PriceOverride
	err := s.db.GetContext(ctx, &override,
		"SELECT * FROM price_overrides WHERE product_id = $1 AND variant_id = $2 AND currency = $3 AND active = true",
		productID, variantID, currency)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &override, nil
}

// GetDefaultWarrantyPolicy retrieves the default warranty policy for a
// variant, or nil when the product carries none.
func (s *Store) GetDefaultWarrantyPolicy(ctx context.Context, productID, variantID int64) (*models.WarrantyPolicy, error) {
	var policy models.WarrantyPolicy
	err := s.db.GetContext(ctx, &policy,
		"SELECT * FROM warranty_policies WHERE product_id = $1 AND variant_id = $2 AND is_default = true LIMIT 1",
		productID, variantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// GetWarrantyPolicy retrieves a warranty policy by ID
func (s *Store) GetWarrantyPolicy(ctx context.Context, policyID int64) (*models.WarrantyPolicy, error) {
	var policy models.WarrantyPolicy
	err := s.db.GetContext(ctx, &policy,
		"SELECT * FROM warranty_policies WHERE id = $1", policyID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("warranty policy not found: %d", policyID)
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// GetWarrantyPoliciesByProduct retrieves all warranty policies of a product
func (s *Store) GetWarrantyPoliciesByProduct(ctx context.Context, productID int64) ([]models.WarrantyPolicy, error) {
	var policies []models.WarrantyPolicy
	err := s.db.SelectContext(ctx, &policies,
		"SELECT * FROM warranty_policies WHERE product_id = $1 ORDER BY term_months", productID)
	return policies, err
}
