package pricing

import (
	"context"
	"fmt"
	"math"

	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// Catalog is the slice of the price store the resolver consumes.
type Catalog interface {
	GetVariant(ctx context.Context, productID, variantID int64) (*models.ProductVariant, error)
	GetVariantsByProduct(ctx context.Context, productID int64) ([]models.ProductVariant, error)
	GetActiveOverride(ctx context.Context, productID, variantID int64, currency string) (*models.PriceOverride, error)
	GetDefaultWarrantyPolicy(ctx context.Context, productID, variantID int64) (*models.WarrantyPolicy, error)
}

// WarrantyQuote is the resolved cost of a warranty selection. Estimated marks
// costs produced by the variant-scaling fallback, which is a heuristic and
// not an authoritative price.
type WarrantyQuote struct {
	PolicyID   int64
	TermMonths int
	Cost       int64
	Estimated  bool
}

// Resolver returns authoritative unit prices and warranty surcharges.
//
// A broken price must never block checkout: missing or invalid numbers
// resolve to zero and are logged as anomalies instead of erroring.
type Resolver struct {
	catalog Catalog
	logger  *zap.Logger
}

// NewResolver creates a new pricing resolver
func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{
		catalog: catalog,
		logger:  util.GetLogger(),
	}
}

// Resolve returns the authoritative unit price for a variant. An active
// override for (product, variant, currency) wins over the catalog price.
func (r *Resolver) Resolve(ctx context.Context, productID, variantID int64, currency string) (int64, error) {
	override, err := r.catalog.GetActiveOverride(ctx, productID, variantID, currency)
	if err != nil {
		return 0, fmt.Errorf("failed to look up price override: %w", err)
	}
	if override != nil {
		if override.Price < 0 {
			r.anomaly("negative_override", productID, variantID)
			return 0, nil
		}
		return override.Price, nil
	}

	variant, err := r.catalog.GetVariant(ctx, productID, variantID)
	if err != nil {
		return 0, fmt.Errorf("failed to look up variant: %w", err)
	}

	if variant.Price < 0 {
		r.anomaly("negative_catalog_price", productID, variantID)
		return 0, nil
	}

	return variant.Price, nil
}

// QuoteWarranty resolves the additional cost of the default warranty policy
// for a variant. A fixed price > 0 is used verbatim; otherwise the policy
// multiplier is applied to the unit price and rounded. Returns nil when the
// product carries no policy for the variant and no fallback applies.
func (r *Resolver) QuoteWarranty(ctx context.Context, productID, variantID int64, termMonths int, unitPrice int64) (*WarrantyQuote, error) {
	policy, err := r.catalog.GetDefaultWarrantyPolicy(ctx, productID, variantID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up warranty policy: %w", err)
	}

	if policy == nil {
		return r.scaledFallback(ctx, productID, variantID, termMonths)
	}

	return &WarrantyQuote{
		PolicyID:   policy.ID,
		TermMonths: policy.TermMonths,
		Cost:       r.policyCost(policy, unitPrice),
	}, nil
}

func (r *Resolver) policyCost(policy *models.WarrantyPolicy, unitPrice int64) int64 {
	if policy.FixedPrice > 0 {
		return policy.FixedPrice
	}

	m := policy.Multiplier
	if math.IsNaN(m) || math.IsInf(m, 0) || m < 0 {
		r.anomaly("invalid_multiplier", policy.ProductID, policy.VariantID)
		return 0
	}
	if m == 0 {
		// No fixed price and no multiplier: the warranty is informational
		// only and costs nothing.
		return 0
	}

	return int64(math.Round(float64(unitPrice) * m))
}

// scaledFallback derives a warranty cost for a variant without its own
// policy by scaling the base variant's fixed price linearly with the
// denomination ratio. The result is marked Estimated.
func (r *Resolver) scaledFallback(ctx context.Context, productID, variantID int64, termMonths int) (*WarrantyQuote, error) {
	variants, err := r.catalog.GetVariantsByProduct(ctx, productID)
	if err != nil || len(variants) == 0 {
		return nil, nil
	}

	base := variants[0]
	if base.ID == variantID || base.Denomination <= 0 {
		return nil, nil
	}

	var target *models.ProductVariant
	for i := range variants {
		if variants[i].ID == variantID {
			target = &variants[i]
			break
		}
	}
	if target == nil {
		return nil, nil
	}

	policy, err := r.catalog.GetDefaultWarrantyPolicy(ctx, productID, base.ID)
	if err != nil || policy == nil || policy.FixedPrice <= 0 {
		return nil, nil
	}

	ratio := float64(target.Denomination) / float64(base.Denomination)
	cost := int64(math.Round(float64(policy.FixedPrice) * ratio))

	r.logger.Info("Warranty cost estimated from base variant",
		zap.Int64("product_id", productID),
		zap.Int64("variant_id", variantID),
		zap.Int64("base_variant_id", base.ID),
		zap.Int64("cost", cost))

	return &WarrantyQuote{
		PolicyID:   policy.ID,
		TermMonths: policy.TermMonths,
		Cost:       cost,
		Estimated:  true,
	}, nil
}

func (r *Resolver) anomaly(reason string, productID, variantID int64) {
	util.PricingAnomaliesTotal.WithLabelValues(reason).Inc()
	r.logger.Warn("Pricing anomaly resolved to zero",
		zap.String("reason", reason),
		zap.Int64("product_id", productID),
		zap.Int64("variant_id", variantID))
}
