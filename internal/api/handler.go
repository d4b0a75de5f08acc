package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"storefront/internal/cart"
	"storefront/internal/checkout"
	"storefront/internal/models"
	"storefront/internal/pricing"
	"storefront/internal/reconcile"
	"storefront/internal/redisclient"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Publisher emits domain events from checkout.
type Publisher interface {
	checkout.Publisher
}

// Handler contains HTTP handlers
type Handler struct {
	store      *store.Store
	redis      *redisclient.Client
	resolver   *pricing.Resolver
	bridge     checkout.SessionBridge
	reconciler *reconcile.Handler
	publisher  Publisher

	currency           string
	accessorySurcharge int64
}

// NewHandler creates a new HTTP handler
func NewHandler(
	st *store.Store,
	redis *redisclient.Client,
	resolver *pricing.Resolver,
	bridge checkout.SessionBridge,
	reconciler *reconcile.Handler,
	publisher Publisher,
	currency string,
	accessorySurcharge int64,
) *Handler {
	return &Handler{
		store:              st,
		redis:              redis,
		resolver:           resolver,
		bridge:             bridge,
		reconciler:         reconciler,
		publisher:          publisher,
		currency:           currency,
		accessorySurcharge: accessorySurcharge,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/cart", h.getCart)
		v1.DELETE("/cart", h.clearCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PATCH("/cart/items/:productID", h.updateCartItem)
		v1.DELETE("/cart/items/:productID", h.removeCartItem)

		v1.POST("/checkout", h.submitCheckout)

		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/confirmation/:token", h.getConfirmation)

		v1.POST("/webhooks/payment", h.paymentWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// userID reads the authenticated user from the X-User-ID header. Absent or
// malformed means guest.
func userID(c *gin.Context) *int64 {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}

// cartKey picks the durable cart key for this request: the user's own key
// when authenticated, the client-supplied X-Cart-ID otherwise, or a fresh
// guest key the client is expected to echo back.
func cartKey(c *gin.Context) string {
	if uid := userID(c); uid != nil {
		return cart.KeyForUser(*uid)
	}
	if id := c.GetHeader("X-Cart-ID"); id != "" {
		return id
	}
	return "guest:" + uuid.New().String()
}

// loadCart builds and hydrates the per-request cart store.
func (h *Handler) loadCart(c *gin.Context) (*cart.Store, bool) {
	cs := cart.NewStore(cartKey(c), h.redis, h.accessorySurcharge)
	if err := cs.Hydrate(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load cart",
			"details": err.Error(),
		})
		return nil, false
	}
	return cs, true
}

func cartResponse(cs *cart.Store) gin.H {
	return gin.H{
		"cart_id": cs.CartID(),
		"items":   cs.Items(),
		"totals":  cs.Totals(),
	}
}

// getCart returns the current cart contents and recomputed totals
func (h *Handler) getCart(c *gin.Context) {
	cs, ok := h.loadCart(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, cartResponse(cs))
}

type addItemRequest struct {
	ProductID int64  `json:"product_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
	VariantID int64  `json:"variant_id" binding:"required"`
	Warranty  bool   `json:"warranty"`
	Accessory bool   `json:"accessory"`
}

// addCartItem resolves the authoritative price for the requested variant and
// adds it to the cart. The variant is copied into the line with the resolved
// price frozen in.
func (h *Handler) addCartItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()

	variant, err := h.store.GetVariant(ctx, req.ProductID, req.VariantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Variant not found",
			"details": err.Error(),
		})
		return
	}

	price, err := h.resolver.Resolve(ctx, req.ProductID, req.VariantID, h.currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to resolve price",
			"details": err.Error(),
		})
		return
	}

	line := *variant
	line.Price = price

	var selection *models.WarrantySelection
	if req.Warranty {
		quote, err := h.resolver.QuoteWarranty(ctx, req.ProductID, req.VariantID, 0, price)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to quote warranty",
				"details": err.Error(),
			})
			return
		}
		if quote != nil {
			selection = &models.WarrantySelection{
				PolicyID:       quote.PolicyID,
				TermMonths:     quote.TermMonths,
				AdditionalCost: quote.Cost,
				Estimated:      quote.Estimated,
			}
		}
	}

	cs, ok := h.loadCart(c)
	if !ok {
		return
	}

	if err := cs.Add(ctx, req.ProductID, req.Name, line, selection); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to add item",
			"details": err.Error(),
		})
		return
	}

	if req.Accessory {
		if err := cs.SetAccessory(ctx, req.ProductID, true); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to set accessory",
				"details": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusCreated, cartResponse(cs))
}

type updateItemRequest struct {
	Quantity  *int  `json:"quantity"`
	Accessory *bool `json:"accessory"`
	Warranty  *bool `json:"warranty"`
}

// updateCartItem applies a partial update to one cart line. Quantity zero
// removes the line; warranty false removes the selection.
func (h *Handler) updateCartItem(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	var req updateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()

	cs, ok := h.loadCart(c)
	if !ok {
		return
	}

	if req.Quantity != nil {
		if err := cs.SetQuantity(ctx, productID, *req.Quantity); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Failed to set quantity",
				"details": err.Error(),
			})
			return
		}
	}

	if req.Warranty != nil {
		var selection *models.WarrantySelection
		if *req.Warranty {
			line, found := findLine(cs.Items(), productID)
			if !found {
				c.JSON(http.StatusNotFound, gin.H{"error": "Cart line not found"})
				return
			}
			quote, err := h.resolver.QuoteWarranty(ctx, productID, line.Variant.ID, 0, line.Variant.Price)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "Failed to quote warranty",
					"details": err.Error(),
				})
				return
			}
			if quote != nil {
				selection = &models.WarrantySelection{
					PolicyID:       quote.PolicyID,
					TermMonths:     quote.TermMonths,
					AdditionalCost: quote.Cost,
					Estimated:      quote.Estimated,
				}
			}
		}
		if err := cs.SetWarranty(ctx, productID, selection); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Failed to set warranty",
				"details": err.Error(),
			})
			return
		}
	}

	if req.Accessory != nil {
		if err := cs.SetAccessory(ctx, productID, *req.Accessory); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Failed to set accessory",
				"details": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, cartResponse(cs))
}

// removeCartItem deletes one cart line
func (h *Handler) removeCartItem(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("productID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	cs, ok := h.loadCart(c)
	if !ok {
		return
	}

	if err := cs.Remove(c.Request.Context(), productID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to remove item",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, cartResponse(cs))
}

// clearCart empties the cart
func (h *Handler) clearCart(c *gin.Context) {
	cs, ok := h.loadCart(c)
	if !ok {
		return
	}

	if err := cs.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to clear cart",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, cartResponse(cs))
}

type checkoutRequest struct {
	Customer       checkout.CustomerInfo `json:"customer" binding:"required"`
	DeliveryMethod string                `json:"delivery_method" binding:"required"`
	PaymentMethod  string                `json:"payment_method" binding:"required"`
}

// submitCheckout runs a full checkout attempt over the caller's cart: form
// validation, delivery selection, then submission. Cash orders come back with
// a confirmation token, card orders with a redirect URL.
func (h *Handler) submitCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cs, ok := h.loadCart(c)
	if !ok {
		return
	}

	orch := checkout.NewOrchestrator(
		cs, h.store, h.bridge, h.redis, h.redis, h.publisher,
		userID(c), h.currency, h.accessorySurcharge,
	)

	if err := orch.SubmitInfo(req.Customer); err != nil {
		respondCheckoutError(c, err)
		return
	}
	if err := orch.ChooseDelivery(req.DeliveryMethod, req.PaymentMethod); err != nil {
		respondCheckoutError(c, err)
		return
	}

	result, err := orch.Submit(c.Request.Context())
	if err != nil {
		respondCheckoutError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func respondCheckoutError(c *gin.Context, err error) {
	var vErr *checkout.ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Validation failed",
			"field": vErr.Field,
			"details": vErr.Reason,
		})
	case errors.Is(err, checkout.ErrSubmissionInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "Checkout already in progress"})
	case errors.Is(err, checkout.ErrEmptyCart):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Cart is empty"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Checkout failed",
			"details": err.Error(),
		})
	}
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	ctx := c.Request.Context()

	order, err := h.store.GetOrderByID(ctx, orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	items, err := h.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load order items",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// getConfirmation serves the cash-path confirmation snapshot. Read-once: the
// snapshot is consumed on first fetch and a reload falls back to the order
// endpoint.
func (h *Handler) getConfirmation(c *gin.Context) {
	token := c.Param("token")

	payload, err := h.redis.TakeOrderSnapshot(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load confirmation",
			"details": err.Error(),
		})
		return
	}
	if payload == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Confirmation expired or already viewed"})
		return
	}

	c.Data(http.StatusOK, "application/json", payload)
}

// paymentWebhook is the processor notification entry point. The raw body is
// handed to the reconciler untouched so signature verification sees the exact
// bytes sent.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	sig := c.GetHeader("Stripe-Signature")
	if err := h.reconciler.Handle(c.Request.Context(), payload, sig); err != nil {
		if errors.Is(err, reconcile.ErrBadSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process event",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func findLine(items []models.CartItem, productID int64) (models.CartItem, bool) {
	for _, item := range items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return models.CartItem{}, false
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
