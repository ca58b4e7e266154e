package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/elegance-store/backend/internal/metrics"
	"github.com/elegance-store/backend/internal/models"
	"github.com/elegance-store/backend/internal/store"
)

// OrderHandler covers order creation and listing. Order status past
// PENDING is owned by the reconciliation engine, never by handlers.
type OrderHandler struct {
	orders store.OrderStore
}

func NewOrderHandler(orders store.OrderStore) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// CreateOrder handles POST /api/orders. The total is computed server
// side from the submitted line items.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Order must contain at least one item"})
		return
	}

	total := decimal.Zero
	items := make([]models.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		if !item.Price.IsPositive() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Item price must be greater than 0"})
			return
		}
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		items = append(items, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}

	order := &models.Order{
		UserID:          req.UserID,
		Total:           total,
		ShippingAddress: string(req.ShippingAddress),
		Items:           items,
	}
	if err := h.orders.CreateOrder(c.Request.Context(), order); err != nil {
		log.WithError(err).Error("Order creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Order creation failed"})
		return
	}

	metrics.OrdersTotal.WithLabelValues("created").Inc()
	log.WithFields(log.Fields{
		"order_id": order.ID,
		"items":    len(items),
		"total":    total.String(),
	}).Info("Order created")

	c.JSON(http.StatusCreated, models.CreateOrderResponse{
		Message: "Order created successfully",
		OrderID: order.ID,
		Total:   total,
	})
}

// GetOrder handles GET /api/orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order id"})
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		log.WithError(err).Error("Order lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Order lookup failed"})
		return
	}
	c.JSON(http.StatusOK, order)
}

// ListUserOrders handles GET /api/orders/user/:userId
func (h *OrderHandler) ListUserOrders(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("userId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	orders, err := h.orders.ListOrdersByUser(c.Request.Context(), uint(userID))
	if err != nil {
		log.WithError(err).Error("Order listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Order listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}
