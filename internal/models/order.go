package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Order status constants. PENDING -> PAID only happens through a
// CONFIRMED payment matched to the order; PAID is terminal.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusPaid      = "PAID"
	OrderStatusCancelled = "CANCELLED"
)

// Order represents a customer order
type Order struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          uint            `gorm:"not null;index" json:"user_id"`
	Total           decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`
	Status          string          `gorm:"size:20;not null;index" json:"status"`
	ShippingAddress string          `gorm:"type:text" json:"shipping_address"`
	Items           []OrderItem     `gorm:"foreignKey:OrderID" json:"items"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderItem represents an item in an order
type OrderItem struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	OrderID   uint            `gorm:"not null;index" json:"order_id"`
	ProductID uint            `gorm:"not null" json:"product_id"`
	Quantity  int             `gorm:"not null" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

// CreateOrderItem is one line of a create-order request
type CreateOrderItem struct {
	ProductID uint            `json:"id" binding:"required"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	Price     decimal.Decimal `json:"price" binding:"required"`
}

// CreateOrderRequest represents the request to create a new order
type CreateOrderRequest struct {
	UserID          uint              `json:"user_id" binding:"required"`
	Items           []CreateOrderItem `json:"items" binding:"required,dive"`
	ShippingAddress json.RawMessage   `json:"shipping_address"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	Message string          `json:"message"`
	OrderID uint            `json:"order_id"`
	Total   decimal.Decimal `json:"total"`
}
