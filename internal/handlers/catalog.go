package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/elegance-store/backend/internal/store"
)

// CatalogHandler serves product listings.
type CatalogHandler struct {
	products store.ProductStore
}

func NewCatalogHandler(products store.ProductStore) *CatalogHandler {
	return &CatalogHandler{products: products}
}

// ListProducts handles GET /api/products with optional category, gender
// and search filters.
func (h *CatalogHandler) ListProducts(c *gin.Context) {
	filter := store.ProductFilter{
		Category: c.Query("category"),
		Gender:   c.Query("gender"),
		Search:   c.Query("search"),
	}

	products, err := h.products.ListProducts(c.Request.Context(), filter)
	if err != nil {
		log.WithError(err).Error("Product listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Product listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

// GetProduct handles GET /api/products/:id
func (h *CatalogHandler) GetProduct(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product id"})
		return
	}

	product, err := h.products.GetProduct(c.Request.Context(), uint(id))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		return
	}
	if err != nil {
		log.WithError(err).Error("Product lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Product lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}
