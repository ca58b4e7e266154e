package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/elegance-store/backend/internal/store"
)

// WishlistHandler covers saved products.
type WishlistHandler struct {
	wishlist store.WishlistStore
}

func NewWishlistHandler(wishlist store.WishlistStore) *WishlistHandler {
	return &WishlistHandler{wishlist: wishlist}
}

type wishlistItemRequest struct {
	ProductID uint `json:"product_id" binding:"required"`
}

// List handles GET /api/wishlist/:userId
func (h *WishlistHandler) List(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	products, err := h.wishlist.ListWishlist(c.Request.Context(), userID)
	if err != nil {
		log.WithError(err).Error("Wishlist listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Wishlist listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wishlist": products})
}

// Add handles POST /api/wishlist/:userId
func (h *WishlistHandler) Add(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req wishlistItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	added, err := h.wishlist.AddToWishlist(c.Request.Context(), userID, req.ProductID)
	if err != nil {
		log.WithError(err).Error("Wishlist add failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Wishlist add failed"})
		return
	}
	if !added {
		c.JSON(http.StatusOK, gin.H{"message": "Product already in wishlist"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Product added to wishlist"})
}

// Remove handles DELETE /api/wishlist/:userId
func (h *WishlistHandler) Remove(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req wishlistItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if err := h.wishlist.RemoveFromWishlist(c.Request.Context(), userID, req.ProductID); err != nil {
		log.WithError(err).Error("Wishlist remove failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Wishlist remove failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Product removed from wishlist"})
}

func (h *WishlistHandler) userID(c *gin.Context) (uint, bool) {
	userID, err := strconv.ParseUint(c.Param("userId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return 0, false
	}
	return uint(userID), true
}
