package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/elegance-store/backend/internal/models"
)

// GormStore implements Store on a relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	err := db.AutoMigrate(
		&models.User{},
		&models.Product{},
		&models.Order{},
		&models.OrderItem{},
		&models.WishlistItem{},
		&models.PaymentRequest{},
		&models.PaymentCallback{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreatePaymentRequest(ctx context.Context, pr *models.PaymentRequest) error {
	pr.Status = models.PaymentInitiating
	if err := s.db.WithContext(ctx).Create(pr).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *GormStore) MarkSent(ctx context.Context, reference, checkoutID, requestPayload, responsePayload string) error {
	res := s.db.WithContext(ctx).
		Model(&models.PaymentRequest{}).
		Where("reference = ? AND status = ?", reference, models.PaymentInitiating).
		Updates(map[string]interface{}{
			"status":              models.PaymentSent,
			"checkout_request_id": checkoutID,
			"request_payload":     requestPayload,
			"response_payload":    responsePayload,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) MarkFailed(ctx context.Context, reference, reason string) error {
	res := s.db.WithContext(ctx).
		Model(&models.PaymentRequest{}).
		Where("reference = ? AND status IN ?", reference,
			[]models.PaymentStatus{models.PaymentInitiating, models.PaymentSent}).
		Updates(map[string]interface{}{
			"status":      models.PaymentFailed,
			"result_desc": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionTerminal is a single conditional UPDATE keyed on the current
// state, never a read-then-write pair; only one of N concurrent callers
// (or a racing expiry sweep) can win it.
func (s *GormStore) TransitionTerminal(ctx context.Context, checkoutID string, to models.PaymentStatus, resultDesc, receipt string) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("transition to non-terminal state %s", to)
	}
	res := s.db.WithContext(ctx).
		Model(&models.PaymentRequest{}).
		Where("checkout_request_id = ? AND status = ?", checkoutID, models.PaymentSent).
		Updates(map[string]interface{}{
			"status":      to,
			"result_desc": resultDesc,
			"receipt":     receipt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.PaymentRequest{}).
		Where("status = ? AND updated_at < ?", models.PaymentSent, cutoff).
		Updates(map[string]interface{}{
			"status":      models.PaymentExpired,
			"result_desc": "no callback received within expiry window",
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) FindPaymentByCheckoutID(ctx context.Context, checkoutID string) (*models.PaymentRequest, error) {
	var pr models.PaymentRequest
	err := s.db.WithContext(ctx).
		Where("checkout_request_id = ?", checkoutID).First(&pr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pr, nil
}

func (s *GormStore) FindPaymentByReference(ctx context.Context, reference string) (*models.PaymentRequest, error) {
	var pr models.PaymentRequest
	err := s.db.WithContext(ctx).Where("reference = ?", reference).First(&pr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pr, nil
}

func (s *GormStore) AppendCallback(ctx context.Context, cb *models.PaymentCallback) error {
	if cb.ReceivedAt.IsZero() {
		cb.ReceivedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(cb).Error
}

func (s *GormStore) MarkCallbackMatched(ctx context.Context, id uint, reference string) error {
	return s.db.WithContext(ctx).
		Model(&models.PaymentCallback{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"matched":           true,
			"matched_reference": reference,
		}).Error
}

func (s *GormStore) UnmatchedCallbacksSince(ctx context.Context, since time.Time) ([]models.PaymentCallback, error) {
	var cbs []models.PaymentCallback
	err := s.db.WithContext(ctx).
		Where("matched = ? AND parse_failed = ? AND received_at >= ?", false, false, since).
		Order("received_at").
		Find(&cbs).Error
	return cbs, err
}

func (s *GormStore) ListCallbacksByCheckoutID(ctx context.Context, checkoutID string) ([]models.PaymentCallback, error) {
	var cbs []models.PaymentCallback
	err := s.db.WithContext(ctx).
		Where("checkout_request_id = ?", checkoutID).
		Order("received_at").
		Find(&cbs).Error
	return cbs, err
}

func (s *GormStore) CreateOrder(ctx context.Context, o *models.Order) error {
	o.Status = models.OrderStatusPending
	return s.db.WithContext(ctx).Create(o).Error
}

func (s *GormStore) GetOrder(ctx context.Context, id uint) (*models.Order, error) {
	var o models.Order
	err := s.db.WithContext(ctx).Preload("Items").First(&o, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *GormStore) ListOrdersByUser(ctx context.Context, userID uint) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&orders).Error
	return orders, err
}

func (s *GormStore) MarkOrderPaid(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, models.OrderStatusPending).
		Update("status", models.OrderStatusPaid)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) MarkOrderCancelled(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, models.OrderStatusPending).
		Update("status", models.OrderStatusCancelled)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) CreateUser(ctx context.Context, u *models.User) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ?", u.Email).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicate
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *GormStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *GormStore) ListProducts(ctx context.Context, f ProductFilter) ([]models.Product, error) {
	q := s.db.WithContext(ctx).Model(&models.Product{})
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Gender != "" {
		q = q.Where("(gender = ? OR gender = ?)", f.Gender, "unisex")
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where("(name LIKE ? OR description LIKE ?)", like, like)
	}
	var products []models.Product
	err := q.Find(&products).Error
	return products, err
}

func (s *GormStore) GetProduct(ctx context.Context, id uint) (*models.Product, error) {
	var p models.Product
	err := s.db.WithContext(ctx).First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) ListWishlist(ctx context.Context, userID uint) ([]models.Product, error) {
	var products []models.Product
	err := s.db.WithContext(ctx).
		Joins("JOIN wishlist ON wishlist.product_id = products.id").
		Where("wishlist.user_id = ?", userID).
		Find(&products).Error
	return products, err
}

func (s *GormStore) AddToWishlist(ctx context.Context, userID, productID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.WishlistItem{}).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	item := models.WishlistItem{UserID: userID, ProductID: productID}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		// Lost the race against a concurrent add; treat as already present.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *GormStore) RemoveFromWishlist(ctx context.Context, userID, productID uint) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Delete(&models.WishlistItem{}).Error
}
