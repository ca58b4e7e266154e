package store

import (
	"context"
	"errors"
	"time"

	"github.com/elegance-store/backend/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no record
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a uniqueness rule
	ErrDuplicate = errors.New("record already exists")
)

// PaymentStore is the durable record of outbound payment attempts.
type PaymentStore interface {
	// CreatePaymentRequest inserts the request in INITIATING. It must be
	// called before any network activity for the attempt.
	CreatePaymentRequest(ctx context.Context, pr *models.PaymentRequest) error

	// MarkSent records the gateway acknowledgment. Only valid from
	// INITIATING.
	MarkSent(ctx context.Context, reference, checkoutID, requestPayload, responsePayload string) error

	// MarkFailed moves the request to FAILED from INITIATING or SENT.
	// Terminal states are never overwritten.
	MarkFailed(ctx context.Context, reference, reason string) error

	// TransitionTerminal applies a terminal state by gateway correlation
	// id, but only if the request is still SENT. It reports whether a row
	// actually changed; concurrent or duplicate callers see false. This
	// is the single serialization point for reconciliation.
	TransitionTerminal(ctx context.Context, checkoutID string, to models.PaymentStatus, resultDesc, receipt string) (bool, error)

	// ExpireStale moves every request still SENT and untouched since
	// cutoff to EXPIRED, returning how many rows changed.
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)

	FindPaymentByCheckoutID(ctx context.Context, checkoutID string) (*models.PaymentRequest, error)
	FindPaymentByReference(ctx context.Context, reference string) (*models.PaymentRequest, error)
}

// CallbackStore is the append-only audit log of gateway deliveries.
type CallbackStore interface {
	AppendCallback(ctx context.Context, cb *models.PaymentCallback) error
	MarkCallbackMatched(ctx context.Context, id uint, reference string) error
	// UnmatchedCallbacksSince returns parseable callbacks that have not
	// been matched yet and were received at or after since.
	UnmatchedCallbacksSince(ctx context.Context, since time.Time) ([]models.PaymentCallback, error)
	ListCallbacksByCheckoutID(ctx context.Context, checkoutID string) ([]models.PaymentCallback, error)
}

// OrderStore holds orders; status mutations beyond creation go through
// the conditional updates only.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id uint) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID uint) ([]models.Order, error)
	// MarkOrderPaid transitions PENDING -> PAID, reporting whether the
	// row changed.
	MarkOrderPaid(ctx context.Context, id uint) (bool, error)
	// MarkOrderCancelled transitions PENDING -> CANCELLED, reporting
	// whether the row changed.
	MarkOrderCancelled(ctx context.Context, id uint) (bool, error)
}

// UserStore manages shopper accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// ProductFilter narrows catalog listings.
type ProductFilter struct {
	Category string
	Gender   string
	Search   string
}

// ProductStore reads the catalog.
type ProductStore interface {
	ListProducts(ctx context.Context, f ProductFilter) ([]models.Product, error)
	GetProduct(ctx context.Context, id uint) (*models.Product, error)
}

// WishlistStore manages saved products.
type WishlistStore interface {
	ListWishlist(ctx context.Context, userID uint) ([]models.Product, error)
	// AddToWishlist reports false when the product was already saved.
	AddToWishlist(ctx context.Context, userID, productID uint) (bool, error)
	RemoveFromWishlist(ctx context.Context, userID, productID uint) error
}

// Store is the full persistence surface of the service.
type Store interface {
	PaymentStore
	CallbackStore
	OrderStore
	UserStore
	ProductStore
	WishlistStore
}
