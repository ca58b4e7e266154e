package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elegance-store/backend/internal/models"
)

// MemoryStore implements Store on in-process maps guarded by a mutex.
// It backs tests and credential-less local runs; the conditional-update
// semantics match the relational implementation exactly.
type MemoryStore struct {
	mu sync.RWMutex

	payments  map[string]*models.PaymentRequest // keyed by reference
	callbacks []*models.PaymentCallback
	orders    map[uint]*models.Order
	users     map[uint]*models.User
	products  map[uint]*models.Product
	wishlist  map[uint]map[uint]bool // userID -> productID set

	nextPaymentID  uint
	nextCallbackID uint
	nextOrderID    uint
	nextUserID     uint
	nextItemID     uint
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*models.PaymentRequest),
		orders:   make(map[uint]*models.Order),
		users:    make(map[uint]*models.User),
		products: make(map[uint]*models.Product),
		wishlist: make(map[uint]map[uint]bool),
	}
}

func (s *MemoryStore) CreatePaymentRequest(_ context.Context, pr *models.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[pr.Reference]; exists {
		return ErrDuplicate
	}
	s.nextPaymentID++
	pr.ID = s.nextPaymentID
	pr.Status = models.PaymentInitiating
	now := time.Now()
	pr.CreatedAt = now
	pr.UpdatedAt = now

	cp := *pr
	s.payments[pr.Reference] = &cp
	return nil
}

func (s *MemoryStore) MarkSent(_ context.Context, reference, checkoutID, requestPayload, responsePayload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.payments[reference]
	if !ok || pr.Status != models.PaymentInitiating {
		return ErrNotFound
	}
	pr.Status = models.PaymentSent
	pr.CheckoutRequestID = checkoutID
	pr.RequestPayload = requestPayload
	pr.ResponsePayload = responsePayload
	pr.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, reference, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.payments[reference]
	if !ok || pr.Status.Terminal() {
		return ErrNotFound
	}
	pr.Status = models.PaymentFailed
	pr.ResultDesc = reason
	pr.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) TransitionTerminal(_ context.Context, checkoutID string, to models.PaymentStatus, resultDesc, receipt string) (bool, error) {
	if !to.Terminal() {
		return false, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pr := range s.payments {
		if pr.CheckoutRequestID != checkoutID {
			continue
		}
		if pr.Status != models.PaymentSent {
			return false, nil
		}
		pr.Status = to
		pr.ResultDesc = resultDesc
		pr.Receipt = receipt
		pr.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ExpireStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, pr := range s.payments {
		if pr.Status == models.PaymentSent && pr.UpdatedAt.Before(cutoff) {
			pr.Status = models.PaymentExpired
			pr.ResultDesc = "no callback received within expiry window"
			pr.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindPaymentByCheckoutID(_ context.Context, checkoutID string) (*models.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pr := range s.payments {
		if pr.CheckoutRequestID == checkoutID {
			cp := *pr
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindPaymentByReference(_ context.Context, reference string) (*models.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pr, ok := s.payments[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (s *MemoryStore) AppendCallback(_ context.Context, cb *models.PaymentCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCallbackID++
	cb.ID = s.nextCallbackID
	if cb.ReceivedAt.IsZero() {
		cb.ReceivedAt = time.Now()
	}
	cp := *cb
	s.callbacks = append(s.callbacks, &cp)
	return nil
}

func (s *MemoryStore) MarkCallbackMatched(_ context.Context, id uint, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cb := range s.callbacks {
		if cb.ID == id {
			cb.Matched = true
			cb.MatchedReference = reference
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) UnmatchedCallbacksSince(_ context.Context, since time.Time) ([]models.PaymentCallback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PaymentCallback
	for _, cb := range s.callbacks {
		if !cb.Matched && !cb.ParseFailed && !cb.ReceivedAt.Before(since) {
			out = append(out, *cb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *MemoryStore) ListCallbacksByCheckoutID(_ context.Context, checkoutID string) ([]models.PaymentCallback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PaymentCallback
	for _, cb := range s.callbacks {
		if cb.CheckoutRequestID == checkoutID {
			out = append(out, *cb)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOrderID++
	o.ID = s.nextOrderID
	o.Status = models.OrderStatusPending
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	for i := range o.Items {
		s.nextItemID++
		o.Items[i].ID = s.nextItemID
		o.Items[i].OrderID = o.ID
	}

	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id uint) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	cp.Items = append([]models.OrderItem(nil), o.Items...)
	return &cp, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID uint) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			cp := *o
			cp.Items = append([]models.OrderItem(nil), o.Items...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkOrderPaid(_ context.Context, id uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	o.Status = models.OrderStatusPaid
	o.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) MarkOrderCancelled(_ context.Context, id uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	s.nextUserID++
	u.ID = s.nextUserID
	u.CreatedAt = time.Now()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// AddProduct seeds a catalog entry. Memory runs have no importer, so the
// wiring layer and tests insert products directly.
func (s *MemoryStore) AddProduct(p *models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		var max uint
		for id := range s.products {
			if id > max {
				max = id
			}
		}
		p.ID = max + 1
	}
	cp := *p
	s.products[p.ID] = &cp
}

func (s *MemoryStore) ListProducts(_ context.Context, f ProductFilter) ([]models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Product
	for _, p := range s.products {
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.Gender != "" && p.Gender != f.Gender && p.Gender != "unisex" {
			continue
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(p.Name), needle) &&
				!strings.Contains(strings.ToLower(p.Description), needle) {
				continue
			}
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id uint) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListWishlist(_ context.Context, userID uint) ([]models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Product
	for productID := range s.wishlist[userID] {
		if p, ok := s.products[productID]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AddToWishlist(_ context.Context, userID, productID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.wishlist[userID]
	if !ok {
		set = make(map[uint]bool)
		s.wishlist[userID] = set
	}
	if set[productID] {
		return false, nil
	}
	set[productID] = true
	return true, nil
}

func (s *MemoryStore) RemoveFromWishlist(_ context.Context, userID, productID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.wishlist[userID], productID)
	return nil
}
