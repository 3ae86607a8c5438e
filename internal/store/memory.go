package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"course-checkout/internal/models"
)

// MemoryStore is an in-process store with the same conditional-write
// semantics as Store. It backs DATABASE_URL=memory:// and tests.
type MemoryStore struct {
	mu          sync.Mutex
	seq         int64
	courses     map[int64]models.Course
	orders      map[string]*models.Order
	sessions    map[string]string
	payments    map[string]*models.Payment
	enrollments map[[2]int64]*models.Enrollment
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:     make(map[int64]models.Course),
		orders:      make(map[string]*models.Order),
		sessions:    make(map[string]string),
		payments:    make(map[string]*models.Payment),
		enrollments: make(map[[2]int64]*models.Enrollment),
		now:         time.Now,
	}
}

// AddCourse inserts or replaces a catalog entry
func (m *MemoryStore) AddCourse(course models.Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[course.ID] = course
}

// Touch rewrites an order's updated_at, used to age orders in tests
func (m *MemoryStore) Touch(orderID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.UpdatedAt = at
	}
}

func (m *MemoryStore) Close() error                   { return nil }
func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (m *MemoryStore) Migrate(context.Context) error  { return nil }

func (m *MemoryStore) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *MemoryStore) GetCourse(_ context.Context, id int64) (*models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) CreatePendingOrder(_ context.Context, order *models.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingLocked(order.UserID, order.CourseID) != nil {
		return false, nil
	}
	if _, dup := m.orders[order.OrderID]; dup {
		return false, fmt.Errorf("failed to insert pending order: duplicate order_id %s", order.OrderID)
	}

	now := m.now()
	stored := *order
	stored.ID = m.nextID()
	stored.Status = models.OrderStatusPending
	stored.SessionRef = ""
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.CompletedAt = nil
	m.orders[stored.OrderID] = &stored
	*order = stored
	return true, nil
}

func (m *MemoryStore) pendingLocked(userID, courseID int64) *models.Order {
	for _, o := range m.orders {
		if o.UserID == userID && o.CourseID == courseID && o.Status == models.OrderStatusPending {
			return o
		}
	}
	return nil
}

func (m *MemoryStore) GetPendingOrder(_ context.Context, userID, courseID int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyOrder(m.pendingLocked(userID, courseID)), nil
}

func (m *MemoryStore) GetOrderByOrderID(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyOrder(m.orders[orderID]), nil
}

func (m *MemoryStore) GetOrderBySessionRef(_ context.Context, sessionRef string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orderID, ok := m.sessions[sessionRef]
	if !ok {
		return nil, nil
	}
	return copyOrder(m.orders[orderID]), nil
}

func (m *MemoryStore) AttachSession(_ context.Context, orderID, sessionRef string) (*models.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, false, nil
	}
	if o.Status != models.OrderStatusPending {
		return copyOrder(o), false, nil
	}
	o.SessionRef = sessionRef
	o.UpdatedAt = m.now()
	if _, linked := m.sessions[sessionRef]; !linked {
		m.sessions[sessionRef] = orderID
	}
	return copyOrder(o), true, nil
}

func (m *MemoryStore) TransitionOrder(_ context.Context, orderID string, from, to models.OrderStatus, sessionRef string) (*models.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, false, nil
	}
	if o.Status != from {
		return copyOrder(o), false, nil
	}
	now := m.now()
	o.Status = to
	o.UpdatedAt = now
	if to == models.OrderStatusCompleted {
		o.CompletedAt = &now
	}
	if sessionRef != "" {
		o.SessionRef = sessionRef
	}
	return copyOrder(o), true, nil
}

func (m *MemoryStore) HasCompletedOrder(_ context.Context, userID, courseID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.UserID == userID && o.CourseID == courseID && o.Status == models.OrderStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) GetOrdersByUserID(_ context.Context, userID int64, limit, offset int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := []models.Order{}
	for _, o := range m.orders {
		if o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return page(orders, limit, offset), nil
}

func (m *MemoryStore) FindStalePendingOrders(_ context.Context, before time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := []models.Order{}
	for _, o := range m.orders {
		if o.Status == models.OrderStatusPending && o.SessionRef != "" && o.UpdatedAt.Before(before) {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if c := compareChecked(&orders[i], &orders[j]); c != 0 {
			return c < 0
		}
		return orders[i].UpdatedAt.Before(orders[j].UpdatedAt)
	})
	return page(orders, limit, 0), nil
}

func (m *MemoryStore) MarkOrderChecked(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		now := m.now()
		o.CheckedAt = &now
	}
	return nil
}

func (m *MemoryStore) FindUnsettledCompletedOrders(_ context.Context, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := []models.Order{}
	for _, o := range m.orders {
		if o.Status != models.OrderStatusCompleted || o.SessionRef == "" {
			continue
		}
		_, paid := m.payments[o.OrderID]
		_, enrolled := m.enrollments[[2]int64{o.UserID, o.CourseID}]
		if !paid || !enrolled {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if c := compareChecked(&orders[i], &orders[j]); c != 0 {
			return c < 0
		}
		return orders[i].ID < orders[j].ID
	})
	return page(orders, limit, 0), nil
}

func (m *MemoryStore) CreatePaymentIfAbsent(_ context.Context, payment *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.payments[payment.OrderID]; ok {
		*payment = *existing
		return false, nil
	}
	if _, ok := m.orders[payment.OrderID]; !ok {
		return false, fmt.Errorf("failed to insert payment: order %s does not exist", payment.OrderID)
	}
	stored := *payment
	stored.ID = m.nextID()
	stored.CreatedAt = m.now()
	m.payments[stored.OrderID] = &stored
	*payment = stored
	return true, nil
}

func (m *MemoryStore) GetPaymentByOrderID(_ context.Context, orderID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateEnrollmentIfAbsent(_ context.Context, enrollment *models.Enrollment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]int64{enrollment.UserID, enrollment.CourseID}
	if existing, ok := m.enrollments[key]; ok {
		*enrollment = *existing
		return false, nil
	}
	stored := models.Enrollment{
		ID:         m.nextID(),
		UserID:     enrollment.UserID,
		CourseID:   enrollment.CourseID,
		EnrolledAt: m.now(),
	}
	m.enrollments[key] = &stored
	*enrollment = stored
	return true, nil
}

func (m *MemoryStore) GetEnrollment(_ context.Context, userID, courseID int64) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[[2]int64{userID, courseID}]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func copyOrder(o *models.Order) *models.Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// compareChecked puts never-checked orders first, then the oldest check
func compareChecked(a, b *models.Order) int {
	switch {
	case a.CheckedAt == nil && b.CheckedAt == nil:
		return 0
	case a.CheckedAt == nil:
		return -1
	case b.CheckedAt == nil:
		return 1
	}
	return a.CheckedAt.Compare(*b.CheckedAt)
}

func page(orders []models.Order, limit, offset int) []models.Order {
	if offset < 0 || offset >= len(orders) {
		return []models.Order{}
	}
	orders = orders[offset:]
	if limit > 0 && limit < len(orders) {
		orders = orders[:limit]
	}
	return orders
}
