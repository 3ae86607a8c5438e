package service

import (
	"context"
	"time"

	"course-checkout/internal/models"
)

// OrderRepository is the persistence the ledger needs. Every mutating
// method is a single conditional statement so concurrent callers agree.
type OrderRepository interface {
	CreatePendingOrder(ctx context.Context, order *models.Order) (bool, error)
	GetPendingOrder(ctx context.Context, userID, courseID int64) (*models.Order, error)
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderBySessionRef(ctx context.Context, sessionRef string) (*models.Order, error)
	AttachSession(ctx context.Context, orderID, sessionRef string) (*models.Order, bool, error)
	TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus, sessionRef string) (*models.Order, bool, error)
	HasCompletedOrder(ctx context.Context, userID, courseID int64) (bool, error)
	GetOrdersByUserID(ctx context.Context, userID int64, limit, offset int) ([]models.Order, error)
	FindStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
	FindUnsettledCompletedOrders(ctx context.Context, limit int) ([]models.Order, error)
	MarkOrderChecked(ctx context.Context, orderID string) error
}

type PaymentRepository interface {
	CreatePaymentIfAbsent(ctx context.Context, payment *models.Payment) (bool, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
}

type EnrollmentRepository interface {
	CreateEnrollmentIfAbsent(ctx context.Context, enrollment *models.Enrollment) (bool, error)
	GetEnrollment(ctx context.Context, userID, courseID int64) (*models.Enrollment, error)
}

type CourseCatalog interface {
	GetCourse(ctx context.Context, id int64) (*models.Course, error)
}

// Repository is everything the service layer persists. Both the Postgres
// store and the in-memory store satisfy it.
type Repository interface {
	OrderRepository
	PaymentRepository
	EnrollmentRepository
	CourseCatalog
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// CachedSession is the last checkout session handed out for an order
type CachedSession struct {
	SessionRef string `json:"session_ref"`
	URL        string `json:"url"`
}

// SessionCache remembers checkout sessions so a re-visit reuses the live one
type SessionCache interface {
	GetSession(ctx context.Context, orderID string) (*CachedSession, error)
	SetSession(ctx context.Context, orderID string, session CachedSession, ttl time.Duration) error
}

// EventPublisher announces completed orders and new enrollments
type EventPublisher interface {
	PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error
	PublishEnrollmentGranted(ctx context.Context, event *models.EnrollmentGrantedEvent) error
}
