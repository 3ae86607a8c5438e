package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an Order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusCompleted: {OrderStatusRefunded},
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// Repeating a transition (s == next) is not a transition and returns false.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is reachable within this service.
// Refunds are accepted as a label only, so completed counts as terminal here.
func (s OrderStatus) IsTerminal() bool {
	return s != OrderStatusPending
}

func (s OrderStatus) String() string {
	return string(s)
}

// Course is the catalog view this service reads to price a purchase intent
type Course struct {
	ID          int64           `db:"id" json:"id"`
	Title       string          `db:"title" json:"title"`
	Description string          `db:"description" json:"description"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Currency    string          `db:"currency" json:"currency"`
}

// Order represents one purchase intent for one (user, course) pair
type Order struct {
	ID          int64           `db:"id" json:"-"`
	OrderID     string          `db:"order_id" json:"order_id"`
	UserID      int64           `db:"user_id" json:"user_id"`
	CourseID    int64           `db:"course_id" json:"course_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Currency    string          `db:"currency" json:"currency"`
	Status      OrderStatus     `db:"status" json:"status"`
	SessionRef  string          `db:"session_ref" json:"session_ref,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`

	// CheckedAt is when the pending sweep last asked the gateway about this order
	CheckedAt *time.Time `db:"checked_at" json:"-"`
}

// Payment is the audit record of one processor-confirmed charge
type Payment struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   string          `db:"order_id" json:"order_id"`
	ChargeRef string          `db:"charge_ref" json:"charge_ref"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Fee       decimal.Decimal `db:"fee" json:"fee"`
	Currency  string          `db:"currency" json:"currency"`
	Status    string          `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Enrollment grants a user durable access to a course
type Enrollment struct {
	ID          int64      `db:"id" json:"id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	CourseID    int64      `db:"course_id" json:"course_id"`
	EnrolledAt  time.Time  `db:"enrolled_at" json:"enrolled_at"`
	Progress    int        `db:"progress" json:"progress"`
	IsCompleted bool       `db:"is_completed" json:"is_completed"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
