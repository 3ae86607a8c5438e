package models

import "time"

// Event types
const (
	EventTypeOrderCompleted    = "ORDER_COMPLETED"
	EventTypeEnrollmentGranted = "ENROLLMENT_GRANTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCompletedEvent published when an order transitions into completed
type OrderCompletedEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	UserID    int64  `json:"user_id"`
	CourseID  int64  `json:"course_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	ChargeRef string `json:"charge_ref"`
	Source    string `json:"source"`
}

// EnrollmentGrantedEvent published when a user first gains access to a course
type EnrollmentGrantedEvent struct {
	BaseEvent
	EnrollmentID int64  `json:"enrollment_id"`
	UserID       int64  `json:"user_id"`
	CourseID     int64  `json:"course_id"`
	OrderID      string `json:"order_id"`
}
