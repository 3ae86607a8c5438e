// Package gateway talks to the hosted checkout provider: it creates and
// reads checkout sessions and verifies the provider's signed webhooks.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the provider-reported payment state of a session
type PaymentStatus string

const (
	PaymentStatusPaid   PaymentStatus = "paid"
	PaymentStatusUnpaid PaymentStatus = "unpaid"
)

// Metadata keys attached to every session we create
const (
	MetadataOrderID  = "order_id"
	MetadataCourseID = "course_id"
	MetadataUserID   = "user_id"
)

// Metadata is the order context echoed back by the provider
type Metadata struct {
	OrderRef  string
	CourseRef string
	UserRef   string
}

// NewMetadata builds session metadata from our identifiers
func NewMetadata(orderID string, courseID, userID int64) Metadata {
	return Metadata{
		OrderRef:  orderID,
		CourseRef: strconv.FormatInt(courseID, 10),
		UserRef:   strconv.FormatInt(userID, 10),
	}
}

func (m Metadata) toMap() map[string]string {
	return map[string]string{
		MetadataOrderID:  m.OrderRef,
		MetadataCourseID: m.CourseRef,
		MetadataUserID:   m.UserRef,
	}
}

func metadataFromMap(m map[string]string) Metadata {
	return Metadata{
		OrderRef:  m[MetadataOrderID],
		CourseRef: m[MetadataCourseID],
		UserRef:   m[MetadataUserID],
	}
}

// SessionRequest describes one single-item hosted checkout
type SessionRequest struct {
	Amount      decimal.Decimal
	Currency    string
	ProductName string
	Description string
	SuccessURL  string
	CancelURL   string
	Metadata    Metadata
}

// Session is the provider's view of a checkout session
type Session struct {
	Ref           string
	URL           string
	PaymentStatus PaymentStatus
	ChargeRef     string
	Amount        decimal.Decimal
	Currency      string
	Metadata      Metadata
}

// Paid reports whether the provider considers the session settled. Every
// course has a price, so any status other than paid leaves the order pending.
func (s *Session) Paid() bool {
	return s.PaymentStatus == PaymentStatusPaid
}

// Gateway creates and looks up checkout sessions
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	GetSession(ctx context.Context, sessionRef string) (*Session, error)
}

// zero-decimal currencies as documented by Stripe
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true,
	"XPF": true,
}

func exponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ToMinorUnits converts an amount into the currency's smallest unit. It
// fails when the amount has more precision than the currency allows.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	shifted := amount.Shift(exponent(currency))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has too many decimal places for %s", amount, currency)
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts a smallest-unit amount back into a decimal
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -exponent(currency))
}
