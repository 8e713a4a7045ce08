// Package backends declares the polymorphic capability sets the
// directive workers call into: stock, payment, pricing, and
// notification. Concrete deployments swap implementations behind these
// interfaces; the kernel only depends on the contracts.
package backends

import (
	"context"
	"time"
)

// Availability is the result of a stock backend's availability check
// for one SKU.
type Availability struct {
	SKU         string
	Available   bool
	AvailableQty string
}

// Hold is a time-bounded inventory reservation.
type Hold struct {
	ID        string
	SKU       string
	Qty       string
	ExpiresAt time.Time
	Reference string
}

// Alternative is a substitute SKU a stock backend may offer when the
// requested SKU is unavailable.
type Alternative struct {
	SKU string
	Qty string
}

// StockBackend is the capability set the stock-hold and stock-commit
// directive handlers call into.
type StockBackend interface {
	CheckAvailability(ctx context.Context, sku, qty string) (Availability, error)
	CreateHold(ctx context.Context, sku, qty string, expiresAt time.Time, reference string) (Hold, error)
	ReleaseHold(ctx context.Context, holdID string) error
	FulfillHold(ctx context.Context, holdID, reference string) error
	GetAlternatives(ctx context.Context, sku string) ([]Alternative, error)
	ReleaseHoldsForReference(ctx context.Context, reference string) (int, error)
}

// IntentStatus is the lifecycle state a payment backend reports for an
// intent.
type IntentStatus string

const (
	IntentCreated    IntentStatus = "created"
	IntentAuthorized IntentStatus = "authorized"
	IntentCaptured   IntentStatus = "captured"
	IntentRefunded   IntentStatus = "refunded"
	IntentCancelled  IntentStatus = "cancelled"
)

// PaymentBackend is the capability set the payment-capture and
// payment-refund directive handlers call into.
type PaymentBackend interface {
	CreateIntent(ctx context.Context, amountQ int64, currency string, reference string, metadata map[string]interface{}) (string, error)
	Authorize(ctx context.Context, intentID string) error
	Capture(ctx context.Context, intentID string, amountQ *int64, reference string) error
	Refund(ctx context.Context, intentID string, amountQ *int64, reason string) error
	Cancel(ctx context.Context, intentID string) error
	GetStatus(ctx context.Context, intentID string) (IntentStatus, error)
}

// PricingBackend is consulted by the modify engine's pricing modifier
// when a channel's pricing_policy is "internal". A nil return means no
// price is known for the sku/channel pair.
type PricingBackend interface {
	GetPrice(ctx context.Context, sku, channelCode string) (*int64, error)
}

// NotificationResult is what a notification backend reports after
// attempting to send.
type NotificationResult struct {
	Success   bool
	MessageID string
	Error     string
}

// NotificationBackend sends events to recipients (SMS, email, push,
// webhook — the kernel is agnostic to the transport).
type NotificationBackend interface {
	Send(ctx context.Context, event, recipient string, notifyContext map[string]interface{}) (NotificationResult, error)
}
