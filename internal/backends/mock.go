package backends

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockStock is an in-memory StockBackend keyed by SKU, used for tests
// and local/demo wiring where no warehouse system is configured.
type MockStock struct {
	mu        sync.Mutex
	onHand    map[string]decimal.Decimal
	holds     map[string]Hold
	fulfilled map[string]bool
}

// NewMockStock returns a MockStock seeded with the given on-hand
// quantities.
func NewMockStock(onHand map[string]string) *MockStock {
	m := &MockStock{
		onHand:    map[string]decimal.Decimal{},
		holds:     map[string]Hold{},
		fulfilled: map[string]bool{},
	}
	for sku, qty := range onHand {
		d, _ := decimal.NewFromString(qty)
		m.onHand[sku] = d
	}
	return m
}

func (m *MockStock) reserved(sku string) decimal.Decimal {
	total := decimal.Zero
	for _, h := range m.holds {
		if h.SKU == sku {
			q, _ := decimal.NewFromString(h.Qty)
			total = total.Add(q)
		}
	}
	return total
}

func (m *MockStock) CheckAvailability(ctx context.Context, sku, qty string) (Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want, err := decimal.NewFromString(qty)
	if err != nil {
		return Availability{}, fmt.Errorf("backends: invalid qty %q: %w", qty, err)
	}
	onHand := m.onHand[sku]
	free := onHand.Sub(m.reserved(sku))
	if free.Sign() < 0 {
		free = decimal.Zero
	}
	return Availability{SKU: sku, Available: free.GreaterThanOrEqual(want), AvailableQty: free.String()}, nil
}

func (m *MockStock) CreateHold(ctx context.Context, sku, qty string, expiresAt time.Time, reference string) (Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Hold{ID: uuid.NewString(), SKU: sku, Qty: qty, ExpiresAt: expiresAt, Reference: reference}
	m.holds[h.ID] = h
	return h, nil
}

func (m *MockStock) ReleaseHold(ctx context.Context, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holds, holdID)
	return nil
}

func (m *MockStock) FulfillHold(ctx context.Context, holdID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fulfilled[holdID] = true
	return nil
}

func (m *MockStock) GetAlternatives(ctx context.Context, sku string) ([]Alternative, error) {
	return nil, nil
}

func (m *MockStock) ReleaseHoldsForReference(ctx context.Context, reference string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, h := range m.holds {
		if h.Reference == reference {
			delete(m.holds, id)
			n++
		}
	}
	return n, nil
}

// MockPayment is an in-memory PaymentBackend that always succeeds,
// useful for tests and demo wiring.
type MockPayment struct {
	mu      sync.Mutex
	intents map[string]IntentStatus
}

// NewMockPayment returns an empty MockPayment.
func NewMockPayment() *MockPayment {
	return &MockPayment{intents: map[string]IntentStatus{}}
}

func (m *MockPayment) CreateIntent(ctx context.Context, amountQ int64, currency, reference string, metadata map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "pi_" + uuid.NewString()
	m.intents[id] = IntentCreated
	return id, nil
}

func (m *MockPayment) Authorize(ctx context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intentID] = IntentAuthorized
	return nil
}

func (m *MockPayment) Capture(ctx context.Context, intentID string, amountQ *int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intentID] = IntentCaptured
	return nil
}

func (m *MockPayment) Refund(ctx context.Context, intentID string, amountQ *int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intentID] = IntentRefunded
	return nil
}

func (m *MockPayment) Cancel(ctx context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intentID] = IntentCancelled
	return nil
}

func (m *MockPayment) GetStatus(ctx context.Context, intentID string) (IntentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.intents[intentID]
	if !ok {
		return "", fmt.Errorf("backends: unknown intent %q", intentID)
	}
	return status, nil
}

// NoopPricing is a PricingBackend that never knows a price; used on
// channels where pricing_policy is external and no lookup is expected.
type NoopPricing struct{}

func (NoopPricing) GetPrice(ctx context.Context, sku, channelCode string) (*int64, error) {
	return nil, nil
}

// NoopNotification is a NotificationBackend that logs nothing and
// always reports success; real deployments select a backend via
// OMNIMAN_NOTIFICATIONS_DEFAULT_BACKEND.
type NoopNotification struct{}

func (NoopNotification) Send(ctx context.Context, event, recipient string, notifyContext map[string]interface{}) (NotificationResult, error) {
	return NotificationResult{Success: true, MessageID: uuid.NewString()}, nil
}
