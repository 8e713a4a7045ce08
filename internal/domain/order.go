package domain

import "time"

// OrderStatus is one of the nine canonical order-flow statuses.
type OrderStatus string

const (
	StatusNew        OrderStatus = "new"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusProcessing OrderStatus = "processing"
	StatusReady      OrderStatus = "ready"
	StatusDispatched OrderStatus = "dispatched"
	StatusDelivered  OrderStatus = "delivered"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
	StatusReturned   OrderStatus = "returned"
)

// AllOrderStatuses is the full canonical status set, used to validate a
// channel's order_flow override names only known statuses.
var AllOrderStatuses = []OrderStatus{
	StatusNew, StatusConfirmed, StatusProcessing, StatusReady,
	StatusDispatched, StatusDelivered, StatusCompleted, StatusCancelled,
	StatusReturned,
}

// OrderSnapshot is the immutable copy of session state frozen at commit
// time. Nothing after commit may alter it.
type OrderSnapshot struct {
	Items        []SessionItem       `json:"items"`
	Data         SessionData         `json:"data"`
	Pricing      Pricing             `json:"pricing"`
	Rev          int64               `json:"rev"`
}

// OrderTimestamps holds one nullable lifecycle timestamp per non-new
// status; new's timestamp is CreatedAt on the Order itself.
type OrderTimestamps struct {
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	ReadyAt      *time.Time `json:"ready_at,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	ReturnedAt   *time.Time `json:"returned_at,omitempty"`
}

// Get returns a pointer to the timestamp field for the given status, or
// nil if status is StatusNew (whose timestamp is Order.CreatedAt) or
// unrecognized.
func (t *OrderTimestamps) Get(status OrderStatus) **time.Time {
	switch status {
	case StatusConfirmed:
		return &t.ConfirmedAt
	case StatusProcessing:
		return &t.ProcessingAt
	case StatusReady:
		return &t.ReadyAt
	case StatusDispatched:
		return &t.DispatchedAt
	case StatusDelivered:
		return &t.DeliveredAt
	case StatusCompleted:
		return &t.CompletedAt
	case StatusCancelled:
		return &t.CancelledAt
	case StatusReturned:
		return &t.ReturnedAt
	default:
		return nil
	}
}

// Order is an immutable sealed snapshot of a committed session.
type Order struct {
	ID          string          `json:"id" db:"id"`
	Ref         string          `json:"ref" db:"ref"`
	ChannelID   string          `json:"channel_id" db:"channel_id"`
	SessionKey  string          `json:"session_key" db:"session_key"`
	HandleType  string          `json:"handle_type,omitempty" db:"handle_type"`
	HandleRef   string          `json:"handle_ref,omitempty" db:"handle_ref"`
	ExternalRef string          `json:"external_ref,omitempty" db:"external_ref"`
	Status      OrderStatus     `json:"status" db:"status"`
	Snapshot    OrderSnapshot   `json:"snapshot" db:"-"`
	Currency    string          `json:"currency" db:"currency"`
	TotalQ      int64           `json:"total_q" db:"total_q"`
	Timestamps  OrderTimestamps `json:"timestamps" db:"-"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// OrderItem is a denormalized row per committed line item.
type OrderItem struct {
	ID         string                 `json:"id" db:"id"`
	OrderID    string                 `json:"order_id" db:"order_id"`
	LineID     string                 `json:"line_id" db:"line_id"`
	SKU        string                 `json:"sku" db:"sku"`
	Qty        string                 `json:"qty" db:"qty"`
	UnitPriceQ *int64                 `json:"unit_price_q,omitempty" db:"unit_price_q"`
	LineTotalQ int64                  `json:"line_total_q" db:"line_total_q"`
	Name       string                 `json:"name,omitempty" db:"name"`
	Meta       map[string]interface{} `json:"meta,omitempty" db:"-"`
}

// OrderEvent is an append-only audit log entry scoped to an order.
type OrderEvent struct {
	ID        string                 `json:"id" db:"id"`
	OrderID   string                 `json:"order_id" db:"order_id"`
	Type      string                 `json:"type" db:"type"`
	Actor     string                 `json:"actor,omitempty" db:"actor"`
	Payload   map[string]interface{} `json:"payload,omitempty" db:"-"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}
