package domain

import "time"

// FulfillmentStatus is the shipment lifecycle. Transitions are not
// enforced by the kernel; Fulfillment is specified structurally only.
type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentInProgress FulfillmentStatus = "in_progress"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCancelled  FulfillmentStatus = "cancelled"
)

// Fulfillment groups a subset of an order's items under a shipment.
type Fulfillment struct {
	ID        string            `json:"id" db:"id"`
	OrderID   string            `json:"order_id" db:"order_id"`
	Status    FulfillmentStatus `json:"status" db:"status"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// FulfillmentItem links an OrderItem into a Fulfillment's shipment.
type FulfillmentItem struct {
	ID            string `json:"id" db:"id"`
	FulfillmentID string `json:"fulfillment_id" db:"fulfillment_id"`
	OrderItemID   string `json:"order_item_id" db:"order_item_id"`
	Qty           string `json:"qty" db:"qty"`
}
