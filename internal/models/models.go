package models

import (
	"time"

	"github.com/iamnguyenvu/ecommerce-microservices/internal/availability"
)

// --- Stock record ---

// StockRecord is the authoritative per-product quantity state. It is the only
// shared mutable resource of the engine; every mutation goes through the
// store's versioned Apply so the invariant
// 0 <= ReservedQuantity <= QuantityOnHand holds at all times.
type StockRecord struct {
	ProductID           string              `db:"product_id"`
	SKU                 string              `db:"sku"`
	QuantityOnHand      int                 `db:"quantity_on_hand"`
	ReservedQuantity    int                 `db:"reserved_quantity"`
	LowStockThreshold   int                 `db:"low_stock_threshold"`
	OutOfStockThreshold int                 `db:"out_of_stock_threshold"`
	ReorderPoint        int                 `db:"reorder_point"`
	Preorder            bool                `db:"preorder"`
	Backorder           bool                `db:"backorder"`
	Availability        availability.Status `db:"availability"`
	Version             int64               `db:"version"`
	LastUpdated         time.Time           `db:"last_updated"`
}

// AvailableQuantity is always derived, never stored independently.
func (r StockRecord) AvailableQuantity() int {
	return r.QuantityOnHand - r.ReservedQuantity
}

// RefreshAvailability recomputes the cached status label from the current
// quantities and thresholds.
func (r *StockRecord) RefreshAvailability() {
	r.Availability = availability.Classify(availability.Input{
		QuantityOnHand:      r.QuantityOnHand,
		ReservedQuantity:    r.ReservedQuantity,
		LowStockThreshold:   r.LowStockThreshold,
		OutOfStockThreshold: r.OutOfStockThreshold,
		Preorder:            r.Preorder,
		Backorder:           r.Backorder,
	})
}

// --- Reservation ---

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether no further transition is permitted from s.
// Re-invocations against a terminal reservation are idempotent no-ops.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationConfirmed || s == ReservationReleased || s == ReservationExpired
}

// Reservation is a temporary hold on stock against a specific order, one per
// (OrderID, ProductID) pair.
type Reservation struct {
	ID        string            `db:"id"`
	OrderID   string            `db:"order_id"`
	ProductID string            `db:"product_id"`
	Quantity  int               `db:"quantity"`
	Status    ReservationStatus `db:"status"`
	CreatedAt time.Time         `db:"created_at"`
	ExpiresAt time.Time         `db:"expires_at"`
}

// --- Stock movement ---

type MovementType string

const (
	MovementIn         MovementType = "IN"
	MovementOut        MovementType = "OUT"
	MovementReserved   MovementType = "RESERVED"
	MovementReleased   MovementType = "RELEASED"
	MovementConfirmed  MovementType = "CONFIRMED"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// StockMovement is one immutable audit row per quantity change. IN, OUT,
// ADJUSTMENT and CONFIRMED entries track the on-hand quantity before/after;
// RESERVED and RELEASED entries track the available quantity before/after.
// QuantityDelta is NewQuantity - PreviousQuantity on that axis.
type StockMovement struct {
	ID               string       `db:"id"`
	ProductID        string       `db:"product_id"`
	Type             MovementType `db:"type"`
	QuantityDelta    int          `db:"quantity_delta"`
	PreviousQuantity int          `db:"previous_quantity"`
	NewQuantity      int          `db:"new_quantity"`
	Reason           string       `db:"reason"`
	Reference        string       `db:"reference"`
	Timestamp        time.Time    `db:"timestamp"`
	Actor            string       `db:"actor"`
}

// ProductSummary is the read-model row returned by the low-stock and
// out-of-stock queries.
type ProductSummary struct {
	ProductID         string              `db:"product_id"`
	SKU               string              `db:"sku"`
	QuantityOnHand    int                 `db:"quantity_on_hand"`
	ReservedQuantity  int                 `db:"reserved_quantity"`
	AvailableQuantity int                 `db:"available_quantity"`
	Availability      availability.Status `db:"availability"`
}

// --- Incoming events ---

// OrderProduct represents a product line within an order event.
type OrderProduct struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderCreatedEvent is consumed to place reservations for a new order.
type OrderCreatedEvent struct {
	EventID   string         `json:"eventId"`
	OrderID   string         `json:"orderId"`
	UserID    string         `json:"userId"`
	Products  []OrderProduct `json:"products"`
	Timestamp time.Time      `json:"timestamp"`
}

// OrderLifecycleEvent is consumed for order.confirmed and order.cancelled,
// which only need the order identity.
type OrderLifecycleEvent struct {
	EventID   string    `json:"eventId"`
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// --- Outgoing events ---

// CheckedProduct represents a product line after the reservation attempt.
type CheckedProduct struct {
	ProductID         string `json:"productId"`
	Quantity          int    `json:"quantity"`
	StockAvailable    bool   `json:"stockAvailable"`
	AvailableQuantity int    `json:"availableQuantity"`
	ErrorKind         string `json:"errorKind,omitempty"`
}

// InventoryCheckedEvent is published after processing an OrderCreatedEvent.
type InventoryCheckedEvent struct {
	EventID       string           `json:"eventId"`
	CorrelationID string           `json:"correlationId"` // ID of the original OrderCreatedEvent
	OrderID       string           `json:"orderId"`
	UserID        string           `json:"userId"`
	Products      []CheckedProduct `json:"products"`
	Timestamp     time.Time        `json:"timestamp"`
}

// StockChangedEvent is published after a successful manual stock correction.
type StockChangedEvent struct {
	EventID    string    `json:"eventId"`
	ProductID  string    `json:"productId"`
	OldStock   int       `json:"oldStock"`
	NewStock   int       `json:"newStock"`
	Delta      int       `json:"delta"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}
