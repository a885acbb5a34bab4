// Package ledger builds and reads the append-only stock movement audit
// trail. Entries are appended exclusively inside the store's atomic Apply, in
// the same unit as the stock record write they document; the record stays the
// single source of truth and the ledger is never replayed to rebuild state.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iamnguyenvu/ecommerce-microservices/internal/models"
)

// Actors stamped on movements by the engine's own flows.
const (
	ActorOrders = "order-service"
	ActorSweep  = "expiry-sweep"
	ActorAdmin  = "admin"
)

// MovementReader is the slice of the store the ledger query path needs.
type MovementReader interface {
	Movements(ctx context.Context, productID string, from, to time.Time) ([]models.StockMovement, error)
}

// Log is the read side of the movement ledger.
type Log struct {
	reader MovementReader
}

func NewLog(reader MovementReader) *Log {
	return &Log{reader: reader}
}

// openEndedUpperBound caps an unbounded history query. Far enough out to be
// "forever" for any real window, yet inside the timestamp range the SQL
// backend accepts.
var openEndedUpperBound = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// History returns the movements for productID within [from, to], oldest
// first. A zero `to` means the query has no upper bound.
func (l *Log) History(ctx context.Context, productID string, from, to time.Time) ([]models.StockMovement, error) {
	if to.IsZero() {
		to = openEndedUpperBound
	}
	return l.reader.Movements(ctx, productID, from, to)
}

// Reserved records a hold being placed: the available quantity drops by the
// reserved amount while on-hand is untouched.
func Reserved(productID string, quantity, previousAvailable int, orderID string, at time.Time) *models.StockMovement {
	return entry(productID, models.MovementReserved, -quantity, previousAvailable,
		"stock reserved", orderID, ActorOrders, at)
}

// Released records a hold being returned, either by an explicit release or by
// the expiry sweep.
func Released(productID string, quantity, previousAvailable int, orderID, reason, actor string, at time.Time) *models.StockMovement {
	return entry(productID, models.MovementReleased, quantity, previousAvailable, reason, orderID, actor, at)
}

// Confirmed records a reservation turning into an outbound shipment: on-hand
// drops by the confirmed amount.
func Confirmed(productID string, quantity, previousOnHand int, orderID string, at time.Time) *models.StockMovement {
	return entry(productID, models.MovementConfirmed, -quantity, previousOnHand,
		"reservation confirmed", orderID, ActorOrders, at)
}

// Adjustment records a manual correction that rewrites the on-hand quantity
// outright.
func Adjustment(productID string, delta, previousOnHand int, reason string, at time.Time) *models.StockMovement {
	return entry(productID, models.MovementAdjustment, delta, previousOnHand, reason, "", ActorAdmin, at)
}

// StockIn records inbound stock added to the on-hand quantity.
func StockIn(productID string, quantity, previousOnHand int, reason string, at time.Time) *models.StockMovement {
	return entry(productID, models.MovementIn, quantity, previousOnHand, reason, "", ActorAdmin, at)
}

// StockOut records stock removed from the on-hand quantity outside the order
// flow, such as damage or shrinkage write-offs.
func StockOut(productID string, quantity, previousOnHand int, reason string, at time.Time) *models.StockMovement {
	return entry(productID, models.MovementOut, -quantity, previousOnHand, reason, "", ActorAdmin, at)
}

func entry(productID string, typ models.MovementType, delta, previous int, reason, reference, actor string, at time.Time) *models.StockMovement {
	return &models.StockMovement{
		ID:               uuid.New().String(),
		ProductID:        productID,
		Type:             typ,
		QuantityDelta:    delta,
		PreviousQuantity: previous,
		NewQuantity:      previous + delta,
		Reason:           reason,
		Reference:        reference,
		Timestamp:        at,
		Actor:            actor,
	}
}
