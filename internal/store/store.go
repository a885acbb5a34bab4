// Package store persists stock records, reservations and the movement
// ledger. All mutations flow through Apply, a single conditional write keyed
// on the stock record's version; this is the per-record mutation boundary
// that keeps concurrent reservations from overselling.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/iamnguyenvu/ecommerce-microservices/internal/models"
)

var (
	// ErrNotFound is returned when a stock record or reservation does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by Apply when the record changed since it
	// was read. Callers reload and retry.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrDuplicate is returned when creating an entity that already exists.
	ErrDuplicate = errors.New("store: duplicate")
)

// Mutation is one atomic unit of change against a single product: the
// post-mutation stock record (version already bumped by the caller), an
// optional reservation insert-or-update, and the movement documenting the
// change. Apply commits all of it or nothing.
type Mutation struct {
	Record      models.StockRecord
	Reservation *models.Reservation
	Movement    *models.StockMovement
}

type Store interface {
	// CreateStockRecord inserts a new record. ErrDuplicate if one exists.
	CreateStockRecord(ctx context.Context, rec models.StockRecord) error

	// GetStockRecord returns the current record for productID.
	GetStockRecord(ctx context.Context, productID string) (models.StockRecord, error)

	// Apply commits mut if and only if the stored record for
	// mut.Record.ProductID still has version expectedVersion.
	Apply(ctx context.Context, expectedVersion int64, mut Mutation) error

	// ListLowStock returns summaries of products whose on-hand quantity is at
	// or below threshold but not yet out of stock.
	ListLowStock(ctx context.Context, threshold int) ([]models.ProductSummary, error)

	// ListOutOfStock returns summaries of products with no available quantity.
	ListOutOfStock(ctx context.Context) ([]models.ProductSummary, error)

	// GetReservation returns the reservation for (orderID, productID).
	GetReservation(ctx context.Context, orderID, productID string) (models.Reservation, error)

	// ListReservationsByOrder returns every reservation placed for orderID.
	ListReservationsByOrder(ctx context.Context, orderID string) ([]models.Reservation, error)

	// ListExpiredPending returns PENDING reservations with ExpiresAt before now.
	ListExpiredPending(ctx context.Context, now time.Time) ([]models.Reservation, error)

	// Movements returns the audit entries for productID within [from, to],
	// oldest first.
	Movements(ctx context.Context, productID string, from, to time.Time) ([]models.StockMovement, error)
}

func reservationKey(orderID, productID string) string {
	return orderID + "/" + productID
}
