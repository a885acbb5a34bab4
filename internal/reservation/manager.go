// Package reservation orchestrates reserve / confirm / release / expiry
// against stock records. Every mutation runs inside the store's per-record
// version check; conflicting writers are retried with bounded backoff, so the
// invariant 0 <= reserved <= on-hand survives arbitrary interleavings.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iamnguyenvu/ecommerce-microservices/config"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/ledger"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/models"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/store"

	"github.com/google/uuid"
)

// ProductCatalog is the product-catalog collaborator consulted before a
// reservation is accepted.
type ProductCatalog interface {
	Exists(ctx context.Context, productID string) (bool, error)
	IsActive(ctx context.Context, productID string) (bool, error)
}

// Clock supplies the current time; injected so expiry is testable.
type Clock func() time.Time

const (
	defaultTTL           = 15 * time.Minute
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 20 * time.Millisecond
)

type Manager struct {
	store         store.Store
	catalog       ProductCatalog
	clock         Clock
	ttl           time.Duration
	retryAttempts int
	retryBackoff  time.Duration
}

func New(st store.Store, catalog ProductCatalog, cfg config.Config, clock Clock) *Manager {
	m := &Manager{
		store:         st,
		catalog:       catalog,
		clock:         clock,
		ttl:           cfg.ReservationTTL(),
		retryAttempts: cfg.MutationRetryAttempts,
		retryBackoff:  cfg.MutationRetryBackoff(),
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}
	if m.retryAttempts <= 0 {
		m.retryAttempts = defaultRetryAttempts
	}
	if m.retryBackoff <= 0 {
		m.retryBackoff = defaultRetryBackoff
	}
	return m
}

// Reserve places a PENDING hold of quantity units for (orderID, productID)
// and returns the reservation. Retrying the same order line is idempotent:
// an existing live reservation with the same quantity is returned as-is.
func (m *Manager) Reserve(ctx context.Context, productID string, quantity int, orderID string) (models.Reservation, error) {
	if productID == "" || orderID == "" {
		return models.Reservation{}, fmt.Errorf("%w: product and order identifiers are required", ErrValidation)
	}
	if quantity <= 0 {
		return models.Reservation{}, fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, quantity)
	}

	exists, err := m.catalog.Exists(ctx, productID)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("catalog lookup for product %s: %w", productID, err)
	}
	if !exists {
		return models.Reservation{}, fmt.Errorf("%w: unknown product %s", ErrNotFound, productID)
	}
	active, err := m.catalog.IsActive(ctx, productID)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("catalog lookup for product %s: %w", productID, err)
	}
	if !active {
		return models.Reservation{}, fmt.Errorf("%w: product %s is not active", ErrValidation, productID)
	}

	var created models.Reservation
	err = m.withRetry(ctx, func() error {
		existing, err := m.store.GetReservation(ctx, orderID, productID)
		if err == nil {
			if existing.Quantity == quantity &&
				(existing.Status == models.ReservationPending || existing.Status == models.ReservationConfirmed) {
				created = existing
				return nil
			}
			return fmt.Errorf("%w: order %s already holds a reservation for product %s",
				ErrInvalidState, orderID, productID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		rec, err := m.loadRecord(ctx, productID)
		if err != nil {
			return err
		}
		available := rec.AvailableQuantity()
		if available < quantity {
			return &InsufficientStockError{ProductID: productID, Requested: quantity, Available: available}
		}

		now := m.clock()
		res := models.Reservation{
			ID:        uuid.New().String(),
			OrderID:   orderID,
			ProductID: productID,
			Quantity:  quantity,
			Status:    models.ReservationPending,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
		}

		next := rec
		next.ReservedQuantity += quantity
		finalize(&next, now)

		if err := m.store.Apply(ctx, rec.Version, store.Mutation{
			Record:      next,
			Reservation: &res,
			Movement:    ledger.Reserved(productID, quantity, available, orderID, now),
		}); err != nil {
			return err
		}
		created = res
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}

	log.Debug().Str("orderId", orderID).Str("productId", productID).Int("quantity", quantity).
		Msg("Stock reserved")
	return created, nil
}

// Confirm turns every PENDING reservation of orderID into a completed
// outbound movement: on-hand and reserved both drop by the held quantity.
// Already-CONFIRMED lines succeed without effect; RELEASED or EXPIRED lines
// report ErrInvalidState.
func (m *Manager) Confirm(ctx context.Context, orderID string) error {
	reservations, err := m.reservationsFor(ctx, orderID)
	if err != nil {
		return err
	}
	for _, res := range reservations {
		if err := m.confirmOne(ctx, res.OrderID, res.ProductID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) confirmOne(ctx context.Context, orderID, productID string) error {
	return m.withRetry(ctx, func() error {
		res, err := m.loadReservation(ctx, orderID, productID)
		if err != nil {
			return err
		}
		switch res.Status {
		case models.ReservationConfirmed:
			return nil
		case models.ReservationReleased, models.ReservationExpired:
			return fmt.Errorf("%w: reservation for order %s is %s", ErrInvalidState, orderID, res.Status)
		}

		rec, err := m.loadRecord(ctx, productID)
		if err != nil {
			return err
		}

		now := m.clock()
		next := rec
		next.ReservedQuantity -= res.Quantity
		next.QuantityOnHand -= res.Quantity
		finalize(&next, now)

		res.Status = models.ReservationConfirmed
		return m.store.Apply(ctx, rec.Version, store.Mutation{
			Record:      next,
			Reservation: &res,
			Movement:    ledger.Confirmed(productID, res.Quantity, rec.QuantityOnHand, orderID, now),
		})
	})
}

// Release returns every PENDING hold of orderID to the available pool.
// Reservations already in a terminal state are left untouched and the call
// still succeeds, which makes retried order-service calls safe.
func (m *Manager) Release(ctx context.Context, orderID string) error {
	reservations, err := m.reservationsFor(ctx, orderID)
	if err != nil {
		return err
	}
	for _, res := range reservations {
		_, err := m.releaseOne(ctx, res.OrderID, res.ProductID, models.ReservationReleased,
			"stock released", ledger.ActorOrders, time.Time{})
		if err != nil {
			return err
		}
	}
	return nil
}

// releaseOne moves a PENDING reservation to the given terminal state and
// restores its quantity. The returned bool reports whether this call
// performed the transition; losers of a race observe the winner's terminal
// status on reload and no-op. The notBefore guard is used by the sweep so a
// reservation is only expired once its deadline has truly passed.
func (m *Manager) releaseOne(ctx context.Context, orderID, productID string,
	target models.ReservationStatus, reason, actor string, notBefore time.Time) (bool, error) {
	applied := false
	err := m.withRetry(ctx, func() error {
		applied = false
		res, err := m.loadReservation(ctx, orderID, productID)
		if err != nil {
			return err
		}
		if res.Status != models.ReservationPending {
			return nil
		}
		if !notBefore.IsZero() && res.ExpiresAt.After(notBefore) {
			return nil
		}

		rec, err := m.loadRecord(ctx, productID)
		if err != nil {
			return err
		}

		now := m.clock()
		next := rec
		// The invariant keeps reserved >= quantity here; the clamp is a guard
		// against a corrupted row, not an expected path.
		next.ReservedQuantity -= res.Quantity
		if next.ReservedQuantity < 0 {
			next.ReservedQuantity = 0
		}
		finalize(&next, now)

		res.Status = target
		if err := m.store.Apply(ctx, rec.Version, store.Mutation{
			Record:      next,
			Reservation: &res,
			Movement:    ledger.Released(productID, res.Quantity, rec.AvailableQuantity(), orderID, reason, actor, now),
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// SweepExpired transitions every PENDING reservation whose deadline has
// passed to EXPIRED and restores the held quantity. The PENDING re-check
// inside each versioned write means concurrent sweepers expire a reservation
// exactly once; the method is safe to run repeatedly from multiple instances.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.clock()
	expired, err := m.store.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, res := range expired {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		applied, err := m.releaseOne(ctx, res.OrderID, res.ProductID, models.ReservationExpired,
			"reservation expired", ledger.ActorSweep, now)
		if err != nil {
			log.Warn().Err(err).Str("orderId", res.OrderID).Str("productId", res.ProductID).
				Msg("Failed to expire reservation, leaving it for the next sweep")
			continue
		}
		if applied {
			swept++
		}
	}
	return swept, nil
}

// SetOnHand is the manual correction path: it rewrites the on-hand quantity
// outright. Corrections that would drop on-hand below the currently reserved
// quantity are rejected with no partial write, since they would break the
// invariant. Returns the updated record and the previous on-hand quantity.
func (m *Manager) SetOnHand(ctx context.Context, productID string, newQuantity int, reason string) (models.StockRecord, int, error) {
	if productID == "" {
		return models.StockRecord{}, 0, fmt.Errorf("%w: product identifier is required", ErrValidation)
	}
	if newQuantity < 0 {
		return models.StockRecord{}, 0, fmt.Errorf("%w: quantity must not be negative, got %d", ErrValidation, newQuantity)
	}
	if reason == "" {
		reason = "manual stock update"
	}

	var updated models.StockRecord
	var previous int
	err := m.withRetry(ctx, func() error {
		rec, err := m.loadRecord(ctx, productID)
		if err != nil {
			return err
		}
		if newQuantity < rec.ReservedQuantity {
			return fmt.Errorf("%w: new quantity %d is below reserved quantity %d for product %s",
				ErrValidation, newQuantity, rec.ReservedQuantity, productID)
		}

		previous = rec.QuantityOnHand
		if newQuantity == rec.QuantityOnHand {
			updated = rec
			return nil
		}

		now := m.clock()
		next := rec
		next.QuantityOnHand = newQuantity
		finalize(&next, now)

		if err := m.store.Apply(ctx, rec.Version, store.Mutation{
			Record:   next,
			Movement: ledger.Adjustment(productID, newQuantity-previous, previous, reason, now),
		}); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return models.StockRecord{}, 0, err
	}
	return updated, previous, nil
}

// AdjustOnHand applies a signed delta to the on-hand quantity under the same
// invariant guard as SetOnHand. Positive deltas are logged as IN movements,
// negative deltas as OUT.
func (m *Manager) AdjustOnHand(ctx context.Context, productID string, delta int, reason string) (models.StockRecord, int, error) {
	if productID == "" {
		return models.StockRecord{}, 0, fmt.Errorf("%w: product identifier is required", ErrValidation)
	}
	if reason == "" {
		reason = "manual stock adjustment"
	}

	var updated models.StockRecord
	var previous int
	err := m.withRetry(ctx, func() error {
		rec, err := m.loadRecord(ctx, productID)
		if err != nil {
			return err
		}
		previous = rec.QuantityOnHand
		newQuantity := rec.QuantityOnHand + delta
		if newQuantity < 0 || newQuantity < rec.ReservedQuantity {
			return fmt.Errorf("%w: adjusting product %s by %d would drop on-hand below reserved quantity %d",
				ErrValidation, productID, delta, rec.ReservedQuantity)
		}
		if delta == 0 {
			updated = rec
			return nil
		}

		now := m.clock()
		next := rec
		next.QuantityOnHand = newQuantity
		finalize(&next, now)

		movement := ledger.StockIn(productID, delta, previous, reason, now)
		if delta < 0 {
			movement = ledger.StockOut(productID, -delta, previous, reason, now)
		}
		if err := m.store.Apply(ctx, rec.Version, store.Mutation{
			Record:   next,
			Movement: movement,
		}); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return models.StockRecord{}, 0, err
	}
	return updated, previous, nil
}

func (m *Manager) reservationsFor(ctx context.Context, orderID string) ([]models.Reservation, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order identifier is required", ErrValidation)
	}
	reservations, err := m.store.ListReservationsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, fmt.Errorf("%w: no reservation for order %s", ErrNotFound, orderID)
	}
	return reservations, nil
}

func (m *Manager) loadReservation(ctx context.Context, orderID, productID string) (models.Reservation, error) {
	res, err := m.store.GetReservation(ctx, orderID, productID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Reservation{}, fmt.Errorf("%w: no reservation for order %s", ErrNotFound, orderID)
	}
	return res, err
}

func (m *Manager) loadRecord(ctx context.Context, productID string) (models.StockRecord, error) {
	rec, err := m.store.GetStockRecord(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return models.StockRecord{}, fmt.Errorf("%w: no stock record for product %s", ErrNotFound, productID)
	}
	return rec, err
}

// withRetry runs fn until it settles or the version-conflict retry budget is
// exhausted. fn reloads its inputs on every attempt, so a retried closure
// observes the winner's writes.
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	backoff := m.retryBackoff
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		err := fn()
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: retries exhausted", ErrConflict)
}

// finalize recomputes the cached availability label and stamps the version
// bump shared by every mutation path.
func finalize(rec *models.StockRecord, now time.Time) {
	rec.RefreshAvailability()
	rec.Version++
	rec.LastUpdated = now
}
