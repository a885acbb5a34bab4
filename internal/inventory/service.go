// Package inventory is the facade other subsystems call. It validates input
// shape, delegates to the reservation manager and the stores, and publishes
// stock-changed events; it carries no quantity bookkeeping of its own.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/iamnguyenvu/ecommerce-microservices/config"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/ledger"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/models"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/reservation"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/store"
)

// Publisher is the outgoing side of the event bus. A nil Publisher disables
// event publication.
type Publisher interface {
	PublishMessage(ctx context.Context, routingKey string, payload interface{}) error
}

type Service struct {
	store     store.Store
	manager   *reservation.Manager
	history   *ledger.Log
	publisher Publisher
	clock     reservation.Clock

	stockChangedTopic string
	lowStockThreshold int
}

func New(st store.Store, mgr *reservation.Manager, history *ledger.Log,
	publisher Publisher, cfg config.Config, clock reservation.Clock) *Service {
	s := &Service{
		store:             st,
		manager:           mgr,
		history:           history,
		publisher:         publisher,
		clock:             clock,
		stockChangedTopic: cfg.StockChangedTopic,
		lowStockThreshold: cfg.DefaultLowStockThreshold,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// --- Reservation pass-through ---

func (s *Service) Reserve(ctx context.Context, productID string, quantity int, orderID string) (models.Reservation, error) {
	return s.manager.Reserve(ctx, productID, quantity, orderID)
}

func (s *Service) ConfirmReservation(ctx context.Context, orderID string) error {
	return s.manager.Confirm(ctx, orderID)
}

func (s *Service) ReleaseReservation(ctx context.Context, orderID string) error {
	return s.manager.Release(ctx, orderID)
}

func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.manager.SweepExpired(ctx)
}

// --- Manual corrections ---

func (s *Service) UpdateStock(ctx context.Context, productID string, newQuantity int, reason string) error {
	rec, previous, err := s.manager.SetOnHand(ctx, productID, newQuantity, reason)
	if err != nil {
		return err
	}
	if rec.QuantityOnHand != previous {
		s.publishStockChanged(ctx, rec, previous, reason)
	}
	return nil
}

func (s *Service) AdjustStock(ctx context.Context, productID string, delta int, reason string) error {
	rec, previous, err := s.manager.AdjustOnHand(ctx, productID, delta, reason)
	if err != nil {
		return err
	}
	if delta != 0 {
		s.publishStockChanged(ctx, rec, previous, reason)
	}
	return nil
}

// --- Queries ---

func (s *Service) GetCurrentStock(ctx context.Context, productID string) (int, error) {
	rec, err := s.record(ctx, productID)
	if err != nil {
		return 0, err
	}
	return rec.QuantityOnHand, nil
}

func (s *Service) GetAvailableStock(ctx context.Context, productID string) (int, error) {
	rec, err := s.record(ctx, productID)
	if err != nil {
		return 0, err
	}
	return rec.AvailableQuantity(), nil
}

func (s *Service) GetStockRecord(ctx context.Context, productID string) (models.StockRecord, error) {
	return s.record(ctx, productID)
}

func (s *Service) IsInStock(ctx context.Context, productID string) (bool, error) {
	available, err := s.GetAvailableStock(ctx, productID)
	if err != nil {
		return false, err
	}
	return available > 0, nil
}

func (s *Service) IsAvailable(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, fmt.Errorf("%w: quantity must be positive, got %d", reservation.ErrValidation, quantity)
	}
	available, err := s.GetAvailableStock(ctx, productID)
	if err != nil {
		return false, err
	}
	return available >= quantity, nil
}

// GetLowStockProducts returns products at or below threshold but not yet out
// of stock. A non-positive threshold falls back to the configured default.
func (s *Service) GetLowStockProducts(ctx context.Context, threshold int) ([]models.ProductSummary, error) {
	if threshold <= 0 {
		threshold = s.lowStockThreshold
	}
	return s.store.ListLowStock(ctx, threshold)
}

func (s *Service) GetOutOfStockProducts(ctx context.Context) ([]models.ProductSummary, error) {
	return s.store.ListOutOfStock(ctx)
}

func (s *Service) GetStockHistory(ctx context.Context, productID string, from, to time.Time) ([]models.StockMovement, error) {
	if productID == "" {
		return nil, fmt.Errorf("%w: product identifier is required", reservation.ErrValidation)
	}
	return s.history.History(ctx, productID, from, to)
}

func (s *Service) record(ctx context.Context, productID string) (models.StockRecord, error) {
	if productID == "" {
		return models.StockRecord{}, fmt.Errorf("%w: product identifier is required", reservation.ErrValidation)
	}
	rec, err := s.store.GetStockRecord(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return models.StockRecord{}, fmt.Errorf("%w: no stock record for product %s", reservation.ErrNotFound, productID)
	}
	return rec, err
}

// publishStockChanged notifies catalog consumers about a committed manual
// correction. Publish failures are logged, not surfaced: the correction and
// its audit entry are already durable.
func (s *Service) publishStockChanged(ctx context.Context, rec models.StockRecord, previousOnHand int, reason string) {
	if s.publisher == nil {
		return
	}
	event := models.StockChangedEvent{
		EventID:    uuid.New().String(),
		ProductID:  rec.ProductID,
		OldStock:   previousOnHand,
		NewStock:   rec.QuantityOnHand,
		Delta:      rec.QuantityOnHand - previousOnHand,
		Reason:     reason,
		OccurredAt: s.clock(),
	}
	if err := s.publisher.PublishMessage(ctx, s.stockChangedTopic, event); err != nil {
		log.Warn().Err(err).Str("productId", rec.ProductID).Msg("Failed to publish StockChangedEvent")
	}
}
