package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/iamnguyenvu/ecommerce-microservices/config"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/contracts"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/inventory"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/models"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/reservation"
)

const (
	routingOrderCreated   = "order.created"
	routingOrderConfirmed = "order.confirmed"
	routingOrderCancelled = "order.cancelled"
)

// Processor translates order lifecycle events into inventory engine calls.
type Processor struct {
	svc *inventory.Service
	bus inventory.Publisher
	cfg config.Config
}

func New(svc *inventory.Service, bus inventory.Publisher, cfg config.Config) *Processor {
	return &Processor{svc: svc, bus: bus, cfg: cfg}
}

func (p *Processor) MessageHandler(ctx context.Context, delivery amqp.Delivery) error {
	switch delivery.RoutingKey {
	case routingOrderCreated:
		return p.handleOrderCreated(ctx, delivery.Body)
	case routingOrderConfirmed:
		return p.handleOrderConfirmed(ctx, delivery.Body)
	case routingOrderCancelled:
		return p.handleOrderCancelled(ctx, delivery.Body)
	default:
		log.Warn().Str("routingKey", delivery.RoutingKey).Msg("Unexpected routing key, dropping message")
		return contracts.ErrPermanentFailure
	}
}

// handleOrderCreated reserves each order line and replies with the per-line
// outcome. Business failures (insufficient stock, unknown product) go into
// the reply event, not into a nack: the message itself was processed.
func (p *Processor) handleOrderCreated(ctx context.Context, body []byte) error {
	var orderEvent models.OrderCreatedEvent
	if err := json.Unmarshal(body, &orderEvent); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal OrderCreatedEvent")
		return contracts.ErrPermanentFailure
	}

	log.Info().Str("orderId", orderEvent.OrderID).Int("lines", len(orderEvent.Products)).
		Msg("Received order.created event")

	checkedProducts := make([]models.CheckedProduct, 0, len(orderEvent.Products))
	for _, product := range orderEvent.Products {
		checked := models.CheckedProduct{
			ProductID: product.ProductID,
			Quantity:  product.Quantity,
		}

		_, err := p.svc.Reserve(ctx, product.ProductID, product.Quantity, orderEvent.OrderID)
		switch {
		case err == nil:
			checked.StockAvailable = true
			if available, availErr := p.svc.GetAvailableStock(ctx, product.ProductID); availErr == nil {
				checked.AvailableQuantity = available
			}
		case isBusinessError(err):
			log.Warn().Err(err).Str("productId", product.ProductID).Str("orderId", orderEvent.OrderID).
				Msg("Reservation rejected")
			checked.ErrorKind = reservation.ErrorKind(err)
			var insufficient *reservation.InsufficientStockError
			if errors.As(err, &insufficient) {
				checked.AvailableQuantity = insufficient.Available
			}
		default:
			log.Error().Err(err).Str("productId", product.ProductID).
				Msg("Failed to reserve stock. This is a transient error.")
			return err
		}

		checkedProducts = append(checkedProducts, checked)
	}

	checkedEvent := models.InventoryCheckedEvent{
		EventID:       uuid.New().String(),
		CorrelationID: orderEvent.EventID,
		OrderID:       orderEvent.OrderID,
		UserID:        orderEvent.UserID,
		Products:      checkedProducts,
		Timestamp:     time.Now(),
	}

	if err := p.bus.PublishMessage(ctx, p.cfg.InventoryCheckedTopic, checkedEvent); err != nil {
		log.Error().Err(err).Msg("Failed to publish InventoryCheckedEvent. This is a transient error.")
		return err
	}

	log.Info().Str("orderId", orderEvent.OrderID).Msg("Successfully processed order reservation and published event")
	return nil
}

func (p *Processor) handleOrderConfirmed(ctx context.Context, body []byte) error {
	orderID, err := orderIDFrom(body)
	if err != nil {
		return err
	}

	log.Info().Str("orderId", orderID).Msg("Received order.confirmed event")
	if err := p.svc.ConfirmReservation(ctx, orderID); err != nil {
		if isBusinessError(err) {
			log.Warn().Err(err).Str("orderId", orderID).Msg("Cannot confirm reservation, dropping event")
			return contracts.ErrPermanentFailure
		}
		return err
	}
	return nil
}

func (p *Processor) handleOrderCancelled(ctx context.Context, body []byte) error {
	orderID, err := orderIDFrom(body)
	if err != nil {
		return err
	}

	log.Info().Str("orderId", orderID).Msg("Received order.cancelled event")
	if err := p.svc.ReleaseReservation(ctx, orderID); err != nil {
		if isBusinessError(err) {
			log.Warn().Err(err).Str("orderId", orderID).Msg("Cannot release reservation, dropping event")
			return contracts.ErrPermanentFailure
		}
		return err
	}
	return nil
}

func orderIDFrom(body []byte) (string, error) {
	var event models.OrderLifecycleEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal order lifecycle event")
		return "", contracts.ErrPermanentFailure
	}
	if event.OrderID == "" {
		log.Error().Msg("Order lifecycle event without orderId")
		return "", contracts.ErrPermanentFailure
	}
	return event.OrderID, nil
}

// isBusinessError reports whether err is an expected outcome that should be
// reported to the order side rather than retried.
func isBusinessError(err error) bool {
	var insufficient *reservation.InsufficientStockError
	return errors.As(err, &insufficient) ||
		errors.Is(err, reservation.ErrValidation) ||
		errors.Is(err, reservation.ErrNotFound) ||
		errors.Is(err, reservation.ErrInvalidState)
}
