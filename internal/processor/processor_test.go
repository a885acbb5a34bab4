package processor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamnguyenvu/ecommerce-microservices/config"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/contracts"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/inventory"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/ledger"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/models"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/reservation"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/store"
)

type allowAllCatalog struct{}

func (allowAllCatalog) Exists(context.Context, string) (bool, error)   { return true, nil }
func (allowAllCatalog) IsActive(context.Context, string) (bool, error) { return true, nil }

type capturingPublisher struct {
	mu       sync.Mutex
	messages map[string][]interface{}
}

func (p *capturingPublisher) PublishMessage(_ context.Context, routingKey string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = map[string][]interface{}{}
	}
	p.messages[routingKey] = append(p.messages[routingKey], payload)
	return nil
}

func newProcessor(t *testing.T) (*Processor, *store.Memory, *capturingPublisher) {
	t.Helper()
	mem := store.NewMemory()
	cfg := config.Config{
		ReservationTTLSeconds:  900,
		MutationRetryAttempts:  5,
		MutationRetryBackoffMs: 1,
		InventoryCheckedTopic:  "inventory.checked",
		StockChangedTopic:      "stock.changed",
	}
	mgr := reservation.New(mem, allowAllCatalog{}, cfg, nil)
	pub := &capturingPublisher{}
	svc := inventory.New(mem, mgr, ledger.NewLog(mem), pub, cfg, nil)
	return New(svc, pub, cfg), mem, pub
}

func seed(t *testing.T, mem *store.Memory, productID string, onHand int) {
	t.Helper()
	rec := models.StockRecord{ProductID: productID, SKU: "SKU-" + productID, QuantityOnHand: onHand}
	rec.RefreshAvailability()
	require.NoError(t, mem.CreateStockRecord(context.Background(), rec))
}

func delivery(t *testing.T, routingKey string, payload interface{}) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return amqp.Delivery{RoutingKey: routingKey, Body: body}
}

func TestOrderCreatedReservesAndReplies(t *testing.T) {
	ctx := context.Background()
	p, mem, pub := newProcessor(t)
	seed(t, mem, "p1", 10)
	seed(t, mem, "p2", 1)

	event := models.OrderCreatedEvent{
		EventID: "evt-1",
		OrderID: "o1",
		UserID:  "u1",
		Products: []models.OrderProduct{
			{ProductID: "p1", Quantity: 3},
			{ProductID: "p2", Quantity: 5},
		},
		Timestamp: time.Now(),
	}

	require.NoError(t, p.MessageHandler(ctx, delivery(t, "order.created", event)))

	rec, err := mem.GetStockRecord(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.ReservedQuantity)

	rec, err = mem.GetStockRecord(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ReservedQuantity, "insufficient line reserves nothing")

	replies := pub.messages["inventory.checked"]
	require.Len(t, replies, 1)
	checked, ok := replies[0].(models.InventoryCheckedEvent)
	require.True(t, ok)
	assert.Equal(t, "evt-1", checked.CorrelationID)
	require.Len(t, checked.Products, 2)

	assert.True(t, checked.Products[0].StockAvailable)
	assert.Equal(t, 7, checked.Products[0].AvailableQuantity)
	assert.Empty(t, checked.Products[0].ErrorKind)

	assert.False(t, checked.Products[1].StockAvailable)
	assert.Equal(t, "INSUFFICIENT_STOCK", checked.Products[1].ErrorKind)
	assert.Equal(t, 1, checked.Products[1].AvailableQuantity)
}

func TestOrderConfirmedConfirmsReservation(t *testing.T) {
	ctx := context.Background()
	p, mem, _ := newProcessor(t)
	seed(t, mem, "p1", 10)

	created := models.OrderCreatedEvent{
		EventID:  "evt-1",
		OrderID:  "o1",
		Products: []models.OrderProduct{{ProductID: "p1", Quantity: 4}},
	}
	require.NoError(t, p.MessageHandler(ctx, delivery(t, "order.created", created)))

	confirmed := models.OrderLifecycleEvent{EventID: "evt-2", OrderID: "o1"}
	require.NoError(t, p.MessageHandler(ctx, delivery(t, "order.confirmed", confirmed)))

	rec, err := mem.GetStockRecord(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.QuantityOnHand)
	assert.Equal(t, 0, rec.ReservedQuantity)

	// Redelivery of the confirmation is acked, not retried forever.
	require.NoError(t, p.MessageHandler(ctx, delivery(t, "order.confirmed", confirmed)))
	rec, err = mem.GetStockRecord(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.QuantityOnHand)
}

func TestOrderCancelledReleasesReservation(t *testing.T) {
	ctx := context.Background()
	p, mem, _ := newProcessor(t)
	seed(t, mem, "p1", 10)

	created := models.OrderCreatedEvent{
		EventID:  "evt-1",
		OrderID:  "o1",
		Products: []models.OrderProduct{{ProductID: "p1", Quantity: 4}},
	}
	require.NoError(t, p.MessageHandler(ctx, delivery(t, "order.created", created)))

	cancelled := models.OrderLifecycleEvent{EventID: "evt-2", OrderID: "o1"}
	require.NoError(t, p.MessageHandler(ctx, delivery(t, "order.cancelled", cancelled)))

	rec, err := mem.GetStockRecord(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, rec.QuantityOnHand)
	assert.Equal(t, 0, rec.ReservedQuantity)
}

func TestMalformedPayloadIsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newProcessor(t)

	err := p.MessageHandler(ctx, amqp.Delivery{RoutingKey: "order.created", Body: []byte("{not json")})
	assert.ErrorIs(t, err, contracts.ErrPermanentFailure)

	err = p.MessageHandler(ctx, amqp.Delivery{RoutingKey: "order.confirmed", Body: []byte(`{"eventId":"e"}`)})
	assert.ErrorIs(t, err, contracts.ErrPermanentFailure, "lifecycle event without orderId")
}

func TestUnknownRoutingKeyIsDropped(t *testing.T) {
	p, _, _ := newProcessor(t)
	err := p.MessageHandler(context.Background(), amqp.Delivery{RoutingKey: "order.shipped", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, contracts.ErrPermanentFailure)
}

func TestConfirmForUnknownOrderIsDropped(t *testing.T) {
	p, _, _ := newProcessor(t)
	event := models.OrderLifecycleEvent{EventID: "evt-9", OrderID: "ghost"}
	err := p.MessageHandler(context.Background(), delivery(t, "order.confirmed", event))
	assert.ErrorIs(t, err, contracts.ErrPermanentFailure)
}
