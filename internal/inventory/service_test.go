package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamnguyenvu/ecommerce-microservices/config"
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
	messages []publishedMessage
}

type publishedMessage struct {
	routingKey string
	payload    interface{}
}

func (p *capturingPublisher) PublishMessage(_ context.Context, routingKey string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{routingKey: routingKey, payload: payload})
	return nil
}

func newService(t *testing.T) (*Service, *store.Memory, *capturingPublisher) {
	t.Helper()
	mem := store.NewMemory()
	cfg := config.Config{
		ReservationTTLSeconds:    900,
		MutationRetryAttempts:    5,
		MutationRetryBackoffMs:   1,
		DefaultLowStockThreshold: 10,
		StockChangedTopic:        "stock.changed",
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mgr := reservation.New(mem, allowAllCatalog{}, cfg, clock)
	pub := &capturingPublisher{}
	svc := New(mem, mgr, ledger.NewLog(mem), pub, cfg, clock)
	return svc, mem, pub
}

func seedRecord(t *testing.T, mem *store.Memory, productID string, onHand, reserved, lowThreshold int) {
	t.Helper()
	rec := models.StockRecord{
		ProductID:         productID,
		SKU:               "SKU-" + productID,
		QuantityOnHand:    onHand,
		ReservedQuantity:  reserved,
		LowStockThreshold: lowThreshold,
	}
	rec.RefreshAvailability()
	require.NoError(t, mem.CreateStockRecord(context.Background(), rec))
}

func TestStockQueries(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newService(t)
	seedRecord(t, mem, "p1", 10, 4, 0)

	onHand, err := svc.GetCurrentStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, onHand)

	available, err := svc.GetAvailableStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 6, available)

	inStock, err := svc.IsInStock(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, inStock)

	ok, err := svc.IsAvailable(ctx, "p1", 6)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsAvailable(ctx, "p1", 7)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.IsAvailable(ctx, "p1", 0)
	assert.ErrorIs(t, err, reservation.ErrValidation)

	_, err = svc.GetCurrentStock(ctx, "missing")
	assert.ErrorIs(t, err, reservation.ErrNotFound)

	_, err = svc.GetCurrentStock(ctx, "")
	assert.ErrorIs(t, err, reservation.ErrValidation)
}

func TestUpdateStockGuardsInvariant(t *testing.T) {
	ctx := context.Background()
	svc, mem, pub := newService(t)
	seedRecord(t, mem, "p1", 10, 4, 0)

	err := svc.UpdateStock(ctx, "p1", 3, "cycle count")
	assert.ErrorIs(t, err, reservation.ErrValidation)
	assert.Empty(t, pub.messages, "rejected update publishes nothing")

	require.NoError(t, svc.UpdateStock(ctx, "p1", 25, "cycle count"))

	onHand, err := svc.GetCurrentStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 25, onHand)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "stock.changed", pub.messages[0].routingKey)
	event, ok := pub.messages[0].payload.(models.StockChangedEvent)
	require.True(t, ok)
	assert.Equal(t, 10, event.OldStock)
	assert.Equal(t, 25, event.NewStock)
	assert.Equal(t, 15, event.Delta)
	assert.Equal(t, "cycle count", event.Reason)
}

func TestAdjustStock(t *testing.T) {
	ctx := context.Background()
	svc, mem, pub := newService(t)
	seedRecord(t, mem, "p1", 10, 4, 0)

	require.NoError(t, svc.AdjustStock(ctx, "p1", -3, "damaged units"))

	onHand, err := svc.GetCurrentStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, onHand)
	require.Len(t, pub.messages, 1)

	// Dropping below the reserved quantity is rejected with no partial write.
	err = svc.AdjustStock(ctx, "p1", -4, "shrinkage")
	assert.ErrorIs(t, err, reservation.ErrValidation)
	onHand, err = svc.GetCurrentStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 7, onHand)
	assert.Len(t, pub.messages, 1)

	// A zero delta is a successful no-op and publishes nothing.
	require.NoError(t, svc.AdjustStock(ctx, "p1", 0, "noop"))
	assert.Len(t, pub.messages, 1)
}

func TestLowAndOutOfStockLists(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newService(t)
	seedRecord(t, mem, "p-low", 4, 0, 5)
	seedRecord(t, mem, "p-out", 0, 0, 5)
	seedRecord(t, mem, "p-ok", 50, 0, 5)

	lows, err := svc.GetLowStockProducts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, lows, 1)
	assert.Equal(t, "p-low", lows[0].ProductID)

	// Non-positive threshold falls back to the configured default of 10.
	lows, err = svc.GetLowStockProducts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, lows, 1)

	outs, err := svc.GetOutOfStockProducts(ctx)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "p-out", outs[0].ProductID)
}

func TestReservationFlowThroughFacade(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newService(t)
	seedRecord(t, mem, "p1", 3, 0, 0)

	res, err := svc.Reserve(ctx, "p1", 2, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationPending, res.Status)

	available, err := svc.GetAvailableStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, available)

	_, err = svc.Reserve(ctx, "p1", 2, "o2")
	var insufficient *reservation.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 1, insufficient.Available)

	require.NoError(t, svc.ConfirmReservation(ctx, "o1"))
	onHand, err := svc.GetCurrentStock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, onHand)
}

func TestStockHistoryThroughFacade(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newService(t)
	seedRecord(t, mem, "p1", 10, 0, 0)

	_, err := svc.Reserve(ctx, "p1", 2, "o1")
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseReservation(ctx, "o1"))

	history, err := svc.GetStockHistory(ctx, "p1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.MovementReserved, history[0].Type)
	assert.Equal(t, models.MovementReleased, history[1].Type)

	_, err = svc.GetStockHistory(ctx, "", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, reservation.ErrValidation)
}
