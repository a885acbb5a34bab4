package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iamnguyenvu/ecommerce-microservices/internal/models"
)

// Memory is an in-process Store used by tests and local runs. A single mutex
// makes Apply one critical section, mirroring the transactional guarantee of
// the Postgres implementation.
type Memory struct {
	mu           sync.RWMutex
	records      map[string]models.StockRecord
	reservations map[string]models.Reservation // keyed orderID/productID
	movements    map[string][]models.StockMovement
}

func NewMemory() *Memory {
	return &Memory{
		records:      make(map[string]models.StockRecord),
		reservations: make(map[string]models.Reservation),
		movements:    make(map[string][]models.StockMovement),
	}
}

func (m *Memory) CreateStockRecord(_ context.Context, rec models.StockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ProductID]; ok {
		return ErrDuplicate
	}
	m.records[rec.ProductID] = rec
	return nil
}

func (m *Memory) GetStockRecord(_ context.Context, productID string) (models.StockRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[productID]
	if !ok {
		return models.StockRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Apply(_ context.Context, expectedVersion int64, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[mut.Record.ProductID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	m.records[mut.Record.ProductID] = mut.Record
	if mut.Reservation != nil {
		key := reservationKey(mut.Reservation.OrderID, mut.Reservation.ProductID)
		m.reservations[key] = *mut.Reservation
	}
	if mut.Movement != nil {
		pid := mut.Movement.ProductID
		m.movements[pid] = append(m.movements[pid], *mut.Movement)
	}
	return nil
}

func (m *Memory) ListLowStock(_ context.Context, threshold int) ([]models.ProductSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ProductSummary
	for _, rec := range m.records {
		if rec.QuantityOnHand <= threshold && rec.QuantityOnHand > 0 {
			out = append(out, summarize(rec))
		}
	}
	sortSummaries(out)
	return out, nil
}

func (m *Memory) ListOutOfStock(_ context.Context) ([]models.ProductSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ProductSummary
	for _, rec := range m.records {
		if rec.AvailableQuantity() <= 0 {
			out = append(out, summarize(rec))
		}
	}
	sortSummaries(out)
	return out, nil
}

func (m *Memory) GetReservation(_ context.Context, orderID, productID string) (models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.reservations[reservationKey(orderID, productID)]
	if !ok {
		return models.Reservation{}, ErrNotFound
	}
	return res, nil
}

func (m *Memory) ListReservationsByOrder(_ context.Context, orderID string) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Reservation
	for _, res := range m.reservations {
		if res.OrderID == orderID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *Memory) ListExpiredPending(_ context.Context, now time.Time) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Reservation
	for _, res := range m.reservations {
		if res.Status == models.ReservationPending && res.ExpiresAt.Before(now) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) Movements(_ context.Context, productID string, from, to time.Time) ([]models.StockMovement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.StockMovement
	for _, mv := range m.movements[productID] {
		if mv.Timestamp.Before(from) || mv.Timestamp.After(to) {
			continue
		}
		out = append(out, mv)
	}
	// Entries are appended in commit order; keep that order for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func summarize(rec models.StockRecord) models.ProductSummary {
	return models.ProductSummary{
		ProductID:         rec.ProductID,
		SKU:               rec.SKU,
		QuantityOnHand:    rec.QuantityOnHand,
		ReservedQuantity:  rec.ReservedQuantity,
		AvailableQuantity: rec.AvailableQuantity(),
		Availability:      rec.Availability,
	}
}

func sortSummaries(s []models.ProductSummary) {
	sort.Slice(s, func(i, j int) bool { return s[i].ProductID < s[j].ProductID })
}
