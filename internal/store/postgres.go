package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // The blank import is for the PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/iamnguyenvu/ecommerce-microservices/config"
	"github.com/iamnguyenvu/ecommerce-microservices/internal/models"
)

// Postgres is the production Store. The version column on stock_records plus
// the rows-affected check in Apply implement the optimistic lock; reservation
// and movement writes ride in the same transaction.
type Postgres struct {
	SQL *sqlx.DB
}

// NewPostgres creates a new database connection pool.
func NewPostgres(cfg config.Config) (*Postgres, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	log.Info().Msg("Connecting to database...")
	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	log.Info().Msg("Database connection successful.")
	return &Postgres{SQL: db}, nil
}

// Close gracefully closes the database connection.
func (p *Postgres) Close() {
	log.Info().Msg("Closing database connection.")
	p.SQL.Close()
}

func (p *Postgres) CreateStockRecord(ctx context.Context, rec models.StockRecord) error {
	query := `INSERT INTO stock_records
		(product_id, sku, quantity_on_hand, reserved_quantity, low_stock_threshold,
		 out_of_stock_threshold, reorder_point, preorder, backorder, availability, version, last_updated)
		VALUES (:product_id, :sku, :quantity_on_hand, :reserved_quantity, :low_stock_threshold,
		 :out_of_stock_threshold, :reorder_point, :preorder, :backorder, :availability, :version, :last_updated)
		ON CONFLICT (product_id) DO NOTHING`
	result, err := p.SQL.NamedExecContext(ctx, query, rec)
	if err != nil {
		return fmt.Errorf("error inserting stock record for product %s: %w", rec.ProductID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected for product %s: %w", rec.ProductID, err)
	}
	if rows == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *Postgres) GetStockRecord(ctx context.Context, productID string) (models.StockRecord, error) {
	var rec models.StockRecord
	query := `SELECT product_id, sku, quantity_on_hand, reserved_quantity, low_stock_threshold,
		out_of_stock_threshold, reorder_point, preorder, backorder, availability, version, last_updated
		FROM stock_records WHERE product_id=$1`
	err := p.SQL.GetContext(ctx, &rec, query, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StockRecord{}, ErrNotFound
	}
	if err != nil {
		return models.StockRecord{}, fmt.Errorf("could not get stock record for product %s: %w", productID, err)
	}
	return rec, nil
}

// Apply updates the stock record only if its version still matches
// expectedVersion, then writes the reservation and movement in the same
// transaction. This generalizes the conditional
// `UPDATE ... AND quantity >= $1` guard into an explicit version check.
func (p *Postgres) Apply(ctx context.Context, expectedVersion int64, mut Mutation) error {
	tx, err := p.SQL.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE stock_records
		SET quantity_on_hand=$1, reserved_quantity=$2, availability=$3, version=$4, last_updated=$5
		WHERE product_id=$6 AND version=$7`,
		mut.Record.QuantityOnHand, mut.Record.ReservedQuantity, mut.Record.Availability,
		mut.Record.Version, mut.Record.LastUpdated, mut.Record.ProductID, expectedVersion)
	if err != nil {
		return fmt.Errorf("error updating stock record for product %s: %w", mut.Record.ProductID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected for product %s: %w", mut.Record.ProductID, err)
	}
	if rows == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM stock_records WHERE product_id=$1)`, mut.Record.ProductID); err != nil {
			return fmt.Errorf("error checking stock record existence for product %s: %w", mut.Record.ProductID, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if mut.Reservation != nil {
		_, err = tx.NamedExecContext(ctx, `INSERT INTO stock_reservations
			(id, order_id, product_id, quantity, status, created_at, expires_at)
			VALUES (:id, :order_id, :product_id, :quantity, :status, :created_at, :expires_at)
			ON CONFLICT (order_id, product_id) DO UPDATE SET status=EXCLUDED.status, expires_at=EXCLUDED.expires_at`,
			mut.Reservation)
		if err != nil {
			return fmt.Errorf("error upserting reservation for order %s: %w", mut.Reservation.OrderID, err)
		}
	}

	if mut.Movement != nil {
		_, err = tx.NamedExecContext(ctx, `INSERT INTO stock_movements
			(id, product_id, type, quantity_delta, previous_quantity, new_quantity, reason, reference, timestamp, actor)
			VALUES (:id, :product_id, :type, :quantity_delta, :previous_quantity, :new_quantity, :reason, :reference, :timestamp, :actor)`,
			mut.Movement)
		if err != nil {
			return fmt.Errorf("error appending stock movement for product %s: %w", mut.Movement.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stock mutation for product %s: %w", mut.Record.ProductID, err)
	}
	return nil
}

func (p *Postgres) ListLowStock(ctx context.Context, threshold int) ([]models.ProductSummary, error) {
	summaries := []models.ProductSummary{}
	query := `SELECT product_id, sku, quantity_on_hand, reserved_quantity,
		quantity_on_hand - reserved_quantity AS available_quantity, availability
		FROM stock_records
		WHERE quantity_on_hand <= $1 AND quantity_on_hand > 0
		ORDER BY product_id`
	if err := p.SQL.SelectContext(ctx, &summaries, query, threshold); err != nil {
		return nil, fmt.Errorf("error listing low stock products: %w", err)
	}
	return summaries, nil
}

func (p *Postgres) ListOutOfStock(ctx context.Context) ([]models.ProductSummary, error) {
	summaries := []models.ProductSummary{}
	query := `SELECT product_id, sku, quantity_on_hand, reserved_quantity,
		quantity_on_hand - reserved_quantity AS available_quantity, availability
		FROM stock_records
		WHERE quantity_on_hand - reserved_quantity <= 0
		ORDER BY product_id`
	if err := p.SQL.SelectContext(ctx, &summaries, query); err != nil {
		return nil, fmt.Errorf("error listing out of stock products: %w", err)
	}
	return summaries, nil
}

func (p *Postgres) GetReservation(ctx context.Context, orderID, productID string) (models.Reservation, error) {
	var res models.Reservation
	query := `SELECT id, order_id, product_id, quantity, status, created_at, expires_at
		FROM stock_reservations WHERE order_id=$1 AND product_id=$2`
	err := p.SQL.GetContext(ctx, &res, query, orderID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reservation{}, ErrNotFound
	}
	if err != nil {
		return models.Reservation{}, fmt.Errorf("could not get reservation for order %s: %w", orderID, err)
	}
	return res, nil
}

func (p *Postgres) ListReservationsByOrder(ctx context.Context, orderID string) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	query := `SELECT id, order_id, product_id, quantity, status, created_at, expires_at
		FROM stock_reservations WHERE order_id=$1 ORDER BY product_id`
	if err := p.SQL.SelectContext(ctx, &reservations, query, orderID); err != nil {
		return nil, fmt.Errorf("error listing reservations for order %s: %w", orderID, err)
	}
	return reservations, nil
}

func (p *Postgres) ListExpiredPending(ctx context.Context, now time.Time) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	query := `SELECT id, order_id, product_id, quantity, status, created_at, expires_at
		FROM stock_reservations WHERE status=$1 AND expires_at < $2 ORDER BY expires_at`
	if err := p.SQL.SelectContext(ctx, &reservations, query, models.ReservationPending, now); err != nil {
		return nil, fmt.Errorf("error listing expired reservations: %w", err)
	}
	return reservations, nil
}

func (p *Postgres) Movements(ctx context.Context, productID string, from, to time.Time) ([]models.StockMovement, error) {
	movements := []models.StockMovement{}
	query := `SELECT id, product_id, type, quantity_delta, previous_quantity, new_quantity,
		reason, reference, timestamp, actor
		FROM stock_movements
		WHERE product_id=$1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp, id`
	if err := p.SQL.SelectContext(ctx, &movements, query, productID, from, to); err != nil {
		return nil, fmt.Errorf("error querying stock movements for product %s: %w", productID, err)
	}
	return movements, nil
}
