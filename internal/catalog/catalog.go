// Package catalog is the product-catalog collaborator: existence and
// active-status lookups consulted before a reservation is accepted. The
// catalog itself is owned by the product CRUD side; this client only reads.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const statusActive = "ACTIVE"

type Client struct {
	sql *sqlx.DB
}

func New(db *sqlx.DB) *Client {
	return &Client{sql: db}
}

func (c *Client) Exists(ctx context.Context, productID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM products WHERE id=$1)`
	if err := c.sql.GetContext(ctx, &exists, query, productID); err != nil {
		return false, fmt.Errorf("could not check existence of product %s: %w", productID, err)
	}
	return exists, nil
}

func (c *Client) IsActive(ctx context.Context, productID string) (bool, error) {
	var status string
	query := `SELECT status FROM products WHERE id=$1`
	err := c.sql.GetContext(ctx, &status, query, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not get status of product %s: %w", productID, err)
	}
	return status == statusActive, nil
}
