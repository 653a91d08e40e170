package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/inventory"
	"github.com/xenking/storefront/internal/domain/product"
)

const (
	productColumns = `id, name, description, image, price, discounted_price, stock, active,
		sizes, colors, negotiation_enabled, hidden_bottom_price`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	getStockSQL = `SELECT stock FROM products WHERE id = $1`

	decrementStockSQL = `UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`

	upsertProductSQL = `INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			image = EXCLUDED.image,
			price = EXCLUDED.price,
			discounted_price = EXCLUDED.discounted_price,
			stock = EXCLUDED.stock,
			active = EXCLUDED.active,
			sizes = EXCLUDED.sizes,
			colors = EXCLUDED.colors,
			negotiation_enabled = EXCLUDED.negotiation_enabled,
			hidden_bottom_price = EXCLUDED.hidden_bottom_price`
)

var (
	_ product.Repository = (*ProductRepository)(nil)
	_ inventory.Ledger   = (*ProductRepository)(nil)
)

// ProductRepository reads the catalog and owns product stock.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs. Unknown IDs are
// skipped.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Available returns the current stock of a product.
func (r *ProductRepository) Available(ctx context.Context, productID string) (int, error) {
	var stock int
	err := r.pool.QueryRow(ctx, getStockSQL, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, product.ErrNotFound
		}
		return 0, fmt.Errorf("getting stock of %q: %w", productID, err)
	}
	return stock, nil
}

// Decrement lowers stock only when enough remains; otherwise it returns
// inventory.ErrOversell and leaves stock untouched.
func (r *ProductRepository) Decrement(ctx context.Context, productID string, quantity int) error {
	return decrementStock(ctx, r.pool, productID, quantity)
}

// Upsert inserts or replaces a catalog entry.
func (r *ProductRepository) Upsert(ctx context.Context, p *product.Product) error {
	sizes, colors := p.Sizes, p.Colors
	if sizes == nil {
		sizes = []string{}
	}
	if colors == nil {
		colors = []string{}
	}
	_, err := r.pool.Exec(ctx, upsertProductSQL,
		p.ID, p.Name, p.Description, p.Image, p.Price, p.DiscountedPrice, p.Stock, p.Active,
		sizes, colors, p.NegotiationEnabled, p.HiddenBottomPrice,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

func decrementStock(ctx context.Context, q dbtx, productID string, quantity int) error {
	tag, err := q.Exec(ctx, decrementStockSQL, productID, quantity)
	if err != nil {
		return fmt.Errorf("decrementing stock of %q: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrOversell
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p          product.Product
		discounted *decimal.Decimal
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Image, &p.Price, &discounted, &p.Stock, &p.Active,
		&p.Sizes, &p.Colors, &p.NegotiationEnabled, &p.HiddenBottomPrice,
	)
	p.DiscountedPrice = discounted
	return p, err
}
