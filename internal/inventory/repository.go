package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-clinic/backoffice/internal/platform/db"
	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// Repository persists products and movements in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txRepository struct {
	tx pgx.Tx
}

// NewLedgerTx exposes the stock ledger over a transaction owned by another module.
func NewLedgerTx(tx pgx.Tx) LedgerTx {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a retrying repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const productColumns = `id, code, name, stock, min_stock, price, is_medication, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Stock, &p.MinStock, &p.Price, &p.IsMedication, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func getProduct(ctx context.Context, q querier, sql string, arg any) (Product, error) {
	p, err := scanProduct(q.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, shared.NotFound("product %v not found", arg)
	}
	if err != nil {
		return Product{}, fmt.Errorf("inventory: get product: %w", err)
	}
	return p, nil
}

func listProducts(ctx context.Context, q querier, sql string) ([]Product, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("inventory: list products: %w", err)
	}
	defer rows.Close()
	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

const movementColumns = `id, product_id, type, quantity, stock_before, stock_after, COALESCE(reason, ''), COALESCE(ref_module, ''), COALESCE(ref_id, 0), COALESCE(created_by, 0), created_at`

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	err := row.Scan(&m.ID, &m.ProductID, &m.Type, &m.Quantity, &m.StockBefore, &m.StockAfter, &m.Reason, &m.RefModule, &m.RefID, &m.CreatedBy, &m.CreatedAt)
	return m, err
}

// GetProduct loads a product without locking it.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	return getProduct(ctx, r.pool, `SELECT `+productColumns+` FROM products WHERE id=$1`, id)
}

// ListProducts lists every product ordered by name.
func (r *Repository) ListProducts(ctx context.Context) ([]Product, error) {
	return listProducts(ctx, r.pool, `SELECT `+productColumns+` FROM products ORDER BY name ASC, id ASC`)
}

// ListLowStock lists products at or below their minimum.
func (r *Repository) ListLowStock(ctx context.Context) ([]Product, error) {
	return listProducts(ctx, r.pool, `SELECT `+productColumns+` FROM products WHERE stock <= min_stock ORDER BY stock ASC, name ASC`)
}

// GetMovement loads one movement.
func (r *Repository) GetMovement(ctx context.Context, id int64) (Movement, error) {
	m, err := scanMovement(r.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM inventory_movements WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, shared.NotFound("movement %d not found", id)
	}
	if err != nil {
		return Movement{}, fmt.Errorf("inventory: get movement: %w", err)
	}
	return m, nil
}

// ListMovements lists movements newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+` FROM inventory_movements
WHERE ($1::bigint = 0 OR product_id = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2`, filter.ProductID, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("inventory: list movements: %w", err)
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (r *txRepository) GetProduct(ctx context.Context, id int64) (Product, error) {
	return getProduct(ctx, r.tx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id)
}

func (r *txRepository) GetProductForUpdate(ctx context.Context, id int64) (Product, error) {
	return getProduct(ctx, r.tx, `SELECT `+productColumns+` FROM products WHERE id=$1 FOR UPDATE`, id)
}

func (r *txRepository) FindProductByCode(ctx context.Context, code string) (Product, error) {
	return getProduct(ctx, r.tx, `SELECT `+productColumns+` FROM products WHERE code=$1`, code)
}

func (r *txRepository) InsertProduct(ctx context.Context, p Product) (Product, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO products (code, name, stock, min_stock, price, is_medication, created_at, updated_at)
VALUES ($1, $2, 0, $3, $4, $5, $6, $7)
RETURNING `+productColumns, p.Code, p.Name, p.MinStock, p.Price, p.IsMedication, p.CreatedAt, p.UpdatedAt)
	created, err := scanProduct(row)
	if err != nil {
		return Product{}, mapProductErr(err, p.Code)
	}
	return created, nil
}

func (r *txRepository) UpdateProduct(ctx context.Context, p Product) (Product, error) {
	row := r.tx.QueryRow(ctx, `UPDATE products SET code=$2, name=$3, min_stock=$4, price=$5, is_medication=$6, updated_at=$7
WHERE id=$1
RETURNING `+productColumns, p.ID, p.Code, p.Name, p.MinStock, p.Price, p.IsMedication, p.UpdatedAt)
	updated, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, shared.NotFound("product %d not found", p.ID)
	}
	if err != nil {
		return Product{}, mapProductErr(err, p.Code)
	}
	return updated, nil
}

func (r *txRepository) DeleteProduct(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM products WHERE id=$1`, id)
	if err != nil {
		if _, ok := db.ForeignKeyViolation(err); ok {
			return shared.Conflict("product %d has stock history and cannot be removed", id)
		}
		return fmt.Errorf("inventory: delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("product %d not found", id)
	}
	return nil
}

func (r *txRepository) ProductHasHistory(ctx context.Context, id int64) (bool, error) {
	var used bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_movements WHERE product_id=$1)
    OR EXISTS (SELECT 1 FROM prescription_deliveries WHERE product_id=$1)`, id).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("inventory: product history: %w", err)
	}
	return used, nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (Movement, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO inventory_movements (product_id, type, quantity, stock_before, stock_after, reason, ref_module, ref_id, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, 0), NULLIF($9, 0), $10)
RETURNING `+movementColumns, m.ProductID, string(m.Type), m.Quantity, m.StockBefore, m.StockAfter, m.Reason, m.RefModule, m.RefID, m.CreatedBy, m.CreatedAt)
	created, err := scanMovement(row)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return Movement{}, shared.Conflict("movement for %s %d already recorded", m.RefModule, m.RefID)
		}
		if _, ok := db.ForeignKeyViolation(err); ok {
			return Movement{}, shared.NotFound("product %d not found", m.ProductID)
		}
		return Movement{}, fmt.Errorf("inventory: insert movement: %w", err)
	}
	return created, nil
}

func (r *txRepository) SetStock(ctx context.Context, productID, stock int64, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE products SET stock=$2, updated_at=$3 WHERE id=$1`, productID, stock, at)
	if err != nil {
		if _, ok := db.CheckViolation(err); ok {
			return shared.InsufficientStock("stock of product %d cannot become %d", productID, stock)
		}
		return fmt.Errorf("inventory: set stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("product %d not found", productID)
	}
	return nil
}

func (r *txRepository) MovementTotals(ctx context.Context, productID int64) (Reconciliation, error) {
	var rec Reconciliation
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(stock_after - stock_before), 0)::bigint, COUNT(*),
    COALESCE((SELECT stock_after FROM inventory_movements WHERE product_id=$1 ORDER BY id DESC LIMIT 1), 0)
FROM inventory_movements WHERE product_id=$1`, productID).Scan(&rec.MovementDelta, &rec.MovementCount, &rec.LastStockAfter)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("inventory: movement totals: %w", err)
	}
	return rec, nil
}

func (r *txRepository) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	return shared.ClaimIdempotencyKey(ctx, r.tx, key, module)
}

func mapProductErr(err error, code string) error {
	if _, ok := db.UniqueViolation(err); ok {
		return shared.Conflict("product code %q already exists", code)
	}
	if _, ok := db.CheckViolation(err); ok {
		return shared.InvalidInput("product violates a constraint")
	}
	return fmt.Errorf("inventory: write product: %w", err)
}
