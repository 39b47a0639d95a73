package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	ListLowStock(ctx context.Context) ([]Product, error)
	GetMovement(ctx context.Context, id int64) (Movement, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	LedgerTx
	GetProduct(ctx context.Context, id int64) (Product, error)
	FindProductByCode(ctx context.Context, code string) (Product, error)
	InsertProduct(ctx context.Context, product Product) (Product, error)
	UpdateProduct(ctx context.Context, product Product) (Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	ProductHasHistory(ctx context.Context, id int64) (bool, error)
	MovementTotals(ctx context.Context, productID int64) (Reconciliation, error)
	// ClaimIdempotencyKey records a client request key inside the transaction;
	// a key seen before fails with shared.ErrIdempotencyReplay.
	ClaimIdempotencyKey(ctx context.Context, key, module string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives domain counters.
type MetricsPort interface {
	MovementRecorded(movementType string)
	StockRejected()
}

// MovementListener receives committed movements.
type MovementListener interface {
	MovementRecorded(ctx context.Context, evt MovementRecordedEvent) error
}

// Service coordinates the product ledger and the movement recorder.
type Service struct {
	repo        RepositoryPort
	audit    AuditPort
	listener MovementListener
	metrics  MetricsPort
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Logger  *slog.Logger
	Metrics MetricsPort
	Now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig, listener MovementListener) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		listener: listener,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      now,
	}
}

// GetProduct returns a product by id.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// ListProducts returns all products ordered by name.
func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	return s.repo.ListProducts(ctx)
}

// ListLowStock returns products with stock <= min stock, lowest stock first.
func (s *Service) ListLowStock(ctx context.Context) ([]Product, error) {
	return s.repo.ListLowStock(ctx)
}

// RegisterProduct creates a product with zero stock.
func (s *Service) RegisterProduct(ctx context.Context, input ProductInput) (Product, error) {
	input, err := input.normalize()
	if err != nil {
		return Product{}, err
	}
	var created Product
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.FindProductByCode(ctx, input.Code); err == nil {
			return shared.Conflict("product code %q already exists", input.Code)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		now := s.now()
		created, err = tx.InsertProduct(ctx, Product{
			Code:         input.Code,
			Name:         input.Name,
			MinStock:     input.MinStock,
			Price:        input.Price,
			IsMedication: input.IsMedication,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		return err
	})
	if err != nil {
		return Product{}, err
	}
	s.record(ctx, "product:create", "product", created.ID, map[string]any{"code": created.Code})
	return created, nil
}

// UpdateProduct edits descriptive fields. Stock is never touched here.
func (s *Service) UpdateProduct(ctx context.Context, id int64, patch ProductPatch) (Product, error) {
	var updated Product
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetProductForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := patch.applyTo(current)
		if err != nil {
			return err
		}
		if next.Code != current.Code {
			other, err := tx.FindProductByCode(ctx, next.Code)
			if err == nil && other.ID != id {
				return shared.Conflict("product code %q already exists", next.Code)
			}
			if err != nil && !errors.Is(err, shared.ErrNotFound) {
				return err
			}
		}
		next.UpdatedAt = s.now()
		updated, err = tx.UpdateProduct(ctx, next)
		return err
	})
	if err != nil {
		return Product{}, err
	}
	s.record(ctx, "product:update", "product", id, nil)
	return updated, nil
}

// RemoveProduct deletes a product that has never moved stock.
func (s *Service) RemoveProduct(ctx context.Context, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetProductForUpdate(ctx, id); err != nil {
			return err
		}
		used, err := tx.ProductHasHistory(ctx, id)
		if err != nil {
			return err
		}
		if used {
			return shared.Conflict("product %d has stock history and cannot be removed", id)
		}
		return tx.DeleteProduct(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, "product:delete", "product", id, nil)
	return nil
}

const idempotencyModule = "inventory"

// RecordMovement applies one movement in its own transaction. An idempotency
// key is claimed in that same transaction.
func (s *Service) RecordMovement(ctx context.Context, input MovementInput) (MovementResult, error) {
	if err := input.Validate(); err != nil {
		return MovementResult{}, err
	}
	if input.ActorID == 0 {
		input.ActorID = shared.ActorFromContext(ctx)
	}
	if input.IdempotencyKey != "" {
		if err := shared.ValidateIdempotencyKey(input.IdempotencyKey); err != nil {
			return MovementResult{}, err
		}
	}

	var result MovementResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.IdempotencyKey != "" {
			if err := tx.ClaimIdempotencyKey(ctx, input.IdempotencyKey, idempotencyModule); err != nil {
				return err
			}
		}
		var err error
		result, err = Apply(ctx, tx, input, s.now())
		return err
	})
	if err != nil {
		if errors.Is(err, shared.ErrInsufficientStock) && s.metrics != nil {
			s.metrics.StockRejected()
		}
		return MovementResult{}, err
	}
	s.AfterCommit(ctx, result)
	return result, nil
}

// AfterCommit runs the post-commit side effects of a movement: metrics, audit
// and listener notification. Failures are logged only.
func (s *Service) AfterCommit(ctx context.Context, result MovementResult) {
	if s.metrics != nil {
		s.metrics.MovementRecorded(string(result.Movement.Type))
	}
	s.record(ctx, fmt.Sprintf("inventory:%s", result.Movement.Type), "inventory_movement", result.Movement.ID, map[string]any{
		"product_id":   result.Product.ID,
		"quantity":     result.Movement.Quantity,
		"stock_before": result.Movement.StockBefore,
		"stock_after":  result.Movement.StockAfter,
		"reason":       result.Movement.Reason,
	})
	if s.listener == nil {
		return
	}
	if err := s.listener.MovementRecorded(ctx, NewMovementRecordedEvent(result)); err != nil {
		s.logger.Warn("movement listener failed",
			slog.Int64("movement_id", result.Movement.ID),
			slog.Any("error", err))
	}
}

// GetMovement returns a movement by id.
func (s *Service) GetMovement(ctx context.Context, id int64) (Movement, error) {
	return s.repo.GetMovement(ctx, id)
}

// ListMovements lists movements newest first.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 200
	}
	return s.repo.ListMovements(ctx, filter)
}

// Reconcile reads the counter and the movement history from one snapshot.
func (s *Service) Reconcile(ctx context.Context, productID int64) (Reconciliation, error) {
	var rec Reconciliation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		rec, err = tx.MovementTotals(ctx, productID)
		if err != nil {
			return err
		}
		rec.ProductID = productID
		rec.Stock = product.Stock
		return nil
	})
	return rec, err
}

func (s *Service) record(ctx context.Context, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
}
