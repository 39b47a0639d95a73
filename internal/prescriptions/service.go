package prescriptions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-clinic/backoffice/internal/collab"
	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDelivery(ctx context.Context, id int64) (Delivery, error)
	ListByPrescription(ctx context.Context, prescriptionID int64) ([]Delivery, error)
	ListForBilling(ctx context.Context, billed *bool) ([]BillableDelivery, error)
}

// TxRepository writes a delivery and moves stock in the same transaction.
type TxRepository interface {
	inventory.LedgerTx
	InsertDelivery(ctx context.Context, delivery Delivery) (Delivery, error)
}

// ClinicalPort resolves prescriptions and employees.
type ClinicalPort interface {
	GetPrescription(ctx context.Context, id int64) (collab.Prescription, error)
	EmployeeExists(ctx context.Context, id int64) (bool, error)
}

// MovementHook runs the post-commit side effects of a stock movement.
type MovementHook interface {
	AfterCommit(ctx context.Context, result inventory.MovementResult)
}

// MetricsPort receives domain counters.
type MetricsPort interface {
	DeliveryRecorded()
	StockRejected()
}

// Service processes prescription deliveries.
type Service struct {
	repo     RepositoryPort
	clinical ClinicalPort
	hook     MovementHook
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
func NewService(repo RepositoryPort, clinical ClinicalPort, hook MovementHook, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{repo: repo, clinical: clinical, hook: hook, metrics: cfg.Metrics, logger: logger, now: now}
}

// Deliver records the delivery and its EXIT movement atomically. A stock
// shortfall aborts both.
func (s *Service) Deliver(ctx context.Context, input DeliverInput) (DeliveryResult, error) {
	if err := input.Validate(); err != nil {
		return DeliveryResult{}, err
	}
	rx, err := s.clinical.GetPrescription(ctx, input.PrescriptionID)
	if err != nil {
		return DeliveryResult{}, err
	}
	if !rx.IsActive {
		return DeliveryResult{}, shared.InvalidInput("prescription %d is not active", rx.ID)
	}
	ok, err := s.clinical.EmployeeExists(ctx, input.DeliveredBy)
	if err != nil {
		return DeliveryResult{}, err
	}
	if !ok {
		return DeliveryResult{}, shared.NotFound("employee %d not found", input.DeliveredBy)
	}

	// Prices are stored at cent precision; the total is computed from the
	// stored unit price so that total = unit price x quantity holds exactly.
	unitPrice := input.UnitPrice.Round(2)
	now := s.now()
	deliveredAt := now
	if input.DeliveredAt != nil {
		deliveredAt = input.DeliveredAt.UTC()
	}

	var result DeliveryResult
	var movement inventory.MovementResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, rx.ProductID)
		if err != nil {
			return err
		}
		delivery, err := tx.InsertDelivery(ctx, Delivery{
			PrescriptionID: rx.ID,
			ProductID:      product.ID,
			DeliveredBy:    input.DeliveredBy,
			Quantity:       input.Quantity,
			UnitPrice:      unitPrice,
			TotalPrice:     unitPrice.Mul(decimal.NewFromInt(input.Quantity)),
			DeliveredAt:    deliveredAt,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		movement, err = inventory.Apply(ctx, tx, inventory.MovementInput{
			ProductID: product.ID,
			Type:      inventory.MovementExit,
			Quantity:  input.Quantity,
			Reason:    movementReason(delivery.ID, rx.ID),
			RefModule: RefModule,
			RefID:     delivery.ID,
			ActorID:   input.DeliveredBy,
		}, now)
		if err != nil {
			return err
		}
		result = DeliveryResult{Delivery: delivery, Movement: movement.Movement, RemainingStock: movement.Product.Stock}
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrInsufficientStock) && s.metrics != nil {
			s.metrics.StockRejected()
		}
		return DeliveryResult{}, err
	}

	if s.metrics != nil {
		s.metrics.DeliveryRecorded()
	}
	if s.hook != nil {
		s.hook.AfterCommit(ctx, movement)
	}
	s.logger.Info("prescription delivered",
		slog.Int64("delivery_id", result.Delivery.ID),
		slog.Int64("prescription_id", rx.ID),
		slog.Int64("product_id", rx.ProductID),
		slog.Int64("remaining_stock", result.RemainingStock))
	return result, nil
}

// GetDelivery returns one delivery.
func (s *Service) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	return s.repo.GetDelivery(ctx, id)
}

// ListDeliveries lists deliveries of an existing prescription, newest first.
func (s *Service) ListDeliveries(ctx context.Context, prescriptionID int64) ([]Delivery, error) {
	if _, err := s.clinical.GetPrescription(ctx, prescriptionID); err != nil {
		return nil, err
	}
	return s.repo.ListByPrescription(ctx, prescriptionID)
}

// ListDeliveriesForBilling filters by billing state; nil returns every delivery.
func (s *Service) ListDeliveriesForBilling(ctx context.Context, billed *bool) ([]BillableDelivery, error) {
	return s.repo.ListForBilling(ctx, billed)
}
