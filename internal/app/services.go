package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-clinic/backoffice/internal/billing"
	"github.com/odyssey-clinic/backoffice/internal/collab"
	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/observability"
	"github.com/odyssey-clinic/backoffice/internal/prescriptions"
	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// Services bundles the domain services sharing one pool.
type Services struct {
	Inventory     *inventory.Service
	Prescriptions *prescriptions.Service
	Billing       *billing.Service
	Payments      *collab.Payments
}

// ServiceDeps carries the optional collaborators of the domain services.
type ServiceDeps struct {
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Listener  inventory.MovementListener
	Notifiers []billing.Notifier
}

// NewServices wires the domain services against pool.
func NewServices(pool *pgxpool.Pool, deps ServiceDeps) *Services {
	auditLogger := shared.NewAuditLogger(pool)
	payments := collab.NewPayments(pool)

	var (
		invMetrics  inventory.MetricsPort
		rxMetrics   prescriptions.MetricsPort
		billMetrics billing.MetricsPort
	)
	if deps.Metrics != nil {
		invMetrics, rxMetrics, billMetrics = deps.Metrics, deps.Metrics, deps.Metrics
	}

	inv := inventory.NewService(inventory.NewRepository(pool), auditLogger,
		inventory.ServiceConfig{Logger: deps.Logger, Metrics: invMetrics}, deps.Listener)
	rx := prescriptions.NewService(prescriptions.NewRepository(pool), collab.NewClinical(pool), inv,
		prescriptions.ServiceConfig{Logger: deps.Logger, Metrics: rxMetrics})
	bill := billing.NewService(billing.NewRepository(pool), payments, auditLogger,
		billing.ServiceConfig{Logger: deps.Logger, Metrics: billMetrics, Notifiers: deps.Notifiers})

	return &Services{Inventory: inv, Prescriptions: rx, Billing: bill, Payments: payments}
}
