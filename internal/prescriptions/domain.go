package prescriptions

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// RefModule tags the EXIT movement that a delivery produces.
const RefModule = "prescription_delivery"

// Delivery records a prescribed product handed to a patient. Immutable.
type Delivery struct {
	ID             int64           `json:"id"`
	PrescriptionID int64           `json:"prescription_id"`
	ProductID      int64           `json:"product_id"`
	DeliveredBy    int64           `json:"delivered_by"`
	Quantity       int64           `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	DeliveredAt    time.Time       `json:"delivered_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeliverInput requests a delivery against a prescription.
type DeliverInput struct {
	PrescriptionID int64
	DeliveredBy    int64
	Quantity       int64
	UnitPrice      decimal.Decimal
	DeliveredAt    *time.Time
}

// Validate checks the input shape.
func (in DeliverInput) Validate() error {
	if in.PrescriptionID <= 0 {
		return shared.InvalidInput("prescription id is required")
	}
	if in.DeliveredBy <= 0 {
		return shared.InvalidInput("delivered by is required")
	}
	if in.Quantity <= 0 {
		return shared.InvalidInput("quantity must be positive")
	}
	if in.UnitPrice.IsNegative() {
		return shared.InvalidInput("unit price must be >= 0")
	}
	return nil
}

// DeliveryResult is the committed delivery with its stock exit.
type DeliveryResult struct {
	Delivery       Delivery           `json:"delivery"`
	Movement       inventory.Movement `json:"movement"`
	RemainingStock int64              `json:"remaining_stock"`
}

// BillingLink identifies the invoice item that billed a delivery.
type BillingLink struct {
	InvoiceItemID int64  `json:"invoice_item_id"`
	InvoiceID     int64  `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	PaymentID     int64  `json:"payment_id"`
}

// BillableDelivery is a delivery with its billing state.
type BillableDelivery struct {
	Delivery
	ProductName string       `json:"product_name"`
	Invoice     *BillingLink `json:"invoice,omitempty"`
}

// Billed reports whether an invoice item references the delivery.
func (d BillableDelivery) Billed() bool {
	return d.Invoice != nil
}

func movementReason(deliveryID, prescriptionID int64) string {
	return fmt.Sprintf("prescription delivery %d (prescription %d)", deliveryID, prescriptionID)
}
