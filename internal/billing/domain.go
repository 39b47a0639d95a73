package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// NumberPrefix prefixes every invoice number.
const NumberPrefix = "INV-"

// FormatNumber renders a sequence value as a fixed width invoice number.
func FormatNumber(seq int64) string {
	return fmt.Sprintf("%s%06d", NumberPrefix, seq)
}

// Invoice is issued once per payment.
type Invoice struct {
	ID        int64           `json:"id"`
	Number    string          `json:"number"`
	PaymentID int64           `json:"payment_id"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Taxes     decimal.Decimal `json:"taxes"`
	Total     decimal.Decimal `json:"total"`
	IssueDate time.Time       `json:"issue_date"`
	DueDate   *time.Time      `json:"due_date,omitempty"`
	Items     []InvoiceItem   `json:"items"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// InvoiceItem bills exactly one appointment or one delivery.
type InvoiceItem struct {
	ID            int64           `json:"id"`
	InvoiceID     int64           `json:"invoice_id"`
	Description   string          `json:"description"`
	Quantity      int64           `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Total         decimal.Decimal `json:"total"`
	AppointmentID *int64          `json:"appointment_id,omitempty"`
	DeliveryID    *int64          `json:"delivery_id,omitempty"`
}

// ItemInput describes one line of a new invoice.
type ItemInput struct {
	Description   string
	Quantity      int64
	UnitPrice     decimal.Decimal
	Total         *decimal.Decimal
	AppointmentID *int64
	DeliveryID    *int64
}

// CreateInvoiceInput requests a new invoice. Subtotal defaults to the sum of
// item totals and taxes default to zero.
type CreateInvoiceInput struct {
	PaymentID int64
	Items     []ItemInput
	Subtotal  *decimal.Decimal
	Taxes     *decimal.Decimal
	DueDate   *time.Time
}

// UpdateInvoiceInput edits header amounts. Items are fixed at creation.
type UpdateInvoiceInput struct {
	Subtotal *decimal.Decimal
	Taxes    *decimal.Decimal
	DueDate  *time.Time
}

func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

type eventKey struct {
	kind string
	id   int64
}

// buildItems validates the lines and fills in defaulted totals.
func buildItems(inputs []ItemInput) ([]InvoiceItem, decimal.Decimal, error) {
	if len(inputs) == 0 {
		return nil, decimal.Zero, shared.InvalidInput("invoice requires at least one item")
	}
	seen := make(map[eventKey]bool, len(inputs))
	items := make([]InvoiceItem, 0, len(inputs))
	sum := decimal.Zero
	for i, in := range inputs {
		if strings.TrimSpace(in.Description) == "" {
			return nil, decimal.Zero, shared.InvalidInput("item %d: description is required", i+1)
		}
		if (in.AppointmentID == nil) == (in.DeliveryID == nil) {
			return nil, decimal.Zero, shared.InvalidInput("item %d: exactly one of appointment or delivery is required", i+1)
		}
		if in.Quantity <= 0 {
			return nil, decimal.Zero, shared.InvalidInput("item %d: quantity must be positive", i+1)
		}
		if in.UnitPrice.IsNegative() {
			return nil, decimal.Zero, shared.InvalidInput("item %d: unit price must be >= 0", i+1)
		}
		key := eventKey{kind: "appointment"}
		if in.DeliveryID != nil {
			key = eventKey{kind: "delivery", id: *in.DeliveryID}
		} else {
			key.id = *in.AppointmentID
		}
		if key.id <= 0 {
			return nil, decimal.Zero, shared.InvalidInput("item %d: invalid %s id", i+1, key.kind)
		}
		if seen[key] {
			return nil, decimal.Zero, shared.Conflict("%s %d appears twice on the invoice", key.kind, key.id)
		}
		seen[key] = true

		total := in.UnitPrice.Mul(decimal.NewFromInt(in.Quantity))
		if in.Total != nil {
			if in.Total.IsNegative() {
				return nil, decimal.Zero, shared.InvalidInput("item %d: total must be >= 0", i+1)
			}
			total = *in.Total
		}
		total = money(total)
		sum = sum.Add(total)
		items = append(items, InvoiceItem{
			Description:   strings.TrimSpace(in.Description),
			Quantity:      in.Quantity,
			UnitPrice:     money(in.UnitPrice),
			Total:         total,
			AppointmentID: in.AppointmentID,
			DeliveryID:    in.DeliveryID,
		})
	}
	return items, sum, nil
}

func nonNegative(name string, d *decimal.Decimal) error {
	if d != nil && d.IsNegative() {
		return shared.InvalidInput("%s must be >= 0", name)
	}
	return nil
}

// InvoiceIssuedEvent is emitted after an invoice commits.
type InvoiceIssuedEvent struct {
	InvoiceID int64
	Number    string
	PaymentID int64
	Total     decimal.Decimal
	ItemCount int
	IssuedAt  time.Time
}

// InvoiceVoidedEvent is emitted after an invoice is removed.
type InvoiceVoidedEvent struct {
	InvoiceID int64
	Number    string
	PaymentID int64
	VoidedAt  time.Time
}
