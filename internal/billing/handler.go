package billing

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-clinic/backoffice/internal/platform/httpx"
)

// Handler wires HTTP endpoints for invoices.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/number/{number}", h.getByNumber)
		r.Get("/payment/{paymentID}", h.getByPayment)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.remove)
	})
}

type itemRequest struct {
	Description   string           `json:"description" validate:"required,max=500"`
	Quantity      int64            `json:"quantity" validate:"required,gt=0"`
	UnitPrice     decimal.Decimal  `json:"unit_price"`
	Total         *decimal.Decimal `json:"total"`
	AppointmentID *int64           `json:"appointment_id" validate:"omitempty,gt=0"`
	DeliveryID    *int64           `json:"delivery_id" validate:"omitempty,gt=0"`
}

type createInvoiceRequest struct {
	PaymentID int64            `json:"payment_id" validate:"required,gt=0"`
	Items     []itemRequest    `json:"items" validate:"required,min=1,dive"`
	Subtotal  *decimal.Decimal `json:"subtotal"`
	Taxes     *decimal.Decimal `json:"taxes"`
	DueDate   *time.Time       `json:"due_date"`
}

type updateInvoiceRequest struct {
	Subtotal *decimal.Decimal `json:"subtotal"`
	Taxes    *decimal.Decimal `json:"taxes"`
	DueDate  *time.Time       `json:"due_date"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.service.ListInvoices(r.Context())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoices)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	input := CreateInvoiceInput{
		PaymentID: req.PaymentID,
		Subtotal:  req.Subtotal,
		Taxes:     req.Taxes,
		DueDate:   req.DueDate,
		Items:     make([]ItemInput, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, ItemInput{
			Description:   item.Description,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Total:         item.Total,
			AppointmentID: item.AppointmentID,
			DeliveryID:    item.DeliveryID,
		})
	}
	invoice, err := h.service.CreateInvoice(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, invoice)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	invoice, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) getByNumber(w http.ResponseWriter, r *http.Request) {
	invoice, err := h.service.FindByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) getByPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := httpx.IDParam(r, "paymentID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	invoice, err := h.service.FindByPayment(r.Context(), paymentID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req updateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	invoice, err := h.service.UpdateInvoice(r.Context(), id, UpdateInvoiceInput{
		Subtotal: req.Subtotal,
		Taxes:    req.Taxes,
		DueDate:  req.DueDate,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if err := h.service.RemoveInvoice(r.Context(), id); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
