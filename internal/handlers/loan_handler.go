package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fintrackr/backend/internal/services"
)

type LoanHandler struct {
	service   *services.LoanService
	validator *services.ValidationHelper
}

func NewLoanHandler(service *services.LoanService) *LoanHandler {
	return &LoanHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// CreateLoan creates a loan with its amortization schedule
// @Summary Create loan
// @Description Generate and persist the full EMI schedule for a loan. The rate is a whole-number percentage (26 means 26%/yr).
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param loan body services.LoanInput true "Loan terms"
// @Success 201 {object} object{loan=models.Loan,schedule=[]models.LoanPayment}
// @Failure 400 {object} services.ErrorResponse
// @Router /loans [post]
func (h *LoanHandler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	input, ok := h.decodeLoanInput(w, r)
	if !ok {
		return
	}

	loan, schedule, err := h.service.CreateLoan(r.Context(), ownerID, input)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), services.ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"loan":     loan,
		"schedule": schedule,
	})
}

// PreviewSchedule computes an amortization schedule without persisting it
// @Summary Preview amortization schedule
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param loan body services.LoanInput true "Loan terms"
// @Success 200 {object} object{schedule=[]models.LoanPayment}
// @Failure 400 {object} services.ErrorResponse
// @Router /loans/preview [post]
func (h *LoanHandler) PreviewSchedule(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decodeLoanInput(w, r)
	if !ok {
		return
	}

	schedule, err := h.service.AmortizationSchedule(input.Principal, input.AnnualRatePct, input.TermMonths, input.StartDate)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), services.ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"schedule": schedule,
	})
}

// GetSchedule returns a loan and its installments
// @Summary Get loan schedule
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Param loanId path string true "Loan ID"
// @Success 200 {object} object{loan=models.Loan,schedule=[]models.LoanPayment}
// @Failure 404 {object} services.ErrorResponse
// @Router /loans/{loanId}/schedule [get]
func (h *LoanHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	loanID := chi.URLParam(r, "loanId")
	loan, schedule, err := h.service.GetSchedule(r.Context(), ownerID, loanID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), services.ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"loan":     loan,
		"schedule": schedule,
	})
}

// RecordPayment marks an installment paid
// @Summary Record loan payment
// @Description Mark an installment paid or partial; with from_account_id set the cash leaves the account through the ledger
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param loanId path string true "Loan ID"
// @Param paymentNumber path int true "Installment number"
// @Param payment body services.RecordPaymentInput true "Payment details"
// @Success 200 {object} models.LoanPayment
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /loans/{loanId}/payments/{paymentNumber} [post]
func (h *LoanHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	loanID := chi.URLParam(r, "loanId")
	paymentNumber, err := strconv.Atoi(chi.URLParam(r, "paymentNumber"))
	if err != nil || paymentNumber <= 0 {
		services.SendErrorResponse(w, "Invalid payment number", http.StatusBadRequest, nil)
		return
	}

	var input services.RecordPaymentInput
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&input); err != nil && err != io.EOF {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	payment, err := h.service.RecordPayment(r.Context(), ownerID, loanID, paymentNumber, input)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), services.ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payment)
}

func (h *LoanHandler) decodeLoanInput(w http.ResponseWriter, r *http.Request) (services.LoanInput, bool) {
	var input services.LoanInput

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&input); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return input, false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return input, false
	}
	if err := h.validator.ValidateStruct(&input); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return input, false
	}
	return input, true
}
