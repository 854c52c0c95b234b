package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/fintrackr/backend/internal/services"
)

type ReconcileHandler struct {
	service *services.ReconciliationService
}

func NewReconcileHandler(service *services.ReconciliationService) *ReconcileHandler {
	return &ReconcileHandler{service: service}
}

// Reconcile recomputes the owner's balances from transaction history
// @Summary Reconcile balances
// @Description Replay the full transaction log and rewrite stored balances. Returns a before/after diff; drift is reported, not thrown.
// @Tags ledger
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.ReconciliationReport
// @Failure 409 {object} services.ErrorResponse
// @Router /ledger/reconcile [post]
func (h *ReconcileHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	report, err := h.service.Reconcile(r.Context(), ownerID)
	if err != nil {
		log.Printf("[RECONCILE] Request failed for owner %s: %v", ownerID, err)
		services.SendErrorResponse(w, err.Error(), services.ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
