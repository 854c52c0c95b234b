package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"

	"github.com/fintrackr/backend/internal/models"
)

// TransactionService is the HTTP surface over the ledger engine plus the
// owner-scoped transaction reads. All mutations go through LedgerService;
// this layer never touches balances itself.
type TransactionService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewTransactionService(db *sql.DB, ledger *LedgerService) *TransactionService {
	return &TransactionService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// CreateTransaction books a new transaction
// @Summary Create a transaction
// @Description Create an income, expense or transfer and apply its balance effects atomically
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param transaction body TransactionInput true "Transaction data"
// @Success 201 {object} object{success=bool,transaction=models.Transaction,balances=[]models.AccountBalance}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /transactions [post]
func (ts *TransactionService) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	input, ok := ts.decodeInput(w, r)
	if !ok {
		return
	}

	tx, balances, err := ts.ledger.CreateTransaction(r.Context(), ownerID, input)
	if err != nil {
		log.Printf("[TRANSACTION] Create failed for owner %s: %v", ownerID, err)
		SendErrorResponse(w, err.Error(), ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"transaction": tx,
		"balances":    balances,
	})
}

// EditTransaction rewrites a transaction
// @Summary Edit a transaction
// @Description Reverse the previously applied effects and apply the new ones in one atomic unit
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Param transaction body TransactionInput true "New transaction data"
// @Success 200 {object} object{success=bool,transaction=models.Transaction,balances=[]models.AccountBalance}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txId} [put]
func (ts *TransactionService) EditTransaction(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "txId")
	input, ok := ts.decodeInput(w, r)
	if !ok {
		return
	}

	tx, balances, err := ts.ledger.EditTransaction(r.Context(), ownerID, txID, input)
	if err != nil {
		log.Printf("[TRANSACTION] Edit of %s failed for owner %s: %v", txID, ownerID, err)
		SendErrorResponse(w, err.Error(), ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"transaction": tx,
		"balances":    balances,
	})
}

// DeleteTransaction removes a transaction from the ledger
// @Summary Delete a transaction
// @Description Reverse the transaction's effects and mark it deleted; the row is kept for history
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} object{success=bool,balances=[]models.AccountBalance}
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txId} [delete]
func (ts *TransactionService) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "txId")
	balances, err := ts.ledger.DeleteTransaction(r.Context(), ownerID, txID)
	if err != nil {
		log.Printf("[TRANSACTION] Delete of %s failed for owner %s: %v", txID, ownerID, err)
		SendErrorResponse(w, err.Error(), ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"balances": balances,
	})
}

// GetTransaction retrieves a specific transaction
// @Summary Get transaction by ID
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txId} [get]
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "txId")
	tx, err := ts.fetchTransaction(r.Context(), ownerID, txID)
	if err != nil {
		SendErrorResponse(w, err.Error(), ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// ListTransactions retrieves transactions with optional filters
// @Summary List transactions
// @Description List the owner's transactions. Shows active rows unless status=deleted or status=all is given.
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param accountId query string false "Filter by source or destination account"
// @Param type query string false "Filter by type (income, expense, transfer)"
// @Param status query string false "active (default), deleted or all"
// @Param limit query int false "Max rows (default 50, max 200)"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Router /transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	transactions, err := ts.fetchTransactions(r.Context(), ownerID,
		r.URL.Query().Get("accountId"), r.URL.Query().Get("type"), r.URL.Query().Get("status"), limit)
	if err != nil {
		log.Printf("[TRANSACTION] List failed for owner %s: %v", ownerID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

func (ts *TransactionService) decodeInput(w http.ResponseWriter, r *http.Request) (TransactionInput, bool) {
	var input TransactionInput

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&input); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return input, false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return input, false
	}
	if err := ts.validator.ValidateStruct(&input); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return input, false
	}
	return input, true
}

const transactionColumns = `id, owner_id, type, amount, title, notes, category_id,
	source_account_id, destination_account_id, status, occurred_at, created_at, updated_at, deleted_at`

func (ts *TransactionService) fetchTransaction(ctx context.Context, ownerID, txID string) (*models.Transaction, error) {
	tx := &models.Transaction{}
	err := ts.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1 AND owner_id = $2`, txID, ownerID).Scan(
		&tx.ID, &tx.OwnerID, &tx.Type, &tx.Amount, &tx.Title, pq.Array(&tx.Notes), &tx.CategoryID,
		&tx.SourceAccountID, &tx.DestinationAccountID, &tx.Status, &tx.OccurredAt,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.DeletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Resource: "transaction", ID: txID}
		}
		return nil, err
	}
	return tx, nil
}

func (ts *TransactionService) fetchTransactions(ctx context.Context, ownerID, accountID, txType, status string, limit int) ([]models.Transaction, error) {
	conditions := []string{"owner_id = $1"}
	args := []any{ownerID}
	argIndex := 2

	if accountID != "" {
		conditions = append(conditions, fmt.Sprintf("(source_account_id = $%d OR destination_account_id = $%d)", argIndex, argIndex))
		args = append(args, accountID)
		argIndex++
	}

	if txType != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIndex))
		args = append(args, txType)
		argIndex++
	}

	switch status {
	case "all":
	case "":
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, models.TransactionStatusActive)
		argIndex++
	default:
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, status)
		argIndex++
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(conditions, " AND ") +
		fmt.Sprintf(" ORDER BY occurred_at DESC, created_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := ts.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(
			&tx.ID, &tx.OwnerID, &tx.Type, &tx.Amount, &tx.Title, pq.Array(&tx.Notes), &tx.CategoryID,
			&tx.SourceAccountID, &tx.DestinationAccountID, &tx.Status, &tx.OccurredAt,
			&tx.CreatedAt, &tx.UpdatedAt, &tx.DeletedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}
