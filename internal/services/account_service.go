package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fintrackr/backend/internal/config"
	"github.com/fintrackr/backend/internal/models"
)

// AccountService owns the account rows. Balance columns are written only
// by the LedgerService and the ReconciliationService; everything here is
// metadata and reads.
type AccountService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
	cfg       *config.LedgerConfig
}

func NewAccountService(db *sql.DB, redisClient *redis.Client, cfg *config.LedgerConfig) *AccountService {
	if cfg == nil {
		cfg = config.LoadLedgerConfig()
	}
	return &AccountService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

type AccountInput struct {
	Name string `json:"name" validate:"required,max=80"`
	Kind string `json:"kind" validate:"required,oneof=checking savings investment credit wallet"`
}

// CreateAccount creates an account for the authenticated owner
// @Summary Create account
// @Description Create a bank, credit or wallet account with a zero opening balance
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param account body AccountInput true "Account data"
// @Success 201 {object} models.Account
// @Failure 400 {object} ErrorResponse
// @Router /accounts [post]
func (as *AccountService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req AccountInput
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := as.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account, err := as.createAccount(r.Context(), ownerID, req.Name, req.Kind)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to create account for owner %s: %v", ownerID, err)
		SendErrorResponse(w, "Failed to create account", ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// ListAccounts lists the owner's accounts
// @Summary List accounts
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param includeInactive query bool false "Include soft-deleted accounts"
// @Success 200 {array} models.Account
// @Router /accounts [get]
func (as *AccountService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	includeInactive := r.URL.Query().Get("includeInactive") == "true"
	accounts, err := as.fetchAccounts(r.Context(), ownerID, includeInactive)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to list accounts for owner %s: %v", ownerID, err)
		SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// GetAccount returns a single account
// @Summary Get account
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} models.Account
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId} [get]
func (as *AccountService) GetAccount(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	accountID := chi.URLParam(r, "accountId")
	account, err := as.fetchAccount(r.Context(), ownerID, accountID)
	if err != nil {
		SendErrorResponse(w, err.Error(), ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// GetAccountBalance returns the stored balance for one account
// @Summary Get account balance
// @Description Pure read of the stored balance, served from cache when warm
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} models.AccountBalance
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/balance [get]
func (as *AccountService) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	accountID := chi.URLParam(r, "accountId")
	balance, err := as.fetchBalance(r.Context(), ownerID, accountID)
	if err != nil {
		SendErrorResponse(w, err.Error(), ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.AccountBalance{AccountID: accountID, Balance: balance})
}

// DeactivateAccount soft-deletes an account
// @Summary Deactivate account
// @Description Clears the active flag. The account stays visible in history and remains a reconciliation target.
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId} [delete]
func (as *AccountService) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	accountID := chi.URLParam(r, "accountId")
	if err := as.deactivateAccount(r.Context(), ownerID, accountID); err != nil {
		SendErrorResponse(w, err.Error(), ErrorStatus(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"account_id": accountID,
	})
}

// EnsureWallet returns the owner's default cash wallet, creating it if absent
// @Summary Ensure default wallet
// @Description Explicit lazy-creation step for the cash wallet; never a side effect of transaction creation
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Account
// @Router /accounts/wallet [post]
func (as *AccountService) EnsureWallet(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("userID").(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := as.EnsureDefaultWallet(r.Context(), ownerID)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to ensure wallet for owner %s: %v", ownerID, err)
		SendErrorResponse(w, "Failed to ensure wallet", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// EnsureDefaultWallet finds the owner's active cash wallet or creates one.
// Cash-only flows call this before booking their first transaction.
func (as *AccountService) EnsureDefaultWallet(ctx context.Context, ownerID string) (*models.Account, error) {
	account := &models.Account{}
	err := as.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, kind, balance, active, created_at, updated_at
		FROM accounts
		WHERE owner_id = $1 AND kind = $2 AND active = true
		ORDER BY created_at
		LIMIT 1`, ownerID, models.AccountKindWallet).Scan(
		&account.ID, &account.OwnerID, &account.Name, &account.Kind,
		&account.Balance, &account.Active, &account.CreatedAt, &account.UpdatedAt)
	if err == nil {
		return account, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	return as.createAccount(ctx, ownerID, as.cfg.DefaultWalletName, models.AccountKindWallet)
}

func (as *AccountService) createAccount(ctx context.Context, ownerID, name, kind string) (*models.Account, error) {
	if !models.ValidAccountKind(kind) {
		return nil, validationErrorf("unknown account kind %q", kind)
	}

	now := time.Now().UTC()
	account := &models.Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Kind:      kind,
		Balance:   decimal.Zero,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := as.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, name, kind, balance, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.OwnerID, account.Name, account.Kind,
		account.Balance, account.Active, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return account, nil
}

func (as *AccountService) fetchAccounts(ctx context.Context, ownerID string, includeInactive bool) ([]models.Account, error) {
	query := `
		SELECT id, owner_id, name, kind, balance, active, created_at, updated_at
		FROM accounts
		WHERE owner_id = $1`
	if !includeInactive {
		query += ` AND active = true`
	}
	query += ` ORDER BY created_at`

	rows, err := as.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var account models.Account
		if err := rows.Scan(&account.ID, &account.OwnerID, &account.Name, &account.Kind,
			&account.Balance, &account.Active, &account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (as *AccountService) fetchAccount(ctx context.Context, ownerID, accountID string) (*models.Account, error) {
	account := &models.Account{}
	err := as.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, kind, balance, active, created_at, updated_at
		FROM accounts
		WHERE id = $1 AND owner_id = $2`, accountID, ownerID).Scan(
		&account.ID, &account.OwnerID, &account.Name, &account.Kind,
		&account.Balance, &account.Active, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Resource: "account", ID: accountID}
		}
		return nil, err
	}
	return account, nil
}

// fetchBalance is a read-through cache over the stored balance column.
// The key carries the owner, so a hit can only ever serve the caller's
// own account.
func (as *AccountService) fetchBalance(ctx context.Context, ownerID, accountID string) (decimal.Decimal, error) {
	if as.redis != nil {
		cached, err := as.redis.Get(ctx, balanceCacheKey(ownerID, accountID)).Result()
		if err == nil {
			if balance, parseErr := decimal.NewFromString(cached); parseErr == nil {
				return balance, nil
			}
		}
	}

	account, err := as.fetchAccount(ctx, ownerID, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	if as.redis != nil {
		if err := as.redis.Set(ctx, balanceCacheKey(ownerID, accountID), account.Balance.String(), as.cfg.BalanceCacheTTL).Err(); err != nil {
			log.Printf("[ACCOUNT] Failed to cache balance for %s: %v", accountID, err)
		}
	}
	return account.Balance, nil
}

func (as *AccountService) deactivateAccount(ctx context.Context, ownerID, accountID string) error {
	result, err := as.db.ExecContext(ctx, `
		UPDATE accounts SET active = false, updated_at = $1
		WHERE id = $2 AND owner_id = $3`,
		time.Now().UTC(), accountID, ownerID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return &NotFoundError{Resource: "account", ID: accountID}
	}

	if as.redis != nil {
		if err := as.redis.Del(ctx, balanceCacheKey(ownerID, accountID)).Err(); err != nil {
			log.Printf("[ACCOUNT] Failed to invalidate balance cache for %s: %v", accountID, err)
		}
	}
	return nil
}
