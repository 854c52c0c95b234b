package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/fintrackr/backend/internal/models"
)

// EventPublisher pushes ledger lifecycle events to the message bus.
// A nil publisher disables publishing.
type EventPublisher interface {
	Publish(topic string, event any) error
}

// Kafka topics for ledger events.
const (
	TopicTransactions   = "ledger.transactions"
	TopicReconciliation = "ledger.reconciliation"
)

// TransactionInput is the request shape shared by create and edit.
type TransactionInput struct {
	Type                 string          `json:"type" validate:"required,oneof=income expense transfer"`
	Amount               decimal.Decimal `json:"amount"`
	Title                string          `json:"title" validate:"required,max=140"`
	Notes                []string        `json:"notes" validate:"omitempty,max=20,dive,max=280"`
	CategoryID           string          `json:"category_id" validate:"required"`
	SourceAccountID      *string         `json:"source_account_id"`
	DestinationAccountID *string         `json:"destination_account_id"`
	OccurredAt           time.Time       `json:"occurred_at" validate:"required"`
}

// LedgerService is the sole writer of account balances. Every mutation
// runs as one database transaction: account rows are locked FOR UPDATE in
// ascending ID order, deltas from the effect calculator are applied, and
// the transaction row is written, all-or-nothing.
type LedgerService struct {
	db     *sql.DB
	redis  *redis.Client
	events EventPublisher
}

func NewLedgerService(db *sql.DB, redisClient *redis.Client, events EventPublisher) *LedgerService {
	return &LedgerService{
		db:     db,
		redis:  redisClient,
		events: events,
	}
}

type transactionEvent struct {
	Action      string                  `json:"action"`
	Transaction *models.Transaction     `json:"transaction"`
	Balances    []models.AccountBalance `json:"balances"`
}

// CreateTransaction validates the input, applies its balance effects and
// persists the row atomically.
func (ls *LedgerService) CreateTransaction(ctx context.Context, ownerID string, input TransactionInput) (*models.Transaction, []models.AccountBalance, error) {
	dbTx, err := ls.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer dbTx.Rollback()

	tx, balances, err := ls.createTransactionTx(ctx, dbTx, ownerID, input)
	if err != nil {
		return nil, nil, err
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[LEDGER] Failed to commit create for owner %s: %v", ownerID, err)
		return nil, nil, err
	}

	ls.afterMutation(ctx, "created", tx, balances)
	return tx, balances, nil
}

// createTransactionTx books a transaction inside the caller's database
// transaction, so other row writes can ride in the same atomic unit.
// The caller commits, then runs afterMutation with the returned values.
func (ls *LedgerService) createTransactionTx(ctx context.Context, dbTx *sql.Tx, ownerID string, input TransactionInput) (*models.Transaction, []models.AccountBalance, error) {
	if err := validateInputShape(input); err != nil {
		return nil, nil, err
	}

	accounts, err := ls.lockAccounts(ctx, dbTx, ownerID, referencedIDs(input.SourceAccountID, input.DestinationAccountID))
	if err != nil {
		return nil, nil, err
	}
	if err := requireActive(accounts); err != nil {
		return nil, nil, err
	}

	src := accounts[deref(input.SourceAccountID)]
	dst := accounts[deref(input.DestinationAccountID)]

	effects, err := ComputeEffects(input.Type, input.Amount, src, dst)
	if err != nil {
		return nil, nil, err
	}

	balances, err := ls.applyEffects(ctx, dbTx, accounts, effects)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	tx := &models.Transaction{
		ID:                   uuid.NewString(),
		OwnerID:              ownerID,
		Type:                 input.Type,
		Amount:               input.Amount,
		Title:                input.Title,
		Notes:                input.Notes,
		CategoryID:           input.CategoryID,
		SourceAccountID:      input.SourceAccountID,
		DestinationAccountID: input.DestinationAccountID,
		Status:               models.TransactionStatusActive,
		OccurredAt:           input.OccurredAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := insertTransaction(ctx, dbTx, tx); err != nil {
		return nil, nil, err
	}

	return tx, balances, nil
}

// EditTransaction reverses the previously applied effects, then validates
// and applies the new ones, inside a single database transaction. A crash
// anywhere in between rolls the whole unit back; the reversal is never
// visible without the new effect.
func (ls *LedgerService) EditTransaction(ctx context.Context, ownerID, txID string, input TransactionInput) (*models.Transaction, []models.AccountBalance, error) {
	if err := validateInputShape(input); err != nil {
		return nil, nil, err
	}

	dbTx, err := ls.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer dbTx.Rollback()

	existing, err := lockTransaction(ctx, dbTx, ownerID, txID)
	if err != nil {
		return nil, nil, err
	}

	ids := referencedIDs(existing.SourceAccountID, existing.DestinationAccountID)
	ids = append(ids, referencedIDs(input.SourceAccountID, input.DestinationAccountID)...)

	accounts, err := ls.lockAccounts(ctx, dbTx, ownerID, ids)
	if err != nil {
		return nil, nil, err
	}
	// Only the accounts the edit references must be active; the old
	// references may have been deactivated since and are still reversible.
	newRefs := map[string]*models.Account{}
	for _, id := range referencedIDs(input.SourceAccountID, input.DestinationAccountID) {
		newRefs[id] = accounts[id]
	}
	if err := requireActive(newRefs); err != nil {
		return nil, nil, err
	}

	oldEffects, err := ComputeEffects(existing.Type, existing.Amount,
		accounts[deref(existing.SourceAccountID)], accounts[deref(existing.DestinationAccountID)])
	if err != nil {
		// The stored row passed validation when it was created; failing to
		// recompute its effects means the log no longer explains itself.
		return nil, nil, &ConsistencyError{Reason: fmt.Sprintf("stored transaction %s is no longer computable: %v", txID, err)}
	}

	if _, err := ls.applyEffects(ctx, dbTx, accounts, ReverseEffects(oldEffects)); err != nil {
		return nil, nil, err
	}

	newEffects, err := ComputeEffects(input.Type, input.Amount,
		accounts[deref(input.SourceAccountID)], accounts[deref(input.DestinationAccountID)])
	if err != nil {
		return nil, nil, err
	}

	balances, err := ls.applyEffects(ctx, dbTx, accounts, newEffects)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	existing.Type = input.Type
	existing.Amount = input.Amount
	existing.Title = input.Title
	existing.Notes = input.Notes
	existing.CategoryID = input.CategoryID
	existing.SourceAccountID = input.SourceAccountID
	existing.DestinationAccountID = input.DestinationAccountID
	existing.OccurredAt = input.OccurredAt
	existing.UpdatedAt = now

	_, err = dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET type = $1, amount = $2, title = $3, notes = $4, category_id = $5,
		    source_account_id = $6, destination_account_id = $7, occurred_at = $8, updated_at = $9
		WHERE id = $10 AND owner_id = $11`,
		existing.Type, existing.Amount, existing.Title, pq.Array(existing.Notes), existing.CategoryID,
		existing.SourceAccountID, existing.DestinationAccountID, existing.OccurredAt, now,
		txID, ownerID)
	if err != nil {
		return nil, nil, err
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[LEDGER] Failed to commit edit of %s: %v", txID, err)
		return nil, nil, err
	}

	ls.afterMutation(ctx, "updated", existing, balances)
	return existing, balances, nil
}

// DeleteTransaction reverses the transaction's effects and marks the row
// deleted. The row is kept for history; there is no path back to active.
func (ls *LedgerService) DeleteTransaction(ctx context.Context, ownerID, txID string) ([]models.AccountBalance, error) {
	dbTx, err := ls.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	existing, err := lockTransaction(ctx, dbTx, ownerID, txID)
	if err != nil {
		return nil, err
	}

	accounts, err := ls.lockAccounts(ctx, dbTx, ownerID,
		referencedIDs(existing.SourceAccountID, existing.DestinationAccountID))
	if err != nil {
		return nil, err
	}

	effects, err := ComputeEffects(existing.Type, existing.Amount,
		accounts[deref(existing.SourceAccountID)], accounts[deref(existing.DestinationAccountID)])
	if err != nil {
		return nil, &ConsistencyError{Reason: fmt.Sprintf("stored transaction %s is no longer computable: %v", txID, err)}
	}

	balances, err := ls.applyEffects(ctx, dbTx, accounts, ReverseEffects(effects))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, deleted_at = $2, updated_at = $2
		WHERE id = $3 AND owner_id = $4`,
		models.TransactionStatusDeleted, now, txID, ownerID)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[LEDGER] Failed to commit delete of %s: %v", txID, err)
		return nil, err
	}

	existing.Status = models.TransactionStatusDeleted
	existing.DeletedAt = &now
	ls.afterMutation(ctx, "deleted", existing, balances)
	return balances, nil
}

// lockAccounts loads the given accounts FOR UPDATE. IDs are deduplicated
// and locked in ascending order so concurrent operations touching the
// same pair cannot deadlock.
func (ls *LedgerService) lockAccounts(ctx context.Context, dbTx *sql.Tx, ownerID string, ids []string) (map[string]*models.Account, error) {
	sorted := dedupeSorted(ids)
	accounts := make(map[string]*models.Account, len(sorted))

	for _, id := range sorted {
		account := &models.Account{}
		err := dbTx.QueryRowContext(ctx, `
			SELECT id, owner_id, name, kind, balance, active, created_at, updated_at
			FROM accounts
			WHERE id = $1 AND owner_id = $2
			FOR UPDATE`, id, ownerID).Scan(
			&account.ID, &account.OwnerID, &account.Name, &account.Kind,
			&account.Balance, &account.Active, &account.CreatedAt, &account.UpdatedAt)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, &NotFoundError{Resource: "account", ID: id}
			}
			return nil, err
		}
		accounts[id] = account
	}

	return accounts, nil
}

// applyEffects folds each delta into the locked in-memory account state
// and writes the resulting balance back. Callers hold the row locks, so
// the computed balance is authoritative.
func (ls *LedgerService) applyEffects(ctx context.Context, dbTx *sql.Tx, accounts map[string]*models.Account, effects []Effect) ([]models.AccountBalance, error) {
	now := time.Now().UTC()
	for _, effect := range effects {
		account, ok := accounts[effect.AccountID]
		if !ok {
			return nil, &ConsistencyError{Reason: fmt.Sprintf("effect targets unlocked account %s", effect.AccountID)}
		}
		account.Balance = account.Balance.Add(effect.Delta)

		_, err := dbTx.ExecContext(ctx, `
			UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
			account.Balance, now, account.ID)
		if err != nil {
			return nil, err
		}
	}
	return balancesOf(accounts), nil
}

// afterMutation runs strictly after commit: cache invalidation and event
// publishing are best-effort and must not fail the operation.
func (ls *LedgerService) afterMutation(ctx context.Context, action string, tx *models.Transaction, balances []models.AccountBalance) {
	if ls.redis != nil {
		for _, b := range balances {
			if err := ls.redis.Del(ctx, balanceCacheKey(tx.OwnerID, b.AccountID)).Err(); err != nil {
				log.Printf("[LEDGER] Failed to invalidate balance cache for %s: %v", b.AccountID, err)
			}
		}
	}
	if ls.events != nil {
		event := transactionEvent{Action: action, Transaction: tx, Balances: balances}
		if err := ls.events.Publish(TopicTransactions, event); err != nil {
			log.Printf("[LEDGER] Failed to publish %s event for %s: %v", action, tx.ID, err)
		}
	}
}

func insertTransaction(ctx context.Context, dbTx *sql.Tx, tx *models.Transaction) error {
	_, err := dbTx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, owner_id, type, amount, title, notes, category_id, source_account_id, destination_account_id, status, occurred_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.ID, tx.OwnerID, tx.Type, tx.Amount, tx.Title, pq.Array(tx.Notes), tx.CategoryID,
		tx.SourceAccountID, tx.DestinationAccountID, tx.Status, tx.OccurredAt, tx.CreatedAt, tx.UpdatedAt)
	return err
}

// lockTransaction loads an active transaction FOR UPDATE, owner-scoped.
// Deleted transactions are terminal and behave like missing rows.
func lockTransaction(ctx context.Context, dbTx *sql.Tx, ownerID, txID string) (*models.Transaction, error) {
	tx := &models.Transaction{}
	err := dbTx.QueryRowContext(ctx, `
		SELECT id, owner_id, type, amount, title, notes, category_id,
		       source_account_id, destination_account_id, status, occurred_at, created_at, updated_at
		FROM transactions
		WHERE id = $1 AND owner_id = $2 AND status = $3
		FOR UPDATE`, txID, ownerID, models.TransactionStatusActive).Scan(
		&tx.ID, &tx.OwnerID, &tx.Type, &tx.Amount, &tx.Title, pq.Array(&tx.Notes), &tx.CategoryID,
		&tx.SourceAccountID, &tx.DestinationAccountID, &tx.Status, &tx.OccurredAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Resource: "transaction", ID: txID}
		}
		return nil, err
	}
	return tx, nil
}

// validateInputShape rejects bad type/slot combinations before any row is
// touched.
func validateInputShape(input TransactionInput) error {
	if !models.ValidTransactionType(input.Type) {
		return validationErrorf("unknown transaction type %q", input.Type)
	}
	if input.Amount.Sign() <= 0 {
		return validationErrorf("amount must be positive, got %s", input.Amount)
	}

	switch input.Type {
	case models.TransactionTypeIncome:
		if input.DestinationAccountID == nil || input.SourceAccountID != nil {
			return validationErrorf("income requires a destination account and no source")
		}
	case models.TransactionTypeExpense:
		if input.SourceAccountID == nil || input.DestinationAccountID != nil {
			return validationErrorf("expense requires a source account and no destination")
		}
	case models.TransactionTypeTransfer:
		if input.SourceAccountID == nil || input.DestinationAccountID == nil {
			return validationErrorf("transfer requires both source and destination accounts")
		}
		if *input.SourceAccountID == *input.DestinationAccountID {
			return validationErrorf("transfer source and destination must differ")
		}
	}
	return nil
}

func requireActive(accounts map[string]*models.Account) error {
	for _, account := range accounts {
		if account != nil && !account.Active {
			return &InactiveAccountError{AccountID: account.ID}
		}
	}
	return nil
}

func referencedIDs(ids ...*string) []string {
	out := []string{}
	for _, id := range ids {
		if id != nil && *id != "" {
			out = append(out, *id)
		}
	}
	return out
}

func dedupeSorted(ids []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func deref(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

func balancesOf(accounts map[string]*models.Account) []models.AccountBalance {
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	balances := make([]models.AccountBalance, 0, len(ids))
	for _, id := range ids {
		balances = append(balances, models.AccountBalance{AccountID: id, Balance: accounts[id].Balance})
	}
	return balances
}

// balanceCacheKey is owner-scoped: a warm entry must never be servable
// to a caller who does not own the account.
func balanceCacheKey(ownerID, accountID string) string {
	return "balance:" + ownerID + ":" + accountID
}
