package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/fintrackr/backend/internal/models"
)

// ReconciliationService recomputes account balances from the full
// transaction history. It is the authoritative repair path when the
// incremental updates are suspected to have drifted, and the only writer
// of balances besides the LedgerService.
type ReconciliationService struct {
	db     *sql.DB
	redis  *redis.Client
	events EventPublisher
}

func NewReconciliationService(db *sql.DB, redisClient *redis.Client, events EventPublisher) *ReconciliationService {
	return &ReconciliationService{
		db:     db,
		redis:  redisClient,
		events: events,
	}
}

// Reconcile replays every active transaction for the owner in creation
// order and rewrites each account's balance with the recomputed sum.
// Inactive accounts with history are reconciled too. The whole rewrite
// holds the same per-account locks as the incremental path, so it cannot
// interleave with an in-flight create/edit/delete. Running it twice with
// no new transactions is a no-op the second time.
func (rs *ReconciliationService) Reconcile(ctx context.Context, ownerID string) (*models.ReconciliationReport, error) {
	dbTx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	accounts, order, err := rs.lockOwnerAccounts(ctx, dbTx, ownerID)
	if err != nil {
		return nil, err
	}

	recomputed := make(map[string]decimal.Decimal, len(accounts))
	for id := range accounts {
		// Opening balance is zero; an explicit opening-balance transaction
		// is just the first income row.
		recomputed[id] = decimal.Zero
	}

	replayed, err := rs.replayTransactions(ctx, dbTx, ownerID, accounts, recomputed)
	if err != nil {
		return nil, err
	}

	report := &models.ReconciliationReport{
		OwnerID:  ownerID,
		Entries:  make([]models.ReconciliationEntry, 0, len(order)),
		Replayed: replayed,
		RanAt:    time.Now().UTC(),
	}

	for _, id := range order {
		account := accounts[id]
		after := recomputed[id]
		drift := after.Sub(account.Balance)

		report.Entries = append(report.Entries, models.ReconciliationEntry{
			AccountID: id,
			Name:      account.Name,
			Kind:      account.Kind,
			Before:    account.Balance,
			After:     after,
			Drift:     drift,
		})

		if drift.IsZero() {
			continue
		}
		report.DriftCount++
		if _, err := dbTx.ExecContext(ctx, `
			UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
			after, report.RanAt, id); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[RECONCILE] Failed to commit for owner %s: %v", ownerID, err)
		return nil, err
	}

	rs.afterReconcile(ctx, report)
	return report, nil
}

// lockOwnerAccounts takes FOR UPDATE locks on every account of the owner,
// in ascending ID order, matching the ledger engine's lock discipline.
func (rs *ReconciliationService) lockOwnerAccounts(ctx context.Context, dbTx *sql.Tx, ownerID string) (map[string]*models.Account, []string, error) {
	rows, err := dbTx.QueryContext(ctx, `
		SELECT id, owner_id, name, kind, balance, active, created_at, updated_at
		FROM accounts
		WHERE owner_id = $1
		ORDER BY id
		FOR UPDATE`, ownerID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	accounts := map[string]*models.Account{}
	order := []string{}
	for rows.Next() {
		account := &models.Account{}
		if err := rows.Scan(&account.ID, &account.OwnerID, &account.Name, &account.Kind,
			&account.Balance, &account.Active, &account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, nil, err
		}
		accounts[account.ID] = account
		order = append(order, account.ID)
	}
	return accounts, order, rows.Err()
}

// replayTransactions folds every active transaction's effects into the
// recomputed balances. A transaction referencing an account the owner no
// longer has is state the log cannot explain, so the rewrite aborts.
func (rs *ReconciliationService) replayTransactions(ctx context.Context, dbTx *sql.Tx, ownerID string, accounts map[string]*models.Account, recomputed map[string]decimal.Decimal) (int, error) {
	rows, err := dbTx.QueryContext(ctx, `
		SELECT id, type, amount, source_account_id, destination_account_id
		FROM transactions
		WHERE owner_id = $1 AND status = $2
		ORDER BY created_at, id`, ownerID, models.TransactionStatusActive)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	replayed := 0
	for rows.Next() {
		var (
			txID   string
			txType string
			amount decimal.Decimal
			srcID  *string
			dstID  *string
		)
		if err := rows.Scan(&txID, &txType, &amount, &srcID, &dstID); err != nil {
			return 0, err
		}

		src, err := resolveAccount(accounts, srcID, txID)
		if err != nil {
			return 0, err
		}
		dst, err := resolveAccount(accounts, dstID, txID)
		if err != nil {
			return 0, err
		}

		effects, err := ComputeEffects(txType, amount, src, dst)
		if err != nil {
			return 0, &ConsistencyError{Reason: fmt.Sprintf("transaction %s cannot be replayed: %v", txID, err)}
		}
		for _, effect := range effects {
			recomputed[effect.AccountID] = recomputed[effect.AccountID].Add(effect.Delta)
		}
		replayed++
	}
	return replayed, rows.Err()
}

func resolveAccount(accounts map[string]*models.Account, id *string, txID string) (*models.Account, error) {
	if id == nil || *id == "" {
		return nil, nil
	}
	account, ok := accounts[*id]
	if !ok {
		return nil, &ConsistencyError{Reason: fmt.Sprintf("transaction %s references unknown account %s", txID, *id)}
	}
	return account, nil
}

func (rs *ReconciliationService) afterReconcile(ctx context.Context, report *models.ReconciliationReport) {
	if rs.redis != nil {
		for _, entry := range report.Entries {
			if err := rs.redis.Del(ctx, balanceCacheKey(report.OwnerID, entry.AccountID)).Err(); err != nil {
				log.Printf("[RECONCILE] Failed to invalidate balance cache for %s: %v", entry.AccountID, err)
			}
		}
	}
	if rs.events != nil {
		if err := rs.events.Publish(TopicReconciliation, report); err != nil {
			log.Printf("[RECONCILE] Failed to publish report for owner %s: %v", report.OwnerID, err)
		}
	}
	log.Printf("[RECONCILE] Owner %s: %d accounts, %d replayed, %d drifted",
		report.OwnerID, len(report.Entries), report.Replayed, report.DriftCount)
}
