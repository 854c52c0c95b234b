package services

import (
	"github.com/shopspring/decimal"

	"github.com/fintrackr/backend/internal/models"
)

// Effect is one signed balance delta implied by a transaction against a
// single account.
type Effect struct {
	AccountID string
	Delta     decimal.Decimal
}

// ComputeEffects maps a transaction onto the balance deltas it implies.
// Pure and deterministic: no I/O, no mutation. Asset accounts decrease on
// expense and increase on income; credit accounts store outstanding debt,
// so their sign convention is inverted.
func ComputeEffects(txType string, amount decimal.Decimal, src, dst *models.Account) ([]Effect, error) {
	if amount.Sign() <= 0 {
		return nil, validationErrorf("amount must be positive, got %s", amount)
	}

	switch txType {
	case models.TransactionTypeIncome:
		if src != nil || dst == nil {
			return nil, validationErrorf("income requires a destination account and no source")
		}
		return incomeLeg(dst, amount)

	case models.TransactionTypeExpense:
		if dst != nil || src == nil {
			return nil, validationErrorf("expense requires a source account and no destination")
		}
		return expenseLeg(src, amount)

	case models.TransactionTypeTransfer:
		if src == nil || dst == nil {
			return nil, validationErrorf("transfer requires both source and destination accounts")
		}
		if src.ID == dst.ID {
			return nil, validationErrorf("transfer source and destination must differ")
		}
		// A transfer is an expense-effect on the source leg plus an
		// income-effect on the destination leg, each per its own kind.
		out, err := expenseLeg(src, amount)
		if err != nil {
			return nil, err
		}
		if dst.Kind == models.AccountKindCredit {
			// Paying down a card: debt decreases.
			out = append(out, Effect{AccountID: dst.ID, Delta: amount.Neg()})
			return out, nil
		}
		out = append(out, Effect{AccountID: dst.ID, Delta: amount})
		return out, nil
	}

	return nil, validationErrorf("unknown transaction type %q", txType)
}

// ReverseEffects returns the compensating deltas that undo a previously
// applied effect list.
func ReverseEffects(effects []Effect) []Effect {
	reversed := make([]Effect, len(effects))
	for i, e := range effects {
		reversed[i] = Effect{AccountID: e.AccountID, Delta: e.Delta.Neg()}
	}
	return reversed
}

func incomeLeg(dst *models.Account, amount decimal.Decimal) ([]Effect, error) {
	if dst.Kind == models.AccountKindCredit {
		// Income never targets a debt account; rejecting beats silently
		// moving the balance the wrong way.
		return nil, validationErrorf("income cannot target credit account %s", dst.ID)
	}
	return []Effect{{AccountID: dst.ID, Delta: amount}}, nil
}

func expenseLeg(src *models.Account, amount decimal.Decimal) ([]Effect, error) {
	if src.Kind == models.AccountKindCredit {
		// Spending on a card grows the outstanding debt.
		return []Effect{{AccountID: src.ID, Delta: amount}}, nil
	}
	return []Effect{{AccountID: src.ID, Delta: amount.Neg()}}, nil
}
