package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fintrackr/backend/internal/models"
)

// LoanService generates amortization schedules and tracks installments.
// Cash movements for payments are booked through the LedgerService so
// loan money obeys the same consistency discipline as everything else.
type LoanService struct {
	db      *sql.DB
	ledger  *LedgerService
	maxTerm int
}

func NewLoanService(db *sql.DB, ledger *LedgerService, maxTermMonths int) *LoanService {
	if maxTermMonths <= 0 {
		maxTermMonths = 480
	}
	return &LoanService{
		db:      db,
		ledger:  ledger,
		maxTerm: maxTermMonths,
	}
}

// LoanInput describes a loan to amortize. AnnualRatePct is a whole-number
// percentage: 26 means 26% per year. Fractional entries are taken at face
// value (0.26 means 0.26%/yr), so callers converting from ratios must
// multiply by 100 themselves.
type LoanInput struct {
	Name          string          `json:"name" validate:"required,max=80"`
	Principal     decimal.Decimal `json:"principal"`
	AnnualRatePct decimal.Decimal `json:"annual_rate_pct"`
	TermMonths    int             `json:"term_months" validate:"required,gt=0"`
	StartDate     time.Time       `json:"start_date" validate:"required"`
}

// RecordPaymentInput marks one scheduled installment as (partially) paid.
// When FromAccountID is set the cash movement is booked as an expense
// through the ledger engine.
type RecordPaymentInput struct {
	FromAccountID *string          `json:"from_account_id"`
	CategoryID    string           `json:"category_id"`
	Amount        *decimal.Decimal `json:"amount"`
}

// AmortizationSchedule produces the full EMI schedule. Every row keeps
// principal + interest == payment; the final row absorbs the accumulated
// rounding remainder so the closing balance is exactly zero.
func (lsvc *LoanService) AmortizationSchedule(principal, annualRatePct decimal.Decimal, termMonths int, start time.Time) ([]models.LoanPayment, error) {
	if principal.Sign() <= 0 {
		return nil, validationErrorf("principal must be positive, got %s", principal)
	}
	if annualRatePct.Sign() < 0 || annualRatePct.GreaterThan(decimal.NewFromInt(100)) {
		return nil, validationErrorf("annual rate must be a percentage in [0, 100], got %s", annualRatePct)
	}
	if termMonths <= 0 || termMonths > lsvc.maxTerm {
		return nil, validationErrorf("term must be between 1 and %d months, got %d", lsvc.maxTerm, termMonths)
	}

	monthlyRate := annualRatePct.Div(decimal.NewFromInt(1200))
	emi := monthlyPayment(principal, monthlyRate, termMonths)

	schedule := make([]models.LoanPayment, 0, termMonths)
	remaining := principal

	for i := 1; i <= termMonths; i++ {
		interest := remaining.Mul(monthlyRate).Round(2)
		var principalPart, payment decimal.Decimal

		if i == termMonths {
			// Close at exactly zero: the last principal portion is whatever
			// is left, not EMI minus interest.
			principalPart = remaining
			payment = principalPart.Add(interest)
		} else {
			principalPart = emi.Sub(interest)
			payment = emi
		}

		remaining = remaining.Sub(principalPart)
		schedule = append(schedule, models.LoanPayment{
			PaymentNumber:    i,
			DueDate:          start.AddDate(0, i, 0),
			PrincipalPaid:    principalPart,
			InterestPaid:     interest,
			PaymentAmount:    payment,
			RemainingBalance: remaining,
			AmountPaid:       decimal.Zero,
			Status:           models.PaymentStatusPending,
		})
	}

	return schedule, nil
}

// monthlyPayment is the EMI formula P*r*(1+r)^n / ((1+r)^n - 1), with the
// zero-rate degenerate case splitting the principal evenly.
func monthlyPayment(principal, monthlyRate decimal.Decimal, termMonths int) decimal.Decimal {
	n := decimal.NewFromInt(int64(termMonths))
	if monthlyRate.IsZero() {
		return principal.Div(n).Round(2)
	}
	factor := decimal.NewFromInt(1).Add(monthlyRate).Pow(n)
	return principal.Mul(monthlyRate).Mul(factor).Div(factor.Sub(decimal.NewFromInt(1))).Round(2)
}

// CreateLoan persists the loan and its full pending schedule atomically.
func (lsvc *LoanService) CreateLoan(ctx context.Context, ownerID string, input LoanInput) (*models.Loan, []models.LoanPayment, error) {
	schedule, err := lsvc.AmortizationSchedule(input.Principal, input.AnnualRatePct, input.TermMonths, input.StartDate)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	loan := &models.Loan{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Name:           input.Name,
		Principal:      input.Principal,
		AnnualRatePct:  input.AnnualRatePct,
		TermMonths:     input.TermMonths,
		MonthlyPayment: schedule[0].PaymentAmount,
		Status:         models.LoanStatusActive,
		StartDate:      input.StartDate,
		CreatedAt:      now,
	}

	dbTx, err := lsvc.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer dbTx.Rollback()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO loans (id, owner_id, name, principal, annual_rate_pct, term_months, monthly_payment, status, start_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		loan.ID, loan.OwnerID, loan.Name, loan.Principal, loan.AnnualRatePct,
		loan.TermMonths, loan.MonthlyPayment, loan.Status, loan.StartDate, loan.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	for i := range schedule {
		schedule[i].LoanID = loan.ID
		_, err = dbTx.ExecContext(ctx, `
			INSERT INTO loan_payments (loan_id, payment_number, due_date, principal_paid, interest_paid, payment_amount, remaining_balance, amount_paid, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			schedule[i].LoanID, schedule[i].PaymentNumber, schedule[i].DueDate,
			schedule[i].PrincipalPaid, schedule[i].InterestPaid, schedule[i].PaymentAmount,
			schedule[i].RemainingBalance, schedule[i].AmountPaid, schedule[i].Status)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[LOAN] Failed to commit loan for owner %s: %v", ownerID, err)
		return nil, nil, err
	}

	return loan, schedule, nil
}

// GetSchedule returns the loan and its installment rows.
func (lsvc *LoanService) GetSchedule(ctx context.Context, ownerID, loanID string) (*models.Loan, []models.LoanPayment, error) {
	loan, err := lsvc.fetchLoan(ctx, lsvc.db, ownerID, loanID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := lsvc.db.QueryContext(ctx, `
		SELECT loan_id, payment_number, due_date, principal_paid, interest_paid, payment_amount, remaining_balance, amount_paid, status, paid_at
		FROM loan_payments
		WHERE loan_id = $1
		ORDER BY payment_number`, loanID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	schedule := []models.LoanPayment{}
	for rows.Next() {
		var p models.LoanPayment
		if err := rows.Scan(&p.LoanID, &p.PaymentNumber, &p.DueDate, &p.PrincipalPaid,
			&p.InterestPaid, &p.PaymentAmount, &p.RemainingBalance, &p.AmountPaid, &p.Status, &p.PaidAt); err != nil {
			return nil, nil, err
		}
		if p.Status != models.PaymentStatusPaid && p.DueDate.Before(now) {
			p.Status = models.PaymentStatusOverdue
		}
		schedule = append(schedule, p)
	}
	return loan, schedule, rows.Err()
}

// RecordPayment marks a scheduled installment paid (or partial). The
// installment row, the optional cash leg and the loan close all ride in
// one database transaction: either the money moves and the row advances,
// or neither happens.
func (lsvc *LoanService) RecordPayment(ctx context.Context, ownerID, loanID string, paymentNumber int, input RecordPaymentInput) (*models.LoanPayment, error) {
	dbTx, err := lsvc.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	loan, err := lsvc.fetchLoan(ctx, dbTx, ownerID, loanID)
	if err != nil {
		return nil, err
	}

	payment := &models.LoanPayment{}
	err = dbTx.QueryRowContext(ctx, `
		SELECT loan_id, payment_number, due_date, principal_paid, interest_paid, payment_amount, remaining_balance, amount_paid, status, paid_at
		FROM loan_payments
		WHERE loan_id = $1 AND payment_number = $2
		FOR UPDATE`, loanID, paymentNumber).Scan(
		&payment.LoanID, &payment.PaymentNumber, &payment.DueDate, &payment.PrincipalPaid,
		&payment.InterestPaid, &payment.PaymentAmount, &payment.RemainingBalance,
		&payment.AmountPaid, &payment.Status, &payment.PaidAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Resource: "loan payment", ID: loanID}
		}
		return nil, err
	}

	if payment.Status == models.PaymentStatusPaid {
		return nil, validationErrorf("payment %d on loan %s is already paid", paymentNumber, loanID)
	}

	// Partial payments accumulate; each one may cover at most what is
	// still due on this installment.
	remainingDue := payment.PaymentAmount.Sub(payment.AmountPaid)
	paid := remainingDue
	if input.Amount != nil {
		if input.Amount.Sign() <= 0 || input.Amount.GreaterThan(remainingDue) {
			return nil, validationErrorf("payment amount must be in (0, %s], got %s", remainingDue, input.Amount)
		}
		paid = *input.Amount
	}

	newPaid := payment.AmountPaid.Add(paid)
	status := models.PaymentStatusPaid
	if newPaid.LessThan(payment.PaymentAmount) {
		status = models.PaymentStatusPartial
	}

	var cashTx *models.Transaction
	var balances []models.AccountBalance
	if input.FromAccountID != nil {
		cashTx, balances, err = lsvc.ledger.createTransactionTx(ctx, dbTx, ownerID, TransactionInput{
			Type:            models.TransactionTypeExpense,
			Amount:          paid,
			Title:           loan.Name + " installment",
			CategoryID:      input.CategoryID,
			SourceAccountID: input.FromAccountID,
			OccurredAt:      time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	_, err = dbTx.ExecContext(ctx, `
		UPDATE loan_payments SET status = $1, amount_paid = $2, paid_at = $3
		WHERE loan_id = $4 AND payment_number = $5`,
		status, newPaid, now, loanID, paymentNumber)
	if err != nil {
		return nil, err
	}

	if status == models.PaymentStatusPaid && paymentNumber == loan.TermMonths {
		if _, err := dbTx.ExecContext(ctx, `
			UPDATE loans SET status = $1 WHERE id = $2`, models.LoanStatusClosed, loanID); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[LOAN] Failed to commit payment %d on loan %s: %v", paymentNumber, loanID, err)
		return nil, err
	}

	if cashTx != nil {
		lsvc.ledger.afterMutation(ctx, "created", cashTx, balances)
	}

	payment.AmountPaid = newPaid
	payment.Status = status
	payment.PaidAt = &now
	return payment, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (lsvc *LoanService) fetchLoan(ctx context.Context, q rowQuerier, ownerID, loanID string) (*models.Loan, error) {
	loan := &models.Loan{}
	err := q.QueryRowContext(ctx, `
		SELECT id, owner_id, name, principal, annual_rate_pct, term_months, monthly_payment, status, start_date, created_at
		FROM loans
		WHERE id = $1 AND owner_id = $2`, loanID, ownerID).Scan(
		&loan.ID, &loan.OwnerID, &loan.Name, &loan.Principal, &loan.AnnualRatePct,
		&loan.TermMonths, &loan.MonthlyPayment, &loan.Status, &loan.StartDate, &loan.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Resource: "loan", ID: loanID}
		}
		return nil, err
	}
	return loan, nil
}
