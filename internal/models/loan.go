package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	LoanStatusActive = "active"
	LoanStatusClosed = "closed"
)

// Loan payment statuses. Partial payments accumulate in AmountPaid
// until the row reaches paid. Overdue is derived at read time for
// unpaid rows past their due date; it is never stored.
const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusOverdue = "overdue"
	PaymentStatusPartial = "partial"
)

type Loan struct {
	ID             string          `json:"id" db:"id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	Name           string          `json:"name" db:"name"`
	Principal      decimal.Decimal `json:"principal" db:"principal"`
	AnnualRatePct  decimal.Decimal `json:"annual_rate_pct" db:"annual_rate_pct"` // whole-number percentage: 26 means 26%/yr
	TermMonths     int             `json:"term_months" db:"term_months"`
	MonthlyPayment decimal.Decimal `json:"monthly_payment" db:"monthly_payment"`
	Status         string          `json:"status" db:"status"`
	StartDate      time.Time       `json:"start_date" db:"start_date"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// LoanPayment is one installment of an amortization schedule. For every
// row PrincipalPaid + InterestPaid == PaymentAmount, and RemainingBalance
// strictly decreases until the final row closes at exactly zero.
type LoanPayment struct {
	LoanID           string          `json:"loan_id" db:"loan_id"`
	PaymentNumber    int             `json:"payment_number" db:"payment_number"`
	DueDate          time.Time       `json:"due_date" db:"due_date"`
	PrincipalPaid    decimal.Decimal `json:"principal_paid" db:"principal_paid"`
	InterestPaid     decimal.Decimal `json:"interest_paid" db:"interest_paid"`
	PaymentAmount    decimal.Decimal `json:"payment_amount" db:"payment_amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance" db:"remaining_balance"`
	AmountPaid       decimal.Decimal `json:"amount_paid" db:"amount_paid"`
	Status           string          `json:"status" db:"status"`
	PaidAt           *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
}
