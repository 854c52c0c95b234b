package services

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/fintrackr/backend/internal/models"
)

func TestLoanService_AmortizationSchedule(t *testing.T) {
	service := NewLoanService(nil, nil, 480)
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	t.Run("schedule closes at exactly zero", func(t *testing.T) {
		schedule, err := service.AmortizationSchedule(
			decimal.NewFromInt(160000), decimal.NewFromInt(26), 24, start)
		assert.NoError(t, err)
		assert.Len(t, schedule, 24)

		// Rounding error accumulates across rows; only the final row may
		// absorb it, and the balance must land on 0.00 exactly.
		assert.True(t, schedule[23].RemainingBalance.IsZero(),
			"final balance was %s", schedule[23].RemainingBalance)

		sumPrincipal := decimal.Zero
		prev := decimal.NewFromInt(160000)
		for _, row := range schedule {
			assert.True(t, row.PrincipalPaid.Add(row.InterestPaid).Equal(row.PaymentAmount),
				"row %d: %s + %s != %s", row.PaymentNumber, row.PrincipalPaid, row.InterestPaid, row.PaymentAmount)
			assert.True(t, row.RemainingBalance.LessThan(prev),
				"row %d: balance did not decrease", row.PaymentNumber)
			prev = row.RemainingBalance
			sumPrincipal = sumPrincipal.Add(row.PrincipalPaid)
		}
		assert.True(t, sumPrincipal.Equal(decimal.NewFromInt(160000)))
	})

	t.Run("EMI matches an independent computation", func(t *testing.T) {
		schedule, err := service.AmortizationSchedule(
			decimal.NewFromInt(160000), decimal.NewFromInt(26), 24, start)
		assert.NoError(t, err)

		r := 26.0 / 1200.0
		factor := math.Pow(1+r, 24)
		expected := 160000 * r * factor / (factor - 1)
		emi, _ := schedule[0].PaymentAmount.Float64()
		assert.InDelta(t, expected, emi, 0.01)
	})

	t.Run("due dates advance monthly from the start date", func(t *testing.T) {
		schedule, err := service.AmortizationSchedule(
			decimal.NewFromInt(1200), decimal.NewFromInt(10), 3, start)
		assert.NoError(t, err)
		assert.Equal(t, start.AddDate(0, 1, 0), schedule[0].DueDate)
		assert.Equal(t, start.AddDate(0, 3, 0), schedule[2].DueDate)
	})

	t.Run("zero rate splits the principal evenly", func(t *testing.T) {
		schedule, err := service.AmortizationSchedule(
			decimal.NewFromInt(1200), decimal.Zero, 12, start)
		assert.NoError(t, err)
		for _, row := range schedule {
			assert.True(t, row.InterestPaid.IsZero())
			assert.True(t, row.PaymentAmount.Equal(decimal.NewFromInt(100)))
		}
		assert.True(t, schedule[11].RemainingBalance.IsZero())
	})

	t.Run("invalid terms are rejected", func(t *testing.T) {
		_, err := service.AmortizationSchedule(decimal.Zero, decimal.NewFromInt(10), 12, start)
		assert.Error(t, err)

		_, err = service.AmortizationSchedule(decimal.NewFromInt(1000), decimal.NewFromInt(-1), 12, start)
		assert.Error(t, err)

		_, err = service.AmortizationSchedule(decimal.NewFromInt(1000), decimal.NewFromInt(101), 12, start)
		assert.Error(t, err)

		_, err = service.AmortizationSchedule(decimal.NewFromInt(1000), decimal.NewFromInt(10), 0, start)
		assert.Error(t, err)

		_, err = service.AmortizationSchedule(decimal.NewFromInt(1000), decimal.NewFromInt(10), 481, start)
		assert.Error(t, err)
	})
}

func TestLoanService_CreateLoan(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLoanService(db, nil, 480)
	ctx := context.Background()

	t.Run("persists the loan and every installment atomically", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO loans").
			WillReturnResult(sqlmock.NewResult(0, 1))
		for i := 0; i < 3; i++ {
			mock.ExpectExec("INSERT INTO loan_payments").
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()

		loan, schedule, err := service.CreateLoan(ctx, "owner1", LoanInput{
			Name:          "Car loan",
			Principal:     decimal.NewFromInt(3000),
			AnnualRatePct: decimal.NewFromInt(12),
			TermMonths:    3,
			StartDate:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		assert.NoError(t, err)
		assert.Equal(t, models.LoanStatusActive, loan.Status)
		assert.Len(t, schedule, 3)
		assert.Equal(t, loan.ID, schedule[0].LoanID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed installment insert rolls back the loan", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO loans").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO loan_payments").
			WillReturnError(context.DeadlineExceeded)
		mock.ExpectRollback()

		_, _, err := service.CreateLoan(ctx, "owner1", LoanInput{
			Name:          "Car loan",
			Principal:     decimal.NewFromInt(3000),
			AnnualRatePct: decimal.NewFromInt(12),
			TermMonths:    3,
			StartDate:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLoanService_GetSchedule(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLoanService(db, nil, 480)
	ctx := context.Background()

	t.Run("unpaid rows past their due date read as overdue", func(t *testing.T) {
		past := time.Now().UTC().AddDate(0, -1, 0)
		future := time.Now().UTC().AddDate(0, 1, 0)
		paidAt := past

		mock.ExpectQuery("FROM loans").
			WithArgs("loan1", "owner1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "name", "principal", "annual_rate_pct",
				"term_months", "monthly_payment", "status", "start_date", "created_at"}).
				AddRow("loan1", "owner1", "Car loan", "3000", "12", 3, "1020.07",
					models.LoanStatusActive, time.Now(), time.Now()))
		mock.ExpectQuery("FROM loan_payments").
			WithArgs("loan1").
			WillReturnRows(sqlmock.NewRows([]string{"loan_id", "payment_number", "due_date", "principal_paid",
				"interest_paid", "payment_amount", "remaining_balance", "amount_paid", "status", "paid_at"}).
				AddRow("loan1", 1, past, "990.07", "30", "1020.07", "2009.93", "1020.07", models.PaymentStatusPaid, paidAt).
				AddRow("loan1", 2, past, "1000.07", "20", "1020.07", "1009.86", "300", models.PaymentStatusPartial, nil).
				AddRow("loan1", 3, future, "1009.86", "10.21", "1020.07", "0", "0", models.PaymentStatusPending, nil))

		_, schedule, err := service.GetSchedule(ctx, "owner1", "loan1")
		assert.NoError(t, err)
		assert.Len(t, schedule, 3)
		assert.Equal(t, models.PaymentStatusPaid, schedule[0].Status)
		assert.Equal(t, models.PaymentStatusOverdue, schedule[1].Status)
		assert.Equal(t, models.PaymentStatusPending, schedule[2].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLoanService_RecordPayment(t *testing.T) {
	ctx := context.Background()

	loanRows := func(term int) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "owner_id", "name", "principal", "annual_rate_pct",
			"term_months", "monthly_payment", "status", "start_date", "created_at"}).
			AddRow("loan1", "owner1", "Car loan", "3000", "12", term, "1020.07",
				models.LoanStatusActive, time.Now(), time.Now())
	}
	paymentRows := func(status, amountPaid string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"loan_id", "payment_number", "due_date", "principal_paid",
			"interest_paid", "payment_amount", "remaining_balance", "amount_paid", "status", "paid_at"}).
			AddRow("loan1", 1, time.Now(), "990.07", "30", "1020.07", "2009.93", amountPaid, status, nil)
	}

	t.Run("full payment marks the row paid", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLoanService(db, nil, 480)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WithArgs("loan1", "owner1").
			WillReturnRows(loanRows(3))
		mock.ExpectQuery("FROM loan_payments").
			WithArgs("loan1", 1).
			WillReturnRows(paymentRows(models.PaymentStatusPending, "0"))
		mock.ExpectExec("UPDATE loan_payments SET status").
			WithArgs(models.PaymentStatusPaid, "1020.07", sqlmock.AnyArg(), "loan1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		payment, err := service.RecordPayment(ctx, "owner1", "loan1", 1, RecordPaymentInput{})
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPaid, payment.Status)
		assert.NotNil(t, payment.PaidAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("underpayment is recorded as partial", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLoanService(db, nil, 480)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WithArgs("loan1", "owner1").
			WillReturnRows(loanRows(3))
		mock.ExpectQuery("FROM loan_payments").
			WithArgs("loan1", 1).
			WillReturnRows(paymentRows(models.PaymentStatusPending, "0"))
		mock.ExpectExec("UPDATE loan_payments SET status").
			WithArgs(models.PaymentStatusPartial, "500", sqlmock.AnyArg(), "loan1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		half := decimal.NewFromInt(500)
		payment, err := service.RecordPayment(ctx, "owner1", "loan1", 1, RecordPaymentInput{Amount: &half})
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPartial, payment.Status)
		assert.True(t, payment.AmountPaid.Equal(half))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second partial payment accumulates to paid", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLoanService(db, nil, 480)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WithArgs("loan1", "owner1").
			WillReturnRows(loanRows(3))
		mock.ExpectQuery("FROM loan_payments").
			WithArgs("loan1", 1).
			WillReturnRows(paymentRows(models.PaymentStatusPartial, "520.07"))
		mock.ExpectExec("UPDATE loan_payments SET status").
			WithArgs(models.PaymentStatusPaid, "1020.07", sqlmock.AnyArg(), "loan1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		rest := decimal.NewFromInt(500)
		payment, err := service.RecordPayment(ctx, "owner1", "loan1", 1, RecordPaymentInput{Amount: &rest})
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPaid, payment.Status)
		assert.True(t, payment.AmountPaid.Equal(decimal.RequireFromString("1020.07")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already paid installment is rejected", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLoanService(db, nil, 480)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WithArgs("loan1", "owner1").
			WillReturnRows(loanRows(3))
		mock.ExpectQuery("FROM loan_payments").
			WithArgs("loan1", 1).
			WillReturnRows(paymentRows(models.PaymentStatusPaid, "1020.07"))
		mock.ExpectRollback()

		_, err = service.RecordPayment(ctx, "owner1", "loan1", 1, RecordPaymentInput{})
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payment beyond the remaining due is rejected", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLoanService(db, nil, 480)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WithArgs("loan1", "owner1").
			WillReturnRows(loanRows(3))
		mock.ExpectQuery("FROM loan_payments").
			WithArgs("loan1", 1).
			WillReturnRows(paymentRows(models.PaymentStatusPartial, "520.07"))
		mock.ExpectRollback()

		// 500 is still due; 600 would overshoot the installment.
		tooMuch := decimal.NewFromInt(600)
		_, err = service.RecordPayment(ctx, "owner1", "loan1", 1, RecordPaymentInput{Amount: &tooMuch})
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown loan is 404", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLoanService(db, nil, 480)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WithArgs("ghost", "owner1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, err = service.RecordPayment(ctx, "owner1", "ghost", 1, RecordPaymentInput{})
		var nferr *NotFoundError
		assert.ErrorAs(t, err, &nferr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("funded payment books the cash leg in the same transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		ledger := NewLedgerService(db, nil, nil)
		service := NewLoanService(db, ledger, 480)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WithArgs("loan1", "owner1").
			WillReturnRows(loanRows(3))
		mock.ExpectQuery("FROM loan_payments").
			WithArgs("loan1", 1).
			WillReturnRows(paymentRows(models.PaymentStatusPending, "0"))
		mock.ExpectQuery(lockAccountQuery).
			WithArgs("check1", "owner1").
			WillReturnRows(accountRow("check1", "owner1", "Everyday", models.AccountKindChecking, "5000", true))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs("3979.93", sqlmock.AnyArg(), "check1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE loan_payments SET status").
			WithArgs(models.PaymentStatusPaid, "1020.07", sqlmock.AnyArg(), "loan1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		from := "check1"
		payment, err := service.RecordPayment(ctx, "owner1", "loan1", 1, RecordPaymentInput{
			FromAccountID: &from,
			CategoryID:    "cat-loan",
		})
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPaid, payment.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed installment update rolls back the cash leg", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		ledger := NewLedgerService(db, nil, nil)
		service := NewLoanService(db, ledger, 480)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WithArgs("loan1", "owner1").
			WillReturnRows(loanRows(3))
		mock.ExpectQuery("FROM loan_payments").
			WithArgs("loan1", 1).
			WillReturnRows(paymentRows(models.PaymentStatusPending, "0"))
		mock.ExpectQuery(lockAccountQuery).
			WithArgs("check1", "owner1").
			WillReturnRows(accountRow("check1", "owner1", "Everyday", models.AccountKindChecking, "5000", true))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs("3979.93", sqlmock.AnyArg(), "check1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE loan_payments SET status").
			WithArgs(models.PaymentStatusPaid, "1020.07", sqlmock.AnyArg(), "loan1", 1).
			WillReturnError(context.DeadlineExceeded)
		mock.ExpectRollback()

		from := "check1"
		_, err = service.RecordPayment(ctx, "owner1", "loan1", 1, RecordPaymentInput{
			FromAccountID: &from,
			CategoryID:    "cat-loan",
		})
		assert.Error(t, err)
		// No commit happened, so the expense never became durable.
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("final paid installment closes the loan", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewLoanService(db, nil, 480)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WithArgs("loan1", "owner1").
			WillReturnRows(loanRows(1))
		mock.ExpectQuery("FROM loan_payments").
			WithArgs("loan1", 1).
			WillReturnRows(paymentRows(models.PaymentStatusPending, "0"))
		mock.ExpectExec("UPDATE loan_payments SET status").
			WithArgs(models.PaymentStatusPaid, "1020.07", sqlmock.AnyArg(), "loan1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE loans SET status").
			WithArgs(models.LoanStatusClosed, "loan1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		payment, err := service.RecordPayment(ctx, "owner1", "loan1", 1, RecordPaymentInput{})
		assert.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPaid, payment.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
