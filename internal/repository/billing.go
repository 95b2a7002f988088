package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"council/internal/models"
)

// BillingRepository is the balance ledger. CompareAndDebit implements the
// optimistic write the settlement layer relies on: the balance is updated
// only if it still holds the value the caller read, and the ledger entry
// is recorded in the same transaction.
type BillingRepository interface {
	Balance(ctx context.Context, userID string) (float64, error)
	CompareAndDebit(ctx context.Context, userID string, oldBalance, newBalance float64, roundID, description string) (bool, error)
	AddCredits(ctx context.Context, userID string, amount float64, description string) (float64, error)
	Transactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error)
}

type billingRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewBillingRepository(db *sqlx.DB, logger *zap.Logger) BillingRepository {
	return &billingRepository{db: db, logger: logger}
}

func (r *billingRepository) Balance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	query := `SELECT balance FROM users WHERE id = $1`
	err := r.db.GetContext(ctx, &balance, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return balance, nil
}

func (r *billingRepository) CompareAndDebit(ctx context.Context, userID string, oldBalance, newBalance float64, roundID, description string) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	query := `UPDATE users SET balance = $1 WHERE id = $2 AND balance = $3`
	result, err := tx.ExecContext(ctx, query, newBalance, userID, oldBalance)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Balance moved under us; the caller re-reads and retries.
		return false, nil
	}

	query = `INSERT INTO credit_transactions (user_id, amount, kind, description, round_id)
	         VALUES ($1, $2, 'usage', $3, $4)`
	if _, err := tx.ExecContext(ctx, query, userID, newBalance-oldBalance, description, roundID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	r.logger.Debug("Balance debited",
		zap.String("user_id", userID),
		zap.Float64("amount", oldBalance-newBalance),
		zap.String("round_id", roundID))
	return true, nil
}

func (r *billingRepository) AddCredits(ctx context.Context, userID string, amount float64, description string) (float64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance float64
	query := `UPDATE users SET balance = balance + $1 WHERE id = $2 RETURNING balance`
	if err := tx.GetContext(ctx, &balance, query, amount, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	query = `INSERT INTO credit_transactions (user_id, amount, kind, description)
	         VALUES ($1, $2, 'deposit', $3)`
	if _, err := tx.ExecContext(ctx, query, userID, amount, description); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *billingRepository) Transactions(ctx context.Context, userID string) ([]*models.CreditTransaction, error) {
	var transactions []*models.CreditTransaction
	query := `SELECT id, user_id, amount, kind, description, round_id, created_at
	          FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &transactions, query, userID); err != nil {
		return nil, err
	}
	return transactions, nil
}
