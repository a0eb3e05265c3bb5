package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/store"
)

func (db *DB) GetBalance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	query := `
		SELECT user_id, remaining, total, period_end, updated_at
		FROM credit_balances
		WHERE user_id = $1
	`

	bal := &models.CreditBalance{}
	err := db.QueryRowContext(ctx, query, userID).Scan(
		&bal.UserID, &bal.Remaining, &bal.Total, &bal.PeriodEnd, &bal.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

// Debit is a single conditional decrement: concurrent debits serialize on the
// balance row and the loser sees zero rows instead of a negative balance.
func (db *DB) Debit(ctx context.Context, userID string, amount int, tx *models.CreditTransaction) (int, bool, error) {
	var (
		remaining int
		ok        bool
	)

	err := db.withTx(ctx, func(sqlTx *sql.Tx) error {
		err := sqlTx.QueryRowContext(ctx, `
			UPDATE credit_balances
			SET remaining = remaining - $1, updated_at = NOW()
			WHERE user_id = $2 AND remaining >= $1
			RETURNING remaining
		`, amount, userID).Scan(&remaining)

		if err == sql.ErrNoRows {
			// Report the current balance without changing anything.
			err = sqlTx.QueryRowContext(ctx,
				`SELECT remaining FROM credit_balances WHERE user_id = $1`, userID,
			).Scan(&remaining)
			if err == sql.ErrNoRows {
				remaining = 0
				return nil
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to debit: %w", err)
		}

		ok = true
		_, err = insertTransaction(ctx, sqlTx, userID, -amount, remaining, tx)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return remaining, ok, nil
}

func (db *DB) Credit(ctx context.Context, userID string, amount int, tx *models.CreditTransaction) (int, bool, error) {
	var (
		remaining int
		applied   bool
	)
	growTotal := tx.Type == models.TransactionAllocation || tx.Type == models.TransactionBonus

	err := db.withTx(ctx, func(sqlTx *sql.Tx) error {
		err := sqlTx.QueryRowContext(ctx, `
			INSERT INTO credit_balances (user_id, remaining, total)
			VALUES ($1, $2, CASE WHEN $3 THEN $2 ELSE 0 END)
			ON CONFLICT (user_id) DO UPDATE SET
				remaining = credit_balances.remaining + EXCLUDED.remaining,
				total = credit_balances.total + EXCLUDED.total,
				updated_at = NOW()
			RETURNING remaining
		`, userID, amount, growTotal).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("failed to credit: %w", err)
		}

		inserted, err := insertTransaction(ctx, sqlTx, userID, amount, remaining, tx)
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicateKey
		}
		applied = true
		return nil
	})

	if err == errDuplicateKey {
		bal, err := db.GetBalance(ctx, userID)
		if err != nil {
			return 0, false, err
		}
		return bal.Remaining, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return remaining, applied, nil
}

func (db *DB) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	query := `
		SELECT id, user_id, amount, balance_after, type, resource_id, resource_type,
			description, idempotency_key, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Amount, &t.BalanceAfter, &t.Type, &t.ResourceID, &t.ResourceType,
			&t.Description, &t.IdempotencyKey, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

type sentinel string

func (s sentinel) Error() string { return string(s) }

// errDuplicateKey rolls back a credit whose idempotency key was already used.
const errDuplicateKey = sentinel("duplicate idempotency key")

func insertTransaction(ctx context.Context, sqlTx *sql.Tx, userID string, amount, balanceAfter int, tx *models.CreditTransaction) (bool, error) {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	tx.UserID = userID
	tx.Amount = amount
	tx.BalanceAfter = balanceAfter

	err := sqlTx.QueryRowContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, amount, balance_after, type, resource_id, resource_type,
			description, idempotency_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at
	`, tx.ID, userID, amount, balanceAfter, tx.Type, tx.ResourceID, tx.ResourceType,
		tx.Description, tx.IdempotencyKey,
	).Scan(&tx.CreatedAt)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record transaction: %w", err)
	}
	return true, nil
}
