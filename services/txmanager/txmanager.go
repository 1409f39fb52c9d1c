package txmanager

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	dbtx "ledgerbackend/db/tx"
)

// TransactionManager runs functions inside a database transaction carried by the context
type TransactionManager struct {
	db *sqlx.DB
}

func NewTransactionManager(db *sqlx.DB) *TransactionManager {
	return &TransactionManager{db: db}
}

// WithTransaction executes fn within a transaction. Nested calls reuse the
// outer transaction. fn returning an error or panicking rolls back.
func (tm *TransactionManager) WithTransaction(ctx context.Context, fn func(context.Context) error) (err error) {
	if _, ok := dbtx.TransactionFromContext(ctx); ok {
		return fn(ctx)
	}

	tx, err := tm.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("Transaction panic detected, rolling back", zap.Any("panic", r))
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				zap.L().Error("Failed to rollback after panic", zap.Error(rollbackErr))
			}
			panic(r)
		}
	}()

	if err := fn(dbtx.WithTransaction(ctx, tx)); err != nil {
		zap.L().Debug("Transaction function returned error, rolling back", zap.Error(err))
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
