package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/proofmarket/pmkt/internal/domain"
)

// ─── External Wallets ───────────────────────────────────────────────────────

// Wallets is a persistent value-transfer collaborator backed by the wallets
// table. It implements domain.Bank.
type Wallets struct {
	db *DB
}

// Wallets returns the bank view of the database.
func (d *DB) Wallets() *Wallets {
	return &Wallets{db: d}
}

// Fund mints amount into a user's external wallet.
func (w *Wallets) Fund(ctx context.Context, user domain.Address, asset domain.AssetID, amount domain.Amount) error {
	return w.adjust(ctx, user, asset, func(have domain.Amount) (domain.Amount, error) {
		return domain.AddAmounts(have, amount)
	})
}

// Wallet returns a user's external balance.
func (w *Wallets) Wallet(ctx context.Context, user domain.Address, asset domain.AssetID) (domain.Amount, error) {
	var v int64
	err := w.db.db.QueryRowContext(ctx,
		`SELECT amount FROM wallets WHERE user = ? AND asset = ?`, string(user), string(asset),
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fromAmt(v), nil
}

// Debit implements domain.Bank.
func (w *Wallets) Debit(ctx context.Context, user domain.Address, asset domain.AssetID, amount domain.Amount) error {
	return w.adjust(ctx, user, asset, func(have domain.Amount) (domain.Amount, error) {
		if have < amount {
			return 0, fmt.Errorf("debit %d from %s/%s (have %d): %w",
				amount, user, asset, have, domain.ErrInsufficientExternalBalance)
		}
		return have - amount, nil
	})
}

// Credit implements domain.Bank.
func (w *Wallets) Credit(ctx context.Context, user domain.Address, asset domain.AssetID, amount domain.Amount) error {
	return w.adjust(ctx, user, asset, func(have domain.Amount) (domain.Amount, error) {
		v, err := domain.AddAmounts(have, amount)
		if err != nil {
			return 0, fmt.Errorf("credit %d to %s/%s: %w", amount, user, asset, err)
		}
		return v, nil
	})
}

// adjust reads and rewrites one wallet inside a transaction.
func (w *Wallets) adjust(ctx context.Context, user domain.Address, asset domain.AssetID,
	fn func(have domain.Amount) (domain.Amount, error)) error {
	tx, err := w.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var have int64
	err = tx.QueryRowContext(ctx,
		`SELECT amount FROM wallets WHERE user = ? AND asset = ?`, string(user), string(asset),
	).Scan(&have)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	next, err := fn(fromAmt(have))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (user, asset, amount) VALUES (?, ?, ?)
		 ON CONFLICT(user, asset) DO UPDATE SET amount=excluded.amount`,
		string(user), string(asset), amt(next),
	); err != nil {
		return err
	}
	return tx.Commit()
}
