package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, owner_id, currency, balance_minor, total_harvested_minor,
	total_planted_minor, total_composted_minor, last_activity_at, created_at, updated_at`

func scanWallet(sc scanner) (ledger.Wallet, error) {
	var (
		w                    ledger.Wallet
		currency             string
		balance, harvested   int64
		planted, composted   int64
		lastActivity         sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&w.ID, &w.Owner, &currency, &balance, &harvested,
		&planted, &composted, &lastActivity, &createdAt, &updatedAt); err != nil {
		return ledger.Wallet{}, err
	}

	c := ledger.Currency(currency)
	w.Currency = c
	w.Balance = ledger.AmountFromMinor(balance, c)
	w.TotalHarvested = ledger.AmountFromMinor(harvested, c)
	w.TotalPlanted = ledger.AmountFromMinor(planted, c)
	w.TotalComposted = ledger.AmountFromMinor(composted, c)

	var err error
	if w.LastActivityAt, err = parseNullTime(lastActivity); err != nil {
		return ledger.Wallet{}, err
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Wallet{}, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	return w, nil
}

func (c *conn) walletByKey(ctx context.Context, key ledger.WalletKey, lock bool) (ledger.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_id = ? AND currency = ?`
	if lock {
		query = c.locking(query)
	}
	w, err := scanWallet(c.queryRow(ctx, query, key.Owner, key.Currency))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to load wallet %s: %w", key, err)
	}
	return w, nil
}

func (c *conn) queryWallets(ctx context.Context, query string, args ...any) ([]ledger.Wallet, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// Wallet returns the wallet for key without locking it.
func (c *conn) Wallet(ctx context.Context, key ledger.WalletKey) (ledger.Wallet, error) {
	return c.walletByKey(ctx, key, false)
}

func (c *conn) RedistributionEligible(ctx context.Context, cur ledger.Currency, minHarvested ledger.Amount) ([]ledger.WalletID, error) {
	rows, err := c.query(ctx,
		`SELECT id FROM wallets WHERE currency = ? AND total_harvested_minor >= ? ORDER BY id`,
		cur, minHarvested.Minor())
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible wallets: %w", err)
	}
	defer rows.Close()

	var ids []ledger.WalletID
	for rows.Next() {
		var id ledger.WalletID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *txConn) LockWallet(ctx context.Context, key ledger.WalletKey) (ledger.Wallet, error) {
	return c.walletByKey(ctx, key, true)
}

// insertWallet creates template's row unless the owner already has a
// wallet in that currency.
func (c *txConn) insertWallet(ctx context.Context, template ledger.Wallet) error {
	_, err := c.exec(ctx, `
		INSERT INTO wallets (id, owner_id, currency, balance_minor, total_harvested_minor,
			total_planted_minor, total_composted_minor, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, 0, 0, NULL, ?, ?)
		ON CONFLICT (owner_id, currency) DO NOTHING`,
		template.ID, template.Owner, template.Currency,
		formatTime(template.CreatedAt), formatTime(template.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create wallet %s: %w", template.Key(), err)
	}
	return nil
}

func (c *txConn) LockOrCreateWallet(ctx context.Context, template ledger.Wallet) (ledger.Wallet, error) {
	if err := c.insertWallet(ctx, template); err != nil {
		return ledger.Wallet{}, err
	}
	return c.walletByKey(ctx, template.Key(), true)
}

func (c *txConn) LockWallets(ctx context.Context, ids []ledger.WalletID) ([]ledger.Wallet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := c.locking(`SELECT ` + walletColumns + ` FROM wallets WHERE id IN (` + placeholders + `) ORDER BY id`)

	wallets, err := c.queryWallets(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(wallets) != len(ids) {
		return nil, fmt.Errorf("locked %d of %d wallets: %w", len(wallets), len(ids), ledger.ErrWalletNotFound)
	}
	return wallets, nil
}

func (c *txConn) LockCompostCandidates(ctx context.Context, q ledger.CompostQuery) ([]ledger.Wallet, error) {
	query := c.locking(`
		SELECT ` + walletColumns + ` FROM wallets
		WHERE currency = ? AND id > ? AND balance_minor >= ?
		  AND (last_activity_at IS NULL OR last_activity_at < ?)
		ORDER BY id
		LIMIT ?`)
	return c.queryWallets(ctx, query,
		q.Currency, q.AfterID, q.MinBalance.Minor(), formatTime(q.Cutoff), q.Limit)
}

// SaveWallets writes balances and counters of wallets locked in this unit.
func (c *txConn) SaveWallets(ctx context.Context, wallets []ledger.Wallet) error {
	if len(wallets) == 0 {
		return nil
	}
	stmt, err := c.prepare(ctx, `
		UPDATE wallets SET balance_minor = ?, total_harvested_minor = ?, total_planted_minor = ?,
			total_composted_minor = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare wallet update: %w", err)
	}
	defer stmt.Close()

	for _, w := range wallets {
		res, err := stmt.ExecContext(ctx,
			w.Balance.Minor(), w.TotalHarvested.Minor(), w.TotalPlanted.Minor(),
			w.TotalComposted.Minor(), nullTime(w.LastActivityAt), formatTime(w.UpdatedAt), w.ID)
		if err != nil {
			return fmt.Errorf("failed to save wallet %s: %w", w.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("save wallet %s: %w", w.ID, ledger.ErrWalletNotFound)
		}
	}
	return nil
}

// IncrementWallet is the lock-free credit path for shared system wallets.
func (c *txConn) IncrementWallet(ctx context.Context, template ledger.Wallet, delta ledger.Amount, at time.Time) (ledger.WalletID, error) {
	if err := c.insertWallet(ctx, template); err != nil {
		return "", err
	}
	var id ledger.WalletID
	err := c.queryRow(ctx, `
		UPDATE wallets SET balance_minor = balance_minor + ?, last_activity_at = ?, updated_at = ?
		WHERE owner_id = ? AND currency = ?
		RETURNING id`,
		delta.Minor(), formatTime(at), formatTime(at), template.Owner, template.Currency).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to increment wallet %s: %w", template.Key(), err)
	}
	return id, nil
}
