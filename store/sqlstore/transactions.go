package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

const transactionColumns = `seq, id, wallet_id, owner_id, currency, direction, kind, amount_minor,
	reason, idempotency_key, metadata_json, gross_minor, fee_minor, net_minor, created_at`

// insertChunk bounds rows per INSERT; SQLite caps bound parameters.
const insertChunk = 64

// AppendTransactions inserts txs with multi-row INSERTs. There is no UPDATE
// or DELETE on this table anywhere in the package.
func (c *txConn) AppendTransactions(ctx context.Context, txs []ledger.Transaction) error {
	for start := 0; start < len(txs); start += insertChunk {
		end := min(start+insertChunk, len(txs))
		if err := c.insertTransactions(ctx, txs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *txConn) insertTransactions(ctx context.Context, txs []ledger.Transaction) error {
	var (
		b    strings.Builder
		args = make([]any, 0, len(txs)*14)
	)
	b.WriteString(`INSERT INTO transactions (id, wallet_id, owner_id, currency, direction, kind,
		amount_minor, reason, idempotency_key, metadata_json, gross_minor, fee_minor, net_minor, created_at) VALUES `)
	for i, t := range txs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

		metadata, err := encodeMetadata(t.Metadata)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", t.ID, err)
		}
		var gross, fee, net sql.NullInt64
		if t.Breakdown != nil {
			gross = sql.NullInt64{Int64: t.Breakdown.Gross.Minor(), Valid: true}
			fee = sql.NullInt64{Int64: t.Breakdown.Fee.Minor(), Valid: true}
			net = sql.NullInt64{Int64: t.Breakdown.Net.Minor(), Valid: true}
		}
		args = append(args,
			t.ID, t.WalletID, t.Owner, t.Currency, t.Direction, t.Kind,
			t.Amount.Minor(), t.Reason, nullString(t.IdempotencyKey), metadata,
			gross, fee, net, formatTime(t.CreatedAt),
		)
	}

	if _, err := c.exec(ctx, b.String(), args...); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %w", ledger.ErrIdempotencyKeyUsed, err)
		}
		return fmt.Errorf("failed to append transactions: %w", err)
	}
	return nil
}

func encodeMetadata(m ledger.Metadata) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func scanTransaction(sc scanner) (ledger.Transaction, error) {
	var (
		t               ledger.Transaction
		currency        string
		amount          int64
		idempotencyKey  sql.NullString
		metadata        sql.NullString
		gross, fee, net sql.NullInt64
		createdAt       string
	)
	err := sc.Scan(&t.Seq, &t.ID, &t.WalletID, &t.Owner, &currency, &t.Direction, &t.Kind, &amount,
		&t.Reason, &idempotencyKey, &metadata, &gross, &fee, &net, &createdAt)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}

	c := ledger.Currency(currency)
	t.Currency = c
	t.Amount = ledger.AmountFromMinor(amount, c)
	t.IdempotencyKey = idempotencyKey.String
	if gross.Valid {
		t.Breakdown = &ledger.Breakdown{
			Gross: ledger.AmountFromMinor(gross.Int64, c),
			Fee:   ledger.AmountFromMinor(fee.Int64, c),
			Net:   ledger.AmountFromMinor(net.Int64, c),
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return ledger.Transaction{}, fmt.Errorf("transaction %s metadata: %w", t.ID, err)
		}
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

func (c *conn) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Transactions returns a wallet's journal in sequence order.
func (c *conn) Transactions(ctx context.Context, walletID ledger.WalletID) ([]ledger.Transaction, error) {
	return c.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE wallet_id = ? ORDER BY seq`, walletID)
}

func (c *conn) TransactionByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	t, err := scanTransaction(c.queryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("transaction with key %q: %w", key, ledger.ErrNotFound)
	}
	return t, err
}

func (c *conn) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var count int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?`, key).Scan(&count)
	return count > 0, err
}

func (c *conn) CountEarn(ctx context.Context, walletID ledger.WalletID, reason string, since time.Time) (int, error) {
	var count int
	err := c.queryRow(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE wallet_id = ? AND direction = 'EARN' AND reason = ? AND created_at >= ?`,
		walletID, reason, formatTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count earnings: %w", err)
	}
	return count, nil
}

func (c *conn) SumEarn(ctx context.Context, walletID ledger.WalletID, cur ledger.Currency, reason string, since time.Time) (ledger.Amount, error) {
	var sum int64
	err := c.queryRow(ctx, `
		SELECT CAST(COALESCE(SUM(amount_minor), 0) AS BIGINT) FROM transactions
		WHERE wallet_id = ? AND direction = 'EARN' AND reason = ? AND created_at >= ?`,
		walletID, reason, formatTime(since)).Scan(&sum)
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("failed to sum earnings: %w", err)
	}
	return ledger.AmountFromMinor(sum, cur), nil
}
