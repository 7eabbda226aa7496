package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// COMMON POOL
// =============================================================================

const poolColumns = `currency, total_balance_minor, total_ever_composted_minor, cycle_count, last_cycle_at, updated_at`

func scanPool(sc scanner) (ledger.CommonPool, error) {
	var (
		p                  ledger.CommonPool
		currency           string
		balance, composted int64
		lastCycle          sql.NullString
		updatedAt          string
	)
	if err := sc.Scan(&currency, &balance, &composted, &p.CycleCount, &lastCycle, &updatedAt); err != nil {
		return ledger.CommonPool{}, err
	}
	c := ledger.Currency(currency)
	p.Currency = c
	p.TotalBalance = ledger.AmountFromMinor(balance, c)
	p.TotalEverComposted = ledger.AmountFromMinor(composted, c)

	var err error
	if p.LastCycleAt, err = parseNullTime(lastCycle); err != nil {
		return ledger.CommonPool{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.CommonPool{}, err
	}
	return p, nil
}

// Pool returns the pool of c; a currency without a row has an empty pool.
func (c *conn) Pool(ctx context.Context, cur ledger.Currency) (ledger.CommonPool, error) {
	p, err := scanPool(c.queryRow(ctx, `SELECT `+poolColumns+` FROM common_pools WHERE currency = ?`, cur))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NewCommonPool(cur, time.Time{}), nil
	}
	if err != nil {
		return ledger.CommonPool{}, fmt.Errorf("failed to load pool %s: %w", cur, err)
	}
	return p, nil
}

func (c *txConn) LockPool(ctx context.Context, cur ledger.Currency) (ledger.CommonPool, error) {
	_, err := c.exec(ctx, `
		INSERT INTO common_pools (currency, total_balance_minor, total_ever_composted_minor, cycle_count, last_cycle_at, updated_at)
		VALUES (?, 0, 0, 0, NULL, ?)
		ON CONFLICT (currency) DO NOTHING`,
		cur, formatTime(time.Now()))
	if err != nil {
		return ledger.CommonPool{}, fmt.Errorf("failed to create pool %s: %w", cur, err)
	}
	p, err := scanPool(c.queryRow(ctx, c.locking(`SELECT `+poolColumns+` FROM common_pools WHERE currency = ?`), cur))
	if err != nil {
		return ledger.CommonPool{}, fmt.Errorf("failed to lock pool %s: %w", cur, err)
	}
	return p, nil
}

func (c *txConn) SavePool(ctx context.Context, p ledger.CommonPool) error {
	_, err := c.exec(ctx, `
		UPDATE common_pools SET total_balance_minor = ?, total_ever_composted_minor = ?,
			cycle_count = ?, last_cycle_at = ?, updated_at = ?
		WHERE currency = ?`,
		p.TotalBalance.Minor(), p.TotalEverComposted.Minor(), p.CycleCount,
		nullTime(p.LastCycleAt), formatTime(p.UpdatedAt), p.Currency)
	if err != nil {
		return fmt.Errorf("failed to save pool %s: %w", p.Currency, err)
	}
	return nil
}

// =============================================================================
// COMPOST CYCLE LOGS
// =============================================================================

const compostLogColumns = `id, started_at, finished_at, dry_run, wallets_affected, total_composted_minor,
	inactivity_days, rate, min_balance_minor, min_amount_minor, trigger_source, error`

func (c *conn) CompostLog(ctx context.Context, id string) (ledger.CompostCycleLog, error) {
	var (
		l                     ledger.CompostCycleLog
		startedAt             string
		finishedAt, errText   sql.NullString
		total, minBal, minAmt int64
		rate                  string
	)
	err := c.queryRow(ctx, `SELECT `+compostLogColumns+` FROM compost_cycle_logs WHERE id = ?`, id).Scan(
		&l.ID, &startedAt, &finishedAt, &l.DryRun, &l.WalletsAffected, &total,
		&l.InactivityDays, &rate, &minBal, &minAmt, &l.TriggerSource, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CompostCycleLog{}, fmt.Errorf("compost log %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.CompostCycleLog{}, fmt.Errorf("failed to load compost log %s: %w", id, err)
	}

	if l.StartedAt, err = parseTime(startedAt); err != nil {
		return ledger.CompostCycleLog{}, err
	}
	if l.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return ledger.CompostCycleLog{}, err
	}
	if l.Rate, err = decimal.NewFromString(rate); err != nil {
		return ledger.CompostCycleLog{}, fmt.Errorf("compost log %s rate: %w", id, err)
	}
	l.TotalComposted = ledger.AmountFromMinor(total, ledger.SAKA)
	l.MinBalance = ledger.AmountFromMinor(minBal, ledger.SAKA)
	l.MinAmount = ledger.AmountFromMinor(minAmt, ledger.SAKA)
	l.Error = errText.String
	return l, nil
}

func (c *txConn) InsertCompostLog(ctx context.Context, l ledger.CompostCycleLog) error {
	_, err := c.exec(ctx, `
		INSERT INTO compost_cycle_logs (`+compostLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, formatTime(l.StartedAt), nullTime(l.FinishedAt), l.DryRun, l.WalletsAffected,
		l.TotalComposted.Minor(), l.InactivityDays, l.Rate.String(), l.MinBalance.Minor(),
		l.MinAmount.Minor(), l.TriggerSource, nullString(l.Error))
	if err != nil {
		return fmt.Errorf("failed to insert compost log: %w", err)
	}
	return nil
}

func (c *txConn) UpdateCompostLog(ctx context.Context, l ledger.CompostCycleLog) error {
	res, err := c.exec(ctx, `
		UPDATE compost_cycle_logs SET finished_at = ?, wallets_affected = ?, total_composted_minor = ?, error = ?
		WHERE id = ?`,
		nullTime(l.FinishedAt), l.WalletsAffected, l.TotalComposted.Minor(), nullString(l.Error), l.ID)
	if err != nil {
		return fmt.Errorf("failed to update compost log: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("compost log %s: %w", l.ID, ledger.ErrNotFound)
	}
	return nil
}

// =============================================================================
// ESCROWS
// =============================================================================

const escrowColumns = `id, payer_id, project_id, kind, amount_minor, shares, status, pledge_transaction_id,
	commission_minor, fees_minor, net_minor, created_at, released_at, refunded_at`

func scanEscrow(sc scanner) (ledger.Escrow, error) {
	var (
		e                      ledger.Escrow
		amount, commission     int64
		fees, net              int64
		createdAt              string
		releasedAt, refundedAt sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.Payer, &e.Project, &e.Kind, &amount, &e.Shares, &e.Status,
		&e.PledgeTransactionID, &commission, &fees, &net, &createdAt, &releasedAt, &refundedAt); err != nil {
		return ledger.Escrow{}, err
	}
	e.Amount = ledger.AmountFromMinor(amount, ledger.EUR)
	e.Commission = ledger.AmountFromMinor(commission, ledger.EUR)
	e.Fees = ledger.AmountFromMinor(fees, ledger.EUR)
	e.Net = ledger.AmountFromMinor(net, ledger.EUR)

	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Escrow{}, err
	}
	if e.ReleasedAt, err = parseNullTime(releasedAt); err != nil {
		return ledger.Escrow{}, err
	}
	if e.RefundedAt, err = parseNullTime(refundedAt); err != nil {
		return ledger.Escrow{}, err
	}
	return e, nil
}

func (c *conn) escrow(ctx context.Context, id ledger.EscrowID, lock bool) (ledger.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = ?`
	if lock {
		query = c.locking(query)
	}
	e, err := scanEscrow(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Escrow{}, ledger.ErrEscrowNotFound
	}
	if err != nil {
		return ledger.Escrow{}, fmt.Errorf("failed to load escrow %s: %w", id, err)
	}
	return e, nil
}

func (c *conn) queryEscrows(ctx context.Context, query string, args ...any) ([]ledger.Escrow, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escrows: %w", err)
	}
	defer rows.Close()

	var escrows []ledger.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escrow: %w", err)
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}

func (c *conn) Escrow(ctx context.Context, id ledger.EscrowID) (ledger.Escrow, error) {
	return c.escrow(ctx, id, false)
}

func (c *conn) ProjectEscrows(ctx context.Context, project ledger.ProjectID) ([]ledger.Escrow, error) {
	return c.queryEscrows(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE project_id = ? ORDER BY id`, project)
}

func (c *txConn) LockEscrow(ctx context.Context, id ledger.EscrowID) (ledger.Escrow, error) {
	return c.escrow(ctx, id, true)
}

func (c *txConn) LockProjectEscrows(ctx context.Context, project ledger.ProjectID, status ledger.EscrowStatus, limit int) ([]ledger.Escrow, error) {
	return c.queryEscrows(ctx, c.locking(`
		SELECT `+escrowColumns+` FROM escrows
		WHERE project_id = ? AND status = ?
		ORDER BY id
		LIMIT ?`), project, status, limit)
}

func (c *txConn) InsertEscrow(ctx context.Context, e ledger.Escrow) error {
	_, err := c.exec(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Payer, e.Project, e.Kind, e.Amount.Minor(), e.Shares, e.Status, e.PledgeTransactionID,
		e.Commission.Minor(), e.Fees.Minor(), e.Net.Minor(), formatTime(e.CreatedAt),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt))
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (c *txConn) SaveEscrows(ctx context.Context, escrows []ledger.Escrow) error {
	for _, e := range escrows {
		res, err := c.exec(ctx, `
			UPDATE escrows SET status = ?, commission_minor = ?, fees_minor = ?, net_minor = ?,
				released_at = ?, refunded_at = ?
			WHERE id = ?`,
			e.Status, e.Commission.Minor(), e.Fees.Minor(), e.Net.Minor(),
			nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.ID)
		if err != nil {
			return fmt.Errorf("failed to save escrow %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("save escrow %s: %w", e.ID, ledger.ErrEscrowNotFound)
		}
	}
	return nil
}

// =============================================================================
// POCKETS
// =============================================================================

const pocketColumns = `id, wallet_id, owner_id, name, kind, allocation_percentage, current_amount_minor, created_at, updated_at`

func scanPocket(sc scanner) (ledger.Pocket, error) {
	var (
		p                    ledger.Pocket
		allocation           string
		current              int64
		createdAt, updatedAt string
	)
	if err := sc.Scan(&p.ID, &p.WalletID, &p.Owner, &p.Name, &p.Kind, &allocation, &current,
		&createdAt, &updatedAt); err != nil {
		return ledger.Pocket{}, err
	}
	var err error
	if p.AllocationPercentage, err = decimal.NewFromString(allocation); err != nil {
		return ledger.Pocket{}, fmt.Errorf("pocket %s allocation: %w", p.ID, err)
	}
	p.CurrentAmount = ledger.AmountFromMinor(current, ledger.EUR)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Pocket{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Pocket{}, err
	}
	return p, nil
}

func (c *conn) pocket(ctx context.Context, id ledger.PocketID, lock bool) (ledger.Pocket, error) {
	query := `SELECT ` + pocketColumns + ` FROM pockets WHERE id = ?`
	if lock {
		query = c.locking(query)
	}
	p, err := scanPocket(c.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Pocket{}, ledger.ErrPocketNotFound
	}
	if err != nil {
		return ledger.Pocket{}, fmt.Errorf("failed to load pocket %s: %w", id, err)
	}
	return p, nil
}

func (c *conn) Pocket(ctx context.Context, id ledger.PocketID) (ledger.Pocket, error) {
	return c.pocket(ctx, id, false)
}

func (c *conn) Pockets(ctx context.Context, walletID ledger.WalletID) ([]ledger.Pocket, error) {
	rows, err := c.query(ctx, `SELECT `+pocketColumns+` FROM pockets WHERE wallet_id = ? ORDER BY name`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pockets: %w", err)
	}
	defer rows.Close()

	var pockets []ledger.Pocket
	for rows.Next() {
		p, err := scanPocket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pocket: %w", err)
		}
		pockets = append(pockets, p)
	}
	return pockets, rows.Err()
}

func (c *txConn) LockPocket(ctx context.Context, id ledger.PocketID) (ledger.Pocket, error) {
	return c.pocket(ctx, id, true)
}

func (c *txConn) InsertPocket(ctx context.Context, p ledger.Pocket) error {
	_, err := c.exec(ctx, `
		INSERT INTO pockets (`+pocketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WalletID, p.Owner, p.Name, p.Kind, p.AllocationPercentage.String(),
		p.CurrentAmount.Minor(), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %w", ledger.ErrPocketNameTaken, err)
		}
		return fmt.Errorf("failed to insert pocket: %w", err)
	}
	return nil
}

func (c *txConn) SavePocket(ctx context.Context, p ledger.Pocket) error {
	res, err := c.exec(ctx, `UPDATE pockets SET current_amount_minor = ?, updated_at = ? WHERE id = ?`,
		p.CurrentAmount.Minor(), formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to save pocket %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ledger.ErrPocketNotFound
	}
	return nil
}
