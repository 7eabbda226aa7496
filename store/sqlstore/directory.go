package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// PROJECT DIRECTORY
// =============================================================================

func (s *Store) Project(ctx context.Context, id ledger.ProjectID) (ledger.Project, error) {
	var (
		p     ledger.Project
		price int64
	)
	err := s.queryRow(ctx, `
		SELECT id, name, accepts_donations, accepts_equity, share_price_minor
		FROM projects WHERE id = ?`, id).Scan(&p.ID, &p.Name, &p.AcceptsDonations, &p.AcceptsEquity, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Project{}, ledger.ErrProjectNotFound
	}
	if err != nil {
		return ledger.Project{}, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	p.SharePrice = ledger.AmountFromMinor(price, ledger.EUR)
	return p, nil
}

// SaveProject creates or replaces a project.
func (s *Store) SaveProject(ctx context.Context, p ledger.Project) error {
	_, err := s.exec(ctx, `
		INSERT INTO projects (id, name, accepts_donations, accepts_equity, share_price_minor)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			accepts_donations = excluded.accepts_donations,
			accepts_equity = excluded.accepts_equity,
			share_price_minor = excluded.share_price_minor`,
		p.ID, p.Name, p.AcceptsDonations, p.AcceptsEquity, p.SharePrice.Minor())
	if err != nil {
		return fmt.Errorf("failed to save project %s: %w", p.ID, err)
	}
	return nil
}

// InvestorEligible reports false for owners without a row.
func (s *Store) InvestorEligible(ctx context.Context, owner ledger.OwnerID) (bool, error) {
	var eligible bool
	err := s.queryRow(ctx, `SELECT eligible FROM investor_eligibility WHERE owner_id = ?`, owner).Scan(&eligible)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load eligibility of %s: %w", owner, err)
	}
	return eligible, nil
}

func (s *Store) SetInvestorEligible(ctx context.Context, owner ledger.OwnerID, eligible bool) error {
	_, err := s.exec(ctx, `
		INSERT INTO investor_eligibility (owner_id, eligible) VALUES (?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET eligible = excluded.eligible`,
		owner, eligible)
	if err != nil {
		return fmt.Errorf("failed to save eligibility of %s: %w", owner, err)
	}
	return nil
}

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Tx    = (*txConn)(nil)
)
