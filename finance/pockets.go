package finance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// POCKETS
// =============================================================================

type CreatePocketRequest struct {
	Owner      ledger.OwnerID
	Name       string
	Kind       ledger.PocketKind
	Percentage decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// CreatePocket adds a named sub-balance to the owner's EUR wallet, creating
// the wallet if needed. Allocation percentages of one wallet need not sum to
// 100; the unallocated rest stays in the wallet.
func (s *Service) CreatePocket(ctx context.Context, req CreatePocketRequest) (ledger.Pocket, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return ledger.Pocket{}, fmt.Errorf("%w: pocket name is required", ledger.ErrInvalidAllocation)
	}
	if !req.Kind.Valid() {
		return ledger.Pocket{}, fmt.Errorf("%w: unknown pocket kind %q", ledger.ErrInvalidAllocation, req.Kind)
	}
	if req.Percentage.IsNegative() || req.Percentage.GreaterThan(hundred) {
		return ledger.Pocket{}, fmt.Errorf("%w: got %s", ledger.ErrInvalidAllocation, req.Percentage)
	}

	var pocket ledger.Pocket
	err := s.ledger.Run(ctx, "finance.create_pocket", func(u *ledger.Unit) error {
		w, err := u.LockOrCreateWallet(ctx, eurKey(req.Owner))
		if err != nil {
			return err
		}
		now := u.Now()
		pocket = ledger.Pocket{
			ID:                   ledger.NewPocketID(),
			WalletID:             w.ID,
			Owner:                w.Owner,
			Name:                 name,
			Kind:                 req.Kind,
			AllocationPercentage: req.Percentage,
			CurrentAmount:        ledger.Zero(ledger.EUR),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		return u.Records().InsertPocket(ctx, pocket)
	})
	if err != nil {
		return ledger.Pocket{}, err
	}
	s.log.Info().Str("owner", string(req.Owner)).Str("pocket", name).Str("kind", string(req.Kind)).Msg("pocket created")
	return pocket, nil
}

type TransferRequest struct {
	Owner    ledger.OwnerID
	PocketID ledger.PocketID
	Amount   ledger.Amount
}

// TransferToPocket moves EUR from the owner's wallet into one of their
// pockets. Another owner's pocket is reported as not found.
func (s *Service) TransferToPocket(ctx context.Context, req TransferRequest) (ledger.Transaction, error) {
	amount, err := s.validateAmount(req.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}

	var txn ledger.Transaction
	err = s.ledger.Run(ctx, "finance.pocket_transfer", func(u *ledger.Unit) error {
		w, err := lockPayer(ctx, u, req.Owner, amount)
		if err != nil {
			return err
		}
		p, err := u.Records().LockPocket(ctx, req.PocketID)
		if err != nil {
			return err
		}
		if p.WalletID != w.ID {
			return fmt.Errorf("%w: %s", ledger.ErrPocketNotFound, req.PocketID)
		}

		txn, err = u.Debit(w.ID, ledger.Posting{
			Kind:     ledger.KindPocketTransfer,
			Amount:   amount,
			Reason:   "pocket_transfer",
			Metadata: ledger.Metadata{"pocket_id": string(p.ID), "pocket_name": p.Name},
		})
		if err != nil {
			return err
		}
		p.CurrentAmount = p.CurrentAmount.Add(amount)
		p.UpdatedAt = u.Now()
		return u.Records().SavePocket(ctx, p)
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.log.Info().Str("owner", string(req.Owner)).Str("pocket_id", string(req.PocketID)).Str("amount", amount.String()).Msg("moved to pocket")
	return txn, nil
}

// Pockets lists the owner's pockets by name.
func (s *Service) Pockets(ctx context.Context, owner ledger.OwnerID) ([]ledger.Pocket, error) {
	w, err := s.ledger.Reader().Wallet(ctx, eurKey(owner))
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.ledger.Reader().Pockets(ctx, w.ID)
}
