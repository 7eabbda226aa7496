package finance

import (
	"context"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
)

// =============================================================================
// INCOMING PAYMENTS
// =============================================================================

// PaymentRequest is a gateway payment made of a donation to a project and
// an optional tip to the platform.
type PaymentRequest struct {
	Payer          ledger.OwnerID
	Project        ledger.ProjectID
	Total          ledger.Amount
	Donation       ledger.Amount
	Tip            ledger.Amount
	GatewayFee     ledger.Amount
	IdempotencyKey string
}

// BucketAllocation is what one bucket of the payment became.
type BucketAllocation struct {
	Bucket
	TransactionID ledger.TransactionID
	EscrowID      ledger.EscrowID // donation only
}

type Allocation struct {
	DepositID ledger.TransactionID
	Donation  *BucketAllocation
	Tip       *BucketAllocation
}

// AllocateIncomingPayment records a split payment in one unit:
//
//	DEPOSIT  total      -> payer wallet (carries the idempotency key)
//	PLEDGE   donation   <- payer wallet, escrow holds the donation's net
//	TIP      tip        <- payer wallet, tip wallet receives the tip's net
//
// Every bucket transaction records its gross, fee and net, so the payment
// can be audited from the journal alone. Zero buckets produce nothing.
func (s *Service) AllocateIncomingPayment(ctx context.Context, req PaymentRequest) (Allocation, error) {
	split, err := Split(req.Total, req.Donation, req.Tip, req.GatewayFee)
	if err != nil {
		return Allocation{}, err
	}
	total := split.A.Gross.Add(split.B.Gross)

	if split.A.Gross.IsPositive() {
		project, err := s.dir.Project(ctx, req.Project)
		if err != nil {
			return Allocation{}, err
		}
		if !project.Accepts(ledger.PledgeDonation) {
			return Allocation{}, ledger.ErrInvalidPledgeKind
		}
		if split.A.Gross.Value.GreaterThan(s.cfg.MaxPledge) {
			return Allocation{}, ledger.ErrAmountTooLarge
		}
	}

	var out Allocation
	err = s.ledger.Run(ctx, "finance.allocate_payment", func(u *ledger.Unit) error {
		out = Allocation{}

		w, err := u.LockOrCreateWallet(ctx, eurKey(req.Payer))
		if err != nil {
			return err
		}
		if err := checkKey(ctx, u, req.IdempotencyKey); err != nil {
			return err
		}
		deposit, err := u.Credit(w.ID, ledger.Posting{
			Kind:           ledger.KindDeposit,
			Amount:         total,
			Reason:         "payment",
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       ledger.Metadata{"gateway_fee": split.A.Fee.Add(split.B.Fee).String()},
		})
		if err != nil {
			return err
		}
		out.DepositID = deposit.ID

		if split.A.Gross.IsPositive() {
			escrow, err := s.lockInEscrow(ctx, u, w, escrowSpec{
				project:   req.Project,
				kind:      ledger.PledgeDonation,
				debit:     split.A.Gross,
				held:      split.A.Net,
				key:       derivedKey(req.IdempotencyKey, "donation"),
				breakdown: split.A.Breakdown(),
			})
			if err != nil {
				return err
			}
			out.Donation = &BucketAllocation{Bucket: split.A, TransactionID: escrow.PledgeTransactionID, EscrowID: escrow.ID}
		}

		if split.B.Gross.IsPositive() {
			tip, err := u.Debit(w.ID, ledger.Posting{
				Kind:           ledger.KindTip,
				Amount:         split.B.Gross,
				Reason:         "tip",
				IdempotencyKey: derivedKey(req.IdempotencyKey, "tip"),
				Breakdown:      split.B.Breakdown(),
			})
			if err != nil {
				return err
			}
			if split.B.Net.IsPositive() {
				if _, err := u.CreditShared(ctx, eurKey(s.cfg.TipOwner), ledger.Posting{
					Kind:      ledger.KindCommission,
					Amount:    split.B.Net,
					Reason:    "tip",
					Metadata:  ledger.Metadata{"tip_transaction_id": string(tip.ID)},
					Breakdown: split.B.Breakdown(),
				}); err != nil {
					return err
				}
			}
			out.Tip = &BucketAllocation{Bucket: split.B, TransactionID: tip.ID}
		}
		return nil
	})
	if err != nil {
		return Allocation{}, err
	}

	if out.Donation != nil {
		metrics.EscrowTransitions.WithLabelValues(string(ledger.EscrowLocked)).Inc()
	}
	s.log.Info().
		Str("payer", string(req.Payer)).
		Str("project", string(req.Project)).
		Str("total", total.String()).
		Str("donation_fee", split.A.Fee.String()).
		Str("tip_fee", split.B.Fee.String()).
		Msg("payment allocated")
	return out, nil
}

func derivedKey(key, leg string) string {
	if key == "" {
		return ""
	}
	return key + ":" + leg
}
