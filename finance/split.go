package finance

import (
	"fmt"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// FEE SPLITTING
// =============================================================================

// Bucket is one side of a split payment.
type Bucket struct {
	Gross ledger.Amount
	Fee   ledger.Amount
	Net   ledger.Amount
}

func (b Bucket) Breakdown() *ledger.Breakdown {
	return &ledger.Breakdown{Gross: b.Gross, Fee: b.Fee, Net: b.Net}
}

type SplitResult struct {
	A Bucket
	B Bucket
}

// Split apportions a gateway fee between two buckets of a payment in
// proportion to their gross amounts.
//
// Each share is rounded half-up on its own; if the rounded shares miss the
// fee, the bucket with the larger gross absorbs the difference so that
// fee_a + fee_b == fee and net_a + net_b + fee == a + b hold exactly.
func Split(total, a, b, fee ledger.Amount) (SplitResult, error) {
	for _, amt := range []ledger.Amount{total, a, b, fee} {
		if amt.Currency != ledger.EUR {
			return SplitResult{}, fmt.Errorf("%w: split amounts must be EUR, got %s", ledger.ErrInvalidAmount, amt.Currency)
		}
		if amt.IsNegative() {
			return SplitResult{}, fmt.Errorf("%w: split amount %s is negative", ledger.ErrInvalidAmount, amt)
		}
	}
	if !total.IsPositive() {
		return SplitResult{}, fmt.Errorf("%w: payment total must be positive", ledger.ErrInvalidAmount)
	}
	if a.Add(b).Sub(total).Abs().GreaterThan(ledger.EUR.Unit()) {
		return SplitResult{}, fmt.Errorf("%w: %s + %s != %s", ledger.ErrSplitMismatch, a, b, total)
	}
	if fee.GreaterThan(a.Add(b)) {
		return SplitResult{}, fmt.Errorf("%w: fee %s exceeds payment %s", ledger.ErrInvalidAmount, fee, total)
	}

	feeA := share(fee, a, total)
	feeB := share(fee, b, total)
	if diff := fee.Sub(feeA.Add(feeB)); !diff.IsZero() {
		if a.GreaterThanOrEqual(b) {
			feeA = feeA.Add(diff)
		} else {
			feeB = feeB.Add(diff)
		}
	}

	res := SplitResult{
		A: Bucket{Gross: a, Fee: feeA, Net: a.Sub(feeA)},
		B: Bucket{Gross: b, Fee: feeB, Net: b.Sub(feeB)},
	}
	if err := res.check(fee); err != nil {
		return SplitResult{}, err
	}
	return res, nil
}

// share is round(fee * part / total), multiplying before dividing.
func share(fee, part, total ledger.Amount) ledger.Amount {
	if part.IsZero() {
		return ledger.Zero(fee.Currency)
	}
	return ledger.NewAmount(fee.Value.Mul(part.Value).Div(total.Value), fee.Currency)
}

func (r SplitResult) check(fee ledger.Amount) error {
	if !r.A.Fee.Add(r.B.Fee).Equal(fee) {
		return fmt.Errorf("%w: split fees %s + %s != %s", ledger.ErrInvariantViolation, r.A.Fee, r.B.Fee, fee)
	}
	paid := r.A.Gross.Add(r.B.Gross)
	if !r.A.Net.Add(r.B.Net).Add(fee).Equal(paid) {
		return fmt.Errorf("%w: split nets and fees do not add up to %s", ledger.ErrInvariantViolation, paid)
	}
	for _, bk := range []Bucket{r.A, r.B} {
		if bk.Fee.IsNegative() || bk.Net.IsNegative() {
			return fmt.Errorf("%w: bucket %s has fee %s and net %s", ledger.ErrInvariantViolation, bk.Gross, bk.Fee, bk.Net)
		}
	}
	return nil
}
