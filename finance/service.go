/*
Package finance implements the EUR side of the ledger: deposits, escrowed
pledges, releases and refunds, payment allocation and pockets.

PURPOSE:
  EUR is real money. It enters through deposits (or an allocated payment),
  leaves the payer's wallet as a PLEDGE into an escrow, and either reaches
  the project on release (minus commission and fees) or returns to the
  payer on refund.

ESCROW STATE MACHINE:
  LOCKED -> RELEASED    (terminal)
  LOCKED -> REFUNDED    (terminal)
  Any transition out of a terminal state is a reported error.

SHARED WALLETS:
  The commission, tip and project payout wallets are credited with atomic
  increments (Unit.CreditShared), never row-locked, so unrelated releases do
  not serialize on them.

SEE ALSO:
  - split.go: Fee-splitting allocator
  - events.go: Post-commit notifications
*/
package finance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	ledger   *ledger.Ledger
	cfg      Config
	dir      Directory
	notifier Notifier
	log      zerolog.Logger

	inflight sync.WaitGroup
}

func NewService(l *ledger.Ledger, cfg Config, dir Directory, notifier Notifier, log zerolog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.ReleaseBatchSize <= 0 {
		cfg.ReleaseBatchSize = DefaultConfig().ReleaseBatchSize
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultConfig().NotifyTimeout
	}
	return &Service{
		ledger:   l,
		cfg:      cfg,
		dir:      dir,
		notifier: notifier,
		log:      log.With().Str("component", "finance").Logger(),
	}
}

// Wait blocks until every notification started so far has finished.
func (s *Service) Wait() { s.inflight.Wait() }

func eurKey(owner ledger.OwnerID) ledger.WalletKey {
	return ledger.WalletKey{Owner: owner, Currency: ledger.EUR}
}

func (s *Service) validateAmount(a ledger.Amount) (ledger.Amount, error) {
	if a.Currency != ledger.EUR {
		return ledger.Amount{}, fmt.Errorf("%w: expected EUR, got %q", ledger.ErrInvalidAmount, a.Currency)
	}
	if !a.IsPositive() {
		return ledger.Amount{}, fmt.Errorf("%w: %s is not positive", ledger.ErrInvalidAmount, a)
	}
	if !a.Value.Equal(a.Value.Round(ledger.EUR.Scale())) {
		return ledger.Amount{}, fmt.Errorf("%w: %s has more than two decimals", ledger.ErrInvalidAmount, a.Value)
	}
	return a, nil
}

// lockPayer locks the payer's EUR wallet. A payer without a wallet has
// nothing to spend.
func lockPayer(ctx context.Context, u *ledger.Unit, payer ledger.OwnerID, want ledger.Amount) (ledger.Wallet, error) {
	w, err := u.LockWallet(ctx, eurKey(payer))
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return ledger.Wallet{}, &ledger.InsufficientBalanceError{
			Owner:     payer,
			Available: ledger.Zero(ledger.EUR),
			Requested: want,
		}
	}
	return w, err
}

func checkKey(ctx context.Context, u *ledger.Unit, key string) error {
	used, err := u.IdempotencyKeyUsed(ctx, key)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: %q", ledger.ErrIdempotencyKeyUsed, key)
	}
	return nil
}

// =============================================================================
// DEPOSIT
// =============================================================================

type DepositRequest struct {
	Owner          ledger.OwnerID
	Amount         ledger.Amount
	IdempotencyKey string
	Reason         string
	Metadata       ledger.Metadata
}

// Deposit credits EUR to the owner's wallet. It is the only way funds
// enter a wallet from outside.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (ledger.Transaction, error) {
	amount, err := s.validateAmount(req.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	reason := req.Reason
	if reason == "" {
		reason = "deposit"
	}

	var txn ledger.Transaction
	err = s.ledger.Run(ctx, "finance.deposit", func(u *ledger.Unit) error {
		w, err := u.LockOrCreateWallet(ctx, eurKey(req.Owner))
		if err != nil {
			return err
		}
		if err := checkKey(ctx, u, req.IdempotencyKey); err != nil {
			return err
		}
		txn, err = u.Credit(w.ID, ledger.Posting{
			Kind:           ledger.KindDeposit,
			Amount:         amount,
			Reason:         reason,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
		})
		return err
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.log.Info().Str("owner", string(req.Owner)).Str("amount", amount.String()).Msg("deposited")
	return txn, nil
}

// =============================================================================
// PLEDGE
// =============================================================================

type PledgeRequest struct {
	Payer          ledger.OwnerID
	Project        ledger.ProjectID
	Amount         ledger.Amount
	Kind           ledger.PledgeKind
	IdempotencyKey string
}

// Pledge moves EUR from the payer's wallet into a LOCKED escrow. Equity
// pledges are rounded down to whole shares.
func (s *Service) Pledge(ctx context.Context, req PledgeRequest) (ledger.Escrow, error) {
	amount, shares, err := s.preparePledge(ctx, req)
	if err != nil {
		s.log.Info().Err(err).Str("payer", string(req.Payer)).Str("project", string(req.Project)).Msg("pledge rejected")
		return ledger.Escrow{}, err
	}

	var escrow ledger.Escrow
	err = s.ledger.Run(ctx, "finance.pledge", func(u *ledger.Unit) error {
		w, err := lockPayer(ctx, u, req.Payer, amount)
		if err != nil {
			return err
		}
		// Checked under the wallet lock: two requests with the same key
		// serialize here and the second one sees the first.
		if err := checkKey(ctx, u, req.IdempotencyKey); err != nil {
			return err
		}
		escrow, err = s.lockInEscrow(ctx, u, w, escrowSpec{
			project: req.Project,
			kind:    req.Kind,
			debit:   amount,
			held:    amount,
			shares:  shares,
			key:     req.IdempotencyKey,
		})
		return err
	})
	if err != nil {
		return ledger.Escrow{}, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(ledger.EscrowLocked)).Inc()
	s.log.Info().
		Str("escrow_id", string(escrow.ID)).
		Str("payer", string(req.Payer)).
		Str("project", string(req.Project)).
		Str("kind", string(req.Kind)).
		Str("amount", amount.String()).
		Msg("pledge locked in escrow")
	return escrow, nil
}

// preparePledge validates a pledge before any lock is taken and returns
// the amount to debit and, for equity, the number of shares.
func (s *Service) preparePledge(ctx context.Context, req PledgeRequest) (ledger.Amount, int64, error) {
	amount, err := s.validateAmount(req.Amount)
	if err != nil {
		return ledger.Amount{}, 0, err
	}
	if amount.Value.GreaterThan(s.cfg.MaxPledge) {
		return ledger.Amount{}, 0, fmt.Errorf("%w: %s > %s", ledger.ErrAmountTooLarge, amount, s.cfg.MaxPledge)
	}
	if !req.Kind.Valid() {
		return ledger.Amount{}, 0, fmt.Errorf("%w: unknown pledge kind %q", ledger.ErrInvalidPledgeKind, req.Kind)
	}

	project, err := s.dir.Project(ctx, req.Project)
	if err != nil {
		return ledger.Amount{}, 0, err
	}
	if !project.Accepts(req.Kind) {
		return ledger.Amount{}, 0, fmt.Errorf("%w: project %s does not take %s pledges", ledger.ErrInvalidPledgeKind, project.ID, req.Kind)
	}
	if req.Kind != ledger.PledgeEquity {
		return amount, 0, nil
	}

	if !s.cfg.EquityEnabled {
		return ledger.Amount{}, 0, ledger.ErrEquityDisabled
	}
	eligible, err := s.dir.InvestorEligible(ctx, req.Payer)
	if err != nil {
		return ledger.Amount{}, 0, err
	}
	if !eligible {
		return ledger.Amount{}, 0, fmt.Errorf("%w: %s", ledger.ErrNotEligible, req.Payer)
	}
	if !project.SharePrice.IsPositive() {
		return amount, 0, nil
	}
	shares := amount.Minor() / project.SharePrice.Minor()
	if shares == 0 {
		return ledger.Amount{}, 0, fmt.Errorf("%w: %s < %s", ledger.ErrBelowUnitPrice, amount, project.SharePrice)
	}
	return project.SharePrice.MulInt(shares), shares, nil
}

type escrowSpec struct {
	project   ledger.ProjectID
	kind      ledger.PledgeKind
	debit     ledger.Amount // taken from the payer
	held      ledger.Amount // kept in escrow
	shares    int64
	key       string
	breakdown *ledger.Breakdown
}

// lockInEscrow debits the PLEDGE and creates the escrow that references it.
// The pledge row must exist before the escrow, hence the explicit flush.
func (s *Service) lockInEscrow(ctx context.Context, u *ledger.Unit, w ledger.Wallet, spec escrowSpec) (ledger.Escrow, error) {
	txn, err := u.Debit(w.ID, ledger.Posting{
		Kind:           ledger.KindPledge,
		Amount:         spec.debit,
		Reason:         "pledge",
		IdempotencyKey: spec.key,
		Metadata:       ledger.Metadata{"project_id": string(spec.project), "pledge_kind": string(spec.kind)},
		Breakdown:      spec.breakdown,
	})
	if err != nil {
		return ledger.Escrow{}, err
	}
	if err := u.Flush(ctx); err != nil {
		return ledger.Escrow{}, err
	}

	zero := ledger.Zero(ledger.EUR)
	escrow := ledger.Escrow{
		ID:                  ledger.NewEscrowID(),
		Payer:               w.Owner,
		Project:             spec.project,
		Kind:                spec.kind,
		Amount:              spec.held,
		Shares:              spec.shares,
		Status:              ledger.EscrowLocked,
		PledgeTransactionID: txn.ID,
		Commission:          zero,
		Fees:                zero,
		Net:                 zero,
		CreatedAt:           u.Now(),
	}
	if err := u.Records().InsertEscrow(ctx, escrow); err != nil {
		return ledger.Escrow{}, err
	}
	return escrow, nil
}

// =============================================================================
// RELEASE
// =============================================================================

// Settlement is the outcome of releasing one escrow.
// Commission + Fees + Net == Gross.
type Settlement struct {
	EscrowID      ledger.EscrowID
	ProjectID     ledger.ProjectID
	Gross         ledger.Amount
	Commission    ledger.Amount
	Fees          ledger.Amount
	Net           ledger.Amount
	CommissionTxn ledger.TransactionID
	PayoutTxn     ledger.TransactionID
}

func (s *Service) settle(gross ledger.Amount) (commission, fees, net ledger.Amount, err error) {
	commission = gross.MulRate(s.cfg.CommissionRate)
	fees = gross.MulRate(s.cfg.EstimatedFeeRate)
	net = gross.Sub(commission).Sub(fees)
	if net.IsNegative() {
		return commission, fees, net, fmt.Errorf("%w: commission %s and fees %s exceed %s",
			ledger.ErrInvariantViolation, commission, fees, gross)
	}
	return commission, fees, net, nil
}

// payout credits commission and the project's net share on the shared
// wallets. Zero legs are skipped.
func (s *Service) payout(ctx context.Context, u *ledger.Unit, project ledger.ProjectID, gross, commission, fees, net ledger.Amount, meta ledger.Metadata) (ledger.TransactionID, ledger.TransactionID, error) {
	var commissionID, payoutID ledger.TransactionID
	if commission.IsPositive() {
		txn, err := u.CreditShared(ctx, eurKey(s.cfg.CommissionOwner), ledger.Posting{
			Kind:     ledger.KindCommission,
			Amount:   commission,
			Reason:   "escrow_commission",
			Metadata: meta,
		})
		if err != nil {
			return "", "", err
		}
		commissionID = txn.ID
	}
	if net.IsPositive() {
		txn, err := u.CreditShared(ctx, eurKey(s.cfg.ProjectOwner(project)), ledger.Posting{
			Kind:      ledger.KindRelease,
			Amount:    net,
			Reason:    "escrow_release",
			Metadata:  meta,
			Breakdown: &ledger.Breakdown{Gross: gross, Fee: commission.Add(fees), Net: net},
		})
		if err != nil {
			return "", "", err
		}
		payoutID = txn.ID
	}
	return commissionID, payoutID, nil
}

// Release settles one LOCKED escrow. Releasing an escrow that is already
// RELEASED or REFUNDED fails with *ledger.EscrowStateError and creates no
// commission.
func (s *Service) Release(ctx context.Context, id ledger.EscrowID) (Settlement, error) {
	var st Settlement
	err := s.ledger.Run(ctx, "finance.release", func(u *ledger.Unit) error {
		e, err := u.Records().LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		if e.Terminal() {
			return &ledger.EscrowStateError{EscrowID: e.ID, Status: e.Status}
		}

		commission, fees, net, err := s.settle(e.Amount)
		if err != nil {
			return err
		}
		meta := ledger.Metadata{"escrow_id": string(e.ID), "project_id": string(e.Project)}
		commissionID, payoutID, err := s.payout(ctx, u, e.Project, e.Amount, commission, fees, net, meta)
		if err != nil {
			return err
		}

		now := u.Now()
		e.Status = ledger.EscrowReleased
		e.ReleasedAt = &now
		e.Commission, e.Fees, e.Net = commission, fees, net
		if err := u.Records().SaveEscrows(ctx, []ledger.Escrow{e}); err != nil {
			return err
		}

		st = Settlement{
			EscrowID:      e.ID,
			ProjectID:     e.Project,
			Gross:         e.Amount,
			Commission:    commission,
			Fees:          fees,
			Net:           net,
			CommissionTxn: commissionID,
			PayoutTxn:     payoutID,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidEscrowState) {
			s.log.Warn().Err(err).Str("escrow_id", string(id)).Msg("release of settled escrow")
		}
		return Settlement{}, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(ledger.EscrowReleased)).Inc()
	s.log.Info().
		Str("escrow_id", string(st.EscrowID)).
		Str("gross", st.Gross.String()).
		Str("commission", st.Commission.String()).
		Str("net", st.Net.String()).
		Msg("escrow released")

	s.notify(ctx, Event{
		Type:       EventEscrowReleased,
		ProjectID:  st.ProjectID,
		EscrowID:   st.EscrowID,
		Gross:      st.Gross.String(),
		Commission: st.Commission.String(),
		Fees:       st.Fees.String(),
		Net:        st.Net.String(),
		OccurredAt: s.ledger.Now(),
	})
	return st, nil
}

// ProjectSettlement sums the releases of one project close.
type ProjectSettlement struct {
	ProjectID  ledger.ProjectID
	NoOp       ledger.ReasonCode
	Escrows    int
	Batches    int
	Gross      ledger.Amount
	Commission ledger.Amount
	Fees       ledger.Amount
	Net        ledger.Amount
}

// ReleaseProject releases every LOCKED escrow of a project in batches of
// ReleaseBatchSize. Each batch is one unit with a single commission
// increment and a single payout increment.
func (s *Service) ReleaseProject(ctx context.Context, project ledger.ProjectID) (ProjectSettlement, error) {
	zero := ledger.Zero(ledger.EUR)
	total := ProjectSettlement{ProjectID: project, Gross: zero, Commission: zero, Fees: zero, Net: zero}
	log := s.log.With().Str("project", string(project)).Logger()

	for {
		var batch ProjectSettlement
		err := s.ledger.Run(ctx, "finance.release_project", func(u *ledger.Unit) error {
			batch = ProjectSettlement{Gross: zero, Commission: zero, Fees: zero, Net: zero}

			escrows, err := u.Records().LockProjectEscrows(ctx, project, ledger.EscrowLocked, s.cfg.ReleaseBatchSize)
			if err != nil || len(escrows) == 0 {
				return err
			}

			now := u.Now()
			for i := range escrows {
				e := &escrows[i]
				commission, fees, net, err := s.settle(e.Amount)
				if err != nil {
					return err
				}
				e.Status = ledger.EscrowReleased
				e.ReleasedAt = &now
				e.Commission, e.Fees, e.Net = commission, fees, net

				batch.Gross = batch.Gross.Add(e.Amount)
				batch.Commission = batch.Commission.Add(commission)
				batch.Fees = batch.Fees.Add(fees)
				batch.Net = batch.Net.Add(net)
			}
			batch.Escrows = len(escrows)

			meta := ledger.Metadata{"project_id": string(project), "escrows": len(escrows)}
			if _, _, err := s.payout(ctx, u, project, batch.Gross, batch.Commission, batch.Fees, batch.Net, meta); err != nil {
				return err
			}
			return u.Records().SaveEscrows(ctx, escrows)
		})
		if err != nil {
			log.Error().Err(err).Int("released", total.Escrows).Msg("project release stopped")
			return total, err
		}
		if batch.Escrows == 0 {
			break
		}

		total.Batches++
		total.Escrows += batch.Escrows
		total.Gross = total.Gross.Add(batch.Gross)
		total.Commission = total.Commission.Add(batch.Commission)
		total.Fees = total.Fees.Add(batch.Fees)
		total.Net = total.Net.Add(batch.Net)
		metrics.EscrowTransitions.WithLabelValues(string(ledger.EscrowReleased)).Add(float64(batch.Escrows))

		if batch.Escrows < s.cfg.ReleaseBatchSize {
			break
		}
	}

	if total.Escrows == 0 {
		total.NoOp = ledger.CodeNothingToRelease
		metrics.NoOpsTotal.WithLabelValues("finance.release_project", string(total.NoOp)).Inc()
		return total, nil
	}

	log.Info().
		Int("escrows", total.Escrows).
		Int("batches", total.Batches).
		Str("gross", total.Gross.String()).
		Str("net", total.Net.String()).
		Msg("project released")
	s.notify(ctx, Event{
		Type:       EventProjectClosed,
		ProjectID:  project,
		Escrows:    total.Escrows,
		Gross:      total.Gross.String(),
		Commission: total.Commission.String(),
		Fees:       total.Fees.String(),
		Net:        total.Net.String(),
		OccurredAt: s.ledger.Now(),
	})
	return total, nil
}

// =============================================================================
// REFUND
// =============================================================================

// Refund returns a LOCKED escrow's amount to its payer. The payer wallet is
// locked before the escrow, matching the global lock order.
func (s *Service) Refund(ctx context.Context, id ledger.EscrowID) (ledger.Escrow, error) {
	current, err := s.ledger.Reader().Escrow(ctx, id)
	if err != nil {
		return ledger.Escrow{}, err
	}

	var refunded ledger.Escrow
	err = s.ledger.Run(ctx, "finance.refund", func(u *ledger.Unit) error {
		w, err := u.LockOrCreateWallet(ctx, eurKey(current.Payer))
		if err != nil {
			return err
		}
		e, err := u.Records().LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		if e.Terminal() {
			return &ledger.EscrowStateError{EscrowID: e.ID, Status: e.Status}
		}

		if _, err := u.Credit(w.ID, ledger.Posting{
			Kind:     ledger.KindRefund,
			Amount:   e.Amount,
			Reason:   "escrow_refund",
			Metadata: ledger.Metadata{"escrow_id": string(e.ID), "project_id": string(e.Project)},
		}); err != nil {
			return err
		}

		now := u.Now()
		e.Status = ledger.EscrowRefunded
		e.RefundedAt = &now
		refunded = e
		return u.Records().SaveEscrows(ctx, []ledger.Escrow{e})
	})
	if err != nil {
		return ledger.Escrow{}, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(ledger.EscrowRefunded)).Inc()
	s.log.Info().Str("escrow_id", string(id)).Str("payer", string(refunded.Payer)).Str("amount", refunded.Amount.String()).Msg("escrow refunded")
	s.notify(ctx, Event{
		Type:       EventEscrowRefunded,
		ProjectID:  refunded.Project,
		EscrowID:   refunded.ID,
		Gross:      refunded.Amount.String(),
		OccurredAt: s.ledger.Now(),
	})
	return refunded, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// notify delivers ev in the background. The caller's cancellation does not
// reach the delivery; NotifyTimeout bounds it instead.
func (s *Service) notify(ctx context.Context, ev Event) {
	ctx = context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, ev); err != nil {
			metrics.NotificationFailures.Inc()
			s.log.Warn().Err(err).Str("event", string(ev.Type)).Str("project", string(ev.ProjectID)).Msg("notification failed")
		}
	}()
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetBalance(ctx context.Context, owner ledger.OwnerID) (ledger.BalanceSnapshot, error) {
	return s.ledger.Balance(ctx, eurKey(owner))
}

func (s *Service) Escrow(ctx context.Context, id ledger.EscrowID) (ledger.Escrow, error) {
	return s.ledger.Reader().Escrow(ctx, id)
}

func (s *Service) ProjectEscrows(ctx context.Context, project ledger.ProjectID) ([]ledger.Escrow, error) {
	return s.ledger.Reader().ProjectEscrows(ctx, project)
}
