/*
handlers.go - HTTP API handlers for the ledger engines

PURPOSE:
  Exposes the SAKA and EUR engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engines.

ACTOR:
  The calling user is taken from the X-Actor-ID header. Authentication
  happens upstream; a missing header on a SAKA harvest is an anonymous
  no-op, on EUR endpoints it is a 401.

REQUEST FLOW:
  1. Parse HTTP request
  2. Parse amounts with the currency's precision
  3. Call the engine (saka.Service, finance.Service, ...)
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Errors are returned as JSON with the ledger reason code:
  - 400: Malformed body
  - 401: Missing actor
  - 404: Wallet, escrow, pocket or project not found
  - 409: Idempotency key reused, escrow not LOCKED, pocket name taken
  - 422: Any other rejection (insufficient balance, caps, split mismatch)
  - 503: Storage still contended after retries; the client should try again
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/finance"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/saka"
)

// ActorHeader carries the authenticated user id.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ProjectRegistry maintains the project directory. Both stores implement it.
type ProjectRegistry interface {
	finance.Directory
	SaveProject(ctx context.Context, p ledger.Project) error
	SetInvestorEligible(ctx context.Context, owner ledger.OwnerID, eligible bool) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger         *ledger.Ledger
	SAKA           *saka.Service
	Compost        *saka.CompostEngine
	Redistribution *saka.RedistributionEngine
	Finance        *finance.Service
	Projects       ProjectRegistry
	Log            zerolog.Logger
}

func actor(r *http.Request) ledger.OwnerID {
	return ledger.OwnerID(strings.TrimSpace(r.Header.Get(ActorHeader)))
}

// requireActor writes a 401 and returns "" when the header is missing.
func requireActor(w http.ResponseWriter, r *http.Request) ledger.OwnerID {
	owner := actor(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+ActorHeader+" header", "", nil)
	}
	return owner
}

// =============================================================================
// SAKA HANDLERS
// =============================================================================

// Harvest credits SAKA for an activity.
func (h *Handler) Harvest(w http.ResponseWriter, r *http.Request) {
	var req HarvestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := saka.HarvestRequest{Owner: actor(r), Reason: saka.Reason(req.Reason), Metadata: req.Metadata}
	if req.Amount != nil {
		amount, err := ledger.ParseAmount(*req.Amount, ledger.SAKA)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in.Amount = &amount
	}

	res, err := h.SAKA.Harvest(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Harvested() {
		status = http.StatusCreated
	}
	writeJSON(w, status, toOutcomeDTO(res.Transaction, res.Skipped))
}

// Spend debits SAKA. Insufficient balance answers 200 with applied=false.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := ledger.ParseAmount(req.Amount, ledger.SAKA)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.SAKA.Spend(r.Context(), saka.SpendRequest{
		Owner:    actor(r),
		Amount:   amount,
		Reason:   req.Reason,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Spent {
		status = http.StatusCreated
	}
	writeJSON(w, status, toOutcomeDTO(res.Transaction, res.Reason))
}

func (h *Handler) GetSAKAWallet(w http.ResponseWriter, r *http.Request) {
	owner := requireActor(w, r)
	if owner == "" {
		return
	}
	b, err := h.SAKA.GetBalance(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(b))
}

func (h *Handler) GetSAKATransactions(w http.ResponseWriter, r *http.Request) {
	owner := requireActor(w, r)
	if owner == "" {
		return
	}
	txs, err := h.SAKA.Transactions(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.SAKA.Pool(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolDTO(p))
}

// =============================================================================
// EUR HANDLERS
// =============================================================================

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	owner := requireActor(w, r)
	if owner == "" {
		return
	}
	var req DepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := ledger.ParseAmount(req.Amount, ledger.EUR)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	txn, err := h.Finance.Deposit(r.Context(), finance.DepositRequest{
		Owner:          owner,
		Amount:         amount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Reason:         req.Reason,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(txn))
}

func (h *Handler) Pledge(w http.ResponseWriter, r *http.Request) {
	owner := requireActor(w, r)
	if owner == "" {
		return
	}
	var req PledgeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := ledger.ParseAmount(req.Amount, ledger.EUR)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	escrow, err := h.Finance.Pledge(r.Context(), finance.PledgeRequest{
		Payer:          owner,
		Project:        ledger.ProjectID(req.ProjectID),
		Amount:         amount,
		Kind:           ledger.PledgeKind(req.Kind),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowDTO(escrow))
}

// AllocatePayment records a gateway payment split into donation and tip.
func (h *Handler) AllocatePayment(w http.ResponseWriter, r *http.Request) {
	owner := requireActor(w, r)
	if owner == "" {
		return
	}
	var req PaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amounts := make([]ledger.Amount, 4)
	for i, s := range []string{req.Total, req.Donation, req.Tip, req.GatewayFee} {
		if s == "" {
			s = "0"
		}
		a, err := ledger.ParseAmount(s, ledger.EUR)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		amounts[i] = a
	}

	alloc, err := h.Finance.AllocateIncomingPayment(r.Context(), finance.PaymentRequest{
		Payer:          owner,
		Project:        ledger.ProjectID(req.ProjectID),
		Total:          amounts[0],
		Donation:       amounts[1],
		Tip:            amounts[2],
		GatewayFee:     amounts[3],
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AllocationDTO{
		DepositID: string(alloc.DepositID),
		Donation:  toBucketDTO(alloc.Donation),
		Tip:       toBucketDTO(alloc.Tip),
	})
}

func (h *Handler) GetEURWallet(w http.ResponseWriter, r *http.Request) {
	owner := requireActor(w, r)
	if owner == "" {
		return
	}
	b, err := h.Finance.GetBalance(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(b))
}

// =============================================================================
// ESCROW HANDLERS
// =============================================================================

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := h.Finance.Escrow(r.Context(), ledger.EscrowID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowDTO(e))
}

func (h *Handler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	s, err := h.Finance.Release(r.Context(), ledger.EscrowID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

func (h *Handler) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := h.Finance.Refund(r.Context(), ledger.EscrowID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowDTO(e))
}

func (h *Handler) ListProjectEscrows(w http.ResponseWriter, r *http.Request) {
	escrows, err := h.Finance.ProjectEscrows(r.Context(), ledger.ProjectID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowDTOs(escrows))
}

func (h *Handler) ReleaseProject(w http.ResponseWriter, r *http.Request) {
	s, err := h.Finance.ReleaseProject(r.Context(), ledger.ProjectID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectSettlementDTO(s))
}

// =============================================================================
// POCKET HANDLERS
// =============================================================================

func (h *Handler) ListPockets(w http.ResponseWriter, r *http.Request) {
	owner := requireActor(w, r)
	if owner == "" {
		return
	}
	pockets, err := h.Finance.Pockets(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]PocketDTO, len(pockets))
	for i, p := range pockets {
		dtos[i] = toPocketDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePocket(w http.ResponseWriter, r *http.Request) {
	owner := requireActor(w, r)
	if owner == "" {
		return
	}
	var req CreatePocketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pct := decimal.Zero
	if req.Percentage != "" {
		var err error
		if pct, err = decimal.NewFromString(req.Percentage); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid allocation_percentage", "", err)
			return
		}
	}

	p, err := h.Finance.CreatePocket(r.Context(), finance.CreatePocketRequest{
		Owner:      owner,
		Name:       req.Name,
		Kind:       ledger.PocketKind(req.Kind),
		Percentage: pct,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPocketDTO(p))
}

func (h *Handler) TransferToPocket(w http.ResponseWriter, r *http.Request) {
	owner := requireActor(w, r)
	if owner == "" {
		return
	}
	var req TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := ledger.ParseAmount(req.Amount, ledger.EUR)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	txn, err := h.Finance.TransferToPocket(r.Context(), finance.TransferRequest{
		Owner:    owner,
		PocketID: ledger.PocketID(chi.URLParam(r, "id")),
		Amount:   amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(txn))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerCompost runs one compost cycle outside the schedule.
func (h *Handler) TriggerCompost(w http.ResponseWriter, r *http.Request) {
	var req CompostRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	summary, err := h.Compost.Run(r.Context(), saka.CompostRequest{DryRun: req.DryRun, Source: "admin"})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompostDTO(summary))
}

// TriggerRedistribution pays out the pool, optionally at an explicit rate.
func (h *Handler) TriggerRedistribution(w http.ResponseWriter, r *http.Request) {
	var req RedistributeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var rate *decimal.Decimal
	if req.Rate != nil {
		d, err := decimal.NewFromString(*req.Rate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid rate", "", err)
			return
		}
		rate = &d
	}

	res, err := h.Redistribution.Run(r.Context(), rate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedistributionDTO(res))
}

// Reconcile replays one wallet's journal against its stored balance.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	currency, err := ledger.ParseCurrency(r.URL.Query().Get("currency"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid currency", "", err)
		return
	}
	key := ledger.WalletKey{Owner: ledger.OwnerID(chi.URLParam(r, "owner")), Currency: currency}

	rec, err := h.Ledger.Reconcile(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationDTO{
		Owner:        string(key.Owner),
		Currency:     string(key.Currency),
		Stored:       rec.Stored.String(),
		Replayed:     rec.Replayed.String(),
		Transactions: rec.Transactions,
		Consistent:   rec.Consistent(),
	})
}

func (h *Handler) SaveProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "Project id is required", "", nil)
		return
	}
	p := ledger.Project{
		ID:               ledger.ProjectID(req.ID),
		Name:             req.Name,
		AcceptsDonations: req.AcceptsDonations,
		AcceptsEquity:    req.AcceptsEquity,
		SharePrice:       ledger.Zero(ledger.EUR),
	}
	if req.SharePrice != "" {
		price, err := ledger.ParseAmount(req.SharePrice, ledger.EUR)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		p.SharePrice = price
	}

	if err := h.Projects.SaveProject(r.Context(), p); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) SetInvestorEligible(w http.ResponseWriter, r *http.Request) {
	var req EligibilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	owner := ledger.OwnerID(chi.URLParam(r, "owner"))
	if err := h.Projects.SetInvestorEligible(r.Context(), owner, req.Eligible); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code ledger.ReasonCode, err error) {
	resp := ErrorResponse{Error: message, Code: string(code)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads the request body into v. An empty body leaves v zero.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", "", err)
	return false
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, body string) string {
	if k := strings.TrimSpace(r.Header.Get("Idempotency-Key")); k != "" {
		return k
	}
	return body
}

// statusOf maps an engine error to an HTTP status.
func statusOf(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrIdempotencyKeyUsed),
		errors.Is(err, ledger.ErrInvalidEscrowState),
		errors.Is(err, ledger.ErrPocketNameTaken):
		return http.StatusConflict
	case ledger.IsRejection(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrRetriesExhausted), ledger.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	switch status {
	case http.StatusServiceUnavailable:
		h.Log.Warn().Err(err).Str("path", r.URL.Path).Msg("storage contended")
		writeError(w, status, "Please try again", "try_again", nil)
	case http.StatusInternalServerError:
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, "Internal error", "", nil)
	default:
		writeError(w, status, err.Error(), ledger.ReasonCodeOf(err), nil)
	}
}
