package finance

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
)

type Config struct {
	// CommissionRate and EstimatedFeeRate are applied to an escrow on
	// release; the project receives the rest.
	CommissionRate   decimal.Decimal
	EstimatedFeeRate decimal.Decimal
	// MaxPledge is the largest single pledge, in EUR.
	MaxPledge     decimal.Decimal
	EquityEnabled bool

	CommissionOwner    ledger.OwnerID
	TipOwner           ledger.OwnerID
	ProjectOwnerPrefix string

	ReleaseBatchSize int
	NotifyTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		CommissionRate:     decimal.RequireFromString("0.05"),
		EstimatedFeeRate:   decimal.RequireFromString("0.015"),
		MaxPledge:          decimal.NewFromInt(1_000_000),
		EquityEnabled:      false,
		CommissionOwner:    "system:commission",
		TipOwner:           "system:tips",
		ProjectOwnerPrefix: "project:",
		ReleaseBatchSize:   200,
		NotifyTimeout:      10 * time.Second,
	}
}

// ProjectOwner is the owner of the wallet that receives a project's payouts.
func (c Config) ProjectOwner(id ledger.ProjectID) ledger.OwnerID {
	return ledger.OwnerID(c.ProjectOwnerPrefix + string(id))
}
