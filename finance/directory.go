package finance

import (
	"context"

	"github.com/warp/ledger-engine/ledger"
)

// Directory resolves projects and investor eligibility. Both stores
// implement it next to the ledger tables.
type Directory interface {
	// Project fails with ledger.ErrProjectNotFound for unknown ids.
	Project(ctx context.Context, id ledger.ProjectID) (ledger.Project, error)
	InvestorEligible(ctx context.Context, owner ledger.OwnerID) (bool, error)
}
