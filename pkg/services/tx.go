package services

import (
	"context"

	"github.com/agentmesh/agentmesh-server/pkg/database"
)

// TxRunner runs a function inside a database transaction. Satisfied by
// *database.DB; tests substitute a passthrough.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(context.Context) error) error
}

var _ TxRunner = (*database.DB)(nil)
