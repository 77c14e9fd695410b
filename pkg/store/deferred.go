package store

import (
	"time"

	"github.com/cuemby/served/pkg/types"
)

// opKind tags a deferredOp with the persistent mutation it re-executes
// on commit.
type opKind int

const (
	opAddApplication opKind = iota
	opRemoveApplication
	opAddTransaction
	opUpdateTransaction
	opCompleteTransaction
	opAddTransactionState
	opUpdateTransactionState
	opAddTransactionLog
)

// deferredOp carries the minimum payload needed to re-execute one
// mutation against the persistent store. Every field is a value copy
// taken at enqueue time rather than a pointer to the cached record, so a
// later resize of the owning map or reassignment of a record's fields
// does not change what the op writes. The copy is shallow: an
// application's Command and Revision entries, and a transaction's
// CompletedAt, are still shared with the cache.
type deferredOp struct {
	kind opKind

	application     types.Application // opAddApplication
	applicationName string            // opRemoveApplication

	transaction types.Transaction // opAddTransaction, opUpdateTransaction (full snapshot)

	transactionID uint64    // opCompleteTransaction
	completedAt   time.Time // opCompleteTransaction

	transactionState types.TransactionState // opAddTransactionState, opUpdateTransactionState (Logs excluded)

	log types.TransactionLog // opAddTransactionLog
}
