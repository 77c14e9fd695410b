// Package runner implements served's single-threaded cooperative
// scheduler: it registers transactions, drives their state machines to
// completion, parks and wakes waiters, and prunes old transactions.
package runner

import (
	"fmt"

	"github.com/cuemby/served/pkg/collab"
	"github.com/cuemby/served/pkg/handlers"
	"github.com/cuemby/served/pkg/log"
	"github.com/cuemby/served/pkg/metrics"
	"github.com/cuemby/served/pkg/sm"
	"github.com/cuemby/served/pkg/store"
	"github.com/cuemby/served/pkg/types"
	"github.com/rs/zerolog"
)

// entry tracks one in-flight transaction's machine alongside its runner
// bookkeeping: whether it's currently parked or finished. Registration
// order (for fair round-robin dispatch) is kept in Runner.order.
type entry struct {
	id       uint64
	machine  *sm.Machine
	ctx      *handlers.Context
	parked   bool
	finished bool
}

// Runner is served's scheduler. It holds no lock of its own beyond the
// Store's advisory lock — Execute is the sole driver of every machine it
// owns, so no additional synchronization is needed for the order slice
// or entries map.
type Runner struct {
	store  *store.Store
	collab collab.Collaborators
	logger zerolog.Logger

	queueCapacity int

	entries map[uint64]*entry
	order   []uint64 // insertion order, for fair round-robin dispatch
}

// New creates a Runner bound to store and collab. queueCapacity <= 0
// uses each machine's default of 16.
func New(s *store.Store, collaborators collab.Collaborators, queueCapacity int) *Runner {
	return &Runner{
		store:         s,
		collab:        collaborators,
		logger:        log.WithComponent("runner"),
		queueCapacity: queueCapacity,
		entries:       make(map[uint64]*entry),
	}
}

// CreateTransaction allocates a transaction via the store, builds its
// state machine and transaction-state row, and registers it as runnable.
func (r *Runner) CreateTransaction(opts store.NewTransactionOptions) (uint64, error) {
	r.store.Lock()
	id, err := r.store.NewTransaction(opts)
	if err == nil {
		err = r.store.NewTransactionState(id, types.TransactionState{Name: opts.Name})
	}
	r.store.Unlock()
	if err != nil {
		return 0, err
	}

	r.register(id, opts.Type)
	r.logger.Info().Uint64("transaction_id", id).Str("type", opts.Type.String()).Msg("transaction created")
	return id, nil
}

func (r *Runner) register(id uint64, txType types.TransactionType) {
	states, initial := handlers.States(txType)
	machine := sm.New(fmt.Sprintf("tx-%d", id), states, initial, nil, r.queueCapacity)

	ctx := &handlers.Context{
		Store:   r.store,
		Collab:  r.collab,
		Machine: machine,
		TxID:    id,
		Logger:  r.logger,
		Spawn: func(opts store.NewTransactionOptions) (uint64, error) {
			return r.CreateTransaction(opts)
		},
	}
	machine.Context = ctx

	e := &entry{id: id, machine: machine, ctx: ctx}
	r.entries[id] = e
	r.order = append(r.order, id)
	metrics.TransactionsActive.Inc()
}

// Cancel posts CANCEL to the named transaction's machine and, if it was
// parked, unparks it so the event is observed at the next Execute pass —
// cooperative cancellation applies to parked transactions too, not just
// ones actively stepping.
func (r *Runner) Cancel(id uint64) {
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.machine.PostEvent(sm.CANCEL)
	if e.parked {
		r.unpark(e, "transaction cancelled")
	}
}

// Event wakes every parked transaction waiting on the external tag.
func (r *Runner) Event(tag string) {
	for _, e := range r.entries {
		if e.finished || !e.parked {
			continue
		}
		wait, ok := r.waitOf(e.id)
		if !ok || wait.Kind != types.WaitExternal || wait.ExternalTag != tag {
			continue
		}
		e.machine.PostEvent(sm.WAKE)
		r.unpark(e, "external event "+tag)
	}
}

func (r *Runner) waitOf(id uint64) (types.WaitDescriptor, bool) {
	r.store.Lock()
	defer r.store.Unlock()
	tx, err := r.store.GetTransaction(id)
	if err != nil {
		return types.WaitDescriptor{}, false
	}
	return tx.Wait, true
}

// unpark clears e's wait descriptor and parked flag, decrementing the
// waiting-transactions gauge under the kind it had been parked on.
func (r *Runner) unpark(e *entry, reason string) {
	r.store.Lock()
	tx, err := r.store.GetTransaction(e.id)
	kind := types.WaitNone
	if err == nil {
		kind = tx.Wait.Kind
		tx.Wait = types.WaitDescriptor{}
		_ = r.store.UpdateTransaction(tx)
	}
	r.store.Unlock()

	e.parked = false
	metrics.TransactionsWaiting.WithLabelValues(waitKindLabel(kind)).Dec()
	r.logger.Debug().Uint64("transaction_id", e.id).Str("reason", reason).Msg("unparked")
}

func waitKindLabel(k types.WaitKind) string {
	switch k {
	case types.WaitTransaction:
		return "transaction"
	case types.WaitExternal:
		return "external"
	default:
		return "none"
	}
}

// Execute drives the runner loop to completion: while any transaction is
// neither terminal nor parked, it dispatches one Execute step per
// runnable transaction in insertion order (fair round-robin dispatch),
// parking on Wait and completing on termination.
func (r *Runner) Execute() {
	for r.Step() {
	}
}

// Step dispatches exactly one Execute step for every currently-runnable
// transaction, in insertion order, and reports whether any transaction
// actually stepped. Exposed (alongside Execute, which loops Step to
// quiescence) so tests and operator tooling can observe a transaction
// parked mid-pipeline, e.g. to cancel it, without the run driving its
// whole dependency chain to completion first.
func (r *Runner) Step() bool {
	progressed := false

	for _, id := range r.order {
		e := r.entries[id]
		if e.finished || e.parked {
			continue
		}

		result := e.machine.Execute()
		metrics.RunnerStepsTotal.Inc()
		progressed = true

		r.persistState(e)

		switch result {
		case sm.Wait:
			e.parked = true
			r.recordWaitMetric(e)
		case sm.Abort:
			r.logger.Error().Uint64("transaction_id", e.id).Msg("machine aborted: unknown current state")
			r.finish(e)
		default:
			if e.machine.IsTerminal() {
				r.finish(e)
			}
		}
	}

	return progressed
}

// persistState writes the machine's current state id onto the cached
// transaction row so a reload can reconstruct progress without replaying
// history, per the State field's documented purpose in pkg/types.
func (r *Runner) persistState(e *entry) {
	r.store.Lock()
	defer r.store.Unlock()
	tx, err := r.store.GetTransaction(e.id)
	if err != nil {
		return
	}
	tx.State = string(e.machine.Current())
	_ = r.store.UpdateTransaction(tx)
}

func (r *Runner) recordWaitMetric(e *entry) {
	wait, ok := r.waitOf(e.id)
	if !ok {
		return
	}
	metrics.TransactionsWaiting.WithLabelValues(waitKindLabel(wait.Kind)).Inc()
}

// finish marks e terminal and records completion in the store, then
// wakes any parent transaction waiting on it.
func (r *Runner) finish(e *entry) {
	e.finished = true
	metrics.TransactionsActive.Dec()

	r.store.Lock()
	tx, err := r.store.GetTransaction(e.id)
	txType := "unknown"
	if err == nil {
		txType = tx.Type.String()
	}
	_ = r.store.CompleteTransaction(e.id)
	r.store.Unlock()

	metrics.TransactionsTotal.WithLabelValues(txType, string(e.machine.Current())).Inc()
	r.wakeParentWaiters(e.id)
}

// wakeParentWaiters wakes any transaction parked on a Transaction wait
// targeting childID, once childID has reached a terminal state.
func (r *Runner) wakeParentWaiters(childID uint64) {
	child := r.entries[childID]
	if child == nil || !child.finished {
		return
	}

	for _, e := range r.entries {
		if e.finished || !e.parked {
			continue
		}
		wait, ok := r.waitOf(e.id)
		if !ok || wait.Kind != types.WaitTransaction || wait.TransactionID != childID {
			continue
		}
		e.machine.PostEvent(sm.WAKE)
		r.unpark(e, fmt.Sprintf("child transaction %d completed", childID))
	}
}

// IsFinished reports whether id has reached a terminal state.
func (r *Runner) IsFinished(id uint64) bool {
	e, ok := r.entries[id]
	return ok && e.finished
}

// CurrentState returns the machine's current state id for id, for tests
// and operator tooling.
func (r *Runner) CurrentState(id uint64) (sm.StateID, bool) {
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.machine.Current(), true
}

// Cleanup delegates to the store's retention sweep and drops any local
// entries whose transactions were pruned, so the order slice does not
// grow without bound across a long-running process.
func (r *Runner) Cleanup() (int, error) {
	r.store.Lock()
	pruned, err := r.store.Cleanup()
	r.store.Unlock()
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		r.compact()
	}
	return pruned, nil
}

func (r *Runner) compact() {
	r.store.Lock()
	defer r.store.Unlock()

	kept := r.order[:0]
	for _, id := range r.order {
		if _, err := r.store.GetTransaction(id); err == nil {
			kept = append(kept, id)
		} else {
			delete(r.entries, id)
		}
	}
	r.order = kept
}
