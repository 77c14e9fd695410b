// Package store implements served's durable state store: an in-memory
// cache of applications, transactions, transaction-state rows and
// transaction logs, backed by a bbolt database, mediated by a re-entrant
// advisory lock and a deferred-operation queue committed atomically on
// outermost unlock.
//
// One bucket per relation, JSON-marshaled rows, layered under a
// deferred-operation queue and a re-entrant advisory lock: handlers
// call Lock(), read/mutate through the cache-visible methods below,
// then Unlock(), and only the outermost Unlock() actually touches disk.
package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/served/pkg/errs"
	"github.com/cuemby/served/pkg/log"
	"github.com/cuemby/served/pkg/metrics"
	"github.com/cuemby/served/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// Store mediates all reads and writes to served's durable state. Its
// Lock/Unlock pair matches the single-threaded runner model: Store
// methods assume a single logical caller at a time and provide no
// cross-goroutine mutual exclusion of their own — the "advisory" in
// advisory lock means callers are trusted to hold it, not that the
// store enforces it with an OS primitive.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger

	applications map[string]*types.Application
	transactions map[uint64]*types.Transaction
	states       map[uint64]*types.TransactionState

	nextID uint64

	depth    int
	deferred []deferredOp

	divergent bool // set when a commit fails; cleared only by a fresh Load
}

// Open creates or opens a bbolt-backed store at path and loads its
// in-memory cache, seeding the id allocator to max(existing id)+1.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.New(errs.PersistenceFailure, "store.open", err)
	}
	if err := createBuckets(db); err != nil {
		db.Close()
		return nil, errs.New(errs.PersistenceFailure, "store.open", err)
	}

	s := &Store{db: db, logger: log.WithComponent("store")}
	if err := s.reload(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	data, err := loadFromDisk(s.db)
	if err != nil {
		return errs.New(errs.PersistenceFailure, "store.load", err)
	}
	s.applications = data.applications
	s.transactions = data.transactions
	s.states = data.states
	s.nextID = data.maxTxID + 1
	s.divergent = false
	metrics.ApplicationsTotal.Set(float64(len(data.applications)))
	return nil
}

// Close flushes any pending writes and releases the database handle.
func (s *Store) Close() error {
	if s.depth != 0 {
		return errs.New(errs.InvariantViolation, "store.close", fmt.Errorf("close called while lock held (depth=%d)", s.depth))
	}
	if err := s.db.Sync(); err != nil {
		return errs.New(errs.PersistenceFailure, "store.close", err)
	}
	return s.db.Close()
}

// Flush forces a durable sync of the underlying database file.
func (s *Store) Flush() error {
	if err := s.db.Sync(); err != nil {
		return errs.New(errs.PersistenceFailure, "store.flush", err)
	}
	return nil
}

// Lock acquires (or re-enters) the advisory lock. Nested calls simply
// bump the depth counter; only the outermost Unlock() commits deferred
// operations.
func (s *Store) Lock() {
	s.depth++
}

// Unlock releases one level of the advisory lock. On the outermost
// release it commits all deferred operations inside a single bbolt
// transaction (BEGIN/COMMIT with rollback on first error). The deferred
// queue is cleared whether or not the commit succeeds; on failure it
// also logs and marks the cache "possibly divergent" — recovery is a
// fresh Load/Open.
func (s *Store) Unlock() error {
	if s.depth == 0 {
		return errs.New(errs.InvariantViolation, "store.unlock", fmt.Errorf("unlock without matching lock"))
	}
	s.depth--
	if s.depth > 0 {
		return nil
	}
	return s.commitDeferred()
}

func (s *Store) commitDeferred() error {
	ops := s.deferred
	s.deferred = nil
	if len(ops) == 0 {
		return nil
	}

	timer := metrics.NewTimer()
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			if err := applyOp(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
	timer.ObserveDuration(metrics.StoreCommitDuration)

	if err != nil {
		metrics.StoreCommitFailuresTotal.Inc()
		s.divergent = true
		s.logger.Error().Err(err).Int("ops", len(ops)).
			Msg("deferred commit failed, cache may be divergent from durable state; reload required")
		return errs.New(errs.PersistenceFailure, "store.unlock", err)
	}

	for _, op := range ops {
		metrics.StoreDeferredOpsTotal.WithLabelValues(opKindLabel(op.kind)).Inc()
	}
	return nil
}

func opKindLabel(k opKind) string {
	switch k {
	case opAddApplication:
		return "add_application"
	case opRemoveApplication:
		return "remove_application"
	case opAddTransaction:
		return "add_transaction"
	case opUpdateTransaction:
		return "update_transaction"
	case opCompleteTransaction:
		return "complete_transaction"
	case opAddTransactionState:
		return "add_transaction_state"
	case opUpdateTransactionState:
		return "update_transaction_state"
	case opAddTransactionLog:
		return "add_transaction_log"
	default:
		return "unknown"
	}
}

// requireLocked returns an InvariantViolation error if called with the
// advisory lock not held.
func (s *Store) requireLocked(op string) error {
	if s.depth == 0 {
		return errs.New(errs.InvariantViolation, op, fmt.Errorf("called without holding the store lock"))
	}
	return nil
}

// --- Applications ---

// GetApplication returns the cached application by name, or a NotFound
// error.
func (s *Store) GetApplication(name string) (*types.Application, error) {
	if err := s.requireLocked("store.get_application"); err != nil {
		return nil, err
	}
	app, ok := s.applications[name]
	if !ok {
		return nil, errs.New(errs.NotFound, "store.get_application", fmt.Errorf("application %q", name))
	}
	return app, nil
}

// ListApplications returns all cached applications.
func (s *Store) ListApplications() ([]*types.Application, error) {
	if err := s.requireLocked("store.list_applications"); err != nil {
		return nil, err
	}
	out := make([]*types.Application, 0, len(s.applications))
	for _, a := range s.applications {
		out = append(out, a)
	}
	return out, nil
}

// AddApplication rejects duplicates by name, adds app to the cache
// immediately (read-your-writes), and enqueues a deferred insert.
func (s *Store) AddApplication(app *types.Application) error {
	if err := s.requireLocked("store.add_application"); err != nil {
		return err
	}
	if _, exists := s.applications[app.Name]; exists {
		return errs.New(errs.Duplicate, "store.add_application", fmt.Errorf("application %q", app.Name))
	}
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	for _, cmd := range app.Commands {
		if cmd.ID == "" {
			cmd.ID = uuid.New().String()
		}
	}
	for _, rev := range app.Revisions {
		if rev.ID == "" {
			rev.ID = uuid.New().String()
		}
	}
	s.applications[app.Name] = app
	s.deferred = append(s.deferred, deferredOp{kind: opAddApplication, application: cloneApplication(app)})
	metrics.ApplicationsTotal.Inc()
	return nil
}

// RemoveApplication removes name from the cache (cascading its commands
// and revisions) and enqueues a deferred cascade delete.
func (s *Store) RemoveApplication(name string) error {
	if err := s.requireLocked("store.remove_application"); err != nil {
		return err
	}
	if _, exists := s.applications[name]; !exists {
		return errs.New(errs.NotFound, "store.remove_application", fmt.Errorf("application %q", name))
	}
	delete(s.applications, name)
	s.deferred = append(s.deferred, deferredOp{kind: opRemoveApplication, applicationName: name})
	metrics.ApplicationsTotal.Dec()
	return nil
}

func cloneApplication(app *types.Application) types.Application {
	cp := *app
	cp.Commands = append([]*types.Command(nil), app.Commands...)
	cp.Revisions = append([]*types.Revision(nil), app.Revisions...)
	return cp
}

// --- Transactions ---

// NewTransactionOptions is the operator-supplied subset of a Transaction
// used to create one.
type NewTransactionOptions struct {
	Type        types.TransactionType
	Flags       types.TransactionFlags
	Name        string
	Description string
}

// NewTransaction allocates the next id, inserts a cached record and
// enqueues a deferred insert. Returns 0 and an error if called without
// the lock; that check runs before the allocator is advanced, so a
// rejected call consumes no id, and no step after allocation can fail.
func (s *Store) NewTransaction(opts NewTransactionOptions) (uint64, error) {
	if err := s.requireLocked("store.new_transaction"); err != nil {
		return 0, err
	}
	if len(opts.Name) > types.MaxNameLength {
		opts.Name = opts.Name[:types.MaxNameLength]
	}
	if len(opts.Description) > types.MaxDescriptionLength {
		opts.Description = opts.Description[:types.MaxDescriptionLength]
	}

	id := s.nextID
	s.nextID++

	tx := &types.Transaction{
		ID:          id,
		Type:        opts.Type,
		Flags:       opts.Flags,
		Name:        opts.Name,
		Description: opts.Description,
		CreatedAt:   time.Now(),
	}
	s.transactions[id] = tx
	s.deferred = append(s.deferred, deferredOp{kind: opAddTransaction, transaction: *tx})
	return id, nil
}

// GetTransaction returns the cached transaction by id.
func (s *Store) GetTransaction(id uint64) (*types.Transaction, error) {
	if err := s.requireLocked("store.get_transaction"); err != nil {
		return nil, err
	}
	tx, ok := s.transactions[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "store.get_transaction", fmt.Errorf("transaction %d", id))
	}
	return tx, nil
}

// ListTransactions returns all cached transactions.
func (s *Store) ListTransactions() ([]*types.Transaction, error) {
	if err := s.requireLocked("store.list_transactions"); err != nil {
		return nil, err
	}
	out := make([]*types.Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		out = append(out, t)
	}
	return out, nil
}

// UpdateTransaction enqueues a deferred update of the persistent row for
// the cached transaction pointed to by tx (already mutated in place by
// the caller).
func (s *Store) UpdateTransaction(tx *types.Transaction) error {
	if err := s.requireLocked("store.update_transaction"); err != nil {
		return err
	}
	if _, ok := s.transactions[tx.ID]; !ok {
		return errs.New(errs.NotFound, "store.update_transaction", fmt.Errorf("transaction %d", tx.ID))
	}
	s.deferred = append(s.deferred, deferredOp{kind: opUpdateTransaction, transaction: *tx})
	return nil
}

// CompleteTransaction sets completed_at = now on the cached transaction
// and enqueues the matching deferred update.
func (s *Store) CompleteTransaction(id uint64) error {
	if err := s.requireLocked("store.complete_transaction"); err != nil {
		return err
	}
	tx, ok := s.transactions[id]
	if !ok {
		return errs.New(errs.NotFound, "store.complete_transaction", fmt.Errorf("transaction %d", id))
	}
	now := time.Now()
	tx.CompletedAt = &now
	s.deferred = append(s.deferred, deferredOp{kind: opCompleteTransaction, transactionID: id, completedAt: now})
	return nil
}

// --- Transaction state ---

// NewTransactionState inserts the cached domain payload for id and
// enqueues a deferred insert.
func (s *Store) NewTransactionState(id uint64, state types.TransactionState) error {
	if err := s.requireLocked("store.new_transaction_state"); err != nil {
		return err
	}
	state.TransactionID = id
	cp := state
	s.states[id] = &cp
	s.deferred = append(s.deferred, deferredOp{kind: opAddTransactionState, transactionState: bareState(cp)})
	return nil
}

// UpdateTransactionState mirrors NewTransactionState for an existing row.
func (s *Store) UpdateTransactionState(state *types.TransactionState) error {
	if err := s.requireLocked("store.update_transaction_state"); err != nil {
		return err
	}
	if _, ok := s.states[state.TransactionID]; !ok {
		return errs.New(errs.NotFound, "store.update_transaction_state", fmt.Errorf("transaction %d", state.TransactionID))
	}
	s.deferred = append(s.deferred, deferredOp{kind: opUpdateTransactionState, transactionState: bareState(*state)})
	return nil
}

// GetTransactionState returns the cached domain payload for id.
func (s *Store) GetTransactionState(id uint64) (*types.TransactionState, error) {
	if err := s.requireLocked("store.get_transaction_state"); err != nil {
		return nil, err
	}
	st, ok := s.states[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "store.get_transaction_state", fmt.Errorf("transaction %d", id))
	}
	return st, nil
}

func bareState(s types.TransactionState) types.TransactionState {
	s.Logs = nil
	return s
}

// --- Logs ---

// AddLog appends a log entry to the in-memory list for id and enqueues a
// deferred insert. message is truncated to types.MaxLogMessageLength.
func (s *Store) AddLog(id uint64, level types.LogLevel, ts time.Time, stateSnapshot, message string) error {
	if err := s.requireLocked("store.add_log"); err != nil {
		return err
	}
	st, ok := s.states[id]
	if !ok {
		return errs.New(errs.NotFound, "store.add_log", fmt.Errorf("transaction %d", id))
	}
	if len(message) > types.MaxLogMessageLength {
		message = message[:types.MaxLogMessageLength]
	}
	entry := &types.TransactionLog{
		TransactionID: id,
		Level:         level,
		Timestamp:     ts,
		State:         stateSnapshot,
		Message:       message,
	}
	st.Logs = append(st.Logs, entry)
	s.deferred = append(s.deferred, deferredOp{kind: opAddTransactionLog, log: *entry})
	return nil
}

// GetLogs returns the log slice for id.
func (s *Store) GetLogs(id uint64) ([]*types.TransactionLog, error) {
	if err := s.requireLocked("store.get_logs"); err != nil {
		return nil, err
	}
	st, ok := s.states[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "store.get_logs", fmt.Errorf("transaction %d", id))
	}
	return st.Logs, nil
}

// IsDivergent reports whether the last deferred commit failed, meaning
// the in-memory cache may no longer match durable state.
func (s *Store) IsDivergent() bool {
	return s.divergent
}

// --- Cleanup ---

// retainCount and retainAge bound how many completed transactions
// cleanup keeps: always keep the retainCount most recently completed,
// and prune anything older than retainAge beyond that.
const (
	retainCount = 10
	retainAge   = 7 * 24 * time.Hour
)

// Cleanup prunes completed transactions beyond the retention window,
// cascading their state and log rows, and returns the number pruned.
// Ranking by CompletedAt descending and keeping the top retainCount
// mirrors an ORDER BY completed_at DESC LIMIT query; transactions still
// running (CompletedAt == nil) are never eligible.
func (s *Store) Cleanup() (int, error) {
	if err := s.requireLocked("store.cleanup"); err != nil {
		return 0, err
	}

	completed := make([]*types.Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		if t.CompletedAt != nil {
			completed = append(completed, t)
		}
	}
	if len(completed) <= retainCount {
		return 0, nil
	}

	sort.Slice(completed, func(i, j int) bool {
		return completed[i].CompletedAt.After(*completed[j].CompletedAt)
	})

	cutoff := time.Now().Add(-retainAge)
	var pruneIDs []uint64
	for i, t := range completed {
		if i < retainCount {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			pruneIDs = append(pruneIDs, t.ID)
		}
	}
	if len(pruneIDs) == 0 {
		return 0, nil
	}

	for _, id := range pruneIDs {
		delete(s.transactions, id)
		delete(s.states, id)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range pruneIDs {
			if err := deleteTransactionCascade(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.divergent = true
		return 0, errs.New(errs.PersistenceFailure, "store.cleanup", err)
	}

	metrics.CleanupPrunedTotal.Add(float64(len(pruneIDs)))
	return len(pruneIDs), nil
}
