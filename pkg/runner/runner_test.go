package runner

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/served/pkg/collab"
	"github.com/cuemby/served/pkg/handlers"
	"github.com/cuemby/served/pkg/store"
	"github.com/cuemby/served/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store, *collab.Fake) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "served.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fake := collab.NewFake()
	r := New(s, collab.Collaborators{Packages: fake, Mounts: fake, Containers: fake}, 0)
	return r, s, fake
}

func logsFor(t *testing.T, s *store.Store, id uint64) []*types.TransactionLog {
	t.Helper()
	s.Lock()
	defer s.Unlock()
	logs, err := s.GetLogs(id)
	require.NoError(t, err)
	return logs
}

// TestInstall_SatisfiedBase covers the case where the target's declared
// base is already installed, so the transaction completes without
// spawning any child transaction.
func TestInstall_SatisfiedBase(t *testing.T) {
	r, s, fake := newTestRunner(t)

	s.Lock()
	require.NoError(t, s.AddApplication(&types.Application{Name: "base-1"}))
	s.Unlock()

	fake.SetPackage(collab.PackageMetadata{Name: "app-x", HasBase: true, Base: "base-1"})

	id, err := r.CreateTransaction(store.NewTransactionOptions{Type: types.TransactionInstall, Name: "app-x"})
	require.NoError(t, err)

	r.Execute()

	require.True(t, r.IsFinished(id))
	state, ok := r.CurrentState(id)
	require.True(t, ok)
	require.Equal(t, handlers.StateCompleted, state)

	s.Lock()
	tx, err := s.GetTransaction(id)
	require.NoError(t, err)
	s.Unlock()
	require.NotNil(t, tx.CompletedAt)

	logs := logsFor(t, s, id)
	found := false
	for _, l := range logs {
		if l.Message == "base base-1 already installed" {
			found = true
		}
	}
	require.True(t, found, "expected a log entry noting the base was already installed")

	// no child transaction should have been created
	s.Lock()
	all, err := s.ListTransactions()
	s.Unlock()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

// TestInstall_MissingBase covers the case where the base is not
// installed, so a child install transaction is auto-spawned; the parent
// parks until the child completes, then resumes and reaches Completed,
// all within one Execute() call.
func TestInstall_MissingBase(t *testing.T) {
	r, s, fake := newTestRunner(t)

	fake.SetPackage(collab.PackageMetadata{Name: "app-x", HasBase: true, Base: "base-1"})
	fake.SetPackage(collab.PackageMetadata{Name: "base-1", HasBase: false})

	parentID, err := r.CreateTransaction(store.NewTransactionOptions{Type: types.TransactionInstall, Name: "app-x"})
	require.NoError(t, err)

	r.Execute()

	require.True(t, r.IsFinished(parentID))
	state, ok := r.CurrentState(parentID)
	require.True(t, ok)
	require.Equal(t, handlers.StateCompleted, state)

	s.Lock()
	all, err := s.ListTransactions()
	s.Unlock()
	require.NoError(t, err)
	require.Len(t, all, 2, "expected the parent plus one auto-spawned base install")

	var childID uint64
	for _, tx := range all {
		if tx.ID != parentID {
			childID = tx.ID
		}
	}
	require.True(t, r.IsFinished(childID))
	childState, _ := r.CurrentState(childID)
	require.Equal(t, handlers.StateCompleted, childState)
}

// TestCancelMidWait covers a transaction parked in DependenciesWait
// being cancelled: it ends up Cancelled with completed_at set,
// regardless of what its still-running child does afterward.
func TestCancelMidWait(t *testing.T) {
	r, s, fake := newTestRunner(t)

	fake.SetPackage(collab.PackageMetadata{Name: "app-x", HasBase: true, Base: "base-1"})
	fake.SetPackage(collab.PackageMetadata{Name: "base-1", HasBase: false})

	id, err := r.CreateTransaction(store.NewTransactionOptions{Type: types.TransactionInstall, Name: "app-x"})
	require.NoError(t, err)

	require.True(t, r.Step(), "first step should spawn the child and park the parent")

	r.Cancel(id)
	r.Execute()

	require.True(t, r.IsFinished(id))
	state, ok := r.CurrentState(id)
	require.True(t, ok)
	require.Equal(t, handlers.StateCancelled, state)

	s.Lock()
	tx, err := s.GetTransaction(id)
	s.Unlock()
	require.NoError(t, err)
	require.NotNil(t, tx.CompletedAt)
}

// TestRemove_UnmountsAndRemovesApplication exercises the remove pipeline
// end to end: UnmountAll, Remove, Completed, and the application gone
// from the store.
func TestRemove_UnmountsAndRemovesApplication(t *testing.T) {
	r, s, fake := newTestRunner(t)

	s.Lock()
	require.NoError(t, s.AddApplication(&types.Application{Name: "app-x"}))
	s.Unlock()
	fake.SetMounted("app-x", true)

	id, err := r.CreateTransaction(store.NewTransactionOptions{Type: types.TransactionRemove, Name: "app-x"})
	require.NoError(t, err)

	r.Execute()

	require.True(t, r.IsFinished(id))
	state, _ := r.CurrentState(id)
	require.Equal(t, handlers.StateCompleted, state)

	s.Lock()
	_, err = s.GetApplication("app-x")
	s.Unlock()
	require.Error(t, err)
}

// TestDomainFailure_EndsInFailedWithLog exercises the handler rule that
// any unexpected error posts FAILED and records a TXLOG_ERROR entry.
func TestDomainFailure_EndsInFailedWithLog(t *testing.T) {
	r, s, fake := newTestRunner(t)

	fake.SetPackage(collab.PackageMetadata{Name: "app-x", HasBase: false})
	fake.FailNext("install", "app-x", assertErr{"install backend unavailable"})

	id, err := r.CreateTransaction(store.NewTransactionOptions{Type: types.TransactionInstall, Name: "app-x"})
	require.NoError(t, err)

	r.Execute()

	require.True(t, r.IsFinished(id))
	state, _ := r.CurrentState(id)
	require.Equal(t, handlers.StateFailed, state)

	logs := logsFor(t, s, id)
	sawError := false
	for _, l := range logs {
		if l.Level == types.LogError {
			sawError = true
		}
	}
	require.True(t, sawError)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
