package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/served/pkg/errs"
	"github.com/cuemby/served/pkg/types"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "served.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestNewTransaction_IDsAreUnique(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.Lock()
	id1, err := s.NewTransaction(NewTransactionOptions{Type: types.TransactionInstall, Name: "redis"})
	require.NoError(t, err)
	id2, err := s.NewTransaction(NewTransactionOptions{Type: types.TransactionInstall, Name: "postgres"})
	require.NoError(t, err)
	require.NoError(t, s.Unlock())

	require.NotEqual(t, id1, id2)
	require.Greater(t, id2, id1)
}

func TestRestart_ReloadsDurableState(t *testing.T) {
	s, path := openTemp(t)

	s.Lock()
	id, err := s.NewTransaction(NewTransactionOptions{Type: types.TransactionInstall, Name: "redis"})
	require.NoError(t, err)
	require.NoError(t, s.AddApplication(&types.Application{Name: "redis"}))
	require.NoError(t, s.NewTransactionState(id, types.TransactionState{Name: "redis", Channel: "stable"}))
	require.NoError(t, s.AddLog(id, types.LogInfo, time.Now(), "installing", "starting install"))
	require.NoError(t, s.Unlock())
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	reopened.Lock()
	defer reopened.Unlock()

	tx, err := reopened.GetTransaction(id)
	require.NoError(t, err)
	require.Equal(t, "redis", tx.Name)

	app, err := reopened.GetApplication("redis")
	require.NoError(t, err)
	require.Equal(t, "redis", app.Name)

	st, err := reopened.GetTransactionState(id)
	require.NoError(t, err)
	require.Equal(t, "stable", st.Channel)
	require.Len(t, st.Logs, 1)
	require.Equal(t, "starting install", st.Logs[0].Message)

	// the id allocator must not reuse the id of the transaction it just reloaded
	nextID, err := reopened.NewTransaction(NewTransactionOptions{Type: types.TransactionInstall, Name: "next"})
	require.NoError(t, err)
	require.Greater(t, nextID, id)
}

func TestAddApplication_RejectsDuplicates(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.Lock()
	defer s.Unlock()

	require.NoError(t, s.AddApplication(&types.Application{Name: "redis"}))
	err := s.AddApplication(&types.Application{Name: "redis"})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Duplicate))
}

func TestGetApplication_NotFound(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.Lock()
	defer s.Unlock()

	_, err := s.GetApplication("nonexistent")
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestReadYourWrites_VisibleBeforeUnlock(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.Lock()
	require.NoError(t, s.AddApplication(&types.Application{Name: "redis"}))
	// still locked: cache must already reflect the write
	app, err := s.GetApplication("redis")
	require.NoError(t, err)
	require.Equal(t, "redis", app.Name)
	require.NoError(t, s.Unlock())
}

func TestNestedLock_OnlyOutermostUnlockCommits(t *testing.T) {
	s, path := openTemp(t)

	s.Lock()
	s.Lock()
	require.NoError(t, s.AddApplication(&types.Application{Name: "redis"}))
	require.NoError(t, s.Unlock()) // inner unlock: nothing committed yet
	require.Len(t, s.deferred, 1)
	require.NoError(t, s.Unlock()) // outer unlock: commits
	require.Len(t, s.deferred, 0)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	reopened.Lock()
	defer reopened.Unlock()
	_, err = reopened.GetApplication("redis")
	require.NoError(t, err)
}

func TestUnlock_WithoutLock_IsInvariantViolation(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	err := s.Unlock()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvariantViolation))
}

func TestMethodsWithoutLock_RejectInvariantViolation(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	_, err := s.GetApplication("redis")
	require.True(t, errs.Is(err, errs.InvariantViolation))
}

func TestRemoveApplication_CascadesCommandsAndRevisions(t *testing.T) {
	s, path := openTemp(t)

	s.Lock()
	require.NoError(t, s.AddApplication(&types.Application{
		Name:      "redis",
		Commands:  []*types.Command{{ID: "cmd1", Name: "start"}},
		Revisions: []*types.Revision{{ID: "rev1", Channel: "stable"}},
	}))
	require.NoError(t, s.Unlock())

	s.Lock()
	require.NoError(t, s.RemoveApplication("redis"))
	require.NoError(t, s.Unlock())
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	reopened.Lock()
	defer reopened.Unlock()
	_, err = reopened.GetApplication("redis")
	require.True(t, errs.Is(err, errs.NotFound))
}

// TestCleanup_RetainsTenMostRecent: with 12 completed transactions older
// than the retention window, cleanup keeps the 10 most recently
// completed and prunes the other 2.
func TestCleanup_RetainsTenMostRecent(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.Lock()
	ids := make([]uint64, 0, 12)
	for i := 0; i < 12; i++ {
		id, err := s.NewTransaction(NewTransactionOptions{Type: types.TransactionInstall, Name: "app"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, s.Unlock())

	s.Lock()
	for i, id := range ids {
		tx, err := s.GetTransaction(id)
		require.NoError(t, err)
		completedAt := time.Now().Add(-8 * 24 * time.Hour).Add(time.Duration(i) * time.Minute)
		tx.CompletedAt = &completedAt
		require.NoError(t, s.UpdateTransaction(tx))
	}
	require.NoError(t, s.Unlock())

	s.Lock()
	pruned, err := s.Cleanup()
	require.NoError(t, err)
	require.NoError(t, s.Unlock())

	require.Equal(t, 2, pruned)

	s.Lock()
	defer s.Unlock()
	remaining, err := s.ListTransactions()
	require.NoError(t, err)
	require.Len(t, remaining, 10)
}

func TestCleanup_LeavesRecentTransactionsAlone(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.Lock()
	for i := 0; i < 12; i++ {
		id, err := s.NewTransaction(NewTransactionOptions{Type: types.TransactionInstall, Name: "app"})
		require.NoError(t, err)
		tx, err := s.GetTransaction(id)
		require.NoError(t, err)
		now := time.Now()
		tx.CompletedAt = &now
		require.NoError(t, s.UpdateTransaction(tx))
	}
	pruned, err := s.Cleanup()
	require.NoError(t, err)
	require.NoError(t, s.Unlock())

	// all 12 are within the retention age, so nothing beyond the top 10
	// is old enough to prune
	require.Equal(t, 0, pruned)
}

// TestDeferredCommitFailure_LeavesPersistentStoreUnchanged forces the
// outermost-unlock commit to fail (by closing the underlying bbolt
// handle out from under a pending deferred op) and asserts that the
// failure is reported, the cache is marked divergent, and — the
// atomicity guarantee that actually matters — the persistent store
// never observes the mutation that was in flight when the commit
// failed.
func TestDeferredCommitFailure_LeavesPersistentStoreUnchanged(t *testing.T) {
	s, path := openTemp(t)

	s.Lock()
	require.NoError(t, s.AddApplication(&types.Application{Name: "existing"}))
	require.NoError(t, s.Unlock())

	s.Lock()
	require.NoError(t, s.AddApplication(&types.Application{Name: "redis"}))
	require.NoError(t, s.db.Close()) // force the upcoming commit to fail

	err := s.Unlock()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.PersistenceFailure))
	require.True(t, s.IsDivergent())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	reopened.Lock()
	defer reopened.Unlock()

	_, err = reopened.GetApplication("redis")
	require.True(t, errs.Is(err, errs.NotFound), "the failed commit must not have reached disk")

	app, err := reopened.GetApplication("existing")
	require.NoError(t, err)
	require.Equal(t, "existing", app.Name)
}
