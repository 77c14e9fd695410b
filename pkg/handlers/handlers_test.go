package handlers

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cuemby/served/pkg/collab"
	"github.com/cuemby/served/pkg/sm"
	"github.com/cuemby/served/pkg/store"
	"github.com/cuemby/served/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestStates_InstallAndUpdateShareShape(t *testing.T) {
	installStates, initial := States(types.TransactionInstall)
	require.Equal(t, StateDependencies, initial)
	require.Contains(t, installStates, StateInstall)
	require.NotContains(t, installStates, StateUpdate)

	updateStates, initial := States(types.TransactionUpdate)
	require.Equal(t, StateDependencies, initial)
	require.Contains(t, updateStates, StateUpdate)
	require.NotContains(t, updateStates, StateInstall)
}

func TestStates_RemoveSkipsDependencyResolution(t *testing.T) {
	states, initial := States(types.TransactionRemove)
	require.Equal(t, StateUnmountAll, initial)
	require.NotContains(t, states, StateDependencies)
}

func TestTerminalStates_HaveNoTransitions(t *testing.T) {
	states, _ := States(types.TransactionInstall)
	for _, id := range []sm.StateID{StateCompleted, StateFailed, StateCancelled} {
		st := states[id]
		require.True(t, st.IsTerminal(), "%s should be terminal", id)
	}
}

func newHandlerFixture(t *testing.T) (*Context, *store.Store, *collab.Fake) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "served.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fake := collab.NewFake()
	s.Lock()
	txID, err := s.NewTransaction(store.NewTransactionOptions{Type: types.TransactionInstall, Name: "app-x"})
	require.NoError(t, err)
	require.NoError(t, s.NewTransactionState(txID, types.TransactionState{Name: "app-x"}))
	s.Unlock()

	states, initial := States(types.TransactionInstall)
	machine := sm.New("tx-test", states, initial, nil, 0)

	ctx := &Context{
		Store:   s,
		Collab:  collab.Collaborators{Packages: fake, Mounts: fake, Containers: fake},
		Machine: machine,
		TxID:    txID,
		Spawn: func(opts store.NewTransactionOptions) (uint64, error) {
			s.Lock()
			defer s.Unlock()
			return s.NewTransaction(opts)
		},
	}
	machine.Context = ctx
	return ctx, s, fake
}

func TestDependenciesAction_NoBase_PostsOK(t *testing.T) {
	ctx, _, fake := newHandlerFixture(t)
	fake.SetPackage(collab.PackageMetadata{Name: "app-x", HasBase: false})

	result := dependenciesAction(ctx)
	require.Equal(t, sm.Continue, result)
}

func TestDependenciesAction_MissingBase_ParksAndSpawnsChild(t *testing.T) {
	ctx, s, fake := newHandlerFixture(t)
	fake.SetPackage(collab.PackageMetadata{Name: "app-x", HasBase: true, Base: "base-1"})

	result := dependenciesAction(ctx)
	require.Equal(t, sm.Wait, result)

	s.Lock()
	tx, err := s.GetTransaction(ctx.TxID)
	s.Unlock()
	require.NoError(t, err)
	require.Equal(t, types.WaitTransaction, tx.Wait.Kind)
	require.NotZero(t, tx.Wait.TransactionID)
}

func TestUnmountAction_UnmountsWhenMounted(t *testing.T) {
	ctx, _, fake := newHandlerFixture(t)
	fake.SetMounted("app-x", true)

	result := unmountAction(ctx)
	require.Equal(t, sm.Continue, result)

	mounted, err := fake.IsMounted(nil, "app-x")
	require.NoError(t, err)
	require.False(t, mounted)
}

func TestLogInfo_SuppressedByFlagQuiet(t *testing.T) {
	ctx, s, _ := newHandlerFixture(t)

	s.Lock()
	tx, err := s.GetTransaction(ctx.TxID)
	require.NoError(t, err)
	tx.Flags |= types.FlagQuiet
	require.NoError(t, s.UpdateTransaction(tx))
	s.Unlock()

	ctx.logInfo("this should not be recorded")

	s.Lock()
	logs, err := s.GetLogs(ctx.TxID)
	s.Unlock()
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestLogError_NeverSuppressedByFlagQuiet(t *testing.T) {
	ctx, s, _ := newHandlerFixture(t)

	s.Lock()
	tx, err := s.GetTransaction(ctx.TxID)
	require.NoError(t, err)
	tx.Flags |= types.FlagQuiet
	require.NoError(t, s.UpdateTransaction(tx))
	s.Unlock()

	ctx.fail("some.op", fmt.Errorf("boom"))

	s.Lock()
	logs, err := s.GetLogs(ctx.TxID)
	s.Unlock()
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, types.LogError, logs[0].Level)
}
