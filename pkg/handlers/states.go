// Package handlers implements the per-state action functions the state
// machine dispatches: dependency resolution, mount management, and the
// domain install/update/remove/verify/commit/rollback steps, plus the
// terminal states. Every action follows the same lifecycle rhythm:
// acquire state under lock, release, do the (possibly slow) work,
// re-acquire to record the outcome.
package handlers

import (
	"github.com/cuemby/served/pkg/sm"
	"github.com/cuemby/served/pkg/types"
)

// State ids for the three transaction pipelines. Installs and updates
// share a shape (dependency check, unmount, domain step, verify, commit,
// rollback-on-failure); removes skip dependency resolution and unmount
// every mounted application rather than just the target's own mount.
const (
	StateDependencies     sm.StateID = "Dependencies"
	StateDependenciesWait sm.StateID = "DependenciesWait"
	StateUnmount          sm.StateID = "Unmount"
	StateUnmountAll       sm.StateID = "UnmountAll"
	StateInstall          sm.StateID = "Install"
	StateUpdate           sm.StateID = "Update"
	StateRemove           sm.StateID = "Remove"
	StateVerify           sm.StateID = "Verify"
	StateCommit           sm.StateID = "Commit"
	StateRollback         sm.StateID = "Rollback"
	StateCompleted        sm.StateID = "Completed"
	StateFailed           sm.StateID = "Failed"
	StateCancelled        sm.StateID = "Cancelled"
)

// States returns the state set and initial state for a transaction of
// the given type. The state set is fixed at compile time, per spec's
// Non-goal ruling out user-defined SMs loaded at runtime.
func States(t types.TransactionType) (sm.StateSet, sm.StateID) {
	switch t {
	case types.TransactionInstall:
		return installStates(StateInstall), StateDependencies
	case types.TransactionUpdate:
		return installStates(StateUpdate), StateDependencies
	case types.TransactionRemove:
		return removeStates(), StateUnmountAll
	default:
		return installStates(StateInstall), StateDependencies
	}
}

// installStates builds the shared install/update pipeline, parameterized
// by which domain step (Install or Update) runs after Unmount.
func installStates(domainState sm.StateID) sm.StateSet {
	domainAction := installAction
	if domainState == StateUpdate {
		domainAction = updateAction
	}

	return sm.StateSet{
		StateDependencies: {
			ID: StateDependencies,
			Transitions: []sm.Transition{
				{Event: sm.OK, Target: StateUnmount},
				{Event: sm.WAIT, Target: StateDependenciesWait},
				{Event: sm.FAILED, Target: StateFailed},
				{Event: sm.CANCEL, Target: StateCancelled},
			},
			Action: dependenciesAction,
		},
		StateDependenciesWait: {
			ID: StateDependenciesWait,
			Transitions: []sm.Transition{
				{Event: sm.WAKE, Target: StateUnmount},
				{Event: sm.CANCEL, Target: StateCancelled},
			},
		},
		StateUnmount: {
			ID: StateUnmount,
			Transitions: []sm.Transition{
				{Event: sm.OK, Target: domainState},
				{Event: sm.FAILED, Target: StateFailed},
				{Event: sm.CANCEL, Target: StateCancelled},
			},
			Action: unmountAction,
		},
		domainState: {
			ID: domainState,
			Transitions: []sm.Transition{
				{Event: sm.OK, Target: StateVerify},
				{Event: sm.FAILED, Target: StateFailed},
				{Event: sm.CANCEL, Target: StateCancelled},
			},
			Action: domainAction,
		},
		StateVerify: {
			ID: StateVerify,
			Transitions: []sm.Transition{
				{Event: sm.OK, Target: StateCommit},
				{Event: sm.FAILED, Target: StateFailed},
				{Event: sm.CANCEL, Target: StateCancelled},
			},
			Action: verifyAction,
		},
		StateCommit: {
			ID: StateCommit,
			Transitions: []sm.Transition{
				{Event: sm.OK, Target: StateCompleted},
				{Event: sm.FAILED, Target: StateRollback},
				{Event: sm.CANCEL, Target: StateCancelled},
			},
			Action: commitAction,
		},
		StateRollback: {
			ID: StateRollback,
			Transitions: []sm.Transition{
				{Event: sm.OK, Target: StateFailed},
				{Event: sm.FAILED, Target: StateFailed},
			},
			Action: rollbackAction,
		},
		StateCompleted: {ID: StateCompleted},
		StateFailed:    {ID: StateFailed},
		StateCancelled: {ID: StateCancelled},
	}
}

func removeStates() sm.StateSet {
	return sm.StateSet{
		StateUnmountAll: {
			ID: StateUnmountAll,
			Transitions: []sm.Transition{
				{Event: sm.OK, Target: StateRemove},
				{Event: sm.FAILED, Target: StateFailed},
				{Event: sm.CANCEL, Target: StateCancelled},
			},
			Action: unmountAllAction,
		},
		StateRemove: {
			ID: StateRemove,
			Transitions: []sm.Transition{
				{Event: sm.OK, Target: StateCompleted},
				{Event: sm.FAILED, Target: StateFailed},
				{Event: sm.CANCEL, Target: StateCancelled},
			},
			Action: removeAction,
		},
		StateCompleted: {ID: StateCompleted},
		StateFailed:    {ID: StateFailed},
		StateCancelled: {ID: StateCancelled},
	}
}
