package handlers

import (
	"time"

	"github.com/cuemby/served/pkg/collab"
	"github.com/cuemby/served/pkg/sm"
	"github.com/cuemby/served/pkg/store"
	"github.com/cuemby/served/pkg/types"
	"github.com/rs/zerolog"
)

// Context is the concrete type behind sm.Machine.Context for every
// served transaction: the store handle, the out-of-scope collaborators,
// and the machine itself so actions can post events back onto their own
// queue. Spawn lets the Dependencies action create a child transaction
// without the handlers package depending on pkg/runner (which depends
// on handlers for its state sets).
type Context struct {
	Store   *store.Store
	Collab  collab.Collaborators
	Machine *sm.Machine
	TxID    uint64
	Logger  zerolog.Logger

	Spawn func(opts store.NewTransactionOptions) (uint64, error)
}

func (c *Context) ok() sm.ActionResult {
	c.Machine.PostEvent(sm.OK)
	return sm.Continue
}

func (c *Context) wait() sm.ActionResult {
	c.Machine.PostEvent(sm.WAIT)
	return sm.Wait
}

// fail writes a TXLOG_ERROR entry, posts FAILED, and returns Continue —
// the standard handler response to any unexpected error.
func (c *Context) fail(op string, err error) sm.ActionResult {
	c.logAt(types.LogError, op+": "+err.Error())
	c.Logger.Error().Uint64("transaction_id", c.TxID).Str("op", op).Err(err).Msg("handler failed")
	c.Machine.PostEvent(sm.FAILED)
	return sm.Continue
}

func (c *Context) logInfo(msg string) {
	c.logAt(types.LogInfo, msg)
}

// logAt appends a log entry under the store lock, tagging it with the
// machine's current state as the snapshot. FlagQuiet suppresses
// TXLOG_INFO entries only — warnings and errors are never silenced.
func (c *Context) logAt(level types.LogLevel, msg string) {
	c.Store.Lock()
	defer c.Store.Unlock()

	tx, err := c.Store.GetTransaction(c.TxID)
	if err == nil && level == types.LogInfo && tx.Flags.Has(types.FlagQuiet) {
		return
	}

	state := string(c.Machine.Current())
	if err := c.Store.AddLog(c.TxID, level, time.Now(), state, msg); err != nil {
		c.Logger.Error().Err(err).Msg("failed to record transaction log")
	}
}

// targetName reads the transaction's target name under the lock, the
// minimal read every handler needs before releasing and doing real work.
func (c *Context) targetName() (string, error) {
	c.Store.Lock()
	defer c.Store.Unlock()
	tx, err := c.Store.GetTransaction(c.TxID)
	if err != nil {
		return "", err
	}
	return tx.Name, nil
}
