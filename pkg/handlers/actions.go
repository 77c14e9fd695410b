package handlers

import (
	"context"
	"fmt"

	"github.com/cuemby/served/pkg/sm"
	"github.com/cuemby/served/pkg/store"
	"github.com/cuemby/served/pkg/types"
)

// dependenciesAction resolves the target package's declared base. If the
// base is already installed (or none is declared) it posts OK; otherwise
// it spawns a child install transaction for the base, parks this one on
// it, and posts WAIT.
func dependenciesAction(raw any) sm.ActionResult {
	c := raw.(*Context)

	name, err := c.targetName()
	if err != nil {
		return c.fail("dependencies.target_name", err)
	}

	meta, err := c.Collab.Packages.Load(context.Background(), name)
	if err != nil {
		return c.fail("dependencies.load_metadata", err)
	}
	if !meta.HasBase {
		return c.ok()
	}

	c.Store.Lock()
	_, baseErr := c.Store.GetApplication(meta.Base)
	baseInstalled := baseErr == nil
	c.Store.Unlock()

	if baseInstalled {
		c.logInfo(fmt.Sprintf("base %s already installed", meta.Base))
		return c.ok()
	}

	childID, err := c.Spawn(store.NewTransactionOptions{
		Type:        types.TransactionInstall,
		Name:        meta.Base,
		Description: fmt.Sprintf("auto-spawned base install for %s", name),
	})
	if err != nil {
		return c.fail("dependencies.spawn_base", err)
	}

	c.Store.Lock()
	tx, err := c.Store.GetTransaction(c.TxID)
	if err == nil {
		tx.Wait = types.WaitDescriptor{Kind: types.WaitTransaction, TransactionID: childID}
		err = c.Store.UpdateTransaction(tx)
	}
	c.Store.Unlock()
	if err != nil {
		return c.fail("dependencies.record_wait", err)
	}

	c.logInfo(fmt.Sprintf("waiting on base install transaction %d for %s", childID, meta.Base))
	return c.wait()
}

// unmountAction unmounts the transaction's target if it is currently
// mounted, ahead of an install or update overwriting its filesystem view.
func unmountAction(raw any) sm.ActionResult {
	c := raw.(*Context)
	name, err := c.targetName()
	if err != nil {
		return c.fail("unmount.target_name", err)
	}

	mounted, err := c.Collab.Mounts.IsMounted(context.Background(), name)
	if err != nil {
		return c.fail("unmount.is_mounted", err)
	}
	if mounted {
		if err := c.Collab.Mounts.Unmount(context.Background(), name); err != nil {
			return c.fail("unmount.unmount", err)
		}
		c.logInfo(fmt.Sprintf("unmounted %s", name))
	}
	return c.ok()
}

// unmountAllAction unmounts every currently-mounted application ahead of
// a remove transaction tearing one of them down, rather than only the
// target being removed.
func unmountAllAction(raw any) sm.ActionResult {
	c := raw.(*Context)

	c.Store.Lock()
	apps, err := c.Store.ListApplications()
	c.Store.Unlock()
	if err != nil {
		return c.fail("unmount_all.list", err)
	}

	for _, app := range apps {
		mounted, err := c.Collab.Mounts.IsMounted(context.Background(), app.Name)
		if err != nil {
			return c.fail("unmount_all.is_mounted", err)
		}
		if mounted {
			if err := c.Collab.Mounts.Unmount(context.Background(), app.Name); err != nil {
				return c.fail("unmount_all.unmount", err)
			}
		}
	}
	c.logInfo("all mounted applications unmounted")
	return c.ok()
}

func installAction(raw any) sm.ActionResult {
	c := raw.(*Context)
	_, ok := domainStep(c, "install", func(ctx context.Context, name string) error {
		return c.Collab.Containers.Install(ctx, name, "stable")
	})
	if !ok {
		return sm.Continue
	}
	return c.ok()
}

func updateAction(raw any) sm.ActionResult {
	c := raw.(*Context)
	_, ok := domainStep(c, "update", func(ctx context.Context, name string) error {
		return c.Collab.Containers.Install(ctx, name, "stable")
	})
	if !ok {
		return sm.Continue
	}
	return c.ok()
}

func removeAction(raw any) sm.ActionResult {
	c := raw.(*Context)
	name, ok := domainStep(c, "remove", func(ctx context.Context, name string) error {
		return c.Collab.Containers.Remove(ctx, name)
	})
	if !ok {
		return sm.Continue
	}

	c.Store.Lock()
	err := c.Store.RemoveApplication(name)
	c.Store.Unlock()
	if err != nil {
		return c.fail("remove.remove_application", err)
	}
	return c.ok()
}

func verifyAction(raw any) sm.ActionResult {
	c := raw.(*Context)
	_, ok := domainStep(c, "verify", func(ctx context.Context, name string) error {
		return c.Collab.Containers.Verify(ctx, name)
	})
	if !ok {
		return sm.Continue
	}
	return c.ok()
}

func commitAction(raw any) sm.ActionResult {
	c := raw.(*Context)
	_, ok := domainStep(c, "commit", func(ctx context.Context, name string) error {
		return c.Collab.Containers.Commit(ctx, name)
	})
	if !ok {
		return sm.Continue
	}
	return c.ok()
}

// rollbackAction runs after a failed commit. Whether the rollback itself
// succeeds or fails, the transaction still ends in Failed — the commit
// it was protecting did not go through.
func rollbackAction(raw any) sm.ActionResult {
	c := raw.(*Context)
	name, err := c.targetName()
	if err != nil {
		return c.fail("rollback.target_name", err)
	}
	if err := c.Collab.Containers.Rollback(context.Background(), name); err != nil {
		c.logAt(types.LogError, fmt.Sprintf("rollback of %s also failed: %v", name, err))
	} else {
		c.logInfo(fmt.Sprintf("rolled back %s after failed commit", name))
	}
	return c.ok()
}

// domainStep is the shared shape for the Install/Update/Remove/Verify/
// Commit steps: read the target name under the lock, release, run the
// (possibly slow) collaborator call without the lock held, and log.
// It reports ok=false after already posting FAILED itself, so callers
// only need to decide what to post on success.
func domainStep(c *Context, label string, run func(ctx context.Context, name string) error) (name string, ok bool) {
	name, err := c.targetName()
	if err != nil {
		c.fail(label+".target_name", err)
		return "", false
	}
	if err := run(context.Background(), name); err != nil {
		c.fail(label, err)
		return "", false
	}
	c.logInfo(fmt.Sprintf("%s succeeded for %s", label, name))
	return name, true
}
