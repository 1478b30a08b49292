package update

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/target"
)

// notifyInstallFinished closes a traversal that ended before anything was
// staged, e.g. on a post-download verification failure. The failed target
// is recorded in the install history as known-but-never-installed, which
// marks it as a rollback and keeps later traversals from treating it as
// fresh, and any pending marker is dropped.
func (c *Client) notifyInstallFinished(t target.Target, res api.Result) {
	logrus.Infof("installation finished; target: %s, result: %s", t.Name, res)
	if res.Code == api.Ok || res.Code == api.NeedCompletion {
		return
	}
	if err := c.store.SaveInstalledVersion(t, false); err != nil {
		logrus.Warnf("failed to record the failed target: %s", err)
		return
	}
	if err := c.store.ClearPending(); err != nil {
		logrus.Warnf("failed to clear the pending marker: %s", err)
	}
}

// CompleteInstallation confirms a pending deployment after reboot: the
// device must be booted on the pending commit and its apps must start.
// The CLI wrapper turns a failure here into one of the two rollback kinds.
func (c *Client) CompleteInstallation(ctx context.Context) api.InstallResult {
	pending, ok := c.store.Pending()
	if !ok {
		return api.InstallResult{Status: api.InstallError, Description: "no pending installation"}
	}

	if _, err := c.tree.Sysroot().Reload(); err != nil {
		logrus.Warnf("failed to reload the sysroot before finalization: %s", err)
	}
	currentHash := c.tree.CurrentHash()

	if currentHash != pending.Sha256 {
		if c.tree.PendingHash() == pending.Sha256 {
			// the device was not rebooted yet, nothing to finalize
			return api.InstallResult{Status: api.InstallNeedsCompletion, Description: "reboot is required to boot the pending deployment"}
		}
		// the bootloader discarded the pending deployment and booted the
		// previous one
		return api.InstallResult{Status: api.InstallError, Description: "device was rolled back to " + currentHash}
	}

	if err := c.runtime.Start(ctx, pending); err != nil {
		logrus.Errorf("booted on the new deployment but failed to start its apps: %s", err)
		return api.InstallResult{Status: api.InstallError, Description: "failed to start apps: " + err.Error()}
	}

	if err := c.store.MarkCurrent(pending); err != nil {
		logrus.Warnf("failed to record the finalized target: %s", err)
	}
	c.setReportHeader(pending.Name)

	if c.tree.BootFwUpdateInProgress() {
		return api.InstallResult{Status: api.InstallOkBootFwNeedsCompletion,
			Description: "reboot is required to confirm the bootloader update"}
	}
	return api.InstallResult{Status: api.InstallOk}
}

// SyncApps brings the current target's apps in line after a rollback,
// reporting whether there was anything to do.
func (c *Client) SyncApps(ctx context.Context) (synced bool, err error) {
	current := c.GetCurrent()
	if len(current.Apps()) == 0 {
		return false, nil
	}
	if c.runtime.InSync(ctx, current) {
		return false, nil
	}
	if err := c.apps.Fetch(ctx, current); err != nil {
		return true, err
	}
	return true, c.runtime.Start(ctx, current)
}
