package update

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/target"
)

// InstallMode selects how much of a target one install pass applies.
type InstallMode int

const (
	// ModeAll stages the rootfs and brings the apps up in one pass.
	ModeAll InstallMode = iota
	// ModeOstreeOnly stages the rootfs and leaves app startup to the
	// finalization after reboot.
	ModeOstreeOnly
)

// ParseInstallMode maps the CLI's --install-mode value. Unknown values
// fall back to the default with a warning.
func ParseInstallMode(raw string) InstallMode {
	switch raw {
	case "", "all":
		return ModeAll
	case "delay-app-install":
		return ModeOstreeOnly
	default:
		logrus.Warnf("unsupported installation mode: %s; falling back to the default install mode", raw)
		return ModeAll
	}
}

// Installer runs the download and install legs of one update traversal.
type Installer struct {
	client        *Client
	target        target.Target
	reason        string
	mode          InstallMode
	correlationID string
}

// Installer returns an installer for a target known to the metadata
// source, or nil when the target cannot be resolved.
func (c *Client) Installer(t target.Target, reason string, mode InstallMode) *Installer {
	var resolved target.Target
	for _, record := range c.meta.Targets() {
		if record.Name == t.Name {
			resolved = target.Target{Name: record.Name, Sha256: record.Sha256, Custom: record.Custom}
			break
		}
	}
	if resolved.IsUnknown() {
		// fall back to the install history so a rollback target can be
		// reinstalled even when it left the metadata
		if !c.store.Knows(t.Sha256) {
			return nil
		}
		resolved = t
	}
	return &Installer{
		client:        c,
		target:        resolved,
		reason:        reason,
		mode:          mode,
		correlationID: fmt.Sprintf("%d-%s", resolved.Version(), uuid.New()),
	}
}

func (i *Installer) Target() target.Target { return i.target }

// Download fetches the rootfs commit, then re-verifies the artifact
// against the metadata before anything is staged.
func (i *Installer) Download(ctx context.Context) api.DownloadResult {
	reason := i.reason
	if reason == "" {
		reason = "Update to " + i.target.Name
	}
	logrus.Infof("downloading %q (%s), reason: %s", i.target.Name, i.correlationID, reason)

	res := i.client.tree.Download(ctx, i.target)
	if !res.Ok() {
		return res
	}

	if !i.client.tree.HasCommit(i.target.Sha256) {
		logrus.Errorf("downloaded target %q does not match its metadata, aborting the traversal", i.target.Name)
		i.client.notifyInstallFinished(i.target, api.Result{
			Code:        api.VerificationFailed,
			Description: "downloaded target is invalid",
		})
		return api.DownloadResult{
			Status:      api.DownloadVerificationError,
			Description: "downloaded target is invalid",
		}
	}
	return api.DownloadResult{Status: api.DownloadOk}
}

// Install fetches the app artifacts and stages the rootfs deployment.
func (i *Installer) Install(ctx context.Context) api.InstallResult {
	c := i.client
	logrus.Infof("installing %q (%s)", i.target.Name, i.correlationID)

	if err := c.apps.Fetch(ctx, i.target); err != nil {
		logrus.Errorf("failed to pull app artifacts: %s", err)
		return api.InstallResult{Status: api.InstallDownloadFailed, Description: err.Error()}
	}

	res := c.tree.Install(ctx, i.target)
	switch res.Code {
	case api.Ok:
		if i.mode == ModeOstreeOnly && !c.runtime.InSync(ctx, i.target) {
			if err := c.store.SaveInstalledVersion(i.target, false); err != nil {
				logrus.Warnf("failed to record the pending target: %s", err)
			}
			return api.InstallResult{Status: api.InstallAppsNeedCompletion, Description: res.Description}
		}
		if err := c.runtime.Start(ctx, i.target); err != nil {
			logrus.Errorf("failed to start apps: %s", err)
			return api.InstallResult{Status: api.InstallError, Description: err.Error()}
		}
		if err := c.store.MarkCurrent(i.target); err != nil {
			logrus.Warnf("failed to record the installed target: %s", err)
		}
		c.setReportHeader(i.target.Name)
		return api.InstallResult{Status: api.InstallOk, Description: res.Description}

	case api.NeedCompletion:
		if err := c.store.SaveInstalledVersion(i.target, false); err != nil {
			logrus.Warnf("failed to record the pending target: %s", err)
		}
		if res.Description == "bootloader update is in progress" {
			return api.InstallResult{Status: api.InstallBootFwNeedsCompletion, Description: res.Description}
		}
		return api.InstallResult{Status: api.InstallNeedsCompletion, Description: res.Description}

	default:
		return api.InstallResult{Status: api.InstallError, Description: res.Description}
	}
}
