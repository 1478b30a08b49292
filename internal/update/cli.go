package update

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/target"
)

// LocalSource points at an on-disk update bundle for network-less updates.
type LocalSource struct {
	TufRepo    string
	OstreeRepo string
	AppsDir    string
}

var checkInToStatus = map[CheckInStatus]api.StatusCode{
	CheckInOk:       api.StatusOk,
	CheckInOkCached: api.StatusCheckinOkCached,
	CheckInFailed:   api.StatusCheckinFailure,
}

var downloadToStatus = map[api.DownloadStatus]api.StatusCode{
	api.DownloadOk:                api.StatusOk,
	api.DownloadError:             api.StatusDownloadFailure,
	api.DownloadVerificationError: api.StatusDownloadFailureVerificationFailed,
	api.DownloadNoSpace:           api.StatusDownloadFailureNoSpace,
}

var installToStatus = map[api.InstallStatus]api.StatusCode{
	api.InstallOk:                      api.StatusOk,
	api.InstallOkBootFwNeedsCompletion: api.StatusOkNeedsRebootForBootFw,
	api.InstallNeedsCompletion:         api.StatusInstallNeedsReboot,
	api.InstallAppsNeedCompletion:      api.StatusInstallAppsNeedFinalization,
	api.InstallBootFwNeedsCompletion:   api.StatusInstallNeedsRebootForBootFw,
	api.InstallDownloadFailed:          api.StatusInstallAppPullFailure,
}

func statusCode[T comparable](m map[T]api.StatusCode, key T) api.StatusCode {
	if code, ok := m[key]; ok {
		return code
	}
	return api.StatusUnknownError
}

// Check runs one check-in and reports the result as an exit code.
func Check(ctx context.Context, c *Client, local *LocalSource) api.StatusCode {
	var res CheckInResult
	if local == nil {
		res = c.CheckIn(ctx)
	} else {
		res = c.CheckInLocal(ctx, local)
	}
	if res.Ok() {
		if len(res.Targets) == 0 {
			logrus.Info("no targets found")
		}
		for _, t := range res.Targets {
			logrus.Infof("found target %s (version %d, hash %s)", t.Name, t.Version(), t.Sha256)
		}
	}
	return statusCode(checkInToStatus, res.Status)
}

// InstallOpts narrows what Install applies: a version, a name, or the
// latest target when Version is -1 and TargetName is empty.
type InstallOpts struct {
	Version        int // -1 means unset
	TargetName     string
	Mode           InstallMode
	ForceDowngrade bool
	Local          *LocalSource
}

// Install runs a full update traversal: check-in, selection, download,
// install, including the immediate-rollback path when staging fails.
func Install(ctx context.Context, c *Client, opts InstallOpts) api.StatusCode {
	if c.IsInstallationInProgress() {
		logrus.Errorf("cannot start target installation since there is an ongoing installation; target: %s",
			c.GetPendingTarget().Name)
		return api.StatusInstallationInProgress
	}

	current := c.GetCurrent()

	var cr CheckInResult
	if opts.Local == nil {
		cr = c.CheckIn(ctx)
	} else {
		cr = c.CheckInLocal(ctx, opts.Local)
	}
	if !cr.Ok() {
		logrus.Error("failed to pull targets metadata or it is invalid")
		return api.StatusTufMetaPullFailure
	}

	var chosen target.Target
	if opts.Version == -1 && opts.TargetName == "" {
		latest, err := cr.GetLatest("")
		if err != nil {
			logrus.Errorf("no target found: %s", err)
			return api.StatusTufTargetNotFound
		}
		chosen = latest
	} else {
		for _, t := range cr.Targets {
			if (opts.Version != -1 && t.Version() == opts.Version) || (opts.TargetName != "" && t.Name == opts.TargetName) {
				chosen = t
				break
			}
		}
	}
	if chosen.IsUnknown() {
		cfg := c.GetConfig()
		logrus.Errorf("no target found; version: %d, name: %q, hardware id: %q, tags: %s",
			opts.Version, opts.TargetName, cfg.HardwareID, strings.Join(cfg.Tags, ","))
		return api.StatusTufTargetNotFound
	}

	if current.Version() > chosen.Version() {
		logrus.Warnf("found target has a lower version than the current one; current: %d, found: %d",
			current.Version(), chosen.Version())
		if !opts.ForceDowngrade {
			logrus.Error("downgrade is not allowed by default, re-run the command with `--force` to force it")
			return api.StatusInstallDowngradeAttempt
		}
		logrus.Warnf("downgrading from %d to %d...", current.Version(), chosen.Version())
	}

	if current.Same(chosen) && c.runtime.InSync(ctx, chosen) {
		logrus.Infof("the specified target is already installed and its apps are running: %s", chosen.Name)
		return api.StatusInstallAlreadyInstalled
	}

	logrus.Infof("updating active target: %s", current.Name)
	logrus.Infof("to new target: %s", chosen.Name)

	installer := c.Installer(chosen, "", opts.Mode)
	if installer == nil {
		logrus.Error("unexpected error: installer couldn't find the target; try again later")
		return api.StatusUnknownError
	}

	dr := installer.Download(ctx)
	if !dr.Ok() {
		logrus.Errorf("failed to download target; target: %s, err: %s", chosen.Name, dr)
		return statusCode(downloadToStatus, dr.Status)
	}

	ir := installer.Install(ctx)
	if !ir.Ok() && ir.Status == api.InstallError {
		logrus.Errorf("failed to install target; target: %s, err: %s", chosen.Name, ir)
		logrus.Infof("rolling back to the previous target: %s...", current.Name)
		rollback := c.Installer(current, "", opts.Mode)
		if rollback == nil {
			logrus.Error("failed to find the previous target in the install history")
			return api.StatusInstallRollbackFailed
		}
		ir = rollback.Install(ctx)
		if ir.Status == api.InstallOk {
			return api.StatusInstallRollbackOk
		}
		logrus.Errorf("failed to roll back to %s, err: %s", current.Name, ir)
		return api.StatusInstallRollbackFailed
	}

	return statusCode(installToStatus, ir.Status)
}

// CompleteInstall finalizes a pending installation after reboot, falling
// back to one of the two rollback kinds when finalization fails.
func CompleteInstall(ctx context.Context, c *Client) api.StatusCode {
	if !c.IsInstallationInProgress() {
		logrus.Error("there is no pending installation to complete")
		return api.StatusNoPendingInstallation
	}
	// the target the device was supposed to boot on
	pending := c.GetPendingTarget()

	ir := c.CompleteInstallation(ctx)
	switch {
	case ir.Ok():
		switch ir.Status {
		case api.InstallOkBootFwNeedsCompletion:
			logrus.Info("finalization was successful, reboot is required to confirm the bootloader update")
		case api.InstallNeedsCompletion:
			logrus.Info("install finalization wasn't invoked, device reboot is required")
		}
		return statusCode(installToStatus, ir.Status)

	case c.GetCurrent().Sha256 != pending.Sha256:
		// the bootloader driven rollback: the device booted the previous
		// deployment
		logrus.Errorf("failed to finalize pending installation; target: %s, err: %s", pending.Name, ir)
		logrus.Infof("installation has failed, device was rolled back to %s", c.GetCurrent().Name)
		logrus.Info("syncing apps with the target that the device was rolled back to, if needed...")
		synced, err := c.SyncApps(ctx)
		if err := c.store.ClearPending(); err != nil {
			logrus.Warnf("failed to clear the pending target: %s", err)
		}
		if err != nil {
			logrus.Errorf("failed to sync apps, rollback to %s failed", c.GetCurrent().Name)
			return api.StatusInstallRollbackFailed
		}
		if !synced {
			logrus.Infof("no apps to sync, rollback to %s completed", c.GetCurrent().Name)
		} else {
			logrus.Infof("apps have been synced, rollback to %s completed", c.GetCurrent().Name)
		}
		return api.StatusInstallRollbackOk

	default:
		// the app driven rollback: the new rootfs booted fine but its
		// apps failed to start
		logrus.Errorf("failed to finalize pending installation; target: %s, err: %s", pending.Name, ir)
		logrus.Info("device booted on the updated rootfs but failed to start the updated apps")
		logrus.Info("looking for a target to roll back to...")
		rollbackTarget := c.GetRollbackTarget()
		if rollbackTarget.IsUnknown() {
			logrus.Error("failed to find a target to roll back to, try to install another target")
			return api.StatusInstallRollbackFailed
		}
		logrus.Infof("rolling back to %s...", rollbackTarget.Name)
		installer := c.Installer(rollbackTarget, "", ModeAll)
		if installer == nil {
			logrus.Error("unexpected error: installer couldn't find the rollback target; try to install another target")
			return api.StatusUnknownError
		}
		rir := installer.Install(ctx)
		if rir.Status == api.InstallNeedsCompletion {
			logrus.Info("successfully installed the rollback target, reboot is required to complete it")
			return api.StatusInstallRollbackNeedsReboot
		}
		logrus.Errorf("failed to roll back to %s, try to install another target", rollbackTarget.Name)
		return api.StatusInstallRollbackFailed
	}
}
