package tree

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/boot"
	"github.com/treeline-dev/treeline/internal/target"
)

// Install stages the target's commit as the next boot deployment. The
// bootloader interlock runs first; the tree tool is never asked to stage a
// commit the interlock rejected.
func (m *Manager) Install(ctx context.Context, t target.Target) api.Result {
	currentHash := m.CurrentHash()

	if currentHash != t.Sha256 && m.boot.UpdateSupported() {
		if res := boot.VerifyUpdate(m.boot, m.cfg.UpdateBlock, t.Sha256); !res.Ok() {
			return res
		}
	}

	pendingHash := m.PendingHash()
	// Install if the booted commit differs from the target, or a pending
	// deployment differs from the target: staging the booted commit again
	// undeploys the failing pending one (app driven rollback).
	if currentHash != t.Sha256 || (pendingHash != "" && pendingHash != t.Sha256) {
		// notify the bootloader before the installation happens as it
		// is not atomic, and a false notification doesn't hurt with
		// rollback support in place
		m.boot.UpdateNotify()
		res := m.sysroot.Stage(ctx, t.Sha256)
		if res.Code == api.InstallFailed {
			logrus.Error("failed to install ostree target")
			return res
		}
		m.InstallNotify(t)
		if currentHash == t.Sha256 && res.Code == api.NeedCompletion {
			logrus.Info("successfully undeployed the pending failing target")
			logrus.Infof("target %s is same as current", t.Sha256)
			m.boot.UpdateNotify()
			res = api.Result{Code: api.Ok, Description: "OSTree hash already installed, same as current"}
		}
		return res
	}

	logrus.Infof("target %s is same as current", t.Sha256)
	return api.Result{Code: api.Ok, Description: "already installed"}
}

// InstallNotify reloads the sysroot view after a staging operation and
// flags a pending bootloader firmware change.
func (m *Manager) InstallNotify(t target.Target) {
	changed, err := m.sysroot.Reload()
	switch {
	case err != nil:
		logrus.Warnf("failed to reload the sysroot after installation: %s", err)
	case changed:
		logrus.Debugf("change in the ostree-based sysroot has been detected after installation;"+
			" booted on: %s pending: %s", m.CurrentHash(), m.PendingHash())
	default:
		logrus.Warnf("change in the ostree-based sysroot has NOT been detected after installation;"+
			" booted on: %s pending: %s", m.CurrentHash(), m.PendingHash())
	}
	m.boot.InstallNotify(t.Sha256)
}

// SetInitialTarget turns the unknown state of a freshly flashed device into
// an initial target so later check-ins have a baseline. Failure is logged
// and swallowed: the device can still update, it just cannot report what it
// started from.
func (m *Manager) SetInitialTarget(current target.Target, hwid string) {
	if !current.IsUnknown() {
		return
	}
	hash := m.CurrentHash()
	if hash == "" {
		logrus.Error("failed to set the initial target: no booted deployment found")
		return
	}
	initial := target.Target{
		Name:   "initial-" + hash[:7],
		Sha256: hash,
		Custom: map[string]any{
			"version":     "1",
			"hardwareIds": []any{hwid},
		},
	}
	if err := m.store.SaveInstalledVersion(initial, true); err != nil {
		logrus.Errorf("failed to set the initial target: %s", err)
	}
}
