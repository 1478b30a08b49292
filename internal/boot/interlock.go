package boot

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/api"
)

// VerifyUpdate decides whether a rootfs commit may be installed given the
// bootloader's state. Rules are evaluated in order; the first match wins.
//
// updateBlock reflects the bootupgrade_available_blocker config option:
// when set, a staged bootloader update must be confirmed by reboot before
// any further rootfs change.
func VerifyUpdate(b Bootloader, updateBlock bool, commitHash string) api.Result {
	if updateBlock && b.UpdateInProgress() {
		logrus.Warn("bootloader update is in progress;" +
			" the device must be rebooted to confirm and finalize the bootloader update" +
			" before a new target with a rootfs change can be installed")
		return api.Result{Code: api.NeedCompletion, Description: "bootloader update is in progress"}
	}

	if !b.RollbackProtectionEnabled() {
		return api.Result{Code: api.Ok}
	}

	targetVerStr, err := b.TargetVersion(commitHash)
	if err != nil {
		if errors.Is(err, ErrMalformedVersionFile) {
			logrus.Warnf("rejecting the update because the bootloader version file is malformed: %s", err)
			return api.Result{Code: api.InstallFailed, Description: err.Error()}
		}
		logrus.Infof("failed to get bootloader version, assuming no bootloader update: %s", err)
		return api.Result{Code: api.Ok}
	}

	targetVer, err := ParseVersion(targetVerStr)
	if err != nil {
		logrus.Errorf("rejecting the update since the bootloader version has an invalid format; %s", err)
		return api.Result{Code: api.InstallFailed, Description: err.Error()}
	}

	currentVerStr, ok := b.CurrentVersion()
	if !ok {
		logrus.Warnf("failed to get current bootloader version: %s", currentVerStr)
		logrus.Warn("assuming that the current bootloader version is `0` and proceeding with the update")
		currentVerStr = "0"
	}
	currentVer, err := ParseVersion(currentVerStr)
	if err != nil {
		logrus.Warnf("invalid format of the current bootloader version; value: %s", currentVerStr)
		logrus.Warn("assuming that the current bootloader version is `0` and proceeding with the update")
		currentVer = 0
		currentVerStr = "0"
	}

	if targetVer < currentVer {
		desc := fmt.Sprintf("bootloader rollback from version %s to %s has been detected", currentVerStr, targetVerStr)
		logrus.Warnf("rejecting the update because %s", desc)
		return api.Result{Code: api.InstallFailed, Description: desc}
	}

	return api.Result{Code: api.Ok}
}
