// Package boot gates rootfs installs on the state of the bootloader
// firmware: it detects an in-progress bootloader update and refuses rootfs
// commits that would downgrade the bootloader.
package boot

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Bootloader is the capability set the update engine depends on. The real
// implementation shells out to the U-Boot environment tools; tests use
// fakes.
type Bootloader interface {
	// UpdateSupported reports whether bootloader firmware updates are
	// possible on this device at all.
	UpdateSupported() bool
	// UpdateInProgress reports whether a staged bootloader update is
	// waiting for a confirming reboot.
	UpdateInProgress() bool
	RollbackProtectionEnabled() bool
	// CurrentVersion returns the running bootloader version and whether
	// the value could be read.
	CurrentVersion() (string, bool)
	// TargetVersion returns the bootloader version shipped inside the
	// deployment with the given commit hash. A malformed version file is
	// reported as ErrMalformedVersionFile; any other failure means the
	// deployment ships no bootloader update.
	TargetVersion(commitHash string) (string, error)
	// UpdateNotify tells the bootloader a deployment change is about to
	// happen. Not atomic; false positives are tolerated because rollback
	// support is in place.
	UpdateNotify()
	// InstallNotify tells the bootloader a deployment change happened.
	InstallNotify(commitHash string)
}

// ErrMalformedVersionFile distinguishes "the version file exists but cannot
// be parsed" (which must reject the update) from lookup failures (which
// mean no bootloader update ships in the target).
var ErrMalformedVersionFile = errors.New("malformed bootloader version file")

const (
	envUpgradeAvailable     = "upgrade_available"
	envBootUpgradeAvailable = "bootupgrade_available"
	envRollbackProtection   = "rollback_protection"
	envFirmwareVersion      = "bootfirmware_version"
)

// DeploymentResolver maps a commit hash to the deployment's root directory.
// Satisfied by the ostree sysroot.
type DeploymentResolver interface {
	DeploymentDir(commitHash string) string
}

// Lite drives the U-Boot environment through fw_printenv/fw_setenv, the way
// resource-constrained devices expose their bootloader state.
type Lite struct {
	deployments DeploymentResolver
	getEnvCmd   string
	setEnvCmd   string
}

func NewLite(deployments DeploymentResolver) *Lite {
	return &Lite{
		deployments: deployments,
		getEnvCmd:   lookupTool("fw_printenv"),
		setEnvCmd:   lookupTool("fw_setenv"),
	}
}

func lookupTool(name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}

func (l *Lite) UpdateSupported() bool { return l.getEnvCmd != "" }

func (l *Lite) UpdateInProgress() bool {
	val, err := l.getEnv(envBootUpgradeAvailable)
	if err != nil {
		return false
	}
	return val == "1"
}

func (l *Lite) RollbackProtectionEnabled() bool {
	val, err := l.getEnv(envRollbackProtection)
	if err != nil {
		return false
	}
	return val == "1"
}

func (l *Lite) CurrentVersion() (string, bool) {
	val, err := l.getEnv(envFirmwareVersion)
	if err != nil {
		return err.Error(), false
	}
	return val, true
}

func (l *Lite) TargetVersion(commitHash string) (string, error) {
	dir := l.deployments.DeploymentDir(commitHash)
	if dir == "" {
		return "", fmt.Errorf("no deployment directory for commit %s", commitHash)
	}
	return ReadVersionFile(dir + VersionFile)
}

func (l *Lite) UpdateNotify() {
	if err := l.setEnv(envUpgradeAvailable, "1"); err != nil {
		logrus.Warnf("failed to notify the bootloader about the upcoming update: %s", err)
	}
}

// InstallNotify flags a pending bootloader firmware change when the staged
// deployment ships a newer version than the one running.
func (l *Lite) InstallNotify(commitHash string) {
	targetVer, err := l.TargetVersion(commitHash)
	if err != nil {
		return
	}
	currentVer, ok := l.CurrentVersion()
	if !ok {
		currentVer = "0"
	}
	target, err := ParseVersion(targetVer)
	if err != nil {
		return
	}
	current, err := ParseVersion(currentVer)
	if err != nil {
		current = 0
	}
	if target > current {
		if err := l.setEnv(envBootUpgradeAvailable, "1"); err != nil {
			logrus.Warnf("failed to flag the pending bootloader update: %s", err)
		}
	}
}

func (l *Lite) getEnv(name string) (string, error) {
	if l.getEnvCmd == "" {
		return "", errors.New("bootloader environment tool is not available")
	}
	out, err := exec.Command(l.getEnvCmd, "-n", name).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("reading bootloader env var %q: %s", name, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (l *Lite) setEnv(name, value string) error {
	if l.setEnvCmd == "" {
		return errors.New("bootloader environment tool is not available")
	}
	out, err := exec.Command(l.setEnvCmd, name, value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("setting bootloader env var %q: %s", name, strings.TrimSpace(string(out)))
	}
	return nil
}
