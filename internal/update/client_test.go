package update

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/config"
	"github.com/treeline-dev/treeline/internal/target"
)

func TestCheckInFiltersAndSorts(t *testing.T) {
	h := newHarness(t, &config.Config{Tags: []string{"main"}})
	h.meta.targets = []TargetRecord{
		record("lmp-3", hashNew, "3", "rpi4"),
		record("lmp-1", hashV1, "1", "rpi4"),
		{Name: "other-hw", Sha256: hashNew, Custom: map[string]any{
			"version": "9", "hardwareIds": []any{"imx8"}, "tags": []any{"main"}}},
		{Name: "other-tag", Sha256: hashNew, Custom: map[string]any{
			"version": "8", "hardwareIds": []any{"rpi4"}, "tags": []any{"devel"}}},
		{Name: "bad-version", Sha256: hashV1, Custom: map[string]any{
			"version": "x", "hardwareIds": []any{"rpi4"}, "tags": []any{"main"}}},
	}

	res := h.client.CheckIn(context.Background())
	require.True(t, res.Ok())
	require.Len(t, res.Targets, 3, "mismatched hardware id and tag are filtered out")

	// unparseable version coerces to -1 and sorts first
	assert.Equal(t, "bad-version", res.Targets[0].Name)
	assert.Equal(t, "lmp-1", res.Targets[1].Name)
	assert.Equal(t, "lmp-3", res.Targets[2].Name)

	latest, err := res.GetLatest("")
	require.NoError(t, err)
	assert.Equal(t, "lmp-3", latest.Name)
}

func TestCheckInFallsBackToCache(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.meta.refreshErr = errors.New("gateway unreachable")
	h.meta.targets = []TargetRecord{record("lmp-1", hashV1, "1", "rpi4")}

	res := h.client.CheckIn(context.Background())
	assert.Equal(t, CheckInOkCached, res.Status)

	h.meta.cacheErr = errors.New("no local copy")
	res = h.client.CheckIn(context.Background())
	assert.Equal(t, CheckInFailed, res.Status)
}

func TestGetLatestMatchesFirstHardwareID(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.meta.targets = []TargetRecord{
		record("for-rpi4", hashV1, "1", "rpi4"),
		// rpi4 is a secondary hardware id here, so GetLatest("rpi4")
		// must not pick it even though it is newer
		record("for-imx8", hashNew, "2", "imx8", "rpi4"),
	}
	h.client.secondaryHwids = []string{"imx8"}

	res := h.client.CheckIn(context.Background())
	require.Len(t, res.Targets, 2)

	latest, err := res.GetLatest("rpi4")
	require.NoError(t, err)
	assert.Equal(t, "for-rpi4", latest.Name)

	latest, err = res.GetLatest("imx8")
	require.NoError(t, err)
	assert.Equal(t, "for-imx8", latest.Name)

	_, err = res.GetLatest("nosuch")
	assert.Error(t, err)
}

func TestInstallHappyPath(t *testing.T) {
	h := newHarness(t, &config.Config{})
	require.NoError(t, h.store.SaveInstalledVersion(
		target.Target{Name: "lmp-1", Sha256: hashOld, Custom: map[string]any{"version": "1"}}, true))
	h.meta.targets = []TargetRecord{record("lmp-2", hashNew, "2", "rpi4")}

	code := Install(context.Background(), h.client, InstallOpts{Version: -1})
	assert.Equal(t, api.StatusInstallNeedsReboot, code)
	assert.Equal(t, []string{hashNew}, h.sysroot.staged)

	pending := h.client.GetPendingTarget()
	assert.Equal(t, "lmp-2", pending.Name)
	assert.True(t, h.client.IsInstallationInProgress())
}

func TestInstallRefusesDowngrade(t *testing.T) {
	h := newHarness(t, &config.Config{})
	require.NoError(t, h.store.SaveInstalledVersion(
		target.Target{Name: "lmp-5", Sha256: hashOld, Custom: map[string]any{"version": "5"}}, true))
	h.meta.targets = []TargetRecord{record("lmp-2", hashNew, "2", "rpi4")}

	code := Install(context.Background(), h.client, InstallOpts{Version: -1})
	assert.Equal(t, api.StatusInstallDowngradeAttempt, code)
	assert.Empty(t, h.sysroot.staged)

	code = Install(context.Background(), h.client, InstallOpts{Version: -1, ForceDowngrade: true})
	assert.Equal(t, api.StatusInstallNeedsReboot, code)
	assert.Equal(t, []string{hashNew}, h.sysroot.staged)
}

func TestInstallRejectsConcurrentTraversal(t *testing.T) {
	h := newHarness(t, &config.Config{})
	require.NoError(t, h.store.SaveInstalledVersion(
		target.Target{Name: "lmp-2", Sha256: hashNew, Custom: map[string]any{"version": "2"}}, false))

	code := Install(context.Background(), h.client, InstallOpts{Version: -1})
	assert.Equal(t, api.StatusInstallationInProgress, code)
}

func TestInstallTargetSelection(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.meta.targets = []TargetRecord{
		record("lmp-1", hashV1, "1", "rpi4"),
		record("lmp-2", hashNew, "2", "rpi4"),
	}

	t.Run("by version", func(t *testing.T) {
		h.sysroot.staged = nil
		code := Install(context.Background(), h.client, InstallOpts{Version: 1})
		assert.Equal(t, api.StatusInstallNeedsReboot, code)
		assert.Equal(t, []string{hashV1}, h.sysroot.staged)
		require.NoError(t, h.store.ClearPending())
	})

	t.Run("by name", func(t *testing.T) {
		h.sysroot.staged = nil
		code := Install(context.Background(), h.client, InstallOpts{Version: -1, TargetName: "lmp-2"})
		assert.Equal(t, api.StatusInstallNeedsReboot, code)
		assert.Equal(t, []string{hashNew}, h.sysroot.staged)
		require.NoError(t, h.store.ClearPending())
	})

	t.Run("not found", func(t *testing.T) {
		code := Install(context.Background(), h.client, InstallOpts{Version: 99})
		assert.Equal(t, api.StatusTufTargetNotFound, code)
	})
}

func TestInstallMetaPullFailure(t *testing.T) {
	h := newHarness(t, &config.Config{})
	h.meta.refreshErr = errors.New("gateway unreachable")
	h.meta.cacheErr = errors.New("no local copy")

	code := Install(context.Background(), h.client, InstallOpts{Version: -1})
	assert.Equal(t, api.StatusTufMetaPullFailure, code)
}

func TestInstallAlreadyInstalled(t *testing.T) {
	h := newHarness(t, &config.Config{})
	require.NoError(t, h.store.SaveInstalledVersion(
		target.Target{Name: "lmp-2", Sha256: hashOld, Custom: map[string]any{"version": "2"}}, true))
	h.meta.targets = []TargetRecord{record("lmp-2", hashOld, "2", "rpi4")}
	h.runtime.inSync = true

	code := Install(context.Background(), h.client, InstallOpts{Version: -1})
	assert.Equal(t, api.StatusInstallAlreadyInstalled, code)
	assert.Empty(t, h.sysroot.staged)
}

func TestDownloadVerificationFailureNotifiesFinalizer(t *testing.T) {
	h := newHarness(t, &config.Config{})
	require.NoError(t, h.store.SaveInstalledVersion(
		target.Target{Name: "lmp-1", Sha256: hashOld, Custom: map[string]any{"version": "1"}}, true))
	h.meta.targets = []TargetRecord{record("lmp-2", hashNew, "2", "rpi4")}
	h.repo.missingCommit = true

	code := Install(context.Background(), h.client, InstallOpts{Version: -1})
	assert.Equal(t, api.StatusDownloadFailureVerificationFailed, code)
	assert.Empty(t, h.sysroot.staged)

	// the aborted traversal was closed out: the bad target is on record
	// as never installed and nothing is left pending
	assert.True(t, h.client.IsRollback(target.Target{Sha256: hashNew}))
	assert.False(t, h.client.IsInstallationInProgress())
}

func TestInstallRollsBackWhenStagingFails(t *testing.T) {
	h := newHarness(t, &config.Config{})
	require.NoError(t, h.store.SaveInstalledVersion(
		target.Target{Name: "lmp-1", Sha256: hashOld, Custom: map[string]any{"version": "1"}}, true))
	h.meta.targets = []TargetRecord{
		record("lmp-1", hashOld, "1", "rpi4"),
		record("lmp-2", hashNew, "2", "rpi4"),
	}
	h.sysroot.stageResult = api.Result{Code: api.InstallFailed, Description: "staging failed"}

	code := Install(context.Background(), h.client, InstallOpts{Version: -1})
	assert.Equal(t, api.StatusInstallRollbackOk, code)
	assert.Equal(t, []string{"lmp-1"}, h.runtime.started, "the previous target's apps are restarted")
}

func TestIsRollback(t *testing.T) {
	h := newHarness(t, &config.Config{})
	failed := target.Target{Name: "lmp-2", Sha256: hashNew, Custom: map[string]any{"version": "2"}}
	booted := target.Target{Name: "lmp-1", Sha256: hashV1, Custom: map[string]any{"version": "1"}}
	require.NoError(t, h.store.SaveInstalledVersion(booted, true))
	require.NoError(t, h.store.SaveInstalledVersion(failed, false))
	require.NoError(t, h.store.ClearPending())

	assert.True(t, h.client.IsRollback(failed), "a known but never-booted target is a rollback")
	assert.False(t, h.client.IsRollback(booted))
	assert.False(t, h.client.IsRollback(target.Target{Sha256: "deadbeef"}))
}
