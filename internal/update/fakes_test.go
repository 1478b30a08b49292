package update

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/apps"
	"github.com/treeline-dev/treeline/internal/config"
	"github.com/treeline-dev/treeline/internal/ostree"
	"github.com/treeline-dev/treeline/internal/target"
	"github.com/treeline-dev/treeline/internal/transport"
	"github.com/treeline-dev/treeline/internal/tree"
)

const (
	hashOld = "1111111111111111111111111111111111111111111111111111111111111111"
	hashNew = "2222222222222222222222222222222222222222222222222222222222222222"
	hashV1  = "3333333333333333333333333333333333333333333333333333333333333333"
)

type fakeSysroot struct {
	current     string
	pending     string
	stageResult api.Result
	staged      []string
}

func (f *fakeSysroot) Path() string          { return "/sysroot" }
func (f *fakeSysroot) RepoPath() string      { return "/sysroot/ostree/repo" }
func (f *fakeSysroot) Reload() (bool, error) { return true, nil }
func (f *fakeSysroot) DeploymentHash(d ostree.Deployment) string {
	switch d {
	case ostree.Current:
		return f.current
	case ostree.Pending:
		return f.pending
	}
	return ""
}
func (f *fakeSysroot) DeploymentDir(hash string) string { return "/sysroot/deploy/" + hash + ".0" }
func (f *fakeSysroot) Stage(_ context.Context, hash string) api.Result {
	f.staged = append(f.staged, hash)
	res := f.stageResult
	if res == (api.Result{}) {
		res = api.Result{Code: api.NeedCompletion, Description: "deployment is staged, reboot to apply"}
	}
	if res.Code == api.NeedCompletion {
		f.pending = hash
	}
	return res
}

type fakeRepo struct {
	pullResult    api.Result
	pulls         int
	missingCommit bool
}

func (f *fakeRepo) AddRemote(string, string, *transport.KeyMaterial) error { return nil }
func (f *fakeRepo) Pull(context.Context, string, string, map[string]string) api.Result {
	f.pulls++
	if f.pullResult.Code == api.Ok && f.pullResult.Description == "" {
		return api.Result{Code: api.Ok}
	}
	return f.pullResult
}
func (f *fakeRepo) HasCommit(string) bool { return !f.missingCommit }

type fakeBootloader struct {
	inProgress bool
}

func (f *fakeBootloader) UpdateSupported() bool                { return false }
func (f *fakeBootloader) UpdateInProgress() bool               { return f.inProgress }
func (f *fakeBootloader) RollbackProtectionEnabled() bool      { return false }
func (f *fakeBootloader) CurrentVersion() (string, bool)       { return "", false }
func (f *fakeBootloader) TargetVersion(string) (string, error) { return "", fmt.Errorf("none") }
func (f *fakeBootloader) UpdateNotify()                        {}
func (f *fakeBootloader) InstallNotify(string)                 {}

type fakeRuntime struct {
	inSync   bool
	startErr error
	started  []string
}

func (f *fakeRuntime) InSync(context.Context, target.Target) bool { return f.inSync }
func (f *fakeRuntime) Start(_ context.Context, t target.Target) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, t.Name)
	return nil
}

type fakeMeta struct {
	targets    []TargetRecord
	refreshErr error
	cacheErr   error
}

func (f *fakeMeta) Refresh(context.Context) error { return f.refreshErr }
func (f *fakeMeta) LoadCached() error             { return f.cacheErr }
func (f *fakeMeta) Targets() []TargetRecord       { return f.targets }

// harness bundles one fully faked client for controller tests.
type harness struct {
	client  *Client
	sysroot *fakeSysroot
	repo    *fakeRepo
	runtime *fakeRuntime
	meta    *fakeMeta
	store   *FileStore
	boot    *fakeBootloader
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	if cfg.HardwareID == "" {
		cfg.HardwareID = "rpi4"
	}
	if cfg.RemoteName == "" {
		cfg.RemoteName = "treeline"
	}
	if cfg.StorageWatermark == 0 {
		cfg.StorageWatermark = config.DefaultStorageWatermark
	}
	cfg.OstreeServer = "file:///repo" // keep the remote selector offline

	store, err := NewFileStore(filepath.Join(t.TempDir(), "installed_versions.toml"))
	require.NoError(t, err)

	h := &harness{
		sysroot: &fakeSysroot{},
		repo:    &fakeRepo{},
		runtime: &fakeRuntime{},
		meta:    &fakeMeta{},
		store:   store,
		boot:    &fakeBootloader{},
	}
	treeMgr := tree.NewManager(cfg, h.sysroot, h.repo, h.boot, http.DefaultClient, store)
	appMgr := apps.NewManager(t.TempDir(), nil)
	h.client = NewClient(cfg, treeMgr, appMgr, h.runtime, h.meta, store, http.DefaultClient, map[string]string{})
	// the booted commit is set after construction so the initial-target
	// bootstrapping of fresh devices doesn't seed the install history
	h.sysroot.current = hashOld
	return h
}

func record(name, hash, version string, hwids ...string) TargetRecord {
	ids := make([]any, len(hwids))
	for i, id := range hwids {
		ids[i] = id
	}
	return TargetRecord{
		Name:   name,
		Sha256: hash,
		Custom: map[string]any{"version": version, "hardwareIds": ids, "tags": []any{"main"}},
	}
}
