package update

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/treeline-dev/treeline/internal/apps"
	"github.com/treeline-dev/treeline/internal/boot"
	"github.com/treeline-dev/treeline/internal/config"
	"github.com/treeline-dev/treeline/internal/ostree"
	"github.com/treeline-dev/treeline/internal/registry"
	"github.com/treeline-dev/treeline/internal/transport"
	"github.com/treeline-dev/treeline/internal/tree"
)

// DefaultConfigPaths are searched when the caller doesn't name a config,
// image-provided defaults first, device overrides last.
var DefaultConfigPaths = []string{"/usr/lib/sota/conf.d", "/var/sota/sota.toml", "/etc/sota/conf.d"}

// Bootstrap wires the full collaborator graph from configuration: sysroot
// and repo views, bootloader, gateway client, registry client, app store
// and the installed-versions database.
func Bootstrap(cfgPaths []string, httpTimeout time.Duration) (*Client, *config.Config, error) {
	if len(cfgPaths) == 0 {
		cfgPaths = DefaultConfigPaths
	}
	cfg, err := config.Load(cfgPaths...)
	if err != nil {
		return nil, nil, err
	}

	sysroot, err := ostree.NewSysroot(cfg.SysrootPath, cfg.OSName)
	if err != nil {
		return nil, nil, fmt.Errorf("opening sysroot: %w", err)
	}
	repo := ostree.NewRepo(sysroot.RepoPath())
	bootloader := boot.NewLite(sysroot)

	headers := map[string]string{}
	keys := &transport.KeyMaterial{CAFile: cfg.CAFile, CertFile: cfg.CertFile, KeyFile: cfg.KeyFile}
	gateway, err := transport.NewClient(httpTimeout, keys, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("building gateway client: %w", err)
	}

	store, err := NewFileStore(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	treeMgr := tree.NewManager(cfg, sysroot, repo, bootloader, gateway, store)
	regClient := registry.NewClient(cfg.OstreeServer, gateway, registry.DefaultClientFactory(httpTimeout))
	appMgr := apps.NewManager(cfg.AppsRoot, regClient)
	runtime := apps.NewComposeRuntime(cfg.AppsRoot)

	cachePath := filepath.Join(filepath.Dir(cfg.DBPath), "targets.json")
	meta := NewHTTPMeta(gateway, cfg.ServerURL, cachePath, nil)

	client := NewClient(cfg, treeMgr, appMgr, runtime, meta, store, gateway, headers)
	return client, cfg, nil
}
