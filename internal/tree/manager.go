// Package tree orchestrates the download and installation of rootfs
// commits: fetch-origin selection, delta-vs-full admission control against
// disk space, deployment staging and the bootloader-rollback interlock.
package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/boot"
	"github.com/treeline-dev/treeline/internal/config"
	"github.com/treeline-dev/treeline/internal/deltastat"
	"github.com/treeline-dev/treeline/internal/fsstat"
	"github.com/treeline-dev/treeline/internal/ostree"
	"github.com/treeline-dev/treeline/internal/target"
	"github.com/treeline-dev/treeline/internal/transport"
)

// Remote is a fetch origin for rootfs commits. Order in a remote list is
// fallback precedence, highest first.
type Remote struct {
	Name    string
	BaseURL string
	Headers map[string]string
	Keys    *transport.KeyMaterial
	// IsSet records whether the tree tool has already been configured
	// with this remote.
	IsSet bool
}

// UpdateStat is the admission arithmetic behind a delta fit decision,
// kept for reporting.
type UpdateStat struct {
	StorageCapacity uint64
	HighWatermark   int
	MaxAvailable    uint64
	Available       uint64
	DeltaSize       uint64
}

// Store persists what the device knows it has installed. The tree manager
// only needs it to record the initial target of a fresh device.
type Store interface {
	SaveInstalledVersion(t target.Target, current bool) error
}

// Manager coordinates the collaborators that turn a target into a staged
// deployment.
type Manager struct {
	cfg     *config.Config
	sysroot ostree.Sysroot
	repo    ostree.Repo
	boot    boot.Bootloader
	gateway *http.Client
	store   Store

	// statPath is swapped out in tests
	statPath func(string) (fsstat.Stat, error)
}

func NewManager(cfg *config.Config, sysroot ostree.Sysroot, repo ostree.Repo, bl boot.Bootloader, gateway *http.Client, store Store) *Manager {
	return &Manager{
		cfg:      cfg,
		sysroot:  sysroot,
		repo:     repo,
		boot:     bl,
		gateway:  gateway,
		store:    store,
		statPath: fsstat.Path,
	}
}

// CurrentHash returns the booted commit hash.
func (m *Manager) CurrentHash() string { return m.sysroot.DeploymentHash(ostree.Current) }

// PendingHash returns the staged-but-not-booted commit hash, if any.
func (m *Manager) PendingHash() string { return m.sysroot.DeploymentHash(ostree.Pending) }

// Sysroot exposes the shared sysroot view for the finalization paths.
func (m *Manager) Sysroot() ostree.Sysroot { return m.sysroot }

// HasCommit reports whether a commit is already present in the local store.
func (m *Manager) HasCommit(hash string) bool { return m.repo.HasCommit(hash) }

// BootFwUpdateInProgress reports whether a staged bootloader firmware
// update still needs a confirming reboot.
func (m *Manager) BootFwUpdateInProgress() bool { return m.boot.UpdateInProgress() }

// Remotes produces the ordered fetch-origin list for a target: presigned
// object-store origins from the gateway first (in gateway order), the
// configured server last. Gateway failures are not fatal, the primary
// origin always remains.
func (m *Manager) Remotes(ctx context.Context, targetName string) []Remote {
	primary := Remote{
		Name:    m.cfg.RemoteName,
		BaseURL: m.cfg.OstreeServer,
		Headers: map[string]string{"X-Correlation-ID": targetName},
		Keys:    &transport.KeyMaterial{CAFile: m.cfg.CAFile, CertFile: m.cfg.CertFile, KeyFile: m.cfg.KeyFile},
	}

	// a non-http server means a local repo, which has no gateway to ask
	if !strings.HasPrefix(m.cfg.OstreeServer, "http") {
		return []Remote{primary}
	}

	remotes := m.additionalRemotes(ctx, targetName)
	return append(remotes, primary)
}

func (m *Manager) additionalRemotes(ctx context.Context, targetName string) []Remote {
	url := strings.TrimSuffix(m.cfg.OstreeServer, "/") + "/download-urls"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		logrus.Warnf("failed to build the download-urls request: %s", err)
		return nil
	}

	resp, err := m.gateway.Do(req)
	if err != nil {
		logrus.Warnf("failed to obtain download URLs from the gateway, falling back to download via the gateway server: %s", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logrus.Warnf("failed to obtain download URLs from the gateway, falling back to download via the gateway server: status %d", resp.StatusCode)
		return nil
	}

	var entries []struct {
		DownloadURL string `json:"download_url"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1024*1024)).Decode(&entries); err != nil {
		logrus.Warnf("failed to decode download URLs from the gateway: %s", err)
		return nil
	}

	remotes := make([]Remote, 0, len(entries))
	for _, entry := range entries {
		remotes = append(remotes, Remote{
			Name:    "gcs",
			BaseURL: entry.DownloadURL,
			Headers: map[string]string{
				"X-Correlation-ID": targetName,
				"Authorization":    "Bearer " + entry.AccessToken,
			},
		})
	}
	return remotes
}

// Download pulls a target's commit, trying each remote in order. A
// disk-space failure stops the fallback immediately: the disk, not the
// remote, is the bottleneck.
func (m *Manager) Download(ctx context.Context, t target.Target) api.DownloadResult {
	remotes := m.Remotes(ctx, t.Name)

	var errorDesc strings.Builder
	res := api.DownloadResult{Status: api.DownloadError, Description: "no remotes to fetch from"}
	for i := range remotes {
		remote := &remotes[i]
		if ctx.Err() != nil {
			return api.DownloadResult{Status: api.DownloadError, Description: "cancelled"}
		}

		if !remote.IsSet {
			if err := m.repo.AddRemote(remote.Name, remote.BaseURL, remote.Keys); err != nil {
				logrus.Errorf("failed to register remote %q: %s", remote.Name, err)
				errorDesc.WriteString(err.Error() + "\n")
				res = api.DownloadResult{Status: api.DownloadError, Description: errorDesc.String()}
				continue
			}
			remote.IsSet = true
		}

		if stat, ok := m.deltaStatIfAvailable(ctx, t, *remote); ok {
			logrus.Info("found and pulled delta stats, checking if the update can fit on the disk...")
			fit, updateStat, err := m.canDeltaFitOnDisk(stat)
			if err != nil {
				logrus.Errorf("failed to check if the delta can fit on the disk, skipping the update size check; err: %s", err)
				logrus.Infof("fetching ostree commit %s from %s", t.Sha256, remote.BaseURL)
			} else {
				statMsg := fmt.Sprintf("required %d, available %d out of %d (%d%% of the volume capacity %s)",
					updateStat.DeltaSize, updateStat.Available, updateStat.MaxAvailable,
					updateStat.HighWatermark, humanize.IBytes(updateStat.StorageCapacity))
				if !fit {
					return api.DownloadResult{
						Status:      api.DownloadNoSpace,
						Description: "insufficient storage available; err: " + statMsg,
						NoSpacePath: m.sysroot.Path(),
					}
				}
				logrus.Infof("fetching static delta; %s", statMsg)
			}
		} else {
			logrus.Info("no static delta or delta stats found, skipping the update size check...")
			logrus.Infof("fetching ostree commit %s from %s", t.Sha256, remote.BaseURL)
		}

		pullRes := m.repo.Pull(ctx, remote.Name, t.Sha256, remote.Headers)
		if pullRes.Ok() {
			return api.DownloadResult{Status: api.DownloadOk}
		}

		logrus.Errorf("failed to fetch from %s, err: %s", remote.BaseURL, pullRes.Description)

		if isNoSpacePullError(pullRes.Description) {
			return api.DownloadResult{
				Status:      api.DownloadNoSpace,
				Description: fmt.Sprintf("insufficient storage available; path: %s; err: %s", m.sysroot.Path(), pullRes.Description),
				NoSpacePath: m.sysroot.Path(),
			}
		}
		errorDesc.WriteString(pullRes.Description + "\n")
		res = api.DownloadResult{Status: api.DownloadError, Description: errorDesc.String()}
	}
	return res
}

// isNoSpacePullError recognizes the tree tool's disk-full error text, both
// the object-pull form and the static-delta form.
func isNoSpacePullError(desc string) bool {
	if strings.Contains(desc, "would be exceeded, at least") &&
		(strings.Contains(desc, "min-free-space-size") || strings.Contains(desc, "min-free-space-percent")) {
		return true
	}
	return strings.Contains(desc, "Delta requires") && strings.Contains(desc, "free space, but only")
}

func (m *Manager) deltaStatIfAvailable(ctx context.Context, t target.Target, remote Remote) (deltastat.Stat, bool) {
	ref, ok := deltastat.FindRef(t.Custom)
	if !ok {
		logrus.Info("no reference to static delta stats found in target")
		return deltastat.Stat{}, false
	}
	logrus.Info("found reference to a file with static delta stats, downloading it...")
	doc := deltastat.Download(ctx, m.gateway, strings.TrimSuffix(remote.BaseURL, "/"), remote.Headers, ref)
	if doc == nil {
		return deltastat.Stat{}, false
	}
	from := m.CurrentHash()
	stat, ok := deltastat.FindStat(doc, from, t.Sha256)
	if !ok {
		logrus.Errorf("no delta stat found between %s and %s", from, t.Sha256)
		return deltastat.Stat{}, false
	}
	return stat, true
}

// canDeltaFitOnDisk applies the watermark admission rule: the delta's
// uncompressed size, rounded up to whole blocks, must fit under the
// configured fullness ceiling.
func (m *Manager) canDeltaFitOnDisk(delta deltastat.Stat) (bool, UpdateStat, error) {
	storage, err := m.statPath(m.sysroot.Path())
	if err != nil {
		return false, UpdateStat{}, err
	}
	watermark := m.cfg.StorageWatermark

	maxBlocks := uint64(math.Floor(float64(storage.BlockCount) * float64(watermark) / 100))
	usedBlocks := storage.BlockCount - storage.FreeBlockCount
	var availableBlocks uint64
	if maxBlocks > usedBlocks {
		availableBlocks = maxBlocks - usedBlocks
	}
	requiredBlocks := delta.UncompressedSize / storage.BlockSize
	if delta.UncompressedSize%storage.BlockSize != 0 {
		requiredBlocks++
	}

	stat := UpdateStat{
		StorageCapacity: storage.BlockSize * storage.BlockCount,
		HighWatermark:   watermark,
		MaxAvailable:    maxBlocks * storage.BlockSize,
		Available:       availableBlocks * storage.BlockSize,
		DeltaSize:       delta.UncompressedSize,
	}
	return requiredBlocks <= availableBlocks, stat, nil
}
