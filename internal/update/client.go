// Package update is the top-level state machine of the agent: check-in
// against the metadata server, target selection, download, install, and
// post-reboot finalization or rollback.
package update

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/apps"
	"github.com/treeline-dev/treeline/internal/config"
	"github.com/treeline-dev/treeline/internal/target"
	"github.com/treeline-dev/treeline/internal/tree"
)

type CheckInStatus int

const (
	CheckInOk CheckInStatus = iota
	// CheckInOkCached means the metadata server was unreachable and the
	// last verified local copy was used instead.
	CheckInOkCached
	CheckInFailed
)

type CheckInResult struct {
	Status      CheckInStatus
	primaryHwid string
	Targets     []target.Target
}

func (r CheckInResult) Ok() bool { return r.Status != CheckInFailed }

// GetLatest returns the newest target for the hardware id, which defaults
// to the primary ECU's. A target counts only when the requested id is its
// first hardware id.
func (r CheckInResult) GetLatest(hwid string) (target.Target, error) {
	if hwid == "" {
		hwid = r.primaryHwid
	}
	for i := len(r.Targets) - 1; i >= 0; i-- {
		if ids := r.Targets[i].HardwareIDs(); len(ids) > 0 && ids[0] == hwid {
			return r.Targets[i], nil
		}
	}
	return target.Unknown(), fmt.Errorf("no target for hardware id %q", hwid)
}

// Client drives one update traversal at a time.
type Client struct {
	cfg     *config.Config
	tree    *tree.Manager
	apps    *apps.Manager
	runtime apps.Runtime
	meta    MetaSource
	store   *FileStore
	gateway *http.Client
	// headers is shared with the gateway client's transport; mutating it
	// updates the reporting headers of subsequent requests.
	headers map[string]string

	secondaryHwids []string
}

func NewClient(cfg *config.Config, treeMgr *tree.Manager, appMgr *apps.Manager, runtime apps.Runtime,
	meta MetaSource, store *FileStore, gateway *http.Client, headers map[string]string) *Client {
	c := &Client{
		cfg:     cfg,
		tree:    treeMgr,
		apps:    appMgr,
		runtime: runtime,
		meta:    meta,
		store:   store,
		gateway: gateway,
		headers: headers,
	}
	c.tree.SetInitialTarget(c.GetCurrent(), cfg.HardwareID)
	return c
}

// CheckIn refreshes the target metadata and returns the candidates for
// this device, filtered by tag and hardware id, sorted ascending by
// version.
func (c *Client) CheckIn(ctx context.Context) CheckInResult {
	status := CheckInOk
	logrus.Info("refreshing targets metadata")
	if err := c.meta.Refresh(ctx); err != nil {
		logrus.Warnf("unable to update latest metadata, using local copy: %s", err)
		if err := c.meta.LoadCached(); err != nil {
			logrus.Errorf("unable to use local copy of targets metadata: %s", err)
			return CheckInResult{Status: CheckInFailed}
		}
		status = CheckInOkCached
	}
	return c.selectTargets(status)
}

// CheckInLocal performs a check-in against an on-disk update bundle
// instead of the network. The bundle's sources stay active so the
// follow-up install resolves against the same metadata and pulls from the
// bundle's repos.
func (c *Client) CheckInLocal(ctx context.Context, src *LocalSource) CheckInResult {
	meta := NewFileMeta(src.TufRepo, nil)
	if err := meta.Refresh(ctx); err != nil {
		logrus.Errorf("unable to read local metadata: %s", err)
		return CheckInResult{Status: CheckInFailed}
	}
	c.meta = meta
	if src.OstreeRepo != "" {
		c.cfg.OstreeServer = "file://" + src.OstreeRepo
	}
	if src.AppsDir != "" {
		// a bundle ships its app artifacts pre-fetched, so the store
		// root moves there and nothing hits the registry
		c.apps = c.apps.WithRoot(src.AppsDir)
	}
	return c.selectTargets(CheckInOk)
}

func (c *Client) selectTargets(status CheckInStatus) CheckInResult {
	hwids := append([]string{c.cfg.HardwareID}, c.secondaryHwids...)

	var targets []target.Target
	for _, record := range c.meta.Targets() {
		t := target.Target{Name: record.Name, Sha256: record.Sha256, Custom: record.Custom}
		if !t.HasAnyTag(c.cfg.Tags) {
			continue
		}
		if !t.HasHardwareID(hwids...) {
			continue
		}
		targets = append(targets, t)
	}
	target.SortByVersion(targets)

	return CheckInResult{Status: status, primaryHwid: c.cfg.HardwareID, Targets: targets}
}

// GetConfig exposes the merged configuration the client was built from,
// e.g. for reporting which hardware id and tags a selection ran against.
func (c *Client) GetConfig() *config.Config { return c.cfg }

// GetCurrent returns the target the device is booted on, resolved from
// the booted commit hash so the answer stays truthful across rollbacks.
// A fresh device reports the unknown target carrying just the hash.
func (c *Client) GetCurrent() target.Target {
	if hash := c.tree.CurrentHash(); hash != "" {
		if t, ok := c.store.Lookup(hash); ok {
			return t
		}
		t := target.Unknown()
		t.Sha256 = hash
		return t
	}
	if t, ok := c.store.Current(); ok {
		return t
	}
	return target.Unknown()
}

func (c *Client) GetPendingTarget() target.Target {
	if t, ok := c.store.Pending(); ok {
		return t
	}
	return target.Unknown()
}

// IsInstallationInProgress reports whether a previous install traversal is
// waiting for a reboot or finalization. Only one traversal may be active.
func (c *Client) IsInstallationInProgress() bool {
	_, ok := c.store.Pending()
	return ok
}

// IsRollback reports whether the target was attempted before and never
// successfully booted.
func (c *Client) IsRollback(t target.Target) bool {
	return c.store.Knows(t.Sha256) && !c.store.WasInstalled(t.Sha256)
}

// GetRollbackTarget picks the newest known-installed version older than
// the pending one.
func (c *Client) GetRollbackTarget() target.Target {
	pending, ok := c.store.Pending()
	if !ok {
		return target.Unknown()
	}
	known := c.store.Known()
	target.SortByVersion(known)
	for i := len(known) - 1; i >= 0; i-- {
		t := known[i]
		if t.Sha256 == pending.Sha256 || !c.store.WasInstalled(t.Sha256) {
			continue
		}
		if t.Version() < pending.Version() {
			return t
		}
	}
	return target.Unknown()
}

// SecondaryECU describes a secondary to register with the gateway.
type SecondaryECU struct {
	Serial     string
	HardwareID string
	TargetName string
}

// SetSecondaries registers secondary ECUs with the gateway and includes
// their hardware ids in subsequent check-in filtering.
func (c *Client) SetSecondaries(ctx context.Context, ecus []SecondaryECU) error {
	payload := map[string]map[string]string{}
	hwids := make([]string, 0, len(ecus))
	for _, ecu := range ecus {
		payload[ecu.Serial] = map[string]string{"target": ecu.TargetName}
		hwids = append(hwids, ecu.HardwareID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(c.cfg.ServerURL, "/") + "/ecus"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.gateway.Do(req)
	if err != nil {
		return fmt.Errorf("registering secondary ECUs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registering secondary ECUs: status %d", resp.StatusCode)
	}

	c.secondaryHwids = hwids
	return nil
}

// setReportHeader tags subsequent gateway requests with the installed
// target name.
func (c *Client) setReportHeader(targetName string) {
	if c.headers != nil {
		c.headers["x-ats-target"] = targetName
	}
}
