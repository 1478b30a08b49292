package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// metaMaxSize caps the targets metadata document.
const metaMaxSize = 16 * 1024 * 1024

// Verifier checks the signatures of raw metadata before it is trusted.
// Signature verification itself is delegated to the TUF library that
// provisioned the device.
type Verifier interface {
	Verify(raw []byte) error
}

// MetaSource supplies the signed target list. Implementations fetch from
// the device gateway or read a local repo for network-less updates.
type MetaSource interface {
	// Refresh pulls the latest metadata. On failure the previous
	// target list, if any, stays usable.
	Refresh(ctx context.Context) error
	// LoadCached falls back to the last persisted copy.
	LoadCached() error
	Targets() []TargetRecord
}

// TargetRecord is one entry of the parsed targets metadata.
type TargetRecord struct {
	Name   string
	Sha256 string
	Custom map[string]any
}

// HTTPMeta fetches targets metadata from the device gateway and keeps a
// cached copy on disk for offline check-ins.
type HTTPMeta struct {
	client    *http.Client
	serverURL string
	cachePath string
	verifier  Verifier

	targets []TargetRecord
}

func NewHTTPMeta(client *http.Client, serverURL, cachePath string, verifier Verifier) *HTTPMeta {
	return &HTTPMeta{client: client, serverURL: serverURL, cachePath: cachePath, verifier: verifier}
}

func (m *HTTPMeta) Refresh(ctx context.Context) error {
	url := strings.TrimSuffix(m.serverURL, "/") + "/repo/targets.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching targets metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching targets metadata: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, metaMaxSize))
	if err != nil {
		return fmt.Errorf("reading targets metadata: %w", err)
	}

	targets, err := m.parse(raw)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.cachePath), 0755); err == nil {
		if err := os.WriteFile(m.cachePath, raw, 0644); err != nil {
			return fmt.Errorf("caching targets metadata: %w", err)
		}
	}
	m.targets = targets
	return nil
}

func (m *HTTPMeta) LoadCached() error {
	raw, err := os.ReadFile(m.cachePath)
	if err != nil {
		return fmt.Errorf("reading cached targets metadata: %w", err)
	}
	targets, err := m.parse(raw)
	if err != nil {
		return err
	}
	m.targets = targets
	return nil
}

func (m *HTTPMeta) Targets() []TargetRecord { return m.targets }

func (m *HTTPMeta) parse(raw []byte) ([]TargetRecord, error) {
	if m.verifier != nil {
		if err := m.verifier.Verify(raw); err != nil {
			return nil, fmt.Errorf("verifying targets metadata: %w", err)
		}
	}
	return ParseTargets(raw)
}

// FileMeta reads targets metadata from an on-disk TUF repo, for updates
// sourced from removable media.
type FileMeta struct {
	repoDir  string
	verifier Verifier

	targets []TargetRecord
}

func NewFileMeta(repoDir string, verifier Verifier) *FileMeta {
	return &FileMeta{repoDir: repoDir, verifier: verifier}
}

func (m *FileMeta) Refresh(context.Context) error {
	raw, err := os.ReadFile(filepath.Join(m.repoDir, "targets.json"))
	if err != nil {
		return fmt.Errorf("reading local targets metadata: %w", err)
	}
	if m.verifier != nil {
		if err := m.verifier.Verify(raw); err != nil {
			return fmt.Errorf("verifying local targets metadata: %w", err)
		}
	}
	targets, err := ParseTargets(raw)
	if err != nil {
		return err
	}
	m.targets = targets
	return nil
}

func (m *FileMeta) LoadCached() error { return fmt.Errorf("no cached copy for a local repo") }

func (m *FileMeta) Targets() []TargetRecord { return m.targets }

// ParseTargets decodes the signed targets document. Every field access is
// typed and fallible: the document is untrusted input.
func ParseTargets(raw []byte) ([]TargetRecord, error) {
	doc := struct {
		Signed struct {
			Targets map[string]struct {
				Hashes map[string]string `json:"hashes"`
				Custom map[string]any    `json:"custom"`
			} `json:"targets"`
		} `json:"signed"`
	}{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding targets metadata: %w", err)
	}

	records := make([]TargetRecord, 0, len(doc.Signed.Targets))
	for name, entry := range doc.Signed.Targets {
		hash, ok := entry.Hashes["sha256"]
		if !ok || len(hash) != 64 {
			continue
		}
		records = append(records, TargetRecord{Name: name, Sha256: strings.ToLower(hash), Custom: entry.Custom})
	}
	return records, nil
}
