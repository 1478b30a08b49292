// Package apps keeps the device's containerized applications in sync with
// the installed target: it fetches app manifests and blobs from the
// registry into a local store and drives the compose runtime.
package apps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/registry"
	"github.com/treeline-dev/treeline/internal/target"
)

// manifestFormat is the media type requested for app manifests.
const manifestFormat = "application/vnd.oci.image.manifest.v1+json"

// Fetcher is the slice of the registry client the app manager needs.
type Fetcher interface {
	GetManifest(ctx context.Context, uri registry.URI, format string) ([]byte, map[string]any, error)
	DownloadBlob(ctx context.Context, uri registry.URI, path string, expectedSize int64) error
}

// Manager materializes app artifacts under root:
//
//	<root>/<app>/<hash>/manifest.json
//	<root>/<app>/<hash>/blobs/sha256/<hash>
type Manager struct {
	root   string
	client Fetcher
}

func NewManager(root string, client Fetcher) *Manager {
	return &Manager{root: root, client: client}
}

// WithRoot returns a manager over another store root, e.g. the app
// directory of an offline update bundle.
func (m *Manager) WithRoot(root string) *Manager {
	return &Manager{root: root, client: m.client}
}

// Fetch downloads every app the target references. Already-present
// artifacts are kept: the layout is content addressed, so presence implies
// integrity was verified on a previous fetch.
func (m *Manager) Fetch(ctx context.Context, t target.Target) error {
	for _, app := range t.Apps() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.fetchApp(ctx, app); err != nil {
			return fmt.Errorf("pulling app %q: %w", app.Name, err)
		}
	}
	return nil
}

func (m *Manager) fetchApp(ctx context.Context, app target.App) error {
	uri, err := registry.ParseURI(app.URI)
	if err != nil {
		return err
	}

	dir := filepath.Join(m.root, app.Name, uri.Digest.Hash())
	manifestPath := filepath.Join(dir, "manifest.json")
	if _, err := os.Stat(manifestPath); err == nil {
		logrus.Debugf("app %q is already fetched at %s", app.Name, uri.Digest.Short())
		return nil
	}

	logrus.Infof("fetching app %q -> %s", app.Name, app.URI)
	raw, manifest, err := m.client.GetManifest(ctx, uri, manifestFormat)
	if err != nil {
		return err
	}

	blobDir := filepath.Join(dir, "blobs", "sha256")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return fmt.Errorf("creating app store dir: %w", err)
	}

	for _, layer := range layerRefs(manifest) {
		if err := ctx.Err(); err != nil {
			return err
		}
		digest, err := registry.ParseDigest(layer.digest)
		if err != nil {
			return fmt.Errorf("manifest of app %q references an invalid layer digest: %w", app.Name, err)
		}
		path := filepath.Join(blobDir, digest.Hash())
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := m.client.DownloadBlob(ctx, uri.WithDigest(digest), path, layer.size); err != nil {
			return err
		}
	}

	// the manifest lands last so its presence marks a complete fetch
	if err := os.WriteFile(manifestPath, raw, 0644); err != nil {
		return fmt.Errorf("writing app manifest: %w", err)
	}
	return nil
}

type layerRef struct {
	digest string
	size   int64
}

// layerRefs walks the manifest's layer list, tolerating missing or
// mistyped entries; the blob download verifies everything that matters.
func layerRefs(manifest map[string]any) []layerRef {
	raw, ok := manifest["layers"].([]any)
	if !ok {
		return nil
	}
	var refs []layerRef
	for _, v := range raw {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		digest, ok := entry["digest"].(string)
		if !ok {
			continue
		}
		size, ok := entry["size"].(float64)
		if !ok || size < 0 {
			continue
		}
		refs = append(refs, layerRef{digest: digest, size: int64(size)})
	}
	return refs
}

// Fetched reports whether every app of the target is present in the store.
func (m *Manager) Fetched(t target.Target) bool {
	for _, app := range t.Apps() {
		uri, err := registry.ParseURI(app.URI)
		if err != nil {
			return false
		}
		manifest := filepath.Join(m.root, app.Name, uri.Digest.Hash(), "manifest.json")
		if _, err := os.Stat(manifest); err != nil {
			return false
		}
	}
	return true
}
