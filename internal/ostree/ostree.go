// Package ostree wraps the content-addressed tree tool behind two narrow
// interfaces. The real implementations shell out to the ostree CLI; the
// update engine never touches the object store protocol itself.
package ostree

import (
	"context"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/transport"
)

// Deployment selects one of the sysroot's deployment slots.
type Deployment int

const (
	Current Deployment = iota
	Pending
	Rollback
)

// Sysroot is a view of the deployments staged on disk. It is shared
// between the tree manager and the bootloader interlock.
type Sysroot interface {
	// Path is the root of the sysroot, e.g. /sysroot.
	Path() string
	// RepoPath is the content-addressed store, <path>/ostree/repo.
	RepoPath() string
	// Reload re-reads the deployment list. Returns true when the view
	// changed since the last load.
	Reload() (bool, error)
	// DeploymentHash returns the commit hash occupying the given slot,
	// or "" when the slot is empty.
	DeploymentHash(d Deployment) string
	// DeploymentDir resolves a commit hash to the deployment's root
	// directory, or "" when no such deployment exists.
	DeploymentDir(commitHash string) string
	// Stage makes the commit the pending deployment for the next boot.
	// Staging the booted commit undeploys a pending one.
	Stage(ctx context.Context, commitHash string) api.Result
}

// Repo drives pulls into the content-addressed store.
type Repo interface {
	// AddRemote registers a fetch origin, overwriting any previous
	// remote of the same name.
	AddRemote(name, url string, keys *transport.KeyMaterial) error
	// Pull fetches a commit from a registered remote. The returned
	// result description carries the tree tool's error text verbatim so
	// callers can classify disk-space failures.
	Pull(ctx context.Context, remote, commitHash string, headers map[string]string) api.Result
	// HasCommit reports whether the commit object is present and intact
	// in the local store.
	HasCommit(commitHash string) bool
}
