package ostree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/api"
	"github.com/treeline-dev/treeline/internal/transport"
)

// CLISysroot drives deployments through the ostree CLI.
type CLISysroot struct {
	path   string
	osName string

	mut         sync.Mutex
	deployments []deployment
}

type deployment struct {
	hash    string
	serial  string
	booted  bool
	pending bool
}

func NewSysroot(path, osName string) (*CLISysroot, error) {
	s := &CLISysroot{path: path, osName: osName}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CLISysroot) Path() string { return s.path }

func (s *CLISysroot) RepoPath() string { return filepath.Join(s.path, "ostree", "repo") }

func (s *CLISysroot) Reload() (bool, error) {
	out, err := runOstree(context.Background(), "admin", "status", "--sysroot="+s.path)
	if err != nil {
		return false, fmt.Errorf("reading deployment status: %w", err)
	}
	next := parseAdminStatus(out)

	s.mut.Lock()
	defer s.mut.Unlock()
	changed := !equalDeployments(s.deployments, next)
	s.deployments = next
	return changed, nil
}

func (s *CLISysroot) DeploymentHash(d Deployment) string {
	s.mut.Lock()
	defer s.mut.Unlock()

	bootedAt := -1
	for i, dep := range s.deployments {
		if dep.booted {
			bootedAt = i
			break
		}
	}
	switch d {
	case Current:
		if bootedAt >= 0 {
			return s.deployments[bootedAt].hash
		}
	case Pending:
		for _, dep := range s.deployments {
			if dep.pending {
				return dep.hash
			}
		}
	case Rollback:
		if bootedAt >= 0 && bootedAt+1 < len(s.deployments) {
			return s.deployments[bootedAt+1].hash
		}
	}
	return ""
}

func (s *CLISysroot) DeploymentDir(commitHash string) string {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, dep := range s.deployments {
		if dep.hash == commitHash {
			return filepath.Join(s.path, "ostree", "deploy", s.osName, "deploy", dep.hash+"."+dep.serial)
		}
	}
	return ""
}

func (s *CLISysroot) Stage(ctx context.Context, commitHash string) api.Result {
	out, err := runOstree(ctx, "admin", "deploy", "--sysroot="+s.path, "--os="+s.osName, "--stage", commitHash)
	if err != nil {
		logrus.Errorf("failed to stage deployment %s: %s", commitHash, out)
		return api.Result{Code: api.InstallFailed, Description: strings.TrimSpace(out)}
	}
	// the new deployment only becomes the running one after a reboot
	return api.Result{Code: api.NeedCompletion, Description: "deployment is staged, reboot to apply"}
}

// CLIRepo pulls commits into the store through the ostree CLI.
type CLIRepo struct {
	path string
}

func NewRepo(path string) *CLIRepo { return &CLIRepo{path: path} }

func (r *CLIRepo) AddRemote(name, url string, keys *transport.KeyMaterial) error {
	args := []string{"remote", "add", "--repo=" + r.path, "--force", "--no-gpg-verify"}
	if keys != nil {
		if keys.CAFile != "" {
			args = append(args, "--set=tls-ca-path="+keys.CAFile)
		}
		if keys.CertFile != "" {
			args = append(args, "--set=tls-client-cert-path="+keys.CertFile)
		}
		if keys.KeyFile != "" {
			args = append(args, "--set=tls-client-key-path="+keys.KeyFile)
		}
	}
	args = append(args, name, url)

	if out, err := runOstree(context.Background(), args...); err != nil {
		return fmt.Errorf("registering remote %q: %s", name, strings.TrimSpace(out))
	}
	return nil
}

func (r *CLIRepo) Pull(ctx context.Context, remote, commitHash string, headers map[string]string) api.Result {
	args := []string{"pull", "--repo=" + r.path, "--require-static-deltas=false"}
	for k, v := range headers {
		args = append(args, fmt.Sprintf("--http-header=%s=%s", k, v))
	}
	args = append(args, remote, commitHash)

	out, err := runOstree(ctx, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return api.Result{Code: api.DownloadFailed, Description: "cancelled"}
		}
		return api.Result{Code: api.DownloadFailed, Description: strings.TrimSpace(out)}
	}
	return api.Result{Code: api.Ok}
}

func (r *CLIRepo) HasCommit(commitHash string) bool {
	_, err := runOstree(context.Background(), "show", "--repo="+r.path, commitHash)
	return err == nil
}

func runOstree(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "ostree", args...)
	buf := &bytes.Buffer{}
	cmd.Stdout = buf
	cmd.Stderr = buf
	err := cmd.Run()
	return buf.String(), err
}

// parseAdminStatus reads `ostree admin status` output. Each deployment line
// is "<osname> <hash>.<serial>", the booted one is marked with "*", a
// staged-but-not-booted first entry is pending.
func parseAdminStatus(out string) []deployment {
	var deployments []deployment
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "origin refspec:") || strings.HasPrefix(line, "Version:") {
			continue
		}
		booted := strings.HasPrefix(line, "*")
		line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		hash, serial, found := strings.Cut(fields[1], ".")
		if !found || len(hash) != 64 {
			continue
		}
		deployments = append(deployments, deployment{
			hash:   hash,
			serial: serial,
			booted: booted,
			// the tree tool lists the staged deployment first
			pending: !booted && len(deployments) == 0,
		})
	}
	return deployments
}

func equalDeployments(a, b []deployment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
