package apps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/target"
)

// Runtime starts and inspects the containers of a target's app set.
type Runtime interface {
	// InSync reports whether every app of the target is up and running.
	InSync(ctx context.Context, t target.Target) bool
	// Start brings the target's app set up, replacing whatever ran
	// before.
	Start(ctx context.Context, t target.Target) error
}

// ComposeRuntime shells out to the compose CLI, one project per app.
type ComposeRuntime struct {
	root string // app store root shared with the Manager
}

func NewComposeRuntime(root string) *ComposeRuntime { return &ComposeRuntime{root: root} }

func (c *ComposeRuntime) InSync(ctx context.Context, t target.Target) bool {
	running, err := composePs(ctx)
	if err != nil {
		logrus.Warnf("failed to list running apps: %s", err)
		return false
	}
	for _, app := range t.Apps() {
		state, ok := running[app.Name]
		if !ok || state != "running" {
			return false
		}
	}
	return true
}

func (c *ComposeRuntime) Start(ctx context.Context, t target.Target) error {
	for _, app := range t.Apps() {
		logrus.Infof("starting app %q...", app.Name)
		cmd := exec.CommandContext(ctx, "docker", "compose",
			"--project-name", app.Name,
			"--project-directory", c.root+"/"+app.Name,
			"up", "--detach", "--remove-orphans")
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("starting app %q: %s", app.Name, out)
		}
		logrus.Infof("started app %q", app.Name)
	}
	return nil
}

type psOutput struct {
	Name  string
	State string
}

func composePs(ctx context.Context) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, "docker", "compose", "ls", "--format=json")
	reader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("getting command stdout pipe: %w", err)
	}
	defer reader.Close()

	buf := &bytes.Buffer{}
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting 'compose ls' command: %s", err)
	}

	list := []psOutput{}
	if err := json.NewDecoder(reader).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding 'compose ls' output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("running 'compose ls' command: %s", buf)
	}

	out := map[string]string{}
	for _, entry := range list {
		out[entry.Name] = entry.State
	}
	return out, nil
}
