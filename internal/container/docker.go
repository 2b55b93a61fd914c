package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Exit codes `docker run` uses for its own failures rather than the
// container command's.
const (
	exitDaemonError  = 125
	exitCannotInvoke = 126
	exitCmdNotFound  = 127
)

const reclaimedSpaceKey = "Total reclaimed space:"

// Docker drives the docker CLI (or a compatible one such as podman).
type Docker struct {
	Runner CommandRunner
	Binary string
	Log    *logrus.Entry
}

// NewDocker resolves the CLI binary on PATH. An empty name means "docker".
func NewDocker(r CommandRunner, name string, log *logrus.Entry) (*Docker, error) {
	if name == "" {
		name = "docker"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, ErrRuntimeUnavailable{Name: name}
	}
	return &Docker{Runner: r, Binary: path, Log: log}, nil
}

func (d *Docker) Build(ctx context.Context, req BuildRequest) (*Image, error) {
	if req.Tag == "" {
		return nil, fmt.Errorf("image tag is required")
	}
	res, err := d.Runner.Run(ctx, d.buildArgv(req), req.Dir)
	if err != nil {
		return nil, fmt.Errorf("running %s build: %w", d.name(), err)
	}
	if res.ExitCode != 0 {
		return nil, &BuildError{ExitCode: res.ExitCode, Output: res.Output()}
	}
	d.logger().WithField("image", req.Tag).Info("image built")
	return &Image{Tag: req.Tag}, nil
}

func (d *Docker) buildArgv(req BuildRequest) []string {
	ctxDir := req.Context
	if ctxDir == "" {
		ctxDir = "."
	}
	argv := []string{d.Binary, "build"}
	if req.Recipe != "" {
		argv = append(argv, "-f", req.Recipe)
	}
	return append(argv, "-t", req.Tag, ctxDir)
}

// Run starts the container and waits for it. A non-zero exit of the test
// command is returned in the outcome; only a container that never started
// yields a *StartError.
func (d *Docker) Run(ctx context.Context, req RunRequest) (*RunOutcome, error) {
	if req.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	res, err := d.Runner.Run(ctx, d.runArgv(req), "")
	if err != nil {
		return nil, fmt.Errorf("running %s run: %w", d.name(), err)
	}
	switch res.ExitCode {
	case exitDaemonError, exitCannotInvoke, exitCmdNotFound:
		return nil, &StartError{ExitCode: res.ExitCode, Output: res.Output()}
	}
	return &RunOutcome{
		ExitCode:  res.ExitCode,
		Output:    res.Output(),
		Truncated: res.Truncated,
		Duration:  res.Duration,
	}, nil
}

func (d *Docker) runArgv(req RunRequest) []string {
	argv := []string{d.Binary, "run", "--rm"}
	if req.Name != "" {
		argv = append(argv, "--name", req.Name)
	}
	if req.EnvFile != "" {
		argv = append(argv, "--env-file", req.EnvFile)
	}
	for _, m := range req.Mounts {
		argv = append(argv, "-v", m.Host+":"+m.Container)
	}
	argv = append(argv, req.Image)
	return append(argv, req.Command...)
}

// PruneDangling removes dangling images and returns the reclaimed-space
// summary printed by the CLI. It is safe to call repeatedly.
func (d *Docker) PruneDangling(ctx context.Context) (string, error) {
	res, err := d.Runner.Run(ctx, []string{d.Binary, "image", "prune", "--force"}, "")
	if err != nil {
		return "", fmt.Errorf("running %s image prune: %w", d.name(), err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s image prune exited with code %d: %s", d.name(), res.ExitCode, lastLines(res.Output(), 3))
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if strings.HasPrefix(line, reclaimedSpaceKey) {
			return strings.TrimSpace(strings.TrimPrefix(line, reclaimedSpaceKey)), nil
		}
	}
	return "", nil
}

// RemoveImage removes tag. A tag that no longer exists is not an error.
func (d *Docker) RemoveImage(ctx context.Context, tag string) error {
	res, err := d.Runner.Run(ctx, []string{d.Binary, "image", "rm", "--force", tag}, "")
	if err != nil {
		return fmt.Errorf("running %s image rm: %w", d.name(), err)
	}
	if res.ExitCode != 0 {
		out := res.Output()
		if strings.Contains(strings.ToLower(out), "no such image") {
			return nil
		}
		return fmt.Errorf("%s image rm exited with code %d: %s", d.name(), res.ExitCode, lastLines(out, 3))
	}
	return nil
}

// RemoveContainer force-removes the named container. A test container
// outlives the CLI client when a run is interrupted; removing it stops it.
// A container that no longer exists is not an error.
func (d *Docker) RemoveContainer(ctx context.Context, name string) error {
	res, err := d.Runner.Run(ctx, []string{d.Binary, "rm", "--force", name}, "")
	if err != nil {
		return fmt.Errorf("running %s rm: %w", d.name(), err)
	}
	if res.ExitCode != 0 {
		out := res.Output()
		if strings.Contains(strings.ToLower(out), "no such container") {
			return nil
		}
		return fmt.Errorf("%s rm exited with code %d: %s", d.name(), res.ExitCode, lastLines(out, 3))
	}
	return nil
}

func (d *Docker) name() string {
	if i := strings.LastIndex(d.Binary, "/"); i >= 0 {
		return d.Binary[i+1:]
	}
	return d.Binary
}

func (d *Docker) logger() *logrus.Entry {
	if d.Log != nil {
		return d.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
