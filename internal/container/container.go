// Package container builds images and runs test containers through a
// container CLI.
package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/conveyor/internal/runner"
)

// CommandRunner executes commands within a workspace.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd string) (*runner.Result, error)
}

// Runtime is the container engine used by a pipeline run.
type Runtime interface {
	Build(ctx context.Context, req BuildRequest) (*Image, error)
	Run(ctx context.Context, req RunRequest) (*RunOutcome, error)
	PruneDangling(ctx context.Context) (string, error)
	RemoveImage(ctx context.Context, tag string) error
	RemoveContainer(ctx context.Context, name string) error
}

// BuildRequest describes an image build. Paths are relative so that the
// same recipe inputs produce the same request on every run.
type BuildRequest struct {
	Dir     string // source dir, relative to the runner workspace
	Recipe  string // build recipe relative to Dir
	Context string // build context relative to Dir
	Tag     string
}

// Image is a built image.
type Image struct {
	Tag string
}

// Mount binds a host directory into the container.
type Mount struct {
	Host      string
	Container string
}

// RunRequest describes a test container.
//
// Secrets reach the container only through EnvFile; Command and the other
// fields end up on the command line.
type RunRequest struct {
	Name    string
	Image   string
	Command []string
	EnvFile string // optional KEY=value file
	Mounts  []Mount
}

// RunOutcome is the result of a container that started.
type RunOutcome struct {
	ExitCode  int
	Output    string
	Truncated bool
	Duration  time.Duration
}

// BuildError is returned when the build recipe fails.
type BuildError struct {
	ExitCode int
	Output   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("image build exited with code %d: %s", e.ExitCode, lastLines(e.Output, 5))
}

// StartError is returned when the container could not be started, as
// opposed to the command inside it exiting non-zero.
type StartError struct {
	ExitCode int
	Output   string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("container failed to start (exit %d): %s", e.ExitCode, lastLines(e.Output, 5))
}

// ErrRuntimeUnavailable is returned when the container CLI is not installed.
type ErrRuntimeUnavailable struct {
	Name string
}

func (e ErrRuntimeUnavailable) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is required but not installed.", e.Name)
	if hint, ok := installHints[e.Name]; ok {
		fmt.Fprintf(&b, "\n\nInstall: %s", hint)
	}
	return b.String()
}

var installHints = map[string]string{
	"docker": "https://docs.docker.com/engine/install/",
	"podman": "https://podman.io/docs/installation",
}

// IsUnavailable reports whether err means the runtime binary is missing.
func IsUnavailable(err error) bool {
	var u ErrRuntimeUnavailable
	return errors.As(err, &u)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
