package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/sirupsen/logrus"

	"github.com/deixis/conveyor/internal/config"
	"github.com/deixis/conveyor/internal/container"
	"github.com/deixis/conveyor/internal/junit"
	"github.com/deixis/conveyor/internal/publish"
	"github.com/deixis/conveyor/internal/report"
	"github.com/deixis/conveyor/internal/secrets"
	"github.com/deixis/conveyor/internal/source"
)

// outputTailLines is how much test output is kept in a failed stage detail.
const outputTailLines = 20

func (e *Engine) fetch(ctx context.Context, r *run) error {
	ref := source.Ref{URL: e.Config.Source.URL, Branch: e.Config.Branch()}
	ws, err := e.Fetcher.Fetch(ctx, ref, r.srcDir())
	if err != nil {
		return &StageError{Stage: StageClone, Kind: SourceUnavailable, Err: err}
	}
	r.result.Commit = ws.Commit
	return nil
}

func (e *Engine) build(ctx context.Context, r *run) error {
	// Only Dir carries the run id; argv is the same for every run.
	img, err := e.Runtime.Build(ctx, container.BuildRequest{
		Dir:     filepath.Join(r.id, "src"),
		Recipe:  e.Config.Recipe(),
		Context: e.Config.BuildContext(),
		Tag:     r.result.Image,
	})
	if err != nil {
		return &StageError{Stage: StageBuild, Kind: BuildFailure, Err: err}
	}
	r.image = img
	return nil
}

func (e *Engine) test(ctx context.Context, r *run) error {
	set, err := secrets.Resolve(ctx, e.Secrets, e.Config.SecretEnv())
	if err != nil {
		return &StageError{Stage: StageTest, Kind: TestExecutionFailure, Err: err}
	}
	r.redactor = secrets.NewRedactor(set)
	r.result.Secrets = set.Names()

	envFile, err := secrets.WriteEnvFile(r.dir, set)
	if err != nil {
		return &StageError{Stage: StageTest, Kind: TestExecutionFailure, Err: err}
	}
	r.envFile = envFile
	defer r.removeEnvFile()

	r.log.WithField("secrets", set.Names()).Debug("secrets injected")

	r.container = "conveyor-" + r.id
	out, err := e.Runtime.Run(ctx, container.RunRequest{
		Name:    r.container,
		Image:   r.image.Tag,
		Command: e.testCommand(),
		EnvFile: envFile,
		Mounts:  []container.Mount{{Host: r.reportDir(), Container: e.Config.ContainerDir()}},
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The container may still be running; cleanup removes it.
		return &StageError{Stage: StageTest, Kind: TestExecutionFailure,
			Err: fmt.Errorf("test container interrupted: %w", ctxErr)}
	}
	if err != nil {
		return &StageError{Stage: StageTest, Kind: TestExecutionFailure, Err: err}
	}
	r.container = ""

	r.result.TestExitCode = out.ExitCode
	output := r.redact(stripansi.Strip(out.Output))
	log := r.log.WithFields(logrus.Fields{"stage": StageTest, "exit_code": out.ExitCode})
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line != "" {
			log.Debug(line)
		}
	}
	if out.Truncated {
		log.Warn("test output truncated")
	}
	if out.ExitCode != 0 {
		// Recorded, not raised: the report decides whether tests failed.
		r.result.Stage(StageTest).Detail = fmt.Sprintf("test command exited with code %d\n%s",
			out.ExitCode, tailLines(output, outputTailLines))
		log.Warn("test command exited non-zero")
	}
	return nil
}

// testCommand expands the report placeholder to the in-container path.
func (e *Engine) testCommand() []string {
	reportPath := path.Join(e.Config.ContainerDir(), filepath.ToSlash(e.Config.ReportPath()))
	cmd := e.Config.TestCommand()
	for i, arg := range cmd {
		cmd[i] = strings.ReplaceAll(arg, config.ReportPlaceholder, reportPath)
	}
	return cmd
}

func (e *Engine) publish(ctx context.Context, r *run) error {
	reportPath := filepath.Join(r.reportDir(), e.Config.ReportPath())
	rep, err := e.Publisher.Publish(ctx, reportPath)
	if err != nil {
		if !errors.Is(err, publish.ErrReportMissing) {
			err = fmt.Errorf("unreadable report: %w", err)
		}
		return &StageError{Stage: StageArchive, Kind: ReportMissing, Err: err}
	}
	r.result.ReportPath = reportPath

	s := junit.Summarize(rep)
	r.result.RecordTests(s)
	// Test output can echo injected credentials.
	for i := range r.result.TestFailures {
		f := &r.result.TestFailures[i]
		f.Suite, f.Test = r.redact(f.Suite), r.redact(f.Test)
		f.Message, f.Output = r.redact(f.Message), r.redact(f.Output)
	}
	e.Metrics.Tests(s.Passed, s.Failed, s.Errored, s.Skipped)
	r.log.WithField("stage", StageArchive).Infof("%d tests: %d passed, %d failed, %d errored, %d skipped",
		s.Total, s.Passed, s.Failed, s.Errored, s.Skipped)

	if loc, err := e.Publisher.Archive(ctx, r.id, reportPath); err != nil {
		r.log.WithError(err).Warn("report archive failed")
		r.result.Stage(StageArchive).Detail = err.Error()
	} else {
		r.result.Archive = loc
	}

	e.applyFailurePolicy(r, s)
	return nil
}

// applyFailurePolicy marks the test stage failed when the number of broken
// tests reaches the configured threshold. A threshold of 0 never fails.
func (e *Engine) applyFailurePolicy(r *run, s *junit.Summary) {
	threshold := e.Config.Test.FailureThreshold
	if threshold <= 0 || s.Broken() < threshold {
		return
	}
	sr := r.result.Stage(StageTest)
	sr.Status = report.StageFail
	sr.Kind = string(TestFailure)
	sr.Detail = fmt.Sprintf("%d failing tests reached the failure threshold of %d", s.Broken(), threshold)
	r.log.WithFields(logrus.Fields{"stage": StageTest, "kind": TestFailure}).Error(sr.Detail)
}

func (r *run) removeEnvFile() {
	if r.envFile == "" {
		return
	}
	if err := secrets.RemoveEnvFile(r.envFile); err != nil {
		r.log.WithError(err).Warn("removing env file failed")
		return
	}
	r.envFile = ""
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
