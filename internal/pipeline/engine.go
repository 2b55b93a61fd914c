// Package pipeline runs the fetch, build, test and publish sequence for a
// repository and always reclaims build resources afterwards. It is consumed
// by both the CLI and the MCP server.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deixis/conveyor/internal/config"
	"github.com/deixis/conveyor/internal/container"
	"github.com/deixis/conveyor/internal/metrics"
	"github.com/deixis/conveyor/internal/publish"
	"github.com/deixis/conveyor/internal/report"
	"github.com/deixis/conveyor/internal/secrets"
	"github.com/deixis/conveyor/internal/source"
)

// Engine holds shared dependencies for pipeline runs.
type Engine struct {
	Config    *config.Config
	Fetcher   source.Fetcher
	Runtime   container.Runtime
	Secrets   secrets.Provider
	Publisher *publish.Publisher
	Store     report.Store      // optional
	Metrics   *metrics.Recorder // optional
	Log       *logrus.Entry

	// WorkDir is the runner workspace. Each run gets <WorkDir>/<run id>.
	WorkDir string

	// OnState, when set, is called on every state transition.
	OnState func(runID string, s State)
}

// Params are the values supplied when a run is triggered.
type Params struct {
	Values map[string]string
	// LookupEnv is consulted for the image tag parameter when Values has
	// no entry for it. Defaults to no lookup.
	LookupEnv func(string) (string, bool)
}

// ImageTag resolves the tag for a run from the tag parameter or the
// configured literal.
func (e *Engine) ImageTag(p Params) (string, error) {
	name := e.Config.Image.TagParam
	if name == "" {
		if e.Config.Image.Tag == "" {
			return "", errors.New("no image tag configured")
		}
		return e.Config.Image.Tag, nil
	}
	if v := p.Values[name]; v != "" {
		return v, nil
	}
	if p.LookupEnv != nil {
		if v, ok := p.LookupEnv(name); ok && v != "" {
			return v, nil
		}
	}
	if e.Config.Image.Tag != "" {
		return e.Config.Image.Tag, nil
	}
	return "", fmt.Errorf("parameter %s (image tag) is required", name)
}

// run is the state of a single pipeline run.
type run struct {
	id        string
	dir       string // absolute run directory
	result    *report.RunResult
	log       *logrus.Entry
	state     State
	image     *container.Image
	container string // test container that may still exist
	envFile   string
	redactor  *secrets.Redactor
	cleanup   sync.Once
}

func (r *run) srcDir() string    { return filepath.Join(r.dir, "src") }
func (r *run) reportDir() string { return filepath.Join(r.dir, "reports") }

// Run executes one pipeline run. The returned error is non-nil only when
// the run could not start (invalid configuration, unusable work dir);
// stage failures are recorded in the result.
func (e *Engine) Run(ctx context.Context, p Params) (*report.RunResult, error) {
	if err := e.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	tag, err := e.ImageTag(p)
	if err != nil {
		return nil, err
	}
	workDir, err := filepath.Abs(e.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolving work dir: %w", err)
	}

	id := uuid.New().String()
	r := &run{
		id:  id,
		dir: filepath.Join(workDir, id),
		log: e.logger().WithField("run", id),
		result: &report.RunResult{
			ID:      id,
			Source:  source.RedactURL(e.Config.Source.URL),
			Branch:  e.Config.Branch(),
			Image:   tag,
			Started: time.Now().UTC(),
		},
	}
	for _, name := range Stages {
		r.result.Stages = append(r.result.Stages, report.StageResult{Name: name, Status: report.StageSkipped})
	}
	if err := os.MkdirAll(r.reportDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"source": r.result.Source,
		"branch": r.result.Branch,
		"image":  tag,
	}).Info("run started")

	ctx, cancel := context.WithTimeout(ctx, e.Config.Timeout())
	defer cancel()
	e.execute(ctx, r)

	e.finish(r)
	return r.result, nil
}

// execute runs the forward stages with cleanup deferred, so cleanup runs
// once whichever stage fails, including on panic.
func (e *Engine) execute(ctx context.Context, r *run) {
	defer e.runCleanup(r)

	steps := []struct {
		name string
		fn   func(context.Context, *run) error
	}{
		{StageClone, e.fetch},
		{StageBuild, e.build},
		{StageTest, e.test},
		{StageArchive, e.publish},
	}
	for _, step := range steps {
		e.enter(r, stageState[step.name])
		if err := e.stage(ctx, r, step.name, step.fn); err != nil {
			return
		}
	}
}

// stage runs fn and records its outcome under name.
func (e *Engine) stage(ctx context.Context, r *run, name string, fn func(context.Context, *run) error) error {
	log := r.log.WithField("stage", name)
	log.Debug("stage started")
	start := time.Now()
	err := fn(ctx, r)
	d := time.Since(start)

	sr := r.result.Stage(name)
	sr.Duration = d
	if err == nil {
		if sr.Status == report.StageSkipped {
			sr.Status = report.StagePass
		}
		e.Metrics.Stage(name, string(sr.Status), sr.Kind, d)
		log.WithField("duration", d.Round(time.Millisecond)).Info("stage passed")
		return nil
	}

	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: name, Kind: stageKind[name], Err: err}
	}
	sr.Status = report.StageFail
	sr.Kind = string(se.Kind)
	sr.Detail = r.redact(se.Err.Error())
	e.Metrics.Stage(name, string(sr.Status), sr.Kind, d)
	log.WithFields(logrus.Fields{
		"kind":     se.Kind,
		"duration": d.Round(time.Millisecond),
	}).Error(sr.Detail)
	return se
}

// stageKind is the failure kind of a stage error that carries none.
var stageKind = map[string]Kind{
	StageClone:   SourceUnavailable,
	StageBuild:   BuildFailure,
	StageTest:    TestExecutionFailure,
	StageArchive: ReportMissing,
}

func (e *Engine) enter(r *run, s State) {
	r.state = s
	r.log.WithField("state", s.String()).Debug("state transition")
	if e.OnState != nil {
		e.OnState(r.id, s)
	}
}

func (e *Engine) runCleanup(r *run) {
	r.cleanup.Do(func() {
		e.enter(r, Cleaning)
		e.cleanupRun(r)
	})
}

// finish sets the terminal status and records the run.
func (e *Engine) finish(r *run) {
	rr := r.result
	rr.Finished = time.Now().UTC()
	rr.Status = report.Success
	if Failure(rr) != nil {
		rr.Status = report.Failure
	}
	e.enter(r, Done)

	e.Metrics.Run(string(rr.Status), rr.Finished)
	if url := e.Config.Metrics.Pushgateway; url != "" {
		if err := e.Metrics.Push(url, e.Config.MetricsJob(), rr.Branch); err != nil {
			r.log.WithError(err).Warn("metrics push failed")
		}
	}

	if e.Store != nil {
		// The run context may already be cancelled; history is still kept.
		ctx, cancel := context.WithTimeout(context.Background(), e.Config.CleanupTimeout())
		defer cancel()
		if err := e.Store.Save(ctx, rr); err != nil {
			r.log.WithError(err).Warn("saving run result failed")
		}
	}

	r.log.WithFields(logrus.Fields{
		"status":   rr.Status,
		"duration": rr.Duration().Round(time.Millisecond),
	}).Info("run finished")
}

func (r *run) redact(s string) string {
	return r.redactor.Redact(s)
}

func (e *Engine) logger() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
