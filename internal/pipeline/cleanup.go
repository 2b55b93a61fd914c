package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deixis/conveyor/internal/report"
)

// cleanupRun reclaims the resources of r. It runs on its own context so
// that a cancelled or timed-out run is still cleaned up. Failures are
// logged and counted; they never change the run status.
func (e *Engine) cleanupRun(r *run) {
	start := time.Now()
	r.result.CleanupCalls++
	log := r.log.WithField("stage", StageCleanup)

	ctx, cancel := context.WithTimeout(context.Background(), e.Config.CleanupTimeout())
	defer cancel()

	var errs []error
	r.removeEnvFile()
	if r.envFile != "" {
		errs = append(errs, fmt.Errorf("env file %s not removed", r.envFile))
	}

	if r.container != "" {
		// Removed before the images it holds.
		if err := e.Runtime.RemoveContainer(ctx, r.container); err != nil {
			errs = append(errs, fmt.Errorf("removing container %s: %w", r.container, err))
		} else {
			log.WithField("container", r.container).Debug("container removed")
			r.container = ""
		}
	}

	reclaimed, err := e.reclaimImages(ctx, r.result.Image, r.image != nil, log)
	errs = append(errs, err)
	r.result.Reclaimed = reclaimed

	if !e.Config.Cleanup.KeepWorkDir {
		if err := os.RemoveAll(r.srcDir()); err != nil {
			errs = append(errs, fmt.Errorf("removing source tree: %w", err))
		}
	}

	failures := 0
	var details []string
	for _, err := range errs {
		if err == nil {
			continue
		}
		failures += countErrs(err)
		details = append(details, err.Error())
		log.WithError(err).Warn("cleanup step failed")
	}

	d := time.Since(start)
	sr := r.result.Stage(StageCleanup)
	sr.Duration = d
	sr.Status = report.StagePass
	if failures > 0 {
		sr.Status = report.StageFail
		sr.Detail = r.redact(strings.Join(details, "\n"))
	}
	e.Metrics.Stage(StageCleanup, string(sr.Status), "", d)
	e.Metrics.Cleanup(failures)

	log.WithFields(logrus.Fields{
		"reclaimed": reclaimed,
		"failures":  failures,
	}).Info("cleanup finished")
}

// reclaimImages prunes dangling images and, when configured, removes the
// run's own tag. The tag is only removed if this run built it.
func (e *Engine) reclaimImages(ctx context.Context, tag string, built bool, log *logrus.Entry) (string, error) {
	var errs []error
	var reclaimed string
	if e.Config.Cleanup.RemoveImage && built {
		if err := e.Runtime.RemoveImage(ctx, tag); err != nil {
			errs = append(errs, fmt.Errorf("removing image %s: %w", tag, err))
		} else {
			log.WithField("image", tag).Debug("image removed")
		}
	}
	if !e.Config.Cleanup.KeepDangling {
		r, err := e.Runtime.PruneDangling(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("pruning dangling images: %w", err))
		}
		reclaimed = r
	}
	return reclaimed, errors.Join(errs...)
}

// Cleanup reclaims build resources outside of a run: dangling images and,
// when configured and tag is non-empty, the given tag. It is idempotent.
func (e *Engine) Cleanup(ctx context.Context, tag string) (string, error) {
	log := e.logger().WithField("stage", StageCleanup)
	reclaimed, err := e.reclaimImages(ctx, tag, tag != "", log)
	e.Metrics.Cleanup(countErrs(err))
	if err != nil {
		return reclaimed, err
	}
	log.WithField("reclaimed", reclaimed).Info("cleanup finished")
	return reclaimed, nil
}

func countErrs(err error) int {
	if err == nil {
		return 0
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap())
	}
	return 1
}
