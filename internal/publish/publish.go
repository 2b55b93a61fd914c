// Package publish ingests the test report produced by a run and hands it
// to the configured sinks.
package publish

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/deixis/conveyor/internal/junit"
)

// ErrReportMissing is returned when no report exists at the expected path.
var ErrReportMissing = errors.New("test report missing")

// Sink stores a copy of a report and returns its location.
type Sink interface {
	Put(ctx context.Context, runID, path string) (string, error)
}

// Publisher reads reports and forwards them to an optional Sink.
type Publisher struct {
	Sink Sink
	Log  *logrus.Entry
}

// Publish parses the report at path. A missing or empty file yields an
// error wrapping ErrReportMissing.
func (p *Publisher) Publish(ctx context.Context, path string) (*junit.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrReportMissing, path)
		}
		return nil, fmt.Errorf("stat report: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrReportMissing, path)
	}

	rep, err := junit.ParseFile(path)
	if err != nil {
		if errors.Is(err, junit.ErrEmpty) {
			return nil, fmt.Errorf("%w: %s is empty", ErrReportMissing, path)
		}
		return nil, err
	}

	s := junit.Summarize(rep)
	p.logger().WithFields(logrus.Fields{
		"report":  path,
		"tests":   s.Total,
		"failed":  s.Failed,
		"errored": s.Errored,
		"skipped": s.Skipped,
	}).Info("report published")
	return rep, nil
}

// Archive copies the report to the sink. Without a sink it does nothing
// and returns an empty location.
func (p *Publisher) Archive(ctx context.Context, runID, path string) (string, error) {
	if p.Sink == nil {
		return "", nil
	}
	loc, err := p.Sink.Put(ctx, runID, path)
	if err != nil {
		return "", fmt.Errorf("archiving report: %w", err)
	}
	p.logger().WithField("location", loc).Info("report archived")
	return loc, nil
}

func (p *Publisher) logger() *logrus.Entry {
	if p.Log != nil {
		return p.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
