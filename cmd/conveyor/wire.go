package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/deixis/conveyor/internal/config"
	"github.com/deixis/conveyor/internal/container"
	"github.com/deixis/conveyor/internal/metrics"
	"github.com/deixis/conveyor/internal/pipeline"
	"github.com/deixis/conveyor/internal/publish"
	"github.com/deixis/conveyor/internal/report"
	"github.com/deixis/conveyor/internal/runner"
	"github.com/deixis/conveyor/internal/secrets"
	"github.com/deixis/conveyor/internal/source"
)

func newLogger(c *cli.Context) (*logrus.Entry, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(c.String(logLevelFlag.Name))
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch c.String(logFormatFlag.Name) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.String(logFormatFlag.Name))
	}
	return logrus.NewEntry(logger), nil
}

// loadConfig reads the pipeline file named by --config, or discovers it
// from the working directory.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String(configFlag.Name); path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining working directory: %w", err)
	}
	loaded, err := config.Load(wd)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return loaded.Config, nil
}

func workDir(c *cli.Context, cfg *config.Config) (string, error) {
	dir := c.String(workDirFlag.Name)
	if dir == "" {
		dir = cfg.WorkDir
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "conveyor")
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating work dir: %w", err)
	}
	return dir, nil
}

// openStore returns the run history store: Postgres when configured,
// otherwise JSON files under the store dir. Both sit behind an LRU cache.
func openStore(ctx context.Context, cfg *config.Config) (report.Store, func(), error) {
	if url := cfg.Store.PostgresURL; url != "" {
		pg, err := report.OpenPostgres(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return report.NewLRUStore(cfg.CacheSize(), pg), func() { _ = pg.Close() }, nil
	}
	dir := cfg.Store.Dir
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			cache = os.TempDir()
		}
		dir = filepath.Join(cache, "conveyor", "runs")
	}
	return report.NewLRUStore(cfg.CacheSize(), report.NewDiskStore(dir)), func() {}, nil
}

func newPublisher(cfg *config.Config, log *logrus.Entry) (*publish.Publisher, error) {
	p := &publish.Publisher{Log: log}
	if cfg.Archive.Endpoint != "" {
		sink, err := publish.NewObjectSink(cfg.Archive, os.LookupEnv)
		if err != nil {
			return nil, err
		}
		p.Sink = sink
	}
	return p, nil
}

func newRuntime(cfg *config.Config, dir string, log *logrus.Entry) (container.Runtime, error) {
	r := &runner.Runner{
		Workspace: dir,
		Timeout:   cfg.Timeout(),
		MaxOutput: cfg.MaxOutputBytes(),
		Log:       log,
	}
	return container.NewDocker(r, cfg.Image.Runtime, log)
}

// newEngine wires the production dependencies. The returned func releases
// the store.
func newEngine(c *cli.Context, cfg *config.Config, log *logrus.Entry) (*pipeline.Engine, func(), error) {
	dir, err := workDir(c, cfg)
	if err != nil {
		return nil, nil, err
	}
	rt, err := newRuntime(cfg, dir, log)
	if err != nil {
		return nil, nil, err
	}
	provider, err := secrets.NewProvider(cfg.SecretsProvider(), cfg.Secrets.File)
	if err != nil {
		return nil, nil, err
	}
	pub, err := newPublisher(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := openStore(c.Context, cfg)
	if err != nil {
		return nil, nil, err
	}

	return &pipeline.Engine{
		Config: cfg,
		Fetcher: &source.Git{
			Username: os.Getenv("CONVEYOR_GIT_USERNAME"),
			Password: os.Getenv("CONVEYOR_GIT_PASSWORD"),
			Log:      log,
		},
		Runtime:   rt,
		Secrets:   provider,
		Publisher: pub,
		Store:     store,
		Metrics:   metrics.New(),
		Log:       log,
		WorkDir:   dir,
	}, closeStore, nil
}
