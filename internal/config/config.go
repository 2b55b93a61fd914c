// Package config loads and validates the .conveyor.yml pipeline file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the pipeline definition discovered from the working directory.
const FileName = ".conveyor.yml"

// Default values for runner configuration.
const (
	DefaultTimeout         = 30 * time.Minute
	DefaultCleanupTimeout  = 2 * time.Minute
	DefaultMaxOutput       = 1 << 20 // 1 MB
	DefaultBranch          = "main"
	DefaultRecipe          = "Dockerfile"
	DefaultContext         = "."
	DefaultReportPath      = "results.xml"
	DefaultContainerDir    = "/reports"
	DefaultCacheSize       = 5
	DefaultSecretsProvider = "env"
	DefaultMetricsJob      = "conveyor"
)

// ReportPlaceholder is expanded in test command arguments to the
// in-container path of the report file.
const ReportPlaceholder = "{report}"

// DefaultTestCommand runs pytest and writes a JUnit report.
var DefaultTestCommand = []string{"pytest", "--junitxml=" + ReportPlaceholder}

// DefaultSecretEnv maps the container variable holding the database URI
// to its credential id.
var DefaultSecretEnv = map[string]string{"DB_URI": "db-uri"}

// Config holds the parsed .conveyor.yml configuration.
// All fields are optional unless noted; zero values represent defaults.
type Config struct {
	Version      int            `yaml:"version"`
	RawTimeout   string         `yaml:"timeout"`    // e.g. "30m"
	RawMaxOutput int            `yaml:"max_output"` // bytes
	WorkDir      string         `yaml:"workdir"`    // parent of per-run directories
	Source       SourceConfig   `yaml:"source"`
	Image        ImageConfig    `yaml:"image"`
	Test         TestConfig     `yaml:"test"`
	Secrets      SecretsConfig  `yaml:"secrets"`
	Tracking     TrackingConfig `yaml:"tracking"`
	Cleanup      CleanupConfig  `yaml:"cleanup"`
	Store        StoreConfig    `yaml:"store"`
	Archive      ArchiveConfig  `yaml:"archive"`
	Metrics      MetricsConfig  `yaml:"metrics"`
}

// SourceConfig names the repository and branch to fetch.
type SourceConfig struct {
	URL    string `yaml:"url"` // required
	Branch string `yaml:"branch"`
}

// ImageConfig controls how the image is built and tagged.
// Exactly one of Tag or TagParam should be set; TagParam wins when both are.
type ImageConfig struct {
	Tag      string `yaml:"tag"`       // literal tag, e.g. "estimator:latest"
	TagParam string `yaml:"tag_param"` // run parameter holding the tag
	Recipe   string `yaml:"recipe"`    // build recipe relative to the source root
	Context  string `yaml:"context"`   // build context relative to the source root
	Runtime  string `yaml:"runtime"`   // container CLI binary, default "docker"
}

// TestConfig controls the test invocation inside the container.
type TestConfig struct {
	Command          []string `yaml:"command"`
	ReportPath       string   `yaml:"report_path"`   // relative to the run report dir
	ContainerDir     string   `yaml:"container_dir"` // mount point of the report dir
	FailureThreshold int      `yaml:"failure_threshold"`
	MaxFail          int      `yaml:"max_fail"` // appends --maxfail=N when > 0
}

// SecretsConfig maps container environment variables to credential ids.
type SecretsConfig struct {
	Provider string            `yaml:"provider"` // env or file
	File     string            `yaml:"file"`     // YAML id→value map for the file provider
	Env      map[string]string `yaml:"env"`
}

// TrackingConfig is an extension point for experiment-tracking
// credentials. It is inert unless Enabled is set.
type TrackingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Credentials map[string]string `yaml:"credentials"`
}

// CleanupConfig controls resource reclamation after a run.
type CleanupConfig struct {
	RawTimeout   string `yaml:"timeout"`
	KeepDangling bool   `yaml:"keep_dangling"` // skip docker image prune
	RemoveImage  bool   `yaml:"remove_image"`  // also remove the run's tag
	KeepWorkDir  bool   `yaml:"keep_workdir"`
}

// StoreConfig controls where run results are persisted.
type StoreConfig struct {
	Dir         string `yaml:"dir"` // default: <user cache dir>/conveyor/runs
	CacheSize   int    `yaml:"cache_size"`
	PostgresURL string `yaml:"postgres_url"`
}

// ArchiveConfig uploads the report to S3-compatible storage when Endpoint is set.
type ArchiveConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	Insecure     bool   `yaml:"insecure"`
}

// MetricsConfig pushes run metrics to a Prometheus Pushgateway when set.
type MetricsConfig struct {
	Pushgateway string `yaml:"pushgateway"`
	Job         string `yaml:"job"`
}

// Timeout returns the configured run timeout or the default.
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.RawTimeout, DefaultTimeout)
}

// CleanupTimeout bounds the cleanup stage, which runs on a fresh context.
func (c *Config) CleanupTimeout() time.Duration {
	return parseDuration(c.Cleanup.RawTimeout, DefaultCleanupTimeout)
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// Branch returns the configured branch, falling back to main.
func (c *Config) Branch() string {
	if c.Source.Branch != "" {
		return c.Source.Branch
	}
	return DefaultBranch
}

// Recipe returns the build recipe path.
func (c *Config) Recipe() string {
	if c.Image.Recipe != "" {
		return c.Image.Recipe
	}
	return DefaultRecipe
}

// BuildContext returns the build context path.
func (c *Config) BuildContext() string {
	if c.Image.Context != "" {
		return c.Image.Context
	}
	return DefaultContext
}

// TestCommand returns the configured test command, falling back to pytest.
// The returned slice is a copy.
func (c *Config) TestCommand() []string {
	cmd := c.Test.Command
	if len(cmd) == 0 {
		cmd = DefaultTestCommand
	}
	out := make([]string, len(cmd), len(cmd)+1)
	copy(out, cmd)
	if c.Test.MaxFail > 0 {
		out = append(out, fmt.Sprintf("--maxfail=%d", c.Test.MaxFail))
	}
	return out
}

// ReportPath returns the report file path relative to the report dir.
func (c *Config) ReportPath() string {
	if c.Test.ReportPath != "" {
		return c.Test.ReportPath
	}
	return DefaultReportPath
}

// ContainerDir returns where the report dir is mounted inside the container.
func (c *Config) ContainerDir() string {
	if c.Test.ContainerDir != "" {
		return c.Test.ContainerDir
	}
	return DefaultContainerDir
}

// SecretsProvider returns the credential provider name.
func (c *Config) SecretsProvider() string {
	if c.Secrets.Provider != "" {
		return c.Secrets.Provider
	}
	return DefaultSecretsProvider
}

// SecretEnv returns the container variable → credential id mapping,
// including tracking credentials when tracking is enabled. A nil
// Secrets.Env uses the default DB_URI mapping; an explicitly empty map
// disables secret injection.
func (c *Config) SecretEnv() map[string]string {
	src := c.Secrets.Env
	if src == nil {
		src = DefaultSecretEnv
	}
	out := make(map[string]string, len(src)+len(c.Tracking.Credentials))
	for k, v := range src {
		out[k] = v
	}
	if c.Tracking.Enabled {
		for k, v := range c.Tracking.Credentials {
			out[k] = v
		}
	}
	return out
}

// CacheSize returns the in-memory run cache capacity.
func (c *Config) CacheSize() int {
	if c.Store.CacheSize > 0 {
		return c.Store.CacheSize
	}
	return DefaultCacheSize
}

// MetricsJob returns the Pushgateway job name.
func (c *Config) MetricsJob() string {
	if c.Metrics.Job != "" {
		return c.Metrics.Job
	}
	return DefaultMetricsJob
}

// Validate reports configuration errors that would prevent any run.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Source.URL) == "" {
		errs = append(errs, errors.New("source.url is required"))
	}
	if c.Image.Tag == "" && c.Image.TagParam == "" {
		errs = append(errs, errors.New("one of image.tag or image.tag_param is required"))
	}
	if c.Test.FailureThreshold < 0 {
		errs = append(errs, errors.New("test.failure_threshold must be >= 0"))
	}
	if filepath.IsAbs(c.ReportPath()) || strings.HasPrefix(filepath.Clean(c.ReportPath()), "..") {
		errs = append(errs, fmt.Errorf("test.report_path %q must be relative", c.ReportPath()))
	}
	switch c.SecretsProvider() {
	case "env":
	case "file":
		if c.Secrets.File == "" {
			errs = append(errs, errors.New("secrets.file is required for the file provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown secrets.provider %q", c.Secrets.Provider))
	}
	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("archive.bucket is required when archive.endpoint is set"))
	}
	return errors.Join(errs...)
}

// LoadResult holds the parsed config and the directory it was found in.
type LoadResult struct {
	Config *Config
	Path   string // empty when no file was found
	Root   string // directory containing the file; falls back to the start dir
}

// Load discovers .conveyor.yml by walking upward from dir.
// If no file exists, a default Config is returned.
func Load(dir string) (*LoadResult, error) {
	start, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	path, err := findConfig(start)
	if err != nil {
		return &LoadResult{Config: &Config{}, Root: start}, nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, Path: path, Root: filepath.Dir(path)}, nil
}

// LoadFile parses the config at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// findConfig walks upward from dir looking for FileName.
func findConfig(dir string) (string, error) {
	for {
		p := filepath.Join(dir, FileName)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			return d
		}
	}
	return def
}
