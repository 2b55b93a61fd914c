package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

const envVarPrefix = "CONVEYOR"

func envVars(name string) []string {
	return []string{envVarPrefix + "_" + name}
}

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		EnvVars: envVars("CONFIG"),
		Usage:   "Path to the pipeline file. Defaults to the nearest .conveyor.yml above the working directory",
	}
	workDirFlag = &cli.StringFlag{
		Name:    "workdir",
		EnvVars: envVars("WORKDIR"),
		Usage:   "Parent directory of per-run directories (default: workdir from the pipeline file, else a temp dir)",
	}
	logLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: envVars("LOG_LEVEL"),
		Usage:   "Log level: trace, debug, info, warn, error",
	}
	logFormatFlag = &cli.StringFlag{
		Name:    "log-format",
		Value:   "text",
		EnvVars: envVars("LOG_FORMAT"),
		Usage:   "Log format: text or json",
	}
	paramFlag = &cli.StringSliceFlag{
		Name:    "param",
		Aliases: []string{"p"},
		EnvVars: envVars("PARAMS"),
		Usage:   "Run parameter as KEY=VALUE, e.g. --param IMAGE_TAG=estimator:v2. Repeatable",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:    "timeout",
		EnvVars: envVars("TIMEOUT"),
		Usage:   "Override the configured run timeout (e.g. 20m)",
	}
	jsonFlag = &cli.BoolFlag{
		Name:    "json",
		EnvVars: envVars("JSON"),
		Usage:   "Print results as JSON",
	}
	tagFlag = &cli.StringFlag{
		Name:  "tag",
		Usage: "Image tag to remove as well, when cleanup.remove_image is set",
	}
	httpFlag = &cli.StringFlag{
		Name:    "http",
		EnvVars: envVars("MCP_HTTP"),
		Usage:   "Serve MCP over HTTP on this address (e.g. :9090) instead of stdio",
	}
	instructionsFlag = &cli.BoolFlag{
		Name:  "instructions",
		Usage: "Print model instructions and exit",
	}
)

var globalFlags = []cli.Flag{
	configFlag,
	workDirFlag,
	logLevelFlag,
	logFormatFlag,
}

// parseParams turns KEY=VALUE pairs into a map.
func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid parameter %q: want KEY=VALUE", kv)
		}
		params[strings.TrimSpace(k)] = v
	}
	return params, nil
}
