// Command conveyor fetches a repository, builds its image, runs its tests
// in a container and publishes the JUnit report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v2"

	"github.com/deixis/conveyor"
	"github.com/deixis/conveyor/internal/junit"
	convmcp "github.com/deixis/conveyor/internal/mcp"
	"github.com/deixis/conveyor/internal/pipeline"
	"github.com/deixis/conveyor/internal/publish"
	"github.com/deixis/conveyor/internal/report"
)

func main() {
	app := newApp()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "conveyor: %v\n", err)
		os.Exit(pipeline.ExitRuntime)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "conveyor",
		Usage:   "Build, test and report a repository in containers",
		Version: conveyor.Version,
		Flags:   globalFlags,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the pipeline: fetch, build, test, publish, cleanup",
				Flags:  []cli.Flag{paramFlag, timeoutFlag, jsonFlag},
				Action: runAction,
			},
			{
				Name:      "publish",
				Usage:     "Ingest a JUnit report and print its summary",
				ArgsUsage: "<results.xml>",
				Flags:     []cli.Flag{jsonFlag},
				Action:    publishAction,
			},
			{
				Name:   "cleanup",
				Usage:  "Prune dangling images left by earlier runs",
				Flags:  []cli.Flag{tagFlag},
				Action: cleanupAction,
			},
			{
				Name:      "inspect",
				Usage:     "Show a stored run, or its failures for a stage or test suite",
				ArgsUsage: "<run-id> [stage|suite]",
				Flags:     []cli.Flag{jsonFlag},
				Action:    inspectAction,
			},
			{
				Name:   "mcp",
				Usage:  "Start the MCP server",
				Flags:  []cli.Flag{httpFlag, instructionsFlag},
				Action: mcpAction,
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, conveyor.Version)
					return nil
				},
			},
		},
		ExitErrHandler: func(c *cli.Context, err error) {
			var exitErr cli.ExitCoder
			if errors.As(err, &exitErr) {
				cli.HandleExitCoder(exitErr)
			} else if err != nil {
				cli.HandleExitCoder(cli.Exit("conveyor: "+err.Error(), pipeline.ExitRuntime))
			}
		},
	}
}

// --- run ---

func runAction(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if d := c.Duration(timeoutFlag.Name); d > 0 {
		cfg.RawTimeout = d.String()
	}
	params, err := parseParams(c.StringSlice(paramFlag.Name))
	if err != nil {
		return err
	}

	eng, closeStore, err := newEngine(c, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	result, err := eng.Run(c.Context, pipeline.Params{Values: params, LookupEnv: os.LookupEnv})
	if err != nil {
		return err
	}

	if c.Bool(jsonFlag.Name) {
		if err := writeJSON(c.App.Writer, result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(c.App.Writer, result)
		if f := pipeline.Failure(result); f != nil {
			fmt.Fprintf(c.App.Writer, "\nFAIL %s (%s)\n%s\n", f.Stage, f.Kind, f.Err)
		}
	}

	if code := pipeline.ExitCode(result); code != pipeline.ExitSuccess {
		return cli.Exit("", code)
	}
	return nil
}

// --- publish ---

func publishAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: conveyor publish <results.xml>", pipeline.ExitRuntime)
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pub, err := newPublisher(cfg, log)
	if err != nil {
		return err
	}

	path := c.Args().First()
	rep, err := pub.Publish(c.Context, path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("%s: %v", pipeline.ReportMissing, err), pipeline.ExitCodeFor(pipeline.ReportMissing))
	}
	if loc, err := pub.Archive(c.Context, "manual", path); err != nil {
		log.WithError(err).Warn("report archive failed")
	} else if loc != "" {
		log.WithField("location", loc).Info("report archived")
	}

	s := junit.Summarize(rep)
	if c.Bool(jsonFlag.Name) {
		if err := writeJSON(c.App.Writer, s); err != nil {
			return err
		}
	} else {
		publish.WriteTable(c.App.Writer, rep)
		if len(s.Failures) > 0 {
			fmt.Fprintln(c.App.Writer)
			fmt.Fprint(c.App.Writer, s)
		}
	}

	if n := cfg.Test.FailureThreshold; n > 0 && s.Broken() >= n {
		return cli.Exit("", pipeline.ExitCodeFor(pipeline.TestFailure))
	}
	return nil
}

// --- cleanup ---

func cleanupAction(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	dir, err := workDir(c, cfg)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, dir, log)
	if err != nil {
		return err
	}

	eng := &pipeline.Engine{Config: cfg, Runtime: rt, Log: log, WorkDir: dir}
	reclaimed, err := eng.Cleanup(c.Context, c.String(tagFlag.Name))
	if err != nil {
		return err
	}
	if reclaimed == "" {
		reclaimed = "0B"
	}
	fmt.Fprintf(c.App.Writer, "Reclaimed: %s\n", reclaimed)
	return nil
}

// --- inspect ---

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return cli.Exit("usage: conveyor inspect <run-id> [stage|suite]", pipeline.ExitRuntime)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	result, err := store.Load(c.Context, c.Args().Get(0))
	if err != nil {
		return err
	}

	if c.NArg() == 1 {
		if c.Bool(jsonFlag.Name) {
			return writeJSON(c.App.Writer, result)
		}
		fmt.Fprint(c.App.Writer, result)
		return nil
	}

	scope := c.Args().Get(1)
	var diagnostics []report.Diagnostic
	if result.Stage(scope) != nil {
		diagnostics = report.ByStage(result, scope)
	} else {
		diagnostics = report.BySuite(result, scope)
	}
	if c.Bool(jsonFlag.Name) {
		return writeJSON(c.App.Writer, diagnostics)
	}
	if len(diagnostics) == 0 {
		fmt.Fprintf(c.App.Writer, "No failures found for %s in run %s (%s).\n", scope, result.ID, result.Status)
		return nil
	}
	for _, d := range diagnostics {
		writeDiagnostic(c.App.Writer, d)
	}
	return nil
}

func writeDiagnostic(w io.Writer, d report.Diagnostic) {
	if d.Source == "stage" {
		fmt.Fprintf(w, "%s: %s\n%s\n\n", d.Stage, d.Kind, d.Message)
		return
	}
	fmt.Fprintf(w, "%s (%s): %s\n", d.Symbol, d.Kind, d.Message)
	if d.Output != "" {
		fmt.Fprintln(w, d.Output)
	}
	fmt.Fprintln(w)
}

// --- mcp ---

func mcpAction(c *cli.Context) error {
	if c.Bool(instructionsFlag.Name) {
		fmt.Fprint(c.App.Writer, convmcp.Instructions)
		return nil
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	eng, closeStore, err := newEngine(c, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	server := convmcp.NewServer(eng, eng.Store)
	if addr := c.String(httpFlag.Name); addr != "" {
		return serveHTTP(c.Context, server, addr)
	}
	return server.Run(c.Context, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	fmt.Fprintf(os.Stderr, "conveyor: listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
