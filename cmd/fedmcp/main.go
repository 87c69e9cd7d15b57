// Command fedmcp creates, signs and verifies FedMCP artifacts, and serves
// the notary over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fedmcp/fedmcp/pkg/config"
	"github.com/fedmcp/fedmcp/pkg/observability"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// globals holds the persistent flags.
type globals struct {
	configPath string
	workspace  string
	logLevel   string
	logFormat  string
	stdout     io.Writer
	stderr     io.Writer
}

// Run executes the CLI and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	g := &globals{stdout: stdout, stderr: stderr}
	root := newRootCmd(g)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCmd(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "fedmcp",
		Short:         "FedMCP artifact notary",
		Long:          "Create, sign and verify FedMCP artifacts, and serve the notary API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.setupLogging()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", os.Getenv("FEDMCP_CONFIG"), "Path to a YAML config file")
	pf.StringVar(&g.workspace, "workspace", os.Getenv("FEDMCP_WORKSPACE"), "Workspace UUID")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format (json, text)")

	root.AddCommand(
		newCreateCmd(g),
		newSignCmd(g),
		newVerifyCmd(g),
		newKeygenCmd(g),
		newExportKeyCmd(g),
		newServeCmd(g),
		newPushCmd(g),
		newAuditCmd(g),
	)
	return root
}

// setupLogging installs the default slog logger. Logs always go to stderr.
func (g *globals) setupLogging() error {
	level, format := g.logLevel, g.logFormat
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	if format == "" {
		format = "text"
	}
	logger, err := observability.NewLogger(g.stderr, level, format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// loadConfig applies the command-line logging flags over the file and env.
func (g *globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

func (g *globals) workspaceID() (uuid.UUID, error) {
	if g.workspace == "" {
		return uuid.Nil, fmt.Errorf("--workspace is required")
	}
	id, err := uuid.Parse(g.workspace)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid workspace ID: %w", err)
	}
	return id, nil
}

func (g *globals) printJSON(v interface{}) error {
	enc := json.NewEncoder(g.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads a file, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
