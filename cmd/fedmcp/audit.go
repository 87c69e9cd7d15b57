package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fedmcp/fedmcp/pkg/audit"
)

func newAuditCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(newAuditExportCmd(g))
	return cmd
}

func newAuditExportCmd(g *globals) *cobra.Command {
	var (
		since, until string
		out          string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a zip evidence pack of a workspace's audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := g.workspaceID()
			if err != nil {
				return err
			}
			req := audit.ExportRequest{WorkspaceID: ws, EndTime: time.Now().UTC()}
			if since != "" {
				if req.StartTime, err = time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("--since: %w", err)
				}
			}
			if until != "" {
				if req.EndTime, err = time.Parse(time.RFC3339, until); err != nil {
					return fmt.Errorf("--until: %w", err)
				}
			}

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			_, querier, closeSink, err := buildSink(ctx, cfg.Audit, g.stderr)
			if err != nil {
				return err
			}
			defer func() { _ = closeSink() }()
			if querier == nil {
				return fmt.Errorf("audit sink %q cannot be queried; use sqlite or postgres", cfg.Audit.Sink)
			}

			pack, sum, err := audit.NewExporter(querier).GeneratePack(ctx, req)
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("fedmcp-audit-%s.zip", ws)
			}
			if err := os.WriteFile(out, pack, 0o600); err != nil {
				return err
			}
			return g.printJSON(map[string]string{"path": out, "sha256": sum})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Start time (RFC 3339)")
	cmd.Flags().StringVar(&until, "until", "", "End time (RFC 3339, default now)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output zip path")
	return cmd
}
