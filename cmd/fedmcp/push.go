package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fedmcp/fedmcp/pkg/client"
)

func newPushCmd(g *globals) *cobra.Command {
	var (
		server  string
		typ     string
		version int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "push <json-file|->",
		Short: "Create and sign an artifact on a remote notary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspaceID()
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			if !json.Valid(data) {
				return fmt.Errorf("%s: body is not valid JSON", args[0])
			}

			c := client.New(server, client.WithTimeout(timeout), client.WithActor(os.Getenv("USER")))
			signed, err := c.Create(cmd.Context(), client.CreateRequest{
				Type:        typ,
				WorkspaceID: ws,
				Version:     version,
				JSONBody:    data,
			})
			if err != nil {
				return err
			}
			return g.printJSON(signed)
		},
	}
	cmd.Flags().StringVar(&server, "server", envOr("FEDMCP_SERVER", "http://localhost:8080"), "Notary base URL")
	cmd.Flags().StringVarP(&typ, "type", "t", "", "Artifact type")
	cmd.Flags().IntVarP(&version, "version", "v", 1, "Artifact version")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
