package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/mcp"
	"github.com/ppiankov/toolgate/internal/tracer"
)

var (
	mcpTenant string
	mcpWatch  bool
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpTenant, "tenant", "", "Tenant used when a check names none")
	mcpCmd.Flags().BoolVar(&mcpWatch, "watch", true, "Reload the registry when it changes")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs toolgate as an MCP (Model Context Protocol) server over stdio.\nExposes governance tools: check, approve, reject, pending, eval.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := a.engine()
	if err != nil {
		return err
	}
	tr, err := a.trail(cmd.Context())
	if err != nil {
		return err
	}

	srv, err := mcp.New(mcp.Config{
		Engine:  eng,
		Trail:   tr,
		Alerts:  a.alerts(),
		Tenant:  mcpTenant,
		Version: version,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if mcpWatch {
		if err := a.watchRegistry(ctx, eng); err != nil {
			return err
		}
	}

	fmt.Fprintln(os.Stderr, "toolgate MCP server running on stdio")
	fmt.Fprintf(os.Stderr, "Registry: %s\n\n", a.cfg.RegistryPath)

	err = srv.Run(ctx)

	// Print golden signals for the session on exit.
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Session summary:")
	out, _ := json.MarshalIndent(tracer.ComputeGoldenSignals(srv.Trace()), "", "  ")
	fmt.Fprintln(os.Stderr, string(out))

	return err
}
