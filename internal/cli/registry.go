package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/governance"
	"github.com/ppiankov/toolgate/internal/registry"
)

var (
	registryBaseline string
	registryTick     time.Duration
)

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryCheckCmd)
	registryCmd.AddCommand(registryWatchCmd)
	registryCheckCmd.Flags().StringVar(&registryBaseline, "baseline", "", "Earlier registry YAML to compare input schemas against")
	registryWatchCmd.Flags().DurationVar(&registryTick, "tick", 30*time.Second, "How often to check whether discovery or a schema check is due")
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Tool registry health and schema drift",
}

var registryCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every tool endpoint once and report schema drift",
	Long: "Probes tool endpoints with bounded concurrency. With --baseline, input schemas\n" +
		"are compared against the earlier registry. Exit code 3 means a tool is unhealthy\n" +
		"or a schema drifted.",
	RunE: runRegistryCheck,
}

var registryWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep probing tools and checking schemas as the registry changes",
	RunE:  runRegistryWatch,
}

func runRegistryCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := governance.LoadDocument(a.cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	mon := registry.NewMonitor(nil, a.cfg.MonitorConfig(), registry.WithLogger(a.logger))
	specs := registry.SpecsFromDocument(doc)

	results, err := mon.DiscoverTools(cmd.Context(), specs)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	failed := false

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "%-24s %-10s %-10s %s\n", "TOOL", "STATUS", "LATENCY", "ERROR")
	for _, name := range names {
		r := results[name]
		if r.Status != registry.Healthy {
			failed = true
		}
		fmt.Fprintf(w, "%-24s %-10s %-10s %s\n", name, r.Status, r.Latency.Round(time.Millisecond), r.Error)
	}
	if skipped := len(specs) - len(results); skipped > 0 {
		fmt.Fprintf(w, "%d tools not probed (max_cold_start_tools=%d)\n", skipped, a.cfg.Registry.MaxColdStartTools)
	}

	if registryBaseline != "" {
		base, err := governance.LoadDocument(registryBaseline)
		if err != nil {
			return fmt.Errorf("failed to load baseline: %w", err)
		}
		if _, err := mon.CheckSchemas(registry.SpecsFromDocument(base)); err != nil {
			return fmt.Errorf("baseline schemas: %w", err)
		}
		drifts, err := mon.CheckSchemas(specs)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		if len(drifts) == 0 {
			fmt.Fprintln(w, "No schema drift.")
		}
		for _, d := range drifts {
			failed = true
			fmt.Fprintf(w, "DRIFT %s: %s -> %s\n", d.Tool, short(d.OldHash), short(d.NewHash))
		}
	}

	if failed {
		a.Close()
		os.Exit(3)
	}
	return nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func runRegistryWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := a.engine()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.watchRegistry(ctx, eng); err != nil {
		return err
	}

	mon := registry.NewMonitor(nil, a.cfg.MonitorConfig(), registry.WithLogger(a.logger))
	fmt.Fprintf(os.Stderr, "watching %s (tick %s)\n", a.cfg.RegistryPath, registryTick)
	return mon.Run(ctx, registryTick, func() []registry.ToolSpec {
		return registry.SpecsFromDocument(eng.Document())
	})
}

