package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolgate/internal/tracer"
)

var metricsJSON bool

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Print golden signals as JSON instead of Prometheus text")
}

var metricsCmd = &cobra.Command{
	Use:   "metrics <trace.jsonl>...",
	Short: "Compute golden signals from recorded trace events",
	Long:  "Reads event files written by 'toolgate run --trace-out' and prints success rate,\nerror rate, latency percentiles and budget/approval counters.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMetrics,
}

func runMetrics(cmd *cobra.Command, args []string) error {
	var events []tracer.Event
	for _, path := range args {
		evs, err := readEvents(path)
		if err != nil {
			return err
		}
		events = append(events, evs...)
	}
	signals := tracer.ComputeGoldenSignals(events)
	if metricsJSON {
		return writeJSON(cmd.OutOrStdout(), signals)
	}
	return tracer.WritePrometheus(cmd.OutOrStdout(), signals)
}

func readEvents(path string) ([]tracer.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	var events []tracer.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev tracer.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return events, nil
}
