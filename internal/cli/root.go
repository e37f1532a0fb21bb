package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath      string
	envFile      string
	registryPath string
	profileName  string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Execution governance for agent tool calls",
	Long: "Plans agent goals into tool steps and runs each step through tenant policy,\n" +
		"budget limits, human approval and worker routing. Every decision is audited.",
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "Path to config YAML (default: ~/.toolgate/config.yaml)")
	pf.StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before environment overrides")
	pf.StringVar(&registryPath, "registry", "", "Path to the tool registry YAML (overrides config)")
	pf.StringVar(&profileName, "profile", "", "Budget profile (minimal, standard, extended)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
