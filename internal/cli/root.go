package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agentsh/oslayer/internal/config"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "oslayer",
		Short:         "oslayer: thread, process and crash reporting layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("oslayer {{.Version}}\n")

	cmd.PersistentFlags().String("config", getenvDefault("OSLAYER_CONFIG", ""), "Path to config YAML (default: built-in defaults)")

	cmd.AddCommand(newRunCmd(version))
	cmd.AddCommand(newSelftestCmd(version))
	cmd.AddCommand(newReporterCmd())
	cmd.AddCommand(newCrashesCmd())

	return cmd
}

// loadConfig returns the config named by --config, or the defaults when
// none is given. The returned path is empty for defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
