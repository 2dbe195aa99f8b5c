package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"rigup.app/pkg/config"
	"rigup.app/pkg/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reqctl",
		Short:         "Drive and inspect a request controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default $"+config.EnvConfigPath+")")
	root.PersistentFlags().String("log-level", "", "log level (default $"+logging.EnvLevel+" or info)")

	root.AddCommand(newProbeCmd(), newConfigCmd())
	return root
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			out := struct {
				Controller any    `yaml:"controller"`
				RedisAddr  string `yaml:"redis_addr,omitempty"`
				Backend    string `yaml:"backend,omitempty"`
			}{settings.Controller, settings.RedisAddr, settings.Backend}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(out)
		},
	}
}

// flagOrEnv returns the flag value when set, then the environment, then
// defaultValue.
func flagOrEnv(cmd *cobra.Command, flagName, envName, defaultValue string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok && v != "" {
		return v
	}
	return defaultValue
}

func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	return config.Load(flagOrEnv(cmd, "config", config.EnvConfigPath, ""))
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	return logging.New(flagOrEnv(cmd, "log-level", logging.EnvLevel, "info"))
}
