package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/mancer/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mancer",
		Short:         "Mancer - console for virtumancer hosts and VMs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	defaults := config.DefaultConfig()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("server", defaults.Server, "virtumancer base URL")
	cmd.PersistentFlags().Bool("insecure", false, "skip TLS verification")
	cmd.PersistentFlags().String("log-level", defaults.Log.Level, "log level (debug|info|warn|error)")

	_ = viper.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("insecure_skip_verify", cmd.PersistentFlags().Lookup("insecure"))
	_ = viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("MANCER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(
		hostCmd,
		vmCmd,
		discoveredCmd,
		dashboardCmd,
		watchCmd,
		settingsCmd,
		statusCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	return log.SetupLog(context.Background(), conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
