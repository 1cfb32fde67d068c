package main

import (
	"os"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	configViper := config.NewViper()
	var (
		cfgFile string
		envFile string
	)

	rootCmd := &cobra.Command{
		Use:          "gridvault",
		Short:        "Versioned spreadsheet store with diffable, revertible cell history",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			return config.ReadFile(configViper, cfgFile)
		},
	}

	defaults := config.NewViper()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	rootCmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(configViper, rootCmd, "database.path", "database-path")
	bindFlag(configViper, rootCmd, "log.level", "log-level")
	bindFlag(configViper, rootCmd, "session.signing_secret", "signing-secret")

	rootCmd.AddCommand(
		newServeCommand(configViper),
		newImportCommand(configViper),
		newLogCommand(configViper),
		newDiffCommand(configViper),
		newRevertCommand(configViper),
		newMintSessionCommand(configViper),
	)
	return rootCmd
}

func bindFlag(configViper *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := configViper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}
