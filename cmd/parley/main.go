package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/parley/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "parley",
		Short:        "Two-party conversation sync over a partitioned record store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newSyncCommand(),
		newValidateCommand(),
		newCallCommand(),
		newRoomCommand(),
		newSendCommand(),
		newProfileCommand(),
		newCompactCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "Server SQLite database path")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.String("bootstrap-secret", "", "Secret guarding POST /auth/token; empty disables it")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for multi-instance notification fan-out")
	flags.String("redis-channel", defaults.GetString("redis.channel"), "Redis pub/sub channel")

	flags.String("server-url", defaults.GetString("client.server_url"), "Record store base URL")
	flags.String("token", "", "Access token for the record store")
	flags.String("client-database", defaults.GetString("client.database_path"), "Device SQLite database path")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.bootstrap_secret", "bootstrap-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "redis.channel", "redis-channel")
	bindFlag(cmd, "client.server_url", "server-url")
	bindFlag(cmd, "client.token", "token")
	bindFlag(cmd, "client.database_path", "client-database")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("parley")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &configNotFound) {
			return nil
		}
		return err
	}

	return nil
}
