package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/notesync/internal/config"
	"github.com/MarcoPoloResearchLab/notesync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "notesync",
		Short:         "Notesync collaboration client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newListCommand(), newCreateCommand(), newWatchCommand(), newEditCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "notesync:", err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	viper.SetDefault("log.level", "warn")
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("client.server_url"), "Notesync server base URL")
	cmd.PersistentFlags().String("name", defaults.GetString("client.display_name"), "Display name shown to collaborators")
	cmd.PersistentFlags().String("transport", defaults.GetString("client.transport"), "Realtime transport (auto, websocket, polling)")
	cmd.PersistentFlags().Duration("autosave-interval", defaults.GetDuration("client.autosave_interval"), "Autosave interval")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "client.server_url", "server-url")
	bindFlag(cmd, "client.display_name", "name")
	bindFlag(cmd, "client.transport", "transport")
	bindFlag(cmd, "client.autosave_interval", "autosave-interval")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadClient() (config.ClientConfig, error) {
	return config.LoadClient(viper.GetViper())
}

func newLogger(clientConfig config.ClientConfig) (*zap.Logger, error) {
	return logging.NewConsoleLogger(clientConfig.LogLevel)
}
