package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"blockswap/config"
	"blockswap/logger"
)

var (
	configPath string
	apiURL     string
	v          = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "blockswap",
	Short: "Content-addressed block exchange over libp2p",
	Long: `blockswap stores content-addressed blocks and exchanges them with peers.

Run "blockswap daemon" to join the network and serve the REST API; the other
commands talk to a running daemon through that API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (toml, yaml or json)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:8080", "REST API URL of a running daemon")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")
	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"log.level": "log-level",
		"log.json":  "log-json",
	})

	rootCmd.AddCommand(daemonCmd, addCmd, getCmd, statsCmd, peersCmd, cancelCmd)
}

// bindFlags maps config keys to flags so an explicitly set flag wins over
// the config file and environment.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// loadConfig merges defaults, the config file, environment and flags.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}
	return config.LoadWithViper(v)
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	return logger.New(cfg.Log.Level, cfg.Log.JSON)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
