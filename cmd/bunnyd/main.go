package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/bunny_bridge/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "bunnyd",
		Short: "Bunny Bridge - push, publish and consume AMQP queues over HTTP",
		Long: `bunnyd connects to an AMQP broker and bridges its queues to HTTP.

Subscribers push every message of a queue to an HTTP target with retries and
a dead letter policy. Publishers and consumers expose queues as REST routes.
Resources are declared in the YAML file given by --config; the connection
string and process settings come from BRP_* environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", config.DefaultConfigPath, "YAML file declaring publishers, consumers, subscribers and identities")
	flags.Int("port", 3672, "HTTP API port")
	flags.Int("metrics-port", 9672, "Prometheus metrics port, 0 disables the endpoint")
	flags.String("log-level", "info", "minimum log level (trace, debug, info, warn, error, fatal)")
	flags.Bool("log-pretty", false, "human readable log lines instead of JSON")

	bindFlags(v, cmd, map[string]string{
		config.KeyConfigPath:  "config",
		config.KeyPort:        "port",
		config.KeyMetricsPort: "metrics-port",
		config.KeyLogLevel:    "log-level",
		config.KeyLogPretty:   "log-pretty",
	})
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		cobra.CheckErr(v.BindPFlag(key, cmd.Flags().Lookup(flag)))
	}
}
