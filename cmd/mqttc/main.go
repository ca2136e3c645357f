// mqttc publishes and subscribes to MQTT 3.1 and 3.1.1 brokers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttv3"
)

// Version is injected during build.
var Version = "dev"

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath  string
	server      string
	clientID    string
	username    string
	password    string
	protocol    uint8
	keepAlive   uint16
	clean       bool
	logLevel    string
	metricsAddr string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "mqttc:", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "mqttc",
		Short: "mqttc is a command line MQTT 3.1/3.1.1 client",
		Long: `mqttc publishes messages to and prints messages from an MQTT broker.

Configuration is read from the YAML file given with --config, then
MQTTC_* environment variables, then command line flags.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVarP(&flags.server, "server", "s", mqttv3.DefaultAddress, "broker address (tcp, tls, ws, wss, unix, quic)")
	pf.StringVarP(&flags.clientID, "client-id", "i", "", "client identifier")
	pf.StringVarP(&flags.username, "username", "u", "", "user name")
	pf.StringVarP(&flags.password, "password", "P", "", "password")
	pf.Uint8Var(&flags.protocol, "protocol", mqttv3.ProtocolMQTT311, "protocol level: 3 for MQTT 3.1, 4 for MQTT 3.1.1")
	pf.Uint16VarP(&flags.keepAlive, "keep-alive", "k", mqttv3.DefaultKeepAlive, "keep alive in seconds")
	pf.BoolVar(&flags.clean, "clean", true, "start a clean session")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "log level: debug, info, warn, error, none")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newPubCommand(flags),
		newSubCommand(flags),
		newDumpCommand(flags),
	)

	return root
}

// resolveConfig layers the config file, the environment and the flags
// changed on the command line.
func resolveConfig(cmd *cobra.Command, flags *globalFlags) (*Config, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("server") {
		cfg.Server = flags.server
	}
	if changed("client-id") {
		cfg.ClientID = flags.clientID
	}
	if changed("username") {
		cfg.Username = flags.username
	}
	if changed("password") {
		cfg.Password = flags.password
	}
	if changed("protocol") {
		cfg.Protocol = flags.protocol
	}
	if changed("keep-alive") {
		cfg.KeepAlive = flags.keepAlive
	}
	if changed("clean") {
		clean := flags.clean
		cfg.CleanSession = &clean
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// session is a configured client plus the optional metrics endpoint.
type session struct {
	client  *mqttv3.Client
	logger  mqttv3.Logger
	metrics *metricsServer
}

// newSession builds a client from the resolved configuration. The caller
// must Close the session.
func newSession(cmd *cobra.Command, flags *globalFlags) (*session, error) {
	cfg, err := resolveConfig(cmd, flags)
	if err != nil {
		return nil, err
	}

	level, _ := mqttv3.ParseLogLevel(cfg.LogLevel)
	logger := mqttv3.NewSlogLogger(cmd.ErrOrStderr(), level)

	opts, err := cfg.clientOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, mqttv3.WithLogger(logger))

	s := &session{logger: logger}

	if cfg.MetricsAddr != "" {
		s.metrics, err = startMetricsServer(cfg.MetricsAddr, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mqttv3.WithMetrics(s.metrics.collector))
	}

	s.client, err = mqttv3.New(opts...)
	if err != nil {
		s.metrics.Close()
		return nil, err
	}

	return s, nil
}

// Close disconnects from the broker and stops the metrics endpoint.
func (s *session) Close() {
	if err := s.client.Disconnect(); err != nil {
		s.logger.Debug("disconnect failed", mqttv3.LogFields{mqttv3.LogFieldError: err.Error()})
	}
	s.client.Close()
	s.metrics.Close()
}
