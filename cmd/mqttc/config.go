package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalvas/mqttv3"
)

// envPrefix prefixes every environment override.
const envPrefix = "MQTTC_"

var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidYAML    = errors.New("invalid YAML syntax")
	ErrInvalidValue   = errors.New("invalid configuration value")
)

// Config is the mqttc configuration file.
type Config struct {
	Server         string        `yaml:"server"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Protocol       byte          `yaml:"protocol"`
	KeepAlive      uint16        `yaml:"keep_alive"`
	CleanSession   *bool         `yaml:"clean_session"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxPacketSize  uint32        `yaml:"max_packet_size"`
	PublishRate    float64       `yaml:"publish_rate"`
	LogLevel       string        `yaml:"log_level"`
	MetricsAddr    string        `yaml:"metrics_addr"`

	TLS  TLSConfig   `yaml:"tls"`
	Will *WillConfig `yaml:"will"`

	// Subscriptions are added to the topics given on the sub command line.
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// TLSConfig configures tls://, ssl://, mqtts:// and wss:// servers.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// WillConfig is the message the broker publishes when mqttc goes away
// without DISCONNECT.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     byte   `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// SubscriptionConfig is one configured topic filter.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
}

func defaultConfig() *Config {
	return &Config{
		Server:         mqttv3.DefaultAddress,
		Protocol:       mqttv3.ProtocolMQTT311,
		KeepAlive:      mqttv3.DefaultKeepAlive,
		ConnectTimeout: mqttv3.DefaultConnectTimeout,
		ReadTimeout:    mqttv3.DefaultReadTimeout,
		LogLevel:       "warn",
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidYAML, path, err)
	}

	return cfg, nil
}

// applyEnv overrides fields from MQTTC_* variables found by lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		return lookup(envPrefix + name)
	}

	if v, ok := get("SERVER"); ok {
		c.Server = v
	}
	if v, ok := get("CLIENT_ID"); ok {
		c.ClientID = v
	}
	if v, ok := get("USERNAME"); ok {
		c.Username = v
	}
	if v, ok := get("PASSWORD"); ok {
		c.Password = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}

	if v, ok := get("PROTOCOL"); ok {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("%w: %sPROTOCOL=%q", ErrInvalidValue, envPrefix, v)
		}
		c.Protocol = byte(n)
	}

	if v, ok := get("KEEP_ALIVE"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%w: %sKEEP_ALIVE=%q", ErrInvalidValue, envPrefix, v)
		}
		c.KeepAlive = uint16(n)
	}

	if v, ok := get("CLEAN_SESSION"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sCLEAN_SESSION=%q", ErrInvalidValue, envPrefix, v)
		}
		c.CleanSession = &b
	}

	if v, ok := get("CONNECT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sCONNECT_TIMEOUT=%q", ErrInvalidValue, envPrefix, v)
		}
		c.ConnectTimeout = d
	}

	return nil
}

// validate checks values the client options do not check themselves.
func (c *Config) validate() error {
	if _, ok := mqttv3.ParseLogLevel(c.LogLevel); !ok {
		return fmt.Errorf("%w: log_level %q", ErrInvalidValue, c.LogLevel)
	}

	for _, sub := range c.Subscriptions {
		if sub.QoS > mqttv3.QoS2 {
			return fmt.Errorf("%w: qos %d for %q", ErrInvalidValue, sub.QoS, sub.Topic)
		}
	}

	return nil
}

// cleanSession defaults to true when the file does not say otherwise.
func (c *Config) cleanSession() bool {
	return c.CleanSession == nil || *c.CleanSession
}

// clientOptions turns the configuration into client options.
func (c *Config) clientOptions() ([]mqttv3.Option, error) {
	opts := []mqttv3.Option{
		mqttv3.WithServer(c.Server),
		mqttv3.WithProtocolLevel(c.Protocol),
		mqttv3.WithClientID(c.ClientID),
		mqttv3.WithKeepAlive(c.KeepAlive),
		mqttv3.WithCleanSession(c.cleanSession()),
		mqttv3.WithConnectTimeout(c.ConnectTimeout),
		mqttv3.WithReadTimeout(c.ReadTimeout),
		mqttv3.WithProxyFromEnvironment(true),
		mqttv3.WithMaxPacketSize(c.MaxPacketSize),
		mqttv3.WithPublishRateLimit(c.PublishRate, int(c.PublishRate)),
	}

	if c.Will != nil && c.Will.Topic != "" {
		opts = append(opts, mqttv3.WithWill(c.Will.Topic, []byte(c.Will.Payload), c.Will.Retain, c.Will.QoS))
	}

	if c.Username != "" || c.Password != "" {
		opts = append(opts, mqttv3.WithCredentials(c.Username, c.Password))
	}

	tlsConfig, err := c.TLS.load()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, mqttv3.WithTLS(tlsConfig))
	}

	return opts, nil
}

// load builds a tls.Config, or nil when nothing is configured.
func (t TLSConfig) load() (*tls.Config, error) {
	if t == (TLSConfig{}) {
		return nil, nil
	}

	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidValue, t.CAFile)
		}
		config.RootCAs = pool
	}

	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// parseQoS parses a command line QoS value.
func parseQoS(s string) (byte, error) {
	switch strings.TrimSpace(s) {
	case "0":
		return mqttv3.QoS0, nil
	case "1":
		return mqttv3.QoS1, nil
	case "2":
		return mqttv3.QoS2, nil
	default:
		return 0, fmt.Errorf("%w: qos %q", ErrInvalidValue, s)
	}
}
