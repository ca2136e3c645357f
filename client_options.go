package mqttv3

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	// DefaultAddress is the broker address used when none is configured.
	DefaultAddress = "tcp://127.0.0.1:1883"

	// DefaultKeepAlive is the keep-alive interval in seconds.
	DefaultKeepAlive uint16 = 10

	// DefaultReadTimeout bounds a single read attempt. A read that times out
	// is reported as "nothing available", not as an error.
	DefaultReadTimeout = time.Second

	// DefaultConnectTimeout bounds dialing and the CONNECT handshake.
	DefaultConnectTimeout = 10 * time.Second
)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Connection settings
	address       string
	protocolLevel byte
	clientID      string
	username      string
	password      []byte
	keepAlive     uint16
	cleanSession  bool

	// TLS configuration
	tlsConfig *tls.Config

	// Proxy configuration
	proxyConfig  *ProxyConfig
	proxyFromEnv bool

	// Timeouts
	connectTimeout time.Duration
	readTimeout    time.Duration

	// Will message
	willTopic   string
	willPayload []byte
	willRetain  bool
	willQoS     byte

	// Custom transport, used instead of the scheme's built-in dialer
	dialer Dialer

	// Stream pool for non-clean sessions
	streamPool *StreamPool

	// Outbound publish rate limit
	publishLimiter *rate.Limiter

	// Largest inbound remaining length accepted, 0 for the protocol maximum
	maxPacketSize uint32

	// Observability
	logger  Logger
	metrics Metrics
	onEvent EventHandler
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		address:        DefaultAddress,
		protocolLevel:  ProtocolMQTT311,
		keepAlive:      DefaultKeepAlive,
		cleanSession:   true,
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
		streamPool:     DefaultStreamPool,
		logger:         NewNoOpLogger(),
		metrics:        &NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithServer sets the broker address in URI format: scheme://host:port.
// Supported schemes: tcp, mqtt, tls, ssl, mqtts, ws, wss, unix, quic.
func WithServer(address string) Option {
	return func(o *clientOptions) {
		o.address = address
	}
}

// WithAddress sets a plain TCP broker address from host and port.
func WithAddress(host string, port int) Option {
	return func(o *clientOptions) {
		o.address = "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
	}
}

// WithProtocolLevel selects MQTT 3.1 (ProtocolMQTT31) or 3.1.1 (ProtocolMQTT311).
func WithProtocolLevel(level byte) Option {
	return func(o *clientOptions) {
		o.protocolLevel = level
	}
}

// WithClientID sets the client identifier.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithCleanSession sets whether the broker should discard previous session state.
func WithCleanSession(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanSession = clean
	}
}

// WithTLS sets the TLS configuration for tls, ssl, mqtts, wss and quic addresses.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithProxy routes tcp and tls connections through an HTTP CONNECT or SOCKS5 proxy.
func WithProxy(config ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxyConfig = &config
	}
}

// WithProxyFromEnvironment uses HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func WithProxyFromEnvironment(enabled bool) Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = enabled
	}
}

// WithConnectTimeout sets the timeout for dialing and the CONNECT handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithReadTimeout sets how long a single read waits for data before
// reporting that nothing is available.
func WithReadTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.readTimeout = d
	}
}

// WithWill sets the Will message the broker publishes if the client
// disconnects without sending DISCONNECT.
func WithWill(topic string, payload []byte, retain bool, qos byte) Option {
	return func(o *clientOptions) {
		o.willTopic = topic
		o.willPayload = payload
		o.willRetain = retain
		o.willQoS = qos
	}
}

// WithDialer replaces the built-in transport selection with a custom dialer.
// The dialer receives the configured address unchanged.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithStreamPool sets the pool that keeps non-clean session streams between
// clients. Defaults to DefaultStreamPool.
func WithStreamPool(pool *StreamPool) Option {
	return func(o *clientOptions) {
		if pool != nil {
			o.streamPool = pool
		}
	}
}

// WithPublishRateLimit limits outbound publishes to perSecond with the given
// burst. Publish waits for a token before writing.
func WithPublishRateLimit(perSecond float64, burst int) Option {
	return func(o *clientOptions) {
		if perSecond <= 0 {
			o.publishLimiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.publishLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMaxPacketSize limits the remaining length of packets read from the
// broker. A larger packet fails with ErrPacketTooLarge and the stream is
// dropped, since the rest of it can no longer be framed. 0 allows the
// protocol maximum (268435455).
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		if size > maxRemainingLength {
			size = maxRemainingLength
		}
		o.maxPacketSize = size
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(o *clientOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// OnEvent sets the event handler for client lifecycle events.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// validate checks the options before any I/O happens.
func (o *clientOptions) validate() error {
	if ProtocolName(o.protocolLevel) == "" {
		return fmt.Errorf("%w: unsupported protocol level %d", ErrInvalidConfig, o.protocolLevel)
	}

	if o.address == "" && o.dialer == nil {
		return fmt.Errorf("%w: no broker address", ErrInvalidConfig)
	}

	if o.willTopic != "" {
		if o.willQoS > QoS2 {
			return fmt.Errorf("%w: invalid will QoS %d", ErrInvalidConfig, o.willQoS)
		}
		if err := ValidateTopicName(o.willTopic); err != nil {
			return fmt.Errorf("%w: will topic: %w", ErrInvalidConfig, err)
		}
	}

	if o.readTimeout <= 0 {
		return fmt.Errorf("%w: read timeout must be positive", ErrInvalidConfig)
	}

	return nil
}
