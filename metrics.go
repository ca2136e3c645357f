package mqttv3

import "time"

// MetricLabels are the label values of one series.
type MetricLabels map[string]string

// Metrics hands out instruments by name and label set. Implementations must
// return the same instrument for the same name and labels.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter only goes up.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge holds a value that may go either way.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram records a distribution. Durations are observed in seconds.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards everything. It is the default when WithMetrics is not used.
type NoOpMetrics struct{}

func (*NoOpMetrics) Counter(string, MetricLabels) Counter     { return discard{} }
func (*NoOpMetrics) Gauge(string, MetricLabels) Gauge         { return discard{} }
func (*NoOpMetrics) Histogram(string, MetricLabels) Histogram { return discard{} }

// discard implements every instrument.
type discard struct{}

func (discard) Inc()                          {}
func (discard) Dec()                          {}
func (discard) Set(float64)                   {}
func (discard) Add(float64)                   {}
func (discard) Sub(float64)                   {}
func (discard) Observe(float64)               {}
func (discard) ObserveDuration(time.Duration) {}
func (discard) Value() float64                { return 0 }
func (discard) Count() uint64                 { return 0 }
func (discard) Sum() float64                  { return 0 }

// Series published by the client.
const (
	MetricConnectsTotal    = "mqtt_client_connects_total"          // CONNECT handshakes attempted
	MetricConnectRefused   = "mqtt_client_connect_refused_total"   // CONNACKs with a non-zero code, by return_code
	MetricConnected        = "mqtt_client_connected"               // 1 while a stream is held
	MetricMessagesReceived = "mqtt_client_messages_received_total" // inbound PUBLISH, by qos
	MetricMessagesSent     = "mqtt_client_messages_sent_total"     // outbound PUBLISH, by qos
	MetricBytesReceived    = "mqtt_client_bytes_received_total"
	MetricBytesSent        = "mqtt_client_bytes_sent_total"
	MetricSubscriptions    = "mqtt_client_subscriptions"       // registered topic filters
	MetricUnknownTopic     = "mqtt_client_unknown_topic_total" // messages no handler matched
	MetricHandlerDuration  = "mqtt_client_handler_duration_seconds"
	MetricPublishDuration  = "mqtt_client_publish_duration_seconds" // including the acknowledgement handshake
	MetricPacketsSent      = "mqtt_client_packets_sent_total"       // by packet_type
	MetricPacketsReceived  = "mqtt_client_packets_received_total"   // by packet_type
)

// Label names.
const (
	LabelPacketType = "packet_type"
	LabelQoS        = "qos"
	LabelReturnCode = "return_code"
)

// ClientMetrics maps client events onto the series above.
type ClientMetrics struct {
	m Metrics
}

// NewClientMetrics wraps m; nil means NoOpMetrics.
func NewClientMetrics(m Metrics) *ClientMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &ClientMetrics{m: m}
}

func qosLabel(qos byte) MetricLabels {
	return MetricLabels{LabelQoS: string(rune('0' + qos))}
}

func packetLabel(t PacketType) MetricLabels {
	return MetricLabels{LabelPacketType: t.String()}
}

func (cm *ClientMetrics) ConnectAttempted() { cm.m.Counter(MetricConnectsTotal, nil).Inc() }
func (cm *ClientMetrics) Connected()        { cm.m.Gauge(MetricConnected, nil).Set(1) }
func (cm *ClientMetrics) Disconnected()     { cm.m.Gauge(MetricConnected, nil).Set(0) }
func (cm *ClientMetrics) UnknownTopic()     { cm.m.Counter(MetricUnknownTopic, nil).Inc() }

func (cm *ClientMetrics) ConnectRefused(code ReturnCode) {
	cm.m.Counter(MetricConnectRefused, MetricLabels{LabelReturnCode: code.String()}).Inc()
}

func (cm *ClientMetrics) MessageReceived(qos byte) {
	cm.m.Counter(MetricMessagesReceived, qosLabel(qos)).Inc()
}

func (cm *ClientMetrics) MessageSent(qos byte) {
	cm.m.Counter(MetricMessagesSent, qosLabel(qos)).Inc()
}

// BytesReceived and BytesSent ignore non-positive counts, so callers can pass
// the n of a failed read or write unchecked.
func (cm *ClientMetrics) BytesReceived(n int) {
	if n > 0 {
		cm.m.Counter(MetricBytesReceived, nil).Add(float64(n))
	}
}

func (cm *ClientMetrics) BytesSent(n int) {
	if n > 0 {
		cm.m.Counter(MetricBytesSent, nil).Add(float64(n))
	}
}

func (cm *ClientMetrics) Subscriptions(n int) {
	cm.m.Gauge(MetricSubscriptions, nil).Set(float64(n))
}

func (cm *ClientMetrics) HandlerDuration(d time.Duration) {
	cm.m.Histogram(MetricHandlerDuration, nil).ObserveDuration(d)
}

func (cm *ClientMetrics) PublishDuration(qos byte, d time.Duration) {
	cm.m.Histogram(MetricPublishDuration, qosLabel(qos)).ObserveDuration(d)
}

func (cm *ClientMetrics) PacketReceived(t PacketType) {
	cm.m.Counter(MetricPacketsReceived, packetLabel(t)).Inc()
}

func (cm *ClientMetrics) PacketSent(t PacketType) {
	cm.m.Counter(MetricPacketsSent, packetLabel(t)).Inc()
}
