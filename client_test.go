package mqttv3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokerScript drives one accepted connection of the mock broker.
type brokerScript func(conn net.Conn) error

// mockBroker accepts one connection per script, in order, and reports the
// first script error on the returned channel once all scripts ran.
func mockBroker(t *testing.T, scripts ...brokerScript) (string, <-chan error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Go(func() {
		var firstErr error
		for _, script := range scripts {
			conn, err := listener.Accept()
			if err != nil {
				done <- err
				return
			}

			err = script(conn)
			conn.Close()
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		done <- firstErr
	})

	t.Cleanup(func() {
		listener.Close()
		wg.Wait()
	})

	return "tcp://" + listener.Addr().String(), done
}

// waitBroker waits for the mock broker scripts to finish.
func waitBroker(t *testing.T, done <-chan error) {
	t.Helper()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mock broker did not finish")
	}
}

// readAs reads the next packet and checks its type.
func readAs[T Packet](conn net.Conn) (T, error) {
	var zero T

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pkt, _, err := ReadPacket(conn, 0)
	if err != nil {
		return zero, err
	}

	p, ok := pkt.(T)
	if !ok {
		return zero, fmt.Errorf("expected %T, got %s", zero, pkt.Type())
	}

	return p, nil
}

// readSkippingPings reads the next packet that is not a PINGREQ.
func readSkippingPings[T Packet](conn net.Conn) (T, error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		pkt, _, err := ReadPacket(conn, 0)
		if err != nil {
			var zero T
			return zero, err
		}

		if pkt.Type() == PacketPINGREQ {
			continue
		}

		p, ok := pkt.(T)
		if !ok {
			var zero T
			return zero, fmt.Errorf("expected %T, got %s", zero, pkt.Type())
		}
		return p, nil
	}
}

// accept reads CONNECT and answers with the given return code.
func accept(conn net.Conn, code ReturnCode) (*ConnectPacket, error) {
	connect, err := readAs[*ConnectPacket](conn)
	if err != nil {
		return nil, err
	}

	_, err = WritePacket(conn, &ConnackPacket{ReturnCode: code}, 0)
	return connect, err
}

// awaitDisconnect reads until DISCONNECT, skipping PINGREQ.
func awaitDisconnect(conn net.Conn) error {
	_, err := readSkippingPings[*DisconnectPacket](conn)
	return err
}

func newTestClient(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{
		WithServer(addr),
		WithReadTimeout(50 * time.Millisecond),
		WithConnectTimeout(5 * time.Second),
	}, opts...)

	client, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{name: "unsupported protocol level", opts: []Option{WithProtocolLevel(5)}},
		{name: "no address", opts: []Option{WithServer("")}},
		{name: "will topic with wildcard", opts: []Option{WithWill("a/+", nil, false, QoS0)}},
		{name: "will qos 3", opts: []Option{WithWill("a", nil, false, 3)}},
		{name: "zero read timeout", opts: []Option{WithReadTimeout(0)}},
		{name: "persistent session without identifier", opts: []Option{WithCleanSession(false)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts...)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewClientID(t *testing.T) {
	t.Run("mqtt 3.1.1 leaves the identifier to the broker", func(t *testing.T) {
		client, err := New()
		require.NoError(t, err)
		assert.Empty(t, client.ClientID())
	})

	t.Run("mqtt 3.1 generates an identifier", func(t *testing.T) {
		client, err := New(WithProtocolLevel(ProtocolMQTT31))
		require.NoError(t, err)

		id := client.ClientID()
		assert.True(t, strings.HasPrefix(id, generatedIDPrefix))
		assert.LessOrEqual(t, len(id), maxMQTT31ClientIDLength)
	})

	t.Run("explicit identifier is kept", func(t *testing.T) {
		client, err := New(WithProtocolLevel(ProtocolMQTT31), WithClientID("sensor"))
		require.NoError(t, err)
		assert.Equal(t, "sensor", client.ClientID())
	})
}

func TestGenerateClientID(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		id := generateClientID()
		assert.Len(t, id, maxMQTT31ClientIDLength)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 100)
}

func TestClientConnect(t *testing.T) {
	addr, done := mockBroker(t, func(conn net.Conn) error {
		connect, err := accept(conn, ReturnAccepted)
		if err != nil {
			return err
		}

		want := ConnectPacket{
			ProtocolLevel: ProtocolMQTT311,
			ClientID:      "c1",
			CleanSession:  true,
			KeepAlive:     30,
			Username:      "user",
			Password:      []byte("pass"),
			WillFlag:      true,
			WillQoS:       QoS1,
			WillRetain:    true,
			WillTopic:     "clients/c1",
			WillPayload:   []byte("gone"),
		}
		if !assert.ObjectsAreEqual(want, *connect) {
			return fmt.Errorf("unexpected CONNECT %+v", connect)
		}

		return awaitDisconnect(conn)
	})

	var (
		mu     sync.Mutex
		events []error
	)

	client := newTestClient(t, addr,
		WithClientID("c1"),
		WithKeepAlive(30),
		WithCredentials("user", "pass"),
		WithWill("clients/c1", []byte("gone"), true, QoS1),
		OnEvent(func(_ *Client, event error) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		}),
	)

	ok, err := client.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, client.IsConnected())

	ok, err = client.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "connecting again reuses the stream")

	require.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())
	waitBroker(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)

	var connected *ConnectedEvent
	require.ErrorAs(t, events[0], &connected)
	assert.False(t, connected.Resumed)
	assert.ErrorIs(t, events[1], ErrDisconnected)
}

func TestClientDisconnectWithoutConnection(t *testing.T) {
	client, err := New()
	require.NoError(t, err)
	assert.NoError(t, client.Disconnect())
}

func TestClientClose(t *testing.T) {
	client, err := New()
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, client.Publish(&Message{Topic: "a"}), ErrClientClosed)
	assert.ErrorIs(t, client.Subscribe(Subscription{Topic: "a", Handler: noopHandler}), ErrClientClosed)
	assert.ErrorIs(t, client.Unsubscribe("a"), ErrClientClosed)
	assert.ErrorIs(t, client.Ping(), ErrClientClosed)

	_, err = client.HandleNext()
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.False(t, client.IsConnected())
}

func TestClientPublish(t *testing.T) {
	tests := []struct {
		name   string
		qos    byte
		broker func(conn net.Conn, pub *PublishPacket) error
	}{
		{
			name: "qos 0",
			qos:  QoS0,
			broker: func(_ net.Conn, pub *PublishPacket) error {
				if pub.PacketID != 0 {
					return fmt.Errorf("qos 0 publish carries packet id %d", pub.PacketID)
				}
				return nil
			},
		},
		{
			name: "qos 1",
			qos:  QoS1,
			broker: func(conn net.Conn, pub *PublishPacket) error {
				_, err := WritePacket(conn, &PubackPacket{PacketID: pub.PacketID}, 0)
				return err
			},
		},
		{
			name: "qos 2",
			qos:  QoS2,
			broker: func(conn net.Conn, pub *PublishPacket) error {
				if _, err := WritePacket(conn, &PubrecPacket{PacketID: pub.PacketID}, 0); err != nil {
					return err
				}

				rel, err := readAs[*PubrelPacket](conn)
				if err != nil {
					return err
				}
				if rel.PacketID != pub.PacketID {
					return fmt.Errorf("PUBREL for %d, want %d", rel.PacketID, pub.PacketID)
				}

				_, err = WritePacket(conn, &PubcompPacket{PacketID: pub.PacketID}, 0)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, done := mockBroker(t, func(conn net.Conn) error {
				if _, err := accept(conn, ReturnAccepted); err != nil {
					return err
				}

				pub, err := readAs[*PublishPacket](conn)
				if err != nil {
					return err
				}
				if pub.Topic != "a/b" || string(pub.Payload) != "hello" || pub.QoS != tt.qos || !pub.Retain {
					return fmt.Errorf("unexpected PUBLISH %+v", pub)
				}

				if err := tt.broker(conn, pub); err != nil {
					return err
				}

				return awaitDisconnect(conn)
			})

			metrics := NewMemoryMetrics()
			client := newTestClient(t, addr, WithReadTimeout(time.Second), WithMetrics(metrics))

			err := client.Publish(&Message{Topic: "a/b", Payload: []byte("hello"), QoS: tt.qos, Retain: true})
			require.NoError(t, err)
			assert.Zero(t, client.outbound.Count())

			require.NoError(t, client.Disconnect())
			waitBroker(t, done)

			assert.Equal(t, 1.0, metrics.CounterValue(MetricMessagesSent, qosLabel(tt.qos)))
		})
	}
}

func TestClientPublishValidation(t *testing.T) {
	client, err := New()
	require.NoError(t, err)

	tests := []struct {
		name    string
		msg     *Message
		wantErr error
	}{
		{name: "nil message", msg: nil, wantErr: ErrInvalidConfig},
		{name: "empty topic", msg: &Message{}, wantErr: ErrEmptyTopic},
		{name: "wildcard topic", msg: &Message{Topic: "a/#"}, wantErr: ErrInvalidTopicName},
		{name: "qos 3", msg: &Message{Topic: "a", QoS: 3}, wantErr: ErrInvalidQoS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, client.Publish(tt.msg), tt.wantErr)
		})
	}

	assert.False(t, client.IsConnected(), "validation happens before connecting")
}

func TestClientPublishRateLimitContext(t *testing.T) {
	client, err := New(WithPublishRateLimit(0.001, 1))
	require.NoError(t, err)

	client.options.publishLimiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.PublishContext(ctx, &Message{Topic: "a"})
	assert.Error(t, err)
	assert.False(t, client.IsConnected())
}

func TestClientPublishConnectFails(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	client := newTestClient(t, "tcp://"+addr, WithConnectTimeout(time.Second))

	err = client.Publish(&Message{Topic: "a", QoS: QoS1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish")
	assert.Zero(t, client.outbound.Count(), "failed publishes are not tracked")
}

func TestClientSubscribeAndUnsubscribe(t *testing.T) {
	addr, done := mockBroker(t, func(conn net.Conn) error {
		if _, err := accept(conn, ReturnAccepted); err != nil {
			return err
		}

		sub, err := readAs[*SubscribePacket](conn)
		if err != nil {
			return err
		}
		want := []TopicFilter{{Filter: "sensors/+/temp", QoS: QoS1}, {Filter: "alerts", QoS: QoS0}}
		if sub.PacketID != 1 || !assert.ObjectsAreEqual(want, sub.Filters) {
			return fmt.Errorf("unexpected SUBSCRIBE %+v", sub)
		}
		if _, err := WritePacket(conn, &SubackPacket{PacketID: 1, ReturnCodes: []byte{1, 0}}, 0); err != nil {
			return err
		}

		if _, err := WritePacket(conn, &PublishPacket{Topic: "sensors/kitchen/temp", Payload: []byte("21")}, 0); err != nil {
			return err
		}

		unsub, err := readSkippingPings[*UnsubscribePacket](conn)
		if err != nil {
			return err
		}
		if unsub.PacketID != 2 || !assert.ObjectsAreEqual([]string{"sensors/+/temp"}, unsub.TopicFilters) {
			return fmt.Errorf("unexpected UNSUBSCRIBE %+v", unsub)
		}
		if _, err := WritePacket(conn, &UnsubackPacket{PacketID: 2}, 0); err != nil {
			return err
		}

		return awaitDisconnect(conn)
	})

	client := newTestClient(t, addr, WithReadTimeout(time.Second))

	var received []*Message
	err := client.Subscribe(
		Subscription{Topic: "sensors/+/temp", QoS: QoS1, Handler: func(msg *Message) {
			received = append(received, msg)
		}},
		Subscription{Topic: "alerts", Handler: noopHandler},
	)
	require.NoError(t, err)
	assert.Len(t, client.Subscriptions(), 2)

	handled, err := client.HandleNext()
	require.NoError(t, err)
	assert.True(t, handled)

	require.Len(t, received, 1)
	assert.Equal(t, "sensors/kitchen/temp", received[0].Topic)
	assert.Equal(t, []byte("21"), received[0].Payload)
	assert.True(t, received[0].IsConfirmed())

	require.NoError(t, client.Unsubscribe("sensors/+/temp"))

	subs := client.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "alerts", subs[0].Topic)

	require.NoError(t, client.Disconnect())
	waitBroker(t, done)
}

func TestClientSubscribeValidation(t *testing.T) {
	client, err := New()
	require.NoError(t, err)

	tests := []struct {
		name string
		subs []Subscription
	}{
		{name: "none"},
		{name: "qos 3", subs: []Subscription{{Topic: "a", QoS: 3, Handler: noopHandler}}},
		{name: "no handler", subs: []Subscription{{Topic: "a"}}},
		{name: "one bad entry", subs: []Subscription{{Topic: "a", Handler: noopHandler}, {Topic: "b/#/c", Handler: noopHandler}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, client.Subscribe(tt.subs...), ErrInvalidConfig)
			assert.Empty(t, client.Subscriptions())
		})
	}

	assert.ErrorIs(t, client.Unsubscribe(), ErrInvalidConfig)
	assert.False(t, client.IsConnected())
}

func TestClientReplaysSubscriptionsAfterReconnect(t *testing.T) {
	addr, done := mockBroker(t,
		func(conn net.Conn) error {
			if _, err := accept(conn, ReturnAccepted); err != nil {
				return err
			}
			sub, err := readAs[*SubscribePacket](conn)
			if err != nil {
				return err
			}
			_, err = WritePacket(conn, &SubackPacket{PacketID: sub.PacketID, ReturnCodes: []byte{0, 1}}, 0)
			return err
		},
		func(conn net.Conn) error {
			if _, err := accept(conn, ReturnAccepted); err != nil {
				return err
			}

			sub, err := readAs[*SubscribePacket](conn)
			if err != nil {
				return err
			}
			want := []TopicFilter{{Filter: "a", QoS: QoS0}, {Filter: "b", QoS: QoS1}}
			if !assert.ObjectsAreEqual(want, sub.Filters) {
				return fmt.Errorf("replayed filters %+v", sub.Filters)
			}
			if _, err := WritePacket(conn, &SubackPacket{PacketID: sub.PacketID, ReturnCodes: []byte{0, 1}}, 0); err != nil {
				return err
			}

			return awaitDisconnect(conn)
		},
	)

	var lost []error
	client := newTestClient(t, addr,
		WithReadTimeout(time.Second),
		OnEvent(func(_ *Client, event error) {
			if errors.Is(event, ErrConnectionLost) {
				lost = append(lost, event)
			}
		}),
	)

	require.NoError(t, client.Subscribe(
		Subscription{Topic: "b", QoS: QoS1, Handler: noopHandler},
		Subscription{Topic: "a", Handler: noopHandler},
	))

	_, err := client.HandleNext()
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.False(t, client.IsConnected())
	assert.Len(t, lost, 1)

	ok, err := client.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, client.Disconnect())
	waitBroker(t, done)
}

func TestClientHandleNextNothingAvailable(t *testing.T) {
	addr, done := mockBroker(t, func(conn net.Conn) error {
		if _, err := accept(conn, ReturnAccepted); err != nil {
			return err
		}
		return awaitDisconnect(conn)
	})

	client := newTestClient(t, addr)

	handled, err := client.HandleNext()
	require.NoError(t, err)
	assert.False(t, handled)
	assert.True(t, client.IsConnected())

	require.NoError(t, client.Disconnect())
	waitBroker(t, done)
}

func TestClientPing(t *testing.T) {
	addr, done := mockBroker(t, func(conn net.Conn) error {
		if _, err := accept(conn, ReturnAccepted); err != nil {
			return err
		}
		if _, err := readAs[*PingreqPacket](conn); err != nil {
			return err
		}
		if _, err := WritePacket(conn, &PingrespPacket{}, 0); err != nil {
			return err
		}
		return awaitDisconnect(conn)
	})

	client := newTestClient(t, addr, WithReadTimeout(time.Second))

	require.NoError(t, client.Ping())
	assert.False(t, client.keepAlive.LastPing().IsZero())

	handled, err := client.HandleNext()
	require.NoError(t, err)
	assert.True(t, handled)

	require.NoError(t, client.Disconnect())
	waitBroker(t, done)
}

func TestClientLoop(t *testing.T) {
	t.Run("stop from a handler", func(t *testing.T) {
		addr, done := mockBroker(t, func(conn net.Conn) error {
			if _, err := accept(conn, ReturnAccepted); err != nil {
				return err
			}
			sub, err := readAs[*SubscribePacket](conn)
			if err != nil {
				return err
			}
			if _, err := WritePacket(conn, &SubackPacket{PacketID: sub.PacketID, ReturnCodes: []byte{0}}, 0); err != nil {
				return err
			}
			if _, err := WritePacket(conn, &PublishPacket{Topic: "stop", Payload: []byte("now")}, 0); err != nil {
				return err
			}
			return awaitDisconnect(conn)
		})

		client := newTestClient(t, addr)

		calls := 0
		require.NoError(t, client.Subscribe(Subscription{Topic: "stop", Handler: func(*Message) {
			calls++
			client.Stop()
		}}))

		require.NoError(t, client.Loop(context.Background()))
		assert.Equal(t, 1, calls)

		require.NoError(t, client.Disconnect())
		waitBroker(t, done)
	})

	t.Run("context cancellation", func(t *testing.T) {
		addr, done := mockBroker(t, func(conn net.Conn) error {
			if _, err := accept(conn, ReturnAccepted); err != nil {
				return err
			}
			return awaitDisconnect(conn)
		})

		client := newTestClient(t, addr)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := client.Loop(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, client.IsConnected(), "the stream is left open")

		require.NoError(t, client.Disconnect())
		waitBroker(t, done)
	})

	t.Run("connection lost", func(t *testing.T) {
		addr, done := mockBroker(t, func(conn net.Conn) error {
			_, err := accept(conn, ReturnAccepted)
			return err
		})

		client := newTestClient(t, addr)

		err := client.Loop(context.Background())
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.False(t, client.IsConnected())
		waitBroker(t, done)
	})
}
