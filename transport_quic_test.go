package mqttv3

import (
	"context"
	"crypto/tls"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quicServer listens on a loopback UDP port and hands every first stream to
// handle wrapped as a QUICConn.
func quicServer(t *testing.T, handle func(conn *QUICConn)) string {
	t.Helper()

	cert, _ := generateTestCertificate(t)

	ln, err := quic.ListenAddr("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				stream, err := conn.AcceptStream(ctx)
				if err != nil {
					conn.CloseWithError(0, "")
					return
				}

				qc := newQUICConn(conn, stream)
				defer qc.Close()
				handle(qc)
			}()
		}
	}()

	return ln.Addr().String()
}

func quicClientTLS(t *testing.T) *tls.Config {
	t.Helper()

	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
}

func TestQUICDialerRoundTrip(t *testing.T) {
	addr := quicServer(t, func(conn *QUICConn) {
		_, _ = io.Copy(conn, conn)
	})

	dialer := NewQUICDialer(quicClientTLS(t), 0)
	assert.Nil(t, dialer.QUICConfig)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn, err := dialer.Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.NotNil(t, conn.LocalAddr())
	assert.NotNil(t, conn.RemoteAddr())

	_, err = conn.Write([]byte{0xC0, 0x00})
	require.NoError(t, err)

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0, 0x00}, buf)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err = conn.Read(buf)
	assert.True(t, isTimeout(err))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
}

func TestQUICDialer(t *testing.T) {
	t.Run("keep alive becomes the quic keep alive period", func(t *testing.T) {
		d := NewQUICDialer(nil, 30*time.Second)
		require.NotNil(t, d.QUICConfig)
		assert.Equal(t, 30*time.Second, d.QUICConfig.KeepAlivePeriod)
	})

	t.Run("alpn is added without mutating the caller config", func(t *testing.T) {
		addr := quicServer(t, func(conn *QUICConn) {
			_, _ = io.Copy(io.Discard, conn)
		})

		tlsConfig := quicClientTLS(t)
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()

		conn, err := NewQUICDialer(tlsConfig, 0).Dial(ctx, addr)
		require.NoError(t, err)
		conn.Close()

		assert.Empty(t, tlsConfig.NextProtos)
	})

	t.Run("mismatched alpn", func(t *testing.T) {
		addr := quicServer(t, func(_ *QUICConn) {})

		tlsConfig := quicClientTLS(t)
		tlsConfig.NextProtos = []string{"h3"}

		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()

		_, err := NewQUICDialer(tlsConfig, 0).Dial(ctx, addr)
		assert.Error(t, err)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := NewQUICDialer(nil, 0).Dial(ctx, "127.0.0.1:1234")
		assert.Error(t, err)
	})
}

func TestClientOverQUIC(t *testing.T) {
	done := make(chan error, 1)

	addr := quicServer(t, func(conn *QUICConn) {
		if _, err := accept(conn, ReturnAccepted); err != nil {
			done <- err
			return
		}

		if _, err := readAs[*PingreqPacket](conn); err != nil {
			done <- err
			return
		}
		if _, err := WritePacket(conn, &PingrespPacket{}, 0); err != nil {
			done <- err
			return
		}
		done <- nil

		// Keep the stream open until the client goes away.
		_, _ = readAs[*DisconnectPacket](conn)
	})

	client := newTestClient(t, "quic://"+addr, WithTLS(quicClientTLS(t)))

	_, err := client.Connect(t.Context())
	require.NoError(t, err)
	require.NoError(t, client.Ping())

	deadline := time.Now().Add(5 * time.Second)
	for {
		handled, err := client.HandleNext()
		require.NoError(t, err)
		if handled {
			break
		}
		require.True(t, time.Now().Before(deadline), "no PINGRESP received")
	}

	waitBroker(t, done)
	require.NoError(t, client.Disconnect())
}
