package mqttv3

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectPacketEncode(t *testing.T) {
	tests := []struct {
		name   string
		packet ConnectPacket
		want   []byte
	}{
		{
			name: "mqtt 3.1.1 clean session",
			packet: ConnectPacket{
				ProtocolLevel: ProtocolMQTT311,
				ClientID:      "abc",
				CleanSession:  true,
				KeepAlive:     10,
			},
			want: []byte{
				0x10, 0x0F,
				0x00, 0x04, 'M', 'Q', 'T', 'T',
				0x04, 0x02, 0x00, 0x0A,
				0x00, 0x03, 'a', 'b', 'c',
			},
		},
		{
			name: "mqtt 3.1",
			packet: ConnectPacket{
				ProtocolLevel: ProtocolMQTT31,
				ClientID:      "abc",
				CleanSession:  true,
				KeepAlive:     10,
			},
			want: []byte{
				0x10, 0x11,
				0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p',
				0x03, 0x02, 0x00, 0x0A,
				0x00, 0x03, 'a', 'b', 'c',
			},
		},
		{
			name: "credentials",
			packet: ConnectPacket{
				ProtocolLevel: ProtocolMQTT311,
				ClientID:      "c",
				CleanSession:  true,
				KeepAlive:     60,
				Username:      "u",
				Password:      []byte("p"),
			},
			want: []byte{
				0x10, 0x13,
				0x00, 0x04, 'M', 'Q', 'T', 'T',
				0x04, 0xC2, 0x00, 0x3C,
				0x00, 0x01, 'c',
				0x00, 0x01, 'u',
				0x00, 0x01, 'p',
			},
		},
		{
			name: "will without clean session",
			packet: ConnectPacket{
				ProtocolLevel: ProtocolMQTT311,
				ClientID:      "c",
				KeepAlive:     0,
				WillFlag:      true,
				WillRetain:    true,
				WillQoS:       QoS1,
				WillTopic:     "w",
				WillPayload:   []byte("bye"),
			},
			want: []byte{
				0x10, 0x15,
				0x00, 0x04, 'M', 'Q', 'T', 'T',
				0x04, 0x2C, 0x00, 0x00,
				0x00, 0x01, 'c',
				0x00, 0x01, 'w',
				0x00, 0x03, 'b', 'y', 'e',
			},
		},
		{
			name: "will qos ignored without will flag",
			packet: ConnectPacket{
				ProtocolLevel: ProtocolMQTT311,
				ClientID:      "c",
				WillQoS:       QoS2,
				WillRetain:    true,
			},
			want: []byte{
				0x10, 0x0D,
				0x00, 0x04, 'M', 'Q', 'T', 'T',
				0x04, 0x00, 0x00, 0x00,
				0x00, 0x01, 'c',
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := tt.packet.Encode(&buf)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
			assert.Equal(t, tt.want, buf.Bytes())
		})
	}
}

func TestConnectPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet ConnectPacket
	}{
		{
			name:   "minimal",
			packet: ConnectPacket{ProtocolLevel: ProtocolMQTT311, ClientID: "id", CleanSession: true},
		},
		{
			name: "everything",
			packet: ConnectPacket{
				ProtocolLevel: ProtocolMQTT31,
				ClientID:      "client-1",
				KeepAlive:     300,
				Username:      "user",
				Password:      []byte{0x00, 0xFF, 's'},
				WillFlag:      true,
				WillQoS:       QoS2,
				WillTopic:     "clients/1/status",
				WillPayload:   []byte("offline"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := tt.packet.Encode(&buf)
			require.NoError(t, err)

			pkt, n, err := ReadPacket(&buf, 0)
			require.NoError(t, err)
			assert.Positive(t, n)

			decoded, ok := pkt.(*ConnectPacket)
			require.True(t, ok)
			assert.Equal(t, tt.packet, *decoded)
		})
	}
}

func TestConnectPacketDecodeErrors(t *testing.T) {
	header := FixedHeader{PacketType: PacketCONNECT}

	tests := []struct {
		name    string
		body    []byte
		header  FixedHeader
		wantErr error
	}{
		{
			name:    "wrong packet type",
			header:  FixedHeader{PacketType: PacketCONNACK},
			wantErr: ErrInvalidPacketType,
		},
		{
			name:    "unsupported level",
			body:    []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x05, 0x02, 0x00, 0x0A},
			header:  header,
			wantErr: ErrInvalidProtocolVersion,
		},
		{
			name:    "name does not match level",
			body:    []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x03, 0x02, 0x00, 0x0A},
			header:  header,
			wantErr: ErrInvalidProtocolName,
		},
		{
			name:    "reserved flag set",
			body:    []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x03, 0x00, 0x0A},
			header:  header,
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "will qos without will flag",
			body:    []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x08, 0x00, 0x0A},
			header:  header,
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "will qos 3",
			body:    []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x1C, 0x00, 0x0A},
			header:  header,
			wantErr: ErrInvalidConnectFlags,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ConnectPacket
			_, err := p.Decode(bytes.NewReader(tt.body), tt.header)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConnectPacketValidate(t *testing.T) {
	tests := []struct {
		name    string
		packet  ConnectPacket
		wantErr error
	}{
		{name: "valid", packet: ConnectPacket{ProtocolLevel: ProtocolMQTT311}},
		{name: "level 5", packet: ConnectPacket{ProtocolLevel: 5}, wantErr: ErrInvalidProtocolVersion},
		{name: "level 0", packet: ConnectPacket{}, wantErr: ErrInvalidProtocolVersion},
		{
			name:    "will qos 3",
			packet:  ConnectPacket{ProtocolLevel: ProtocolMQTT311, WillFlag: true, WillQoS: 3},
			wantErr: ErrInvalidConnectFlags,
		},
		{
			name:    "client id too long",
			packet:  ConnectPacket{ProtocolLevel: ProtocolMQTT311, ClientID: strings.Repeat("a", maxUint16+1)},
			wantErr: ErrStringTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.packet.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				_, err = tt.packet.Encode(&bytes.Buffer{})
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestProtocolName(t *testing.T) {
	assert.Equal(t, "MQIsdp", ProtocolName(ProtocolMQTT31))
	assert.Equal(t, "MQTT", ProtocolName(ProtocolMQTT311))
	assert.Empty(t, ProtocolName(5))
	assert.Equal(t, PacketCONNECT, (&ConnectPacket{}).Type())
}

func BenchmarkConnectPacketEncode(b *testing.B) {
	p := &ConnectPacket{
		ProtocolLevel: ProtocolMQTT311,
		ClientID:      "benchmark-client",
		CleanSession:  true,
		KeepAlive:     60,
		Username:      "user",
		Password:      []byte("password"),
	}

	var buf bytes.Buffer
	for b.Loop() {
		buf.Reset()
		_, _ = p.Encode(&buf)
	}
}
