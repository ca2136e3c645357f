package mqttv3

import (
	"bytes"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWritePacketRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{name: "CONNECT", packet: &ConnectPacket{ProtocolLevel: ProtocolMQTT311, ClientID: "test-client", CleanSession: true, KeepAlive: 60}},
		{name: "CONNACK", packet: &ConnackPacket{SessionPresent: true, ReturnCode: ReturnAccepted}},
		{name: "PUBLISH QoS0", packet: &PublishPacket{Topic: "test/topic", Payload: []byte("hello")}},
		{name: "PUBLISH QoS1", packet: &PublishPacket{Topic: "test/topic", Payload: []byte("hello"), QoS: QoS1, PacketID: 1}},
		{name: "PUBACK", packet: &PubackPacket{PacketID: 1}},
		{name: "PUBREC", packet: &PubrecPacket{PacketID: 2}},
		{name: "PUBREL", packet: &PubrelPacket{PacketID: 3}},
		{name: "PUBCOMP", packet: &PubcompPacket{PacketID: 4}},
		{name: "SUBSCRIBE", packet: &SubscribePacket{PacketID: 5, Filters: []TopicFilter{{Filter: "a/+", QoS: QoS2}}}},
		{name: "SUBACK", packet: &SubackPacket{PacketID: 5, ReturnCodes: []byte{SubackGrantedQoS2}}},
		{name: "UNSUBSCRIBE", packet: &UnsubscribePacket{PacketID: 6, TopicFilters: []string{"a/+"}}},
		{name: "UNSUBACK", packet: &UnsubackPacket{PacketID: 6}},
		{name: "PINGREQ", packet: &PingreqPacket{}},
		{name: "PINGRESP", packet: &PingrespPacket{}},
		{name: "DISCONNECT", packet: &DisconnectPacket{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			written, err := WritePacket(&buf, tt.packet, 0)
			require.NoError(t, err)

			pkt, read, err := ReadPacket(&buf, 0)
			require.NoError(t, err)
			assert.Equal(t, written, read)
			assert.Equal(t, tt.packet, pkt)
			assert.Zero(t, buf.Len())
		})
	}
}

func TestReadPacketSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := range 5 {
		_, err := WritePacket(&buf, &PubackPacket{PacketID: uint16(i + 1)}, 0)
		require.NoError(t, err)
	}

	for i := range 5 {
		pkt, _, err := ReadPacket(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, uint16(i+1), pkt.(*PubackPacket).PacketID)
	}

	_, _, err := ReadPacket(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPacketErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		maxSize uint32
		wantErr error
	}{
		{name: "reserved type 0", input: []byte{0x00, 0x00}, wantErr: ErrInvalidPacketType},
		{name: "reserved type 15", input: []byte{0xF0, 0x00}, wantErr: ErrInvalidPacketType},
		{name: "too large", input: []byte{0x30, 0x0A}, maxSize: 5, wantErr: ErrPacketTooLarge},
		{name: "pubrel without flags", input: []byte{0x60, 0x02, 0x00, 0x01}, wantErr: ErrInvalidPacketFlags},
		{name: "publish qos 3", input: []byte{0x36, 0x02, 0x00, 0x00}, wantErr: ErrInvalidPacketFlags},
		{name: "truncated body", input: []byte{0x40, 0x02, 0x00}, wantErr: io.ErrUnexpectedEOF},
		{name: "short ack", input: []byte{0x40, 0x01, 0x00}, wantErr: ErrInvalidAckLength},
		{name: "empty", input: nil, wantErr: io.EOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadPacket(bytes.NewReader(tt.input), tt.maxSize)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWritePacketErrors(t *testing.T) {
	t.Run("invalid packet", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := WritePacket(&buf, &PubackPacket{}, 0)
		assert.ErrorIs(t, err, ErrPacketIDRequired)
		assert.Zero(t, buf.Len())
	})

	t.Run("too large", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := WritePacket(&buf, &PublishPacket{Topic: "t", Payload: make([]byte, 100)}, 50)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
		assert.Zero(t, buf.Len())
	})

	t.Run("within limit", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := WritePacket(&buf, &PublishPacket{Topic: "t", Payload: []byte("x")}, 50)
		require.NoError(t, err)
		assert.Equal(t, buf.Len(), n)
	})
}

func TestNewPacket(t *testing.T) {
	for pt := PacketCONNECT; pt <= PacketDISCONNECT; pt++ {
		pkt, err := newPacket(pt)
		require.NoError(t, err)
		assert.Equal(t, pt, pkt.Type())
	}

	_, err := newPacket(0)
	assert.ErrorIs(t, err, ErrUnknownPacketType)
}

func TestEncodePacket(t *testing.T) {
	data, err := encodePacket(&PubrelPacket{PacketID: 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x62, 0x02, 0x00, 0x09}, data)

	_, err = encodePacket(&PubrelPacket{})
	assert.Error(t, err)
}

func FuzzReadPacket(f *testing.F) {
	f.Add([]byte{0x10, 0x0D, 0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04, 0x02, 0x00, 0x0A, 0x00, 0x01, 'c'})
	f.Add([]byte{0x32, 0x06, 0x00, 0x01, 'a', 0x00, 0x01, 'x'})
	f.Add([]byte{0x90, 0x03, 0x00, 0x01, 0x80})

	f.Fuzz(func(_ *testing.T, data []byte) {
		_, _, _ = ReadPacket(bytes.NewReader(data), 1<<16)
	})
}

func BenchmarkReadPacket(b *testing.B) {
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(rand.IntN(256))
	}

	data, err := encodePacket(&PublishPacket{Topic: "bench/topic", Payload: payload, QoS: QoS1, PacketID: 1})
	if err != nil {
		b.Fatal(err)
	}

	r := bytes.NewReader(data)
	for b.Loop() {
		r.Reset(data)
		_, _, _ = ReadPacket(r, 0)
	}
}
