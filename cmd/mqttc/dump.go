package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttv3"
)

// dumpMaxPacketSize bounds frames read in dump mode.
const dumpMaxPacketSize = 1 << 20

type dumpFlags struct {
	qos   string
	count int
}

func newDumpCommand(global *globalFlags) *cobra.Command {
	flags := &dumpFlags{}

	cmd := &cobra.Command{
		Use:   "dump <topic...>",
		Short: "Subscribe over plain TCP and print every packet received",
		Long: `Subscribe over plain TCP without the client state machine and print
every control packet received, with its raw bytes in hex. Received
messages are acknowledged and the broker is pinged as the keep alive
requires.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd, global, flags, args)
		},
	}

	cmd.Flags().StringVarP(&flags.qos, "qos", "q", "0", "requested QoS (0, 1 or 2)")
	cmd.Flags().IntVarP(&flags.count, "count", "n", 0, "exit after this many packets, 0 for no limit")

	return cmd
}

func runDump(cmd *cobra.Command, global *globalFlags, flags *dumpFlags, topics []string) error {
	qos, err := parseQoS(flags.qos)
	if err != nil {
		return err
	}

	cfg, err := resolveConfig(cmd, global)
	if err != nil {
		return err
	}

	address, err := tcpAddress(cfg.Server)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	dialer := &mqttv3.TCPDialer{Timeout: cfg.ConnectTimeout}

	conn, err := dialer.Dial(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	d := &dumper{
		conn:         conn,
		out:          cmd.OutOrStdout(),
		pingInterval: max(mqttv3.PingInterval(cfg.KeepAlive), time.Second),
	}

	err = d.run(cfg, qos, topics, flags.count)
	if ctx.Err() != nil {
		return nil
	}

	return err
}

// dumper prints raw packets read from one stream.
type dumper struct {
	conn         net.Conn
	out          io.Writer
	pingInterval time.Duration
}

func (d *dumper) run(cfg *Config, qos byte, topics []string, count int) error {
	connect := &mqttv3.ConnectPacket{
		ProtocolLevel: cfg.Protocol,
		ClientID:      cfg.ClientID,
		CleanSession:  cfg.cleanSession(),
		KeepAlive:     cfg.KeepAlive,
		Username:      cfg.Username,
		Password:      []byte(cfg.Password),
	}
	if cfg.Password == "" {
		connect.Password = nil
	}

	if err := d.write(connect); err != nil {
		return err
	}

	pkt, err := d.read()
	if err != nil {
		return fmt.Errorf("failed to read CONNACK: %w", err)
	}

	connack, ok := pkt.(*mqttv3.ConnackPacket)
	if !ok {
		return fmt.Errorf("%w: expected CONNACK, got %s", mqttv3.ErrProtocolError, pkt.Type())
	}
	if !connack.ReturnCode.IsAccepted() {
		return mqttv3.NewConnectionRefusedError(connack.ReturnCode)
	}

	filters := make([]mqttv3.TopicFilter, 0, len(topics))
	for _, topic := range topics {
		filters = append(filters, mqttv3.TopicFilter{Filter: topic, QoS: qos})
	}

	if err := d.write(&mqttv3.SubscribePacket{PacketID: 1, Filters: filters}); err != nil {
		return err
	}

	for n := 0; count == 0 || n < count; {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.pingInterval)); err != nil {
			return err
		}

		pkt, err := d.read()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if err := d.write(&mqttv3.PingreqPacket{}); err != nil {
					return err
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		n++

		if err := d.acknowledge(pkt); err != nil {
			return err
		}
	}

	return d.write(&mqttv3.DisconnectPacket{})
}

// read reads one packet and prints it.
func (d *dumper) read() (mqttv3.Packet, error) {
	pkt, n, err := mqttv3.ReadPacket(d.conn, dumpMaxPacketSize)
	if err != nil {
		return nil, err
	}

	var frame bytes.Buffer
	if _, err := mqttv3.WritePacket(&frame, pkt, dumpMaxPacketSize); err != nil {
		return nil, err
	}

	fmt.Fprintf(d.out, "<- %-11s %6d  %s\n", pkt.Type(), n, describePacket(pkt))
	fmt.Fprintf(d.out, "   % x\n", frame.Bytes())

	return pkt, nil
}

func (d *dumper) write(pkt mqttv3.Packet) error {
	n, err := mqttv3.WritePacket(d.conn, pkt, dumpMaxPacketSize)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", pkt.Type(), err)
	}

	fmt.Fprintf(d.out, "-> %-11s %6d\n", pkt.Type(), n)
	return nil
}

// acknowledge answers the packets that need a reply.
func (d *dumper) acknowledge(pkt mqttv3.Packet) error {
	switch p := pkt.(type) {
	case *mqttv3.PublishPacket:
		switch p.QoS {
		case mqttv3.QoS1:
			return d.write(&mqttv3.PubackPacket{PacketID: p.PacketID})
		case mqttv3.QoS2:
			return d.write(&mqttv3.PubrecPacket{PacketID: p.PacketID})
		}
	case *mqttv3.PubrelPacket:
		return d.write(&mqttv3.PubcompPacket{PacketID: p.PacketID})
	}

	return nil
}

func describePacket(pkt mqttv3.Packet) string {
	switch p := pkt.(type) {
	case *mqttv3.ConnackPacket:
		return fmt.Sprintf("session_present=%t return_code=%s", p.SessionPresent, p.ReturnCode)
	case *mqttv3.PublishPacket:
		return fmt.Sprintf("topic=%s qos=%d retain=%t dup=%t packet_id=%d payload=%q",
			p.Topic, p.QoS, p.Retain, p.DUP, p.PacketID, p.Payload)
	case *mqttv3.SubackPacket:
		return fmt.Sprintf("packet_id=%d return_codes=%v", p.PacketID, p.ReturnCodes)
	case mqttv3.PacketWithID:
		return fmt.Sprintf("packet_id=%d", p.GetPacketID())
	default:
		return ""
	}
}

// tcpAddress returns host:port for a tcp:// or mqtt:// server address.
// A bare host or host:port is accepted too.
func tcpAddress(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "tcp", Host: server}
	}

	switch u.Scheme {
	case "tcp", "mqtt":
	default:
		return "", fmt.Errorf("%w: dump supports tcp:// and mqtt:// only, got %s", ErrInvalidValue, u.Scheme)
	}

	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), strconv.Itoa(1883)), nil
	}

	return u.Host, nil
}
