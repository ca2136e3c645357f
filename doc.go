// Package mqttv3 provides a synchronous MQTT 3.1 and 3.1.1 client.
//
// This package implements the MQTT Version 3.1.1 OASIS Standard:
// https://docs.oasis-open.org/mqtt/mqtt/v3.1.1/mqtt-v3.1.1.html
// and the older MQTT 3.1 protocol ("MQIsdp").
//
// # Features
//
//   - All 14 MQTT 3.1.1 control packet types
//   - QoS 0, 1, 2 message flows in both directions
//   - Topic matching with wildcard support (+, #)
//   - Transport: TCP, TLS, WebSocket, WSS, Unix socket, QUIC
//   - HTTP CONNECT and SOCKS5 proxies
//   - Persistent streams for non-clean sessions
//   - slog logging and Prometheus metrics adapters
//
// # Packet Types
//
// The package provides structs for all MQTT 3.1.1 control packets:
//
//   - ConnectPacket, ConnackPacket: Connection establishment
//   - PublishPacket, PubackPacket, PubrecPacket, PubrelPacket, PubcompPacket: Message delivery
//   - SubscribePacket, SubackPacket: Topic subscription
//   - UnsubscribePacket, UnsubackPacket: Topic unsubscription
//   - PingreqPacket, PingrespPacket: Keep-alive
//   - DisconnectPacket: Connection termination
//
// Use ReadPacket and WritePacket to read/write whole packets:
//
//	pkt, n, err := mqttv3.ReadPacket(conn, maxPacketSize)
//	n, err := mqttv3.WritePacket(conn, packet, maxPacketSize)
//
// # Client
//
// The client has no background goroutines. It connects on the first
// operation, and inbound packets are processed only by HandleNext, Loop and
// while a QoS 1/2 Publish, Subscribe or Unsubscribe waits for its
// acknowledgement:
//
//	client, err := mqttv3.New(
//	    mqttv3.WithServer("tcp://localhost:1883"),
//	    mqttv3.WithClientID("my-client"),
//	    mqttv3.WithKeepAlive(60),
//	)
//	defer client.Close()
//
//	err = client.Subscribe(mqttv3.Subscription{
//	    Topic: "sensors/+/temperature",
//	    QoS:   mqttv3.QoS1,
//	    Handler: func(msg *mqttv3.Message) {
//	        fmt.Printf("%s: %s\n", msg.Topic, msg.Payload)
//	    },
//	})
//
//	err = client.Loop(ctx)
//
// Handlers run on the goroutine that dispatches the packet. A received
// message is acknowledged when the handler calls Message.Confirm, or
// automatically after the handler returns.
//
// Publishing:
//
//	err := client.Publish(&mqttv3.Message{
//	    Topic:   "sensors/kitchen/temperature",
//	    Payload: []byte("21.5"),
//	    QoS:     mqttv3.QoS2,
//	})
//
// # Connection Loss
//
// Nothing is retried. A lost stream fails the current operation with
// ErrConnectionLost; the next operation dials again and replays the
// registered subscriptions.
//
// # Error Handling
//
// Errors are matched with errors.Is and errors.As:
//
//	var refused *mqttv3.ConnectionRefusedError
//	if errors.As(err, &refused) {
//	    log.Printf("refused: %s", refused.Reason)
//	}
//
//	if errors.Is(err, mqttv3.ErrAuthFailed) {
//	    // bad user name or password, or not authorized
//	}
package mqttv3
