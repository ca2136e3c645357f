package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttv3"
	"github.com/vitalvas/mqttv3/extensions/router"
)

type subFlags struct {
	qos     string
	count   int
	timeout time.Duration
	format  string
}

func newSubCommand(global *globalFlags) *cobra.Command {
	flags := &subFlags{}

	cmd := &cobra.Command{
		Use:   "sub [topic...]",
		Short: "Subscribe to topics and print received messages",
		Long: `Subscribe to topic filters and print every received message.

Filters from the command line are added to the subscriptions of the
configuration file. At least one filter is required.`,
		Example: `  mqttc sub sensors/temperature
  mqttc sub --qos 1 --count 10 "sensors/#"
  mqttc sub --format json --timeout 30s "sensors/+/status"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSub(cmd, global, flags, args)
		},
	}

	cmd.Flags().StringVarP(&flags.qos, "qos", "q", "0", "QoS level for command line filters (0, 1 or 2)")
	cmd.Flags().IntVarP(&flags.count, "count", "n", 0, "exit after this many messages, 0 for no limit")
	cmd.Flags().DurationVarP(&flags.timeout, "timeout", "t", 0, "exit after this duration, 0 for no limit")
	cmd.Flags().StringVarP(&flags.format, "format", "f", "text", "output format: text or json")

	return cmd
}

func runSub(cmd *cobra.Command, global *globalFlags, flags *subFlags, topics []string) error {
	qos, err := parseQoS(flags.qos)
	if err != nil {
		return err
	}

	cfg, err := resolveConfig(cmd, global)
	if err != nil {
		return err
	}

	printer, err := newMessagePrinter(cmd.OutOrStdout(), flags.format)
	if err != nil {
		return err
	}

	qosByFilter := make(map[string]byte)
	for _, sub := range cfg.Subscriptions {
		qosByFilter[sub.Topic] = sub.QoS
	}
	for _, topic := range topics {
		qosByFilter[topic] = qos
	}

	if len(qosByFilter) == 0 {
		return errors.New("at least one topic filter is required")
	}

	s, err := newSession(cmd, global)
	if err != nil {
		return err
	}
	defer s.Close()

	r := router.New()
	for filter := range qosByFilter {
		if err := mqttv3.ValidateTopicFilter(filter); err != nil {
			return err
		}
		r.Handle(printer.Print, router.WithTopic(filter))
	}

	var received int
	r.Handle(func(_ *mqttv3.Message) {
		received++
		if flags.count > 0 && received >= flags.count {
			s.client.Stop()
		}
	})

	subs := r.Subscriptions(qos)
	for i := range subs {
		subs[i].QoS = qosByFilter[subs[i].Topic]
	}

	if err := s.client.Subscribe(subs...); err != nil {
		return err
	}

	ctx := cmd.Context()
	if flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.timeout)
		defer cancel()
	}

	err = s.client.Loop(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return err
}

// messagePrinter writes received messages in one output format.
type messagePrinter struct {
	mu     sync.Mutex
	out    io.Writer
	format string
}

func newMessagePrinter(out io.Writer, format string) (*messagePrinter, error) {
	switch format {
	case "text", "json":
		return &messagePrinter{out: out, format: format}, nil
	default:
		return nil, fmt.Errorf("%w: format %q", ErrInvalidValue, format)
	}
}

type jsonMessage struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain,omitempty"`
	DUP     bool   `json:"dup,omitempty"`
}

// Print writes msg as one line.
func (p *messagePrinter) Print(msg *mqttv3.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == "json" {
		data, _ := json.Marshal(jsonMessage{
			Topic:   msg.Topic,
			Payload: string(msg.Payload),
			QoS:     msg.QoS,
			Retain:  msg.Retain,
			DUP:     msg.DUP,
		})
		fmt.Fprintf(p.out, "%s\n", data)
		return
	}

	fmt.Fprintf(p.out, "%s %s\n", msg.Topic, msg.Payload)
}
