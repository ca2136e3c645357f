package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttv3"
)

type pubFlags struct {
	qos    string
	retain bool
	repeat int
}

func newPubCommand(global *globalFlags) *cobra.Command {
	flags := &pubFlags{}

	cmd := &cobra.Command{
		Use:   "pub <topic> <message>",
		Short: "Publish a message to a topic",
		Long: `Publish a message to a topic.

The message is taken literally, read from a file when prefixed with @,
or read from standard input when it is a single -.`,
		Example: `  mqttc pub sensors/temperature 25.5
  mqttc pub --qos 2 --retain sensors/config @config.json
  echo 25.5 | mqttc pub sensors/temperature -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPub(cmd, global, flags, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&flags.qos, "qos", "q", "0", "QoS level (0, 1 or 2)")
	cmd.Flags().BoolVarP(&flags.retain, "retain", "r", false, "ask the broker to retain the message")
	cmd.Flags().IntVar(&flags.repeat, "repeat", 1, "publish the message this many times")

	return cmd
}

func runPub(cmd *cobra.Command, global *globalFlags, flags *pubFlags, topic, message string) error {
	qos, err := parseQoS(flags.qos)
	if err != nil {
		return err
	}

	if err := mqttv3.ValidateTopicName(topic); err != nil {
		return err
	}

	payload, err := readPayload(message, cmd.InOrStdin())
	if err != nil {
		return err
	}

	s, err := newSession(cmd, global)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()

	for range max(flags.repeat, 1) {
		err := s.client.PublishContext(ctx, &mqttv3.Message{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
			Retain:  flags.retain,
		})
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes to %s\n", len(payload), topic)
	return nil
}

// readPayload resolves the @file and - forms of a message argument.
func readPayload(message string, stdin io.Reader) ([]byte, error) {
	switch {
	case message == "-":
		payload, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read message from stdin: %w", err)
		}
		return payload, nil

	case len(message) > 1 && message[0] == '@':
		payload, err := os.ReadFile(message[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read message file: %w", err)
		}
		return payload, nil

	default:
		return []byte(message), nil
	}
}
