package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/agrivision-core/internal/infrastructure/logging"
	"github.com/nerrad567/agrivision-core/internal/infrastructure/mqtt"
)

// MQTTClient is the part of mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Bridge connects a Gateway to an MQTT broker: requests published on
// {prefix}/command are pushed into the gateway, and every report is
// published on {prefix}/event/{type}.
type Bridge struct {
	client MQTTClient
	gw     *Gateway
	topics mqtt.Topics
	qos    byte
	logger *logging.Logger
}

// NewBridge creates a bridge. Call Run to start it.
func NewBridge(client MQTTClient, gw *Gateway, topics mqtt.Topics, qos byte, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bridge{
		client: client,
		gw:     gw,
		topics: topics,
		qos:    qos,
		logger: logger.Component("mqtt-bridge"),
	}
}

// Run forwards messages in both directions until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	// Subscribe before registering the command handler so no report
	// produced in reply to an early command is missed.
	sub := b.gw.Subscribe()
	defer b.gw.Unsubscribe(sub)

	if err := b.client.Subscribe(b.topics.Command(), b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.topics.Command(), err)
	}
	defer func() {
		if err := b.client.Unsubscribe(b.topics.Command()); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			b.logger.Warn("unsubscribing command topic failed", "error", err)
		}
	}()

	b.logger.Info("mqtt bridge started", "command_topic", b.topics.Command())
	for {
		msg, ok := sub.Recv(ctx)
		if !ok {
			return ctx.Err()
		}
		b.publish(msg)
	}
}

func (b *Bridge) handleCommand(_ string, payload []byte) error {
	msg, err := DecodeIncoming(payload)
	if err != nil {
		b.gw.Send(Error{Text: err.Error()})
		return err
	}
	if err := b.gw.Push(msg); err != nil {
		b.gw.Send(Error{Text: fmt.Sprintf("%s rejected: %v", msg.Type(), err)})
		return err
	}
	return nil
}

func (b *Bridge) publish(msg Outgoing) {
	data, err := Encode(msg)
	if err != nil {
		b.logger.Error("encoding report failed", "type", msg.Type(), "error", err)
		return
	}
	if err := b.client.Publish(b.topics.Event(msg.Type()), data, b.qos, false); err != nil {
		b.logger.Warn("publishing report failed", "type", msg.Type(), "error", err)
	}
}
