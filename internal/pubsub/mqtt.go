package pubsub

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const defaultSubscribeTimeout = 5 * time.Second

// MQTTClientConfigOptions configures how channels map onto MQTT topics.
type MQTTClientConfigOptions struct {
	// TopicPrefix is prepended to channel names, separated by "/".
	TopicPrefix      string
	Qos              uint `validate:"lte=2"`
	Retained         bool
	SubscribeTimeout time.Duration
}

// MQTTBroker maps channels onto MQTT topics of a shared client. Channels on the same topic
// share one MQTT subscription.
type MQTTBroker struct {
	client mqtt.Client
	config MQTTClientConfigOptions
	codec  Codec
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]map[*mqttChannel]struct{}
}

// NewMQTTBroker returns a broker publishing through client, which must be connected by the caller.
// Call Resubscribe from the client's connect handler so subscriptions survive reconnects.
func NewMQTTBroker(client mqtt.Client, codec Codec, logger *zerolog.Logger, config MQTTClientConfigOptions) *MQTTBroker {
	if config.SubscribeTimeout <= 0 {
		config.SubscribeTimeout = defaultSubscribeTimeout
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	return &MQTTBroker{
		client: client,
		config: config,
		codec:  codec,
		logger: logger.With().Str("component", "mqtt-broker").Logger(),
		topics: make(map[string]map[*mqttChannel]struct{}),
	}
}

type mqttChannel struct {
	channelCore
	broker *MQTTBroker
	topic  string
}

func (b *MQTTBroker) topic(name string) string {
	if b.config.TopicPrefix == "" {
		return name
	}
	return b.config.TopicPrefix + "/" + name
}

// Channel returns a new unsubscribed channel on topic name.
func (b *MQTTBroker) Channel(name string, config ChannelConfig) Channel {
	c := &mqttChannel{broker: b, topic: b.topic(name)}
	c.init(name, config)
	return c
}

// RemoveChannel detaches the channel and reports StatusClosed. The topic is unsubscribed
// once its last channel is removed.
func (b *MQTTBroker) RemoveChannel(ch Channel) error {
	mc, ok := ch.(*mqttChannel)
	if !ok || mc.broker != b {
		return ErrForeignChannel
	}

	subscribed, last := b.drop(mc)
	if !subscribed {
		return nil
	}
	if last {
		t := b.client.Unsubscribe(mc.topic)
		if !t.WaitTimeout(b.config.SubscribeTimeout) {
			b.logger.Warn().Str("topic", mc.topic).Msg("timed out unsubscribing")
		} else if t.Error() != nil {
			mc.report(StatusClosed, t.Error())
			return fmt.Errorf("could not unsubscribe from %s: %w", mc.topic, t.Error())
		}
	}
	mc.report(StatusClosed, nil)
	return nil
}

// Resubscribe subscribes every topic that has channels again. Channels whose topic cannot be
// subscribed are detached and get the terminal status.
func (b *MQTTBroker) Resubscribe() {
	b.mu.Lock()
	topics := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		topic := topic
		b.subscribe(topic, func(status Status, err error) {
			if !status.Terminal() {
				return
			}
			for _, c := range b.members(topic) {
				b.drop(c)
				c.report(status, err)
			}
		})
	}
	b.logger.Info().Int("topics", len(topics)).Msg("resubscribed")
}

// subscribe issues the MQTT subscription for topic and reports the outcome to notify.
func (b *MQTTBroker) subscribe(topic string, notify StatusFunc) {
	logger := b.logger.With().Str("topic", topic).Logger()
	t := b.client.Subscribe(topic, byte(b.config.Qos), b.route(topic, &logger))
	// Blocking in paho callbacks causes deadlocks, so the token is awaited in its own goroutine.
	go func() {
		if !t.WaitTimeout(b.config.SubscribeTimeout) {
			logger.Warn().Dur("timeout", b.config.SubscribeTimeout).Msg("timed out subscribing")
			notify(StatusTimedOut, ErrSubscribeTimeout)
			return
		}
		if t.Error() != nil {
			logger.Err(t.Error()).Msg("could not subscribe")
			notify(StatusChannelError, t.Error())
			return
		}
		logger.Info().Msg("subscribed")
		notify(StatusSubscribed, nil)
	}()
}

// route delivers a topic's messages to every channel on it.
func (b *MQTTBroker) route(topic string, logger *zerolog.Logger) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		env, err := b.codec.decode(m.Payload())
		if err != nil {
			logger.Err(err).Msg("could not decode message")
			return
		}
		for _, c := range b.members(topic) {
			e := env
			e.Payload = append([]byte(nil), env.Payload...)
			c.deliver(e)
		}
	}
}

func (b *MQTTBroker) members(topic string) []*mqttChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := make([]*mqttChannel, 0, len(b.topics[topic]))
	for c := range b.topics[topic] {
		cs = append(cs, c)
	}
	return cs
}

func (b *MQTTBroker) attach(c *mqttChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.topics[c.topic]
	if !ok {
		members = make(map[*mqttChannel]struct{})
		b.topics[c.topic] = members
	}
	members[c] = struct{}{}
}

// drop detaches c. It reports whether c was attached and whether it was the topic's last channel.
func (b *MQTTBroker) drop(c *mqttChannel) (attached, last bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.topics[c.topic]
	if !ok {
		return false, false
	}
	if _, attached = members[c]; !attached {
		return false, false
	}
	delete(members, c)
	if len(members) == 0 {
		delete(b.topics, c.topic)
		return true, true
	}
	return true, false
}

func (b *MQTTBroker) attached(c *mqttChannel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[c.topic][c]
	return ok
}

func (c *mqttChannel) Subscribe(callback StatusFunc) {
	c.setStatusFunc(callback)
	c.broker.attach(c)
	c.broker.subscribe(c.topic, func(status Status, err error) {
		if status.Terminal() {
			c.broker.drop(c)
		}
		c.report(status, err)
	})
}

func (c *mqttChannel) Send(msg Message) error {
	if !c.broker.attached(c) {
		return ErrNotSubscribed
	}
	if !c.broker.client.IsConnectionOpen() {
		return fmt.Errorf("could not publish to %s: %w", c.topic, ErrBrokerUnavailable)
	}
	payload, err := c.broker.codec.encode(c.envelope(msg))
	if err != nil {
		return fmt.Errorf("could not encode message: %w", err)
	}
	t := c.broker.client.Publish(c.topic, byte(c.broker.config.Qos), c.broker.config.Retained, payload)
	// Handle the token in a goroutine so senders never wait on delivery.
	go func() {
		<-t.Done()
		if t.Error() != nil {
			c.broker.logger.Err(t.Error()).Str("topic", c.topic).Str("event", msg.Event).Msg("could not publish")
		}
	}()
	return nil
}
