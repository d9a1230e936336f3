// Package pubsub is the hosted channel primitive signaling is layered on.
// A Broker hands out named broadcast channels. Parties subscribed to the same channel name
// receive each other's broadcasts; nothing is stored, messages are fire-and-forget.
//
// Three brokers are provided: an in-process MemoryBroker, an MQTT broker and a NATS broker.
package pubsub

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MessageType is the kind of message carried by a channel.
type MessageType string

// MessageBroadcast is the only message type channels carry.
const MessageBroadcast MessageType = "broadcast"

// Status is a subscription status reported to a StatusFunc.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// Terminal reports whether a subscription in this status will never deliver messages.
func (s Status) Terminal() bool {
	return s == StatusTimedOut || s == StatusClosed || s == StatusChannelError
}

var (
	// ErrNotSubscribed is returned by Send on a channel that is not subscribed.
	ErrNotSubscribed = errors.New("channel is not subscribed")
	// ErrSubscribeTimeout is reported with StatusTimedOut.
	ErrSubscribeTimeout = errors.New("subscribe timed out")
	// ErrBrokerUnavailable is returned by Send while the broker connection is down.
	ErrBrokerUnavailable = errors.New("broker connection is not open")
	// ErrForeignChannel is returned when a broker is asked to remove a channel it did not create.
	ErrForeignChannel = errors.New("channel does not belong to this broker")
)

// Message is one broadcast on a channel. Payload is a JSON document.
type Message struct {
	Type    MessageType
	Event   string
	Payload []byte
}

// Filter selects messages by event name. An empty Event matches every event.
type Filter struct {
	Event string
}

// Handler receives messages delivered to a channel.
type Handler func(msg Message)

// StatusFunc observes subscription status changes.
type StatusFunc func(status Status, err error)

// ChannelConfig configures a channel.
type ChannelConfig struct {
	// BroadcastSelf delivers a channel's own sends back to it.
	BroadcastSelf bool
}

// Channel is a handle on a named broadcast topic.
type Channel interface {
	// Name returns the channel name given to Broker.Channel.
	Name() string
	// On registers handler for messages of type typ matching filter.
	On(typ MessageType, filter Filter, handler Handler)
	// Subscribe starts receiving. Callback is invoked, possibly from another goroutine,
	// with StatusSubscribed or a terminal status.
	Subscribe(callback StatusFunc)
	// Send broadcasts msg to all other subscribers of the channel.
	Send(msg Message) error
}

// Broker creates and removes channels.
type Broker interface {
	Channel(name string, config ChannelConfig) Channel
	RemoveChannel(ch Channel) error
}

// envelope is what travels on the wire.
type envelope struct {
	Type    MessageType
	Event   string
	Payload []byte
	// Sender is the channel instance id, used to suppress self delivery.
	Sender string
}

type route struct {
	typ     MessageType
	filter  Filter
	handler Handler
}

// channelCore holds the routing shared by all channel implementations.
type channelCore struct {
	id     string
	name   string
	config ChannelConfig

	mu     sync.RWMutex
	routes []route
	status StatusFunc
}

func (c *channelCore) init(name string, config ChannelConfig) {
	c.id = uuid.NewString()
	c.name = name
	c.config = config
}

func (c *channelCore) Name() string {
	return c.name
}

func (c *channelCore) On(typ MessageType, filter Filter, handler Handler) {
	c.mu.Lock()
	c.routes = append(c.routes, route{typ: typ, filter: filter, handler: handler})
	c.mu.Unlock()
}

func (c *channelCore) setStatusFunc(fn StatusFunc) {
	c.mu.Lock()
	c.status = fn
	c.mu.Unlock()
}

func (c *channelCore) report(status Status, err error) {
	c.mu.RLock()
	fn := c.status
	c.mu.RUnlock()
	if fn != nil {
		fn(status, err)
	}
}

func (c *channelCore) envelope(msg Message) envelope {
	typ := msg.Type
	if typ == "" {
		typ = MessageBroadcast
	}
	return envelope{
		Type:    typ,
		Event:   msg.Event,
		Payload: msg.Payload,
		Sender:  c.id,
	}
}

// deliver routes env to matching handlers.
func (c *channelCore) deliver(env envelope) {
	if env.Sender == c.id && !c.config.BroadcastSelf {
		return
	}

	c.mu.RLock()
	routes := c.routes
	c.mu.RUnlock()

	msg := Message{Type: env.Type, Event: env.Event, Payload: env.Payload}
	for _, r := range routes {
		if r.typ != env.Type {
			continue
		}
		if r.filter.Event != "" && r.filter.Event != env.Event {
			continue
		}
		r.handler(msg)
	}
}
