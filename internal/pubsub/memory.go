package pubsub

import (
	"sync"
)

// MemoryBroker is an in-process broker. Delivery is synchronous: Send returns after every
// other subscriber's handlers ran.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string]map[*memoryChannel]struct{}
}

// NewMemoryBroker returns an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics: make(map[string]map[*memoryChannel]struct{}),
	}
}

type memoryChannel struct {
	channelCore
	broker *MemoryBroker
}

// Channel returns a new unsubscribed channel on topic name.
func (b *MemoryBroker) Channel(name string, config ChannelConfig) Channel {
	c := &memoryChannel{broker: b}
	c.init(name, config)
	return c
}

// RemoveChannel unsubscribes ch and reports StatusClosed to its status callback.
func (b *MemoryBroker) RemoveChannel(ch Channel) error {
	mc, ok := ch.(*memoryChannel)
	if !ok || mc.broker != b {
		return ErrForeignChannel
	}

	b.mu.Lock()
	members, subscribed := b.topics[mc.name]
	if subscribed {
		_, subscribed = members[mc]
		delete(members, mc)
		if len(members) == 0 {
			delete(b.topics, mc.name)
		}
	}
	b.mu.Unlock()

	if subscribed {
		mc.report(StatusClosed, nil)
	}
	return nil
}

// Subscribers returns the number of subscribed channels on topic name.
func (b *MemoryBroker) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[name])
}

func (c *memoryChannel) Subscribe(callback StatusFunc) {
	c.setStatusFunc(callback)

	c.broker.mu.Lock()
	members, ok := c.broker.topics[c.name]
	if !ok {
		members = make(map[*memoryChannel]struct{})
		c.broker.topics[c.name] = members
	}
	members[c] = struct{}{}
	c.broker.mu.Unlock()

	c.report(StatusSubscribed, nil)
}

func (c *memoryChannel) Send(msg Message) error {
	c.broker.mu.RLock()
	members := c.broker.topics[c.name]
	if _, ok := members[c]; !ok {
		c.broker.mu.RUnlock()
		return ErrNotSubscribed
	}
	targets := make([]*memoryChannel, 0, len(members))
	for m := range members {
		targets = append(targets, m)
	}
	c.broker.mu.RUnlock()

	env := c.envelope(msg)
	for _, t := range targets {
		// Each receiver gets its own copy of the payload.
		e := env
		e.Payload = append([]byte(nil), env.Payload...)
		t.deliver(e)
	}
	return nil
}
