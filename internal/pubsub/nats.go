package pubsub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfigOptions configures how channels map onto NATS subjects.
type NATSConfigOptions struct {
	URL string
	// SubjectPrefix is prepended to channel names, separated by ".".
	SubjectPrefix    string
	SubscribeTimeout time.Duration
}

// NATSBroker maps channels onto subjects of a shared NATS connection.
type NATSBroker struct {
	conn   *nats.Conn
	config NATSConfigOptions
	codec  Codec
	logger zerolog.Logger
}

// NewNATSBroker returns a broker publishing through conn.
func NewNATSBroker(conn *nats.Conn, codec Codec, logger *zerolog.Logger, config NATSConfigOptions) *NATSBroker {
	if config.SubscribeTimeout <= 0 {
		config.SubscribeTimeout = defaultSubscribeTimeout
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	return &NATSBroker{
		conn:   conn,
		config: config,
		codec:  codec,
		logger: logger.With().Str("component", "nats-broker").Logger(),
	}
}

// ConnectNATS dials url and logs connection state changes. Handlers in opts replace the
// logging ones.
func ConnectNATS(url string, logger *zerolog.Logger, opts ...nats.Option) (*nats.Conn, error) {
	l := logger.With().Str("component", "nats-client").Str("url", url).Logger()
	nc, err := nats.Connect(url, append([]nats.Option{
		nats.Name("tablehub"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			l.Info().Msg("reconnected")
		}),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("could not connect to NATS: %w", err)
	}
	return nc, nil
}

type natsChannel struct {
	channelCore
	broker  *NATSBroker
	subject string

	subMu sync.Mutex
	sub   *nats.Subscription
}

func (b *NATSBroker) subject(name string) string {
	if b.config.SubjectPrefix == "" {
		return name
	}
	return b.config.SubjectPrefix + "." + name
}

// Channel returns a new unsubscribed channel on subject name.
func (b *NATSBroker) Channel(name string, config ChannelConfig) Channel {
	c := &natsChannel{broker: b, subject: b.subject(name)}
	c.init(name, config)
	return c
}

// RemoveChannel drops the channel's subscription and reports StatusClosed.
func (b *NATSBroker) RemoveChannel(ch Channel) error {
	nc, ok := ch.(*natsChannel)
	if !ok || nc.broker != b {
		return ErrForeignChannel
	}

	nc.subMu.Lock()
	sub := nc.sub
	nc.sub = nil
	nc.subMu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		nc.report(StatusClosed, err)
		return fmt.Errorf("could not unsubscribe from %s: %w", nc.subject, err)
	}
	nc.report(StatusClosed, nil)
	return nil
}

func (c *natsChannel) Subscribe(callback StatusFunc) {
	c.setStatusFunc(callback)
	logger := c.broker.logger.With().Str("subject", c.subject).Logger()

	sub, err := c.broker.conn.Subscribe(c.subject, func(m *nats.Msg) {
		env, err := c.broker.codec.decode(m.Data)
		if err != nil {
			logger.Err(err).Msg("could not decode message")
			return
		}
		c.deliver(env)
	})
	if err != nil {
		logger.Err(err).Msg("could not subscribe")
		go c.report(StatusChannelError, err)
		return
	}

	c.subMu.Lock()
	c.sub = sub
	c.subMu.Unlock()

	// The flush round trip confirms the server registered the interest.
	go func() {
		if err := c.broker.conn.FlushTimeout(c.broker.config.SubscribeTimeout); err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				c.report(StatusTimedOut, ErrSubscribeTimeout)
				return
			}
			logger.Err(err).Msg("could not confirm subscription")
			c.report(StatusChannelError, err)
			return
		}
		logger.Info().Msg("subscribed")
		c.report(StatusSubscribed, nil)
	}()
}

func (c *natsChannel) Send(msg Message) error {
	c.subMu.Lock()
	subscribed := c.sub != nil
	c.subMu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}
	if !c.broker.conn.IsConnected() {
		return fmt.Errorf("could not publish to %s: %w", c.subject, ErrBrokerUnavailable)
	}

	payload, err := c.broker.codec.encode(c.envelope(msg))
	if err != nil {
		return fmt.Errorf("could not encode message: %w", err)
	}
	if err := c.broker.conn.Publish(c.subject, payload); err != nil {
		return fmt.Errorf("could not publish to %s: %w", c.subject, err)
	}
	return nil
}
