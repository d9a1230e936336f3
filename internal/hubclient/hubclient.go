// Package hubclient keeps a device attached to its restaurant's station over a websocket
// and reports whether the local hub is reachable.
package hubclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/SB-IM/tablehub/internal/emitter"
	"github.com/SB-IM/tablehub/internal/store"
)

// Events emitted by Client.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Frame types pushed by the station.
const (
	FrameHello = "hello"
	FrameOrder = "order"
)

const (
	defaultReconnectInterval = 2 * time.Second
	defaultHandshakeTimeout  = 5 * time.Second
	readLimit                = 1 << 20
)

// ErrHandshake is returned when the station does not greet first.
var ErrHandshake = errors.New("station did not send hello")

// Frame is one message on the station websocket.
type Frame struct {
	Type         string       `json:"type"`
	HubID        string       `json:"hubId,omitempty"`
	RestaurantID string       `json:"restaurantId,omitempty"`
	Order        *store.Order `json:"order,omitempty"`
}

// Status is the client's view of the hub connection.
type Status struct {
	IsConnected bool
	HubURL      string
}

// ConfigOptions configures a Client.
type ConfigOptions struct {
	// URL is the station websocket, e.g. ws://10.0.0.2:8080/v1/hub/ws.
	URL               string `validate:"required,url"`
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
}

// Client is the device side of the station websocket.
type Client struct {
	config ConfigOptions
	logger zerolog.Logger
	events *emitter.Emitter

	mu        sync.Mutex
	connected bool
	onOrder   func(store.Order)
}

// New returns a Client. Nothing happens until Run.
func New(logger *zerolog.Logger, config ConfigOptions) *Client {
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = defaultReconnectInterval
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	l := logger.With().Str("component", "hubclient").Str("url", config.URL).Logger()
	return &Client{
		config: config,
		logger: l,
		events: emitter.New(&l),
	}
}

// Status returns the current connection status. HubURL is empty unless connected.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

func (c *Client) status() Status {
	if !c.connected {
		return Status{}
	}
	return Status{IsConnected: true, HubURL: c.config.URL}
}

// On registers fn for EventConnected or EventDisconnected.
func (c *Client) On(event string, fn func(Status)) (unsubscribe func()) {
	return emitter.On(c.events, emitter.Key[Status]{Name: event}, fn)
}

// OnOrder sets the callback for orders pushed by the station.
func (c *Client) OnOrder(fn func(store.Order)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOrder = fn
}

// Run connects and reconnects, at most once per ReconnectInterval, until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(c.config.ReconnectInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("hub connection lost")
	}
}

func (c *Client) session(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hsCtx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("could not dial station: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	var hello Frame
	if err := wsjson.Read(hsCtx, conn, &hello); err != nil {
		return fmt.Errorf("could not read hello: %w", err)
	}
	if hello.Type != FrameHello {
		return ErrHandshake
	}
	c.logger.Info().Str("hub_id", hello.HubID).Msg("connected to hub")

	c.setConnected(true)
	defer c.setConnected(false)

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		switch f.Type {
		case FrameOrder:
			if f.Order == nil {
				continue
			}
			c.mu.Lock()
			fn := c.onOrder
			c.mu.Unlock()
			if fn != nil {
				fn(*f.Order)
			}
		default:
			c.logger.Debug().Str("type", f.Type).Msg("ignored frame")
		}
	}
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	s := c.status()
	c.mu.Unlock()

	event := EventDisconnected
	if connected {
		event = EventConnected
	}
	c.events.Emit(event, s)
}
