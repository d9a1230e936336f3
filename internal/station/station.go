// Package station is the restaurant's local hub process. It answers device peer connections
// over signaling, mirrors cloud orders into a local store and pushes them to attached devices
// over websockets and WebRTC data channels.
package station

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"github.com/SB-IM/tablehub/internal/hubclient"
	"github.com/SB-IM/tablehub/internal/metrics"
	"github.com/SB-IM/tablehub/internal/peer"
	"github.com/SB-IM/tablehub/internal/pubsub"
	"github.com/SB-IM/tablehub/internal/signaling"
	"github.com/SB-IM/tablehub/internal/store"
)

// EventOrderUpsert is the cloud's broadcast event for a created or changed order.
const EventOrderUpsert = "order-upsert"

const (
	storeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// OrdersChannel returns the channel the cloud broadcasts a restaurant's orders on.
func OrdersChannel(restaurantID string) string {
	return "orders-" + restaurantID
}

// ConfigOptions configures a Station.
type ConfigOptions struct {
	HubID        string `validate:"required"`
	RestaurantID string `validate:"required"`
	Host         string
	Port         int `validate:"gte=0,lte=65535"`
}

// Station is the local hub.
type Station struct {
	config   ConfigOptions
	logger   zerolog.Logger
	broker   pubsub.Broker
	store    store.Store
	sig      *signaling.Signaling
	answerer *peer.Answerer
	hub      *wsHub
	validate *validator.Validate

	signalingReady atomic.Bool
}

// New returns a Station. The logger is taken from ctx.
func New(ctx context.Context, broker pubsub.Broker, st store.Store, config ConfigOptions, peerConfig peer.ConfigOptions) *Station {
	logger := log.Ctx(ctx).With().Str("component", "station").Logger()
	sig := signaling.New(broker, &logger)

	s := &Station{
		config:   config,
		logger:   logger,
		broker:   broker,
		store:    st,
		sig:      sig,
		answerer: peer.NewAnswerer(sig, &logger, peerConfig),
		hub: newWSHub(&logger, hubclient.Frame{
			Type:         hubclient.FrameHello,
			HubID:        config.HubID,
			RestaurantID: config.RestaurantID,
		}),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.answerer.OnMessage(func(deviceID string, data []byte) {
		s.logger.Debug().Str("device_id", deviceID).Int("size", len(data)).Msg("received data channel message")
	})
	return s
}

// Supervisor returns a supervision tree running every station service plus extra.
func (s *Station) Supervisor(extra ...suture.Service) *suture.Supervisor {
	sup := suture.New("station", suture.Spec{
		EventHook: EventHook(&s.logger),
	})
	sup.Add(service{name: "websocket-hub", serve: s.hub.Serve})
	sup.Add(service{name: "signaling", serve: s.serveSignaling})
	sup.Add(service{name: "orders-mirror", serve: s.serveOrders})
	sup.Add(service{name: "http", serve: s.serveHTTP})
	for _, svc := range extra {
		sup.Add(svc)
	}
	return sup
}

// Serve runs the station and extra until ctx is done.
func (s *Station) Serve(ctx context.Context, extra ...suture.Service) error {
	defer func() {
		if err := s.answerer.Close(); err != nil {
			s.logger.Err(err).Msg("could not close peer connections")
		}
	}()
	return s.Supervisor(extra...).Serve(ctx)
}

// serveSignaling keeps the station joined as hub. It returns when the subscription fails so
// the supervisor joins again.
func (s *Station) serveSignaling(ctx context.Context) error {
	failed := make(chan error, 1)
	offError := s.sig.OnError(func(err *signaling.SubscriptionError) {
		select {
		case failed <- err:
		default:
		}
	})
	defer offError()
	stop := s.answerer.Start()
	defer stop()

	if err := s.sig.JoinAsHub(s.config.HubID, s.config.RestaurantID); err != nil {
		return err
	}
	defer s.sig.Leave()
	defer s.signalingReady.Store(false)

	if err := s.sig.AwaitReady(ctx); err != nil {
		return fmt.Errorf("could not join signaling: %w", err)
	}
	s.signalingReady.Store(true)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-failed:
		return err
	}
}

// serveOrders mirrors the cloud's order broadcasts until ctx is done or the subscription fails.
func (s *Station) serveOrders(ctx context.Context) error {
	ch := s.broker.Channel(OrdersChannel(s.config.RestaurantID), pubsub.ChannelConfig{})
	ch.On(pubsub.MessageBroadcast, pubsub.Filter{Event: EventOrderUpsert}, s.handleOrder)

	failed := make(chan error, 1)
	ch.Subscribe(func(status pubsub.Status, err error) {
		switch {
		case status == pubsub.StatusSubscribed:
			s.logger.Info().Str("channel", ch.Name()).Msg("mirroring orders")
		case status.Terminal():
			select {
			case failed <- fmt.Errorf("orders subscription ended with %s: %v", status, err):
			default:
			}
		}
	})
	defer func() {
		if err := s.broker.RemoveChannel(ch); err != nil {
			s.logger.Err(err).Msg("could not remove orders channel")
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-failed:
		return err
	}
}

func (s *Station) handleOrder(msg pubsub.Message) {
	var order store.Order
	if err := json.Unmarshal(msg.Payload, &order); err != nil {
		metrics.OrdersMirrored.WithLabelValues("invalid").Inc()
		s.logger.Warn().Err(err).Msg("dropped malformed order")
		return
	}
	if err := s.validate.Struct(order); err != nil {
		metrics.OrdersMirrored.WithLabelValues("invalid").Inc()
		s.logger.Warn().Err(err).Str("order_id", order.ID).Msg("dropped invalid order")
		return
	}
	if order.RestaurantID != s.config.RestaurantID {
		metrics.OrdersMirrored.WithLabelValues("invalid").Inc()
		s.logger.Warn().Str("order_id", order.ID).Str("restaurant_id", order.RestaurantID).Msg("dropped order of another restaurant")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	written, err := s.store.Upsert(ctx, order)
	if err != nil {
		metrics.OrdersMirrored.WithLabelValues("error").Inc()
		s.logger.Err(err).Str("order_id", order.ID).Msg("could not mirror order")
		return
	}
	if !written {
		metrics.OrdersMirrored.WithLabelValues("stale").Inc()
		return
	}
	metrics.OrdersMirrored.WithLabelValues("written").Inc()
	s.push(order)
}

// push sends order to websocket clients and data channel peers.
func (s *Station) push(order store.Order) {
	frame := hubclient.Frame{Type: hubclient.FrameOrder, Order: &order}
	s.hub.Publish(frame)

	b, err := json.Marshal(frame)
	if err != nil {
		s.logger.Err(err).Msg("could not encode order frame")
		return
	}
	n := s.answerer.Broadcast(b)
	s.logger.Debug().Str("order_id", order.ID).Int("peers", n).Msg("pushed order")
}

func (s *Station) serveHTTP(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting HTTP server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Err(err).Msg("could not shut down HTTP server")
		}
		return ctx.Err()
	}
}

// service adapts a function to suture.Service.
type service struct {
	name  string
	serve func(ctx context.Context) error
}

func (s service) Serve(ctx context.Context) error {
	return s.serve(ctx)
}

func (s service) String() string {
	return s.name
}

// EventHook logs supervisor events.
func EventHook(logger *zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		logger.Warn().Fields(e.Map()).Msg(e.String())
	}
}
