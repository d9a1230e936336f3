// Package signaling exchanges WebRTC session descriptions and ICE candidates between one hub
// and its devices over a shared broadcast channel.
//
// A Signaling instance owns at most one channel at a time, joined either as the hub or as a
// client device. Running both roles in one process takes two instances.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/SB-IM/tablehub/internal/emitter"
	"github.com/SB-IM/tablehub/internal/metrics"
	"github.com/SB-IM/tablehub/internal/pubsub"
)

var (
	// ErrNotConnected is returned by the send methods before a channel is joined.
	ErrNotConnected = errors.New("not connected")
	// ErrNotHub is returned by SendAnswer on a client.
	ErrNotHub = errors.New("only the hub can send answers")
	// ErrInvalidArgument is returned by the join methods for empty identifiers.
	ErrInvalidArgument = errors.New("invalid argument")
)

var (
	readyKey              = emitter.Key[Ready]{Name: EventReady}
	errorKey              = emitter.Key[*SubscriptionError]{Name: EventError}
	clientOfferKey        = emitter.Key[ClientOffer]{Name: EventClientOffer}
	clientICECandidateKey = emitter.Key[ICECandidate]{Name: EventClientICECandidate}
	hubAnswerKey          = emitter.Key[HubAnswer]{Name: EventHubAnswer}
	hubICECandidateKey    = emitter.Key[ICECandidate]{Name: EventHubICECandidate}
)

type state int

const (
	stateIdle state = iota
	stateJoining
	stateReady
	stateFailed
)

// Signaling is the signaling channel adapter.
type Signaling struct {
	broker pubsub.Broker
	events *emitter.Emitter
	logger zerolog.Logger
	now    func() time.Time

	// session identifies this instance in Stamp; seq numbers its messages.
	session string
	seq     atomic.Uint64

	mu           sync.Mutex
	channel      pubsub.Channel
	role         Role
	hubID        string
	restaurantID string
	deviceID     string
	state        state
	lastErr      error
}

// Option customizes a Signaling.
type Option func(*Signaling)

// WithClock overrides the clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Signaling) {
		s.now = now
	}
}

// New returns a Signaling using broker for all network effects.
func New(broker pubsub.Broker, logger *zerolog.Logger, opts ...Option) *Signaling {
	l := logger.With().Str("component", "signaling").Logger()
	s := &Signaling{
		broker:  broker,
		events:  emitter.New(&l),
		logger:  l,
		now:     time.Now,
		session: uuid.NewString(),
	}
	s.events.OnPanic(func(event string) {
		metrics.ListenerPanics.WithLabelValues(event).Inc()
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JoinAsHub subscribes to the hub's signaling channel and re-emits device offers and
// candidates. Ready or error is emitted once the subscription settles.
func (s *Signaling) JoinAsHub(hubID, restaurantID string) error {
	if hubID == "" || restaurantID == "" {
		return fmt.Errorf("hub id and restaurant id are required: %w", ErrInvalidArgument)
	}
	s.join(RoleHub, hubID, restaurantID, "")
	return nil
}

// JoinAsClient subscribes to the hub's signaling channel as device deviceID.
// Answers and candidates addressed to other devices are dropped.
func (s *Signaling) JoinAsClient(hubID, restaurantID, deviceID string) error {
	if hubID == "" || restaurantID == "" || deviceID == "" {
		return fmt.Errorf("hub id, restaurant id and device id are required: %w", ErrInvalidArgument)
	}
	s.join(RoleClient, hubID, restaurantID, deviceID)
	return nil
}

func (s *Signaling) join(role Role, hubID, restaurantID, deviceID string) {
	// A previous channel is released rather than leaked.
	s.Leave()

	topic := Topic(restaurantID, hubID)
	ch := s.broker.Channel(topic, pubsub.ChannelConfig{})
	if role == RoleHub {
		ch.On(pubsub.MessageBroadcast, pubsub.Filter{Event: EventClientOffer}, s.handleClientOffer)
		ch.On(pubsub.MessageBroadcast, pubsub.Filter{Event: EventClientICECandidate}, s.handleClientICECandidate)
	} else {
		ch.On(pubsub.MessageBroadcast, pubsub.Filter{Event: EventHubAnswer}, s.handleHubAnswer)
		ch.On(pubsub.MessageBroadcast, pubsub.Filter{Event: EventHubICECandidate}, s.handleHubICECandidate)
	}

	s.mu.Lock()
	s.channel = ch
	s.role = role
	s.hubID = hubID
	s.restaurantID = restaurantID
	s.deviceID = deviceID
	s.state = stateJoining
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Info().
		Str("role", string(role)).
		Str("topic", topic).
		Str("device_id", deviceID).
		Msg("joining signaling channel")

	ch.Subscribe(func(status pubsub.Status, err error) {
		s.handleStatus(ch, status, err)
	})
}

func (s *Signaling) handleStatus(ch pubsub.Channel, status pubsub.Status, err error) {
	s.mu.Lock()
	if s.channel != ch {
		// A channel replaced by a later join or Leave.
		s.mu.Unlock()
		return
	}
	ready := Ready{Role: s.role, HubID: s.hubID, DeviceID: s.deviceID, Topic: ch.Name()}
	var subErr *SubscriptionError
	switch {
	case status == pubsub.StatusSubscribed:
		s.state = stateReady
	case status.Terminal():
		subErr = &SubscriptionError{Topic: ch.Name(), Status: status, Err: err}
		s.state = stateFailed
		s.lastErr = subErr
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if subErr != nil {
		s.logger.Err(subErr).Str("status", string(status)).Msg("signaling subscription failed")
		emitter.Emit(s.events, errorKey, subErr)
		return
	}
	s.logger.Info().Str("topic", ready.Topic).Msg("signaling channel ready")
	emitter.Emit(s.events, readyKey, ready)
}

// Leave releases the channel and forgets the hub and device ids. It is a no-op when not joined.
func (s *Signaling) Leave() {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.hubID = ""
	s.restaurantID = ""
	s.deviceID = ""
	s.role = ""
	s.state = stateIdle
	s.lastErr = nil
	s.mu.Unlock()

	if ch == nil {
		return
	}
	if err := s.broker.RemoveChannel(ch); err != nil {
		s.logger.Err(err).Str("topic", ch.Name()).Msg("could not remove channel")
		return
	}
	s.logger.Info().Str("topic", ch.Name()).Msg("left signaling channel")
}

// AwaitReady blocks until the joined channel is ready, its subscription failed or ctx is done.
func (s *Signaling) AwaitReady(ctx context.Context) error {
	done := make(chan error, 1)
	offReady := s.OnReady(func(Ready) {
		select {
		case done <- nil:
		default:
		}
	})
	defer offReady()
	offError := s.OnError(func(err *SubscriptionError) {
		select {
		case done <- err:
		default:
		}
	})
	defer offError()

	s.mu.Lock()
	st, lastErr := s.state, s.lastErr
	s.mu.Unlock()
	switch st {
	case stateIdle:
		return ErrNotConnected
	case stateReady:
		return nil
	case stateFailed:
		return lastErr
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendOffer broadcasts a device's offer to the hub.
func (s *Signaling) SendOffer(offer webrtc.SessionDescription, deviceID string, deviceInfo DeviceInfo) error {
	ch, _, err := s.active()
	if err != nil {
		return err
	}
	return s.send(ch, EventClientOffer, ClientOffer{
		Offer:      offer,
		DeviceID:   deviceID,
		DeviceInfo: deviceInfo,
		Stamp:      s.stamp(),
	})
}

// SendAnswer broadcasts the hub's answer addressed to targetDeviceID.
func (s *Signaling) SendAnswer(answer webrtc.SessionDescription, targetDeviceID string) error {
	ch, ids, err := s.active()
	if err != nil {
		return err
	}
	if ids.role != RoleHub {
		return ErrNotHub
	}
	return s.send(ch, EventHubAnswer, HubAnswer{
		Answer:         answer,
		TargetDeviceID: targetDeviceID,
		HubID:          ids.hubID,
		Stamp:          s.stamp(),
	})
}

// SendICECandidate broadcasts a local candidate. The event is hub-ice-candidate for the hub
// and client-ice-candidate for a device. An empty targetDeviceID leaves the target out.
func (s *Signaling) SendICECandidate(candidate webrtc.ICECandidateInit, targetDeviceID string) error {
	ch, ids, err := s.active()
	if err != nil {
		return err
	}
	event := EventClientICECandidate
	if ids.role == RoleHub {
		event = EventHubICECandidate
	}
	return s.send(ch, event, ICECandidate{
		Candidate:      candidate,
		TargetDeviceID: targetDeviceID,
		DeviceID:       ids.deviceID,
		HubID:          ids.hubID,
		Stamp:          s.stamp(),
	})
}

// On registers an untyped listener and returns its unsubscribe function.
func (s *Signaling) On(event string, callback func(data any)) (unsubscribe func()) {
	return s.events.On(event, callback)
}

// Emit dispatches data to the listeners of event in this process only.
func (s *Signaling) Emit(event string, data any) {
	s.events.Emit(event, data)
}

// OnReady registers a listener for the ready event.
func (s *Signaling) OnReady(fn func(Ready)) (unsubscribe func()) {
	return emitter.On(s.events, readyKey, fn)
}

// OnError registers a listener for terminal subscription failures.
func (s *Signaling) OnError(fn func(*SubscriptionError)) (unsubscribe func()) {
	return emitter.On(s.events, errorKey, fn)
}

// OnClientOffer registers a hub listener for device offers.
func (s *Signaling) OnClientOffer(fn func(ClientOffer)) (unsubscribe func()) {
	return emitter.On(s.events, clientOfferKey, fn)
}

// OnClientICECandidate registers a hub listener for device candidates.
func (s *Signaling) OnClientICECandidate(fn func(ICECandidate)) (unsubscribe func()) {
	return emitter.On(s.events, clientICECandidateKey, fn)
}

// OnHubAnswer registers a device listener for answers addressed to it.
func (s *Signaling) OnHubAnswer(fn func(HubAnswer)) (unsubscribe func()) {
	return emitter.On(s.events, hubAnswerKey, fn)
}

// OnHubICECandidate registers a device listener for hub candidates addressed to it.
func (s *Signaling) OnHubICECandidate(fn func(ICECandidate)) (unsubscribe func()) {
	return emitter.On(s.events, hubICECandidateKey, fn)
}

// Role returns the joined role, or "" when not joined.
func (s *Signaling) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// HubID returns the joined hub id, or "" when not joined.
func (s *Signaling) HubID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hubID
}

// DeviceID returns the joined device id, or "" for the hub and when not joined.
func (s *Signaling) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Session returns the session id stamped on every message of this instance.
func (s *Signaling) Session() string {
	return s.session
}

type identity struct {
	role     Role
	hubID    string
	deviceID string
}

func (s *Signaling) active() (pubsub.Channel, identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return nil, identity{}, ErrNotConnected
	}
	return s.channel, identity{role: s.role, hubID: s.hubID, deviceID: s.deviceID}, nil
}

func (s *Signaling) stamp() Stamp {
	return Stamp{
		Timestamp: s.now().UnixMilli(),
		Seq:       s.seq.Add(1),
		Session:   s.session,
	}
}

func (s *Signaling) send(ch pubsub.Channel, event string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not encode %s: %w", event, err)
	}
	if err := ch.Send(pubsub.Message{Type: pubsub.MessageBroadcast, Event: event, Payload: b}); err != nil {
		return fmt.Errorf("could not send %s: %w", event, err)
	}
	metrics.SignalsSent.WithLabelValues(event).Inc()
	s.logger.Debug().Str("event", event).Str("topic", ch.Name()).Msg("sent signal")
	return nil
}
