package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/SB-IM/tablehub/internal/pubsub"
)

var testClock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestSignaling(broker pubsub.Broker) *Signaling {
	logger := zerolog.Nop()
	return New(broker, &logger, WithClock(func() time.Time { return testClock }))
}

func TestTopic(t *testing.T) {
	if got := Topic("r1", "h1"); got != "hub-signaling-r1-h1" {
		t.Fatalf("topic is incorrect, got %s", got)
	}

	broker := pubsub.NewMemoryBroker()
	hub, client := newTestSignaling(broker), newTestSignaling(broker)

	var hubTopic, clientTopic string
	hub.OnReady(func(r Ready) { hubTopic = r.Topic })
	client.OnReady(func(r Ready) { clientTopic = r.Topic })

	if err := hub.JoinAsHub("h1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := client.JoinAsClient("h1", "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if hubTopic != clientTopic || hubTopic != "hub-signaling-r1-h1" {
		t.Fatalf("topics differ: hub %q client %q", hubTopic, clientTopic)
	}
	if n := broker.Subscribers("hub-signaling-r1-h1"); n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}
}

func TestJoinValidatesArguments(t *testing.T) {
	s := newTestSignaling(pubsub.NewMemoryBroker())
	if err := s.JoinAsHub("", "r1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
	if err := s.JoinAsClient("h1", "r1", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestOfferReachesHub(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	hub, client := newTestSignaling(broker), newTestSignaling(broker)

	var offers []ClientOffer
	hub.OnClientOffer(func(o ClientOffer) { offers = append(offers, o) })

	if err := hub.JoinAsHub("h1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := client.JoinAsClient("h1", "r1", "d1"); err != nil {
		t.Fatal(err)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	if err := client.SendOffer(offer, "d1", DeviceInfo{"name": "Till 1"}); err != nil {
		t.Fatal(err)
	}

	if len(offers) != 1 {
		t.Fatalf("hub received %d offers, want 1", len(offers))
	}
	got := offers[0]
	if got.Offer.Type != webrtc.SDPTypeOffer || got.Offer.SDP != offer.SDP {
		t.Fatalf("offer is incorrect, got %+v", got.Offer)
	}
	if got.DeviceID != "d1" {
		t.Fatalf("device id is incorrect, got %s", got.DeviceID)
	}
	if got.DeviceInfo["name"] != "Till 1" {
		t.Fatalf("device info is incorrect, got %v", got.DeviceInfo)
	}
	if got.Timestamp != testClock.UnixMilli() {
		t.Fatalf("timestamp is incorrect, got %d", got.Timestamp)
	}
	if got.Seq != 1 || got.Session != client.Session() {
		t.Fatalf("stamp is incorrect, got %+v", got.Stamp)
	}
}

func TestClientDropsSignalsForOtherDevices(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	hub := newTestSignaling(broker)
	d1, d2 := newTestSignaling(broker), newTestSignaling(broker)

	if err := hub.JoinAsHub("h1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := d1.JoinAsClient("h1", "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := d2.JoinAsClient("h1", "r1", "d2"); err != nil {
		t.Fatal(err)
	}

	var answers, candidates []string
	d1.OnHubAnswer(func(a HubAnswer) { answers = append(answers, a.TargetDeviceID) })
	d1.OnHubICECandidate(func(c ICECandidate) { candidates = append(candidates, c.TargetDeviceID) })
	d1.On(EventHubAnswer, func(data any) {
		if a := data.(HubAnswer); a.TargetDeviceID != "d1" {
			t.Errorf("untyped listener got answer for %q", a.TargetDeviceID)
		}
	})

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	for _, target := range []string{"d2", "", "d1"} {
		if err := hub.SendAnswer(answer, target); err != nil {
			t.Fatal(err)
		}
		if err := hub.SendICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}, target); err != nil {
			t.Fatal(err)
		}
	}

	if len(answers) != 1 || answers[0] != "d1" {
		t.Fatalf("answers = %v, want [d1]", answers)
	}
	if len(candidates) != 1 || candidates[0] != "d1" {
		t.Fatalf("candidates = %v, want [d1]", candidates)
	}
}

func TestICECandidateEventFollowsRole(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	hub, client := newTestSignaling(broker), newTestSignaling(broker)

	var fromClient []ICECandidate
	hub.OnClientICECandidate(func(c ICECandidate) { fromClient = append(fromClient, c) })
	var fromHub []ICECandidate
	client.OnHubICECandidate(func(c ICECandidate) { fromHub = append(fromHub, c) })

	if err := hub.JoinAsHub("h1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := client.JoinAsClient("h1", "r1", "d1"); err != nil {
		t.Fatal(err)
	}

	mid := "0"
	if err := client.SendICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:c", SDPMid: &mid}, ""); err != nil {
		t.Fatal(err)
	}
	if err := hub.SendICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:h"}, "d1"); err != nil {
		t.Fatal(err)
	}

	if len(fromClient) != 1 {
		t.Fatalf("hub received %d candidates, want 1", len(fromClient))
	}
	c := fromClient[0]
	if c.Candidate.Candidate != "candidate:c" || c.Candidate.SDPMid == nil || *c.Candidate.SDPMid != "0" {
		t.Fatalf("candidate is incorrect, got %+v", c.Candidate)
	}
	if c.DeviceID != "d1" || c.HubID != "h1" {
		t.Fatalf("candidate ids are incorrect, got device %q hub %q", c.DeviceID, c.HubID)
	}
	if len(fromHub) != 1 || fromHub[0].Candidate.Candidate != "candidate:h" || fromHub[0].DeviceID != "" {
		t.Fatalf("client received %+v", fromHub)
	}
}

func TestSendRequiresChannel(t *testing.T) {
	s := newTestSignaling(pubsub.NewMemoryBroker())

	if err := s.SendOffer(webrtc.SessionDescription{}, "d1", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendOffer: got %v, want ErrNotConnected", err)
	}
	if err := s.SendAnswer(webrtc.SessionDescription{}, "d1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendAnswer: got %v, want ErrNotConnected", err)
	}
	if err := s.SendICECandidate(webrtc.ICECandidateInit{}, ""); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendICECandidate: got %v, want ErrNotConnected", err)
	}

	// From inside a listener the error is returned to the listener, not raised.
	var fromListener error
	s.On("custom", func(any) {
		fromListener = s.SendOffer(webrtc.SessionDescription{}, "d1", nil)
	})
	s.Emit("custom", nil)
	if !errors.Is(fromListener, ErrNotConnected) {
		t.Fatalf("listener: got %v, want ErrNotConnected", fromListener)
	}
}

func TestSendAnswerRequiresHub(t *testing.T) {
	s := newTestSignaling(pubsub.NewMemoryBroker())
	if err := s.JoinAsClient("h1", "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendAnswer(webrtc.SessionDescription{}, "d2"); !errors.Is(err, ErrNotHub) {
		t.Fatalf("got %v, want ErrNotHub", err)
	}
}

func TestLeave(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	s := newTestSignaling(broker)

	s.Leave()

	var errs int
	s.OnError(func(*SubscriptionError) { errs++ })

	if err := s.JoinAsClient("h1", "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	s.Leave()
	s.Leave()

	if s.HubID() != "" || s.DeviceID() != "" || s.Role() != "" {
		t.Fatalf("ids not cleared: hub %q device %q role %q", s.HubID(), s.DeviceID(), s.Role())
	}
	if n := broker.Subscribers(Topic("r1", "h1")); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
	if errs != 0 {
		t.Fatalf("leave emitted %d errors", errs)
	}
	if err := s.SendOffer(webrtc.SessionDescription{}, "d1", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestRejoinReleasesPreviousChannel(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	s := newTestSignaling(broker)

	var errs, readies int
	s.OnError(func(*SubscriptionError) { errs++ })
	s.OnReady(func(Ready) { readies++ })

	if err := s.JoinAsHub("h1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.JoinAsHub("h1", "r1"); err != nil {
		t.Fatal(err)
	}
	if n := broker.Subscribers(Topic("r1", "h1")); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	if readies != 2 || errs != 0 {
		t.Fatalf("readies = %d errors = %d, want 2 and 0", readies, errs)
	}
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	hub, client := newTestSignaling(broker), newTestSignaling(broker)

	hub.OnClientOffer(func(ClientOffer) { panic("broken listener") })
	var second bool
	hub.OnClientOffer(func(ClientOffer) { second = true })

	if err := hub.JoinAsHub("h1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := client.JoinAsClient("h1", "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := client.SendOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}, "d1", nil); err != nil {
		t.Fatalf("panic reached the sender: %v", err)
	}
	if !second {
		t.Fatal("second listener was not invoked")
	}
}

func TestAwaitReady(t *testing.T) {
	s := newTestSignaling(pubsub.NewMemoryBroker())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.AwaitReady(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
	if err := s.JoinAsHub("h1", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AwaitReady(ctx); err != nil {
		t.Fatal(err)
	}
}

// statusBroker hands out channels that report a fixed status when subscribed.
type statusBroker struct {
	status pubsub.Status
	err    error
	// hold keeps the status back until release is called.
	hold    bool
	pending func()
}

type statusChannel struct {
	name   string
	broker *statusBroker
}

func (b *statusBroker) Channel(name string, _ pubsub.ChannelConfig) pubsub.Channel {
	return &statusChannel{name: name, broker: b}
}

func (b *statusBroker) RemoveChannel(pubsub.Channel) error { return nil }

func (b *statusBroker) release() { b.pending() }

func (c *statusChannel) Name() string { return c.name }

func (c *statusChannel) On(pubsub.MessageType, pubsub.Filter, pubsub.Handler) {}

func (c *statusChannel) Subscribe(callback pubsub.StatusFunc) {
	report := func() { callback(c.broker.status, c.broker.err) }
	if c.broker.hold {
		c.broker.pending = report
		return
	}
	report()
}

func (c *statusChannel) Send(pubsub.Message) error { return pubsub.ErrNotSubscribed }

func TestErrorOnTerminalStatus(t *testing.T) {
	for _, status := range []pubsub.Status{pubsub.StatusTimedOut, pubsub.StatusChannelError, pubsub.StatusClosed} {
		t.Run(string(status), func(t *testing.T) {
			broker := &statusBroker{status: status, err: pubsub.ErrSubscribeTimeout}
			s := newTestSignaling(broker)

			var readies int
			var got *SubscriptionError
			s.OnReady(func(Ready) { readies++ })
			s.OnError(func(err *SubscriptionError) { got = err })

			if err := s.JoinAsClient("h1", "r1", "d1"); err != nil {
				t.Fatal(err)
			}
			if readies != 0 {
				t.Fatal("ready emitted for a failed subscription")
			}
			if got == nil || got.Status != status || got.Topic != "hub-signaling-r1-h1" {
				t.Fatalf("error event is incorrect, got %+v", got)
			}

			err := s.AwaitReady(context.Background())
			var subErr *SubscriptionError
			if !errors.As(err, &subErr) || subErr.Status != status {
				t.Fatalf("AwaitReady: got %v", err)
			}
			if !errors.Is(err, pubsub.ErrSubscribeTimeout) {
				t.Fatalf("cause not wrapped: %v", err)
			}
		})
	}
}

func TestAwaitReadyBlocksUntilSettled(t *testing.T) {
	broker := &statusBroker{status: pubsub.StatusSubscribed, hold: true}
	s := newTestSignaling(broker)
	if err := s.JoinAsHub("h1", "r1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.AwaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.AwaitReady(context.Background()) }()

	// Give AwaitReady time to register its listeners; a ready state seen first also returns nil.
	time.Sleep(10 * time.Millisecond)
	broker.release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitReady did not return after ready")
	}
}

func TestSequencer(t *testing.T) {
	seq := NewSequencer(time.Minute)

	steps := []struct {
		stamp Stamp
		want  bool
	}{
		{Stamp{Session: "a", Seq: 1, Timestamp: 100}, true},
		{Stamp{Session: "a", Seq: 3, Timestamp: 120}, true},
		// duplicate
		{Stamp{Session: "a", Seq: 3, Timestamp: 120}, false},
		// reordered
		{Stamp{Session: "a", Seq: 2, Timestamp: 110}, false},
		// sender restarted
		{Stamp{Session: "b", Seq: 1, Timestamp: 200}, true},
		// late message from the old session
		{Stamp{Session: "a", Seq: 4, Timestamp: 130}, false},
		{Stamp{Session: "b", Seq: 2, Timestamp: 190}, true},
	}
	for i, step := range steps {
		if got := seq.Accept("offer:d1", step.stamp); got != step.want {
			t.Fatalf("step %d: Accept(%+v) = %v, want %v", i, step.stamp, got, step.want)
		}
	}

	// Senders are independent.
	if !seq.Accept("offer:d2", Stamp{Session: "a", Seq: 1}) {
		t.Fatal("first stamp of another sender rejected")
	}

	seq.Forget("offer:d1")
	if !seq.Accept("offer:d1", Stamp{Session: "a", Seq: 1, Timestamp: 1}) {
		t.Fatal("stamp rejected after Forget")
	}
}

func TestSequencerDuplicateIgnoresOrder(t *testing.T) {
	seq := NewSequencer(time.Minute)

	for _, s := range []uint64{3, 2, 5} {
		if seq.Duplicate("candidate:d1", Stamp{Session: "a", Seq: s}) {
			t.Fatalf("seq %d reported as duplicate on first sight", s)
		}
	}
	if !seq.Duplicate("candidate:d1", Stamp{Session: "a", Seq: 2}) {
		t.Fatal("repeated seq 2 not reported as duplicate")
	}
	if seq.Duplicate("candidate:d1", Stamp{Session: "b", Seq: 2}) {
		t.Fatal("same seq of another session reported as duplicate")
	}
	if seq.Duplicate("candidate:d2", Stamp{Session: "a", Seq: 2}) {
		t.Fatal("same stamp of another sender reported as duplicate")
	}
}
