package station

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/SB-IM/tablehub/internal/hubclient"
	"github.com/SB-IM/tablehub/internal/peer"
	"github.com/SB-IM/tablehub/internal/pubsub"
	"github.com/SB-IM/tablehub/internal/signaling"
	"github.com/SB-IM/tablehub/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStation(t *testing.T, broker pubsub.Broker) *Station {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := zerolog.Nop()
	ctx := logger.WithContext(context.Background())
	return New(ctx, broker, st, ConfigOptions{HubID: "h1", RestaurantID: "r1"}, peer.ConfigOptions{})
}

// run starts serve in the background and stops it at the end of the test.
func run(t *testing.T, serve func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func cloudChannel(t *testing.T, broker *pubsub.MemoryBroker) pubsub.Channel {
	t.Helper()
	ch := broker.Channel(OrdersChannel("r1"), pubsub.ChannelConfig{})
	ch.Subscribe(func(pubsub.Status, error) {})
	t.Cleanup(func() { broker.RemoveChannel(ch) })
	return ch
}

func sendOrder(t *testing.T, ch pubsub.Channel, order store.Order) {
	t.Helper()
	b, err := json.Marshal(order)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(pubsub.Message{Event: EventOrderUpsert, Payload: b}); err != nil {
		t.Fatal(err)
	}
}

func TestOrdersAreMirroredAndPushed(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	s := newTestStation(t, broker)
	run(t, s.hub.Serve)
	run(t, s.serveOrders)
	eventually(t, "orders subscription", func() bool { return broker.Subscribers(OrdersChannel("r1")) == 1 })

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	client := hubclient.New(&logger, hubclient.ConfigOptions{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/hub/ws"})
	pushed := make(chan store.Order, 10)
	client.OnOrder(func(o store.Order) { pushed <- o })
	run(t, client.Run)
	eventually(t, "websocket client", func() bool { return s.hub.Clients() == 1 && client.Status().IsConnected })

	cloud := cloudChannel(t, broker)
	order := store.Order{
		ID:           "o1",
		RestaurantID: "r1",
		Status:       "placed",
		Items:        []store.Item{{Name: "Gyoza", Quantity: 1, Price: 600}},
		Total:        600,
		UpdatedAt:    t0,
	}
	sendOrder(t, cloud, order)

	select {
	case got := <-pushed:
		if got.ID != "o1" || got.Status != "placed" || len(got.Items) != 1 {
			t.Fatalf("pushed order is incorrect, got %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pushed order")
	}

	got, err := s.store.Get(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Total != 600 {
		t.Fatalf("mirrored total = %d, want 600", got.Total)
	}

	// Stale, invalid and foreign orders are not mirrored.
	stale := order
	stale.Status = "cancelled"
	stale.UpdatedAt = t0.Add(-time.Minute)
	sendOrder(t, cloud, stale)
	sendOrder(t, cloud, store.Order{RestaurantID: "r1", UpdatedAt: t0})
	sendOrder(t, cloud, store.Order{ID: "o2", RestaurantID: "r2", UpdatedAt: t0})
	if err := cloud.Send(pubsub.Message{Event: EventOrderUpsert, Payload: []byte("{")}); err != nil {
		t.Fatal(err)
	}

	got, err = s.store.Get(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "placed" {
		t.Fatalf("stale order overwrote the mirror: %s", got.Status)
	}
	if _, err := s.store.Get(context.Background(), "o2"); err != store.ErrNotFound {
		t.Fatalf("foreign order mirrored: %v", err)
	}
	select {
	case o := <-pushed:
		t.Fatalf("unexpected push of %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHTTPRoutes(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	s := newTestStation(t, broker)
	for i, id := range []string{"a", "b"} {
		if _, err := s.store.Upsert(context.Background(), store.Order{ID: id, RestaurantID: "r1", UpdatedAt: t0.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.store.Upsert(context.Background(), store.Order{ID: "x", RestaurantID: "r2", UpdatedAt: t0}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(path string, wantStatus int, v interface{}) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != wantStatus {
			t.Fatalf("GET %s: status = %d, want %d", path, resp.StatusCode, wantStatus)
		}
		if v != nil {
			if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
		}
	}

	var orders []store.Order
	get("/v1/hub/orders", http.StatusOK, &orders)
	if len(orders) != 2 || orders[0].ID != "b" {
		t.Fatalf("orders = %+v", orders)
	}
	get("/v1/hub/orders?limit=1", http.StatusOK, &orders)
	if len(orders) != 1 {
		t.Fatalf("limited orders = %+v", orders)
	}

	var errBody struct {
		Code int `json:"code"`
	}
	get("/v1/hub/orders?limit=zero", http.StatusBadRequest, &errBody)
	if errBody.Code == 0 {
		t.Fatal("error body has no code")
	}

	var order store.Order
	get("/v1/hub/orders/a", http.StatusOK, &order)
	if order.ID != "a" {
		t.Fatalf("order = %+v", order)
	}
	get("/v1/hub/orders/missing", http.StatusNotFound, nil)
	get("/v1/hub/orders/x", http.StatusNotFound, nil)

	var status StatusResponse
	get("/v1/hub/status", http.StatusOK, &status)
	if status.HubID != "h1" || status.RestaurantID != "r1" || status.SignalingReady {
		t.Fatalf("status = %+v", status)
	}

	get("/metrics", http.StatusOK, nil)
}

func TestSignalingAnswersDevices(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	s := newTestStation(t, broker)
	run(t, s.serveSignaling)
	eventually(t, "signaling", s.signalingReady.Load)

	logger := zerolog.Nop()
	device := signaling.New(broker, &logger)
	if err := device.JoinAsClient("h1", "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	defer device.Leave()

	dialer := peer.NewDialer(device, "d1", nil, &logger, peer.ConfigOptions{AnswerTimeout: 5 * time.Second})
	defer dialer.Close()
	if err := dialer.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}
	if peers := s.answerer.Peers(); len(peers) != 1 || peers[0] != "d1" {
		t.Fatalf("peers = %v, want [d1]", peers)
	}
	defer s.answerer.Close()
}

func TestSignalingLeavesOnStop(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	s := newTestStation(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serveSignaling(ctx) }()
	eventually(t, "signaling", s.signalingReady.Load)

	topic := signaling.Topic("r1", "h1")
	if n := broker.Subscribers(topic); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveSignaling did not return")
	}
	if n := broker.Subscribers(topic); n != 0 {
		t.Fatalf("subscribers after stop = %d, want 0", n)
	}
	if s.signalingReady.Load() {
		t.Fatal("signaling still reported ready")
	}
}
