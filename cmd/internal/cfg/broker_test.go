package cfg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/SB-IM/tablehub/internal/pubsub"
	"github.com/SB-IM/tablehub/pkg/mqttclient"
)

func TestConnectBrokerNATS(t *testing.T) {
	logger := zerolog.Nop()
	ctx := logger.WithContext(context.Background())

	srv, err := pubsub.StartEmbeddedServer(&logger, pubsub.EmbeddedServerConfigOptions{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	connects := 0
	ctx, broker, err := ConnectBroker(ctx, BrokerConfigOptions{
		Backend: BackendNATS,
		Codec:   "proto",
		NATS:    pubsub.NATSConfigOptions{URL: srv.ClientURL()},
	}, mqttclient.Hooks{OnConnect: func() { connects++ }})
	if err != nil {
		t.Fatal(err)
	}

	if connects != 1 {
		t.Fatalf("OnConnect called %d times, want 1", connects)
	}
	if _, ok := broker.(*pubsub.NATSBroker); !ok {
		t.Fatalf("broker is %T, want *pubsub.NATSBroker", broker)
	}

	nc, ok := ctx.Value(natsConnKey{}).(*nats.Conn)
	if !ok {
		t.Fatal("context does not carry the NATS connection")
	}
	Disconnect(ctx)
	if !nc.IsClosed() {
		t.Fatal("NATS connection still open after Disconnect")
	}
}

func TestConnectBrokerMQTT(t *testing.T) {
	logger := zerolog.Nop()
	ctx := logger.WithContext(context.Background())
	server := startMQTTServer(t)

	connected := make(chan struct{}, 4)
	ctx, broker, err := ConnectBroker(ctx, BrokerConfigOptions{
		Backend:    BackendMQTT,
		Codec:      "json",
		MQTT:       mqttclient.ConfigOptions{Server: "tcp://" + server.addr, ClientID: "cfg-test"},
		MQTTClient: pubsub.MQTTClientConfigOptions{TopicPrefix: "/tablehub", Qos: 1},
	}, mqttclient.Hooks{OnConnect: func() { connected <- struct{}{} }})
	if err != nil {
		t.Fatal(err)
	}
	awaitSignal(t, connected, "first connect")

	if _, ok := broker.(*pubsub.MQTTBroker); !ok {
		t.Fatalf("broker is %T, want *pubsub.MQTTBroker", broker)
	}
	mc := mqttclient.FromContext(ctx)
	if mc == nil {
		t.Fatal("context does not carry the MQTT client")
	}

	// A reconnect must leave the caller's hook running after the broker resubscribed.
	opts := mc.OptionsReader()
	cl, ok := server.Clients.Get(opts.ClientID())
	if !ok {
		t.Fatal("broker does not know the client")
	}
	cl.Stop(errors.New("kicked"))
	awaitSignal(t, connected, "reconnect")

	Disconnect(ctx)
	if mc.IsConnected() {
		t.Fatal("MQTT client still connected after Disconnect")
	}
}

func TestConnectBrokerRejectsUnknownOptions(t *testing.T) {
	logger := zerolog.Nop()
	ctx := logger.WithContext(context.Background())

	for name, config := range map[string]BrokerConfigOptions{
		"codec":   {Backend: BackendNATS, Codec: "xml"},
		"backend": {Backend: "amqp", Codec: "json"},
	} {
		if _, _, err := ConnectBroker(ctx, config, mqttclient.Hooks{}); err == nil {
			t.Fatalf("unknown %s accepted", name)
		}
	}
}

type mqttServer struct {
	*mochi.Server
	addr string
}

func startMQTTServer(t *testing.T) mqttServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	server := mochi.New(&mochi.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatal(err)
	}
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "t1", Address: addr})); err != nil {
		t.Fatal(err)
	}
	if err := server.Serve(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Close() })
	return mqttServer{Server: server, addr: addr}
}

func awaitSignal(t *testing.T, c <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
