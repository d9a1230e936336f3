// Package cfg holds the config options and flags shared by the station and device commands.
package cfg

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/SB-IM/tablehub/internal/pubsub"
	"github.com/SB-IM/tablehub/pkg/mqttclient"
)

// Supported backends.
const (
	BackendMQTT = "mqtt"
	BackendNATS = "nats"
)

const (
	connectTimeout    = 3 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// BrokerConfigOptions selects and configures the hosted pub/sub broker.
type BrokerConfigOptions struct {
	Backend    string `validate:"oneof=mqtt nats"`
	Codec      string `validate:"oneof=json proto"`
	MQTT       mqttclient.ConfigOptions
	MQTTClient pubsub.MQTTClientConfigOptions
	NATS       pubsub.NATSConfigOptions
}

type natsConnKey struct{}

// ConnectBroker connects to the configured broker. Hooks observe broker connectivity, which is
// what devices treat as being online. The returned context carries the connection for Disconnect.
func ConnectBroker(ctx context.Context, config BrokerConfigOptions, hooks mqttclient.Hooks) (context.Context, pubsub.Broker, error) {
	logger := log.Ctx(ctx)

	codec, err := pubsub.CodecByName(config.Codec)
	if err != nil {
		return ctx, nil, err
	}

	switch config.Backend {
	case BackendMQTT:
		// The broker exists only after the first connect; later connects restore its subscriptions.
		var broker atomic.Pointer[pubsub.MQTTBroker]
		onConnect := hooks.OnConnect
		hooks.OnConnect = func() {
			if b := broker.Load(); b != nil {
				b.Resubscribe()
			}
			if onConnect != nil {
				onConnect()
			}
		}
		mc := mqttclient.NewClient(ctx, config.MQTT, hooks)
		if err := mqttclient.CheckConnectivity(mc, connectTimeout); err != nil {
			return ctx, nil, fmt.Errorf("could not connect to MQTT broker: %w", err)
		}
		b := pubsub.NewMQTTBroker(mc, codec, logger, config.MQTTClient)
		broker.Store(b)
		return mqttclient.WithContext(ctx, mc), b, nil

	case BackendNATS:
		var opts []nats.Option
		if hooks.OnConnect != nil {
			opts = append(opts, nats.ReconnectHandler(func(*nats.Conn) {
				logger.Info().Msg("reconnected to NATS")
				hooks.OnConnect()
			}))
		}
		if hooks.OnConnectionLost != nil {
			opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("disconnected from NATS")
				hooks.OnConnectionLost(err)
			}))
		}
		nc, err := pubsub.ConnectNATS(config.NATS.URL, logger, opts...)
		if err != nil {
			return ctx, nil, err
		}
		if hooks.OnConnect != nil {
			hooks.OnConnect()
		}
		b := pubsub.NewNATSBroker(nc, codec, logger, config.NATS)
		return context.WithValue(ctx, natsConnKey{}, nc), b, nil

	default:
		return ctx, nil, fmt.Errorf("unknown broker backend %q", config.Backend)
	}
}

// Disconnect closes the broker connection carried by ctx, if any.
func Disconnect(ctx context.Context) {
	if mc := mqttclient.FromContext(ctx); mc != nil {
		mc.Disconnect(disconnectQuiesce)
	}
	if nc, ok := ctx.Value(natsConnKey{}).(*nats.Conn); ok {
		nc.Close()
	}
}

// BrokerFlags returns the broker flags writing into options.
func BrokerFlags(options *BrokerConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "broker.backend",
			Usage:       "Hosted pub/sub backend, mqtt or nats",
			Value:       BackendMQTT,
			DefaultText: BackendMQTT,
			Destination: &options.Backend,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "broker.codec",
			Usage:       "Wire codec of channel messages, json or proto",
			Value:       "json",
			DefaultText: "json",
			Destination: &options.Codec,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.server",
			Usage:       "MQTT server address",
			Value:       "tcp://mosquitto:1883",
			DefaultText: "tcp://mosquitto:1883",
			Destination: &options.MQTT.Server,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.clientID",
			Usage:       "MQTT client id prefix",
			Value:       "tablehub",
			DefaultText: "tablehub",
			Destination: &options.MQTT.ClientID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.username",
			Usage:       "MQTT broker username",
			Value:       "",
			Destination: &options.MQTT.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt.password",
			Usage:       "MQTT broker password",
			Value:       "",
			Destination: &options.MQTT.Password,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "mqtt_client.topic_prefix",
			Usage:       "MQTT topic prefix channels are mapped under",
			Value:       "/tablehub",
			DefaultText: "/tablehub",
			Destination: &options.MQTTClient.TopicPrefix,
		}),
		altsrc.NewUintFlag(&cli.UintFlag{
			Name:        "mqtt_client.qos",
			Usage:       "MQTT client qos for channel messages",
			Value:       1,
			DefaultText: "1",
			Destination: &options.MQTTClient.Qos,
		}),
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "mqtt_client.retained",
			Usage:       "MQTT client setting retention for channel messages",
			Value:       false,
			DefaultText: "false",
			Destination: &options.MQTTClient.Retained,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "mqtt_client.subscribe_timeout",
			Usage:       "How long a channel subscription may take before it times out",
			Value:       5 * time.Second,
			DefaultText: "5s",
			Destination: &options.MQTTClient.SubscribeTimeout,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "nats.url",
			Usage:       "NATS server url, empty uses the embedded server when enabled",
			Value:       "",
			Destination: &options.NATS.URL,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "nats.subject_prefix",
			Usage:       "NATS subject prefix channels are mapped under",
			Value:       "tablehub",
			DefaultText: "tablehub",
			Destination: &options.NATS.SubjectPrefix,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "nats.subscribe_timeout",
			Usage:       "How long a channel subscription may take before it times out",
			Value:       5 * time.Second,
			DefaultText: "5s",
			Destination: &options.NATS.SubscribeTimeout,
		}),
	}
}
