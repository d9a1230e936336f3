// Package mqttclient builds paho MQTT clients for the tablehub brokers.
// Every client gets a unique id, reconnects on its own and reports connection changes
// through the hooks given to NewClient.
package mqttclient

import (
	"context"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
)

func init() {
	// Reading from environment.
	if env := os.Getenv("DEBUG_MQTT_CLIENT"); strings.ToLower(env) == "true" {
		// MQTT internal logging.
		logrus.SetLevel(logrus.DebugLevel)
		entry := logrus.WithField("component", "paho")
		mqtt.ERROR = pahoLogger{println: entry.Errorln, printf: entry.Errorf}
		mqtt.CRITICAL = pahoLogger{println: entry.Errorln, printf: entry.Errorf}
		mqtt.WARN = pahoLogger{println: entry.Warnln, printf: entry.Warnf}
		mqtt.DEBUG = pahoLogger{println: entry.Debugln, printf: entry.Debugf}
	}
}

// pahoLogger routes paho's internal logs to logrus at a fixed level.
type pahoLogger struct {
	println func(args ...interface{})
	printf  func(format string, args ...interface{})
}

func (l pahoLogger) Println(v ...interface{}) { l.println(v...) }

func (l pahoLogger) Printf(format string, v ...interface{}) { l.printf(format, v...) }

type contextKey string

const clientKey = contextKey("mqtt_client")

// Client options.
const (
	writeTimeout = 1 * time.Second
	pingTimeout  = 10 * time.Second
)

// ConfigOptions is config options for an MQTT client.
type ConfigOptions struct {
	Server   string `validate:"required"`
	ClientID string
	Username string
	Password string
}

// Hooks observe the connection. Either may be nil.
type Hooks struct {
	// OnConnect runs on every successful connect, including reconnects.
	OnConnect func()
	// OnConnectionLost runs when an established connection drops.
	OnConnectionLost func(err error)
}

// NewClient returns an unconnected client. The logger is taken from ctx.
func NewClient(ctx context.Context, config ConfigOptions, hooks Hooks) mqtt.Client {
	logger := log.Ctx(ctx).With().Str("component", "mqtt-client").Logger()

	opts := mqtt.NewClientOptions()

	// The following optins are set in additions to package defaults.
	opts.AddBroker(config.Server)
	opts.SetClientID(clientID(config.ClientID))

	// Signaling handlers must not block each other.
	opts.SetOrderMatters(false)
	// Keep the broker-side session so subscriptions outlive a reconnect.
	opts.SetCleanSession(false)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		logger.Debug().Str("topic", msg.Topic()).Msg("received a message without route")
	})
	opts.OnConnect = func(mqtt.Client) {
		logger.Info().Msg("client connected to broker")
		if hooks.OnConnect != nil {
			hooks.OnConnect()
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("connection lost")
		if hooks.OnConnectionLost != nil {
			hooks.OnConnectionLost(err)
		}
	}
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info().Msg("attempting to reconnect")
	}

	opts.WriteTimeout = writeTimeout // Minimal delays on writes
	opts.PingTimeout = pingTimeout

	// Automate connection management (will keep trying to connect and will reconnect if network drops)
	opts.ConnectRetry = true
	opts.AutoReconnect = true

	return mqtt.NewClient(opts)
}

func clientID(prefix string) string {
	if prefix == "" {
		prefix = "tablehub"
	}
	return prefix + "-" + uuid.NewString()
}

// CheckConnectivity connects client, waiting at most timeout for the first attempt.
func CheckConnectivity(client mqtt.Client, timeout time.Duration) error {
	if token := client.Connect(); token.WaitTimeout(timeout) && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// WithContext returns a copy of ctx carrying client.
func WithContext(ctx context.Context, client mqtt.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

// FromContext returns the MQTT client stored in context. If no such client exists, it returns nil.
func FromContext(ctx context.Context) mqtt.Client {
	if client, ok := ctx.Value(clientKey).(mqtt.Client); ok {
		return client
	}
	return nil
}

