package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/pion/randutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"github.com/williamlsh/logging"
	"golang.org/x/time/rate"

	"github.com/SB-IM/tablehub/cmd/internal/cfg"
	"github.com/SB-IM/tablehub/internal/hubclient"
	"github.com/SB-IM/tablehub/internal/peer"
	"github.com/SB-IM/tablehub/internal/signaling"
	"github.com/SB-IM/tablehub/internal/status"
	"github.com/SB-IM/tablehub/internal/store"
	"github.com/SB-IM/tablehub/pkg/mqttclient"
)

const (
	configFlagName = "config"
	joinTimeout    = 10 * time.Second
	redialInterval = 2 * time.Second
	deviceIDRunes  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

type deviceConfigOptions struct {
	HubID        string `validate:"required"`
	RestaurantID string `validate:"required"`
	// DeviceID is generated when empty.
	DeviceID string
}

// Command returns a device command.
func Command() *cli.Command {
	ctx := context.Background()

	var (
		logger zerolog.Logger

		brokerConfigOptions    cfg.BrokerConfigOptions
		deviceConfigOptions    deviceConfigOptions
		hubClientConfigOptions hubclient.ConfigOptions
		webRTCConfigOptions    peer.ConfigOptions
	)

	flags := func() (flags []cli.Flag) {
		for _, v := range [][]cli.Flag{
			cfg.LoadConfigFlag(configFlagName),
			cfg.BrokerFlags(&brokerConfigOptions),
			deviceFlags(&deviceConfigOptions),
			hubClientFlags(&hubClientConfigOptions),
			cfg.WebRTCFlags(&webRTCConfigOptions),
		} {
			flags = append(flags, v...)
		}
		return
	}()

	return &cli.Command{
		Name:  "device",
		Usage: "attach a staff device to its restaurant's hub",
		Flags: flags,
		Before: func(c *cli.Context) error {
			if err := altsrc.InitInputSourceWithContext(
				flags,
				altsrc.NewTomlSourceFromFlagFunc(configFlagName),
			)(c); err != nil {
				return err
			}

			if deviceConfigOptions.DeviceID == "" {
				id, err := randutil.GenerateCryptoRandomString(12, deviceIDRunes)
				if err != nil {
					return fmt.Errorf("could not generate device id: %w", err)
				}
				deviceConfigOptions.DeviceID = "device-" + id
			}

			// Set up logger.
			logging.Debug(c.Bool("debug"))
			logger = log.With().
				Str("service", "tablehub").
				Str("command", "device").
				Str("device_id", deviceConfigOptions.DeviceID).
				Logger()
			ctx = logger.WithContext(ctx)

			validate := validator.New(validator.WithRequiredStructEnabled())
			for _, v := range []interface{}{
				brokerConfigOptions,
				deviceConfigOptions,
				hubClientConfigOptions,
			} {
				if err := validate.Struct(v); err != nil {
					return err
				}
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			monitor := status.NewMonitor(status.Snapshot{}, &logger)
			monitor.OnChange(func(change status.Change) {
				logger.Info().
					Str("state", string(change.State)).
					Bool("hub_connected", change.Snapshot.HubConnected).
					Bool("is_online", change.Snapshot.IsOnline).
					Msg("connection status")
			})

			ctx, broker, err := cfg.ConnectBroker(ctx, brokerConfigOptions, mqttclient.Hooks{
				OnConnect:        monitor.Online,
				OnConnectionLost: func(error) { monitor.Offline() },
			})
			if err != nil {
				return err
			}
			defer cfg.Disconnect(ctx)

			sig := signaling.New(broker, &logger)
			if err := sig.JoinAsClient(deviceConfigOptions.HubID, deviceConfigOptions.RestaurantID, deviceConfigOptions.DeviceID); err != nil {
				return err
			}
			defer sig.Leave()

			joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
			err = sig.AwaitReady(joinCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("could not join signaling: %w", err)
			}

			dialer := peer.NewDialer(sig, deviceConfigOptions.DeviceID, deviceInfo(), &logger, webRTCConfigOptions)
			defer dialer.Close()
			dialer.OnMessage(func(data []byte) {
				var f hubclient.Frame
				if err := json.Unmarshal(data, &f); err != nil || f.Order == nil {
					logger.Debug().Int("size", len(data)).Msg("ignored data channel message")
					return
				}
				logOrder(&logger, "data_channel", *f.Order)
			})

			redial := make(chan struct{}, 1)
			requestRedial := func() {
				select {
				case redial <- struct{}{}:
				default:
				}
			}
			dialer.OnFailed(requestRedial)
			go dialLoop(ctx, dialer, redial, rate.NewLimiter(rate.Every(redialInterval), 1), &logger)

			client := hubclient.New(&logger, hubClientConfigOptions)
			client.On(hubclient.EventConnected, func(s hubclient.Status) {
				monitor.HubConnected(s.HubURL)
				// A station that came back is worth another offer.
				requestRedial()
			})
			client.On(hubclient.EventDisconnected, func(hubclient.Status) { monitor.HubDisconnected() })
			client.OnOrder(func(o store.Order) { logOrder(&logger, "websocket", o) })

			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Err(err).Msg("device failed")
				return err
			}
			return nil
		},
		After: func(c *cli.Context) error {
			logger.Info().Msg("exits")
			return nil
		},
	}
}

type peerDialer interface {
	Dial(ctx context.Context) error
	Active() bool
}

// dialLoop dials right away and again on every redial request while no connection is active.
// Dials are spaced by limiter.
func dialLoop(ctx context.Context, d peerDialer, redial <-chan struct{}, limiter *rate.Limiter, logger *zerolog.Logger) {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		// The hub may be down; the websocket keeps the device served meanwhile.
		if err := d.Dial(ctx); err != nil {
			logger.Warn().Err(err).Msg("could not open peer connection to hub")
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-redial:
			}
			if !d.Active() {
				break
			}
		}
	}
}

func deviceInfo() signaling.DeviceInfo {
	info := signaling.DeviceInfo{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if hostname, err := os.Hostname(); err == nil {
		info["hostname"] = hostname
	}
	return info
}

func logOrder(logger *zerolog.Logger, via string, o store.Order) {
	logger.Info().
		Str("via", via).
		Str("order_id", o.ID).
		Str("status", o.Status).
		Int64("total", o.Total).
		Time("updated_at", o.UpdatedAt).
		Msg("order update")
}

func deviceFlags(options *deviceConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "device.hub_id",
			Usage:       "Id of the hub to attach to",
			Value:       "",
			Destination: &options.HubID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "device.restaurant_id",
			Usage:       "Id of the restaurant the hub serves",
			Value:       "",
			Destination: &options.RestaurantID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "device.id",
			Usage:       "Id of this device, generated when empty",
			Value:       "",
			Destination: &options.DeviceID,
		}),
	}
}

func hubClientFlags(options *hubclient.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "hub.url",
			Usage:       "Websocket url of the station",
			Value:       "ws://127.0.0.1:8080/v1/hub/ws",
			DefaultText: "ws://127.0.0.1:8080/v1/hub/ws",
			Destination: &options.URL,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "hub.reconnect_interval",
			Usage:       "Minimum time between reconnect attempts",
			Value:       2 * time.Second,
			DefaultText: "2s",
			Destination: &options.ReconnectInterval,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "hub.handshake_timeout",
			Usage:       "How long the station may take to greet",
			Value:       5 * time.Second,
			DefaultText: "5s",
			Destination: &options.HandshakeTimeout,
		}),
	}
}
