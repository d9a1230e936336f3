package station

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"github.com/williamlsh/logging"

	"github.com/SB-IM/tablehub/cmd/internal/cfg"
	"github.com/SB-IM/tablehub/internal/peer"
	"github.com/SB-IM/tablehub/internal/pubsub"
	"github.com/SB-IM/tablehub/internal/station"
	"github.com/SB-IM/tablehub/internal/store"
	"github.com/SB-IM/tablehub/pkg/mqttclient"
)

const configFlagName = "config"

type storeConfigOptions struct {
	Path string `validate:"required"`
}

// Command returns a station command.
func Command() *cli.Command {
	ctx := context.Background()

	var (
		logger zerolog.Logger

		brokerConfigOptions   cfg.BrokerConfigOptions
		embeddedConfigOptions pubsub.EmbeddedServerConfigOptions
		stationConfigOptions  station.ConfigOptions
		webRTCConfigOptions   peer.ConfigOptions
		storeConfigOptions    storeConfigOptions
	)

	flags := func() (flags []cli.Flag) {
		for _, v := range [][]cli.Flag{
			cfg.LoadConfigFlag(configFlagName),
			cfg.BrokerFlags(&brokerConfigOptions),
			embeddedFlags(&embeddedConfigOptions),
			stationFlags(&stationConfigOptions),
			cfg.WebRTCFlags(&webRTCConfigOptions),
			storeFlags(&storeConfigOptions),
		} {
			flags = append(flags, v...)
		}
		return
	}()

	return &cli.Command{
		Name:  "station",
		Usage: "run the restaurant's local hub station",
		Flags: flags,
		Before: func(c *cli.Context) error {
			if err := altsrc.InitInputSourceWithContext(
				flags,
				altsrc.NewTomlSourceFromFlagFunc(configFlagName),
			)(c); err != nil {
				return err
			}

			// Set up logger.
			logging.Debug(c.Bool("debug"))
			logger = log.With().Str("service", "tablehub").Str("command", "station").Logger()
			ctx = logger.WithContext(ctx)

			validate := validator.New(validator.WithRequiredStructEnabled())
			for _, v := range []interface{}{
				brokerConfigOptions,
				embeddedConfigOptions,
				stationConfigOptions,
				storeConfigOptions,
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

			var extra []suture.Service
			if embeddedConfigOptions.Enabled {
				srv, err := pubsub.StartEmbeddedServer(&logger, embeddedConfigOptions)
				if err != nil {
					return err
				}
				// Devices on the LAN signal through the station when no NATS url is configured.
				if brokerConfigOptions.Backend == cfg.BackendNATS && brokerConfigOptions.NATS.URL == "" {
					brokerConfigOptions.NATS.URL = srv.ClientURL()
				}
				extra = append(extra, srv)
			}

			ctx, broker, err := cfg.ConnectBroker(ctx, brokerConfigOptions, mqttclient.Hooks{})
			if err != nil {
				return err
			}
			defer cfg.Disconnect(ctx)

			st, err := store.Open(storeConfigOptions.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := station.New(ctx, broker, st, stationConfigOptions, webRTCConfigOptions)
			if err := svc.Serve(ctx, extra...); err != nil && !errors.Is(err, context.Canceled) {
				logger.Err(err).Msg("station failed")
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

func embeddedFlags(options *pubsub.EmbeddedServerConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewBoolFlag(&cli.BoolFlag{
			Name:        "embedded_nats.enabled",
			Usage:       "Run a NATS server inside the station for LAN signaling",
			Value:       false,
			DefaultText: "false",
			Destination: &options.Enabled,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "embedded_nats.host",
			Usage:       "Host the embedded NATS server listens on",
			Value:       "0.0.0.0",
			DefaultText: "0.0.0.0",
			Destination: &options.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "embedded_nats.port",
			Usage:       "Port the embedded NATS server listens on, -1 picks a free one",
			Value:       4222,
			DefaultText: "4222",
			Destination: &options.Port,
		}),
	}
}

func stationFlags(options *station.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "station.hub_id",
			Usage:       "Id of this hub",
			Value:       "",
			Destination: &options.HubID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "station.restaurant_id",
			Usage:       "Id of the restaurant this hub serves",
			Value:       "",
			Destination: &options.RestaurantID,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "station.host",
			Usage:       "Host of the station HTTP server",
			Value:       "0.0.0.0",
			DefaultText: "0.0.0.0",
			Destination: &options.Host,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "station.port",
			Usage:       "Port of the station HTTP server",
			Value:       8080,
			DefaultText: "8080",
			Destination: &options.Port,
		}),
	}
}

func storeFlags(options *storeConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "store.path",
			Usage:       "Path of the sqlite order mirror",
			Value:       "tablehub.db",
			DefaultText: "tablehub.db",
			Destination: &options.Path,
		}),
	}
}
