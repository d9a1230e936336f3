package turn

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"github.com/williamlsh/logging"

	"github.com/SB-IM/tablehub/cmd/internal/cfg"
	"github.com/SB-IM/tablehub/internal/turn"
)

const configFlagName = "config"

// Command returns a turn command.
func Command() *cli.Command {
	var (
		logger            zerolog.Logger
		turnConfigOptions turn.ConfigOptions
	)

	flags := func() (flags []cli.Flag) {
		for _, v := range [][]cli.Flag{
			cfg.LoadConfigFlag(configFlagName),
			turnConfigFlags(&turnConfigOptions),
		} {
			flags = append(flags, v...)
		}
		return
	}()

	return &cli.Command{
		Name:  "turn",
		Usage: "Start TURN server for devices that cannot reach the station directly",
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
			logger = log.With().Str("service", "tablehub").Str("command", "turn").Logger()

			return validator.New().Struct(turnConfigOptions)
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := turn.New(&logger, turnConfigOptions)
			logger.Info().Str("url", s.URL()).Msg("serving TURN")
			if err := s.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
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

func turnConfigFlags(options *turn.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "turn.public_ip",
			Usage:       "IP Address that TURN can be contacted by",
			Value:       "127.0.0.1",
			DefaultText: "127.0.0.1",
			Destination: &options.PublicIP,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:        "turn.port",
			Usage:       "Listening port",
			Value:       3478,
			DefaultText: "3478",
			Destination: &options.Port,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "turn.username",
			Usage:       "Username",
			Value:       "user",
			DefaultText: "user",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "turn.password",
			Usage:       "Password",
			Value:       "password",
			DefaultText: "password",
			Destination: &options.Password,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "turn.realm",
			Usage:       "Realm",
			Value:       "tablehub.local",
			DefaultText: "tablehub.local",
			Destination: &options.Realm,
		}),
		altsrc.NewUintFlag(&cli.UintFlag{
			Name:        "turn.relay_min_port",
			Usage:       "Minimum relay port",
			Value:       50000,
			DefaultText: "50000",
			Destination: &options.RelayMinPort,
		}),
		altsrc.NewUintFlag(&cli.UintFlag{
			Name:        "turn.relay_max_port",
			Usage:       "Maximum relay port",
			Value:       55000,
			DefaultText: "55000",
			Destination: &options.RelayMaxPort,
		}),
	}
}
