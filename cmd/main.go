package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/SB-IM/tablehub/cmd/device"
	"github.com/SB-IM/tablehub/cmd/internal/build"
	"github.com/SB-IM/tablehub/cmd/station"
	"github.com/SB-IM/tablehub/cmd/turn"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("tablehub failed")
	}
}

func run(args []string) error {
	app := &cli.App{
		Name:  "tablehub",
		Usage: "tablehub connects a restaurant's staff devices to its local hub and the cloud",
		Flags: []cli.Flag{ // Global flags.
			&cli.BoolFlag{
				Name:        "debug",
				Value:       false,
				Usage:       "enable debug mod",
				DefaultText: "false",
				EnvVars:     []string{"DEBUG"},
			},
		},
		Commands: []*cli.Command{
			station.Command(),
			device.Command(),
			turn.Command(),
			build.Command(),
		},
	}

	return app.Run(args)
}
