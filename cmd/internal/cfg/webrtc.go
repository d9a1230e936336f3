package cfg

import (
	"time"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/SB-IM/tablehub/internal/peer"
)

// WebRTCFlags returns the peer connection flags writing into options.
func WebRTCFlags(options *peer.ConfigOptions) []cli.Flag {
	return []cli.Flag{
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server",
			Usage:       "ICE server address for webRTC",
			Value:       "stun:stun.l.google.com:19302",
			DefaultText: "stun:stun.l.google.com:19302",
			Destination: &options.ICEServer,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server_username",
			Usage:       "ICE server username",
			Value:       "",
			DefaultText: "",
			Destination: &options.Username,
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:        "webrtc.ice_server_credential",
			Usage:       "ICE server credential",
			Value:       "",
			DefaultText: "",
			Destination: &options.Credential,
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:        "webrtc.answer_timeout",
			Usage:       "How long a device waits for the hub's answer",
			Value:       15 * time.Second,
			DefaultText: "15s",
			Destination: &options.AnswerTimeout,
		}),
	}
}

// LoadConfigFlag sets a config file path for app command.
// Note: you can't set any other flags' `Required` value to `true`,
// As it conflicts with this flag. You can set only either this flag or specifically the other flags but not both.
func LoadConfigFlag(name string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        name,
			Aliases:     []string{"c"},
			Usage:       "Config file path",
			Value:       "config/config.toml",
			DefaultText: "config/config.toml",
		},
	}
}
