// Package turn runs the TURN relay used when a device and the station cannot reach each
// other directly.
package turn

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/turn/v2"
	"github.com/rs/zerolog"

	"github.com/SB-IM/tablehub/internal/pionlog"
)

// Server is a TURN relay that runs as a supervised service.
type Server struct {
	logger zerolog.Logger
	config ConfigOptions
}

// New returns an unstarted relay.
func New(logger *zerolog.Logger, config ConfigOptions) *Server {
	return &Server{
		logger: logger.With().Str("component", "turn").Logger(),
		config: config,
	}
}

// URL returns the ICE server url devices use to reach this relay.
func (s *Server) URL() string {
	return "turn:" + net.JoinHostPort(s.config.PublicIP, strconv.Itoa(s.config.Port))
}

func (s *Server) String() string {
	return "turn"
}

// Serve relays until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	udpListener, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(s.config.Port))
	if err != nil {
		return fmt.Errorf("could not create udp4 listener: %w", err)
	}
	s.logger.Info().Str("addr", udpListener.LocalAddr().String()).Msg("created udp4 listener")

	srv, err := turn.NewServer(turn.ServerConfig{
		LoggerFactory: pionlog.Factory(&s.logger),
		Realm:         s.config.Realm,
		AuthHandler:   authHandler(s.config),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
					RelayAddress: net.ParseIP(s.config.PublicIP), // Address handed out to peers.
					Address:      "0.0.0.0",                      // Listen on every interface.
					MinPort:      uint16(s.config.RelayMinPort),
					MaxPort:      uint16(s.config.RelayMaxPort),
				},
			},
		},
	})
	if err != nil {
		udpListener.Close()
		return fmt.Errorf("could not create TURN server: %w", err)
	}
	s.logger.Info().
		Uint("min_port", s.config.RelayMinPort).
		Uint("max_port", s.config.RelayMaxPort).
		Str("public_ip", s.config.PublicIP).
		Msg("started turn server")

	<-ctx.Done()
	if err := srv.Close(); err != nil {
		return fmt.Errorf("could not close TURN server: %w", err)
	}
	s.logger.Info().Msg("stopped turn server")
	return ctx.Err()
}

// authHandler accepts the single configured user. Only the derived key is kept in memory.
func authHandler(config ConfigOptions) turn.AuthHandler {
	key := turn.GenerateAuthKey(config.Username, config.Realm, config.Password)
	return func(username, realm string, _ net.Addr) ([]byte, bool) {
		if username != config.Username || realm != config.Realm {
			return nil, false
		}
		return key, true
	}
}
