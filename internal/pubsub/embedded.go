package pubsub

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

const embeddedReadyTimeout = 10 * time.Second

// EmbeddedServerConfigOptions configures the station's local NATS broker.
type EmbeddedServerConfigOptions struct {
	Enabled bool
	Host    string
	// Port -1 picks a random free port.
	Port int
}

// EmbeddedServer is an in-process NATS server devices on the LAN can signal through
// while the cloud broker is unreachable.
type EmbeddedServer struct {
	server *server.Server
	logger zerolog.Logger
}

// StartEmbeddedServer starts a NATS server and waits until it accepts connections.
func StartEmbeddedServer(logger *zerolog.Logger, config EmbeddedServerConfigOptions) (*EmbeddedServer, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: "tablehub-station",
		Host:       config.Host,
		Port:       config.Port,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, err
	}

	go ns.Start()

	if !ns.ReadyForConnections(embeddedReadyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready within timeout")
	}

	l := logger.With().Str("component", "embedded-nats").Logger()
	l.Info().Str("url", ns.ClientURL()).Msg("started embedded NATS server")

	return &EmbeddedServer{server: ns, logger: l}, nil
}

// ClientURL returns the URL clients connect to.
func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *EmbeddedServer) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.Shutdown()
	return ctx.Err()
}

func (s *EmbeddedServer) String() string {
	return "embedded-nats"
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
	s.logger.Info().Msg("embedded NATS server stopped")
}
