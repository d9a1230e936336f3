package station

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/SB-IM/tablehub/internal/hubclient"
	"github.com/SB-IM/tablehub/internal/metrics"
)

const (
	clientSendBuffer = 64
	writeTimeout     = 5 * time.Second
)

// wsClient is one device attached to the station websocket.
type wsClient struct {
	send chan hubclient.Frame
}

// wsHub fans frames out to every attached device. Slow devices are dropped.
type wsHub struct {
	logger zerolog.Logger
	hello  hubclient.Frame

	broadcast chan hubclient.Frame

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newWSHub(logger *zerolog.Logger, hello hubclient.Frame) *wsHub {
	return &wsHub{
		logger:    logger.With().Str("component", "websocket-hub").Logger(),
		hello:     hello,
		broadcast: make(chan hubclient.Frame, 256),
		clients:   make(map[*wsClient]struct{}),
	}
}

// Serve runs the hub until ctx is done.
func (h *wsHub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info().Msg("websocket hub stopped")
			return ctx.Err()
		case f := <-h.broadcast:
			h.fanOut(f)
		}
	}
}

// Publish queues f for every client. It never blocks.
func (h *wsHub) Publish(f hubclient.Frame) {
	select {
	case h.broadcast <- f:
	default:
		h.logger.Warn().Str("type", f.Type).Msg("websocket broadcast queue full")
	}
}

// Clients returns the number of attached devices.
func (h *wsHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *wsHub) fanOut(f hubclient.Frame) {
	h.mu.RLock()
	var slow []*wsClient
	for c := range h.clients {
		select {
		case c.send <- f:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c)
	}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
	h.logger.Info().Int("total_clients", n).Msg("websocket client connected")
}

func (h *wsHub) drop(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Set(float64(n))
		h.logger.Info().Int("total_clients", n).Msg("websocket client disconnected")
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.WebSocketClients.Set(0)
}

// handleWS attaches a device. The hello frame goes first, pushed frames follow.
func (h *wsHub) handleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			h.logger.Err(err).Msg("could not accept websocket")
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		ctx := conn.CloseRead(r.Context())

		c := &wsClient{send: make(chan hubclient.Frame, clientSendBuffer)}
		if err := h.write(ctx, conn, h.hello); err != nil {
			h.logger.Debug().Err(err).Msg("could not send hello")
			return
		}

		h.add(c)
		defer h.drop(c)

		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-c.send:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "station is shutting down")
					return
				}
				if err := h.write(ctx, conn, f); err != nil {
					h.logger.Debug().Err(err).Msg("could not write frame")
					return
				}
			}
		}
	}
}

func (h *wsHub) write(ctx context.Context, conn *websocket.Conn, f hubclient.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}
