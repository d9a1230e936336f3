// Package peer negotiates WebRTC data channel connections between a hub and its devices
// over signaling. The hub answers, devices dial.
package peer

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/SB-IM/tablehub/internal/pionlog"
)

// OrdersLabel is the label of the data channel order updates travel on.
const OrdersLabel = "orders"

const defaultAnswerTimeout = 15 * time.Second

var (
	// ErrAnswerTimeout is returned by Dial when no answer arrives in time.
	ErrAnswerTimeout = errors.New("timed out waiting for hub answer")
	// ErrNotDialed is returned by Send before Dial succeeded.
	ErrNotDialed = errors.New("peer connection is not established")
)

// ConfigOptions configures peer connections.
type ConfigOptions struct {
	// ICEServer is a STUN or TURN url. Empty means host candidates only.
	ICEServer  string
	Username   string
	Credential string
	// AnswerTimeout bounds how long a device waits for the hub's answer.
	AnswerTimeout time.Duration
}

func (c ConfigOptions) configuration() webrtc.Configuration {
	if c.ICEServer == "" {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs:       []string{c.ICEServer},
				Username:   c.Username,
				Credential: c.Credential,
			},
		},
	}
}

// newAPI returns a webrtc API whose internal logs go to logger.
func newAPI(logger *zerolog.Logger) *webrtc.API {
	l := logger.With().Str("component", "pion").Logger()
	se := webrtc.SettingEngine{LoggerFactory: pionlog.Factory(&l)}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func (c ConfigOptions) answerTimeout() time.Duration {
	if c.AnswerTimeout <= 0 {
		return defaultAnswerTimeout
	}
	return c.AnswerTimeout
}

// candidateBuffer holds ICE candidates until the description they depend on is set.
type candidateBuffer struct {
	ready   bool
	pending []webrtc.ICECandidateInit
}

// add returns true if c should be used now, otherwise it is kept for flush.
func (b *candidateBuffer) add(c webrtc.ICECandidateInit) bool {
	if b.ready {
		return true
	}
	b.pending = append(b.pending, c)
	return false
}

// flush marks the buffer ready and returns what was held back.
func (b *candidateBuffer) flush() []webrtc.ICECandidateInit {
	b.ready = true
	p := b.pending
	b.pending = nil
	return p
}
