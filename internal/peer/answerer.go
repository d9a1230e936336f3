package peer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/SB-IM/tablehub/internal/metrics"
	"github.com/SB-IM/tablehub/internal/signaling"
)

// MessageFunc receives data channel messages from a device.
type MessageFunc func(deviceID string, data []byte)

// Answerer accepts device offers on behalf of the hub. It keeps at most one peer
// connection per device: a newer offer replaces the previous connection.
type Answerer struct {
	sig    *signaling.Signaling
	api    *webrtc.API
	config ConfigOptions
	logger zerolog.Logger
	seq    *signaling.Sequencer

	mu        sync.Mutex
	peers     map[string]*devicePeer
	onMessage MessageFunc
}

type devicePeer struct {
	deviceID string
	pc       *webrtc.PeerConnection

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	remote candidateBuffer
	local  candidateBuffer
}

// NewAnswerer returns an Answerer answering through sig, which should be joined as hub.
func NewAnswerer(sig *signaling.Signaling, logger *zerolog.Logger, config ConfigOptions) *Answerer {
	return &Answerer{
		sig:    sig,
		api:    newAPI(logger),
		config: config,
		logger: logger.With().Str("component", "Answerer").Logger(),
		seq:    signaling.NewSequencer(signaling.DefaultSequenceWindow),
		peers:  make(map[string]*devicePeer),
	}
}

// OnMessage sets the callback for messages devices send on their orders channel.
func (a *Answerer) OnMessage(fn MessageFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = fn
}

// Start registers the answerer's signaling listeners. The returned function removes them.
func (a *Answerer) Start() (stop func()) {
	offOffer := a.sig.OnClientOffer(a.handleOffer)
	offCandidate := a.sig.OnClientICECandidate(a.handleCandidate)
	return func() {
		offOffer()
		offCandidate()
	}
}

// Peers returns the ids of devices with a peer connection, sorted.
func (a *Answerer) Peers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.peers))
	for id := range a.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast sends payload on the open orders channel of every device and returns how many
// devices it reached.
func (a *Answerer) Broadcast(payload []byte) int {
	a.mu.Lock()
	peers := make([]*devicePeer, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	a.mu.Unlock()

	var sent int
	for _, p := range peers {
		p.mu.Lock()
		dc := p.dc
		p.mu.Unlock()
		if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := dc.Send(payload); err != nil {
			a.logger.Err(err).Str("device_id", p.deviceID).Msg("could not send on data channel")
			continue
		}
		sent++
	}
	return sent
}

// Close closes every peer connection.
func (a *Answerer) Close() error {
	a.mu.Lock()
	peers := a.peers
	a.peers = make(map[string]*devicePeer)
	a.mu.Unlock()
	metrics.ActivePeers.Set(0)

	var firstErr error
	for _, p := range peers {
		if err := p.pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Answerer) handleOffer(offer signaling.ClientOffer) {
	logger := a.logger.With().Str("device_id", offer.DeviceID).Uint64("seq", offer.Seq).Logger()
	if offer.DeviceID == "" {
		logger.Warn().Msg("dropped offer without device id")
		return
	}
	if !a.seq.Accept("offer:"+offer.DeviceID, offer.Stamp) {
		metrics.SignalsDropped.WithLabelValues(signaling.EventClientOffer, "stale").Inc()
		logger.Debug().Msg("dropped stale offer")
		return
	}

	if err := a.answer(offer, &logger); err != nil {
		logger.Err(err).Msg("could not answer offer")
	}
}

func (a *Answerer) answer(offer signaling.ClientOffer, logger *zerolog.Logger) error {
	pc, err := a.api.NewPeerConnection(a.config.configuration())
	if err != nil {
		return fmt.Errorf("could not create PeerConnection: %w", err)
	}
	p := &devicePeer{deviceID: offer.DeviceID, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := c.ToJSON()
		p.mu.Lock()
		send := p.local.add(candidate)
		p.mu.Unlock()
		if !send {
			return
		}
		if err := a.sig.SendICECandidate(candidate, p.deviceID); err != nil {
			logger.Err(err).Msg("could not send candidate")
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug().Str("state", state.String()).Msg("ICE connection state has changed")
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed {
			a.remove(p)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != OrdersLabel {
			logger.Warn().Str("label", dc.Label()).Msg("ignored unknown data channel")
			return
		}
		p.mu.Lock()
		p.dc = dc
		p.mu.Unlock()
		dc.OnOpen(func() {
			logger.Info().Msg("orders data channel opened")
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			a.mu.Lock()
			fn := a.onMessage
			a.mu.Unlock()
			if fn != nil {
				fn(p.deviceID, msg.Data)
			}
		})
	})

	a.replace(p, logger)

	if err := pc.SetRemoteDescription(offer.Offer); err != nil {
		a.remove(p)
		return fmt.Errorf("could not set remote description: %w", err)
	}

	p.mu.Lock()
	early := p.remote.flush()
	p.mu.Unlock()
	for _, c := range early {
		if err := pc.AddICECandidate(c); err != nil {
			logger.Err(err).Msg("could not add ICE candidate")
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		a.remove(p)
		return fmt.Errorf("could not create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		a.remove(p)
		return fmt.Errorf("could not set local description: %w", err)
	}

	if err := a.sig.SendAnswer(*pc.LocalDescription(), p.deviceID); err != nil {
		a.remove(p)
		return fmt.Errorf("could not send answer: %w", err)
	}
	logger.Info().Msg("sent answer")

	// Candidates gathered before the answer went out follow it.
	p.mu.Lock()
	pending := p.local.flush()
	p.mu.Unlock()
	for _, c := range pending {
		if err := a.sig.SendICECandidate(c, p.deviceID); err != nil {
			logger.Err(err).Msg("could not send candidate")
		}
	}
	return nil
}

func (a *Answerer) handleCandidate(c signaling.ICECandidate) {
	if c.DeviceID == "" {
		return
	}
	// Candidates are distinct paths and may arrive in any order; only repeats are dropped.
	if a.seq.Duplicate("candidate:"+c.DeviceID, c.Stamp) {
		metrics.SignalsDropped.WithLabelValues(signaling.EventClientICECandidate, "duplicate").Inc()
		return
	}

	a.mu.Lock()
	p, ok := a.peers[c.DeviceID]
	a.mu.Unlock()
	if !ok {
		metrics.SignalsDropped.WithLabelValues(signaling.EventClientICECandidate, "no_peer").Inc()
		a.logger.Debug().Str("device_id", c.DeviceID).Msg("dropped candidate without peer")
		return
	}

	p.mu.Lock()
	add := p.remote.add(c.Candidate)
	p.mu.Unlock()
	if !add {
		return
	}
	if err := p.pc.AddICECandidate(c.Candidate); err != nil {
		a.logger.Err(err).Str("device_id", c.DeviceID).Msg("could not add ICE candidate")
	}
}

// replace registers p and closes the connection it supersedes.
func (a *Answerer) replace(p *devicePeer, logger *zerolog.Logger) {
	a.mu.Lock()
	old := a.peers[p.deviceID]
	a.peers[p.deviceID] = p
	n := len(a.peers)
	a.mu.Unlock()
	metrics.ActivePeers.Set(float64(n))

	if old != nil {
		logger.Info().Msg("closing superseded peer connection")
		if err := old.pc.Close(); err != nil {
			logger.Err(err).Msg("could not close PeerConnection")
		}
	}
}

// remove forgets p and its offer if it is still the device's current peer, and closes it.
func (a *Answerer) remove(p *devicePeer) {
	a.mu.Lock()
	current, ok := a.peers[p.deviceID]
	isCurrent := ok && current == p
	if isCurrent {
		delete(a.peers, p.deviceID)
	}
	n := len(a.peers)
	a.mu.Unlock()
	metrics.ActivePeers.Set(float64(n))

	if isCurrent {
		a.seq.Forget("offer:" + p.deviceID)
	}

	if err := p.pc.Close(); err != nil {
		a.logger.Err(err).Str("device_id", p.deviceID).Msg("could not close PeerConnection")
	}
}
