package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/SB-IM/tablehub/internal/metrics"
	"github.com/SB-IM/tablehub/internal/signaling"
)

// Dialer opens a device's peer connection to the hub.
type Dialer struct {
	sig        *signaling.Signaling
	api        *webrtc.API
	config     ConfigOptions
	logger     zerolog.Logger
	deviceID   string
	deviceInfo signaling.DeviceInfo
	seq        *signaling.Sequencer

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	remote    candidateBuffer
	local     candidateBuffer
	stop      func()
	onMessage func(data []byte)
	onFailed  func()
}

// NewDialer returns a Dialer signaling through sig, which should be joined as client deviceID.
func NewDialer(sig *signaling.Signaling, deviceID string, deviceInfo signaling.DeviceInfo, logger *zerolog.Logger, config ConfigOptions) *Dialer {
	return &Dialer{
		sig:        sig,
		api:        newAPI(logger),
		config:     config,
		logger:     logger.With().Str("component", "Dialer").Str("device_id", deviceID).Logger(),
		deviceID:   deviceID,
		deviceInfo: deviceInfo,
		seq:        signaling.NewSequencer(signaling.DefaultSequenceWindow),
	}
}

// OnMessage sets the callback for messages the hub pushes on the orders channel.
func (d *Dialer) OnMessage(fn func(data []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = fn
}

// OnFailed sets the callback run after the current connection's ICE transport failed and the
// connection was closed.
func (d *Dialer) OnFailed(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFailed = fn
}

// Dial sends an offer and returns once the hub's answer is applied. ICE continues in the
// background. A previous connection is closed first.
func (d *Dialer) Dial(ctx context.Context) error {
	if err := d.Close(); err != nil {
		d.logger.Err(err).Msg("could not close previous PeerConnection")
	}

	pc, err := d.api.NewPeerConnection(d.config.configuration())
	if err != nil {
		return fmt.Errorf("could not create PeerConnection: %w", err)
	}
	dc, err := pc.CreateDataChannel(OrdersLabel, nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("could not create data channel: %w", err)
	}
	dc.OnOpen(func() {
		d.logger.Info().Msg("orders data channel opened")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.mu.Lock()
		fn := d.onMessage
		d.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := c.ToJSON()
		d.mu.Lock()
		send := d.pc == pc && d.local.add(candidate)
		d.mu.Unlock()
		if !send {
			return
		}
		if err := d.sig.SendICECandidate(candidate, ""); err != nil {
			d.logger.Err(err).Msg("could not send candidate")
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		d.logger.Debug().Str("state", state.String()).Msg("ICE connection state has changed")
		if state != webrtc.ICEConnectionStateFailed {
			return
		}
		d.mu.Lock()
		current := d.pc == pc
		fn := d.onFailed
		d.mu.Unlock()
		if !current {
			if err := pc.Close(); err != nil {
				d.logger.Err(err).Msg("could not close PeerConnection")
			}
			return
		}
		if err := d.Close(); err != nil {
			d.logger.Err(err).Msg("could not close PeerConnection")
		}
		if fn != nil {
			fn()
		}
	})

	answers := make(chan signaling.HubAnswer, 1)
	offAnswer := d.sig.OnHubAnswer(func(a signaling.HubAnswer) {
		if !d.seq.Accept("answer:"+a.HubID, a.Stamp) {
			metrics.SignalsDropped.WithLabelValues(signaling.EventHubAnswer, "stale").Inc()
			return
		}
		select {
		case answers <- a:
		default:
		}
	})
	defer offAnswer()
	offCandidate := d.sig.OnHubICECandidate(d.handleCandidate)

	d.mu.Lock()
	d.pc = pc
	d.dc = dc
	d.remote = candidateBuffer{}
	d.local = candidateBuffer{}
	d.stop = offCandidate
	d.mu.Unlock()

	fail := func(err error) error {
		if cerr := d.Close(); cerr != nil {
			d.logger.Err(cerr).Msg("could not close PeerConnection")
		}
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("could not create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("could not set local description: %w", err))
	}
	if err := d.sig.SendOffer(*pc.LocalDescription(), d.deviceID, d.deviceInfo); err != nil {
		return fail(fmt.Errorf("could not send offer: %w", err))
	}
	d.logger.Info().Msg("sent offer")

	ctx, cancel := context.WithTimeout(ctx, d.config.answerTimeout())
	defer cancel()

	var answer signaling.HubAnswer
	select {
	case answer = <-answers:
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fail(ErrAnswerTimeout)
		}
		return fail(ctx.Err())
	}

	if err := pc.SetRemoteDescription(answer.Answer); err != nil {
		return fail(fmt.Errorf("could not set remote description: %w", err))
	}
	d.logger.Info().Str("hub_id", answer.HubID).Msg("received answer")

	d.mu.Lock()
	early := d.remote.flush()
	pending := d.local.flush()
	d.mu.Unlock()
	for _, c := range early {
		if err := pc.AddICECandidate(c); err != nil {
			d.logger.Err(err).Msg("could not add ICE candidate")
		}
	}
	for _, c := range pending {
		if err := d.sig.SendICECandidate(c, ""); err != nil {
			d.logger.Err(err).Msg("could not send candidate")
		}
	}
	return nil
}

// Send writes data on the orders channel.
func (d *Dialer) Send(data []byte) error {
	d.mu.Lock()
	dc := d.dc
	d.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotDialed
	}
	return dc.Send(data)
}

// Active reports whether there is a connection whose ICE transport is still usable.
func (d *Dialer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pc == nil {
		return false
	}
	switch d.pc.ICEConnectionState() {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateClosed:
		return false
	}
	return true
}

// SignalingState returns the signaling state of the current connection.
func (d *Dialer) SignalingState() webrtc.SignalingState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pc == nil {
		return webrtc.SignalingStateClosed
	}
	return d.pc.SignalingState()
}

// Close closes the current connection, if any.
func (d *Dialer) Close() error {
	d.mu.Lock()
	pc, stop := d.pc, d.stop
	d.pc, d.dc, d.stop = nil, nil, nil
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	if pc == nil {
		return nil
	}
	return pc.Close()
}

func (d *Dialer) handleCandidate(c signaling.ICECandidate) {
	if d.seq.Duplicate("candidate:"+c.HubID, c.Stamp) {
		metrics.SignalsDropped.WithLabelValues(signaling.EventHubICECandidate, "duplicate").Inc()
		return
	}

	d.mu.Lock()
	pc := d.pc
	add := pc != nil && d.remote.add(c.Candidate)
	d.mu.Unlock()
	if !add {
		return
	}
	if err := pc.AddICECandidate(c.Candidate); err != nil {
		d.logger.Err(err).Msg("could not add ICE candidate")
	}
}
