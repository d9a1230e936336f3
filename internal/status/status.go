// Package status classifies how a device currently reaches orders: through the local hub,
// through the cloud only, or not at all.
package status

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/SB-IM/tablehub/internal/emitter"
	"github.com/SB-IM/tablehub/internal/metrics"
)

// State is a connection state. Exactly one holds at a time.
type State string

const (
	LocalHub  State = "LOCAL_HUB"
	CloudOnly State = "CLOUD_ONLY"
	Offline   State = "OFFLINE"
)

// States lists every State in priority order.
var States = []State{LocalHub, CloudOnly, Offline}

// Snapshot is the input of Classify.
type Snapshot struct {
	HubConnected bool
	IsOnline     bool
	// HubURL is set only while the hub is connected.
	HubURL       string
}

// Classify returns the state of s. A connected hub wins regardless of network state.
func Classify(s Snapshot) State {
	switch {
	case s.HubConnected:
		return LocalHub
	case s.IsOnline:
		return CloudOnly
	default:
		return Offline
	}
}

// Change is delivered to OnChange listeners.
type Change struct {
	Snapshot Snapshot
	State    State
	Previous State
}

var changeKey = emitter.Key[Change]{Name: "change"}

// Monitor tracks hub and network events and reclassifies on every one of them.
type Monitor struct {
	events *emitter.Emitter
	logger zerolog.Logger

	mu       sync.Mutex
	snapshot Snapshot
	state    State
}

// NewMonitor returns a Monitor starting from initial.
func NewMonitor(initial Snapshot, logger *zerolog.Logger) *Monitor {
	l := logger.With().Str("component", "status").Logger()
	m := &Monitor{
		events:   emitter.New(&l),
		logger:   l,
		snapshot: initial,
		state:    Classify(initial),
	}
	exportState(m.state)
	return m
}

// OnChange registers fn for every reclassification, including those that keep the state.
func (m *Monitor) OnChange(fn func(Change)) (unsubscribe func()) {
	return emitter.On(m.events, changeKey, fn)
}

// Current returns the latest snapshot and state.
func (m *Monitor) Current() (Snapshot, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, m.state
}

// HubConnected records a hub connected event.
func (m *Monitor) HubConnected(hubURL string) {
	m.update(func(s *Snapshot) {
		s.HubConnected = true
		s.HubURL = hubURL
	})
}

// HubDisconnected records a hub disconnected event and forgets the hub url.
func (m *Monitor) HubDisconnected() {
	m.update(func(s *Snapshot) {
		s.HubConnected = false
		s.HubURL = ""
	})
}

// Online records that the network came back.
func (m *Monitor) Online() {
	m.update(func(s *Snapshot) {
		s.IsOnline = true
	})
}

// Offline records that the network went away.
func (m *Monitor) Offline() {
	m.update(func(s *Snapshot) {
		s.IsOnline = false
	})
}

func (m *Monitor) update(apply func(*Snapshot)) {
	m.mu.Lock()
	apply(&m.snapshot)
	change := Change{Snapshot: m.snapshot, State: Classify(m.snapshot), Previous: m.state}
	m.state = change.State
	m.mu.Unlock()

	if change.State != change.Previous {
		m.logger.Info().
			Str("from", string(change.Previous)).
			Str("to", string(change.State)).
			Msg("connection state changed")
		exportState(change.State)
	}
	emitter.Emit(m.events, changeKey, change)
}

func exportState(current State) {
	for _, s := range States {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}
