package signaling

import (
	"github.com/goccy/go-json"

	"github.com/SB-IM/tablehub/internal/emitter"
	"github.com/SB-IM/tablehub/internal/metrics"
	"github.com/SB-IM/tablehub/internal/pubsub"
)

func (s *Signaling) handleClientOffer(msg pubsub.Message) {
	var offer ClientOffer
	if !s.decode(msg, &offer) {
		return
	}
	metrics.SignalsReceived.WithLabelValues(msg.Event).Inc()
	emitter.Emit(s.events, clientOfferKey, offer)
}

func (s *Signaling) handleClientICECandidate(msg pubsub.Message) {
	var candidate ICECandidate
	if !s.decode(msg, &candidate) {
		return
	}
	metrics.SignalsReceived.WithLabelValues(msg.Event).Inc()
	emitter.Emit(s.events, clientICECandidateKey, candidate)
}

func (s *Signaling) handleHubAnswer(msg pubsub.Message) {
	var answer HubAnswer
	if !s.decode(msg, &answer) {
		return
	}
	if !s.addressed(msg.Event, answer.TargetDeviceID) {
		return
	}
	metrics.SignalsReceived.WithLabelValues(msg.Event).Inc()
	emitter.Emit(s.events, hubAnswerKey, answer)
}

func (s *Signaling) handleHubICECandidate(msg pubsub.Message) {
	var candidate ICECandidate
	if !s.decode(msg, &candidate) {
		return
	}
	if !s.addressed(msg.Event, candidate.TargetDeviceID) {
		return
	}
	metrics.SignalsReceived.WithLabelValues(msg.Event).Inc()
	emitter.Emit(s.events, hubICECandidateKey, candidate)
}

func (s *Signaling) decode(msg pubsub.Message, v interface{}) bool {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		metrics.SignalsDropped.WithLabelValues(msg.Event, "malformed").Inc()
		s.logger.Warn().Err(err).Str("event", msg.Event).Msg("dropped malformed signal")
		return false
	}
	return true
}

// addressed reports whether a hub message targets this device.
// An empty target never matches.
func (s *Signaling) addressed(event, target string) bool {
	s.mu.Lock()
	deviceID := s.deviceID
	s.mu.Unlock()
	if target != "" && target == deviceID {
		return true
	}
	metrics.SignalsDropped.WithLabelValues(event, "not_addressed").Inc()
	s.logger.Trace().Str("event", event).Str("target", target).Msg("dropped signal for another device")
	return false
}
