package signaling

import (
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/SB-IM/tablehub/internal/pubsub"
)

// Broadcast events carried on the signaling channel, re-emitted locally under the same names.
const (
	EventClientOffer        = "client-offer"
	EventClientICECandidate = "client-ice-candidate"
	EventHubAnswer          = "hub-answer"
	EventHubICECandidate    = "hub-ice-candidate"
)

// Local-only events.
const (
	EventReady = "ready"
	EventError = "error"
)

// Role is the side a Signaling joined as.
type Role string

const (
	RoleHub    Role = "hub"
	RoleClient Role = "client"
)

// Topic returns the channel name shared by a hub and its devices.
func Topic(restaurantID, hubID string) string {
	return "hub-signaling-" + restaurantID + "-" + hubID
}

// DeviceInfo describes the device behind an offer. It is opaque to signaling.
type DeviceInfo map[string]interface{}

// Stamp orders the messages of one sender.
// Seq increases by one per message within a Session; a new Session restarts it.
// Timestamp is wall clock in unix milliseconds and advisory only.
type Stamp struct {
	Timestamp int64  `json:"timestamp"`
	Seq       uint64 `json:"seq"`
	Session   string `json:"session"`
}

// ClientOffer is sent by a device to open a peer connection with the hub.
type ClientOffer struct {
	Offer      webrtc.SessionDescription `json:"offer"`
	DeviceID   string                    `json:"deviceId"`
	DeviceInfo DeviceInfo                `json:"deviceInfo"`
	Stamp
}

// HubAnswer is the hub's reply to one device's offer.
type HubAnswer struct {
	Answer         webrtc.SessionDescription `json:"answer"`
	TargetDeviceID string                    `json:"targetDeviceId"`
	HubID          string                    `json:"hubId"`
	Stamp
}

// ICECandidate is a trickled candidate in either direction.
// DeviceID is the sending device and is empty for the hub.
type ICECandidate struct {
	Candidate      webrtc.ICECandidateInit `json:"candidate"`
	TargetDeviceID string                  `json:"targetDeviceId,omitempty"`
	DeviceID       string                  `json:"deviceId,omitempty"`
	HubID          string                  `json:"hubId"`
	Stamp
}

// Ready is emitted once the channel subscription is active.
type Ready struct {
	Role     Role
	HubID    string
	DeviceID string
	Topic    string
}

// SubscriptionError is emitted when the channel subscription ends up in a terminal status.
type SubscriptionError struct {
	Topic  string
	Status pubsub.Status
	Err    error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription to %s failed with %s: %v", e.Topic, e.Status, e.Err)
	}
	return fmt.Sprintf("subscription to %s failed with %s", e.Topic, e.Status)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
