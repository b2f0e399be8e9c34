// Package rtc manages the WebRTC signaling state machine for the video
// classroom: offer/answer exchange, ICE candidate buffering and the
// lifecycle of one peer connection per remote participant.
package rtc

import "encoding/json"

// Signaling message types.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Message is the video signaling wire format, exchanged over a
// room-scoped socket. Target identifies the remote peer and Label
// distinguishes media roles in multi-party rooms.
type Message struct {
	Type   string          `json:"type"`
	Target string          `json:"target,omitempty"`
	Label  string          `json:"label,omitempty"`
	Data   json.RawMessage `json:"data"`
}
