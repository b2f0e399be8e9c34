package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// State is the per-peer negotiation state.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerExchanged:
		return "answer_exchanged"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrackSender is the sending side of one outbound media track.
// *webrtc.RTPSender implements it.
type TrackSender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnection abstracts the native peer-connection resource so the
// manager can be exercised without media or network in tests.
type PeerConnection interface {
	SetRemoteDescription(desc webrtc.SessionDescription) error
	SetLocalDescription(desc webrtc.SessionDescription) error
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// Factory creates the native connection for a new peer.
type Factory func(cfg webrtc.Configuration) (PeerConnection, error)

// pionConn adapts *webrtc.PeerConnection to the PeerConnection
// interface; only AddTrack needs a wrapper for its return type.
type pionConn struct {
	*webrtc.PeerConnection
}

func (p pionConn) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func defaultFactory(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return pionConn{pc}, nil
}

// peer holds one remote participant's connection, candidate buffer and
// negotiation state. The mutex makes the candidate-vs-description
// check-then-act race-free.
type peer struct {
	id    string
	label string

	mu        sync.Mutex
	pc        PeerConnection
	buf       CandidateBuffer
	state     State
	remoteSet bool
	senders   []TrackSender
}

func (p *peer) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateClosed {
		p.state = s
	}
}

func (p *peer) currentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// close shuts the native connection down. Returns false when the peer
// was already closed.
func (p *peer) close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return false
	}
	p.state = StateClosed
	p.pc.Close()
	return true
}
