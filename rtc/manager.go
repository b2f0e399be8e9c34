package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/tutorlink/go-classroom/stats"
)

// defaultICEServers mirrors the STUN set the classroom client has
// always used.
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
	{URLs: []string{"stun:stun3.l.google.com:19302"}},
	{URLs: []string{"stun:stun4.l.google.com:19302"}},
}

// ErrManagerClosed is returned once End has torn the session down.
var ErrManagerClosed = errors.New("rtc: manager closed")

// SendFunc emits a signaling message to the room socket.
type SendFunc func(msg Message) error

// TrackFunc is invoked when a remote peer's media track arrives.
type TrackFunc func(peerID, label string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// Manager owns every peer connection of one classroom session. It is
// instantiated per session; nothing is shared process-wide.
type Manager struct {
	log     *log.Logger
	send    SendFunc
	newConn Factory
	cfg     webrtc.Configuration
	stats   stats.Provider
	onTrack TrackFunc

	mu     sync.Mutex
	peers  map[string]*peer
	local  []webrtc.TrackLocal
	closed bool
}

type ManagerOption func(*Manager)

// WithFactory overrides the native connection factory.
func WithFactory(f Factory) ManagerOption {
	return func(m *Manager) { m.newConn = f }
}

func WithConfiguration(cfg webrtc.Configuration) ManagerOption {
	return func(m *Manager) { m.cfg = cfg }
}

// WithTrackHandler registers the callback receiving remote media.
func WithTrackHandler(fn TrackFunc) ManagerOption {
	return func(m *Manager) { m.onTrack = fn }
}

// WithLocalTracks sets the shared local media tracks attached to every
// peer connection. The tracks are shared by reference, not owned.
func WithLocalTracks(tracks []webrtc.TrackLocal) ManagerOption {
	return func(m *Manager) { m.local = tracks }
}

func NewManager(send SendFunc, sp stats.Provider, logger *log.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:     logger,
		send:    send,
		newConn: defaultFactory,
		cfg:     webrtc.Configuration{ICEServers: defaultICEServers},
		stats:   sp,
		peers:   make(map[string]*peer),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// HandleFrame parses a raw signaling frame and dispatches it. Wired to
// the video socket's raw handler.
func (m *Manager) HandleFrame(frame []byte) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		m.log.Printf("rtc: parse signaling message: %v", err)
		return
	}

	m.HandleMessage(msg)
}

// HandleMessage dispatches one signaling message. Messages for a peer
// are processed in arrival order.
func (m *Manager) HandleMessage(msg Message) {
	switch msg.Type {
	case TypeOffer:
		m.handleOffer(msg)
	case TypeCandidate:
		m.handleCandidate(msg)
	case TypeAnswer:
		m.handleAnswer(msg)
	default:
		m.log.Printf("rtc: unknown signaling message type %q", msg.Type)
	}
}

// handleOffer answers an incoming offer: the peer entry is created on
// first contact, the remote description applied, buffered candidates
// drained, and a local answer generated and sent back.
func (m *Manager) handleOffer(msg Message) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Data, &desc); err != nil {
		m.log.Printf("rtc: parse offer from %q: %v", msg.Target, err)
		return
	}

	p, err := m.ensurePeer(msg.Target, msg.Label)
	if err != nil {
		m.log.Printf("rtc: create peer %q: %v", msg.Target, err)
		return
	}

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		p.mu.Unlock()
		m.log.Printf("rtc: set remote offer from %q: %v", msg.Target, err)
		return
	}
	p.remoteSet = true
	p.state = StateOfferReceived
	m.drainLocked(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.mu.Unlock()
		m.log.Printf("rtc: create answer for %q: %v", msg.Target, err)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.mu.Unlock()
		m.log.Printf("rtc: set local answer for %q: %v", msg.Target, err)
		return
	}
	p.state = StateAnswerExchanged
	p.mu.Unlock()

	data, err := json.Marshal(answer)
	if err != nil {
		m.log.Printf("rtc: marshal answer for %q: %v", msg.Target, err)
		return
	}
	if err := m.send(Message{Type: TypeAnswer, Target: msg.Target, Label: msg.Label, Data: data}); err != nil {
		m.log.Printf("rtc: send answer to %q: %v", msg.Target, err)
	}
}

// handleCandidate applies a remote candidate immediately when the
// remote description is set, otherwise queues it. The peer mutex spans
// the check and the action so a candidate racing the offer/answer
// handling is neither dropped nor double-applied.
func (m *Manager) handleCandidate(msg Message) {
	p := m.lookup(msg.Target)
	if p == nil {
		m.log.Printf("rtc: candidate for unknown peer %q, dropping", msg.Target)
		return
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Data, &cand); err != nil {
		m.log.Printf("rtc: parse candidate from %q: %v", msg.Target, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return
	}

	if !p.remoteSet {
		p.buf.Push(cand)
		return
	}

	if err := p.pc.AddICECandidate(cand); err != nil {
		m.log.Printf("rtc: add candidate from %q: %v", msg.Target, err)
	}
}

// handleAnswer completes a negotiation this side initiated. An answer
// for an unknown peer is a protocol violation: logged and dropped,
// other peers are unaffected.
func (m *Manager) handleAnswer(msg Message) {
	p := m.lookup(msg.Target)
	if p == nil {
		m.log.Printf("rtc: no peer connection for answer from %q", msg.Target)
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Data, &desc); err != nil {
		m.log.Printf("rtc: parse answer from %q: %v", msg.Target, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		m.log.Printf("rtc: set remote answer from %q: %v", msg.Target, err)
		return
	}
	p.remoteSet = true
	p.state = StateAnswerExchanged
	m.drainLocked(p)
}

// drainLocked applies every buffered candidate in arrival order. The
// caller holds p.mu.
func (m *Manager) drainLocked(p *peer) {
	for _, cand := range p.buf.Drain() {
		if err := p.pc.AddICECandidate(cand); err != nil {
			m.log.Printf("rtc: apply buffered candidate for %q: %v", p.id, err)
		}
	}
}

// Call initiates a connection to a remote peer: creates the entry,
// sends an offer and transitions to OfferSent.
func (m *Manager) Call(target, label string) error {
	p, err := m.ensurePeer(target, label)
	if err != nil {
		return fmt.Errorf("create peer %q: %w", target, err)
	}

	p.mu.Lock()
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create offer for %q: %w", target, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("set local offer for %q: %w", target, err)
	}
	p.state = StateOfferSent
	p.mu.Unlock()

	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshal offer for %q: %w", target, err)
	}

	return m.send(Message{Type: TypeOffer, Target: target, Label: label, Data: data})
}

func (m *Manager) lookup(id string) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[id]
}

// ensurePeer returns the existing entry for id or creates one with the
// shared local tracks attached and callbacks wired.
func (m *Manager) ensurePeer(id, label string) (*peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if p, ok := m.peers[id]; ok {
		return p, nil
	}

	pc, err := m.newConn(m.cfg)
	if err != nil {
		return nil, err
	}

	p := &peer{id: id, label: label, pc: pc, state: StateIdle}

	for _, track := range m.local {
		sender, err := pc.AddTrack(track)
		if err != nil {
			m.log.Printf("rtc: add local track for %q: %v", id, err)
			continue
		}
		p.senders = append(p.senders, sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			m.log.Printf("rtc: marshal local candidate for %q: %v", id, err)
			return
		}
		if err := m.send(Message{Type: TypeCandidate, Target: id, Label: label, Data: data}); err != nil {
			m.log.Printf("rtc: send candidate to %q: %v", id, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if m.onTrack != nil {
			m.onTrack(id, label, track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.setState(StateConnected)
			m.incr(stats.PeersConnected)
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			m.removePeer(id)
		}
	})

	m.peers[id] = p
	return p, nil
}

// removePeer tears down one peer without touching the others.
func (m *Manager) removePeer(id string) {
	m.mu.Lock()
	p := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()

	if p == nil {
		return
	}

	wasConnected := p.currentState() == StateConnected
	if p.close() && wasConnected {
		m.decr(stats.PeersConnected)
	}
}

// SetLocalTracks swaps the shared local media after a device change.
// Live connections pick the new tracks up through sender-level track
// replacement, so no offer/answer round is needed.
func (m *Manager) SetLocalTracks(tracks []webrtc.TrackLocal) {
	m.mu.Lock()
	m.local = tracks
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		for _, sender := range p.senders {
			current := sender.Track()
			if current == nil {
				continue
			}
			for _, track := range tracks {
				if track.Kind() == current.Kind() {
					if err := sender.ReplaceTrack(track); err != nil {
						m.log.Printf("rtc: replace %s track for %q: %v", track.Kind(), p.id, err)
					}
					break
				}
			}
		}
		p.mu.Unlock()
	}
}

// PeerState reports the negotiation state for a peer id.
func (m *Manager) PeerState(id string) (State, bool) {
	p := m.lookup(id)
	if p == nil {
		return StateClosed, false
	}
	return p.currentState(), true
}

// Peers returns the ids of the currently managed peers.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// End closes every peer connection and releases the local media
// references. The local tracks themselves are shared and are not
// stopped here; the media source owner decides their fate.
func (m *Manager) End() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*peer)
	m.local = nil
	m.mu.Unlock()

	for _, p := range peers {
		wasConnected := p.currentState() == StateConnected
		if p.close() && wasConnected {
			m.decr(stats.PeersConnected)
		}
	}
}

func (m *Manager) incr(name string) {
	if m.stats != nil {
		m.stats.Incr(name)
	}
}

func (m *Manager) decr(name string) {
	if m.stats != nil {
		m.stats.Decr(name)
	}
}
