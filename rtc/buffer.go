package rtc

import "github.com/pion/webrtc/v4"

// CandidateBuffer queues remote ICE candidates that arrive before the
// peer's remote description is applied. Candidates are drained in
// arrival order and applied exactly once; the buffer is not safe for
// concurrent use and is guarded by its peer's mutex.
type CandidateBuffer struct {
	pending []webrtc.ICECandidateInit
}

func (b *CandidateBuffer) Push(c webrtc.ICECandidateInit) {
	b.pending = append(b.pending, c)
}

// Drain returns the queued candidates in arrival order and empties the
// buffer.
func (b *CandidateBuffer) Drain() []webrtc.ICECandidateInit {
	out := b.pending
	b.pending = nil
	return out
}

func (b *CandidateBuffer) Len() int {
	return len(b.pending)
}
