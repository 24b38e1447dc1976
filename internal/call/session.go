package call

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/redfax-app/redfax/internal/proto"
	"github.com/redfax-app/redfax/internal/util"
)

const eventLogCapacity = 128

// Session holds the resources of one call: the peer connection, the
// captured media, the candidate buffers, and the negotiation log. All
// mutable fields except the atomics are guarded by the owning Manager's
// mutex.
type Session struct {
	id    string
	role  string
	peer  string
	state State

	pc        *webrtc.PeerConnection
	stopMedia func()

	// cachedOffer holds the remote offer between ring and accept.
	cachedOffer *proto.Signal

	// remotePending buffers inbound candidates that arrive before the
	// remote description is applied; applying them earlier would fail.
	remotePending []proto.Candidate

	// localPending holds locally gathered candidates until the call is
	// connected, at which point they are flushed in order.
	localPending []proto.Candidate

	ended     bool
	startedAt time.Time
	events    *util.RingBuffer[Event]

	audioPackets atomic.Uint64
	audioBytes   atomic.Uint64
	remoteLoss   atomic.Uint32 // fraction lost, 0..255
}

func newSession(id, role, peer string, state State) *Session {
	return &Session{
		id:        id,
		role:      role,
		peer:      peer,
		state:     state,
		startedAt: time.Now(),
		events:    util.NewRingBuffer[Event](eventLogCapacity),
	}
}

// logf appends a formatted line to the session's negotiation log and
// mirrors it to the package logger.
func (s *Session) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.events.Push(Event{At: time.Now(), Level: level, Msg: msg})
	switch level {
	case "error":
		log.Errorw(msg, "session", s.id, "peer", s.peer)
	case "warn":
		log.Warnw(msg, "session", s.id, "peer", s.peer)
	default:
		log.Infow(msg, "session", s.id, "peer", s.peer)
	}
}

// Events returns the negotiation log, oldest first.
func (s *Session) Events() []Event {
	return s.events.Snapshot()
}

func (s *Session) status() Status {
	st := Status{
		State:        s.state,
		SessionID:    s.id,
		Peer:         s.peer,
		Role:         s.role,
		StartedAt:    s.startedAt.UnixMilli(),
		AudioPackets: s.audioPackets.Load(),
		AudioBytes:   s.audioBytes.Load(),
	}
	if ev, ok := s.events.Last(); ok {
		st.LastEvent = ev.Msg
	}
	st.RemoteLossPct = float64(s.remoteLoss.Load()) / 256 * 100
	return st
}

// readRemote drains the remote audio track, counting traffic for the
// status endpoint. Exits when the track or connection closes.
func (s *Session) readRemote(track *webrtc.TrackRemote) {
	s.logf("info", "remote %s track %s", track.Kind(), track.ID())
	for {
		var pkt *rtp.Packet
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.logf("info", "remote track closed after %d packets, %d bytes",
				s.audioPackets.Load(), s.audioBytes.Load())
			return
		}
		s.audioPackets.Add(1)
		s.audioBytes.Add(uint64(len(pkt.Payload)))
	}
}

// drainRTCP reads receiver reports off an outbound sender. Reading also
// keeps the interceptor chain (NACK, report generation) running.
func (s *Session) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			rr, ok := p.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, rep := range rr.Reports {
				s.remoteLoss.Store(uint32(rep.FractionLost))
			}
		}
	}
}
