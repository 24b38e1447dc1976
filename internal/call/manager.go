// Package call implements the audio call lifecycle: offer/answer
// negotiation over the signaling channel, ICE candidate exchange, media
// capture, and the single-slot state machine (idle, initiating, receiving,
// connected). At most one session is non-idle; offers that arrive while
// busy are logged and discarded.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/redfax-app/redfax/internal/proto"
)

var log = logging.Logger("call")

// Manager owns the call slot and routes signaling to it.
type Manager struct {
	sig  Signaler
	opts Options

	mu   sync.Mutex
	cur  *Session
	last *Session // kept after hangup so the event log stays inspectable

	incomingMu sync.RWMutex
	incoming   map[chan IncomingCall]struct{}

	statusMu   sync.RWMutex
	statusSubs map[chan Status]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewManager creates a manager and starts consuming the signaler.
func NewManager(sig Signaler, opts Options) *Manager {
	m := &Manager{
		sig:        sig,
		opts:       opts,
		incoming:   make(map[chan IncomingCall]struct{}),
		statusSubs: make(map[chan Status]struct{}),
		done:       make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// Close hangs up any active call and stops the dispatch loop.
func (m *Manager) Close() {
	m.doneOnce.Do(func() { close(m.done) })
	m.Hangup()
}

// Status returns a snapshot of the call slot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Status{State: StateIdle}
	}
	return m.cur.status()
}

// EventLog returns the negotiation log of the active session, or of the
// most recently ended one.
func (m *Manager) EventLog() []Event {
	m.mu.Lock()
	sess := m.cur
	if sess == nil {
		sess = m.last
	}
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Events()
}

// SubscribeIncoming registers a listener for ringing calls.
func (m *Manager) SubscribeIncoming() chan IncomingCall {
	ch := make(chan IncomingCall, 4)
	m.incomingMu.Lock()
	m.incoming[ch] = struct{}{}
	m.incomingMu.Unlock()
	return ch
}

// UnsubscribeIncoming removes and closes a listener channel.
func (m *Manager) UnsubscribeIncoming(ch chan IncomingCall) {
	m.incomingMu.Lock()
	if _, ok := m.incoming[ch]; ok {
		delete(m.incoming, ch)
		close(ch)
	}
	m.incomingMu.Unlock()
}

// SubscribeStatus returns a channel receiving a snapshot on every state
// transition. The cancel func unregisters and closes it.
func (m *Manager) SubscribeStatus() (ch chan Status, cancel func()) {
	ch = make(chan Status, 8)
	m.statusMu.Lock()
	m.statusSubs[ch] = struct{}{}
	m.statusMu.Unlock()

	cancel = func() {
		m.statusMu.Lock()
		if _, ok := m.statusSubs[ch]; ok {
			delete(m.statusSubs, ch)
			close(ch)
		}
		m.statusMu.Unlock()
	}
	return ch, cancel
}

// StartCall places an outgoing call. The slot is claimed before any media
// prompt so a second StartCall fails fast; any setup failure releases the
// slot back to idle.
func (m *Manager) StartCall(ctx context.Context, peer string) error {
	if m.opts.Disabled {
		return ErrDisabled
	}
	if peer == "" {
		return errors.New("no call target")
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	sess := newSession(uuid.NewString(), RoleCaller, peer, StateInitiating)
	m.cur = sess
	m.mu.Unlock()

	sess.logf("info", "calling %s", peer)
	m.broadcastStatus(sess.status())

	if err := m.setupPeerConnection(sess); err != nil {
		m.endSession(sess, err.Error(), false)
		return err
	}

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		m.endSession(sess, "create offer: "+err.Error(), false)
		return err
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		m.endSession(sess, "set local description: "+err.Error(), false)
		return err
	}
	if err := m.sig.Send(peer, proto.NewOffer(offer.SDP)); err != nil {
		m.endSession(sess, "send offer: "+err.Error(), false)
		return err
	}
	sess.logf("info", "offer sent")
	return nil
}

// Accept answers the ringing call: capture media, apply the cached offer,
// send the answer. The call promotes to connected when ICE completes.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	sess := m.cur
	if sess == nil || sess.state != StateReceiving {
		m.mu.Unlock()
		return ErrNoCall
	}
	offer := sess.cachedOffer
	m.mu.Unlock()

	sess.logf("info", "accepting call from %s", sess.peer)

	if err := m.setupPeerConnection(sess); err != nil {
		m.endSession(sess, err.Error(), true)
		return err
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := sess.pc.SetRemoteDescription(desc); err != nil {
		m.endSession(sess, "set remote description: "+err.Error(), true)
		return err
	}
	m.flushRemoteCandidates(sess)

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		m.endSession(sess, "create answer: "+err.Error(), true)
		return err
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		m.endSession(sess, "set local description: "+err.Error(), true)
		return err
	}
	if err := m.sig.Send(sess.peer, proto.NewAnswer(answer.SDP)); err != nil {
		m.endSession(sess, "send answer: "+err.Error(), true)
		return err
	}

	m.mu.Lock()
	sess.cachedOffer = nil
	m.mu.Unlock()
	sess.logf("info", "answer sent")
	return nil
}

// Decline rejects the ringing call without touching the microphone. The
// peer is told to hang up.
func (m *Manager) Decline() error {
	m.mu.Lock()
	sess := m.cur
	if sess == nil || sess.state != StateReceiving {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.mu.Unlock()

	sess.logf("info", "declining call from %s", sess.peer)
	m.endSession(sess, "declined", true)
	return nil
}

// Hangup ends the current call, if any. Calling it while idle is a no-op;
// repeated calls are safe.
func (m *Manager) Hangup() {
	m.mu.Lock()
	sess := m.cur
	m.mu.Unlock()
	if sess == nil {
		return
	}
	m.endSession(sess, "local hangup", true)
}

// setupPeerConnection creates the peer connection with captured audio and
// installs the negotiation callbacks. Guards against the session having
// been ended (remote hangup) while the media prompt was open.
func (m *Manager) setupPeerConnection(sess *Session) error {
	pc, stop, err := newAudioPeerConnection(m.opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if sess.ended || m.cur != sess {
		m.mu.Unlock()
		if stop != nil {
			stop()
		}
		pc.Close()
		return errors.New("call ended during setup")
	}
	sess.pc = pc
	sess.stopMedia = stop
	m.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.onLocalCandidate(sess, c.ToJSON())
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		m.onICEStateChange(sess, st)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go sess.readRemote(track)
	})
	for _, sender := range pc.GetSenders() {
		go sess.drainRTCP(sender)
	}
	return nil
}

// onLocalCandidate sends a gathered candidate immediately when connected,
// otherwise queues it for the flush that happens on promotion.
func (m *Manager) onLocalCandidate(sess *Session, init webrtc.ICECandidateInit) {
	cand := proto.Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}

	m.mu.Lock()
	if sess.ended {
		m.mu.Unlock()
		return
	}
	if sess.state != StateConnected {
		sess.localPending = append(sess.localPending, cand)
		m.mu.Unlock()
		return
	}
	peer := sess.peer
	m.mu.Unlock()

	if err := m.sig.Send(peer, proto.NewCandidate(cand)); err != nil {
		sess.logf("warn", "candidate send failed: %v", err)
	}
}

func (m *Manager) onICEStateChange(sess *Session, st webrtc.ICEConnectionState) {
	sess.logf("info", "ice state %s", st)
	switch st {
	case webrtc.ICEConnectionStateConnected:
		m.promote(sess)
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		m.endSession(sess, "ice "+st.String(), true)
	}
}

// promote marks the session connected and flushes the queued local
// candidates, in gathering order. Promotion happens for caller and callee
// alike; only ICE decides.
func (m *Manager) promote(sess *Session) {
	m.mu.Lock()
	if sess.ended || sess.state == StateConnected {
		m.mu.Unlock()
		return
	}
	sess.state = StateConnected
	queued := sess.localPending
	sess.localPending = nil
	peer := sess.peer
	m.mu.Unlock()

	sess.logf("info", "call connected")
	for _, cand := range queued {
		if err := m.sig.Send(peer, proto.NewCandidate(cand)); err != nil {
			sess.logf("warn", "candidate send failed: %v", err)
		}
	}
	m.broadcastStatus(sess.status())
}

// endSession releases everything a session holds and returns the slot to
// idle. Idempotent; every failure path and both hangup directions funnel
// through here. notifyPeer controls whether a hangup signal goes out.
func (m *Manager) endSession(sess *Session, reason string, notifyPeer bool) {
	m.mu.Lock()
	if sess == nil || sess.ended {
		m.mu.Unlock()
		return
	}
	sess.ended = true
	sess.state = StateIdle
	if m.cur == sess {
		m.cur = nil
		m.last = sess
	}
	pc := sess.pc
	stop := sess.stopMedia
	peer := sess.peer
	sess.pc = nil
	sess.stopMedia = nil
	sess.cachedOffer = nil
	sess.remotePending = nil
	sess.localPending = nil
	m.mu.Unlock()

	if notifyPeer {
		if err := m.sig.Send(peer, proto.NewHangup()); err != nil {
			log.Debugw("hangup signal not delivered", "peer", peer, "err", err)
		}
	}
	if stop != nil {
		stop()
	}
	if pc != nil {
		pc.Close()
	}
	sess.logf("info", "call ended: %s", reason)
	m.broadcastStatus(Status{State: StateIdle, SessionID: sess.id, Peer: peer})
}

// dispatchLoop routes inbound signals by kind.
func (m *Manager) dispatchLoop() {
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case in, ok := <-ch:
			if !ok {
				return
			}
			if in.Payload == nil {
				continue
			}
			switch in.Payload.Kind() {
			case proto.SignalOffer:
				m.handleOffer(in.From, in.Payload)
			case proto.SignalAnswer:
				m.handleAnswer(in.From, in.Payload)
			case proto.SignalCandidate:
				m.handleCandidate(in.From, in.Payload)
			case proto.SignalHangup:
				m.handleHangup(in.From)
			}
		}
	}
}

// handleOffer rings a new incoming call, or discards the offer when the
// slot is taken. The offer is cached until accept so media capture can
// wait for the user's decision.
func (m *Manager) handleOffer(from string, sig *proto.Signal) {
	if m.opts.Disabled {
		log.Infow("offer discarded, calling disabled", "from", from)
		return
	}

	m.mu.Lock()
	if m.cur != nil {
		cur := m.cur
		m.mu.Unlock()
		cur.logf("warn", "offer from %s discarded, slot busy", from)
		return
	}
	sess := newSession(uuid.NewString(), RoleCallee, from, StateReceiving)
	sess.cachedOffer = sig
	m.cur = sess
	m.mu.Unlock()

	sess.logf("info", "incoming call from %s", from)
	m.broadcastStatus(sess.status())

	m.incomingMu.RLock()
	for ch := range m.incoming {
		select {
		case ch <- IncomingCall{Peer: from}:
		default:
		}
	}
	m.incomingMu.RUnlock()
}

// handleAnswer applies the peer's answer to our outstanding offer, then
// drains the remote candidates that arrived before it.
func (m *Manager) handleAnswer(from string, sig *proto.Signal) {
	m.mu.Lock()
	sess := m.cur
	if sess == nil || sess.pc == nil || sess.role != RoleCaller || sess.peer != from {
		m.mu.Unlock()
		log.Warnw("answer discarded, no matching call", "from", from)
		return
	}
	pc := sess.pc
	m.mu.Unlock()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}
	if err := pc.SetRemoteDescription(desc); err != nil {
		m.endSession(sess, "set remote description: "+err.Error(), true)
		return
	}
	sess.logf("info", "answer applied")
	m.flushRemoteCandidates(sess)
}

// handleCandidate applies a trickled remote candidate, buffering it when
// the remote description is not in place yet. Candidates with no matching
// call are dropped.
func (m *Manager) handleCandidate(from string, sig *proto.Signal) {
	m.mu.Lock()
	sess := m.cur
	if sess == nil || sess.peer != from {
		m.mu.Unlock()
		log.Debugw("candidate discarded, no matching call", "from", from)
		return
	}
	if sess.pc == nil || sess.pc.RemoteDescription() == nil {
		sess.remotePending = append(sess.remotePending, *sig.Candidate)
		m.mu.Unlock()
		return
	}
	pc := sess.pc
	m.mu.Unlock()

	if err := addCandidate(pc, *sig.Candidate); err != nil {
		sess.logf("warn", "candidate rejected: %v", err)
	}
}

// handleHangup ends the call unconditionally. The peer already stopped;
// no hangup goes back.
func (m *Manager) handleHangup(from string) {
	m.mu.Lock()
	sess := m.cur
	m.mu.Unlock()
	if sess == nil {
		return
	}
	sess.logf("info", "peer %s hung up", from)
	m.endSession(sess, "remote hangup", false)
}

// flushRemoteCandidates applies candidates buffered before the remote
// description existed.
func (m *Manager) flushRemoteCandidates(sess *Session) {
	m.mu.Lock()
	queued := sess.remotePending
	sess.remotePending = nil
	pc := sess.pc
	m.mu.Unlock()
	if pc == nil {
		return
	}

	for _, cand := range queued {
		if err := addCandidate(pc, cand); err != nil {
			sess.logf("warn", "buffered candidate rejected: %v", err)
		}
	}
	if len(queued) > 0 {
		sess.logf("info", "applied %d buffered candidates", len(queued))
	}
}

func addCandidate(pc *webrtc.PeerConnection, cand proto.Candidate) error {
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (m *Manager) broadcastStatus(st Status) {
	m.statusMu.RLock()
	for ch := range m.statusSubs {
		select {
		case ch <- st:
		default:
		}
	}
	m.statusMu.RUnlock()
}
