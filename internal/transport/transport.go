// Package transport owns the single persistent socket connection to the
// RED FAX backend. It authenticates the connection with the session token,
// parses inbound frames, fans them out to subscribers, and exposes the send
// primitive everything else is layered on.
//
// Exactly one connection is live per token. Connect with a new token tears
// down the previous socket with a clean close before dialing again. An
// abnormal server-side closure triggers an exponential-backoff redial; a
// clean close does not.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/redfax-app/redfax/internal/proto"
)

var log = logging.Logger("transport")

// ErrNotConnected is returned by Send when no socket is open. Callers treat
// it as advisory: delivery is never confirmed at send time, and detecting a
// dead connection is the close-observer's job.
var ErrNotConnected = errors.New("transport: not connected")

const (
	dialTimeout      = 10 * time.Second
	reconnectBase    = time.Second
	reconnectMax     = 30 * time.Second
	listenerBacklog  = 64
	maxInboundFrame  = 1 << 20 // 1MB
	writeWaitTimeout = 10 * time.Second
)

// Event is one parsed inbound frame, already classified.
type Event struct {
	Kind   proto.FrameKind
	Chat   *proto.ChatEvent
	Signal *proto.SignalFrame
}

// Transport maintains the connection and its subscriber set.
type Transport struct {
	socketURL string

	mu        sync.Mutex
	token     string
	conn      *websocket.Conn
	connected bool
	gen       int // bumped on every teardown; stale read loops exit

	writeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// New creates a transport for the given socket endpoint. No connection is
// made until Connect is called with a token.
func New(socketURL string) *Transport {
	return &Transport{
		socketURL: socketURL,
		listeners: make(map[chan Event]struct{}),
	}
}

// Connect establishes the connection for the given token, replacing any
// previous connection. An empty token closes the current connection and
// leaves the transport in a retry-less closed state.
func (t *Transport) Connect(token string) {
	t.mu.Lock()
	t.token = token
	t.teardownLocked(websocket.CloseNormalClosure, "token changed")
	if token == "" {
		t.mu.Unlock()
		log.Infow("no session token, staying disconnected")
		return
	}
	gen := t.gen
	t.mu.Unlock()

	t.dial(token, gen)
}

// Disconnect closes the connection cleanly and disables reconnection until
// the next Connect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.token = ""
	t.teardownLocked(websocket.CloseNormalClosure, "client shutdown")
	t.mu.Unlock()
}

// Connected reports whether a socket is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send marshals v and writes it as one text frame. While disconnected it
// logs and returns ErrNotConnected; the frame is not queued.
func (t *Transport) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound frame: %w", err)
	}

	t.mu.Lock()
	conn := t.conn
	open := t.connected
	t.mu.Unlock()

	if !open || conn == nil {
		log.Errorw("send while disconnected, frame dropped", "bytes", len(b))
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWaitTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Errorw("write failed", "err", err)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Subscribe returns a channel receiving every parsed inbound frame. The
// cancel func unregisters and closes the channel; it is safe to call twice.
func (t *Transport) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, listenerBacklog)

	t.listenerMu.Lock()
	t.listeners[ch] = struct{}{}
	t.listenerMu.Unlock()

	cancel = func() {
		t.listenerMu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close shuts the transport down and closes all subscriber channels.
func (t *Transport) Close() {
	t.Disconnect()

	t.listenerMu.Lock()
	for ch := range t.listeners {
		close(ch)
	}
	t.listeners = make(map[chan Event]struct{})
	t.listenerMu.Unlock()
}

// teardownLocked closes the current socket, if any, with the given close
// code and invalidates the read loop. Caller holds t.mu.
func (t *Transport) teardownLocked(code int, reason string) {
	t.gen++
	if t.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWaitTimeout))
	_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
	t.writeMu.Unlock()
	_ = t.conn.Close()
	t.conn = nil
	t.connected = false
	log.Infow("connection closed", "reason", reason)
}

// dial opens the socket and starts the read loop. gen identifies the
// connect attempt; if the token changed (teardown bumped gen) the result is
// discarded.
func (t *Transport) dial(token string, gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(t.socketURL+"?token="+token, nil)
	if err != nil {
		log.Errorw("dial failed", "url", t.socketURL, "err", err)
		t.scheduleReconnect(token, gen, reconnectBase)
		return
	}
	conn.SetReadLimit(maxInboundFrame)

	t.mu.Lock()
	if t.gen != gen || t.token != token {
		// Token changed while dialing; this connection is stale.
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	log.Infow("connection established", "url", t.socketURL)
	go t.readLoop(conn, token, gen)
}

// readLoop parses inbound frames until the socket dies. Malformed frames
// are dropped with a warning; they never stop dispatch.
func (t *Transport) readLoop(conn *websocket.Conn, token string, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(token, gen, err)
			return
		}

		kind, chat, sig, err := proto.DecodeFrame(raw)
		if err != nil {
			log.Warnw("dropping malformed frame", "err", err)
			continue
		}

		ev := Event{Kind: kind, Chat: chat, Signal: sig}
		t.listenerMu.RLock()
		for ch := range t.listeners {
			select {
			case ch <- ev:
			default:
				// Listener backlog full; drop rather than stall the reader.
			}
		}
		t.listenerMu.RUnlock()
	}
}

// handleClose marks the connection down and decides whether to redial. A
// normal closure (our own teardown, or the server saying goodbye cleanly)
// ends the connection for good; anything else is abnormal and starts the
// backoff loop.
func (t *Transport) handleClose(token string, gen int, err error) {
	t.mu.Lock()
	stale := t.gen != gen
	if !stale {
		t.conn = nil
		t.connected = false
	}
	t.mu.Unlock()
	if stale {
		return // superseded by a newer connection or intentional teardown
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		log.Infow("connection closed cleanly by server")
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		log.Errorw("connection closed unexpectedly", "code", ce.Code, "reason", ce.Text)
	} else {
		log.Errorw("connection lost", "err", err)
	}
	t.scheduleReconnect(token, gen, reconnectBase)
}

// scheduleReconnect redials after a delay, doubling it on each consecutive
// failure up to reconnectMax. The attempt aborts quietly if the token
// changed in the meantime.
func (t *Transport) scheduleReconnect(token string, gen int, delay time.Duration) {
	if delay > reconnectMax {
		delay = reconnectMax
	}
	log.Infow("reconnecting", "in", delay.String())

	time.AfterFunc(delay, func() {
		t.mu.Lock()
		current := t.token == token && t.gen == gen
		t.mu.Unlock()
		if !current {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.Dial(t.socketURL+"?token="+token, nil)
		if err != nil {
			log.Warnw("reconnect attempt failed", "err", err)
			next := delay * 2
			if next > reconnectMax {
				next = reconnectMax
			}
			t.scheduleReconnect(token, gen, next)
			return
		}
		conn.SetReadLimit(maxInboundFrame)

		t.mu.Lock()
		if t.token != token || t.gen != gen {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.connected = true
		t.mu.Unlock()

		log.Infow("reconnected")
		go t.readLoop(conn, token, gen)
	})
}
