// Package signaling gives call-control messages a stable envelope addressed
// by recipient identity, layered on the transport's generic send/receive.
// Delivery is fire-and-forget: for call setup a stale retry is worse than a
// dropped message, so there is no acknowledgement and no retry.
package signaling

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/redfax-app/redfax/internal/proto"
	"github.com/redfax-app/redfax/internal/transport"
)

var log = logging.Logger("signaling")

// Inbound is one decoded call-control message from a remote peer.
type Inbound struct {
	From    string
	Payload *proto.Signal
}

// Channel frames and routes signaling traffic over a Transport.
type Channel struct {
	tr *transport.Transport

	listenerMu sync.RWMutex
	listeners  map[chan *Inbound]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewChannel creates a signaling channel and starts filtering the
// transport's inbound frames immediately.
func NewChannel(tr *transport.Transport) *Channel {
	c := &Channel{
		tr:        tr,
		listeners: make(map[chan *Inbound]struct{}),
		done:      make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

// Send serializes payload into the {to, data} envelope and forwards it to
// the transport. Errors are returned for logging only; nothing waits for
// delivery confirmation.
func (c *Channel) Send(toIdentity string, payload *proto.Signal) error {
	data, err := proto.EncodeSignal(payload)
	if err != nil {
		return fmt.Errorf("signal to %s: %w", toIdentity, err)
	}
	frame := proto.SignalFrame{To: toIdentity, Data: data}
	if err := c.tr.Send(frame); err != nil {
		return fmt.Errorf("signal to %s: %w", toIdentity, err)
	}
	log.Debugw("signal sent", "to", toIdentity, "kind", payload.Kind())
	return nil
}

// Subscribe returns a channel receiving decoded inbound signals. The cancel
// func unregisters and closes the channel.
func (c *Channel) Subscribe() (ch chan *Inbound, cancel func()) {
	ch = make(chan *Inbound, 16)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close stops the dispatch loop and closes all subscriber channels.
func (c *Channel) Close() {
	c.doneOnce.Do(func() { close(c.done) })

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan *Inbound]struct{})
	c.listenerMu.Unlock()
}

// dispatchLoop filters signaling frames out of the transport stream and
// decodes them. Decode failures are logged and swallowed; they must never
// crash the handler.
func (c *Channel) dispatchLoop() {
	events, cancel := c.tr.Subscribe()
	defer cancel()

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != proto.KindSignal || ev.Signal == nil {
				continue
			}
			sig, err := proto.DecodeSignal(ev.Signal.Data)
			if err != nil {
				log.Warnw("dropping undecodable signal", "from", ev.Signal.From, "err", err)
				continue
			}
			in := &Inbound{From: ev.Signal.From, Payload: sig}

			c.listenerMu.RLock()
			for ch := range c.listeners {
				select {
				case ch <- in:
				default:
				}
			}
			c.listenerMu.RUnlock()
		}
	}
}
