package call

import (
	"errors"
	"time"

	"github.com/redfax-app/redfax/internal/proto"
)

// State is the lifecycle phase of the call slot. At most one call is
// non-idle at a time.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateReceiving  State = "receiving"
	StateConnected  State = "connected"
)

// Roles within a session.
const (
	RoleCaller = "caller"
	RoleCallee = "callee"
)

var (
	// ErrBusy is returned when a call action conflicts with an existing
	// non-idle session.
	ErrBusy = errors.New("call already in progress")

	// ErrNoCall is returned by accept/decline when nothing is ringing.
	ErrNoCall = errors.New("no incoming call")

	// ErrDisabled is returned when calling has been switched off in config.
	ErrDisabled = errors.New("calling is disabled")
)

// Inbound is one call-control message from a remote peer. It is a local
// copy of the signaling layer's envelope so this package stays decoupled
// from the transport stack; the adapter lives in the composition root.
type Inbound struct {
	From    string
	Payload *proto.Signal
}

// Signaler is the call-control channel the manager speaks through.
type Signaler interface {
	Send(toIdentity string, payload *proto.Signal) error
	Subscribe() (ch chan Inbound, cancel func())
}

// Options configures peer connection setup.
type Options struct {
	STUNURLs            []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	Disabled            bool
}

// IncomingCall notifies subscribers that a remote offer is ringing.
type IncomingCall struct {
	Peer string `json:"peer"`
}

// Event is one line of a session's negotiation log, kept for diagnostics
// and exposed to the viewer.
type Event struct {
	At    time.Time `json:"at"`
	Level string    `json:"level"`
	Msg   string    `json:"msg"`
}

// Status is a point-in-time snapshot of the call slot.
type Status struct {
	State        State  `json:"state"`
	SessionID    string `json:"session_id,omitempty"`
	Peer         string `json:"peer,omitempty"`
	Role         string `json:"role,omitempty"`
	StartedAt    int64  `json:"started_at,omitempty"` // unix millis
	LastEvent    string `json:"last_event,omitempty"`
	AudioPackets uint64 `json:"audio_packets"`
	AudioBytes   uint64 `json:"audio_bytes"`
	// RemoteLossPct is the peer's last reported loss fraction, percent.
	RemoteLossPct float64 `json:"remote_loss_pct"`
}
