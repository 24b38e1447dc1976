// Package proto defines the wire shapes exchanged with the RED FAX backend
// over the duplex socket. Two logical frame kinds arrive on the same
// connection: chat events and call-signaling envelopes. Everything is
// classified and validated here so the rest of the client works with typed
// values instead of shape-sniffed maps.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FrameKind discriminates the two inbound frame shapes.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindChat
	KindSignal
)

// ChatEvent is a chat message frame: a direct message when GroupID is empty,
// a group message otherwise. Content may be null for voice/file messages.
type ChatEvent struct {
	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver,omitempty"`
	GroupID   string  `json:"groupId,omitempty"`
	Content   *string `json:"content"`
	AudioURL  string  `json:"audio_url,omitempty"`
	FileID    string  `json:"file_id,omitempty"`
	Filename  string  `json:"filename,omitempty"`
	FileURL   string  `json:"file_url,omitempty"`
	Timestamp string  `json:"timestamp"` // ISO-8601
}

// Conversation returns the thread key this event belongs to from the point
// of view of self: the group ID for group messages, otherwise the other
// participant of the direct exchange.
func (e *ChatEvent) Conversation(self string) string {
	if e.GroupID != "" {
		return e.GroupID
	}
	if e.Sender == self {
		return e.Receiver
	}
	return e.Sender
}

// Time parses the ISO-8601 timestamp. Falls back to RFC 3339 without
// timezone, which some backend responses use.
func (e *ChatEvent) Time() (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", e.Timestamp)
}

// SignalFrame is the point-to-point call-control envelope: Data carries a
// serialized Signal payload addressed to the peer named in To. The backend
// fills From on relay so the callee knows who is calling.
type SignalFrame struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Data string `json:"data"`
}

// frameProbe is the superset shape used to classify an inbound frame.
type frameProbe struct {
	To   string `json:"to"`
	From string `json:"from"`
	Data string `json:"data"`

	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver"`
	GroupID   string  `json:"groupId"`
	Content   *string `json:"content"`
	AudioURL  string  `json:"audio_url"`
	FileID    string  `json:"file_id"`
	Filename  string  `json:"filename"`
	FileURL   string  `json:"file_url"`
	Timestamp string  `json:"timestamp"`
}

// DecodeFrame classifies and decodes one inbound frame. Any frame bearing a
// data field is signaling; anything with a sender is a chat event. Frames
// matching neither shape return KindUnknown with an error so the dispatch
// loop can drop them with a warning.
func DecodeFrame(raw []byte) (FrameKind, *ChatEvent, *SignalFrame, error) {
	var p frameProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return KindUnknown, nil, nil, fmt.Errorf("decode frame: %w", err)
	}

	if p.Data != "" {
		return KindSignal, nil, &SignalFrame{To: p.To, From: p.From, Data: p.Data}, nil
	}

	if p.Sender == "" {
		return KindUnknown, nil, nil, errors.New("frame has neither data nor sender")
	}
	ev := &ChatEvent{
		Sender:    p.Sender,
		Receiver:  p.Receiver,
		GroupID:   p.GroupID,
		Content:   p.Content,
		AudioURL:  p.AudioURL,
		FileID:    p.FileID,
		Filename:  p.Filename,
		FileURL:   p.FileURL,
		Timestamp: p.Timestamp,
	}
	if ev.Receiver == "" && ev.GroupID == "" {
		return KindUnknown, nil, nil, errors.New("chat frame missing receiver and groupId")
	}
	return KindChat, ev, nil, nil
}

// Signal types carried inside SignalFrame.Data.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
	SignalHangup    = "hangup"
)

// Candidate mirrors the browser's RTCIceCandidateInit shape.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal is the call-control payload union: an SDP offer or answer, a
// trickled ICE candidate, or a hangup marker. Candidate payloads from older
// clients omit the type field and carry only the candidate object, so Kind
// normalizes that case.
type Signal struct {
	Type      string     `json:"type,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Kind returns the normalized discriminant of the payload.
func (s *Signal) Kind() string {
	if s.Type != "" {
		return s.Type
	}
	if s.Candidate != nil {
		return SignalCandidate
	}
	return ""
}

// EncodeSignal serializes a signal payload for SignalFrame.Data.
func EncodeSignal(s *Signal) (string, error) {
	if err := validateSignal(s); err != nil {
		return "", err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode signal: %w", err)
	}
	return string(b), nil
}

// DecodeSignal parses and validates a serialized signal payload.
func DecodeSignal(data string) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	if err := validateSignal(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validateSignal(s *Signal) error {
	switch s.Kind() {
	case SignalOffer, SignalAnswer:
		if strings.TrimSpace(s.SDP) == "" {
			return fmt.Errorf("%s signal missing sdp", s.Kind())
		}
	case SignalCandidate:
		if s.Candidate == nil || s.Candidate.Candidate == "" {
			return errors.New("candidate signal missing candidate")
		}
	case SignalHangup:
		// no body
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	return nil
}

// NewOffer builds an offer signal from a local session description.
func NewOffer(sdp string) *Signal { return &Signal{Type: SignalOffer, SDP: sdp} }

// NewAnswer builds an answer signal from a local session description.
func NewAnswer(sdp string) *Signal { return &Signal{Type: SignalAnswer, SDP: sdp} }

// NewCandidate builds a candidate signal.
func NewCandidate(c Candidate) *Signal {
	return &Signal{Type: SignalCandidate, Candidate: &c}
}

// NewHangup builds a hangup signal.
func NewHangup() *Signal { return &Signal{Type: SignalHangup} }

// NowMillis is the client-side timestamp used for optimistic message ids.
func NowMillis() int64 { return time.Now().UnixMilli() }
