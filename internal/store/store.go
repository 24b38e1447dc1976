// Package store keeps the per-conversation message threads: ordered by
// timestamp, deduplicated, combining optimistic local sends with
// server-confirmed history from fetches and live socket events.
//
// The view layer only ever reads snapshots; all mutation happens here.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/redfax-app/redfax/internal/api"
	"github.com/redfax-app/redfax/internal/proto"
	"github.com/redfax-app/redfax/internal/storage"
	"github.com/redfax-app/redfax/internal/transport"
)

var log = logging.Logger("store")

// Message is the normalized thread entry served to the view layer.
type Message struct {
	ID          string  `json:"id"` // composite identity: sender + millis
	Sender      string  `json:"sender"`
	Receiver    string  `json:"receiver,omitempty"`
	GroupID     string  `json:"group_id,omitempty"`
	Content     *string `json:"content"`
	AudioFileID string  `json:"audio_file_id,omitempty"`
	FileID      string  `json:"file_id,omitempty"`
	Filename    string  `json:"filename,omitempty"`
	Timestamp   int64   `json:"timestamp"` // unix millis
	SentByMe    bool    `json:"sent_by_me"`
	Pending     bool    `json:"pending,omitempty"` // optimistic, not yet confirmed
}

// key is the deduplication identity. The backend does not issue message
// ids, so (sender, timestamp) is the composite key; colliding records are
// treated as the same message.
func (m *Message) key() string {
	return m.Sender + "\x00" + fmt.Sprint(m.Timestamp)
}

// Backend is the slice of the REST client the store depends on.
type Backend interface {
	Messages(ctx context.Context) ([]proto.ChatEvent, error)
	GroupMessages(ctx context.Context, groupID string) ([]proto.ChatEvent, error)
	SendText(ctx context.Context, receiver, content string) error
	SendGroupText(ctx context.Context, groupID, content string) error
	SendVoice(ctx context.Context, receiver, filename string, audio io.Reader) error
	SendFileRef(ctx context.Context, receiver, fileID, filename string) error
}

// SendRequest describes one outbound message: exactly one of Content,
// Voice, or FileID must be set.
type SendRequest struct {
	Content string

	// Voice recording to upload. VoicePath, when set, names a temp file
	// that is deleted if the send fails.
	Voice     io.Reader
	VoicePath string

	// Reference to a previously uploaded file.
	FileID   string
	Filename string
}

// Store owns the conversation thread map.
type Store struct {
	self    string
	backend Backend
	cache   *storage.DB // may be nil

	pollEvery    time.Duration
	historyLimit int

	mu          sync.RWMutex
	threads     map[string][]Message
	pending     map[string]Message // optimistic entries awaiting confirmation
	active      string
	activeGroup bool
	gen         int // bumped on every conversation switch
	lastErr     string
	lastSend    int64 // millis of the newest optimistic entry

	onAuthFailure func()
}

// New creates a store for the given local username. cache may be nil to
// disable the local history cache.
func New(self string, backend Backend, cache *storage.DB, pollEvery time.Duration, historyLimit int) *Store {
	if pollEvery <= 0 {
		pollEvery = 3 * time.Second
	}
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &Store{
		self:         self,
		backend:      backend,
		cache:        cache,
		pollEvery:    pollEvery,
		historyLimit: historyLimit,
		threads:      make(map[string][]Message),
		pending:      make(map[string]Message),
	}
}

// OnAuthFailure registers the logout trigger fired when the backend rejects
// the session token during a fetch or send.
func (s *Store) OnAuthFailure(fn func()) {
	s.mu.Lock()
	s.onAuthFailure = fn
	s.mu.Unlock()
}

// SetActive switches the active conversation. Stale error state is cleared,
// the cached thread is served immediately, and an authoritative refetch is
// started. A fetch still in flight for the previous conversation is
// invalidated by the generation bump and cannot touch the new thread.
func (s *Store) SetActive(ctx context.Context, conversation string, isGroup bool) {
	s.mu.Lock()
	s.active = conversation
	s.activeGroup = isGroup
	s.gen++
	gen := s.gen
	s.lastErr = ""
	if s.cache != nil && conversation != "" {
		if cached, err := s.cache.Thread(conversation, s.historyLimit); err == nil && len(cached) > 0 {
			s.threads[conversation] = fromCache(cached)
		}
	}
	s.mu.Unlock()

	if conversation == "" {
		return
	}
	// The refresh must outlive the caller: the viewer hands us a request
	// context that is canceled as soon as the handler returns.
	go s.refresh(context.WithoutCancel(ctx), conversation, isGroup, gen)
}

// Active returns the current conversation key and whether it is a group.
func (s *Store) Active() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.activeGroup
}

// Thread returns a snapshot of one conversation's messages.
func (s *Store) Thread(conversation string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.threads[conversation]))
	copy(out, s.threads[conversation])
	return out
}

// Err returns the user-visible inline error, if any.
func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClearErr resets the inline error.
func (s *Store) ClearErr() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}

// Run polls the active conversation and folds live chat events from the
// transport into threads, until ctx is done.
func (s *Store) Run(ctx context.Context, events <-chan transport.Event) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			conv, isGroup, gen := s.active, s.activeGroup, s.gen
			s.mu.RUnlock()
			if conv != "" {
				s.refresh(ctx, conv, isGroup, gen)
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == proto.KindChat && ev.Chat != nil {
				s.ApplyEvent(ev.Chat)
			}
		}
	}
}

// Send appends an optimistic entry to the active thread, then performs the
// network call. On failure the entry is rolled back by its client-assigned
// identity, temp media is released, and the error surfaces inline.
func (s *Store) Send(ctx context.Context, req SendRequest) error {
	s.mu.Lock()
	conv, isGroup := s.active, s.activeGroup
	if conv == "" {
		s.mu.Unlock()
		return errors.New("no active conversation")
	}
	s.lastErr = ""

	// Two sends in the same millisecond must not share an identity, or the
	// second entry collides with the first and a failure rolls back the
	// wrong message.
	now := proto.NowMillis()
	if now <= s.lastSend {
		now = s.lastSend + 1
	}
	s.lastSend = now
	opt := Message{
		ID:        fmt.Sprintf("%s-%d", s.self, now),
		Sender:    s.self,
		Timestamp: now,
		SentByMe:  true,
		Pending:   true,
	}
	if isGroup {
		opt.GroupID = conv
	} else {
		opt.Receiver = conv
	}
	switch {
	case req.Content != "":
		c := req.Content
		opt.Content = &c
	case req.Voice != nil:
		opt.Filename = "voice message"
	case req.FileID != "":
		opt.FileID = req.FileID
		opt.Filename = req.Filename
	default:
		s.mu.Unlock()
		return errors.New("empty send request")
	}
	s.threads[conv] = insertSorted(s.threads[conv], opt)
	s.pending[opt.key()] = opt
	s.mu.Unlock()

	err := s.dispatch(ctx, conv, isGroup, req)
	if err == nil {
		return nil
	}

	// Roll back the optimistic entry. The active conversation may have
	// changed while the request was in flight; the rollback targets the
	// thread the entry was appended to, not whatever is active now.
	s.mu.Lock()
	s.threads[conv] = removeByID(s.threads[conv], opt.ID)
	delete(s.pending, opt.key())
	if !errors.Is(err, api.ErrAuthFailure) {
		s.lastErr = err.Error()
	}
	fn := s.onAuthFailure
	s.mu.Unlock()

	if req.VoicePath != "" {
		if rmErr := os.Remove(req.VoicePath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warnw("temp voice file not released", "path", req.VoicePath, "err", rmErr)
		}
	}
	if errors.Is(err, api.ErrAuthFailure) && fn != nil {
		fn()
	}
	log.Errorw("send failed, optimistic entry rolled back", "conversation", conv, "err", err)
	return err
}

func (s *Store) dispatch(ctx context.Context, conv string, isGroup bool, req SendRequest) error {
	switch {
	case req.Content != "":
		if isGroup {
			return s.backend.SendGroupText(ctx, conv, req.Content)
		}
		return s.backend.SendText(ctx, conv, req.Content)
	case req.Voice != nil:
		if isGroup {
			return errors.New("voice messages are direct-only")
		}
		name := req.Filename
		if name == "" {
			name = "voice.webm"
		}
		return s.backend.SendVoice(ctx, conv, name, req.Voice)
	case req.FileID != "":
		if isGroup {
			return errors.New("file messages are direct-only")
		}
		return s.backend.SendFileRef(ctx, conv, req.FileID, req.Filename)
	}
	return errors.New("empty send request")
}

// ApplyEvent merges one live chat event into its conversation thread,
// whether or not that thread is active.
func (s *Store) ApplyEvent(ev *proto.ChatEvent) {
	msg, err := s.normalize(ev)
	if err != nil {
		log.Warnw("dropping unusable chat event", "err", err)
		return
	}
	conv := ev.Conversation(s.self)

	s.mu.Lock()
	s.threads[conv] = insertSorted(s.threads[conv], msg)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Upsert(toCache(conv, msg)); err != nil {
			log.Warnw("cache upsert failed", "err", err)
		}
	}
}

// refresh fetches authoritative history for one conversation and replaces
// the thread wholesale, keeping unconfirmed optimistic entries. The result
// is discarded if the active conversation switched while the fetch was in
// flight.
func (s *Store) refresh(ctx context.Context, conv string, isGroup bool, gen int) {
	var (
		events []proto.ChatEvent
		err    error
	)
	if isGroup {
		events, err = s.backend.GroupMessages(ctx, conv)
	} else {
		events, err = s.backend.Messages(ctx)
	}
	if err != nil {
		if errors.Is(err, api.ErrAuthFailure) {
			s.mu.RLock()
			fn := s.onAuthFailure
			s.mu.RUnlock()
			if fn != nil {
				fn()
			}
			return
		}
		s.mu.Lock()
		if s.gen == gen {
			s.lastErr = "could not load message history"
		}
		s.mu.Unlock()
		log.Errorw("history fetch failed", "conversation", conv, "err", err)
		return
	}

	msgs := make([]Message, 0, len(events))
	seen := make(map[string]bool, len(events))
	var latestOwn int64
	for i := range events {
		ev := &events[i]
		if !isGroup && !s.betweenSelfAnd(conv, ev) {
			continue
		}
		m, err := s.normalize(ev)
		if err != nil {
			log.Warnw("skipping unusable history record", "err", err)
			continue
		}
		if seen[m.key()] {
			continue
		}
		seen[m.key()] = true
		if m.SentByMe && m.Timestamp > latestOwn {
			latestOwn = m.Timestamp
		}
		msgs = append(msgs, m)
	}

	s.mu.Lock()
	if s.gen != gen || s.active != conv {
		// Conversation switched while fetching; result must not be applied.
		s.mu.Unlock()
		return
	}
	// Keep optimistic entries the server has not confirmed yet. An entry
	// is considered confirmed once an own message at least as new shows up
	// in the authoritative set; the identity scheme assumes convergence.
	for k, p := range s.pending {
		pc := p.conversation()
		if pc != conv {
			continue
		}
		if seen[k] || p.Timestamp <= latestOwn {
			delete(s.pending, k)
			continue
		}
		msgs = insertSorted(msgs, p)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	s.threads[conv] = msgs
	// A successful authoritative fetch supersedes any stale fetch error.
	s.lastErr = ""
	s.mu.Unlock()

	if s.cache != nil {
		cached := make([]storage.Message, 0, len(msgs))
		for _, m := range msgs {
			if m.Pending {
				continue
			}
			cached = append(cached, toCache(conv, m))
		}
		if err := s.cache.ReplaceThread(conv, cached); err != nil {
			log.Warnw("cache replace failed", "conversation", conv, "err", err)
		}
	}
}

func (m *Message) conversation() string {
	if m.GroupID != "" {
		return m.GroupID
	}
	if m.SentByMe {
		return m.Receiver
	}
	return m.Sender
}

// betweenSelfAnd reports whether a direct-history record belongs to the
// conversation with peer (the global history endpoint returns everything).
func (s *Store) betweenSelfAnd(peer string, ev *proto.ChatEvent) bool {
	return (ev.Sender == s.self && ev.Receiver == peer) ||
		(ev.Sender == peer && ev.Receiver == s.self)
}

// normalize converts a wire record into the thread entry shape.
func (s *Store) normalize(ev *proto.ChatEvent) (Message, error) {
	t, err := ev.Time()
	if err != nil {
		return Message{}, err
	}
	millis := t.UnixMilli()
	m := Message{
		ID:        fmt.Sprintf("%s-%d", ev.Sender, millis),
		Sender:    ev.Sender,
		Receiver:  ev.Receiver,
		GroupID:   ev.GroupID,
		Content:   ev.Content,
		FileID:    ev.FileID,
		Filename:  ev.Filename,
		Timestamp: millis,
		SentByMe:  ev.Sender == s.self,
	}
	// The backend references voice attachments by URL path /files/{id}.
	if ev.AudioURL != "" {
		parts := strings.Split(strings.TrimRight(ev.AudioURL, "/"), "/")
		m.AudioFileID = parts[len(parts)-1]
	}
	return m, nil
}

// insertSorted places msg into the thread keeping ascending timestamp order
// and composite-key uniqueness. A confirmed copy replaces a pending one.
func insertSorted(thread []Message, msg Message) []Message {
	for i := range thread {
		if thread[i].key() == msg.key() {
			if thread[i].Pending && !msg.Pending {
				thread[i] = msg
			}
			return thread
		}
	}
	i := sort.Search(len(thread), func(i int) bool { return thread[i].Timestamp > msg.Timestamp })
	thread = append(thread, Message{})
	copy(thread[i+1:], thread[i:])
	thread[i] = msg
	return thread
}

func removeByID(thread []Message, id string) []Message {
	for i := range thread {
		if thread[i].ID == id {
			return append(thread[:i], thread[i+1:]...)
		}
	}
	return thread
}

func toCache(conv string, m Message) storage.Message {
	return storage.Message{
		Conversation: conv,
		Sender:       m.Sender,
		Receiver:     m.Receiver,
		GroupID:      m.GroupID,
		Content:      m.Content,
		AudioFileID:  m.AudioFileID,
		FileID:       m.FileID,
		Filename:     m.Filename,
		Timestamp:    m.Timestamp,
		SentByMe:     m.SentByMe,
	}
}

func fromCache(rows []storage.Message) []Message {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, Message{
			ID:          fmt.Sprintf("%s-%d", r.Sender, r.Timestamp),
			Sender:      r.Sender,
			Receiver:    r.Receiver,
			GroupID:     r.GroupID,
			Content:     r.Content,
			AudioFileID: r.AudioFileID,
			FileID:      r.FileID,
			Filename:    r.Filename,
			Timestamp:   r.Timestamp,
			SentByMe:    r.SentByMe,
		})
	}
	return out
}
