package playback

import (
	"errors"
	"sort"
	"sync"

	"github.com/sipeed/picovoice/pkg/metrics"
	"github.com/sipeed/picovoice/pkg/tts"
)

// ErrSessionAbsent reports an operation on a guild with no voice session.
var ErrSessionAbsent = errors.New("no voice session for guild")

// Session is the per-guild playback state: the channels being read, the
// queue of ready clips and the voice connection they play on.
type Session struct {
	GuildID string
	conn    Conn

	mu           sync.Mutex
	readChannels map[string]struct{}
	queue        []tts.Clip
	closed       bool

	skip chan struct{}
	done chan struct{}
}

func newSession(guildID string, conn Conn, readChannels []string) *Session {
	s := &Session{
		GuildID:      guildID,
		conn:         conn,
		readChannels: make(map[string]struct{}, len(readChannels)),
		skip:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, ch := range readChannels {
		s.readChannels[ch] = struct{}{}
	}
	return s
}

func (s *Session) Conn() Conn { return s.conn }

// push appends a clip. start is true only for the caller that moved the queue
// from empty to one element; that caller owns the drain loop.
func (s *Session) push(c tts.Clip) (start, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	s.queue = append(s.queue, c)
	metrics.SetQueueDepth(s.GuildID, len(s.queue))
	return len(s.queue) == 1, true
}

func (s *Session) peek() (tts.Clip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return tts.Clip{}, false
	}
	return s.queue[0], true
}

// pop drops the head and reports whether anything is left to play.
func (s *Session) pop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return false
	}
	s.queue[0] = tts.Clip{}
	s.queue = s.queue[1:]
	metrics.SetQueueDepth(s.GuildID, len(s.queue))
	return len(s.queue) > 0
}

// clear drops every queued clip except the head, which the drain loop still
// owns, and signals the loop to skip it. It returns the number dropped.
func (s *Session) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return 0
	}
	dropped := len(s.queue) - 1
	s.queue = s.queue[:1]
	metrics.SetQueueDepth(s.GuildID, len(s.queue))

	select {
	case s.skip <- struct{}{}:
	default:
	}
	return dropped
}

// Len is the number of clips waiting, including the one playing.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	metrics.ForgetQueue(s.GuildID)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) ReadChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.readChannels))
	for ch := range s.readChannels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (s *Session) isReadChannel(ch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.readChannels[ch]
	return ok
}

func (s *Session) addReadChannel(ch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readChannels[ch]; ok {
		return false
	}
	s.readChannels[ch] = struct{}{}
	return true
}

func (s *Session) removeReadChannel(ch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readChannels[ch]; !ok {
		return false
	}
	delete(s.readChannels, ch)
	return true
}

// Registry is the shared guild to session map. Every operation holds the lock
// only for the map access itself.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open installs a fresh session for guildID. A session already present is
// closed and replaced.
func (r *Registry) Open(guildID string, conn Conn, readChannels []string) *Session {
	s := newSession(guildID, conn, readChannels)

	r.mu.Lock()
	old := r.sessions[guildID]
	r.sessions[guildID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	metrics.SetSessions(n)
	return s
}

func (r *Registry) Get(guildID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[guildID]
}

func (r *Registry) Has(guildID string) bool {
	return r.Get(guildID) != nil
}

// Close removes and closes the guild's session, returning it, or nil when
// there was none.
func (r *Registry) Close(guildID string) *Session {
	r.mu.Lock()
	s := r.sessions[guildID]
	delete(r.sessions, guildID)
	n := len(r.sessions)
	r.mu.Unlock()

	if s != nil {
		s.close()
		metrics.SetSessions(n)
	}
	return s
}

// closeIf closes the guild's session only if it is still s.
func (r *Registry) closeIf(guildID string, s *Session) bool {
	r.mu.Lock()
	if r.sessions[guildID] != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, guildID)
	n := len(r.sessions)
	r.mu.Unlock()

	s.close()
	metrics.SetSessions(n)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) IsReadChannel(guildID, channelID string) bool {
	s := r.Get(guildID)
	return s != nil && s.isReadChannel(channelID)
}

func (r *Registry) ReadChannels(guildID string) []string {
	s := r.Get(guildID)
	if s == nil {
		return nil
	}
	return s.ReadChannels()
}

// AddReadChannel reports false when the channel was already being read.
func (r *Registry) AddReadChannel(guildID, channelID string) (bool, error) {
	s := r.Get(guildID)
	if s == nil {
		return false, ErrSessionAbsent
	}
	return s.addReadChannel(channelID), nil
}

// RemoveReadChannel reports false when the channel was not being read.
func (r *Registry) RemoveReadChannel(guildID, channelID string) (bool, error) {
	s := r.Get(guildID)
	if s == nil {
		return false, ErrSessionAbsent
	}
	return s.removeReadChannel(channelID), nil
}
