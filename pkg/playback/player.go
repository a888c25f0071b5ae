// Package playback turns synthesized clips into one ordered audio stream per
// guild.
package playback

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/metrics"
	"github.com/sipeed/picovoice/pkg/store"
	"github.com/sipeed/picovoice/pkg/tts"
)

const (
	// FastRate replaces the user's rate for long messages when the guild
	// enables fast reading.
	FastRate = 0.5

	// trackGrace bounds how long past the estimated duration the loop waits
	// for a track that reports its own end.
	trackGrace = 5 * time.Second

	DefaultFailureNotice = "Speech synthesis failed, so I left the voice channel."
)

// Track is a clip playing on a voice connection.
type Track interface {
	// Done is closed when the track stops. A nil channel means the
	// connection cannot report the end, and the loop paces by estimate.
	Done() <-chan struct{}
}

// Conn is a voice connection owned by the transport.
type Conn interface {
	Play(ctx context.Context, audio []byte, gain float64) (Track, error)
	// Stop ends the current track early.
	Stop()
}

// Connector joins and leaves voice channels.
type Connector interface {
	Join(ctx context.Context, guildID, channelID string) (Conn, error)
	Leave(ctx context.Context, guildID string) error
}

// Notifier posts a text message to a channel.
type Notifier interface {
	Notify(ctx context.Context, channelID, text string) error
}

type Options struct {
	// DefaultModel is used when the guild has no default of its own.
	DefaultModel string
	// FastReadLimit is the rune count at which fast reading kicks in.
	FastReadLimit int
	FailureNotice string
}

// Request is one utterance destined for a guild.
type Request struct {
	GuildID   string
	ChannelID string
	UserID    string
	Text      string
}

type Player struct {
	sessions  *Registry
	backend   tts.Backend
	connector Connector
	profiles  store.ProfileSource
	guilds    store.GuildSource
	notifier  Notifier
	opts      Options

	// drainHook, when set, is called as each drain loop starts and stops.
	drainHook func(guildID string, running bool)
}

func NewPlayer(
	sessions *Registry,
	backend tts.Backend,
	connector Connector,
	profiles store.ProfileSource,
	guilds store.GuildSource,
	notifier Notifier,
	opts Options,
) *Player {
	if opts.FailureNotice == "" {
		opts.FailureNotice = DefaultFailureNotice
	}
	return &Player{
		sessions:  sessions,
		backend:   backend,
		connector: connector,
		profiles:  profiles,
		guilds:    guilds,
		notifier:  notifier,
		opts:      opts,
	}
}

func (p *Player) Sessions() *Registry { return p.sessions }

func (p *Player) Backend() tts.Backend { return p.backend }

// ResolveVoice resolves a user's profile the way Enqueue does, including
// the guild's default model and fast reading.
func (p *Player) ResolveVoice(ctx context.Context, guildID, userID, text string) tts.Voice {
	profile, err := p.profiles.Profile(ctx, userID)
	if err != nil {
		logger.WarnCF("playback", "Profile lookup failed, using defaults", map[string]any{
			"user_id": userID,
			"error":   err,
		})
		profile = store.DefaultProfile()
	}

	guild := store.DefaultGuildConfig(guildID)
	if guildID != "" {
		if g, err := p.guilds.Guild(ctx, guildID); err != nil {
			logger.WarnCF("playback", "Guild lookup failed, using defaults", map[string]any{
				"guild_id": guildID,
				"error":    err,
			})
		} else {
			guild = g
		}
	}

	def := guild.DefaultModel
	if def == "" {
		def = p.opts.DefaultModel
	}
	v := p.backend.Resolve(profile, def)

	if guild.Options.FastRead && p.opts.FastReadLimit > 0 && utf8.RuneCountInString(text) >= p.opts.FastReadLimit {
		v.Rate = FastRate
	}
	return v
}

// Enqueue synthesizes one utterance and queues it for the guild. A guild with
// no session, or empty text, is a silent no-op. If synthesis fails the guild
// is disconnected, one notice goes to the request's channel, and the error is
// returned.
func (p *Player) Enqueue(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return nil
	}
	s := p.sessions.Get(req.GuildID)
	if s == nil {
		return nil
	}

	v := p.ResolveVoice(ctx, req.GuildID, req.UserID, req.Text)

	started := time.Now()
	clip, err := p.backend.Synthesize(ctx, req.Text, v)
	metrics.ObserveSynthesis(p.backend.Kind().String(), started, err)
	if err != nil {
		p.fail(ctx, s, req, err)
		return err
	}

	start, ok := s.push(clip)
	if !ok {
		logger.DebugCF("playback", "Session closed during synthesis, dropping clip", map[string]any{
			"guild_id": req.GuildID,
		})
		return nil
	}
	if start {
		// the loop outlives the request that started it
		p.drain(context.WithoutCancel(ctx), s)
	}
	return nil
}

func (p *Player) fail(ctx context.Context, s *Session, req Request, err error) {
	logger.ErrorCF("playback", "Synthesis failed, leaving voice", map[string]any{
		"guild_id":   req.GuildID,
		"channel_id": req.ChannelID,
		"backend":    p.backend.Kind().String(),
		"error":      err,
	})

	if !p.teardownSession(ctx, s, "failure") {
		// an earlier leave already tore the session down
		return
	}
	if p.notifier == nil || req.ChannelID == "" {
		return
	}
	if nerr := p.notifier.Notify(ctx, req.ChannelID, p.opts.FailureNotice); nerr != nil {
		logger.WarnCF("playback", "Failed to send failure notice", map[string]any{
			"channel_id": req.ChannelID,
			"error":      nerr,
		})
	}
}

// Teardown closes the guild's session and disconnects its voice connection.
// It reports false when there was no session.
func (p *Player) Teardown(ctx context.Context, guildID, reason string) bool {
	s := p.sessions.Get(guildID)
	if s == nil {
		return false
	}
	return p.teardownSession(ctx, s, reason)
}

func (p *Player) teardownSession(ctx context.Context, s *Session, reason string) bool {
	if !p.sessions.closeIf(s.GuildID, s) {
		return false
	}
	if s.conn != nil {
		s.conn.Stop()
	}
	if err := p.connector.Leave(ctx, s.GuildID); err != nil {
		logger.WarnCF("playback", "Voice disconnect failed", map[string]any{
			"guild_id": s.GuildID,
			"error":    err,
		})
	}
	metrics.Transition(reason)
	logger.InfoCF("playback", "Voice session closed", map[string]any{
		"guild_id": s.GuildID,
		"reason":   reason,
	})
	return true
}

// Clear drops queued clips and skips the one playing.
func (p *Player) Clear(guildID string) (int, error) {
	s := p.sessions.Get(guildID)
	if s == nil {
		return 0, ErrSessionAbsent
	}
	dropped := s.clear()
	if s.conn != nil {
		s.conn.Stop()
	}
	return dropped, nil
}

// drain plays the queue head until the queue is empty. Only the caller whose
// push made the queue non-empty runs it, so there is one loop per guild.
func (p *Player) drain(ctx context.Context, s *Session) {
	metrics.DrainStarted()
	defer metrics.DrainStopped()
	if p.drainHook != nil {
		p.drainHook(s.GuildID, true)
		defer p.drainHook(s.GuildID, false)
	}

	for {
		clip, ok := s.peek()
		if !ok {
			return
		}

		// a skip left over from a clear that raced the previous pop
		select {
		case <-s.skip:
		default:
		}

		track, err := s.conn.Play(ctx, clip.Audio, clip.Kind.Gain())
		if err != nil {
			logger.WarnCF("playback", "Failed to play clip", map[string]any{
				"guild_id": s.GuildID,
				"error":    err,
			})
		} else {
			p.wait(ctx, s, track, clip.Duration())
		}

		if !s.pop() {
			return
		}
	}
}

// wait blocks until the track ends. Tracks without an end signal are paced
// by the estimated duration; tracks with one get a grace period past it.
func (p *Player) wait(ctx context.Context, s *Session, track Track, estimate time.Duration) {
	var done <-chan struct{}
	if track != nil {
		done = track.Done()
	}
	limit := estimate
	if done != nil {
		limit = estimate + trackGrace
	}

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-s.skip:
	case <-s.done:
	case <-ctx.Done():
	}
}
