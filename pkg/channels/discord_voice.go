package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"

	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/playback"
)

// DiscordVoice joins voice channels through the gateway session and plays
// clips on them. It implements playback.Connector.
type DiscordVoice struct {
	session *discordgo.Session
	ffmpeg  string
}

func NewDiscordVoice(session *discordgo.Session, ffmpeg string) *DiscordVoice {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &DiscordVoice{session: session, ffmpeg: ffmpeg}
}

// Join connects self-deafened; the reader never listens.
func (v *DiscordVoice) Join(ctx context.Context, guildID, channelID string) (playback.Conn, error) {
	vc, err := v.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, err
	}
	return &voiceConn{vc: vc, ffmpeg: v.ffmpeg}, nil
}

func (v *DiscordVoice) Leave(ctx context.Context, guildID string) error {
	v.session.RLock()
	vc, ok := v.session.VoiceConnections[guildID]
	v.session.RUnlock()
	if !ok {
		return nil
	}
	return vc.Disconnect()
}

type voiceConn struct {
	vc     *discordgo.VoiceConnection
	ffmpeg string

	mu   sync.Mutex
	stop context.CancelFunc
}

type voiceTrack struct {
	done chan struct{}
}

func (t *voiceTrack) Done() <-chan struct{} { return t.done }

// ffmpegArgs converts any input audio into 48kHz stereo Opus in Ogg, one
// 20ms packet per page so every page payload is a single Discord frame.
func ffmpegArgs(gain float64) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-filter:a", "volume=" + strconv.FormatFloat(gain, 'f', 2, 64),
		"-ac", "2", "-ar", "48000",
		"-c:a", "libopus", "-b:a", "96k",
		"-frame_duration", "20",
		"-page_duration", "20000",
		"-f", "ogg", "pipe:1",
	}
}

func (c *voiceConn) Play(ctx context.Context, audio []byte, gain float64) (playback.Track, error) {
	playCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(playCtx, c.ffmpeg, ffmpegArgs(gain)...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()

	t := &voiceTrack{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()

		err := c.stream(playCtx, stdout)
		stopped := playCtx.Err() != nil
		if err != nil {
			// ffmpeg may be blocked on a full pipe
			cancel()
		}
		waitErr := cmd.Wait()
		if stopped {
			return
		}
		if err == nil {
			err = waitErr
		}
		if err != nil {
			logger.WarnCF("discord", "Voice playback failed", map[string]any{
				"error":  err,
				"ffmpeg": stderr.String(),
			})
		}
	}()
	return t, nil
}

// stream forwards Opus packets from ffmpeg's Ogg output to the voice
// connection until the output ends or ctx is cancelled.
func (c *voiceConn) stream(ctx context.Context, ogg io.Reader) error {
	// NewWith consumes the OpusHead page
	reader, _, err := oggreader.NewWith(ogg)
	if err != nil {
		return fmt.Errorf("reading ogg header: %w", err)
	}

	if err := c.vc.Speaking(true); err != nil {
		logger.DebugCF("discord", "Failed to set speaking state", map[string]any{"error": err})
	}
	defer func() { _ = c.vc.Speaking(false) }()

	for {
		page, _, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading ogg page: %w", err)
		}
		if len(page) == 0 || bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		select {
		case c.vc.OpusSend <- page:
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop ends the current track.
func (c *voiceConn) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// StateOccupancy answers voice membership questions from the gateway's
// cached state. It implements presence.Occupancy.
type StateOccupancy struct {
	session *discordgo.Session
}

func NewStateOccupancy(session *discordgo.Session) *StateOccupancy {
	return &StateOccupancy{session: session}
}

func (o *StateOccupancy) BotID() string {
	if o.session.State == nil || o.session.State.User == nil {
		return ""
	}
	return o.session.State.User.ID
}

func (o *StateOccupancy) UserChannel(guildID, userID string) string {
	vs, err := o.session.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

func (o *StateOccupancy) Occupants(guildID, channelID string) int {
	g, err := o.session.State.Guild(guildID)
	if err != nil {
		return 0
	}
	o.session.State.RLock()
	defer o.session.State.RUnlock()
	return countOccupants(g.VoiceStates, channelID)
}

func countOccupants(states []*discordgo.VoiceState, channelID string) int {
	if channelID == "" {
		return 0
	}
	n := 0
	for _, vs := range states {
		if vs != nil && vs.ChannelID == channelID {
			n++
		}
	}
	return n
}

func (o *StateOccupancy) DisplayName(ctx context.Context, guildID, userID string) string {
	m, err := o.session.State.Member(guildID, userID)
	if err != nil {
		m, err = o.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return ""
		}
	}
	return memberName(m)
}

// memberName prefers the guild nickname, then the global display name.
func memberName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}
