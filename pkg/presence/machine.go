// Package presence decides when the bot is in a guild's voice channel: the
// join and leave commands, automatic joining and leaving, and the entrance
// and exit announcements that follow member movement.
package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/metrics"
	"github.com/sipeed/picovoice/pkg/playback"
	"github.com/sipeed/picovoice/pkg/store"
)

var (
	ErrAlreadyConnected = errors.New("already connected to a voice channel")
	ErrNotInVoice       = errors.New("user is not in a voice channel")
	ErrVoiceConnect     = errors.New("voice connection failed")
)

// ConnectedText is posted and spoken when the bot joins a channel.
const ConnectedText = "Connected."

// Occupancy answers questions about who is in which voice channel. It is
// backed by the gateway's cached voice states.
type Occupancy interface {
	BotID() string
	// UserChannel returns the voice channel the user is in, or "".
	UserChannel(guildID, userID string) string
	// Occupants counts members in the channel, the bot included.
	Occupants(guildID, channelID string) int
	DisplayName(ctx context.Context, guildID, userID string) string
}

type JoinRequest struct {
	GuildID       string
	TextChannelID string
	UserID        string
}

// Event is one member's voice channel change. An empty channel id means the
// member was not in voice on that side of the change.
type Event struct {
	GuildID      string
	UserID       string
	OldChannelID string
	NewChannelID string
}

type Machine struct {
	player    *playback.Player
	connector playback.Connector
	occupancy Occupancy
	guilds    store.GuildSource
	notifier  playback.Notifier

	mu      sync.Mutex
	joining map[string]struct{}
}

func NewMachine(
	player *playback.Player,
	connector playback.Connector,
	occupancy Occupancy,
	guilds store.GuildSource,
	notifier playback.Notifier,
) *Machine {
	return &Machine{
		player:    player,
		connector: connector,
		occupancy: occupancy,
		guilds:    guilds,
		notifier:  notifier,
		joining:   make(map[string]struct{}),
	}
}

// claim marks a join in progress so two joins for one guild cannot both
// reach the connector.
func (m *Machine) claim(guildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.joining[guildID]; busy {
		return false
	}
	m.joining[guildID] = struct{}{}
	return true
}

func (m *Machine) release(guildID string) {
	m.mu.Lock()
	delete(m.joining, guildID)
	m.mu.Unlock()
}

// connect joins voiceChannelID and installs a session reading readChannels.
func (m *Machine) connect(ctx context.Context, guildID, voiceChannelID string, readChannels []string) error {
	if m.player.Sessions().Has(guildID) {
		return ErrAlreadyConnected
	}
	if !m.claim(guildID) {
		return ErrAlreadyConnected
	}
	defer m.release(guildID)

	conn, err := m.connector.Join(ctx, guildID, voiceChannelID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVoiceConnect, err)
	}
	m.player.Sessions().Open(guildID, conn, readChannels)
	return nil
}

// Join connects to the caller's voice channel and reads the channel the
// command came from. It returns the voice channel joined.
func (m *Machine) Join(ctx context.Context, req JoinRequest) (string, error) {
	if m.player.Sessions().Has(req.GuildID) {
		return "", ErrAlreadyConnected
	}
	voice := m.occupancy.UserChannel(req.GuildID, req.UserID)
	if voice == "" {
		return "", ErrNotInVoice
	}

	if err := m.connect(ctx, req.GuildID, voice, []string{req.TextChannelID}); err != nil {
		return "", err
	}

	metrics.Transition("join")
	logger.InfoCF("presence", "Joined voice channel", map[string]any{
		"guild_id":     req.GuildID,
		"channel_id":   voice,
		"read_channel": req.TextChannelID,
	})
	return voice, nil
}

// Leave disconnects from the guild. It returns playback.ErrSessionAbsent when
// the bot was not connected.
func (m *Machine) Leave(ctx context.Context, guildID string) error {
	if !m.player.Teardown(ctx, guildID, "leave") {
		return playback.ErrSessionAbsent
	}
	return nil
}

// AddReadChannel starts reading channelID. The caller must be in voice.
func (m *Machine) AddReadChannel(ctx context.Context, guildID, channelID, userID string) (bool, error) {
	if m.occupancy.UserChannel(guildID, userID) == "" {
		return false, ErrNotInVoice
	}
	return m.player.Sessions().AddReadChannel(guildID, channelID)
}

// RemoveReadChannel stops reading channelID. The caller must be in voice.
func (m *Machine) RemoveReadChannel(ctx context.Context, guildID, channelID, userID string) (bool, error) {
	if m.occupancy.UserChannel(guildID, userID) == "" {
		return false, ErrNotInVoice
	}
	return m.player.Sessions().RemoveReadChannel(guildID, channelID)
}

// OnVoicePresenceChanged reacts to a member moving between voice channels.
// Announcements, autojoin and autoleave run concurrently. A failure in one
// does not cancel the others; the first error is returned once all finish.
func (m *Machine) OnVoicePresenceChanged(ctx context.Context, ev Event) error {
	if ev.OldChannelID == ev.NewChannelID {
		return nil
	}
	if ev.UserID == m.occupancy.BotID() && ev.NewChannelID == "" {
		// kicked or disconnected from outside
		m.player.Teardown(ctx, ev.GuildID, "disconnected")
		return nil
	}

	var g errgroup.Group
	if ev.OldChannelID != "" {
		g.Go(func() error { return m.announce(ctx, ev, ev.OldChannelID, false) })
	}
	if ev.NewChannelID != "" {
		g.Go(func() error { return m.announce(ctx, ev, ev.NewChannelID, true) })
		g.Go(func() error { return m.autoJoin(ctx, ev) })
	}
	g.Go(func() error { m.autoLeave(ctx, ev.GuildID); return nil })
	return g.Wait()
}

func (m *Machine) autoJoin(ctx context.Context, ev Event) error {
	if ev.UserID == m.occupancy.BotID() || m.player.Sessions().Has(ev.GuildID) {
		return nil
	}
	if m.occupancy.Occupants(ev.GuildID, ev.NewChannelID) != 1 {
		return nil
	}

	cfg, err := m.guilds.Guild(ctx, ev.GuildID)
	if err != nil {
		return fmt.Errorf("loading guild settings: %w", err)
	}
	readChannels := uniqueSorted(cfg.AutoJoin[ev.NewChannelID])
	if len(readChannels) == 0 {
		return nil
	}

	if err := m.connect(ctx, ev.GuildID, ev.NewChannelID, readChannels); err != nil {
		if errors.Is(err, ErrAlreadyConnected) {
			return nil
		}
		logger.ErrorCF("presence", "Auto join failed", map[string]any{
			"guild_id":   ev.GuildID,
			"channel_id": ev.NewChannelID,
			"error":      err,
		})
		return nil
	}
	metrics.Transition("autojoin")

	var g errgroup.Group
	for _, ch := range readChannels {
		g.Go(func() error { return m.notify(ctx, ch, ConnectedText) })
	}
	g.Go(func() error {
		return m.player.Enqueue(ctx, playback.Request{
			GuildID:   ev.GuildID,
			ChannelID: readChannels[0],
			UserID:    ev.UserID,
			Text:      ConnectedText,
		})
	})
	err = g.Wait()

	logger.InfoCF("presence", "Auto joined voice channel", map[string]any{
		"guild_id":      ev.GuildID,
		"channel_id":    ev.NewChannelID,
		"read_channels": readChannels,
	})
	return err
}

// autoLeave disconnects when nobody but the bot is left in its channel.
func (m *Machine) autoLeave(ctx context.Context, guildID string) {
	if !m.player.Sessions().Has(guildID) {
		return
	}
	botChannel := m.occupancy.UserChannel(guildID, m.occupancy.BotID())
	if botChannel == "" || m.occupancy.Occupants(guildID, botChannel) != 1 {
		return
	}
	if m.player.Teardown(ctx, guildID, "autoleave") {
		logger.InfoCF("presence", "Auto left empty voice channel", map[string]any{
			"guild_id":   guildID,
			"channel_id": botChannel,
		})
	}
}

// announce posts and speaks entrance or exit messages for changes in the
// bot's own channel, as the guild's options allow.
func (m *Machine) announce(ctx context.Context, ev Event, channelID string, entered bool) error {
	botID := m.occupancy.BotID()
	if ev.UserID == botID {
		return nil
	}
	readChannels := m.player.Sessions().ReadChannels(ev.GuildID)
	if len(readChannels) == 0 {
		return nil
	}
	if m.occupancy.UserChannel(ev.GuildID, botID) != channelID {
		return nil
	}

	cfg, err := m.guilds.Guild(ctx, ev.GuildID)
	if err != nil {
		return fmt.Errorf("loading guild settings: %w", err)
	}
	if !cfg.Options.EntranceExitLog && !cfg.Options.EntranceExitPlay {
		return nil
	}

	name := m.occupancy.DisplayName(ctx, ev.GuildID, ev.UserID)
	if name == "" {
		return nil
	}
	verb := "left"
	if entered {
		verb = "joined"
	}

	var g errgroup.Group
	if cfg.Options.EntranceExitLog {
		text := fmt.Sprintf("> **%s** %s.", name, verb)
		for _, ch := range readChannels {
			g.Go(func() error { return m.notify(ctx, ch, text) })
		}
	}
	if cfg.Options.EntranceExitPlay {
		g.Go(func() error {
			return m.player.Enqueue(ctx, playback.Request{
				GuildID:   ev.GuildID,
				ChannelID: readChannels[0],
				UserID:    ev.UserID,
				Text:      fmt.Sprintf("%s %s.", name, verb),
			})
		})
	}
	return g.Wait()
}

func (m *Machine) notify(ctx context.Context, channelID, text string) error {
	if m.notifier == nil {
		return nil
	}
	if err := m.notifier.Notify(ctx, channelID, text); err != nil {
		return fmt.Errorf("notifying channel %s: %w", channelID, err)
	}
	return nil
}

func uniqueSorted(channels []string) []string {
	out := append([]string(nil), channels...)
	slices.Sort(out)
	return slices.Compact(out)
}
