package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"

	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/presence"
)

const sendTimeout = 10 * time.Second

// VoiceEvents receives member voice channel changes.
type VoiceEvents interface {
	OnVoicePresenceChanged(ctx context.Context, ev presence.Event) error
}

// ReadChannels tells the message handler which channels are being read.
type ReadChannels interface {
	IsReadChannel(guildID, channelID string) bool
}

type DiscordChannel struct {
	session   *discordgo.Session
	messenger *Messenger
	reader    *Reader
	voice     VoiceEvents
	reading   ReadChannels
	ctx       context.Context
}

const (
	restTimeout             = 20 * time.Second
	gatewayHandshakeTimeout = 45 * time.Second
)

// NewDiscordSession creates the gateway session with the intents the reader
// needs. It does not connect. An empty proxy uses the environment.
func NewDiscordSession(token, proxy string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	if err := applyDiscordProxy(session, proxy); err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentMessageContent
	return session, nil
}

// applyDiscordProxy routes both the REST client and the gateway websocket
// through proxyAddr, or through the HTTP(S)_PROXY variables when it is empty.
func applyDiscordProxy(session *discordgo.Session, proxyAddr string) error {
	proxy := http.ProxyFromEnvironment
	if proxyAddr != "" {
		u, err := url.Parse(proxyAddr)
		if err != nil {
			return fmt.Errorf("invalid discord proxy %q: %w", proxyAddr, err)
		}
		proxy = http.ProxyURL(u)
	}

	session.Client = &http.Client{
		Timeout:   restTimeout,
		Transport: &http.Transport{Proxy: proxy},
	}
	session.Dialer = &websocket.Dialer{
		Proxy:            proxy,
		HandshakeTimeout: gatewayHandshakeTimeout,
	}
	return nil
}

func NewDiscordChannel(session *discordgo.Session, reader *Reader, voice VoiceEvents, reading ReadChannels) *DiscordChannel {
	c := &DiscordChannel{
		session:   session,
		messenger: NewMessenger(session),
		reader:    reader,
		voice:     voice,
		reading:   reading,
		ctx:       context.Background(),
	}
	reader.SetAdminCheck(c.isAdmin)
	reader.latency = session.HeartbeatLatency
	return c
}

func (c *DiscordChannel) getContext() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.ctx = ctx
	c.session.AddHandler(c.handleReady)
	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleVoiceState)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")

	c.session.RLock()
	conns := make([]*discordgo.VoiceConnection, 0, len(c.session.VoiceConnections))
	for _, vc := range c.session.VoiceConnections {
		conns = append(conns, vc)
	}
	c.session.RUnlock()
	for _, vc := range conns {
		_ = vc.Disconnect()
	}

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

// Messenger posts bot messages through a session. It implements
// playback.Notifier and has no dependency on the reader.
type Messenger struct {
	session *discordgo.Session
}

func NewMessenger(session *discordgo.Session) *Messenger {
	return &Messenger{session: session}
}

// Notify posts text to a channel, split to fit the message size limit.
func (m *Messenger) Notify(ctx context.Context, channelID, text string) error {
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	for _, chunk := range splitMessage(text, 1500) {
		if err := m.send(ctx, channelID, &discordgo.MessageSend{Content: chunk}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Messenger) send(ctx context.Context, channelID string, msg *discordgo.MessageSend) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := m.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(sendCtx))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": r.User.Username,
		"user_id":  r.User.ID,
		"guilds":   len(r.Guilds),
	})
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	ctx := c.getContext()

	if strings.HasPrefix(m.Content, c.reader.opts.Prefix) {
		c.handleCommand(ctx, m)
		return
	}

	err := c.reader.ReadMessage(ctx, m.GuildID, m.ChannelID, m.Author.ID, m.Content,
		len(m.Attachments), c.reading.IsReadChannel(m.GuildID, m.ChannelID))
	if err != nil {
		logger.WarnCF("discord", "Failed to read message aloud", map[string]any{
			"guild_id":   m.GuildID,
			"channel_id": m.ChannelID,
			"error":      err,
		})
	}
}

func (c *DiscordChannel) handleCommand(ctx context.Context, m *discordgo.MessageCreate) {
	reply, ok, err := c.reader.Dispatch(ctx, m.GuildID, m.ChannelID, m.Author.ID, m.Content)
	if !ok {
		return
	}
	if err != nil {
		logger.ErrorCF("discord", "Command failed", map[string]any{
			"guild_id": m.GuildID,
			"content":  m.Content,
			"error":    err,
		})
		if reply.Text == "" {
			reply.Text = "Something went wrong."
		}
	}

	msg := &discordgo.MessageSend{Content: reply.Text}
	if reply.File != nil {
		msg.Files = []*discordgo.File{reply.File}
	}
	if msg.Content == "" && len(msg.Files) == 0 {
		return
	}

	if err := c.messenger.send(ctx, m.ChannelID, msg); err != nil {
		logger.WarnCF("discord", "Failed to send command reply", map[string]any{
			"channel_id": m.ChannelID,
			"error":      err,
		})
	}
	if reply.After != nil {
		reply.After(ctx)
	}
}

func (c *DiscordChannel) handleVoiceState(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil || v.GuildID == "" {
		return
	}
	ev := presence.Event{
		GuildID:      v.GuildID,
		UserID:       v.UserID,
		NewChannelID: v.ChannelID,
	}
	if v.BeforeUpdate != nil {
		ev.OldChannelID = v.BeforeUpdate.ChannelID
	}

	if err := c.voice.OnVoicePresenceChanged(c.getContext(), ev); err != nil {
		logger.WarnCF("discord", "Voice state handling failed", map[string]any{
			"guild_id": v.GuildID,
			"user_id":  v.UserID,
			"error":    err,
		})
	}
}

func (c *DiscordChannel) isAdmin(guildID, channelID, userID string) bool {
	perms, err := c.session.State.UserChannelPermissions(userID, channelID)
	if err != nil {
		perms, err = c.session.UserChannelPermissions(userID, channelID)
		if err != nil {
			return false
		}
	}
	return perms&discordgo.PermissionAdministrator != 0
}

// splitMessage splits long messages into chunks on line or word boundaries.
// Lengths are in runes since Discord's limit is character-based.
func splitMessage(content string, limit int) []string {
	var messages []string
	runes := []rune(content)

	for len(runes) > 0 {
		if len(runes) <= limit {
			messages = append(messages, string(runes))
			break
		}

		msgEnd := findLastRuneNewline(runes[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastRuneSpace(runes[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = limit
		}

		messages = append(messages, string(runes[:msgEnd]))
		runes = []rune(strings.TrimSpace(string(runes[msgEnd:])))
	}

	return messages
}

// findLastRuneNewline finds the last newline within the last N runes.
func findLastRuneNewline(runes []rune, searchWindow int) int {
	searchStart := len(runes) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(runes) - 1; i >= searchStart; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

// findLastRuneSpace finds the last space within the last N runes.
func findLastRuneSpace(runes []rune, searchWindow int) int {
	searchStart := len(runes) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(runes) - 1; i >= searchStart; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return i
		}
	}
	return -1
}
