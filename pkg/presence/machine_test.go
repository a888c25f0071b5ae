package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picovoice/pkg/playback"
	"github.com/sipeed/picovoice/pkg/store"
	"github.com/sipeed/picovoice/pkg/tts"
)

const (
	guild = "g1"
	bot   = "bot"
)

type fakeOccupancy struct {
	mu       sync.Mutex
	channels map[string]string
}

func (o *fakeOccupancy) BotID() string { return bot }

func (o *fakeOccupancy) UserChannel(guildID, userID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[userID]
}

func (o *fakeOccupancy) Occupants(guildID, channelID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, ch := range o.channels {
		if ch == channelID {
			n++
		}
	}
	return n
}

func (o *fakeOccupancy) DisplayName(ctx context.Context, guildID, userID string) string {
	return "name-" + userID
}

func (o *fakeOccupancy) move(userID, channelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if channelID == "" {
		delete(o.channels, userID)
		return
	}
	o.channels[userID] = channelID
}

type doneTrack struct{}

func (doneTrack) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeConn struct {
	mu     sync.Mutex
	played []string
}

func (c *fakeConn) Play(ctx context.Context, audio []byte, gain float64) (playback.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.played = append(c.played, string(audio))
	return doneTrack{}, nil
}

func (c *fakeConn) Stop() {}

func (c *fakeConn) clips() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.played...)
}

type fakeConnector struct {
	occupancy *fakeOccupancy
	conn      *fakeConn
	err       error

	mu     sync.Mutex
	joins  []string
	leaves int
}

func (c *fakeConnector) Join(ctx context.Context, guildID, channelID string) (playback.Conn, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	c.joins = append(c.joins, channelID)
	c.mu.Unlock()
	c.occupancy.move(bot, channelID)
	return c.conn, nil
}

func (c *fakeConnector) Leave(ctx context.Context, guildID string) error {
	c.mu.Lock()
	c.leaves++
	c.mu.Unlock()
	c.occupancy.move(bot, "")
	return nil
}

type echoBackend struct{}

func (echoBackend) Kind() tts.BackendKind { return tts.Remote }
func (echoBackend) Resolve(p tts.Profile, guildDefault string) tts.Voice {
	return tts.Voice{Rate: p.Rate}
}
func (echoBackend) Synthesize(ctx context.Context, text string, v tts.Voice) (tts.Clip, error) {
	return tts.Clip{Audio: []byte(text), Kind: tts.Remote}, nil
}
func (echoBackend) Reload(ctx context.Context) error { return nil }
func (echoBackend) Models() []tts.Model              { return nil }

type defaultProfiles struct{}

func (defaultProfiles) Profile(ctx context.Context, userID string) (tts.Profile, error) {
	return store.DefaultProfile(), nil
}

type fakeGuilds struct {
	cfg store.GuildConfig
}

func (f *fakeGuilds) Guild(ctx context.Context, guildID string) (store.GuildConfig, error) {
	return f.cfg, nil
}

type notice struct{ channel, text string }

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *fakeNotifier) Notify(ctx context.Context, channelID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{channelID, text})
	return nil
}

func (n *fakeNotifier) sorted() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]notice(nil), n.notices...)
	sort.Slice(out, func(i, j int) bool { return out[i].channel < out[j].channel })
	return out
}

type fixture struct {
	machine   *Machine
	player    *playback.Player
	occupancy *fakeOccupancy
	connector *fakeConnector
	conn      *fakeConn
	guilds    *fakeGuilds
	notifier  *fakeNotifier
}

func newFixture() *fixture {
	f := &fixture{
		occupancy: &fakeOccupancy{channels: map[string]string{}},
		conn:      &fakeConn{},
		guilds:    &fakeGuilds{cfg: store.DefaultGuildConfig(guild)},
		notifier:  &fakeNotifier{},
	}
	f.connector = &fakeConnector{occupancy: f.occupancy, conn: f.conn}
	f.player = playback.NewPlayer(
		playback.NewRegistry(),
		echoBackend{},
		f.connector,
		defaultProfiles{},
		f.guilds,
		f.notifier,
		playback.Options{},
	)
	f.machine = NewMachine(f.player, f.connector, f.occupancy, f.guilds, f.notifier)
	return f
}

// connectBot puts the bot and the listed users in voice channel v1.
func (f *fixture) connectBot(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		f.occupancy.move(u, "v1")
	}
	_, err := f.machine.Join(context.Background(), JoinRequest{GuildID: guild, TextChannelID: "t1", UserID: users[0]})
	require.NoError(t, err)
}

func TestJoin(t *testing.T) {
	f := newFixture()
	f.occupancy.move("u1", "v1")

	channel, err := f.machine.Join(context.Background(), JoinRequest{GuildID: guild, TextChannelID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "v1", channel)
	assert.Equal(t, []string{"v1"}, f.connector.joins)
	assert.Equal(t, []string{"t1"}, f.player.Sessions().ReadChannels(guild))
}

func TestJoinErrors(t *testing.T) {
	t.Run("not in voice", func(t *testing.T) {
		f := newFixture()
		_, err := f.machine.Join(context.Background(), JoinRequest{GuildID: guild, TextChannelID: "t1", UserID: "u1"})
		assert.ErrorIs(t, err, ErrNotInVoice)
	})

	t.Run("already connected", func(t *testing.T) {
		f := newFixture()
		f.connectBot(t, "u1")
		_, err := f.machine.Join(context.Background(), JoinRequest{GuildID: guild, TextChannelID: "t2", UserID: "u1"})
		assert.ErrorIs(t, err, ErrAlreadyConnected)
		assert.Equal(t, []string{"t1"}, f.player.Sessions().ReadChannels(guild))
	})

	t.Run("connect failure", func(t *testing.T) {
		f := newFixture()
		f.connector.err = errors.New("gateway timeout")
		f.occupancy.move("u1", "v1")
		_, err := f.machine.Join(context.Background(), JoinRequest{GuildID: guild, TextChannelID: "t1", UserID: "u1"})
		assert.ErrorIs(t, err, ErrVoiceConnect)
		assert.False(t, f.player.Sessions().Has(guild))
	})
}

func TestLeave(t *testing.T) {
	f := newFixture()
	assert.ErrorIs(t, f.machine.Leave(context.Background(), guild), playback.ErrSessionAbsent)

	f.connectBot(t, "u1")
	require.NoError(t, f.machine.Leave(context.Background(), guild))
	assert.False(t, f.player.Sessions().Has(guild))
	assert.Equal(t, 1, f.connector.leaves)
}

func TestReadChannelChanges(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.machine.AddReadChannel(ctx, guild, "t2", "u1")
	assert.ErrorIs(t, err, ErrNotInVoice)

	f.occupancy.move("u1", "v1")
	_, err = f.machine.AddReadChannel(ctx, guild, "t2", "u1")
	assert.ErrorIs(t, err, playback.ErrSessionAbsent)

	f.connectBot(t, "u1")
	added, err := f.machine.AddReadChannel(ctx, guild, "t2", "u1")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.machine.AddReadChannel(ctx, guild, "t2", "u1")
	require.NoError(t, err)
	assert.False(t, added)

	removed, err := f.machine.RemoveReadChannel(ctx, guild, "t1", "u1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = f.machine.RemoveReadChannel(ctx, guild, "t9", "u1")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, []string{"t2"}, f.player.Sessions().ReadChannels(guild))
}

func TestAutoJoin(t *testing.T) {
	f := newFixture()
	f.guilds.cfg.AutoJoin = map[string][]string{"v1": {"t2", "t1"}}
	f.occupancy.move("u1", "v1")

	err := f.machine.OnVoicePresenceChanged(context.Background(), Event{GuildID: guild, UserID: "u1", NewChannelID: "v1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"v1"}, f.connector.joins)
	assert.Equal(t, []string{"t1", "t2"}, f.player.Sessions().ReadChannels(guild))
	assert.Equal(t, []notice{{"t1", ConnectedText}, {"t2", ConnectedText}}, f.notifier.sorted())
	assert.Equal(t, []string{ConnectedText}, f.conn.clips())
}

func TestAutoJoinSkipped(t *testing.T) {
	t.Run("channel not mapped", func(t *testing.T) {
		f := newFixture()
		f.guilds.cfg.AutoJoin = map[string][]string{"v2": {"t1"}}
		f.occupancy.move("u1", "v1")

		require.NoError(t, f.machine.OnVoicePresenceChanged(context.Background(), Event{GuildID: guild, UserID: "u1", NewChannelID: "v1"}))
		assert.Empty(t, f.connector.joins)
	})

	t.Run("channel already occupied", func(t *testing.T) {
		f := newFixture()
		f.guilds.cfg.AutoJoin = map[string][]string{"v1": {"t1"}}
		f.occupancy.move("u1", "v1")
		f.occupancy.move("u2", "v1")

		require.NoError(t, f.machine.OnVoicePresenceChanged(context.Background(), Event{GuildID: guild, UserID: "u2", NewChannelID: "v1"}))
		assert.Empty(t, f.connector.joins)
	})

	t.Run("already connected", func(t *testing.T) {
		f := newFixture()
		f.guilds.cfg.AutoJoin = map[string][]string{"v2": {"t2"}}
		f.connectBot(t, "u1")
		f.occupancy.move("u2", "v2")

		require.NoError(t, f.machine.OnVoicePresenceChanged(context.Background(), Event{GuildID: guild, UserID: "u2", NewChannelID: "v2"}))
		assert.Equal(t, []string{"v1"}, f.connector.joins)
		assert.Equal(t, []string{"t1"}, f.player.Sessions().ReadChannels(guild))
	})
}

func TestAutoLeaveWhenAlone(t *testing.T) {
	f := newFixture()
	f.connectBot(t, "u1")

	f.occupancy.move("u1", "")
	require.NoError(t, f.machine.OnVoicePresenceChanged(context.Background(), Event{GuildID: guild, UserID: "u1", OldChannelID: "v1"}))

	assert.False(t, f.player.Sessions().Has(guild))
	assert.Equal(t, 1, f.connector.leaves)
	assert.Empty(t, f.notifier.sorted())
}

func TestAutoLeaveStaysWithCompany(t *testing.T) {
	f := newFixture()
	f.connectBot(t, "u1", "u2")

	f.occupancy.move("u1", "v3")
	require.NoError(t, f.machine.OnVoicePresenceChanged(context.Background(), Event{GuildID: guild, UserID: "u1", OldChannelID: "v1", NewChannelID: "v3"}))

	assert.True(t, f.player.Sessions().Has(guild))
	assert.Zero(t, f.connector.leaves)
}

func TestEntranceExitAnnouncements(t *testing.T) {
	f := newFixture()
	f.guilds.cfg.Options.EntranceExitLog = true
	f.guilds.cfg.Options.EntranceExitPlay = true
	f.connectBot(t, "u1")
	ctx := context.Background()

	f.occupancy.move("u2", "v1")
	require.NoError(t, f.machine.OnVoicePresenceChanged(ctx, Event{GuildID: guild, UserID: "u2", NewChannelID: "v1"}))
	assert.Equal(t, []notice{{"t1", "> **name-u2** joined."}}, f.notifier.sorted())
	assert.Equal(t, []string{"name-u2 joined."}, f.conn.clips())

	f.occupancy.move("u2", "")
	require.NoError(t, f.machine.OnVoicePresenceChanged(ctx, Event{GuildID: guild, UserID: "u2", OldChannelID: "v1"}))
	assert.Len(t, f.notifier.sorted(), 2)
	assert.Equal(t, []string{"name-u2 joined.", "name-u2 left."}, f.conn.clips())
}

func TestAnnouncementsIgnoreOtherChannelsAndTheBot(t *testing.T) {
	f := newFixture()
	f.guilds.cfg.Options.EntranceExitLog = true
	f.connectBot(t, "u1", "u2")
	ctx := context.Background()

	f.occupancy.move("u3", "v2")
	require.NoError(t, f.machine.OnVoicePresenceChanged(ctx, Event{GuildID: guild, UserID: "u3", NewChannelID: "v2"}))
	require.NoError(t, f.machine.OnVoicePresenceChanged(ctx, Event{GuildID: guild, UserID: bot, OldChannelID: "v2", NewChannelID: "v1"}))
	require.NoError(t, f.machine.OnVoicePresenceChanged(ctx, Event{GuildID: guild, UserID: "u2", OldChannelID: "v1", NewChannelID: "v1"}))

	assert.Empty(t, f.notifier.sorted())
	assert.True(t, f.player.Sessions().Has(guild))
}

func TestBotDisconnectedExternally(t *testing.T) {
	f := newFixture()
	f.connectBot(t, "u1")

	f.occupancy.move(bot, "")
	require.NoError(t, f.machine.OnVoicePresenceChanged(context.Background(), Event{GuildID: guild, UserID: bot, OldChannelID: "v1"}))

	assert.False(t, f.player.Sessions().Has(guild))
	assert.Empty(t, f.notifier.sorted())
}
