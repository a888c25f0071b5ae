package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/picovoice/pkg/store"
	"github.com/sipeed/picovoice/pkg/tts"
)

type synthCall struct {
	text  string
	voice tts.Voice
}

type fakeBackend struct {
	kind tts.BackendKind
	err  error
	// gates holds a channel per text; synthesis of that text waits on it.
	gates map[string]chan struct{}

	mu    sync.Mutex
	calls []synthCall
}

func (b *fakeBackend) Kind() tts.BackendKind { return b.kind }

func (b *fakeBackend) Resolve(p tts.Profile, guildDefault string) tts.Voice {
	name := p.ModelName
	if name == store.UnsetName {
		name = guildDefault
	}
	return tts.Voice{ModelName: name, Rate: p.Rate}
}

func (b *fakeBackend) Synthesize(ctx context.Context, text string, v tts.Voice) (tts.Clip, error) {
	b.mu.Lock()
	b.calls = append(b.calls, synthCall{text: text, voice: v})
	gate := b.gates[text]
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if b.err != nil {
		return tts.Clip{}, b.err
	}
	return tts.Clip{Audio: []byte(text), Kind: b.kind}, nil
}

func (b *fakeBackend) Reload(ctx context.Context) error { return nil }
func (b *fakeBackend) Models() []tts.Model              { return nil }

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) lastVoice() tts.Voice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[len(b.calls)-1].voice
}

type fakeTrack struct {
	done    chan struct{}
	once    sync.Once
	playing *atomic.Int32
}

func (t *fakeTrack) Done() <-chan struct{} { return t.done }

// finish marks the track stopped before the loop can observe its end.
func (t *fakeTrack) finish() {
	t.once.Do(func() {
		t.playing.Add(-1)
		close(t.done)
	})
}

type fakeConn struct {
	// hold is how long each track plays. Zero means until Stop.
	hold   time.Duration
	noDone bool
	// playErr fails Play for the listed clip texts.
	playErr map[string]error

	mu      sync.Mutex
	played  []string
	gains   []float64
	current *fakeTrack

	playing  atomic.Int32
	overlaps atomic.Int32
	started  chan string
}

func newFakeConn(hold time.Duration) *fakeConn {
	return &fakeConn{hold: hold, started: make(chan string, 128)}
}

func (c *fakeConn) Play(ctx context.Context, audio []byte, gain float64) (Track, error) {
	if err := c.playErr[string(audio)]; err != nil {
		return nil, err
	}
	if c.playing.Add(1) > 1 {
		c.overlaps.Add(1)
	}

	t := &fakeTrack{done: make(chan struct{}), playing: &c.playing}
	c.mu.Lock()
	c.played = append(c.played, string(audio))
	c.gains = append(c.gains, gain)
	c.current = t
	c.mu.Unlock()

	go func() {
		if c.hold > 0 {
			select {
			case <-time.After(c.hold):
			case <-t.done:
			}
		} else {
			<-t.done
		}
		t.finish()
	}()

	c.started <- string(audio)
	if c.noDone {
		return nil, nil
	}
	return t, nil
}

func (c *fakeConn) Stop() {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t != nil {
		t.finish()
	}
}

func (c *fakeConn) playedClips() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.played...)
}

type fakeConnector struct {
	conn   *fakeConn
	err    error
	mu     sync.Mutex
	joins  []string
	leaves []string
}

func (c *fakeConnector) Join(ctx context.Context, guildID, channelID string) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.joins = append(c.joins, channelID)
	return c.conn, nil
}

func (c *fakeConnector) Leave(ctx context.Context, guildID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves = append(c.leaves, guildID)
	return nil
}

func (c *fakeConnector) leaveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.leaves)
}

type fakeProfiles struct {
	profile tts.Profile
}

func (f fakeProfiles) Profile(ctx context.Context, userID string) (tts.Profile, error) {
	return f.profile, nil
}

type fakeGuilds struct {
	cfg store.GuildConfig
}

func (f fakeGuilds) Guild(ctx context.Context, guildID string) (store.GuildConfig, error) {
	cfg := f.cfg
	cfg.GuildID = guildID
	return cfg, nil
}

type notice struct {
	channelID, text string
}

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

func (n *fakeNotifier) all() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.notices...)
}
