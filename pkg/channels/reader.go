package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/playback"
	"github.com/sipeed/picovoice/pkg/presence"
	"github.com/sipeed/picovoice/pkg/store"
	"github.com/sipeed/picovoice/pkg/textclean"
	"github.com/sipeed/picovoice/pkg/tts"
)

const AttachmentText = "Attachment."

// Settings is the persistent user and guild state the commands change.
type Settings interface {
	store.ProfileSource
	store.GuildSource
	UpdateProfile(ctx context.Context, userID string, fn func(p *tts.Profile)) (tts.Profile, error)
	SetLength(ctx context.Context, userID string, length float64) (float64, error)
	UpdateGuild(ctx context.Context, guildID string, fn func(cfg *store.GuildConfig)) (store.GuildConfig, error)
}

// Presence controls voice membership.
type Presence interface {
	Join(ctx context.Context, req presence.JoinRequest) (string, error)
	Leave(ctx context.Context, guildID string) error
	AddReadChannel(ctx context.Context, guildID, channelID, userID string) (bool, error)
	RemoveReadChannel(ctx context.Context, guildID, channelID, userID string) (bool, error)
}

// Speaker queues speech for a guild.
type Speaker interface {
	Enqueue(ctx context.Context, req playback.Request) error
	Clear(guildID string) (int, error)
	ResolveVoice(ctx context.Context, guildID, userID, text string) tts.Voice
}

type ReaderOptions struct {
	Prefix       string
	OwnerID      string
	WavReadLimit int
	ReadLimit    int
}

// Reader binds the reading commands and message handling to the domain
// packages, independent of the gateway.
type Reader struct {
	opts     ReaderOptions
	backend  tts.Backend
	speaker  Speaker
	presence Presence
	settings Settings
	cleaner  *textclean.Cleaner
	commands *CommandRegistry

	// isAdmin reports whether the user administers the guild. Nil means
	// nobody does.
	isAdmin func(guildID, channelID, userID string) bool
	latency func() time.Duration
}

func NewReader(opts ReaderOptions, backend tts.Backend, speaker Speaker, pres Presence, settings Settings) *Reader {
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	r := &Reader{
		opts:     opts,
		backend:  backend,
		speaker:  speaker,
		presence: pres,
		settings: settings,
		cleaner:  textclean.New(opts.ReadLimit),
		commands: NewCommandRegistry(),
	}
	r.registerCommands()
	return r
}

func (r *Reader) SetAdminCheck(fn func(guildID, channelID, userID string) bool) {
	r.isAdmin = fn
}

func (r *Reader) Commands() *CommandRegistry { return r.commands }

func (r *Reader) registerCommands() {
	c := r.commands
	c.Register("ping", "", "Check that the bot is alive.", r.cmdPing)
	c.Register("help", "", "Show this list.", r.cmdHelp)
	c.Register("join", "", "Join your voice channel and read this channel.", r.cmdJoin)
	c.Register("leave", "", "Leave the voice channel.", r.cmdLeave)
	c.Register("model", "[name]", "List models or pick one.", r.cmdModel)
	c.Register("speaker", "[name]", "List speakers of your model or pick one.", r.cmdSpeaker)
	c.Register("style", "[name]", "List styles of your model or pick one.", r.cmdStyle)
	c.Register("length", "<0.1-5.0>", "Set your speaking length. Larger is slower.", r.cmdLength)
	c.Register("now", "", "Show your current voice.", r.cmdNow)
	c.Register("wav", "<text>", "Synthesize text into an audio file.", r.cmdWav)
	c.Register("reload", "", "Reload the model catalog (owner only).", r.cmdReload)
	c.Register("read_add", "", "Also read this channel.", r.cmdReadAdd)
	c.Register("read_remove", "", "Stop reading this channel.", r.cmdReadRemove)
	c.Register("clear", "", "Drop queued speech.", r.cmdClear)
	c.Register("dict", "[add <word> <reading> | remove <word>]", "Show or edit the server dictionary.", r.cmdDict)
	c.Register("autojoin", "[add <voice channel id> | remove <voice channel id>]", "Show or edit the voice channels that read this channel automatically.", r.cmdAutoJoin)
	c.Register("server", "[<option> on|off]", "Show or change server options.", r.cmdServer)
}

// Dispatch runs the command in content. ok is false when content is not a
// known command.
func (r *Reader) Dispatch(ctx context.Context, guildID, channelID, userID, content string) (Reply, bool, error) {
	name, args, rest, ok := parseCommand(r.opts.Prefix, content)
	if !ok {
		return Reply{}, false, nil
	}
	entry, ok := r.commands.Get(name)
	if !ok {
		return Reply{}, false, nil
	}

	logger.DebugCF("discord", "Command used", map[string]any{
		"command":  name,
		"guild_id": guildID,
		"user_id":  userID,
	})
	reply, err := entry.Handler(ctx, Invocation{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
		Name:      name,
		Args:      args,
		Rest:      rest,
	})
	return reply, true, err
}

// ReadMessage speaks a chat message if its channel is being read.
func (r *Reader) ReadMessage(ctx context.Context, guildID, channelID, userID, content string, attachments int, reading bool) error {
	if !reading || textclean.Ignored(content) {
		return nil
	}

	guild, err := r.settings.Guild(ctx, guildID)
	if err != nil {
		return fmt.Errorf("loading guild settings: %w", err)
	}

	if attachments > 0 && guild.Options.NoticeAttachment {
		if err := r.speaker.Enqueue(ctx, playback.Request{GuildID: guildID, ChannelID: channelID, UserID: userID, Text: AttachmentText}); err != nil {
			return err
		}
	}

	text := r.cleaner.Clean(content, guild.Dictionary)
	return r.speaker.Enqueue(ctx, playback.Request{GuildID: guildID, ChannelID: channelID, UserID: userID, Text: text})
}

func (r *Reader) cmdPing(ctx context.Context, inv Invocation) (Reply, error) {
	if r.latency == nil {
		return Reply{Text: "Pong!"}, nil
	}
	return Reply{Text: fmt.Sprintf("Pong! Gateway latency %dms.", r.latency().Milliseconds())}, nil
}

func (r *Reader) cmdHelp(ctx context.Context, inv Invocation) (Reply, error) {
	return Reply{Text: helpText(r.opts.Prefix, r.commands.List())}, nil
}

func (r *Reader) cmdJoin(ctx context.Context, inv Invocation) (Reply, error) {
	voice, err := r.presence.Join(ctx, presence.JoinRequest{
		GuildID:       inv.GuildID,
		TextChannelID: inv.ChannelID,
		UserID:        inv.UserID,
	})
	switch {
	case errors.Is(err, presence.ErrAlreadyConnected):
		return Reply{Text: "I am already in a voice channel."}, nil
	case errors.Is(err, presence.ErrNotInVoice):
		return Reply{Text: "Join a voice channel first."}, nil
	case err != nil:
		return Reply{Text: "I could not connect to the voice channel."}, err
	}

	return Reply{
		Text: fmt.Sprintf("Connected to <#%s>. Reading <#%s>.", voice, inv.ChannelID),
		After: func(ctx context.Context) {
			if err := r.speaker.Enqueue(ctx, playback.Request{
				GuildID:   inv.GuildID,
				ChannelID: inv.ChannelID,
				UserID:    inv.UserID,
				Text:      presence.ConnectedText,
			}); err != nil {
				logger.WarnCF("discord", "Join confirmation failed", map[string]any{
					"guild_id": inv.GuildID,
					"error":    err,
				})
			}
		},
	}, nil
}

func (r *Reader) cmdLeave(ctx context.Context, inv Invocation) (Reply, error) {
	if err := r.presence.Leave(ctx, inv.GuildID); err != nil {
		if errors.Is(err, playback.ErrSessionAbsent) {
			return Reply{Text: "I am not in a voice channel."}, nil
		}
		return Reply{}, err
	}
	return Reply{Text: "Disconnected."}, nil
}

func (r *Reader) findModel(name string) (tts.Model, bool) {
	for _, m := range r.backend.Models() {
		if m.Name == name {
			return m, true
		}
	}
	return tts.Model{}, false
}

// currentModel is the model the user's profile resolves to right now.
func (r *Reader) currentModel(ctx context.Context, inv Invocation) (tts.Model, bool) {
	v := r.speaker.ResolveVoice(ctx, inv.GuildID, inv.UserID, "")
	return r.findModel(v.ModelName)
}

func (r *Reader) cmdModel(ctx context.Context, inv Invocation) (Reply, error) {
	models := r.backend.Models()
	if len(models) == 0 {
		return Reply{Text: "No models are available."}, nil
	}
	if inv.Rest == "" {
		names := make([]string, 0, len(models))
		for _, m := range models {
			names = append(names, m.Name)
		}
		return Reply{Text: "Models: " + strings.Join(names, ", ")}, nil
	}

	if _, ok := r.findModel(inv.Rest); !ok {
		return Reply{Text: fmt.Sprintf("Unknown model %q.", inv.Rest)}, nil
	}
	_, err := r.settings.UpdateProfile(ctx, inv.UserID, func(p *tts.Profile) {
		p.ModelName = inv.Rest
		// speaker and style names belong to the old model
		p.SpeakerName = store.UnsetName
		p.StyleName = store.UnsetName
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Model set to %s.", inv.Rest)}, nil
}

func (r *Reader) cmdSpeaker(ctx context.Context, inv Invocation) (Reply, error) {
	return r.pickName(ctx, inv, "speaker", tts.Model.Speakers, func(p *tts.Profile, name string) { p.SpeakerName = name })
}

func (r *Reader) cmdStyle(ctx context.Context, inv Invocation) (Reply, error) {
	return r.pickName(ctx, inv, "style", tts.Model.Styles, func(p *tts.Profile, name string) { p.StyleName = name })
}

// pickName lists or sets a speaker or style name of the user's current model.
func (r *Reader) pickName(
	ctx context.Context,
	inv Invocation,
	kind string,
	names func(tts.Model) []string,
	set func(p *tts.Profile, name string),
) (Reply, error) {
	model, ok := r.currentModel(ctx, inv)
	if !ok {
		return Reply{Text: "No models are available."}, nil
	}
	available := names(model)
	if inv.Rest == "" {
		return Reply{Text: fmt.Sprintf("%s %ss: %s", model.Name, kind, strings.Join(available, ", "))}, nil
	}
	if !contains(available, inv.Rest) {
		return Reply{Text: fmt.Sprintf("Model %s has no %s %q.", model.Name, kind, inv.Rest)}, nil
	}
	if _, err := r.settings.UpdateProfile(ctx, inv.UserID, func(p *tts.Profile) { set(p, inv.Rest) }); err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("%s set to %s.", capitalize(kind), inv.Rest)}, nil
}

func (r *Reader) cmdLength(ctx context.Context, inv Invocation) (Reply, error) {
	if len(inv.Args) == 0 {
		return Reply{Text: fmt.Sprintf("Usage: %slength <%.1f-%.1f>", r.opts.Prefix, store.MinLength, store.MaxLength)}, nil
	}
	v, err := strconv.ParseFloat(inv.Args[0], 64)
	if err != nil {
		return Reply{Text: "Length must be a number."}, nil
	}
	kept, err := r.settings.SetLength(ctx, inv.UserID, v)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Length set to %.1f.", kept)}, nil
}

func (r *Reader) cmdNow(ctx context.Context, inv Invocation) (Reply, error) {
	v := r.speaker.ResolveVoice(ctx, inv.GuildID, inv.UserID, "")
	return Reply{Text: formatVoice(v)}, nil
}

func formatVoice(v tts.Voice) string {
	return fmt.Sprintf("Model: %s\nSpeaker: %s\nStyle: %s\nLength: %.1f",
		orNone(v.ModelName), orNone(v.SpeakerName), orNone(v.StyleName), v.Rate)
}

func (r *Reader) cmdWav(ctx context.Context, inv Invocation) (Reply, error) {
	if inv.Rest == "" {
		return Reply{Text: fmt.Sprintf("Usage: %swav <text>", r.opts.Prefix)}, nil
	}
	text := textclean.Truncate(inv.Rest, r.opts.WavReadLimit)
	v := r.speaker.ResolveVoice(ctx, inv.GuildID, inv.UserID, text)

	clip, err := r.backend.Synthesize(ctx, text, v)
	if err != nil {
		logger.WarnCF("discord", "Wav synthesis failed", map[string]any{
			"user_id": inv.UserID,
			"error":   err,
		})
		return Reply{Text: "Speech synthesis failed."}, nil
	}
	return Reply{File: &discordgo.File{
		Name:        "voice.wav",
		ContentType: "audio/wav",
		Reader:      bytes.NewReader(clip.Audio),
	}}, nil
}

func (r *Reader) cmdReload(ctx context.Context, inv Invocation) (Reply, error) {
	if r.opts.OwnerID == "" || inv.UserID != r.opts.OwnerID {
		return Reply{Text: "Only the bot owner can do that."}, nil
	}
	if err := r.backend.Reload(ctx); err != nil {
		return Reply{Text: "Reload failed, the previous models stay in use."}, err
	}
	return Reply{Text: fmt.Sprintf("Reloaded %d models.", len(r.backend.Models()))}, nil
}

func (r *Reader) cmdReadAdd(ctx context.Context, inv Invocation) (Reply, error) {
	added, err := r.presence.AddReadChannel(ctx, inv.GuildID, inv.ChannelID, inv.UserID)
	if text, ok := readChannelError(err); ok {
		return Reply{Text: text}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	if !added {
		return Reply{Text: "This channel is already being read."}, nil
	}
	return Reply{Text: "Now reading this channel."}, nil
}

func (r *Reader) cmdReadRemove(ctx context.Context, inv Invocation) (Reply, error) {
	removed, err := r.presence.RemoveReadChannel(ctx, inv.GuildID, inv.ChannelID, inv.UserID)
	if text, ok := readChannelError(err); ok {
		return Reply{Text: text}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	if !removed {
		return Reply{Text: "This channel is not being read."}, nil
	}
	return Reply{Text: "Stopped reading this channel."}, nil
}

func readChannelError(err error) (string, bool) {
	switch {
	case errors.Is(err, presence.ErrNotInVoice):
		return "Join a voice channel first.", true
	case errors.Is(err, playback.ErrSessionAbsent):
		return "I am not in a voice channel.", true
	}
	return "", false
}

func (r *Reader) cmdClear(ctx context.Context, inv Invocation) (Reply, error) {
	n, err := r.speaker.Clear(inv.GuildID)
	if errors.Is(err, playback.ErrSessionAbsent) {
		return Reply{Text: "I am not in a voice channel."}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Cleared %d queued messages.", n)}, nil
}

func (r *Reader) admin(inv Invocation) bool {
	return r.isAdmin != nil && r.isAdmin(inv.GuildID, inv.ChannelID, inv.UserID)
}

func (r *Reader) cmdDict(ctx context.Context, inv Invocation) (Reply, error) {
	if len(inv.Args) == 0 {
		cfg, err := r.settings.Guild(ctx, inv.GuildID)
		if err != nil {
			return Reply{}, err
		}
		if len(cfg.Dictionary) == 0 {
			return Reply{Text: "The dictionary is empty."}, nil
		}
		return Reply{Text: formatDictionary(cfg.Dictionary)}, nil
	}

	cfg, err := r.settings.Guild(ctx, inv.GuildID)
	if err != nil {
		return Reply{}, err
	}
	if cfg.Options.DictOnlyAdmin && !r.admin(inv) {
		return Reply{Text: "Only administrators can edit the dictionary."}, nil
	}

	switch {
	case inv.Args[0] == "add" && len(inv.Args) >= 3:
		word, reading := inv.Args[1], strings.Join(inv.Args[2:], " ")
		_, err := r.settings.UpdateGuild(ctx, inv.GuildID, func(cfg *store.GuildConfig) {
			cfg.Dictionary[word] = reading
		})
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: fmt.Sprintf("%s is now read as %s.", word, reading)}, nil
	case inv.Args[0] == "remove" && len(inv.Args) == 2:
		word := inv.Args[1]
		removed := false
		_, err := r.settings.UpdateGuild(ctx, inv.GuildID, func(cfg *store.GuildConfig) {
			_, removed = cfg.Dictionary[word]
			delete(cfg.Dictionary, word)
		})
		if err != nil {
			return Reply{}, err
		}
		if !removed {
			return Reply{Text: fmt.Sprintf("%s is not in the dictionary.", word)}, nil
		}
		return Reply{Text: fmt.Sprintf("Removed %s.", word)}, nil
	}
	return Reply{Text: fmt.Sprintf("Usage: %sdict [add <word> <reading> | remove <word>]", r.opts.Prefix)}, nil
}

func formatDictionary(dict map[string]string) string {
	words := make([]string, 0, len(dict))
	for w := range dict {
		words = append(words, w)
	}
	sort.Strings(words)

	var b strings.Builder
	b.WriteString("**Dictionary**")
	for _, w := range words {
		fmt.Fprintf(&b, "\n%s -> %s", w, dict[w])
	}
	return b.String()
}

func (r *Reader) cmdAutoJoin(ctx context.Context, inv Invocation) (Reply, error) {
	if len(inv.Args) == 0 {
		cfg, err := r.settings.Guild(ctx, inv.GuildID)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: formatAutoJoin(cfg.AutoJoin)}, nil
	}
	if !r.admin(inv) {
		return Reply{Text: "Only administrators can change autojoin."}, nil
	}
	if len(inv.Args) != 2 || (inv.Args[0] != "add" && inv.Args[0] != "remove") {
		return Reply{Text: fmt.Sprintf("Usage: %sautojoin [add <voice channel id> | remove <voice channel id>]", r.opts.Prefix)}, nil
	}

	voice := strings.Trim(inv.Args[1], "<#>")
	add := inv.Args[0] == "add"
	_, err := r.settings.UpdateGuild(ctx, inv.GuildID, func(cfg *store.GuildConfig) {
		channels := cfg.AutoJoin[voice]
		if add {
			if !contains(channels, inv.ChannelID) {
				channels = append(channels, inv.ChannelID)
			}
		} else {
			channels = remove(channels, inv.ChannelID)
		}
		if len(channels) == 0 {
			delete(cfg.AutoJoin, voice)
			return
		}
		cfg.AutoJoin[voice] = channels
	})
	if err != nil {
		return Reply{}, err
	}
	if add {
		return Reply{Text: fmt.Sprintf("<#%s> now reads this channel when someone joins it.", voice)}, nil
	}
	return Reply{Text: fmt.Sprintf("<#%s> no longer reads this channel automatically.", voice)}, nil
}

func formatAutoJoin(autojoin map[string][]string) string {
	if len(autojoin) == 0 {
		return "No autojoin channels are registered."
	}
	voices := make([]string, 0, len(autojoin))
	for v := range autojoin {
		voices = append(voices, v)
	}
	sort.Strings(voices)

	var b strings.Builder
	b.WriteString("**Autojoin**")
	for _, v := range voices {
		texts := append([]string(nil), autojoin[v]...)
		sort.Strings(texts)
		for _, t := range texts {
			fmt.Fprintf(&b, "\n<#%s> <- <#%s>", v, t)
		}
	}
	return b.String()
}

// serverOptions maps option names to their fields in store.GuildOptions.
var serverOptions = map[string]func(o *store.GuildOptions) *bool{
	"dict_only_admin":    func(o *store.GuildOptions) *bool { return &o.DictOnlyAdmin },
	"entrance_exit_log":  func(o *store.GuildOptions) *bool { return &o.EntranceExitLog },
	"entrance_exit_play": func(o *store.GuildOptions) *bool { return &o.EntranceExitPlay },
	"notice_attachment":  func(o *store.GuildOptions) *bool { return &o.NoticeAttachment },
	"long_fastread":      func(o *store.GuildOptions) *bool { return &o.FastRead },
}

func (r *Reader) cmdServer(ctx context.Context, inv Invocation) (Reply, error) {
	if len(inv.Args) == 0 {
		cfg, err := r.settings.Guild(ctx, inv.GuildID)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: formatOptions(cfg.Options)}, nil
	}
	if !r.admin(inv) {
		return Reply{Text: "Only administrators can change server options."}, nil
	}

	field, known := serverOptions[inv.Args[0]]
	if len(inv.Args) != 2 || !known || (inv.Args[1] != "on" && inv.Args[1] != "off") {
		return Reply{Text: fmt.Sprintf("Usage: %sserver <option> on|off", r.opts.Prefix)}, nil
	}
	on := inv.Args[1] == "on"
	if _, err := r.settings.UpdateGuild(ctx, inv.GuildID, func(cfg *store.GuildConfig) {
		*field(&cfg.Options) = on
	}); err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("%s is now %s.", inv.Args[0], inv.Args[1])}, nil
}

func formatOptions(o store.GuildOptions) string {
	names := make([]string, 0, len(serverOptions))
	for n := range serverOptions {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("**Server options**")
	for _, n := range names {
		state := "off"
		if *serverOptions[n](&o) {
			state = "on"
		}
		fmt.Fprintf(&b, "\n%s: %s", n, state)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return store.UnsetName
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
