// Package store persists per-user speaking profiles and per-guild reader
// configuration.
package store

import (
	"context"
	"math"

	"github.com/sipeed/picovoice/pkg/tts"
)

const (
	// UnsetName is stored for profile fields the user never chose. It never
	// matches a model, so resolution falls back.
	UnsetName = "None"

	MinLength = 0.1
	MaxLength = 5.0
)

// DefaultProfile is the profile of a user with no stored row.
func DefaultProfile() tts.Profile {
	return tts.Profile{
		ModelName:   UnsetName,
		SpeakerName: UnsetName,
		StyleName:   UnsetName,
		Rate:        1.0,
	}
}

// ClampLength bounds a speaking rate and rounds it to one decimal.
func ClampLength(v float64) float64 {
	v = math.Max(MinLength, math.Min(MaxLength, v))
	return math.Round(v*10) / 10
}

// GuildOptions are the per-guild feature toggles.
type GuildOptions struct {
	DictOnlyAdmin    bool `json:"is_dic_onlyadmin"`
	EntranceExitLog  bool `json:"is_entrance_exit_log"`
	EntranceExitPlay bool `json:"is_entrance_exit_play"`
	NoticeAttachment bool `json:"is_notice_attachment"`
	FastRead         bool `json:"is_if_long_fastread"`
}

func DefaultGuildOptions() GuildOptions {
	return GuildOptions{DictOnlyAdmin: true}
}

// GuildConfig is everything the reader needs to know about one guild.
type GuildConfig struct {
	GuildID string
	// DefaultModel overrides the global default model when set.
	DefaultModel string
	Options      GuildOptions
	// Dictionary maps source text to its spoken replacement.
	Dictionary map[string]string
	// AutoJoin maps a voice channel to the text channels read when the bot
	// joins it automatically.
	AutoJoin map[string][]string
}

func DefaultGuildConfig(guildID string) GuildConfig {
	return GuildConfig{
		GuildID:    guildID,
		Options:    DefaultGuildOptions(),
		Dictionary: map[string]string{},
		AutoJoin:   map[string][]string{},
	}
}

// ProfileSource looks up a user's speaking profile.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (tts.Profile, error)
}

// GuildSource looks up a guild's configuration.
type GuildSource interface {
	Guild(ctx context.Context, guildID string) (GuildConfig, error)
}
