package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/sipeed/picovoice/pkg/logger"
	"github.com/sipeed/picovoice/pkg/tts"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id      TEXT PRIMARY KEY,
	model_name   TEXT NOT NULL,
	speaker_name TEXT NOT NULL,
	style_name   TEXT NOT NULL,
	length       REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS guilds (
	guild_id      TEXT PRIMARY KEY,
	default_model TEXT NOT NULL DEFAULT '',
	options       TEXT NOT NULL,
	dictionary    TEXT NOT NULL,
	autojoin      TEXT NOT NULL
);`

const upsertUser = `
INSERT INTO users (user_id, model_name, speaker_name, style_name, length)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	model_name = excluded.model_name,
	speaker_name = excluded.speaker_name,
	style_name = excluded.style_name,
	length = excluded.length`

// SQLiteStore keeps profiles and guild configuration in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ ProfileSource = (*SQLiteStore)(nil)
	_ GuildSource   = (*SQLiteStore)(nil)
)

// Open opens (creating if needed) the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening settings database: %w", err)
	}
	// one connection keeps :memory: databases alive and writes serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating settings schema: %w", err)
	}
	logger.InfoCF("store", "Settings database opened", map[string]any{"path": path})
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Profile returns the stored profile, or DefaultProfile for unknown users.
func (s *SQLiteStore) Profile(ctx context.Context, userID string) (tts.Profile, error) {
	return profileFrom(ctx, s.db, userID)
}

// queryer and execer are satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func profileFrom(ctx context.Context, q queryer, userID string) (tts.Profile, error) {
	var p tts.Profile
	row := q.QueryRowContext(ctx,
		"SELECT model_name, speaker_name, style_name, length FROM users WHERE user_id = ?", userID)
	err := row.Scan(&p.ModelName, &p.SpeakerName, &p.StyleName, &p.Rate)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultProfile(), nil
	}
	if err != nil {
		return tts.Profile{}, fmt.Errorf("loading profile %s: %w", userID, err)
	}
	return p, nil
}

func (s *SQLiteStore) SetProfile(ctx context.Context, userID string, p tts.Profile) error {
	return saveProfile(ctx, s.db, userID, p)
}

func saveProfile(ctx context.Context, e execer, userID string, p tts.Profile) error {
	_, err := e.ExecContext(ctx, upsertUser,
		userID, p.ModelName, p.SpeakerName, p.StyleName, p.Rate)
	if err != nil {
		return fmt.Errorf("saving profile %s: %w", userID, err)
	}
	return nil
}

// UpdateProfile applies fn to the user's profile inside one transaction.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, userID string, fn func(p *tts.Profile)) (tts.Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tts.Profile{}, err
	}
	defer tx.Rollback()

	p, err := profileFrom(ctx, tx, userID)
	if err != nil {
		return tts.Profile{}, err
	}
	fn(&p)

	if err := saveProfile(ctx, tx, userID, p); err != nil {
		return tts.Profile{}, err
	}
	return p, tx.Commit()
}

// SetLength stores a clamped speaking rate and returns the value kept.
func (s *SQLiteStore) SetLength(ctx context.Context, userID string, length float64) (float64, error) {
	p, err := s.UpdateProfile(ctx, userID, func(p *tts.Profile) {
		p.Rate = ClampLength(length)
	})
	return p.Rate, err
}

// Guild returns the stored configuration, or DefaultGuildConfig.
func (s *SQLiteStore) Guild(ctx context.Context, guildID string) (GuildConfig, error) {
	return guildFrom(ctx, s.db, guildID)
}

func guildFrom(ctx context.Context, q queryer, guildID string) (GuildConfig, error) {
	var (
		cfg                     = GuildConfig{GuildID: guildID}
		options, dict, autojoin string
	)
	row := q.QueryRowContext(ctx,
		"SELECT default_model, options, dictionary, autojoin FROM guilds WHERE guild_id = ?", guildID)
	err := row.Scan(&cfg.DefaultModel, &options, &dict, &autojoin)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultGuildConfig(guildID), nil
	}
	if err != nil {
		return GuildConfig{}, fmt.Errorf("loading guild %s: %w", guildID, err)
	}

	cfg.Options = DefaultGuildOptions()
	if err := json.Unmarshal([]byte(options), &cfg.Options); err != nil {
		return GuildConfig{}, fmt.Errorf("decoding guild %s options: %w", guildID, err)
	}
	if err := json.Unmarshal([]byte(dict), &cfg.Dictionary); err != nil {
		return GuildConfig{}, fmt.Errorf("decoding guild %s dictionary: %w", guildID, err)
	}
	if err := json.Unmarshal([]byte(autojoin), &cfg.AutoJoin); err != nil {
		return GuildConfig{}, fmt.Errorf("decoding guild %s autojoin: %w", guildID, err)
	}
	if cfg.Dictionary == nil {
		cfg.Dictionary = map[string]string{}
	}
	if cfg.AutoJoin == nil {
		cfg.AutoJoin = map[string][]string{}
	}
	return cfg, nil
}

func (s *SQLiteStore) SaveGuild(ctx context.Context, cfg GuildConfig) error {
	return saveGuild(ctx, s.db, cfg)
}

func saveGuild(ctx context.Context, e execer, cfg GuildConfig) error {
	options, err := json.Marshal(cfg.Options)
	if err != nil {
		return err
	}
	dict, err := json.Marshal(cfg.Dictionary)
	if err != nil {
		return err
	}
	autojoin, err := json.Marshal(cfg.AutoJoin)
	if err != nil {
		return err
	}

	_, err = e.ExecContext(ctx, `
		INSERT INTO guilds (guild_id, default_model, options, dictionary, autojoin)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			default_model = excluded.default_model,
			options = excluded.options,
			dictionary = excluded.dictionary,
			autojoin = excluded.autojoin`,
		cfg.GuildID, cfg.DefaultModel, string(options), string(dict), string(autojoin))
	if err != nil {
		return fmt.Errorf("saving guild %s: %w", cfg.GuildID, err)
	}
	return nil
}

// UpdateGuild applies fn to the guild configuration inside one transaction.
func (s *SQLiteStore) UpdateGuild(ctx context.Context, guildID string, fn func(cfg *GuildConfig)) (GuildConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GuildConfig{}, err
	}
	defer tx.Rollback()

	cfg, err := guildFrom(ctx, tx, guildID)
	if err != nil {
		return GuildConfig{}, err
	}
	fn(&cfg)
	cfg.GuildID = guildID

	if err := saveGuild(ctx, tx, cfg); err != nil {
		return GuildConfig{}, err
	}
	return cfg, tx.Commit()
}
