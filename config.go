package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the process configuration surface, loaded from environment
// variables. One target channel per category, five vote emojis ordered
// worst to best, one save-for-later emoji and the debug toggles.
type Config struct {
	Token           string
	TeatroChannelID string
	ArtesChannelID  string
	VoteEmojis      VoteEmojis
	SaveForLater    EmojiRef
	BackupDir       string
	CachePath       string
	Debug           DebugConfig
}

// DebugConfig gathers the operator/debug toggles. None of them are set in
// a normal deployment.
type DebugConfig struct {
	ClearChannel      bool
	ExitAfterClearing bool
	SkipSending       bool
	SkipReactions     bool
	EventLimit        int
}

// ChannelByCategory returns the configured target channel for a category.
func (c *Config) ChannelByCategory(category Category) string {
	if category == CategoryArtes {
		return c.ArtesChannelID
	}
	return c.TeatroChannelID
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		Token:           os.Getenv("DISCORD_TOKEN"),
		TeatroChannelID: os.Getenv("DISCORD_TEATRO_CHANNEL_ID"),
		ArtesChannelID:  os.Getenv("DISCORD_ARTES_CHANNEL_ID"),
		BackupDir:       envOrDefault("BACKUP_DIR", "vote_backups"),
		CachePath:       os.Getenv("CACHE_PATH"),
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN must be set")
	}
	if cfg.TeatroChannelID == "" {
		return nil, fmt.Errorf("DISCORD_TEATRO_CHANNEL_ID must be set")
	}
	if cfg.ArtesChannelID == "" {
		return nil, fmt.Errorf("DISCORD_ARTES_CHANNEL_ID must be set")
	}

	voteEmojis, err := parseVoteEmojis(os.Getenv("VOTING_EMOJIS"))
	if err != nil {
		return nil, fmt.Errorf("invalid VOTING_EMOJIS: %w", err)
	}
	cfg.VoteEmojis = voteEmojis
	cfg.SaveForLater = EmojiRef{Name: envOrDefault("SAVE_FOR_LATER_EMOJI", "🔖")}

	cfg.Debug = DebugConfig{
		ClearChannel:      envBool("DEBUG_CLEAR_CHANNEL"),
		ExitAfterClearing: envBool("DEBUG_EXIT_AFTER_CLEARING"),
		SkipSending:       envBool("DEBUG_SKIP_SENDING"),
		SkipReactions:     envBool("DEBUG_SKIP_FEATURE_REACTIONS"),
	}

	if limit := os.Getenv("DEBUG_EVENT_LIMIT"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid DEBUG_EVENT_LIMIT %q: %w", limit, err)
		}
		cfg.Debug.EventLimit = parsed
	}

	return cfg, nil
}

// parseVoteEmojis parses the "Name:ID;Name:ID;..." configuration format
// into the five vote levels, worst first.
func parseVoteEmojis(raw string) (VoteEmojis, error) {
	if raw == "" {
		return nil, fmt.Errorf("VOTING_EMOJIS must be set")
	}

	parts := strings.Split(raw, ";")
	if len(parts) != len(voteLevels) {
		return nil, fmt.Errorf("expected %d semicolon-separated emojis, got %d", len(voteLevels), len(parts))
	}

	emojis := make(VoteEmojis, len(voteLevels))
	for i, part := range parts {
		name, id, found := strings.Cut(part, ":")
		if !found || name == "" || id == "" {
			return nil, fmt.Errorf("emoji %q is not in the Name:ID format", part)
		}
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("emoji ID %q is not numeric", id)
		}
		emojis[voteLevels[i]] = EmojiRef{Name: name, ID: id}
	}

	return emojis, nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envBool(name string) bool {
	value, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && value
}
