package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// VoteLevel is one of the five ordered ratings a user can give an event,
// worst to best.
type VoteLevel int

const (
	VotePessimo VoteLevel = iota + 1
	VoteMau
	VoteRazoavel
	VoteBom
	VoteExcelente
)

// voteLevels lists every level in ascending order.
var voteLevels = [5]VoteLevel{VotePessimo, VoteMau, VoteRazoavel, VoteBom, VoteExcelente}

// VoteEmojis maps each vote level to its configured reaction emoji.
type VoteEmojis map[VoteLevel]EmojiRef

const interestedPrefix = "Interessados:"

// engagementResolver keeps the visible "Interessados" mention line of a
// posted event message consistent with who currently holds the
// save-for-later reaction.
type engagementResolver struct {
	transport    Transport
	voteEmojis   VoteEmojis
	saveForLater EmojiRef
}

func newEngagementResolver(t Transport, votes VoteEmojis, saveForLater EmojiRef) *engagementResolver {
	return &engagementResolver{transport: t, voteEmojis: votes, saveForLater: saveForLater}
}

// sync reconciles one message. It returns the user ids currently engaged
// with the message (interested or voting), which feeds the backup set.
//
// A user who cast any vote is never listed as interested: voting already
// implies interest. Bot accounts and the bot itself are filtered out
// before any set is built.
func (r *engagementResolver) sync(ctx context.Context, message *discordgo.Message) ([]string, error) {
	// Fresh message with no visible mention line and no save-for-later
	// reactor beyond the bot's own seed reaction: nothing to reconcile,
	// and skipping here avoids a reaction-users fetch per message.
	if message.Content == "" && hasOnlyBotReaction(message, r.saveForLater) {
		log.Trace().Str("messageID", message.ID).Msg("No user has ever saved for later")
		return nil, nil
	}

	voted, err := r.votedUsers(ctx, message)
	if err != nil {
		return nil, err
	}

	savers, err := r.transport.ReactionUsers(ctx, message.ChannelID, message.ID, r.saveForLater)
	if err != nil {
		return nil, fmt.Errorf("fetching save-for-later reactors of %s: %w", message.ID, err)
	}

	interested := make([]string, 0, len(savers))
	engagedSet := make(map[string]bool, len(savers)+len(voted))
	for _, user := range savers {
		if user.ID == r.transport.BotUserID() || user.Bot {
			continue
		}
		engagedSet[user.ID] = true
		if voted[user.ID] {
			continue
		}
		interested = append(interested, user.ID)
	}
	for userID := range voted {
		engagedSet[userID] = true
	}

	engaged := make([]string, 0, len(engagedSet))
	for userID := range engagedSet {
		engaged = append(engaged, userID)
	}

	if err := r.applyInterested(ctx, message, interested); err != nil {
		return nil, err
	}

	return engaged, nil
}

// votedUsers returns every non-bot user holding any of the five vote
// reactions. The per-level fetch is skipped when the reaction metadata
// shows only the bot's own seed reaction.
func (r *engagementResolver) votedUsers(ctx context.Context, message *discordgo.Message) (map[string]bool, error) {
	voted := make(map[string]bool)

	for _, level := range voteLevels {
		emoji := r.voteEmojis[level]

		if hasOnlyBotReaction(message, emoji) {
			continue
		}

		users, err := r.transport.ReactionUsers(ctx, message.ChannelID, message.ID, emoji)
		if err != nil {
			return nil, fmt.Errorf("fetching %s reactors of %s: %w", emoji.Name, message.ID, err)
		}

		for _, user := range users {
			if user.ID == r.transport.BotUserID() || user.Bot {
				continue
			}
			voted[user.ID] = true
		}
	}

	return voted, nil
}

// applyInterested renders the mention line and issues at most one edit,
// pinning the message while anyone is interested and unpinning it when
// the list empties. Re-running with unchanged reactions edits nothing.
func (r *engagementResolver) applyInterested(ctx context.Context, message *discordgo.Message, interested []string) error {
	content := ""
	if len(interested) > 0 {
		mentions := make([]string, len(interested))
		for i, userID := range interested {
			mentions[i] = "<@" + userID + ">"
		}
		content = interestedPrefix + " " + strings.Join(mentions, " ")
	}

	if len(interested) == 0 && message.Pinned {
		if err := r.transport.UnpinMessage(ctx, message.ChannelID, message.ID); err != nil {
			return fmt.Errorf("unpinning message %s: %w", message.ID, err)
		}
	}
	if len(interested) > 0 && !message.Pinned {
		if err := r.transport.PinMessage(ctx, message.ChannelID, message.ID); err != nil {
			return fmt.Errorf("pinning message %s: %w", message.ID, err)
		}
	}

	if strings.TrimSpace(content) == strings.TrimSpace(message.Content) {
		log.Trace().Str("messageID", message.ID).Msg("Interested list unchanged")
		return nil
	}

	log.Info().
		Str("messageID", message.ID).
		Int("interested", len(interested)).
		Msg("Interested list changed")

	if err := r.transport.EditMessageContent(ctx, message.ChannelID, message.ID, content); err != nil {
		return fmt.Errorf("editing message %s: %w", message.ID, err)
	}
	return nil
}

// hasOnlyBotReaction inspects the reaction metadata already attached to
// the message. It reports true only when the emoji's sole reaction is the
// bot's own seed one; a missing reaction entry reports false so the
// correctness never depends on the seed having been applied.
func hasOnlyBotReaction(message *discordgo.Message, emoji EmojiRef) bool {
	for _, reaction := range message.Reactions {
		if !emoji.Matches(reaction.Emoji) {
			continue
		}
		if reaction.Count == 1 {
			if reaction.Me {
				return true
			}
			log.Warn().Str("messageID", message.ID).Str("emoji", emoji.Name).Msg("Bot's own seed reaction is missing")
		}
		return false
	}

	log.Warn().Str("messageID", message.ID).Str("emoji", emoji.Name).Msg("Message is missing a feature reaction")
	return false
}
