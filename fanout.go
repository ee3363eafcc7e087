package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

const (
	voteFieldName    = "Voto"
	commentFieldName = "Comentários"
	commentAckEmoji  = "✅"
)

// voteFanout delivers a private acknowledgement to every user who voted
// on a posted event message, exactly once per (user, event) pair. The
// recipient's own DM history is the delivery ledger: nothing is sent
// before paging through it for the event's URL.
type voteFanout struct {
	transport  Transport
	voteEmojis VoteEmojis
	cache      *runCache
}

func newVoteFanout(t Transport, votes VoteEmojis, cache *runCache) *voteFanout {
	return &voteFanout{transport: t, voteEmojis: votes, cache: cache}
}

// deliver processes one posted event message. It returns the ids of every
// user who had a vote on the message, whether or not a DM was sent this
// run. Per-user failures are logged and skipped; they never abort the
// remaining users.
func (f *voteFanout) deliver(ctx context.Context, message *discordgo.Message) ([]string, error) {
	url := embedURL(message)
	if url == "" {
		log.Warn().Str("messageID", message.ID).Msg("Event message has no URL")
		return nil, nil
	}

	votes, err := f.collectVotes(ctx, message)
	if err != nil {
		return nil, err
	}
	if len(votes) == 0 {
		log.Trace().Str("event", url).Msg("No user has voted on this message")
		return nil, nil
	}

	var voters []string
	for _, vote := range votes {
		voters = append(voters, vote.user.ID)
		f.deliverOne(ctx, message, url, vote)
	}

	return voters, nil
}

type userVote struct {
	user  *discordgo.User
	level VoteLevel
}

// collectVotes gathers the non-bot users behind each vote emoji. Bot
// accounts and the bot itself are dropped here, before any further
// processing, so every consumer sees the same filtered view.
func (f *voteFanout) collectVotes(ctx context.Context, message *discordgo.Message) ([]userVote, error) {
	var votes []userVote

	for _, level := range voteLevels {
		emoji := f.voteEmojis[level]

		if hasOnlyBotReaction(message, emoji) {
			continue
		}

		users, err := f.transport.ReactionUsers(ctx, message.ChannelID, message.ID, emoji)
		if err != nil {
			return nil, fmt.Errorf("fetching %s reactors of %s: %w", emoji.Name, message.ID, err)
		}

		for _, user := range users {
			if user.ID == f.transport.BotUserID() || user.Bot {
				continue
			}
			votes = append(votes, userVote{user: user, level: level})
		}
	}

	return votes, nil
}

// deliverOne sends the acknowledgement for a single vote unless the
// ledger shows it was already delivered. A user whose DMs cannot be
// opened is logged and skipped.
func (f *voteFanout) deliverOne(ctx context.Context, message *discordgo.Message, url string, vote userVote) {
	dm, err := f.transport.OpenDM(ctx, vote.user.ID)
	if err != nil {
		log.Warn().
			Err(err).
			Str("userID", vote.user.ID).
			Str("username", vote.user.Username).
			Msg("Couldn't open DM channel, skipping user")
		return
	}

	delivered, err := f.alreadyDelivered(ctx, dm, vote.user.ID, url)
	if err != nil {
		log.Error().Err(err).Str("userID", vote.user.ID).Str("event", url).Msg("Failed to check DM history, skipping user")
		return
	}
	if delivered {
		log.Trace().Str("userID", vote.user.ID).Str("event", url).Msg("Vote acknowledgement already delivered")
		return
	}

	if err := f.sendAcknowledgement(ctx, message, dm, vote); err != nil {
		log.Error().Err(err).Str("userID", vote.user.ID).Str("event", url).Msg("Failed to send vote acknowledgement")
		return
	}

	f.cache.MarkDelivered(vote.user.ID, url)

	log.Info().
		Str("userID", vote.user.ID).
		Int("vote", int(vote.level)).
		Str("event", url).
		Msg("Sent vote acknowledgement")
}

// alreadyDelivered pages backward through the user's DM history looking
// for a previous acknowledgement of the same event. It short-circuits on
// the first match and only concludes "not delivered" after an empty page:
// stopping earlier risks a duplicate send. The cache can answer
// positively without a scan (it is only written after a confirmed send or
// a confirmed history match), never negatively.
func (f *voteFanout) alreadyDelivered(ctx context.Context, dm *discordgo.Channel, userID, url string) (bool, error) {
	if f.cache.Delivered(userID, url) {
		return true, nil
	}

	beforeID := ""
	for {
		page, err := f.transport.Messages(ctx, dm.ID, historyPageSize, beforeID)
		if err != nil {
			return false, fmt.Errorf("paging DM history of %s: %w", userID, err)
		}
		if len(page) == 0 {
			return false, nil
		}

		for _, message := range page {
			if embedURL(message) == url {
				f.cache.MarkDelivered(userID, url)
				return true, nil
			}
		}

		beforeID = page[len(page)-1].ID
	}
}

// sendAcknowledgement builds the private embed: the event embed with the
// thread-only fields replaced by the vote, plus the user's pending
// comment when one exists.
func (f *voteFanout) sendAcknowledgement(ctx context.Context, message *discordgo.Message, dm *discordgo.Channel, vote userVote) error {
	source := message.Embeds[0]

	embed := &discordgo.MessageEmbed{
		Title:       source.Title,
		URL:         source.URL,
		Description: source.Description,
		Color:       source.Color,
		Author:      source.Author,
		Image:       source.Image,
		Fields: []*discordgo.MessageEmbedField{
			{Name: voteFieldName, Value: f.voteEmojis[vote.level].Display()},
		},
	}

	comment, err := f.lastComment(ctx, dm)
	if err != nil {
		log.Warn().Err(err).Str("userID", vote.user.ID).Msg("Failed to fetch last DM message, sending without comment")
	}
	if comment != nil {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  commentFieldName,
			Value: comment.Content,
		})
	}

	if _, err := f.transport.SendEmbed(ctx, dm.ID, embed); err != nil {
		return err
	}

	if comment != nil {
		if err := f.transport.AddReaction(ctx, dm.ID, comment.ID, EmojiRef{Name: commentAckEmoji}); err != nil {
			log.Error().Err(err).Str("messageID", comment.ID).Msg("Failed to acknowledge comment")
		}
	}

	return nil
}

// lastComment returns the user's most recent DM message when it qualifies
// as a comment: authored by the user, not a reply. Replies are reserved
// for a separate feature and never attached.
func (f *voteFanout) lastComment(ctx context.Context, dm *discordgo.Channel) (*discordgo.Message, error) {
	if dm.LastMessageID == "" {
		return nil, nil
	}

	message, err := f.transport.Message(ctx, dm.ID, dm.LastMessageID)
	if err != nil {
		return nil, err
	}

	if message.Author == nil || message.Author.ID == f.transport.BotUserID() {
		return nil, nil
	}
	if message.ReferencedMessage != nil {
		log.Debug().Str("messageID", message.ID).Msg("Ignoring last DM message since it replies to another")
		return nil, nil
	}

	return message, nil
}
