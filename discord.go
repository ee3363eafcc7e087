package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

const (
	embedAuthorName = "AlertaEmCena"
	embedColor      = 0x005eeb
	childrenLabel   = "🧸 para crianças"

	// Discord caps embed descriptions at 4096 characters; the shortened
	// retry stays under that with room for the children label.
	shortDescriptionLimit = 4000

	historyPageSize = 100
)

// EmojiRef identifies a reaction emoji. Custom guild emojis carry an ID;
// plain unicode emojis carry only a name.
type EmojiRef struct {
	Name string
	ID   string
}

// APIName renders the emoji in the form the reaction endpoints expect.
func (e EmojiRef) APIName() string {
	if e.ID != "" {
		return e.Name + ":" + e.ID
	}
	return e.Name
}

// Display renders the emoji the way it appears inside message text.
func (e EmojiRef) Display() string {
	if e.ID != "" {
		return "<:" + e.Name + ":" + e.ID + ">"
	}
	return e.Name
}

// Matches reports whether a message reaction refers to this emoji.
func (e EmojiRef) Matches(emoji *discordgo.Emoji) bool {
	if emoji == nil {
		return false
	}
	if e.ID != "" {
		return emoji.ID == e.ID
	}
	return emoji.ID == "" && emoji.Name == e.Name
}

// Transport is the minimum operation set the engine needs from the
// messaging platform. The engine never talks to the SDK directly so the
// whole pipeline runs against an in-memory fake in tests.
type Transport interface {
	BotUserID() string
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) (*discordgo.Message, error)
	EditMessageContent(ctx context.Context, channelID, messageID, content string) error
	AddReaction(ctx context.Context, channelID, messageID string, emoji EmojiRef) error
	ReactionUsers(ctx context.Context, channelID, messageID string, emoji EmojiRef) ([]*discordgo.User, error)
	Messages(ctx context.Context, channelID string, limit int, beforeID string) ([]*discordgo.Message, error)
	Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	CreateThread(ctx context.Context, channelID, name string, autoArchive time.Duration) (*discordgo.Channel, error)
	ActiveThreads(ctx context.Context, guildID string) ([]*discordgo.Channel, error)
	ArchivedThreads(ctx context.Context, channelID string) ([]*discordgo.Channel, error)
	UnarchiveThread(ctx context.Context, threadID string) error
	OpenDM(ctx context.Context, userID string) (*discordgo.Channel, error)
	PinMessage(ctx context.Context, channelID, messageID string) error
	UnpinMessage(ctx context.Context, channelID, messageID string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	BulkDeleteMessages(ctx context.Context, channelID string, messageIDs []string) error
	DeleteChannel(ctx context.Context, channelID string) error
}

// discordTransport implements Transport over the Discord REST API.
type discordTransport struct {
	session *discordgo.Session
	ownID   string
}

// newDiscordTransport builds a REST-only session and resolves the bot's
// own user, which the engagement logic needs to filter out everywhere.
func newDiscordTransport(token string) (*discordTransport, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}

	own, err := session.User("@me")
	if err != nil {
		return nil, fmt.Errorf("resolving own user: %w", err)
	}

	log.Debug().Str("userID", own.ID).Str("username", own.Username).Msg("Connected to Discord")

	return &discordTransport{session: session, ownID: own.ID}, nil
}

func (d *discordTransport) BotUserID() string {
	return d.ownID
}

func (d *discordTransport) SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
}

func (d *discordTransport) EditMessageContent(ctx context.Context, channelID, messageID, content string) error {
	_, err := d.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel: channelID,
		ID:      messageID,
		Content: &content,
	}, discordgo.WithContext(ctx))
	return err
}

func (d *discordTransport) AddReaction(ctx context.Context, channelID, messageID string, emoji EmojiRef) error {
	return d.session.MessageReactionAdd(channelID, messageID, emoji.APIName(), discordgo.WithContext(ctx))
}

func (d *discordTransport) ReactionUsers(ctx context.Context, channelID, messageID string, emoji EmojiRef) ([]*discordgo.User, error) {
	return d.session.MessageReactions(channelID, messageID, emoji.APIName(), historyPageSize, "", "", discordgo.WithContext(ctx))
}

func (d *discordTransport) Messages(ctx context.Context, channelID string, limit int, beforeID string) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
}

func (d *discordTransport) Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
}

func (d *discordTransport) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, discordgo.WithContext(ctx))
}

func (d *discordTransport) CreateThread(ctx context.Context, channelID, name string, autoArchive time.Duration) (*discordgo.Channel, error) {
	return d.session.ThreadStartComplex(channelID, &discordgo.ThreadStart{
		Name:                name,
		Type:                discordgo.ChannelTypeGuildPublicThread,
		AutoArchiveDuration: int(autoArchive.Minutes()),
	}, discordgo.WithContext(ctx))
}

func (d *discordTransport) ActiveThreads(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	list, err := d.session.GuildThreadsActive(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return list.Threads, nil
}

func (d *discordTransport) ArchivedThreads(ctx context.Context, channelID string) ([]*discordgo.Channel, error) {
	list, err := d.session.ThreadsArchived(channelID, nil, 0, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return list.Threads, nil
}

func (d *discordTransport) UnarchiveThread(ctx context.Context, threadID string) error {
	archived := false
	_, err := d.session.ChannelEditComplex(threadID, &discordgo.ChannelEdit{
		Archived: &archived,
	}, discordgo.WithContext(ctx))
	return err
}

func (d *discordTransport) OpenDM(ctx context.Context, userID string) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
}

func (d *discordTransport) PinMessage(ctx context.Context, channelID, messageID string) error {
	return d.session.ChannelMessagePin(channelID, messageID, discordgo.WithContext(ctx))
}

func (d *discordTransport) UnpinMessage(ctx context.Context, channelID, messageID string) error {
	return d.session.ChannelMessageUnpin(channelID, messageID, discordgo.WithContext(ctx))
}

func (d *discordTransport) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return d.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

func (d *discordTransport) BulkDeleteMessages(ctx context.Context, channelID string, messageIDs []string) error {
	return d.session.ChannelMessagesBulkDelete(channelID, messageIDs, discordgo.WithContext(ctx))
}

func (d *discordTransport) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := d.session.ChannelDelete(channelID, discordgo.WithContext(ctx))
	return err
}

// allMessages pages through a channel's full history, newest first.
func allMessages(ctx context.Context, t Transport, channelID string) ([]*discordgo.Message, error) {
	var (
		collected []*discordgo.Message
		beforeID  string
	)

	for {
		page, err := t.Messages(ctx, channelID, historyPageSize, beforeID)
		if err != nil {
			return nil, fmt.Errorf("fetching history page of channel %s: %w", channelID, err)
		}
		if len(page) == 0 {
			return collected, nil
		}

		collected = append(collected, page...)
		beforeID = page[len(page)-1].ID
	}
}

// buildEventEmbed renders an event the way it is posted to a topic thread.
func buildEventEmbed(event Event) *discordgo.MessageEmbed {
	description := event.Description
	if event.IsForChildren {
		description = description + "\n\n" + childrenLabel
	}

	return &discordgo.MessageEmbed{
		Title:       event.Title,
		URL:         event.Link,
		Description: description,
		Color:       embedColor,
		Author:      &discordgo.MessageEmbedAuthor{Name: embedAuthorName},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Datas", Value: event.Dates, Inline: true},
			{Name: "Onde", Value: event.Venue, Inline: true},
		},
		Image: &discordgo.MessageEmbedImage{URL: event.ImageURL},
	}
}

// sendEvent posts an event embed. If the platform rejects the message
// (oversized content), it retries once with the description cut down to
// its first paragraph before giving up.
func sendEvent(ctx context.Context, t Transport, channelID string, event Event) (*discordgo.Message, error) {
	embed := buildEventEmbed(event)

	message, err := t.SendEmbed(ctx, channelID, embed)
	if err == nil {
		return message, nil
	}

	log.Info().
		Str("event", event.Link).
		Err(err).
		Msg("Couldn't send embed with full description, retrying with a shorter one")

	embed.Description = shortenDescription(embed.Description)

	message, retryErr := t.SendEmbed(ctx, channelID, embed)
	if retryErr != nil {
		return nil, fmt.Errorf("sending event %s: %w", event.Link, retryErr)
	}
	return message, nil
}

func shortenDescription(description string) string {
	firstLine := description
	if line, _, found := strings.Cut(description, "\n"); found {
		firstLine = line
	}

	runes := []rune(firstLine)
	if len(runes) > shortDescriptionLimit {
		runes = runes[:shortDescriptionLimit]
	}
	return string(runes)
}

// addFeatureReactions seeds a freshly posted event message with the five
// vote emojis and the save-for-later emoji. Failures are logged and
// skipped; a missing seed reaction only costs the fast path later.
func addFeatureReactions(ctx context.Context, t Transport, message *discordgo.Message, votes VoteEmojis, saveForLater EmojiRef) {
	for _, level := range voteLevels {
		if err := t.AddReaction(ctx, message.ChannelID, message.ID, votes[level]); err != nil {
			log.Error().
				Err(err).
				Str("emoji", votes[level].Name).
				Str("messageID", message.ID).
				Msg("Failed to add vote reaction")
		}
	}

	if err := t.AddReaction(ctx, message.ChannelID, message.ID, saveForLater); err != nil {
		log.Error().
			Err(err).
			Str("emoji", saveForLater.Name).
			Str("messageID", message.ID).
			Msg("Failed to add save-for-later reaction")
	}
}

// embedURL extracts the identity URL from a message's first embed.
func embedURL(message *discordgo.Message) string {
	if len(message.Embeds) == 0 {
		return ""
	}
	return message.Embeds[0].URL
}

// clearChannel is a debug/operator action: it wipes every message in the
// channel (bulk delete in chunks with a per-message fallback) and deletes
// the channel's topic threads.
func clearChannel(ctx context.Context, t Transport, channelID string) error {
	messages, err := allMessages(ctx, t, channelID)
	if err != nil {
		return err
	}

	for start := 0; start < len(messages); start += historyPageSize {
		end := start + historyPageSize
		if end > len(messages) {
			end = len(messages)
		}

		chunk := messages[start:end]
		ids := make([]string, len(chunk))
		for i, message := range chunk {
			ids[i] = message.ID
		}

		log.Debug().Int("count", len(ids)).Str("channelID", channelID).Msg("Deleting messages")

		if err := t.BulkDeleteMessages(ctx, channelID, ids); err != nil {
			log.Warn().Err(err).Msg("Bulk delete failed, retrying individually")

			for _, id := range ids {
				if err := t.DeleteMessage(ctx, channelID, id); err != nil {
					return fmt.Errorf("deleting message %s: %w", id, err)
				}
			}
		}
	}

	channel, err := t.Channel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("resolving channel %s: %w", channelID, err)
	}

	threads, err := topicThreads(ctx, t, channel.GuildID, channelID)
	if err != nil {
		return err
	}

	for _, thread := range threads {
		if err := t.DeleteChannel(ctx, thread.ID); err != nil {
			return fmt.Errorf("deleting thread %s: %w", thread.ID, err)
		}
	}

	return nil
}
