package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// fakeTransport is an in-memory Transport. Channel histories are kept
// newest first, matching the platform's ordering.
type fakeTransport struct {
	botID   string
	guildID string
	nextID  int

	channels      map[string]*discordgo.Channel
	messages      map[string][]*discordgo.Message
	reactionUsers map[string]map[string][]*discordgo.User
	dms           map[string]*discordgo.Channel

	// failDM makes OpenDM fail for the listed user ids.
	failDM map[string]bool
	// failSends makes the next n SendEmbed calls fail.
	failSends int

	edits           int
	pins            int
	unpins          int
	reactionFetches int
	sends           int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		botID:         "bot-user",
		guildID:       "guild-1",
		channels:      make(map[string]*discordgo.Channel),
		messages:      make(map[string][]*discordgo.Message),
		reactionUsers: make(map[string]map[string][]*discordgo.User),
		dms:           make(map[string]*discordgo.Channel),
		failDM:        make(map[string]bool),
	}
}

func (f *fakeTransport) addChannel(id string) *discordgo.Channel {
	channel := &discordgo.Channel{
		ID:      id,
		GuildID: f.guildID,
		Type:    discordgo.ChannelTypeGuildText,
	}
	f.channels[id] = channel
	return channel
}

func (f *fakeTransport) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// seedMessage places a pre-existing message at the top of a channel's
// history, assigning an id when the caller left it empty.
func (f *fakeTransport) seedMessage(channelID string, message *discordgo.Message) *discordgo.Message {
	if message.ID == "" {
		message.ID = f.newID("msg")
	}
	message.ChannelID = channelID
	f.messages[channelID] = append([]*discordgo.Message{message}, f.messages[channelID]...)
	if channel, ok := f.channels[channelID]; ok {
		channel.LastMessageID = message.ID
	}
	return message
}

func (f *fakeTransport) findMessage(channelID, messageID string) (*discordgo.Message, error) {
	for _, message := range f.messages[channelID] {
		if message.ID == messageID {
			return message, nil
		}
	}
	return nil, fmt.Errorf("message %s not found in %s", messageID, channelID)
}

// react records a user's reaction and keeps the message's own reaction
// metadata consistent with it.
func (f *fakeTransport) react(channelID, messageID string, emoji EmojiRef, user *discordgo.User) error {
	message, err := f.findMessage(channelID, messageID)
	if err != nil {
		return err
	}

	key := channelID + "/" + messageID
	if f.reactionUsers[key] == nil {
		f.reactionUsers[key] = make(map[string][]*discordgo.User)
	}
	f.reactionUsers[key][emoji.APIName()] = append(f.reactionUsers[key][emoji.APIName()], user)

	for _, reaction := range message.Reactions {
		if emoji.Matches(reaction.Emoji) {
			reaction.Count++
			if user.ID == f.botID {
				reaction.Me = true
			}
			return nil
		}
	}

	message.Reactions = append(message.Reactions, &discordgo.MessageReactions{
		Emoji: &discordgo.Emoji{Name: emoji.Name, ID: emoji.ID},
		Count: 1,
		Me:    user.ID == f.botID,
	})
	return nil
}

// unreact removes a user's reaction, mirroring someone un-clicking an
// emoji in the client.
func (f *fakeTransport) unreact(channelID, messageID string, emoji EmojiRef, userID string) {
	key := channelID + "/" + messageID
	users := f.reactionUsers[key][emoji.APIName()]
	for i, user := range users {
		if user.ID == userID {
			f.reactionUsers[key][emoji.APIName()] = append(users[:i:i], users[i+1:]...)
			break
		}
	}

	message, err := f.findMessage(channelID, messageID)
	if err != nil {
		return
	}
	for _, reaction := range message.Reactions {
		if emoji.Matches(reaction.Emoji) {
			reaction.Count--
		}
	}
}

func (f *fakeTransport) BotUserID() string {
	return f.botID
}

func (f *fakeTransport) SendEmbed(_ context.Context, channelID string, embed *discordgo.MessageEmbed) (*discordgo.Message, error) {
	f.sends++
	if f.failSends > 0 {
		f.failSends--
		return nil, fmt.Errorf("request entity too large")
	}

	copied := *embed
	message := &discordgo.Message{
		Type:   discordgo.MessageTypeDefault,
		Author: &discordgo.User{ID: f.botID},
		Embeds: []*discordgo.MessageEmbed{&copied},
	}
	return f.seedMessage(channelID, message), nil
}

func (f *fakeTransport) EditMessageContent(_ context.Context, channelID, messageID, content string) error {
	message, err := f.findMessage(channelID, messageID)
	if err != nil {
		return err
	}
	message.Content = content
	f.edits++
	return nil
}

func (f *fakeTransport) AddReaction(_ context.Context, channelID, messageID string, emoji EmojiRef) error {
	return f.react(channelID, messageID, emoji, &discordgo.User{ID: f.botID, Bot: true})
}

func (f *fakeTransport) ReactionUsers(_ context.Context, channelID, messageID string, emoji EmojiRef) ([]*discordgo.User, error) {
	f.reactionFetches++
	users := f.reactionUsers[channelID+"/"+messageID][emoji.APIName()]
	return append([]*discordgo.User(nil), users...), nil
}

func (f *fakeTransport) Messages(_ context.Context, channelID string, limit int, beforeID string) ([]*discordgo.Message, error) {
	history := f.messages[channelID]

	start := 0
	if beforeID != "" {
		for i, message := range history {
			if message.ID == beforeID {
				start = i + 1
				break
			}
		}
	}

	end := start + limit
	if end > len(history) {
		end = len(history)
	}
	if start >= len(history) {
		return nil, nil
	}
	return append([]*discordgo.Message(nil), history[start:end]...), nil
}

func (f *fakeTransport) Message(_ context.Context, channelID, messageID string) (*discordgo.Message, error) {
	return f.findMessage(channelID, messageID)
}

func (f *fakeTransport) Channel(_ context.Context, channelID string) (*discordgo.Channel, error) {
	channel, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	return channel, nil
}

func (f *fakeTransport) CreateThread(_ context.Context, channelID, name string, _ time.Duration) (*discordgo.Channel, error) {
	parent, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("parent channel %s not found", channelID)
	}

	thread := &discordgo.Channel{
		ID:             f.newID("thread"),
		Name:           name,
		ParentID:       channelID,
		GuildID:        parent.GuildID,
		Type:           discordgo.ChannelTypeGuildPublicThread,
		ThreadMetadata: &discordgo.ThreadMetadata{},
	}
	f.channels[thread.ID] = thread
	return thread, nil
}

// archiveThread simulates the platform archiving an idle thread.
func (f *fakeTransport) archiveThread(threadID string) {
	if thread, ok := f.channels[threadID]; ok && thread.ThreadMetadata != nil {
		thread.ThreadMetadata.Archived = true
	}
}

func (f *fakeTransport) ActiveThreads(_ context.Context, guildID string) ([]*discordgo.Channel, error) {
	var threads []*discordgo.Channel
	for _, channel := range f.channels {
		if channel.Type != discordgo.ChannelTypeGuildPublicThread || channel.GuildID != guildID {
			continue
		}
		if channel.ThreadMetadata != nil && channel.ThreadMetadata.Archived {
			continue
		}
		threads = append(threads, channel)
	}
	return threads, nil
}

func (f *fakeTransport) ArchivedThreads(_ context.Context, channelID string) ([]*discordgo.Channel, error) {
	var threads []*discordgo.Channel
	for _, channel := range f.channels {
		if channel.Type != discordgo.ChannelTypeGuildPublicThread || channel.ParentID != channelID {
			continue
		}
		if channel.ThreadMetadata != nil && channel.ThreadMetadata.Archived {
			threads = append(threads, channel)
		}
	}
	return threads, nil
}

func (f *fakeTransport) UnarchiveThread(_ context.Context, threadID string) error {
	thread, ok := f.channels[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	if thread.ThreadMetadata != nil {
		thread.ThreadMetadata.Archived = false
	}
	return nil
}

func (f *fakeTransport) OpenDM(_ context.Context, userID string) (*discordgo.Channel, error) {
	if f.failDM[userID] {
		return nil, fmt.Errorf("cannot send messages to this user")
	}
	if dm, ok := f.dms[userID]; ok {
		return dm, nil
	}

	dm := &discordgo.Channel{
		ID:   "dm-" + userID,
		Type: discordgo.ChannelTypeDM,
	}
	f.channels[dm.ID] = dm
	f.dms[userID] = dm
	return dm, nil
}

func (f *fakeTransport) PinMessage(_ context.Context, channelID, messageID string) error {
	message, err := f.findMessage(channelID, messageID)
	if err != nil {
		return err
	}
	message.Pinned = true
	f.pins++
	return nil
}

func (f *fakeTransport) UnpinMessage(_ context.Context, channelID, messageID string) error {
	message, err := f.findMessage(channelID, messageID)
	if err != nil {
		return err
	}
	message.Pinned = false
	f.unpins++
	return nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, channelID, messageID string) error {
	history := f.messages[channelID]
	for i, message := range history {
		if message.ID == messageID {
			f.messages[channelID] = append(history[:i:i], history[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("message %s not found in %s", messageID, channelID)
}

func (f *fakeTransport) BulkDeleteMessages(ctx context.Context, channelID string, messageIDs []string) error {
	for _, id := range messageIDs {
		if err := f.DeleteMessage(ctx, channelID, id); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) DeleteChannel(_ context.Context, channelID string) error {
	if _, ok := f.channels[channelID]; !ok {
		return fmt.Errorf("channel %s not found", channelID)
	}
	delete(f.channels, channelID)
	delete(f.messages, channelID)
	return nil
}

func testUser(id string) *discordgo.User {
	return &discordgo.User{ID: id, Username: id}
}

func testVoteEmojis() VoteEmojis {
	return VoteEmojis{
		VotePessimo:   {Name: "pessimo", ID: "101"},
		VoteMau:       {Name: "mau", ID: "102"},
		VoteRazoavel:  {Name: "razoavel", ID: "103"},
		VoteBom:       {Name: "bom", ID: "104"},
		VoteExcelente: {Name: "excelente", ID: "105"},
	}
}

var testSaveEmoji = EmojiRef{Name: "🔖"}
