package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

const (
	backupFileDateFormat = "2006_01_02"

	// Per-user reconstructions are independent; this bounds how many DM
	// histories are walked at once.
	backupWorkers = 4
)

// UserVote is the vote payload of a backed-up acknowledgement.
type UserVote struct {
	Vote     string  `json:"vote"`
	Comments *string `json:"comments"`
}

// VoteRecord is one reconstructed vote acknowledgement, the only durable
// artifact the engine produces.
type VoteRecord struct {
	UserID      string   `json:"user_id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Description string   `json:"description"`
	UserVote    UserVote `json:"user_vote"`
}

// backupArchiver reconstructs every vote acknowledgement the bot ever
// sent by re-reading the users' DM histories, and snapshots them to one
// JSON file per UTC day.
type backupArchiver struct {
	transport Transport
	dir       string
	now       func() time.Time
}

func newBackupArchiver(t Transport, dir string) *backupArchiver {
	return &backupArchiver{transport: t, dir: dir, now: time.Now}
}

// run writes today's snapshot for the given users. If today's file
// already exists the run is a no-op: the first writer of the day wins and
// the file is never appended to or overwritten. Errors are returned for
// logging but the caller treats them as non-fatal.
func (b *backupArchiver) run(ctx context.Context, userIDs []string) error {
	path := filepath.Join(b.dir, b.now().UTC().Format(backupFileDateFormat)+".json")

	if _, err := os.Stat(path); err == nil {
		log.Debug().Str("path", path).Msg("Today's vote backup already exists, skipping")
		return nil
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	records := make([]VoteRecord, 0)

	sem := make(chan struct{}, backupWorkers)
	for _, userID := range userIDs {
		wg.Add(1)
		sem <- struct{}{}

		go func(userID string) {
			defer wg.Done()
			defer func() { <-sem }()

			userRecords, err := b.userVotes(ctx, userID)
			if err != nil {
				log.Error().Err(err).Str("userID", userID).Msg("Failed to back up user votes")
				return
			}

			mu.Lock()
			records = append(records, userRecords...)
			mu.Unlock()
		}(userID)
	}
	wg.Wait()

	sort.Slice(records, func(i, j int) bool {
		if records[i].UserID != records[j].UserID {
			return records[i].UserID < records[j].UserID
		}
		return records[i].URL < records[j].URL
	})

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vote records: %w", err)
	}

	// O_EXCL keeps first-writer-wins even if another pass raced us past
	// the Stat above.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			log.Debug().Str("path", path).Msg("Today's vote backup already exists, skipping")
			return nil
		}
		return fmt.Errorf("creating backup file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(raw); err != nil {
		return fmt.Errorf("writing backup file: %w", err)
	}

	log.Info().Str("path", path).Int("records", len(records)).Int("users", len(userIDs)).Msg("Vote backup written")
	return nil
}

// userVotes walks one user's entire DM history and extracts every vote
// acknowledgement the bot previously sent there.
func (b *backupArchiver) userVotes(ctx context.Context, userID string) ([]VoteRecord, error) {
	dm, err := b.transport.OpenDM(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("opening DM channel: %w", err)
	}

	messages, err := allMessages(ctx, b.transport, dm.ID)
	if err != nil {
		return nil, err
	}

	var records []VoteRecord
	for _, message := range messages {
		if record, ok := b.extractVote(userID, message); ok {
			records = append(records, record)
		}
	}

	log.Debug().Str("userID", userID).Int("votes", len(records)).Msg("Reconstructed user votes")
	return records, nil
}

// extractVote recognizes the bot's own acknowledgement messages. Current
// messages carry the vote in an embed field; older ones carried it in
// description lines, which remains supported as a fallback.
func (b *backupArchiver) extractVote(userID string, message *discordgo.Message) (VoteRecord, bool) {
	if message.Author == nil || message.Author.ID != b.transport.BotUserID() {
		return VoteRecord{}, false
	}
	if message.Type != discordgo.MessageTypeDefault || len(message.Embeds) == 0 {
		return VoteRecord{}, false
	}

	embed := message.Embeds[0]
	if embed.Description == "" {
		log.Error().Str("messageID", message.ID).Msg("Acknowledgement embed has no description")
		return VoteRecord{}, false
	}

	vote, ok := extractVoteFields(embed)
	if !ok {
		vote, ok = extractLegacyVote(embed.Description)
	}
	if !ok {
		return VoteRecord{}, false
	}

	record := VoteRecord{
		UserID:      userID,
		Title:       embed.Title,
		URL:         embed.URL,
		Description: embed.Description,
		UserVote:    vote,
	}
	if record.Title == "" {
		log.Error().Str("messageID", message.ID).Msg("No title on acknowledgement embed")
		record.Title = "No Title"
	}
	if record.URL == "" {
		log.Error().Str("messageID", message.ID).Msg("No URL on acknowledgement embed")
		record.URL = "No URL"
	}

	return record, true
}

func extractVoteFields(embed *discordgo.MessageEmbed) (UserVote, bool) {
	var vote UserVote
	found := false

	for _, field := range embed.Fields {
		switch field.Name {
		case voteFieldName:
			vote.Vote = field.Value
			found = true
		case commentFieldName:
			value := field.Value
			vote.Comments = &value
		}
	}

	return vote, found
}

// extractLegacyVote parses the pre-field acknowledgement format, where
// the vote and comment were description lines.
func extractLegacyVote(description string) (UserVote, bool) {
	const (
		votePrefix    = "**Voto:** "
		commentPrefix = "**Comentários:** "
	)

	var vote UserVote
	found := false

	for _, line := range strings.Split(description, "\n") {
		if rest, ok := strings.CutPrefix(line, votePrefix); ok && !found {
			vote.Vote = strings.TrimSpace(rest)
			found = true
		}
		if rest, ok := strings.CutPrefix(line, commentPrefix); ok && vote.Comments == nil {
			trimmed := strings.TrimSpace(rest)
			vote.Comments = &trimmed
		}
	}

	return vote, found
}
