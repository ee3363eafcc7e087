package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAcknowledgement(fake *fakeTransport, userID string, embed *discordgo.MessageEmbed) {
	dm, _ := fake.OpenDM(context.Background(), userID)
	fake.seedMessage(dm.ID, &discordgo.Message{
		Type:   discordgo.MessageTypeDefault,
		Author: &discordgo.User{ID: fake.botID},
		Embeds: []*discordgo.MessageEmbed{embed},
	})
}

func readBackup(t *testing.T, path string) []VoteRecord {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []VoteRecord
	require.NoError(t, json.Unmarshal(raw, &records))
	return records
}

func TestBackupReconstructsVotesFromDMs(t *testing.T) {
	fake := newFakeTransport()
	seedAcknowledgement(fake, "alice", &discordgo.MessageEmbed{
		Title:       "Galafoice",
		URL:         "https://example.pt/events/galafoice/",
		Description: "Uma peça.",
		Fields: []*discordgo.MessageEmbedField{
			{Name: voteFieldName, Value: "<:excelente:105>"},
			{Name: commentFieldName, Value: "Adorei"},
		},
	})

	dir := t.TempDir()
	archiver := newBackupArchiver(fake, dir)
	day := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	archiver.now = func() time.Time { return day }

	require.NoError(t, archiver.run(context.Background(), []string{"alice"}))

	records := readBackup(t, filepath.Join(dir, "2025_03_03.json"))
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].UserID)
	assert.Equal(t, "Galafoice", records[0].Title)
	assert.Equal(t, "https://example.pt/events/galafoice/", records[0].URL)
	assert.Equal(t, "<:excelente:105>", records[0].UserVote.Vote)
	require.NotNil(t, records[0].UserVote.Comments)
	assert.Equal(t, "Adorei", *records[0].UserVote.Comments)
}

func TestBackupParsesLegacyDescriptionFormat(t *testing.T) {
	fake := newFakeTransport()
	seedAcknowledgement(fake, "alice", &discordgo.MessageEmbed{
		Title:       "Mães",
		URL:         "https://example.pt/events/maes/",
		Description: "**Voto:** 😍\n**Comentários:** ótimo espetáculo\nresto da descrição",
	})

	dir := t.TempDir()
	archiver := newBackupArchiver(fake, dir)
	day := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	archiver.now = func() time.Time { return day }

	require.NoError(t, archiver.run(context.Background(), []string{"alice"}))

	records := readBackup(t, filepath.Join(dir, "2025_03_03.json"))
	require.Len(t, records, 1)
	assert.Equal(t, "😍", records[0].UserVote.Vote)
	require.NotNil(t, records[0].UserVote.Comments)
	assert.Equal(t, "ótimo espetáculo", *records[0].UserVote.Comments)
}

func TestBackupFirstWriterOfTheDayWins(t *testing.T) {
	fake := newFakeTransport()
	dir := t.TempDir()
	archiver := newBackupArchiver(fake, dir)
	day := time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)
	archiver.now = func() time.Time { return day }

	require.NoError(t, archiver.run(context.Background(), nil))
	path := filepath.Join(dir, "2025_03_03.json")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	// More votes arrive during the day; a re-run must not touch the file.
	seedAcknowledgement(fake, "alice", &discordgo.MessageEmbed{
		Title:       "Galafoice",
		URL:         "https://example.pt/events/galafoice/",
		Description: "Uma peça.",
		Fields:      []*discordgo.MessageEmbedField{{Name: voteFieldName, Value: "<:bom:104>"}},
	})
	require.NoError(t, archiver.run(context.Background(), []string{"alice"}))

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBackupWritesOneFilePerDay(t *testing.T) {
	fake := newFakeTransport()
	dir := t.TempDir()
	archiver := newBackupArchiver(fake, dir)

	archiver.now = func() time.Time { return time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC) }
	require.NoError(t, archiver.run(context.Background(), nil))

	archiver.now = func() time.Time { return time.Date(2025, time.March, 4, 8, 0, 0, 0, time.UTC) }
	require.NoError(t, archiver.run(context.Background(), nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	assert.ElementsMatch(t, []string{"2025_03_03.json", "2025_03_04.json"}, names)
}

func TestBackupIgnoresUserMessages(t *testing.T) {
	fake := newFakeTransport()
	dm, err := fake.OpenDM(context.Background(), "alice")
	require.NoError(t, err)

	// A user message and a bot message without a vote are both skipped.
	fake.seedMessage(dm.ID, &discordgo.Message{
		Type:    discordgo.MessageTypeDefault,
		Author:  testUser("alice"),
		Content: "olá",
	})
	fake.seedMessage(dm.ID, &discordgo.Message{
		Type:   discordgo.MessageTypeDefault,
		Author: &discordgo.User{ID: fake.botID},
		Embeds: []*discordgo.MessageEmbed{{Title: "Sem voto", Description: "apenas um evento"}},
	})

	dir := t.TempDir()
	archiver := newBackupArchiver(fake, dir)
	archiver.now = func() time.Time { return time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC) }

	require.NoError(t, archiver.run(context.Background(), []string{"alice"}))

	records := readBackup(t, filepath.Join(dir, "2025_03_03.json"))
	assert.Empty(t, records)
}
