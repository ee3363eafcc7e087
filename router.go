package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// Threads auto-archive after a week of inactivity; the router unarchives
// them on the next run before matching by name.
const threadAutoArchive = 7 * 24 * time.Hour

// threadRouter maps calendar months to topic threads under a parent
// channel. Threads are created lazily and found by their display name, so
// repeated resolves for the same month always land on the same thread.
type threadRouter struct {
	transport Transport

	// known threads per parent channel, loaded once per run and extended
	// as new threads are created.
	known map[string][]*discordgo.Channel
}

func newThreadRouter(t Transport) *threadRouter {
	return &threadRouter{
		transport: t,
		known:     make(map[string][]*discordgo.Channel),
	}
}

// topicThreads returns the union of the parent channel's archived and
// active threads. Archived threads are unarchived first: without this the
// name search misses them and the router would create a duplicate once
// the platform archives an idle monthly thread.
func topicThreads(ctx context.Context, t Transport, guildID, parentID string) ([]*discordgo.Channel, error) {
	archived, err := t.ArchivedThreads(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing archived threads of %s: %w", parentID, err)
	}

	for _, thread := range archived {
		if err := t.UnarchiveThread(ctx, thread.ID); err != nil {
			return nil, fmt.Errorf("unarchiving thread %s: %w", thread.ID, err)
		}
		log.Debug().Str("threadID", thread.ID).Str("name", thread.Name).Msg("Unarchived thread")
	}

	active, err := t.ActiveThreads(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("listing active threads: %w", err)
	}

	threads := make([]*discordgo.Channel, 0, len(active)+len(archived))
	seen := make(map[string]bool, len(active)+len(archived))

	for _, thread := range active {
		if thread.ParentID != parentID {
			continue
		}
		threads = append(threads, thread)
		seen[thread.ID] = true
	}
	for _, thread := range archived {
		if thread.ParentID != parentID || seen[thread.ID] {
			continue
		}
		threads = append(threads, thread)
	}

	return threads, nil
}

// resolve returns the topic thread for a month, creating it on first use.
// A creation failure is fatal for the caller: posting the month's events
// without a destination would silently lose them.
func (r *threadRouter) resolve(ctx context.Context, guildID, parentID string, month time.Time) (*discordgo.Channel, error) {
	if _, loaded := r.known[parentID]; !loaded {
		threads, err := topicThreads(ctx, r.transport, guildID, parentID)
		if err != nil {
			return nil, err
		}
		r.known[parentID] = threads
	}

	name := monthDisplayName(month)

	for _, thread := range r.known[parentID] {
		if thread.Name == name {
			return thread, nil
		}
	}

	thread, err := r.transport.CreateThread(ctx, parentID, name, threadAutoArchive)
	if err != nil {
		return nil, fmt.Errorf("creating thread %q: %w", name, err)
	}

	log.Info().Str("threadID", thread.ID).Str("name", name).Msg("Created topic thread")

	r.known[parentID] = append(r.known[parentID], thread)
	return thread, nil
}
