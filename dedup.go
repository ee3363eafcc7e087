package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// filterNewEvents drops every candidate event whose link was already
// posted to one of the month threads. Posting state lives entirely in the
// remote history: the whole message history of each involved thread is
// scanned and the embed URLs collected into a seen set. An event posted
// into any of the threads counts as posted, so an event whose month
// shifted between runs is not posted twice. The cache contributes extra
// known-posted links on top of the scan; it never suppresses one.
func filterNewEvents(ctx context.Context, t Transport, cache *runCache, eventsByMonth map[time.Time][]Event, threadsByMonth map[time.Time]string) (map[time.Time][]Event, error) {
	seen := make(map[string]bool)

	for _, month := range sortedMonths(threadsByMonth) {
		threadID := threadsByMonth[month]

		messages, err := allMessages(ctx, t, threadID)
		if err != nil {
			return nil, err
		}

		sent := 0
		for _, message := range messages {
			if url := embedURL(message); url != "" {
				seen[url] = true
				cache.MarkPosted(url)
				sent++
			}
		}

		log.Debug().
			Str("threadID", threadID).
			Time("month", month).
			Int("sentEvents", sent).
			Msg("Collected sent event URLs")
	}

	fresh := make(map[time.Time][]Event, len(eventsByMonth))
	for month, events := range eventsByMonth {
		kept := make([]Event, 0, len(events))
		for _, event := range events {
			if seen[event.Link] || cache.Posted(event.Link) {
				log.Debug().Str("event", event.Link).Msg("Event already posted, skipping")
				continue
			}
			kept = append(kept, event)
		}
		fresh[month] = kept
	}

	return fresh, nil
}
