package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var categories = []Category{CategoryTeatro, CategoryArtes}

// bot wires the event source to the Discord surface. It holds no state
// between runs: everything it needs is reconstructed from the channels
// themselves, so a run can be repeated or interrupted at any point.
type bot struct {
	config    *Config
	transport Transport
	agenda    EventSource
	cache     *runCache
	resolver  *engagementResolver
	fanout    *voteFanout
	backup    *backupArchiver
}

func newBot(cfg *Config, transport Transport, agenda EventSource, cache *runCache) *bot {
	return &bot{
		config:    cfg,
		transport: transport,
		agenda:    agenda,
		cache:     cache,
		resolver:  newEngagementResolver(transport, cfg.VoteEmojis, cfg.SaveForLater),
		fanout:    newVoteFanout(transport, cfg.VoteEmojis, cache),
		backup:    newBackupArchiver(transport, cfg.BackupDir),
	}
}

// runOnce executes one full pass: post new events into their month
// threads, reconcile engagement on every event already posted, deliver
// vote acknowledgements and snapshot the votes.
func (b *bot) runOnce(ctx context.Context) error {
	defer b.cache.Save()

	engagedUsers := make(map[string]bool)

	for _, category := range categories {
		channelID := b.config.ChannelByCategory(category)

		if b.config.Debug.ClearChannel {
			log.Warn().Str("channelID", channelID).Msg("Debug clearing channel")
			if err := clearChannel(ctx, b.transport, channelID); err != nil {
				return fmt.Errorf("clearing channel %s: %w", channelID, err)
			}
			if b.config.Debug.ExitAfterClearing {
				continue
			}
		}

		if err := b.processCategory(ctx, category, channelID, engagedUsers); err != nil {
			return fmt.Errorf("processing category %s: %w", category, err)
		}
	}

	if b.config.Debug.ClearChannel && b.config.Debug.ExitAfterClearing {
		log.Warn().Msg("Exiting after clearing channels")
		return nil
	}

	userIDs := make([]string, 0, len(engagedUsers))
	for userID := range engagedUsers {
		userIDs = append(userIDs, userID)
	}
	if err := b.backup.run(ctx, userIDs); err != nil {
		log.Error().Err(err).Msg("Vote backup failed")
	}

	return nil
}

func (b *bot) processCategory(ctx context.Context, category Category, channelID string, engagedUsers map[string]bool) error {
	logger := log.With().Str("category", string(category)).Str("channelID", channelID).Logger()

	eventsByMonth, err := b.agenda.EventsByMonth(ctx, category, b.config.Debug.EventLimit)
	if err != nil {
		return err
	}

	parent, err := b.transport.Channel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("resolving channel %s: %w", channelID, err)
	}

	// Materialize a thread per month before filtering: the threads are
	// both the destination for new events and the history to dedup
	// against, and losing one would orphan its month's events. The router
	// is rebuilt per run so it re-reads the archived state every time.
	router := newThreadRouter(b.transport)
	threadsByMonth := make(map[time.Time]string, len(eventsByMonth))
	for _, month := range sortedMonths(eventsByMonth) {
		thread, err := router.resolve(ctx, parent.GuildID, channelID, month)
		if err != nil {
			return err
		}
		threadsByMonth[month] = thread.ID
	}

	newEvents, err := filterNewEvents(ctx, b.transport, b.cache, eventsByMonth, threadsByMonth)
	if err != nil {
		return err
	}

	if b.config.Debug.SkipSending {
		logger.Warn().Msg("Debug skipping event sending")
	} else if err := b.postEvents(ctx, newEvents, threadsByMonth); err != nil {
		return err
	}

	if b.config.Debug.SkipReactions {
		logger.Warn().Msg("Debug skipping engagement reconciliation")
		return nil
	}

	return b.reconcileThreads(ctx, threadsByMonth, engagedUsers)
}

func (b *bot) postEvents(ctx context.Context, eventsByMonth map[time.Time][]Event, threadsByMonth map[time.Time]string) error {
	for _, month := range sortedMonths(eventsByMonth) {
		threadID := threadsByMonth[month]

		for _, event := range eventsByMonth[month] {
			message, err := sendEvent(ctx, b.transport, threadID, event)
			if err != nil {
				return fmt.Errorf("posting event %s: %w", event.Link, err)
			}
			b.cache.MarkPosted(event.Link)

			addFeatureReactions(ctx, b.transport, message, b.config.VoteEmojis, b.config.SaveForLater)

			log.Info().
				Str("event", event.Link).
				Str("threadID", threadID).
				Str("messageID", message.ID).
				Msg("Posted event")
		}
	}

	return nil
}

// reconcileThreads walks every event message in every month thread,
// reconciles its interested list and delivers pending vote
// acknowledgements. Engaged users accumulate into engagedUsers for the
// backup pass.
func (b *bot) reconcileThreads(ctx context.Context, threadsByMonth map[time.Time]string, engagedUsers map[string]bool) error {
	for _, month := range sortedMonths(threadsByMonth) {
		threadID := threadsByMonth[month]

		messages, err := allMessages(ctx, b.transport, threadID)
		if err != nil {
			return fmt.Errorf("reading thread %s: %w", threadID, err)
		}

		for _, message := range messages {
			if message.Author == nil || message.Author.ID != b.transport.BotUserID() {
				continue
			}
			if embedURL(message) == "" {
				continue
			}

			engaged, err := b.resolver.sync(ctx, message)
			if err != nil {
				log.Error().Err(err).Str("messageID", message.ID).Msg("Failed to reconcile engagement")
				continue
			}
			for _, userID := range engaged {
				engagedUsers[userID] = true
			}

			voters, err := b.fanout.deliver(ctx, message)
			if err != nil {
				log.Error().Err(err).Str("messageID", message.ID).Msg("Failed to deliver vote acknowledgements")
				continue
			}
			for _, userID := range voters {
				engagedUsers[userID] = true
			}
		}
	}

	return nil
}

func main() {
	logLevelStr := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error, fatal, panic")
	interval := flag.Duration("interval", 0, "How often to repeat the run (0 runs once and exits)")
	flag.Parse()

	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(*logLevelStr)
	if err != nil {
		logLevel = zerolog.InfoLevel
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", *logLevelStr)
	}
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(consoleWriter).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	transport, err := newDiscordTransport(cfg.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Discord")
	}

	cache := newRunCache(cfg.CachePath)
	b := newBot(cfg, transport, newAgendaClient(), cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	if err := b.runOnce(ctx); err != nil {
		log.Fatal().Err(err).Msg("Run failed")
	}

	if *interval <= 0 {
		log.Info().Msg("Run complete")
		return
	}

	log.Info().Dur("interval", *interval).Msg("Run complete, scheduling next runs")
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Context done, exiting")
			return
		case <-ticker.C:
			if err := b.runOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Run failed")
			}
		}
	}
}
