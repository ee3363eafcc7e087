package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

const (
	agendaEventsURL = "https://www.agendalx.pt/wp-json/agendalx/v1/events"
	agendaEventType = "event"

	// Effectively "everything": the API caps the page size server-side.
	agendaFetchAll = 50000

	startDateFormat = "2006-01-02"
)

var (
	yearPattern = regexp.MustCompile(` *?(\d{4}) *?`)

	// Everything in the event page's entry container except the metadata
	// blocks the site renders around the description.
	descriptionSelector = ".entry-container > :not(.event__extra-info):not(.section-title):not(.section-title--venue):not(.venue):not(.post__share)"
)

// EventSource produces the candidate events for a category, bucketed by
// month.
type EventSource interface {
	EventsByMonth(ctx context.Context, category Category, limit int) (map[time.Time][]Event, error)
}

// agendaClient fetches cultural events from the Agenda LX WordPress API
// and scrapes the event pages for full descriptions.
type agendaClient struct {
	http *retryablehttp.Client
	now  func() time.Time
}

func newAgendaClient() *agendaClient {
	client := retryablehttp.NewClient()
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.RetryMax = 4
	client.Logger = nil

	return &agendaClient{http: client, now: time.Now}
}

// eventResponse mirrors the API's event payload. Several fields are
// inconsistently typed across events, so the flexible ones get custom
// decoding instead of failing the whole page.
type eventResponse struct {
	Title              responseTitle          `json:"title"`
	Subtitle           flexibleString         `json:"subtitle"`
	Description        []string               `json:"description"`
	FeaturedMediaLarge lenientString          `json:"featured_media_large"`
	Link               lenientString          `json:"link"`
	StringDates        string                 `json:"string_dates"`
	StringTimes        string                 `json:"string_times"`
	StartDate          lenientDate            `json:"StartDate"`
	Venue              lenientMap[namedEntry] `json:"venue"`
	Tags               lenientMap[namedEntry] `json:"tags_name_list"`
}

type responseTitle struct {
	Rendered string `json:"rendered"`
}

type namedEntry struct {
	Name lenientString `json:"name"`
}

// flexibleString decodes a value that is sometimes a string and
// sometimes an array of strings, concatenating the latter.
type flexibleString string

func (f *flexibleString) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = flexibleString(single)
		return nil
	}

	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*f = flexibleString(strings.Join(parts, ""))
	return nil
}

// lenientString decodes to the empty string when the value is not a
// string. Some optional fields arrive as false or null.
type lenientString string

func (l *lenientString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*l = ""
		return nil
	}
	*l = lenientString(s)
	return nil
}

// lenientDate decodes a YYYY-MM-DD string, yielding the zero time for
// empty or malformed values.
type lenientDate struct {
	time.Time
}

func (l *lenientDate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		l.Time = time.Time{}
		return nil
	}

	parsed, err := time.Parse(startDateFormat, s)
	if err != nil {
		log.Warn().Str("value", s).Err(err).Msg("Failed to parse event start date")
		l.Time = time.Time{}
		return nil
	}
	l.Time = parsed
	return nil
}

// lenientMap decodes a JSON object, yielding an empty map for any other
// shape. The API serializes empty collections as [] instead of {}.
type lenientMap[T any] map[string]T

func (l *lenientMap[T]) UnmarshalJSON(data []byte) error {
	var m map[string]T
	if err := json.Unmarshal(data, &m); err != nil {
		*l = lenientMap[T]{}
		return nil
	}
	*l = lenientMap[T](m)
	return nil
}

// EventsByMonth returns the category's upcoming events bucketed by the
// first day of their start month, in ascending start date order within
// each bucket. limit of 0 fetches everything. Every month between the
// current one and the furthest event's month gets a bucket, empty or
// not, so callers can materialize a destination for each of them.
func (c *agendaClient) EventsByMonth(ctx context.Context, category Category, limit int) (map[time.Time][]Event, error) {
	perPage := limit
	if perPage <= 0 {
		perPage = agendaFetchAll
	}
	log.Info().Str("category", string(category)).Int("perPage", perPage).Msg("Fetching events")

	url := fmt.Sprintf("%s?per_page=%d&categories=%s&type=%s",
		agendaEventsURL, perPage, strings.ToLower(string(category)), agendaEventType)

	body, err := c.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching events: %w", err)
	}

	var responses []eventResponse
	if err := json.Unmarshal(body, &responses); err != nil {
		return nil, fmt.Errorf("decoding events response: %w", err)
	}
	log.Info().Int("count", len(responses)).Msg("Fetched events")

	return c.bucketByMonth(ctx, responses), nil
}

func (c *agendaClient) bucketByMonth(ctx context.Context, responses []eventResponse) map[time.Time][]Event {
	buckets := make(map[time.Time][]Event)
	c.fillIncomingMonths(responses, buckets)

	currentMonth := monthKey(c.now().UTC())
	for _, response := range responses {
		event := c.toEvent(ctx, response)

		month := currentMonth
		if response.StartDate.IsZero() {
			log.Warn().Str("event", event.Link).Msg("Event has no usable start date, bucketing into the current month")
		} else {
			month = monthKey(response.StartDate.Time)
		}

		if _, ok := buckets[month]; !ok {
			log.Warn().Str("event", event.Link).Time("month", month).Msg("Event month was missing from the bucket range")
		}
		buckets[month] = append(buckets[month], event)
	}

	for month := range buckets {
		events := buckets[month]
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].StartDate.Before(events[j].StartDate)
		})
	}

	return buckets
}

// fillIncomingMonths seeds an empty bucket for every month from the
// current one up to the latest event's month.
func (c *agendaClient) fillIncomingMonths(responses []eventResponse, buckets map[time.Time][]Event) {
	var maxDate time.Time
	for _, response := range responses {
		if response.StartDate.After(maxDate) {
			maxDate = response.StartDate.Time
		}
	}
	if maxDate.IsZero() {
		return
	}

	maxMonth := monthKey(maxDate)
	for month := monthKey(c.now().UTC()); !month.After(maxMonth); month = month.AddDate(0, 1, 0) {
		buckets[month] = []Event{}
	}
}

func (c *agendaClient) toEvent(ctx context.Context, response eventResponse) Event {
	description, err := c.fullDescription(ctx, string(response.Link))
	if err != nil {
		description = cleanDescription(strings.Join(response.Description, ""))
		log.Warn().Err(err).Str("event", string(response.Link)).Msg("Unable to get full description, using the preview")
	}

	tags := make([]string, 0, len(response.Tags))
	for _, key := range sortedKeys(response.Tags) {
		tags = append(tags, string(response.Tags[key].Name))
	}

	venue := ""
	for _, key := range sortedKeys(response.Venue) {
		if name := string(response.Venue[key].Name); name != "" {
			venue = name
			break
		}
	}
	if venue == "" {
		log.Warn().Str("event", string(response.Link)).Msg("No venue name found, omitting venue")
	}

	return Event{
		Title:         response.Title.Rendered,
		Subtitle:      string(response.Subtitle),
		Description:   description,
		ImageURL:      string(response.FeaturedMediaLarge),
		Dates:         dateDescription(response.StringDates),
		Times:         response.StringTimes,
		Venue:         venue,
		Tags:          tags,
		IsForChildren: isForChildren(tags),
		Link:          string(response.Link),
		StartDate:     response.StartDate.Time,
	}
}

// fullDescription scrapes the event's own page, which carries the whole
// description the listing endpoint truncates.
func (c *agendaClient) fullDescription(ctx context.Context, link string) (string, error) {
	if link == "" {
		return "", fmt.Errorf("event has no link")
	}

	body, err := c.get(ctx, link)
	if err != nil {
		return "", fmt.Errorf("fetching event page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("parsing event page: %w", err)
	}

	return extractFullDescription(doc)
}

func extractFullDescription(doc *goquery.Document) (string, error) {
	var parts []string
	doc.Find(descriptionSelector).Each(func(_ int, selection *goquery.Selection) {
		if html, err := selection.Html(); err == nil {
			parts = append(parts, html)
		}
	})

	if len(parts) == 0 {
		return "", fmt.Errorf("no description elements in page")
	}

	return cleanDescription(strings.Join(parts, "\n\n")), nil
}

// cleanDescription strips markup from an HTML fragment, keeping the text.
func cleanDescription(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	text := fragment
	if err == nil {
		text = doc.Text()
	}

	text = strings.ReplaceAll(text, " ", " ")
	return strings.TrimRight(text, "\n")
}

// dateDescription trims redundant years from the site's date string. A
// range within one year reads better without it; a range spanning years
// keeps both.
func dateDescription(dates string) string {
	matches := yearPattern.FindAllStringSubmatch(dates, -1)

	if len(matches) >= 2 {
		unique := make(map[string]struct{}, len(matches))
		for _, match := range matches {
			unique[match[1]] = struct{}{}
		}
		if len(unique) > 1 {
			return dates
		}
	}

	return yearPattern.ReplaceAllString(dates, "")
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *agendaClient) get(ctx context.Context, url string) ([]byte, error) {
	request, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	response, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s", response.StatusCode, url)
	}

	return io.ReadAll(response.Body)
}
