package main

import (
	"sort"
	"strings"
	"time"
)

// Category identifies an event category on the agenda, matching the
// category slugs used by the source API.
type Category string

const (
	CategoryTeatro Category = "teatro"
	CategoryArtes  Category = "artes"
)

var portugueseMonths = [12]string{
	"Janeiro",
	"Fevereiro",
	"Março",
	"Abril",
	"Maio",
	"Junho",
	"Julho",
	"Agosto",
	"Setembro",
	"Outubro",
	"Novembro",
	"Dezembro",
}

// Event is an immutable in-memory representation of a cultural event. The
// Link is its identity: two events with the same link are the same event.
type Event struct {
	Title         string
	Subtitle      string
	Description   string
	ImageURL      string
	Dates         string
	Times         string
	Venue         string
	Tags          []string
	IsForChildren bool
	Link          string
	StartDate     time.Time
}

// childrenTags mark an event as aimed at children. Matching is
// case-insensitive and by substring so "para crianças" and
// "famílias" both qualify.
var childrenTags = []string{"crianças", "família", "familia", "criancas"}

func isForChildren(tags []string) bool {
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		for _, marker := range childrenTags {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// monthKey normalizes a date to the first day of its month in UTC. All
// month-bucket maps are keyed by these values.
func monthKey(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// monthDisplayName renders the topic thread title for a month, e.g.
// "Março 2025".
func monthDisplayName(month time.Time) string {
	return portugueseMonths[int(month.Month())-1] + " " + month.Format("2006")
}

// sortedMonths returns the bucket keys in ascending order.
func sortedMonths[V any](buckets map[time.Time]V) []time.Time {
	months := make([]time.Time, 0, len(buckets))
	for month := range buckets {
		months = append(months, month)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months
}
