// Package merge combines head-haul and last-mile events into one canonical
// per-shipment timeline.
package merge

import (
	"sort"
	"time"

	"github.com/BearBump/TrailBox/internal/models"
)

type eventKey struct {
	source string
	at     int64
	code   string
}

func keyOf(e models.PushEvent) eventKey {
	return eventKey{source: e.Source, at: e.TrackingTime.Unix(), code: e.StatusCode}
}

// Merge folds incoming events into the existing timeline.
//
// Last-mile data is authoritative: a head-haul event is dropped when any
// last-mile event shares its timestamp or its status code, no matter which
// of the two was merged first. Last-mile and manual events are never dropped.
// Re-merging an event already present replaces it in place, so
// Merge(x, Merge(x, y)) equals Merge(x, y).
func Merge(existing, incoming []models.PushEvent) []models.PushEvent {
	all := make([]models.PushEvent, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)

	idx := make(map[eventKey]int, len(all))
	uniq := make([]models.PushEvent, 0, len(all))
	for _, e := range all {
		k := keyOf(e)
		if i, ok := idx[k]; ok {
			uniq[i] = e
			continue
		}
		idx[k] = len(uniq)
		uniq = append(uniq, e)
	}

	lmTimes := make(map[int64]struct{})
	lmCodes := make(map[string]struct{})
	for _, e := range uniq {
		if e.Source == models.SourceLastmile {
			lmTimes[e.TrackingTime.Unix()] = struct{}{}
			lmCodes[e.StatusCode] = struct{}{}
		}
	}

	out := make([]models.PushEvent, 0, len(uniq))
	for _, e := range uniq {
		if e.Source == models.SourceHeadhaul {
			if _, ok := lmTimes[e.TrackingTime.Unix()]; ok {
				continue
			}
			if _, ok := lmCodes[e.StatusCode]; ok {
				continue
			}
		}
		out = append(out, e)
	}

	Sort(out)
	return out
}

var sourceRank = map[string]int{
	models.SourceHeadhaul: 0,
	models.SourceManual:   1,
	models.SourceLastmile: 2,
}

// Sort orders a timeline ascending by time; ties are broken deterministically.
func Sort(events []models.PushEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.TrackingTime.Equal(b.TrackingTime) {
			return a.TrackingTime.Before(b.TrackingTime)
		}
		if sourceRank[a.Source] != sourceRank[b.Source] {
			return sourceRank[a.Source] < sourceRank[b.Source]
		}
		return a.StatusCode < b.StatusCode
	})
}

// Remove deletes every event at the given moment with the given code and
// returns the removed ones. Used for manual correction before a push.
func Remove(events []models.PushEvent, at time.Time, code string) ([]models.PushEvent, []models.PushEvent) {
	out := make([]models.PushEvent, 0, len(events))
	var removed []models.PushEvent
	for _, e := range events {
		if e.TrackingTime.Equal(at) && e.StatusCode == code {
			removed = append(removed, e)
			continue
		}
		out = append(out, e)
	}
	return out, removed
}

// Equal reports whether two timelines hold the same events in the same order.
func Equal(a, b []models.PushEvent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if !x.TrackingTime.Equal(y.TrackingTime) || x.StatusCode != y.StatusCode || x.Source != y.Source ||
			x.OrderNo != y.OrderNo || x.Description != y.Description || x.City != y.City || x.Country != y.Country {
			return false
		}
	}
	return true
}

// Drop filters out incoming events that were removed by hand earlier, so a
// repeated poll does not bring them back.
func Drop(incoming []models.PushEvent, suppressed []models.SuppressedEvent) []models.PushEvent {
	if len(suppressed) == 0 {
		return incoming
	}
	out := make([]models.PushEvent, 0, len(incoming))
	for _, e := range incoming {
		if !isSuppressed(e, suppressed) {
			out = append(out, e)
		}
	}
	return out
}

func isSuppressed(e models.PushEvent, suppressed []models.SuppressedEvent) bool {
	for _, s := range suppressed {
		if s.Matches(e) {
			return true
		}
	}
	return false
}
