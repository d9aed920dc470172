package matcher

import (
	"sort"
	"strings"

	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
)

// Strategy names the rule that produced a match.
type Strategy string

const (
	StrategyNone          Strategy = ""
	StrategyExactID       Strategy = "exact-id"
	StrategyCorrelationID Strategy = "correlation-id"
	StrategyTitle         Strategy = "title"
)

// Result is the outcome of matching one download against a client queue.
type Result struct {
	Item     *types.QueueItem
	Index    int
	Strategy Strategy
}

// Matched reports whether an item was found.
func (r Result) Matched() bool {
	return r.Item != nil
}

// Match finds the queue item that represents the download.
// Strategies are tried in priority order across the whole list, so an id match
// anywhere beats a title match earlier in the list.
func Match(d *downloads.Download, items []types.QueueItem) Result {
	if r := matchByID(d, items, nil); r.Matched() {
		return r
	}
	return matchByTitle(d, items, nil)
}

// Pair binds one download to the queue item it was matched with.
type Pair struct {
	Download *downloads.Download
	Result
}

// Assign matches downloads to items so that no item is claimed twice.
// Id matches are bound before title matches, and active downloads are
// considered before finished ones. Pairs come back in queue order.
func Assign(ds []*downloads.Download, items []types.QueueItem) []Pair {
	ordered := make([]*downloads.Download, len(ds))
	copy(ordered, ds)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Status.IsActive() && !ordered[j].Status.IsActive()
	})

	used := make([]bool, len(items))
	bound := make(map[*downloads.Download]bool, len(ordered))
	var pairs []Pair
	for _, match := range []func(*downloads.Download, []types.QueueItem, []bool) Result{matchByID, matchByTitle} {
		for _, d := range ordered {
			if bound[d] {
				continue
			}
			r := match(d, items, used)
			if !r.Matched() {
				continue
			}
			used[r.Index] = true
			bound[d] = true
			pairs = append(pairs, Pair{Download: d, Result: r})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Index < pairs[j].Index })
	return pairs
}

func matchByID(d *downloads.Download, items []types.QueueItem, used []bool) Result {
	for i := range items {
		if taken(used, i) {
			continue
		}
		if items[i].ID != "" && items[i].ID == d.ID {
			return Result{Item: &items[i], Index: i, Strategy: StrategyExactID}
		}
	}

	if ids := correlationIDs(d); len(ids) > 0 {
		for i := range items {
			if taken(used, i) {
				continue
			}
			for _, id := range ids {
				if strings.EqualFold(items[i].ID, id) {
					return Result{Item: &items[i], Index: i, Strategy: StrategyCorrelationID}
				}
			}
		}
	}
	return Result{Index: -1}
}

func matchByTitle(d *downloads.Download, items []types.QueueItem, used []bool) Result {
	if strings.TrimSpace(d.Title) == "" {
		return Result{Index: -1}
	}
	want := NormalizeTitle(d.Title)
	for i := range items {
		if taken(used, i) {
			continue
		}
		if similarNormalized(want, NormalizeTitle(items[i].Title)) {
			return Result{Item: &items[i], Index: i, Strategy: StrategyTitle}
		}
	}
	return Result{Index: -1}
}

func taken(used []bool, i int) bool {
	return used != nil && used[i]
}

// MatchHistory reports whether any history entry corresponds to the download.
func MatchHistory(d *downloads.Download, history []types.HistoryItem) bool {
	ids := correlationIDs(d)
	want := NormalizeTitle(d.Title)
	for _, h := range history {
		if h.ID != "" && strings.EqualFold(h.ID, d.ID) {
			return true
		}
		for _, id := range ids {
			if strings.EqualFold(h.ID, id) {
				return true
			}
		}
		if similarNormalized(want, NormalizeTitle(h.Title)) {
			return true
		}
	}
	return false
}

func correlationIDs(d *downloads.Download) []string {
	var ids []string
	for _, key := range types.CorrelationKeys {
		if v, ok := d.MetadataValue(key); ok && strings.TrimSpace(v) != "" {
			ids = append(ids, strings.TrimSpace(v))
		}
	}
	return ids
}
