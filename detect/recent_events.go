package detect

import (
	"sync"
	"time"

	"sentinel/core"
)

// eventSummary is the slice of an event that metrics aggregate over
type eventSummary struct {
	Type      core.EventType
	Severity  core.Severity
	Region    string
	Blocked   bool
	Timestamp time.Time
}

type ringShard struct {
	mu    sync.Mutex
	items []eventSummary
	next  int
	full  bool
	// overwritten is the newest timestamp among summaries the ring dropped
	overwritten time.Time
}

// recentEvents keeps the last N processed events in sharded rings so that
// metrics never touch the correlation store or the durable store
type recentEvents struct {
	shards []*ringShard
}

func newRecentEvents(capacity, shards int) *recentEvents {
	if shards <= 0 {
		shards = DefaultShardCount
	}
	per := capacity / shards
	if per < 1 {
		per = 1
	}
	r := &recentEvents{shards: make([]*ringShard, shards)}
	for i := range r.shards {
		r.shards[i] = &ringShard{items: make([]eventSummary, per)}
	}
	return r
}

func (r *recentEvents) add(event *core.SecurityEvent) {
	sh := r.shards[shardIndex(event.ID, len(r.shards))]
	sh.mu.Lock()
	if sh.full && sh.items[sh.next].Timestamp.After(sh.overwritten) {
		sh.overwritten = sh.items[sh.next].Timestamp
	}
	sh.items[sh.next] = eventSummary{
		Type:      event.Type,
		Severity:  event.Severity,
		Region:    event.Region,
		Blocked:   event.Blocked,
		Timestamp: event.Timestamp,
	}
	sh.next++
	if sh.next == len(sh.items) {
		sh.next = 0
		sh.full = true
	}
	sh.mu.Unlock()
}

// each calls fn for every retained summary with Timestamp in [since, until].
// It reports whether summaries inside that range were already overwritten, in
// which case the counts are a lower bound.
func (r *recentEvents) each(since, until time.Time, fn func(eventSummary)) (truncated bool) {
	for _, sh := range r.shards {
		sh.mu.Lock()
		if !sh.overwritten.IsZero() && !sh.overwritten.Before(since) {
			truncated = true
		}
		n := sh.next
		if sh.full {
			n = len(sh.items)
		}
		for i := 0; i < n; i++ {
			s := sh.items[i]
			if s.Timestamp.Before(since) || s.Timestamp.After(until) {
				continue
			}
			fn(s)
		}
		sh.mu.Unlock()
	}
	return truncated
}
