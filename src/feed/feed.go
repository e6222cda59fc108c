// Package feed merges the two command sources (realtime pushes and the poll
// backstop) into a single deduplicated stream. Both sources can and will
// deliver the same row; the dispatcher must see each command id once per
// lifecycle.
package feed

import (
	"log"
	"sync"

	"server-vibe-agent/src/queue"
)

// Feed is the dedup funnel in front of the dispatcher.
type Feed struct {
	mu   sync.Mutex
	seen map[string]struct{}
	out  chan queue.Command
}

func New(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 32
	}
	return &Feed{
		seen: make(map[string]struct{}),
		out:  make(chan queue.Command, buffer),
	}
}

// Offer forwards a command unless its id is already in flight or the buffer
// is full. Returns true when the command was enqueued. A full buffer is safe
// to drop on: the row stays pending and the next poll re-offers it.
func (f *Feed) Offer(cmd queue.Command) bool {
	if cmd.ID == "" {
		return false
	}
	f.mu.Lock()
	if _, dup := f.seen[cmd.ID]; dup {
		f.mu.Unlock()
		return false
	}
	f.seen[cmd.ID] = struct{}{}
	f.mu.Unlock()

	select {
	case f.out <- cmd:
		return true
	default:
		f.mu.Lock()
		delete(f.seen, cmd.ID)
		f.mu.Unlock()
		log.Printf("Feed buffer full, deferring command %s to next poll", cmd.ID)
		return false
	}
}

// Commands is the deduplicated stream the dispatcher consumes.
func (f *Feed) Commands() <-chan queue.Command { return f.out }

// Forget releases an id after its command reached a terminal state. Without
// this the seen set would pin every id forever; with it a finished id can be
// re-offered, which is harmless because the row is no longer pending.
func (f *Feed) Forget(id string) {
	f.mu.Lock()
	delete(f.seen, id)
	f.mu.Unlock()
}

// InFlight reports how many ids are currently tracked, for status output.
func (f *Feed) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
