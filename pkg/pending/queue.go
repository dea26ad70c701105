// Package pending holds an agent's outstanding resource requests, its own
// and its neighbors', in Lamport total order.
//
// The queue is an ordered multiset: entries sort by ascending timestamp,
// then ascending sender id. Entries that compare equal on both keys keep
// their insertion order, so a duplicate insert never overwrites anything.
//
// Queue is not goroutine-safe; it is owned by one agent's control loop.
package pending

import (
	"github.com/google/btree"

	"github.com/daviddao/ringmutex/pkg/clock"
	"github.com/daviddao/ringmutex/pkg/model"
)

// Entry is one observed REQUEST. Side is the contested resource from the
// owning agent's perspective.
type Entry struct {
	Timestamp int64
	Sender    model.AgentID
	Side      model.Side

	seq uint64
}

// Queue is the ordered multiset of pending requests.
type Queue struct {
	tree *btree.BTreeG[Entry]
	next uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{tree: btree.NewG[Entry](8, less)}
}

func less(a, b Entry) bool {
	if a.Timestamp != b.Timestamp || a.Sender != b.Sender {
		return clock.TotalOrderLess(a.Timestamp, a.Sender, b.Timestamp, b.Sender)
	}
	if a.Side != b.Side {
		return a.Side < b.Side
	}
	return a.seq < b.seq
}

// Insert adds an entry.
func (q *Queue) Insert(e Entry) {
	q.next++
	e.seq = q.next
	q.tree.ReplaceOrInsert(e)
}

// FrontTwoBelongTo reports whether the two lowest-ordered entries both
// come from id. It is the admission test: an agent holds both its
// resources' priority exactly when its LEFT and RIGHT requests are the two
// most prioritized entries it knows about.
func (q *Queue) FrontTwoBelongTo(id model.AgentID) bool {
	if q.tree.Len() < 2 {
		return false
	}
	seen, mine := 0, 0
	q.tree.Ascend(func(e Entry) bool {
		seen++
		if e.Sender == id {
			mine++
		}
		return seen < 2
	})
	return mine == 2
}

// Purge removes every entry matching both sender and side and returns how
// many were removed. Purging an absent pair is a no-op.
func (q *Queue) Purge(sender model.AgentID, side model.Side) int {
	var doomed []Entry
	q.tree.Ascend(func(e Entry) bool {
		if e.Sender == sender && e.Side == side {
			doomed = append(doomed, e)
		}
		return true
	})
	for _, e := range doomed {
		q.tree.Delete(e)
	}
	return len(doomed)
}

// Len returns the number of entries.
func (q *Queue) Len() int { return q.tree.Len() }

// Entries returns the entries in order.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, 0, q.tree.Len())
	q.tree.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}
