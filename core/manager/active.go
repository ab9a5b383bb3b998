package manager

import (
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"

	"github.com/sushant-115/gojotx/core/transaction"
)

type deadlineEntry struct {
	id       transaction.ID
	deadline time.Time
}

func byDeadline(a, b interface{}) int {
	da := a.(deadlineEntry).deadline
	db := b.(deadlineEntry).deadline
	switch {
	case da.Before(db):
		return -1
	case da.After(db):
		return 1
	default:
		return 0
	}
}

// activeSet tracks issued, unresolved transactions and their deadlines. The
// heap may hold entries for ids already resolved; they are skipped when
// popped.
type activeSet struct {
	deadlines map[transaction.ID]time.Time
	heap      *priorityqueue.Queue
}

func newActiveSet() *activeSet {
	return &activeSet{
		deadlines: make(map[transaction.ID]time.Time),
		heap:      priorityqueue.NewWith(byDeadline),
	}
}

func (a *activeSet) add(id transaction.ID, deadline time.Time) {
	a.deadlines[id] = deadline
	a.heap.Enqueue(deadlineEntry{id: id, deadline: deadline})
}

func (a *activeSet) deadline(id transaction.ID) (time.Time, bool) {
	d, ok := a.deadlines[id]
	return d, ok
}

func (a *activeSet) remove(id transaction.ID) bool {
	if _, ok := a.deadlines[id]; !ok {
		return false
	}
	delete(a.deadlines, id)
	return true
}

// expire drops every transaction whose deadline passed at now and returns
// their ids.
func (a *activeSet) expire(now time.Time) []transaction.ID {
	var expired []transaction.ID
	for !a.heap.Empty() {
		top, _ := a.heap.Peek()
		e := top.(deadlineEntry)
		if !now.After(e.deadline) {
			break
		}
		a.heap.Dequeue()
		if d, ok := a.deadlines[e.id]; ok && d.Equal(e.deadline) {
			delete(a.deadlines, e.id)
			expired = append(expired, e.id)
		}
	}
	// Resolved ids leave stale heap entries behind; rebuild once they dominate.
	if a.heap.Size() > 2*len(a.deadlines)+1024 {
		a.compact()
	}
	return expired
}

func (a *activeSet) compact() {
	a.heap.Clear()
	for id, d := range a.deadlines {
		a.heap.Enqueue(deadlineEntry{id: id, deadline: d})
	}
}

func (a *activeSet) len() int { return len(a.deadlines) }
