// Package matching pairs participants who pick the same emotion category.
// Each category has its own FIFO of waiting participants; a new arrival is
// matched with the longest-waiting participant or queued if nobody waits.
package matching

import (
	"container/list"
	"time"
)

// Entry is one waiting participant.
type Entry struct {
	ID       string // connection ID
	Category string
	JoinedAt time.Time
}

// Result is the outcome of Join. When Matched is false the caller was queued.
type Result struct {
	Matched bool
	Peer    Entry
}

type position struct {
	category string
	elem     *list.Element
}

// Queue holds one FIFO per category plus an index for O(1) removal. It is
// not safe for concurrent use; the room manager serialises access.
type Queue struct {
	lists map[string]*list.List
	index map[string]position
	now   func() time.Time
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		lists: make(map[string]*list.List),
		index: make(map[string]position),
		now:   time.Now,
	}
}

// Join pairs id with the head of category's queue, or enqueues id when that
// queue is empty. A participant already waiting anywhere is removed first, so
// it is never in two queues and never matched with itself.
func (q *Queue) Join(id, category string) Result {
	q.Remove(id)

	l := q.lists[category]
	if l != nil && l.Len() > 0 {
		head := l.Remove(l.Front()).(Entry)
		delete(q.index, head.ID)
		return Result{Matched: true, Peer: head}
	}

	q.push(id, category)
	return Result{}
}

func (q *Queue) push(id, category string) {
	l := q.lists[category]
	if l == nil {
		l = list.New()
		q.lists[category] = l
	}
	e := Entry{ID: id, Category: category, JoinedAt: q.now()}
	q.index[id] = position{category: category, elem: l.PushBack(e)}
}

// Requeue puts id back at the head of category's queue. It is for a
// participant whose match fell through before the room opened, so it is
// next in line rather than last.
func (q *Queue) Requeue(id, category string) {
	q.Remove(id)
	l := q.lists[category]
	if l == nil {
		l = list.New()
		q.lists[category] = l
	}
	e := Entry{ID: id, Category: category, JoinedAt: q.now()}
	q.index[id] = position{category: category, elem: l.PushFront(e)}
}

// Remove drops id from whichever queue holds it. It returns false when id was
// not waiting.
func (q *Queue) Remove(id string) bool {
	pos, ok := q.index[id]
	if !ok {
		return false
	}
	q.lists[pos.category].Remove(pos.elem)
	delete(q.index, id)
	return true
}

// Waiting returns the entry for id if it is queued.
func (q *Queue) Waiting(id string) (Entry, bool) {
	pos, ok := q.index[id]
	if !ok {
		return Entry{}, false
	}
	return pos.elem.Value.(Entry), true
}

// Len returns the number of participants waiting in category.
func (q *Queue) Len(category string) int {
	if l := q.lists[category]; l != nil {
		return l.Len()
	}
	return 0
}

// Sizes returns the queue length of every category seen so far.
func (q *Queue) Sizes() map[string]int {
	out := make(map[string]int, len(q.lists))
	for c, l := range q.lists {
		out[c] = l.Len()
	}
	return out
}
