package arbiter

import (
	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// Window is a bounded FIFO of the identifiers declared by recently accepted
// peers. Pushing past capacity evicts the oldest entry.
type Window struct {
	ids      *doublylinkedlist.List
	capacity int
}

func NewWindow(capacity int) *Window {
	if capacity < 2 {
		capacity = 2
	}
	return &Window{ids: doublylinkedlist.New(), capacity: capacity}
}

func (w *Window) Push(id int64) {
	w.ids.Add(id)
	for w.ids.Size() > w.capacity {
		w.ids.Remove(0)
	}
}

func (w *Window) Len() int {
	return w.ids.Size()
}

// Values returns the identifiers oldest first.
func (w *Window) Values() []int64 {
	out := make([]int64, 0, w.ids.Size())
	it := w.ids.Iterator()
	for it.Next() {
		out = append(out, it.Value().(int64))
	}
	return out
}

// Repeated reports whether the two most recent pushes carried the same
// identifier.
func (w *Window) Repeated() bool {
	n := w.ids.Size()
	if n < 2 {
		return false
	}
	last, _ := w.ids.Get(n - 1)
	prev, _ := w.ids.Get(n - 2)
	return last.(int64) == prev.(int64)
}
