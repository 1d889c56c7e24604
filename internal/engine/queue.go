package engine

import (
	"container/heap"

	"github.com/razelbuild/razel/internal/model"
)

// readyItem orders the ready queue: commands whose outputs feed more
// transitive consumers run first, ties broken by name.
type readyItem struct {
	id     model.CommandID
	fanOut int
	name   string
}

type readyQueue []readyItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].fanOut != q[j].fanOut {
		return q[i].fanOut > q[j].fanOut
	}
	return q[i].name < q[j].name
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(readyItem)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (e *Engine) pushReady(id model.CommandID) {
	heap.Push(&e.ready, readyItem{
		id:     id,
		fanOut: e.fanOut[id],
		name:   e.graph.Command(id).Name,
	})
}

func (e *Engine) popReady() (model.CommandID, bool) {
	if e.ready.Len() == 0 {
		return model.NoCommand, false
	}
	return heap.Pop(&e.ready).(readyItem).id, true
}

// computeFanOut counts the transitive dependents of every selected command.
func (e *Engine) computeFanOut() {
	e.fanOut = make(map[model.CommandID]int, len(e.selected))
	for id := range e.selected {
		seen := map[model.CommandID]bool{}
		var walk func(model.CommandID)
		walk = func(c model.CommandID) {
			for _, dep := range e.graph.Dependents(c) {
				if !e.selected[dep] || seen[dep] {
					continue
				}
				seen[dep] = true
				walk(dep)
			}
		}
		walk(id)
		e.fanOut[id] = len(seen)
	}
}
