package graph

import (
	"container/heap"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
)

// readyItem is a queued node waiting for a dispatch slot.
type readyItem struct {
	node flow.NodeID

	// level is the execution level of the node, position its place in
	// definition order. Together they give a deterministic dispatch order
	// among ready nodes.
	level    int
	position int
}

// readyHeap orders queued nodes by (level, position).
type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].level != h[j].level {
		return h[i].level < h[j].level
	}
	return h[i].position < h[j].position
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) {
	*h = append(*h, x.(readyItem))
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readyQueue holds QUEUED nodes. It is owned by the run loop goroutine and
// is not safe for concurrent use.
//
// A node becomes ready the moment its own inputs are done; there is no
// barrier between levels. The level only breaks ties when more nodes are
// ready than there are free slots.
type readyQueue struct {
	heap     readyHeap
	levels   map[flow.NodeID]int
	position map[flow.NodeID]int
}

func newReadyQueue(g *flow.Graph) *readyQueue {
	q := &readyQueue{
		levels:   g.Levels(),
		position: make(map[flow.NodeID]int, g.Len()),
	}
	for i, id := range g.Nodes() {
		q.position[id] = i
	}
	return q
}

func (q *readyQueue) push(id flow.NodeID) {
	heap.Push(&q.heap, readyItem{node: id, level: q.levels[id], position: q.position[id]})
}

func (q *readyQueue) pop() (flow.NodeID, bool) {
	if len(q.heap) == 0 {
		return flow.NodeID{}, false
	}
	return heap.Pop(&q.heap).(readyItem).node, true
}

// drain removes and returns every queued node in dispatch order.
func (q *readyQueue) drain() []flow.NodeID {
	out := make([]flow.NodeID, 0, len(q.heap))
	for {
		id, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, id)
	}
}

func (q *readyQueue) Len() int {
	return len(q.heap)
}
