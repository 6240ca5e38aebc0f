package oplog

import (
	"container/heap"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
)

// OperationsSince returns every committed operation whose clock exceeds
// floor's component for its author. The result is topologically ordered;
// parents outside the result count as satisfied and ready operations are
// taken in (clock, author, id) order, so every replica produces the same
// sequence for the same set.
func (l *Log) OperationsSince(floor crdt.VectorClock) []operation.Operation {
	subset := make(map[operation.OperationID]operation.Operation)
	for id, op := range l.ops {
		if op.Clock > floor.Get(op.Author) {
			subset[id] = op
		}
	}
	return TopologicalOrder(subset)
}

// All returns every committed operation in replay order
func (l *Log) All() []operation.Operation {
	return TopologicalOrder(l.ops)
}

// TopologicalOrder sorts ops with Kahn's algorithm, breaking ties by
// (clock, author, id).
func TopologicalOrder(ops map[operation.OperationID]operation.Operation) []operation.Operation {
	indegree := make(map[operation.OperationID]int, len(ops))
	children := make(map[operation.OperationID][]operation.OperationID)
	for id, op := range ops {
		indegree[id] += 0
		for _, p := range op.Parents {
			if _, inSet := ops[p]; !inSet {
				continue
			}
			indegree[id]++
			children[p] = append(children[p], id)
		}
	}

	ready := &readyQueue{}
	for id, deg := range indegree {
		if deg == 0 {
			heap.Push(ready, ops[id])
		}
	}

	ordered := make([]operation.Operation, 0, len(ops))
	for ready.Len() > 0 {
		next := heap.Pop(ready).(operation.Operation)
		ordered = append(ordered, next)
		for _, child := range children[next.ID] {
			indegree[child]--
			if indegree[child] == 0 {
				heap.Push(ready, ops[child])
			}
		}
	}
	return ordered
}

type readyQueue []operation.Operation

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i].Less(q[j]) }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x interface{}) {
	*q = append(*q, x.(operation.Operation))
}

func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
