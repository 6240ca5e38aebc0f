package oplog

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	bob   = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func op(author uuid.UUID, clock uint64, parents ...operation.Operation) operation.Operation {
	ids := make([]operation.OperationID, 0, len(parents))
	for _, p := range parents {
		ids = append(ids, p.ID)
	}
	return operation.CreateLocal(author, operation.RemoveNode{NodeID: uuid.New()}, ids, clock)
}

func ids(ops []operation.Operation) []operation.OperationID {
	out := make([]operation.OperationID, 0, len(ops))
	for _, o := range ops {
		out = append(out, o.ID)
	}
	return out
}

func newLog(maxPending int) *Log {
	return New(maxPending, observability.NewNoopLogger())
}

func TestInsertInOrder(t *testing.T) {
	l := newLog(0)
	a := op(alice, 1)
	b := op(alice, 2, a)

	res := l.Insert(a)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, []operation.OperationID{a.ID}, ids(res.Delivered))

	res = l.Insert(b)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []operation.OperationID{b.ID}, l.Frontier())
}

func TestInsertDuplicate(t *testing.T) {
	l := newLog(0)
	a := op(alice, 1)
	l.Insert(a)

	res := l.Insert(a)
	assert.Equal(t, AlreadyPresent, res.Outcome)
	assert.Empty(t, res.Delivered)
	assert.Equal(t, 1, l.Len())
}

func TestCausalBuffering(t *testing.T) {
	l := newLog(0)
	a := op(alice, 1)
	b := op(alice, 2, a)
	c := op(bob, 3, b)

	res := l.Insert(c)
	assert.Equal(t, Buffered, res.Outcome)
	assert.Equal(t, 1, l.PendingLen())
	assert.Equal(t, []operation.OperationID{b.ID}, l.MissingParents())
	assert.True(t, l.IsPending(c.ID))

	assert.Equal(t, Buffered, l.Insert(c).Outcome, "re-inserting a buffered op")

	res = l.Insert(b)
	assert.Equal(t, Buffered, res.Outcome)
	assert.Equal(t, []operation.OperationID{a.ID}, l.MissingParents())

	res = l.Insert(a)
	require.Equal(t, Applied, res.Outcome)
	assert.Equal(t, []operation.OperationID{a.ID, b.ID, c.ID}, ids(res.Delivered))
	assert.Equal(t, 0, l.PendingLen())
	assert.Empty(t, l.MissingParents())
	assert.Equal(t, []operation.OperationID{c.ID}, l.Frontier())
}

func TestWaitsForEveryParent(t *testing.T) {
	l := newLog(0)
	a := op(alice, 1)
	b := op(bob, 1)
	merge := op(alice, 2, a, b)

	assert.Equal(t, Buffered, l.Insert(merge).Outcome)
	assert.Equal(t, Applied, l.Insert(a).Outcome)
	assert.True(t, l.IsPending(merge.ID))

	res := l.Insert(b)
	assert.Equal(t, []operation.OperationID{b.ID, merge.ID}, ids(res.Delivered))
	assert.Equal(t, []operation.OperationID{merge.ID}, l.Frontier())
}

func TestPendingOverflowEvictsOldest(t *testing.T) {
	l := newLog(2)
	missing := op(alice, 1)
	first := op(bob, 2, missing)
	second := op(bob, 3, missing)
	third := op(bob, 4, missing)

	l.Insert(first)
	l.Insert(second)
	res := l.Insert(third)

	assert.Equal(t, Buffered, res.Outcome)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, first.ID, res.Evicted[0].ID)
	assert.Equal(t, 2, l.PendingLen())
	assert.Equal(t, []operation.OperationID{second.ID, third.ID}, ids(l.Pending()))

	res = l.Insert(missing)
	assert.ElementsMatch(t, []operation.OperationID{missing.ID, second.ID, third.ID}, ids(res.Delivered))
	assert.False(t, l.Contains(first.ID))

	assert.Equal(t, Applied, l.Insert(first).Outcome, "evicted op can be resent")
}

func TestOperationsSince(t *testing.T) {
	l := newLog(0)
	a1 := op(alice, 1)
	b1 := op(bob, 1)
	a2 := op(alice, 2, a1, b1)
	b2 := op(bob, 3, a2)
	for _, o := range []operation.Operation{a1, b1, a2, b2} {
		l.Insert(o)
	}

	all := l.OperationsSince(crdt.NewVectorClock())
	require.Len(t, all, 4)
	assert.Equal(t, all, l.All())

	floor := crdt.VectorClock{alice: 1, bob: 1}
	assert.Equal(t, []operation.OperationID{a2.ID, b2.ID}, ids(l.OperationsSince(floor)))

	floor = crdt.VectorClock{alice: 2, bob: 3}
	assert.Empty(t, l.OperationsSince(floor))
}

func TestTopologicalOrderIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	authors := []uuid.UUID{alice, bob, uuid.MustParse("00000000-0000-0000-0000-000000000003")}

	var ops []operation.Operation
	for i := 0; i < 60; i++ {
		var parents []operation.Operation
		for j := 0; j < 2 && len(ops) > 0; j++ {
			parents = append(parents, ops[rng.Intn(len(ops))])
		}
		var clock uint64
		for _, p := range parents {
			if p.Clock > clock {
				clock = p.Clock
			}
		}
		ops = append(ops, op(authors[rng.Intn(len(authors))], clock+1, parents...))
	}

	reference := newLog(0)
	for _, o := range ops {
		reference.Insert(o)
	}
	want := ids(reference.All())

	for trial := 0; trial < 5; trial++ {
		shuffled := append([]operation.Operation(nil), ops...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		l := newLog(0)
		for _, o := range shuffled {
			l.Insert(o)
		}
		require.Equal(t, len(ops), l.Len())
		assert.Equal(t, want, ids(l.All()))
		assert.Equal(t, reference.Frontier(), l.Frontier())

		position := make(map[operation.OperationID]int)
		for i, o := range l.All() {
			position[o.ID] = i
		}
		for _, o := range ops {
			for _, p := range o.Parents {
				assert.Less(t, position[p], position[o.ID])
			}
		}
	}
}

func BenchmarkInsert(b *testing.B) {
	l := newLog(0)
	prev := op(alice, 1)
	l.Insert(prev)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		next := op(alice, uint64(i+2), prev)
		l.Insert(next)
		prev = next
	}
}
