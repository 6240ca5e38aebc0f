package replica_test

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/conflict"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/collaboration/replica"
	"github.com/developer-mesh/timeline-sync/pkg/timeline"
)

type workload struct {
	rng    *rand.Rand
	tracks []uuid.UUID
	nodes  []uuid.UUID
}

func (w *workload) id() uuid.UUID {
	id, err := uuid.NewRandomFromReader(w.rng)
	if err != nil {
		panic(err)
	}
	return id
}

func (w *workload) node() uuid.UUID {
	return w.nodes[w.rng.Intn(len(w.nodes))]
}

func (w *workload) next() operation.Kind {
	switch w.rng.Intn(10) {
	case 0:
		id := w.id()
		w.nodes = append(w.nodes, id)
		return operation.AddNode{Node: clipNode(id, int64(w.rng.Intn(1000)))}
	case 1:
		return operation.RemoveNode{NodeID: w.node()}
	case 2:
		return operation.UpdateNodeDuration{NodeID: w.node(), NewRange: timeline.Range{Start: int64(w.rng.Intn(500)), Duration: int64(1 + w.rng.Intn(100))}}
	case 3:
		return operation.LockNode{NodeID: w.node(), Locked: w.rng.Intn(2) == 0}
	case 4:
		return operation.UpdateNodeMetadata{NodeID: w.node(), Metadata: map[string]interface{}{"take": fmt.Sprint(w.rng.Intn(5))}}
	case 5:
		return operation.AddNodeToTrack{TrackID: w.tracks[w.rng.Intn(len(w.tracks))], NodeID: w.node()}
	case 6:
		return operation.RippleEdit{NodeID: w.node(), NewStart: int64(w.rng.Intn(800))}
	case 7:
		order := append([]uuid.UUID(nil), w.tracks...)
		w.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		return operation.ReorderTracks{TrackOrder: order}
	case 8:
		id := w.id()
		w.tracks = append(w.tracks, id)
		return operation.AddTrack{Track: timeline.Track{ID: id, Name: "T", Kind: timeline.TrackAudio}}
	default:
		return operation.UpdateNodePosition{NodeID: w.node(), NewStart: int64(w.rng.Intn(1000))}
	}
}

func conflictIDs(r *replica.Replica) []string {
	var ids []string
	for _, rec := range r.Conflicts() {
		ids = append(ids, rec.ID.String())
	}
	sort.Strings(ids)
	return ids
}

// gossip runs three replicas that edit and exchange random subsets of a
// shared pool, then hands every replica the whole pool. It checks that they
// agree with each other and with a replica built by a single Merge.
func gossip(t *testing.T, seed int64, strategy conflict.Strategy, cacheSize, steps int) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	w := &workload{rng: rng}
	users := []uuid.UUID{alice, bob, carol}
	replicas := make([]*replica.Replica, len(users))
	for i, u := range users {
		replicas[i] = newCachedReplica(t, u, strategy, cacheSize)
	}

	var pool []operation.Operation
	initial := []operation.Kind{
		operation.AddTrack{Track: timeline.Track{ID: w.id(), Name: "V1", Kind: timeline.TrackVideo}},
	}
	w.tracks = append(w.tracks, initial[0].(operation.AddTrack).Track.ID)
	for i := 0; i < 4; i++ {
		id := w.id()
		w.nodes = append(w.nodes, id)
		initial = append(initial, operation.AddNode{Node: clipNode(id, int64(i*60))})
	}
	for _, k := range initial {
		op := mustLocal(t, replicas[0], k)
		pool = append(pool, op)
		deliver(replicas[1], op)
		deliver(replicas[2], op)
	}

	for step := 0; step < steps; step++ {
		r := replicas[rng.Intn(len(replicas))]
		if rng.Intn(10) < 6 {
			pool = append(pool, mustLocal(t, r, w.next()))
			continue
		}
		for n := rng.Intn(4); n >= 0; n-- {
			deliver(r, pool[rng.Intn(len(pool))])
		}
	}

	for _, r := range replicas {
		shuffled := append([]operation.Operation(nil), pool...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		deliver(r, shuffled...)
	}

	merged := newCachedReplica(t, uuid.New(), strategy, replica.DefaultCausalCacheSize)
	shuffled := append([]operation.Operation(nil), pool...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	res := merged.Merge(shuffled, replicas[0].Clock())
	assert.False(t, res.Resync)

	want := merged.Hash()
	wantConflicts := conflictIDs(merged)
	wantOrder := opIDs(merged.OperationsSince(nil))
	for i, r := range replicas {
		require.Equal(t, len(pool), r.Len(), "replica %d", i)
		assert.Equal(t, want, r.Hash(), "replica %d", i)
		assert.Equal(t, wantConflicts, conflictIDs(r), "replica %d", i)
		assert.Equal(t, wantOrder, opIDs(r.OperationsSince(nil)), "replica %d", i)
	}
}

func TestConvergenceUnderGossip(t *testing.T) {
	strategies := []conflict.Strategy{
		conflict.LastWriteWinsStrategy(),
		conflict.UserPriorityStrategy([]uuid.UUID{carol, alice}),
		conflict.ManualStrategy(),
	}

	for seed := int64(1); seed <= 6; seed++ {
		for _, strategy := range strategies {
			t.Run(fmt.Sprintf("seed%d/%s", seed, strategy.Kind), func(t *testing.T) {
				gossip(t, seed, strategy, replica.DefaultCausalCacheSize, 80)
			})
		}
	}
}

// A causal-context cache far smaller than the history must not change which
// operations count as concurrent.
func TestConvergenceWithSmallCausalCache(t *testing.T) {
	for _, size := range []int{2, 3, 8, 16} {
		for seed := int64(1); seed <= 25; seed++ {
			t.Run(fmt.Sprintf("cache%d/seed%d", size, seed), func(t *testing.T) {
				gossip(t, seed, conflict.LastWriteWinsStrategy(), size, 120)
			})
		}
	}
}
