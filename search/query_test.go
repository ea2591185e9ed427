package search

import (
	"testing"

	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/kbucket"
)

func mustID(t *testing.T) identifier.Identifier {
	t.Helper()
	id, err := identifier.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	return id
}

func TestFindNodeCompletesWhenTargetAppears(t *testing.T) {
	target := mustID(t)
	seed := []kbucket.Record{{ID: mustID(t)}, {ID: mustID(t)}}
	q := New(target, FindNode, seed)

	if q.IsComplete() {
		t.Fatal("should not be complete before target is seen")
	}
	q.Update([]kbucket.Record{{ID: target}})
	if !q.IsComplete() || !q.Succeeded() {
		t.Fatal("expected find-node query to complete successfully once target appears")
	}
}

func TestFindNeighboursCompletesWhenExhausted(t *testing.T) {
	target := mustID(t)
	a, b := mustID(t), mustID(t)
	q := New(target, FindNeighbours, []kbucket.Record{{ID: a}, {ID: b}})

	first, ok := q.Next()
	if !ok {
		t.Fatal("expected a first candidate")
	}
	second, ok := q.Next()
	if !ok {
		t.Fatal("expected a second candidate")
	}
	if first.ID.Equal(second.ID) {
		t.Fatal("Next returned the same candidate twice")
	}
	if _, ok := q.Next(); ok {
		t.Fatal("expected Next to report exhaustion")
	}
	if !q.IsComplete() || !q.Succeeded() {
		t.Fatal("expected neighbourhood query to complete once candidates are exhausted")
	}
}

func TestUpdateIgnoresQueriedNodes(t *testing.T) {
	target := mustID(t)
	a := mustID(t)
	q := New(target, FindNeighbours, []kbucket.Record{{ID: a}})
	q.Next() // marks a as queried

	before := len(q.best)
	q.Update([]kbucket.Record{{ID: a}})
	if len(q.best) != before {
		t.Fatal("Update should not re-insert an already-queried node")
	}
}

func TestUpdateTruncatesToK(t *testing.T) {
	target := identifier.Zero
	q := New(target, FindNeighbours, nil)
	nodes := make([]kbucket.Record, kbucket.K+5)
	for i := range nodes {
		nodes[i] = kbucket.Record{ID: mustID(t)}
	}
	q.Update(nodes)
	if len(q.Results()) != kbucket.K {
		t.Fatalf("best has %d entries, want at most K=%d", len(q.Results()), kbucket.K)
	}
}

func TestResultsAreSortedByDistance(t *testing.T) {
	target := identifier.Zero
	q := New(target, FindNeighbours, nil)
	nodes := make([]kbucket.Record, 5)
	for i := range nodes {
		nodes[i] = kbucket.Record{ID: mustID(t)}
	}
	q.Update(nodes)
	results := q.Results()
	for i := 1; i < len(results); i++ {
		prevDist := target.Xor(results[i-1].ID)
		curDist := target.Xor(results[i].ID)
		if curDist.Less(prevDist) {
			t.Fatalf("results not sorted by ascending distance at index %d", i)
		}
	}
}

func TestFailMarksQueryFailed(t *testing.T) {
	q := New(mustID(t), FindNode, nil)
	q.Fail()
	if !q.IsComplete() || !q.Failed() {
		t.Fatal("expected Fail to mark the query complete and failed")
	}
}
