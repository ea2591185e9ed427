// Package search implements the iterative lookup state machine described
// in spec.md §4.G: given a target identifier, repeatedly ask the
// currently-nearest unqueried node for its own nearest neighbours until
// the search's termination condition is met.
package search

import (
	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/kbucket"
)

// Kind distinguishes the two search termination rules spec.md §4.G
// describes: a find-node search stops as soon as the exact target
// appears in best, while a neighbourhood search keeps querying until
// next() runs out of unqueried candidates.
type Kind int

const (
	// FindNode stops once the exact target identifier is found.
	FindNode Kind = iota
	// FindNeighbours collects the K nearest nodes to target and keeps
	// querying until the candidate set is exhausted.
	FindNeighbours
)

// Query is one in-flight iterative lookup.
type Query struct {
	Target  identifier.Identifier
	Kind    Kind
	best    []candidateState
	queried map[identifier.Identifier]bool

	done      bool
	succeeded bool
}

type candidateState struct {
	record  kbucket.Record
	queried bool
}

// New creates a query for target, seeded with the local bucket's nearest
// records (spec.md §4.G: "seed best from the local bucket's nearest").
func New(target identifier.Identifier, kind Kind, seed []kbucket.Record) *Query {
	q := &Query{
		Target:  target,
		Kind:    kind,
		queried: make(map[identifier.Identifier]bool),
	}
	for _, r := range seed {
		q.insert(r)
	}
	return q
}

func (q *Query) insert(r kbucket.Record) {
	if q.queried[r.ID] {
		return
	}
	for _, c := range q.best {
		if c.record.ID.Equal(r.ID) {
			return
		}
	}
	dist := q.Target.Xor(r.ID)
	i := 0
	for i < len(q.best) && q.Target.Xor(q.best[i].record.ID).Less(dist) {
		i++
	}
	q.best = append(q.best, candidateState{})
	copy(q.best[i+1:], q.best[i:])
	q.best[i] = candidateState{record: r}
	if len(q.best) > kbucket.K {
		q.best = q.best[:kbucket.K]
	}
}

// Update folds a batch of returned triples into the working set. Nodes
// already marked queried are ignored (spec.md §4.G). The Query does not
// know the local identifier; Node drops its own identifier from a SEARCH
// response before calling Update.
func (q *Query) Update(nodes []kbucket.Record) {
	for _, n := range nodes {
		if q.queried[n.ID] {
			continue
		}
		q.insert(n)
	}
	if q.Kind == FindNode {
		for _, c := range q.best {
			if c.record.ID.Equal(q.Target) {
				q.done = true
				q.succeeded = true
				return
			}
		}
	}
}

// Next returns the first candidate in best not yet queried, marking it
// queried. It returns false once the search has stalled: every candidate
// has already been asked and nothing new has arrived. A stalled
// FindNeighbours query completes successfully; a stalled FindNode query,
// which never saw its target, completes as failed.
func (q *Query) Next() (kbucket.Record, bool) {
	for i := range q.best {
		if !q.best[i].queried {
			q.best[i].queried = true
			q.queried[q.best[i].record.ID] = true
			return q.best[i].record, true
		}
	}
	if !q.done {
		q.done = true
		q.succeeded = q.Kind == FindNeighbours
	}
	return kbucket.Record{}, false
}

// IsComplete reports whether the query has reached its termination
// condition.
func (q *Query) IsComplete() bool { return q.done }

// Succeeded reports whether a completed query ended in success.
func (q *Query) Succeeded() bool { return q.done && q.succeeded }

// Failed reports whether a completed query ended in failure: it never
// found the target and no candidates remain that could have led to it.
func (q *Query) Failed() bool { return q.done && !q.succeeded }

// Fail marks the query as having exhausted its retry budget without
// completing (e.g. every outstanding request timed out).
func (q *Query) Fail() {
	q.done = true
	q.succeeded = false
}

// Results returns the current best set, nearest first.
func (q *Query) Results() []kbucket.Record {
	out := make([]kbucket.Record, len(q.best))
	for i, c := range q.best {
		out[i] = c.record
	}
	return out
}
