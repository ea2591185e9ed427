// Package kbucket implements the Kademlia-style routing table: a set of
// buckets keyed by XOR-distance prefix to the local identifier, each
// holding up to K peer records (spec.md §3, §4.C).
package kbucket

import (
	"net"
	"time"

	"github.com/hmatuschek/overlaynet/identifier"
)

// K is the maximum number of verified records a single bucket holds.
const K = 8

// MinLostPingsForEviction is the lost-ping count a record must reach
// before it becomes eligible for eviction on the next insert into a full
// bucket (spec.md §4.C: "prefer least-recently-seen with ≥1 lost ping").
const MinLostPingsForEviction = 1

// Record is a routing-table entry for one peer.
//
// A record with a zero LastSeen is a "candidate" — heard of via a SEARCH
// response but never itself verified by a PING round trip. Only verified
// records are ever returned from lookups (spec.md §3).
type Record struct {
	ID        identifier.Identifier
	Addr      net.IP
	Port      uint16
	LastSeen  time.Time // zero value means "candidate, unverified"
	LostPings int
}

// Verified reports whether the record has been confirmed live.
func (r Record) Verified() bool {
	return !r.LastSeen.IsZero()
}

// bucket is an unordered set of records whose distance to the local ID
// has a leading-bit index >= prefix. It is bounded to K verified records;
// candidates are tracked in a small side list that is never counted
// against the bound and never evicts a verified record.
type bucket struct {
	prefix     int
	records    map[identifier.Identifier]*Record
	candidates map[identifier.Identifier]*Record
}

func newBucket(prefix int) *bucket {
	return &bucket{
		prefix:     prefix,
		records:    make(map[identifier.Identifier]*Record),
		candidates: make(map[identifier.Identifier]*Record),
	}
}

func (b *bucket) full() bool {
	return len(b.records) >= K
}
