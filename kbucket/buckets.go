package kbucket

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hmatuschek/overlaynet/identifier"
)

// Buckets is the routing table for one local identifier. It owns an
// ordered list of buckets covering the full [0, 160) distance space and
// is safe for concurrent add/remove/lookup (spec.md §3: "lookups are
// stable under concurrent add/remove").
type Buckets struct {
	mu    sync.RWMutex
	local identifier.Identifier
	list  []*bucket // ordered ascending by prefix; list[len-1] extends to 160
}

// New creates a Buckets routing table for the given local identifier,
// starting as a single bucket spanning the whole distance space.
func New(local identifier.Identifier) *Buckets {
	return &Buckets{
		local: local,
		list:  []*bucket{newBucket(0)},
	}
}

// indexFor returns the index into b.list of the bucket that covers the
// given leading-bit distance. Caller must hold b.mu.
func (b *Buckets) indexFor(leadingBit int) int {
	// list is sorted ascending by prefix; find the last bucket whose
	// prefix is <= leadingBit.
	idx := sort.Search(len(b.list), func(i int) bool {
		return b.list[i].prefix > leadingBit
	})
	return idx - 1
}

// isLastBucket encodes the standard Kademlia refinement rule: since the
// local identifier's distance to itself never resolves to a finite
// leading-bit index (it is the Distance-is-zero sentinel, spec.md §4.A),
// the only bucket whose prefix range can be said to "cover the local ID"
// is the open-ended last bucket; every other bucket has a fixed width and
// can never contain that sentinel.
func (b *Buckets) isLastBucket(idx int) bool {
	return idx == len(b.list)-1
}

// Add inserts or refreshes a verified record. Returns true if a new
// verified record entered the table (spec.md §4.C).
func (b *Buckets) Add(id identifier.Identifier, addr net.IP, port uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(id, addr, port, time.Now())
}

func (b *Buckets) addLocked(id identifier.Identifier, addr net.IP, port uint16, now time.Time) bool {
	if id.Equal(b.local) {
		return false
	}
	leadingBit := b.local.Xor(id).LeadingBit()

	for {
		idx := b.indexFor(leadingBit)
		bk := b.list[idx]

		if existing, ok := bk.records[id]; ok {
			existing.Addr = addr
			existing.Port = port
			existing.LastSeen = now
			existing.LostPings = 0
			delete(bk.candidates, id)
			return false
		}

		if !bk.full() {
			bk.records[id] = &Record{ID: id, Addr: addr, Port: port, LastSeen: now}
			delete(bk.candidates, id)
			return true
		}

		if b.isLastBucket(idx) && bk.prefix < identifier.Size*8-1 {
			b.split(idx)
			continue // retry insert into the freshly split half
		}

		// Evict policy: prefer the least-recently-seen record with at
		// least one lost ping; otherwise drop the newcomer silently.
		if victim := bk.findEvictable(); victim != nil {
			delete(bk.records, victim.ID)
			bk.records[id] = &Record{ID: id, Addr: addr, Port: port, LastSeen: now}
			delete(bk.candidates, id)
			return true
		}
		return false
	}
}

// findEvictable returns the least-recently-seen record with at least one
// lost ping, or nil if no record qualifies for eviction.
func (bk *bucket) findEvictable() *Record {
	var victim *Record
	for _, r := range bk.records {
		if r.LostPings < MinLostPingsForEviction {
			continue
		}
		if victim == nil || r.LastSeen.Before(victim.LastSeen) {
			victim = r
		}
	}
	return victim
}

// split divides the bucket at list[idx] (which must be the last bucket)
// into two buckets at finer prefix resolution and re-homes its records.
func (b *Buckets) split(idx int) {
	old := b.list[idx]
	lower := newBucket(old.prefix)
	upper := newBucket(old.prefix + 1)

	for id, r := range old.records {
		lb := b.local.Xor(id).LeadingBit()
		if lb == old.prefix {
			lower.records[id] = r
		} else {
			upper.records[id] = r
		}
	}
	for id, r := range old.candidates {
		lb := b.local.Xor(id).LeadingBit()
		if lb == old.prefix {
			lower.candidates[id] = r
		} else {
			upper.candidates[id] = r
		}
	}

	b.list[idx] = lower
	b.list = append(b.list, upper)
}

// AddCandidate records an unverified sighting of id. It never evicts a
// verified record, and is a no-op if id is already present as either a
// candidate or a verified record (spec.md §4.C).
func (b *Buckets) AddCandidate(id identifier.Identifier, addr net.IP, port uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id.Equal(b.local) {
		return
	}
	leadingBit := b.local.Xor(id).LeadingBit()
	idx := b.indexFor(leadingBit)
	bk := b.list[idx]
	if _, ok := bk.records[id]; ok {
		return
	}
	if _, ok := bk.candidates[id]; ok {
		return
	}
	bk.candidates[id] = &Record{ID: id, Addr: addr, Port: port}
}

// Contains reports whether id has a verified record in the table.
func (b *Buckets) Contains(id identifier.Identifier) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.getVerifiedLocked(id)
	return ok
}

// GetNode returns the verified record for id, if any.
func (b *Buckets) GetNode(id identifier.Identifier) (Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.getVerifiedLocked(id)
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (b *Buckets) getVerifiedLocked(id identifier.Identifier) (*Record, bool) {
	leadingBit := b.local.Xor(id).LeadingBit()
	idx := b.indexFor(leadingBit)
	if idx < 0 {
		return nil, false
	}
	r, ok := b.list[idx].records[id]
	return r, ok
}

// GetNearest returns up to n verified records sorted by ascending XOR
// distance to id (spec.md §4.C: "always sorted by distance when queried").
func (b *Buckets) GetNearest(id identifier.Identifier, n int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	all := make([]Record, 0, n*2)
	for _, bk := range b.list {
		for _, r := range bk.records {
			all = append(all, *r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		di := id.Xor(all[i].ID)
		dj := id.Xor(all[j].ID)
		return di.Less(dj)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// GetOlderThan appends every verified record last seen more than age ago
// to out and returns the extended slice (spec.md §4.C maintenance hook).
func (b *Buckets) GetOlderThan(age time.Duration, out []Record) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cutoff := time.Now().Add(-age)
	for _, bk := range b.list {
		for _, r := range bk.records {
			if r.LastSeen.Before(cutoff) {
				out = append(out, *r)
			}
		}
	}
	return out
}

// RemoveOlderThan deletes every verified record last seen more than age
// ago and returns how many were removed (spec.md §4.C maintenance hook).
func (b *Buckets) RemoveOlderThan(age time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, bk := range b.list {
		for id, r := range bk.records {
			if r.LastSeen.Before(cutoff) {
				delete(bk.records, id)
				removed++
			}
		}
	}
	return removed
}

// PingLost increments the lost-ping counter for id, making it eligible
// for eviction once the counter reaches MinLostPingsForEviction.
func (b *Buckets) PingLost(id identifier.Identifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.getVerifiedLocked(id)
	if !ok {
		return
	}
	r.LostPings++
}

// VerifiedCount returns the total number of verified records across all
// buckets — used by the maintenance loop's "last neighbour gone" check.
func (b *Buckets) VerifiedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, bk := range b.list {
		n += len(bk.records)
	}
	return n
}
