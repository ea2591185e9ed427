package kbucket

import (
	"net"
	"testing"
	"time"

	"github.com/hmatuschek/overlaynet/identifier"
)

func mustRandom(t *testing.T) identifier.Identifier {
	t.Helper()
	id, err := identifier.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	return id
}

func TestAddThenContains(t *testing.T) {
	local := mustRandom(t)
	b := New(local)
	peer := mustRandom(t)

	if !b.Add(peer, net.ParseIP("127.0.0.1"), 9000) {
		t.Fatal("Add reported no new verified record")
	}
	if !b.Contains(peer) {
		t.Fatal("Contains false after Add")
	}
	rec, ok := b.GetNode(peer)
	if !ok {
		t.Fatal("GetNode missing after Add")
	}
	if rec.Port != 9000 {
		t.Fatalf("port = %d, want 9000", rec.Port)
	}
}

func TestAddRefreshesExisting(t *testing.T) {
	local := mustRandom(t)
	b := New(local)
	peer := mustRandom(t)

	b.Add(peer, net.ParseIP("10.0.0.1"), 1)
	again := b.Add(peer, net.ParseIP("10.0.0.2"), 2)
	if again {
		t.Fatal("re-adding an existing peer should not report a new record")
	}
	rec, _ := b.GetNode(peer)
	if rec.Port != 2 {
		t.Fatalf("port not refreshed: got %d", rec.Port)
	}
}

func TestAddCandidateNeverEvictsVerified(t *testing.T) {
	local := mustRandom(t)
	b := New(local)
	peer := mustRandom(t)

	b.Add(peer, net.ParseIP("1.2.3.4"), 10)
	b.AddCandidate(peer, net.ParseIP("9.9.9.9"), 99)

	rec, ok := b.GetNode(peer)
	if !ok {
		t.Fatal("verified record disappeared")
	}
	if rec.Port != 10 {
		t.Fatalf("AddCandidate overwrote a verified record: port=%d", rec.Port)
	}
}

func TestGetNearestSortedAndBounded(t *testing.T) {
	local := mustRandom(t)
	b := New(local)
	target := mustRandom(t)

	var peers []identifier.Identifier
	for i := 0; i < 50; i++ {
		p := mustRandom(t)
		peers = append(peers, p)
		b.Add(p, net.ParseIP("127.0.0.1"), uint16(i+1))
	}

	nearest := b.GetNearest(target, K)
	if len(nearest) > K {
		t.Fatalf("GetNearest returned %d records, want <= %d", len(nearest), K)
	}
	for i := 1; i < len(nearest); i++ {
		prev := target.Xor(nearest[i-1].ID)
		cur := target.Xor(nearest[i].ID)
		if cur.Less(prev) {
			t.Fatalf("GetNearest not sorted ascending by distance at index %d", i)
		}
	}
}

func TestBucketNeverExceedsK(t *testing.T) {
	local := identifier.Identifier{}
	b := New(local)

	// Insert many random peers: about half of them fall at leading bit 0
	// and fill the far bucket, while the rest keep filling the last bucket
	// and force it to split repeatedly.
	for i := 0; i < 200; i++ {
		p := mustRandom(t)
		b.Add(p, net.ParseIP("127.0.0.1"), uint16(i%65535+1))
	}
	for _, bk := range b.list {
		if len(bk.records) > K {
			t.Fatalf("bucket at prefix %d holds %d records, want <= %d", bk.prefix, len(bk.records), K)
		}
	}
}

func TestPingLostThenEviction(t *testing.T) {
	local := identifier.Identifier{}
	b := New(local)

	// Fill a bucket to capacity with IDs far from local (top bit set, so
	// leading bit 0). The newcomer below splits the last bucket once, but
	// all K records stay in the prefix-0 half, which is no longer the last
	// bucket and may not split again, so the eviction path is exercised.
	var ids []identifier.Identifier
	for i := 0; i < K; i++ {
		var id identifier.Identifier
		id[0] = 0x80
		id[19] = byte(i + 1)
		ids = append(ids, id)
		b.Add(id, net.ParseIP("127.0.0.1"), uint16(i+1))
	}

	// Age and fail-ping the first record so it becomes the eviction victim.
	// GetNode returns a copy, so the table's own record is aged directly.
	rec, ok := b.getVerifiedLocked(ids[0])
	if !ok {
		t.Fatal("missing record")
	}
	rec.LastSeen = time.Now().Add(-time.Hour)
	b.PingLost(ids[0])

	newcomer := identifier.Identifier{}
	newcomer[0] = 0x80
	newcomer[19] = byte(K + 1)
	if !b.Add(newcomer, net.ParseIP("127.0.0.1"), 111) {
		t.Fatal("expected eviction to make room for the newcomer")
	}
	if b.Contains(ids[0]) {
		t.Fatal("expected the lost-ping record to have been evicted")
	}
	if !b.Contains(newcomer) {
		t.Fatal("newcomer was not inserted after eviction")
	}
}

func TestRemoveOlderThan(t *testing.T) {
	local := mustRandom(t)
	b := New(local)
	peer := mustRandom(t)
	b.Add(peer, net.ParseIP("127.0.0.1"), 1)

	// GetNode returns a copy, so the table's own record is aged directly.
	rec, _ := b.getVerifiedLocked(peer)
	rec.LastSeen = time.Now().Add(-time.Hour)

	removed := b.RemoveOlderThan(time.Minute)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if b.Contains(peer) {
		t.Fatal("record should have been removed")
	}
}

func TestVerifiedCount(t *testing.T) {
	local := mustRandom(t)
	b := New(local)
	if b.VerifiedCount() != 0 {
		t.Fatal("fresh table should have zero verified records")
	}
	b.Add(mustRandom(t), net.ParseIP("127.0.0.1"), 1)
	b.Add(mustRandom(t), net.ParseIP("127.0.0.1"), 2)
	if b.VerifiedCount() != 2 {
		t.Fatalf("VerifiedCount = %d, want 2", b.VerifiedCount())
	}
}
