package network

import (
	"testing"

	"github.com/hmatuschek/overlaynet/identifier"
)

func TestNewNetworkDistinctIDs(t *testing.T) {
	local, _ := identifier.Random()
	root := New(Root, local)
	sub := New("chat-overlay", local)
	if root.ID.Equal(sub.ID) {
		t.Fatal("root and sub-network produced the same network ID")
	}
}

func TestServiceIDScopedPerNetwork(t *testing.T) {
	local, _ := identifier.Random()
	root := New(Root, local)
	sub := New("chat-overlay", local)

	if root.ServiceID("chat").Equal(sub.ServiceID("chat")) {
		t.Fatal("same service name in different networks collided")
	}
}

func TestNetworkOwnsIndependentBuckets(t *testing.T) {
	local, _ := identifier.Random()
	a := New(Root, local)
	b := New("other", local)
	if a.Buckets == b.Buckets {
		t.Fatal("networks must not share a routing table")
	}
}
