package node

import (
	"net"
	"testing"
	"time"

	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/network"
	"github.com/hmatuschek/overlaynet/wire"
)

func newRawUDPConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPing(t *testing.T, conn *net.UDPConn) (senderID, netID [20]byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	size, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	s, n, err := wire.DecodePing(buf[:size])
	if err != nil {
		t.Fatalf("DecodePing: %v", err)
	}
	return [20]byte(s), [20]byte(n)
}

// TestRendezvousPunchBackDirect covers the case where a node receives a
// RENDEZVOUS notification naming itself straight from the requester (the
// payload still carries the {0,0} placeholder, spec.md §4.D): it should
// reply with a PING to the packet's actual sender.
func TestRendezvousPunchBackDirect(t *testing.T) {
	c := newTestNode(t)
	requester := newRawUDPConn(t)

	cookie, err := identifier.Random()
	if err != nil {
		t.Fatal(err)
	}
	msg := wire.EncodeRendezvous(cookie, c.LocalID(), net.IPv4zero, 0)
	if _, err := requester.WriteToUDP(msg, testAddr(t, c)); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	senderID, _ := readPing(t, requester)
	if senderID != [20]byte(c.LocalID()) {
		t.Fatalf("punch-back PING sender = %x, want c's id %x", senderID, c.LocalID())
	}
}

// TestRendezvousForwardsAndPunchesBackToRequester covers the full 3-party
// flow: a requester notifies an intermediate node that is not the target;
// the intermediate forwards to the target with the requester's observed
// address filled in; the target replies directly to the requester, not
// to the intermediate (spec.md §4.D).
func TestRendezvousForwardsAndPunchesBackToRequester(t *testing.T) {
	target := newTestNode(t)
	intermediate := newTestNode(t)
	requester := newRawUDPConn(t)

	// Give the intermediate a verified record for target, as it would
	// have from ordinary routing-table maintenance.
	intermediate.Do(func(n *Node) { n.Ping(network.Root, target.LocalID(), testAddr(t, target)) })
	if !waitFor(t, time.Second, func() bool { return contains(intermediate, target.LocalID()) }) {
		t.Fatal("intermediate never verified target")
	}

	cookie, err := identifier.Random()
	if err != nil {
		t.Fatal(err)
	}
	msg := wire.EncodeRendezvous(cookie, target.LocalID(), net.IPv4zero, 0)
	if _, err := requester.WriteToUDP(msg, testAddr(t, intermediate)); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	senderID, _ := readPing(t, requester)
	if senderID != [20]byte(target.LocalID()) {
		t.Fatalf("punch-back PING sender = %x, want target's id %x", senderID, target.LocalID())
	}
}
