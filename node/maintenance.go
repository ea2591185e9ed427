package node

import (
	"net"
	"time"

	"github.com/hmatuschek/overlaynet/kbucket"
	"github.com/hmatuschek/overlaynet/network"
	"github.com/hmatuschek/overlaynet/search"
)

// Maintenance cadences and thresholds (spec.md §4.C, §4.D).
const (
	staleAfter    = 15 * time.Minute
	expireAfter   = 20 * time.Minute
	rendezvousTTL = 60 * time.Second
)

// expirePendingRequests runs every 500ms: it drops requests that have
// exceeded RequestTimeout, recording a lost ping, advancing a stalled
// SEARCH to its next candidate, or failing a CONNECT's callback, and
// drains completed rendezvous jobs (spec.md §4.D).
func (n *Node) expirePendingRequests() {
	now := time.Now()
	for cookie, req := range n.pending {
		if now.Sub(req.issuedAt) < RequestTimeout {
			continue
		}
		delete(n.pending, cookie)
		switch req.kind {
		case reqPing:
			if nw := n.networks[req.netPrefix]; nw != nil {
				nw.Buckets.PingLost(req.target)
			}
		case reqSearch:
			n.advanceSearch(req)
		case reqConnect:
			req.handshake.Close()
			req.onConnect(nil, ErrHandshakeTimeout)
		}
	}

	n.drainRendezvousJobs()
}

func (n *Node) drainRendezvousJobs() {
	remaining := n.pendingRendezvous[:0]
	for _, job := range n.pendingRendezvous {
		if !job.query.IsComplete() {
			remaining = append(remaining, job)
			continue
		}
		if job.query.Succeeded() {
			n.sendRendezvousRequests(job.prefix, job.target, job.query.Results())
		}
	}
	n.pendingRendezvous = remaining
}

// refreshStaleNeighbours runs every 60s: it pings records not seen in
// staleAfter, drops records not seen in expireAfter, fires OnDisconnected
// when the root network's last verified neighbour disappears, and
// refreshes the neighbourhood by looking up the local identifier
// (spec.md §4.C "refresh").
func (n *Node) refreshStaleNeighbours() {
	for prefix, nw := range n.networks {
		stale := nw.Buckets.GetOlderThan(staleAfter, nil)
		for _, r := range stale {
			n.Ping(prefix, r.ID, &net.UDPAddr{IP: r.Addr, Port: int(r.Port)})
		}

		hadNeighbours := nw.Buckets.VerifiedCount() > 0
		nw.Buckets.RemoveOlderThan(expireAfter)
		if prefix == network.Root && hadNeighbours && nw.Buckets.VerifiedCount() == 0 {
			if n.hadVerifiedNeighbour && n.OnDisconnected != nil {
				n.OnDisconnected()
			}
			n.hadVerifiedNeighbour = false
		} else if nw.Buckets.VerifiedCount() > 0 {
			n.hadVerifiedNeighbour = true
		}

		n.search(prefix, n.localID, search.FindNeighbours)
	}
}

// keepaliveNearestNeighbours runs every 10s when RendezvousKeepalive is
// set: it pings the K nearest root-network neighbours to keep any NAT
// binding the rendezvous protocol depends on from expiring (spec.md
// §4.D "NAT keepalive").
func (n *Node) keepaliveNearestNeighbours() {
	root, ok := n.networks[network.Root]
	if !ok {
		return
	}
	for _, r := range root.Buckets.GetNearest(n.localID, kbucket.K) {
		n.Ping(network.Root, r.ID, &net.UDPAddr{IP: r.Addr, Port: int(r.Port)})
	}
}

// updateIOStats runs every 5s, exposing a coarse datagrams-per-second
// rate for external monitoring; the expvar counters themselves are
// cumulative, this just keeps a derived rate fresh.
func (n *Node) updateIOStats() {
	now := time.Now()
	sent := n.datagramsSent.Value()
	recv := n.datagramsRecv.Value()
	elapsed := now.Sub(n.lastStatsAt).Seconds()
	if elapsed <= 0 {
		return
	}
	n.sentRate = float64(sent-n.lastSent) / elapsed
	n.recvRate = float64(recv-n.lastRecv) / elapsed
	n.lastSent, n.lastRecv, n.lastStatsAt = sent, recv, now
}
