package node

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/kbucket"
	"github.com/hmatuschek/overlaynet/network"
	"github.com/hmatuschek/overlaynet/search"
	"github.com/hmatuschek/overlaynet/securesocket"
	"github.com/hmatuschek/overlaynet/securestream"
	"github.com/hmatuschek/overlaynet/wire"
)

// searchRateLimit bounds how many SEARCH requests per second one source
// address may issue before being dropped; the wire's request-equals-
// max-response-size padding already bounds single-packet amplification,
// this adds a second, per-source guard against repeated-request
// amplification (SPEC_FULL.md §5).
const (
	searchRateLimit = 20
	searchRateBurst = 40
)

// randomSeq picks the initial outgoing sequence number for a new secure
// session from the secure RNG (spec.md §4.E: "outSeq starts from a
// random 64-bit value").
func randomSeq() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}

func (n *Node) networkByID(id identifier.Identifier) *network.Network {
	for _, nw := range n.networks {
		if nw.ID.Equal(id) {
			return nw
		}
	}
	return nil
}

func (n *Node) limiterFor(addr *net.UDPAddr) *rate.Limiter {
	key := addr.IP.String()
	lim, ok := n.searchLimiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(searchRateLimit), searchRateBurst)
		n.searchLimiters[key] = lim
	}
	return lim
}

// --- PING ---

func (n *Node) handlePingRequest(cookie identifier.Identifier, data []byte, addr *net.UDPAddr) {
	senderID, netID, err := wire.DecodePing(data)
	if err != nil {
		return
	}
	nw := n.networkByID(netID)
	if nw == nil {
		return
	}
	nw.Buckets.Add(senderID, addr.IP, uint16(addr.Port))
	n.send(wire.EncodePing(cookie, n.localID, netID), addr)
}

func (n *Node) handlePingResponse(req *pendingRequest, data []byte, addr *net.UDPAddr) {
	senderID, _, err := wire.DecodePing(data)
	if err != nil {
		return
	}
	if nw := n.networks[req.netPrefix]; nw != nil {
		nw.Buckets.Add(senderID, addr.IP, uint16(addr.Port))
	}
}

// Ping sends a PING to addr expecting id to answer, on the given network
// prefix.
func (n *Node) Ping(prefix string, id identifier.Identifier, addr *net.UDPAddr) {
	nw, ok := n.networks[prefix]
	if !ok {
		return
	}
	cookie, err := n.newCookie()
	if err != nil {
		return
	}
	n.addPending(&pendingRequest{
		cookie:    cookie,
		kind:      reqPing,
		issuedAt:  time.Now(),
		addr:      addr,
		netPrefix: prefix,
		target:    id,
	})
	n.send(wire.EncodePing(cookie, n.localID, nw.ID), addr)
}

// --- SEARCH ---

func (n *Node) handleSearchRequest(cookie identifier.Identifier, data []byte, addr *net.UDPAddr) {
	if !n.limiterFor(addr).Allow() {
		return
	}
	target, netID, err := wire.DecodeSearchRequest(data)
	if err != nil {
		return
	}
	nw := n.networkByID(netID)
	if nw == nil {
		return
	}
	nearest := nw.Buckets.GetNearest(target, kbucket.K)
	triples := make([]wire.Triple, len(nearest))
	for i, r := range nearest {
		triples[i] = wire.Triple{ID: r.ID, Addr: r.Addr, Port: r.Port}
	}
	n.send(wire.EncodeSearchResponse(cookie, triples), addr)
}

func (n *Node) handleSearchResponse(req *pendingRequest, data []byte, addr *net.UDPAddr) {
	triples, err := wire.DecodeSearchResponse(data)
	if err != nil {
		return
	}
	nw := n.networks[req.netPrefix]
	if nw == nil {
		return
	}
	records := make([]kbucket.Record, 0, len(triples))
	for _, t := range triples {
		if t.ID.Equal(n.localID) {
			continue // never search through ourselves
		}
		nw.Buckets.AddCandidate(t.ID, t.Addr, t.Port)
		records = append(records, kbucket.Record{ID: t.ID, Addr: t.Addr, Port: t.Port})
	}
	req.query.Update(records)
	n.advanceSearch(req)
}

// advanceSearch issues the next SEARCH request for req's query, or, if
// the query has completed or stalled, does nothing further — callers
// observe completion through the query itself.
func (n *Node) advanceSearch(req *pendingRequest) {
	if req.query.IsComplete() {
		return
	}
	next, ok := req.query.Next()
	if !ok {
		return
	}
	nw := n.networks[req.netPrefix]
	if nw == nil {
		return
	}
	cookie, err := n.newCookie()
	if err != nil {
		return
	}
	addr := &net.UDPAddr{IP: next.Addr, Port: int(next.Port)}
	n.addPending(&pendingRequest{
		cookie:    cookie,
		kind:      reqSearch,
		issuedAt:  time.Now(),
		addr:      addr,
		netPrefix: req.netPrefix,
		target:    req.query.Target,
		query:     req.query,
	})
	n.send(wire.EncodeSearchRequest(cookie, req.query.Target, nw.ID), addr)
}

// search starts an iterative lookup of the given kind against prefix's
// network, seeded from the local bucket's nearest records (spec.md §4.G).
func (n *Node) search(prefix string, target identifier.Identifier, kind search.Kind) *search.Query {
	nw, ok := n.networks[prefix]
	if !ok {
		return nil
	}
	seed := nw.Buckets.GetNearest(target, kbucket.K)
	q := search.New(target, kind, seed)
	cookie, err := n.newCookie()
	if err != nil {
		return q
	}
	first, ok := q.Next()
	if !ok {
		return q
	}
	addr := &net.UDPAddr{IP: first.Addr, Port: int(first.Port)}
	n.addPending(&pendingRequest{
		cookie:    cookie,
		kind:      reqSearch,
		issuedAt:  time.Now(),
		addr:      addr,
		netPrefix: prefix,
		target:    target,
		query:     q,
	})
	n.send(wire.EncodeSearchRequest(cookie, target, nw.ID), addr)
	return q
}

// FindNode looks up the node owning target, stopping as soon as the
// exact identifier is found (spec.md §4.G, SPEC_FULL.md §6).
func (n *Node) FindNode(prefix string, target identifier.Identifier) *search.Query {
	return n.search(prefix, target, search.FindNode)
}

// FindNeighbours collects the K nodes nearest to target, querying until
// the candidate set is exhausted (spec.md §4.G, SPEC_FULL.md §6).
func (n *Node) FindNeighbours(prefix string, target identifier.Identifier) *search.Query {
	return n.search(prefix, target, search.FindNeighbours)
}

// --- CONNECT ---

// RegisterService binds handler to a name, scoped to prefix's network
// (spec.md §4.D: "fails if already present"). Like JoinNetwork, call
// this before Run starts, or wrap it in Do afterward.
func (n *Node) RegisterService(prefix, name string, handler ServiceHandler) error {
	nw, ok := n.networks[prefix]
	if !ok {
		nw = network.New(prefix, n.localID)
		n.networks[prefix] = nw
	}
	id := nw.ServiceID(name)
	if _, exists := n.services[id]; exists {
		return ErrServiceExists
	}
	n.services[id] = handler
	return nil
}

func (n *Node) handleConnectRequest(cookie identifier.Identifier, data []byte, addr *net.UDPAddr) {
	serviceID, blob, err := wire.DecodeConnect(data)
	if err != nil {
		return
	}
	handler, ok := n.services[serviceID]
	if !ok {
		return
	}
	peer, err := securesocket.VerifyBlob(blob)
	if err != nil {
		n.logger.Debug("node: CONNECT handshake verification failed", "error", err)
		return
	}
	hs, err := securesocket.NewHandshake(n.identity)
	if err != nil {
		return
	}
	keys, err := hs.DeriveKeys(peer.EphemeralPub)
	if err != nil {
		hs.Close()
		return
	}
	responseBlob, err := hs.Blob()
	hs.Close()
	if err != nil {
		return
	}
	sock, err := securesocket.NewSocket(cookie, peer.Fingerprint, keys, randomSeq())
	if err != nil {
		return
	}
	stream := n.newSessionStream(cookie, sock, addr)

	n.send(wire.EncodeConnect(cookie, serviceID, responseBlob), addr)
	handler(n, peer.Fingerprint, stream)
}

func (n *Node) newSessionStream(cookie identifier.Identifier, sock *securesocket.Socket, addr *net.UDPAddr) *securestream.Stream {
	stream := securestream.New(sock, func(record []byte) error {
		_, err := n.conn.WriteToUDP(record, addr)
		if err == nil {
			n.datagramsSent.Add(1)
		}
		return err
	})
	n.connections[cookie] = sock
	n.streams[cookie] = stream
	stream.Open(time.Now())
	return stream
}

// StartConnection initiates an outbound CONNECT to targetID, expected to
// be running serviceName, at addr. onResult is invoked exactly once, with
// either an established Stream or an error (spec.md §4.D
// "start_connection").
func (n *Node) StartConnection(prefix string, targetID identifier.Identifier, addr *net.UDPAddr, serviceName string, onResult func(*securestream.Stream, error)) {
	nw, ok := n.networks[prefix]
	if !ok {
		onResult(nil, fmt.Errorf("node: unknown network %q", prefix))
		return
	}
	hs, err := securesocket.NewHandshake(n.identity)
	if err != nil {
		onResult(nil, err)
		return
	}
	blob, err := hs.Blob()
	if err != nil {
		hs.Close()
		onResult(nil, err)
		return
	}
	cookie, err := n.newCookie()
	if err != nil {
		hs.Close()
		onResult(nil, err)
		return
	}
	n.addPending(&pendingRequest{
		cookie:      cookie,
		kind:        reqConnect,
		issuedAt:    time.Now(),
		addr:        addr,
		netPrefix:   prefix,
		target:      targetID,
		handshake:   hs,
		serviceName: serviceName,
		onConnect:   onResult,
	})
	n.send(wire.EncodeConnect(cookie, nw.ServiceID(serviceName), blob), addr)
}

func (n *Node) handleConnectResponse(req *pendingRequest, data []byte, addr *net.UDPAddr) {
	defer req.handshake.Close()

	_, blob, err := wire.DecodeConnect(data)
	if err != nil {
		req.onConnect(nil, err)
		return
	}
	peer, err := securesocket.VerifyBlob(blob)
	if err != nil {
		req.onConnect(nil, err)
		return
	}
	if err := securesocket.CheckExpectedTarget(peer, req.target); err != nil {
		req.onConnect(nil, err)
		return
	}
	keys, err := req.handshake.DeriveKeys(peer.EphemeralPub)
	if err != nil {
		req.onConnect(nil, err)
		return
	}
	sock, err := securesocket.NewSocket(req.cookie, peer.Fingerprint, keys, randomSeq())
	if err != nil {
		req.onConnect(nil, err)
		return
	}
	stream := n.newSessionStream(req.cookie, sock, addr)
	req.onConnect(stream, nil)
}

// --- RENDEZVOUS ---

// Rendezvous performs a neighbourhood search for target and, once it
// completes, asks every node returned (other than self) to attempt a
// hole-punch toward it (spec.md §4.D "rendezvous protocol"). Completion
// is polled by the 500ms maintenance tick (see maintenance.go).
func (n *Node) Rendezvous(prefix string, target identifier.Identifier) {
	q := n.FindNeighbours(prefix, target)
	if q == nil {
		return
	}
	n.pendingRendezvous = append(n.pendingRendezvous, rendezvousJob{prefix: prefix, target: target, query: q})
}

func (n *Node) sendRendezvousRequests(prefix string, target identifier.Identifier, results []kbucket.Record) {
	if _, ok := n.networks[prefix]; !ok {
		return
	}
	for _, r := range results {
		if r.ID.Equal(n.localID) {
			continue
		}
		cookie, err := n.newCookie()
		if err != nil {
			return
		}
		addr := &net.UDPAddr{IP: r.Addr, Port: int(r.Port)}
		n.send(wire.EncodeRendezvous(cookie, target, net.IPv4zero, 0), addr)
	}
}

func (n *Node) handleRendezvousNotification(data []byte, addr *net.UDPAddr) {
	target, requesterIP, requesterPort, err := wire.DecodeRendezvous(data)
	if err != nil {
		return
	}
	if target.Equal(n.localID) {
		// Punch a hole back toward the original requester. A direct
		// notification from the requester itself still carries the
		// {0,0} placeholder (spec.md §4.D "RENDEZVOUS{target, 0, 0}"),
		// so the UDP sender is the requester; a forwarded one has the
		// requester's address filled in by the forwarding node instead,
		// since by then the UDP sender is that forwarder, not the
		// requester.
		requester := addr
		if requesterPort != 0 {
			requester = &net.UDPAddr{IP: requesterIP, Port: int(requesterPort)}
		}
		cookie, err := n.newCookie()
		if err != nil {
			return
		}
		root := n.networks[network.Root]
		n.send(wire.EncodePing(cookie, n.localID, root.ID), requester)
		return
	}
	for _, nw := range n.networks {
		r, ok := nw.Buckets.GetNode(target)
		if !ok {
			continue
		}
		// Forward with the requester's observed source address so the
		// target can punch back through its NAT (spec.md §4.D).
		cookie, err := n.newCookie()
		if err != nil {
			return
		}
		forwardAddr := &net.UDPAddr{IP: r.Addr, Port: int(r.Port)}
		n.send(wire.EncodeRendezvous(cookie, target, addr.IP, uint16(addr.Port)), forwardAddr)
		return
	}
	// Not in our buckets: drop silently (spec.md §4.D).
}
