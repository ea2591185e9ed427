// Package node implements the routing and datagram demultiplexer at the
// centre of an overlay node (spec.md §4.D): it owns the UDP socket, the
// pending-request table, the service registry, and the per-network
// routing tables, and drives PING/SEARCH/CONNECT/RENDEZVOUS dispatch plus
// maintenance out of a single event-loop goroutine (spec.md §5,
// SPEC_FULL.md §7).
package node

import (
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/identity"
	"github.com/hmatuschek/overlaynet/network"
	"github.com/hmatuschek/overlaynet/search"
	"github.com/hmatuschek/overlaynet/securesocket"
	"github.com/hmatuschek/overlaynet/securestream"
)

// rendezvousJob tracks a Rendezvous call awaiting its neighbourhood
// search to complete, at which point the 500ms maintenance tick emits
// RENDEZVOUS notifications to every discovered node (spec.md §4.D).
type rendezvousJob struct {
	prefix string
	target identifier.Identifier
	query  *search.Query
}

// ServiceHandler is invoked on the event-loop goroutine once an inbound
// CONNECT for a registered service completes its handshake; stream is the
// Secure Stream layered atop the newly-established Secure Socket.
// Handlers must not block (spec.md §5).
type ServiceHandler func(n *Node, peerID identifier.Identifier, stream *securestream.Stream)

// ErrServiceExists is returned by RegisterService for a name already in
// use (spec.md §4.D).
var ErrServiceExists = fmt.Errorf("node: service already registered")

// ErrHandshakeTimeout is handed to a StartConnection callback when no
// CONNECT response arrives within RequestTimeout.
var ErrHandshakeTimeout = fmt.Errorf("node: connect handshake timed out")

type packet struct {
	data []byte
	addr *net.UDPAddr
}

// Node is one participant in the overlay. Create it with New, join one or
// more networks with JoinNetwork, then run its event loop with Run in its
// own goroutine. Node's internal state — routing tables, pending
// requests, sessions, streams — has a single writer: the Run goroutine.
// Methods like Ping, FindNode, FindNeighbours, StartConnection, and
// Rendezvous touch that state directly and must either be called from
// within the loop itself (a ServiceHandler, which Run invokes on its own
// goroutine) or wrapped in Do by any other caller (spec.md §5). Do,
// Close, and the counters in stats.go are the exceptions: they are safe
// to call from any goroutine, Do by construction and the counters by
// routing through Do internally.
type Node struct {
	identity *identity.Identity
	localID  identifier.Identifier
	conn     *net.UDPConn
	logger   *slog.Logger

	networks    map[string]*network.Network
	pending     map[identifier.Identifier]*pendingRequest
	connections map[identifier.Identifier]*securesocket.Socket
	streams     map[identifier.Identifier]*securestream.Stream
	services    map[identifier.Identifier]ServiceHandler

	searchLimiters map[string]*rate.Limiter

	pendingRendezvous []rendezvousJob

	commands chan func(*Node)
	packets  chan packet
	stop     chan struct{}

	datagramsSent expvar.Int
	datagramsRecv expvar.Int
	retransmits   expvar.Int

	// lastSent/lastRecv/lastStatsAt/sentRate/recvRate back the 5s
	// updateIOStats sampler (SPEC_FULL.md §6 "I/O rate statistics").
	lastSent, lastRecv         int64
	lastStatsAt                time.Time
	sentRate, recvRate         float64

	hadVerifiedNeighbour bool

	// RendezvousKeepalive enables the 10s NAT-keepalive ping loop
	// against the K nearest neighbours (spec.md §4.D).
	RendezvousKeepalive bool

	// OnDisconnected fires when the last verified neighbour in the root
	// network disappears (spec.md §4.D "disconnected" event;
	// SPEC_FULL.md §6 "node_disconnected").
	OnDisconnected func()
}

// New creates a Node bound to conn, identified by id. logger defaults to
// slog.Default() if nil (matching the teacher's nil-logger convention).
func New(id *identity.Identity, conn *net.UDPConn, logger *slog.Logger) (*Node, error) {
	fp, err := id.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("node: compute local fingerprint: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		identity:       id,
		localID:        fp,
		conn:           conn,
		logger:         logger,
		networks:       make(map[string]*network.Network),
		pending:        make(map[identifier.Identifier]*pendingRequest),
		connections:    make(map[identifier.Identifier]*securesocket.Socket),
		streams:        make(map[identifier.Identifier]*securestream.Stream),
		services:       make(map[identifier.Identifier]ServiceHandler),
		searchLimiters: make(map[string]*rate.Limiter),
		commands:       make(chan func(*Node), 64),
		packets:        make(chan packet, 256),
		stop:           make(chan struct{}),
		lastStatsAt:    time.Now(),
	}
	n.networks[network.Root] = network.New(network.Root, fp)
	return n, nil
}

// LocalID is this node's public fingerprint.
func (n *Node) LocalID() identifier.Identifier { return n.localID }

// JoinNetwork adds a sub-network namespace (spec.md §4.H). Safe to call
// before Run starts; after that, call it like any other command via Do.
func (n *Node) JoinNetwork(prefix string) {
	if _, ok := n.networks[prefix]; ok {
		return
	}
	n.networks[prefix] = network.New(prefix, n.localID)
}

// Do marshals fn onto the event-loop goroutine, blocking the caller until
// it has run. Use this for anything that touches Node-owned state from
// outside the loop.
func (n *Node) Do(fn func(*Node)) {
	done := make(chan struct{})
	n.commands <- func(n *Node) {
		fn(n)
		close(done)
	}
	<-done
}

// Close stops the event loop and closes the UDP socket.
func (n *Node) Close() error {
	close(n.stop)
	return n.conn.Close()
}

// Run drives the event loop until Close is called. It must be run in its
// own goroutine; all Node state mutation happens here (spec.md §5).
func (n *Node) Run() {
	go n.readLoop()

	maintain100ms := time.NewTicker(100 * time.Millisecond)
	maintain500ms := time.NewTicker(500 * time.Millisecond)
	maintain60s := time.NewTicker(60 * time.Second)
	maintain10s := time.NewTicker(10 * time.Second)
	maintain5s := time.NewTicker(5 * time.Second)
	defer maintain100ms.Stop()
	defer maintain500ms.Stop()
	defer maintain60s.Stop()
	defer maintain10s.Stop()
	defer maintain5s.Stop()

	for {
		select {
		case <-n.stop:
			n.shutdown()
			return
		case p := <-n.packets:
			n.handleDatagram(p.data, p.addr)
		case cmd := <-n.commands:
			cmd(n)
		case <-maintain100ms.C:
			n.tickStreams()
		case <-maintain500ms.C:
			n.expirePendingRequests()
		case <-maintain60s.C:
			n.refreshStaleNeighbours()
		case <-maintain10s.C:
			if n.RendezvousKeepalive {
				n.keepaliveNearestNeighbours()
			}
		case <-maintain5s.C:
			n.updateIOStats()
		}
	}
}

// tickStreams drives every open stream's packet timer (spec.md §4.F: "at
// least as often as the shortest cadence, 100 ms"), counting any
// retransmission Tick performs toward the node's observable retransmit
// count (spec.md §4.J).
func (n *Node) tickStreams() {
	now := time.Now()
	for _, s := range n.streams {
		resent, err := s.Tick(now)
		if err != nil {
			n.logger.Warn("node: stream tick error", "error", err)
			continue
		}
		if resent {
			n.retransmits.Add(1)
		}
	}
}

func (n *Node) shutdown() {
	for _, req := range n.pending {
		if req.kind == reqConnect && req.onConnect != nil {
			req.onConnect(nil, fmt.Errorf("node: closed while request was pending"))
		}
	}
	n.pending = nil
	n.connections = nil
	n.streams = nil
}

func (n *Node) readLoop() {
	buf := make([]byte, 65536)
	for {
		size, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
			}
			n.logger.Warn("node: udp read error", "error", err)
			continue
		}
		data := make([]byte, size)
		copy(data, buf[:size])
		select {
		case n.packets <- packet{data: data, addr: addr}:
		case <-n.stop:
			return
		}
	}
}

func (n *Node) send(b []byte, addr *net.UDPAddr) {
	if _, err := n.conn.WriteToUDP(b, addr); err != nil {
		n.logger.Warn("node: udp write error", "error", err, "addr", addr)
		return
	}
	n.datagramsSent.Add(1)
}
