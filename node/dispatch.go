package node

import (
	"net"
	"time"

	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/securestream"
	"github.com/hmatuschek/overlaynet/wire"
)

// handleDatagram classifies an inbound UDP datagram by its cookie and
// routes it to an open session, a pending request's response handler, or
// a new-request handler (spec.md §4.D "Request/response dispatch").
func (n *Node) handleDatagram(data []byte, addr *net.UDPAddr) {
	n.datagramsRecv.Add(1)

	cookie, err := wire.Cookie(data)
	if err != nil {
		return // too short to even carry a cookie; drop
	}

	if _, ok := n.streams[cookie]; ok {
		n.handleSessionDatagram(cookie, data, addr)
		return
	}
	if _, ok := n.connections[cookie]; ok {
		n.handleSessionDatagram(cookie, data, addr)
		return
	}

	if req, ok := n.takePending(cookie); ok {
		n.handleResponse(req, data, addr)
		return
	}

	typ, err := wire.MessageType(data)
	if err != nil {
		return // neither a known session nor a long-enough new request
	}
	switch typ {
	case wire.TypePing:
		n.handlePingRequest(cookie, data, addr)
	case wire.TypeSearch:
		n.handleSearchRequest(cookie, data, addr)
	case wire.TypeConnect:
		n.handleConnectRequest(cookie, data, addr)
	case wire.TypeRendezvous:
		n.handleRendezvousNotification(data, addr)
	default:
		// Unknown cookie and unknown type: drop (spec.md §4.D failure
		// semantics).
	}
}

func (n *Node) handleSessionDatagram(cookie identifier.Identifier, data []byte, addr *net.UDPAddr) {
	if s, ok := n.streams[cookie]; ok {
		if err := s.HandleRecord(data, time.Now()); err != nil {
			n.logger.Debug("node: session datagram rejected", "cookie", cookie, "error", err)
		}
		if s.State() == securestream.Closed {
			n.closeSession(cookie)
		}
		return
	}
	if sock, ok := n.connections[cookie]; ok {
		if _, err := sock.Decrypt(data); err != nil {
			n.logger.Debug("node: session datagram failed to decrypt", "cookie", cookie, "error", err)
		}
	}
}

func (n *Node) closeSession(cookie identifier.Identifier) {
	delete(n.streams, cookie)
	delete(n.connections, cookie)
}

// handleResponse dispatches a response datagram to the pending request's
// type-specific handler (spec.md §4.D).
func (n *Node) handleResponse(req *pendingRequest, data []byte, addr *net.UDPAddr) {
	switch req.kind {
	case reqPing:
		n.handlePingResponse(req, data, addr)
	case reqSearch:
		n.handleSearchResponse(req, data, addr)
	case reqConnect:
		n.handleConnectResponse(req, data, addr)
	}
}
