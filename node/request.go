package node

import (
	"net"
	"time"

	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/search"
	"github.com/hmatuschek/overlaynet/securesocket"
	"github.com/hmatuschek/overlaynet/securestream"
)

// RequestTimeout is how long a pending request may remain unanswered
// before the 500ms maintenance tick expires it (spec.md §4.D).
const RequestTimeout = 2 * time.Second

type requestKind int

const (
	reqPing requestKind = iota
	reqSearch
	reqConnect
)

// pendingRequest is an in-flight request awaiting a response, keyed by
// its cookie (spec.md §3 "Pending Request").
type pendingRequest struct {
	cookie   identifier.Identifier
	kind     requestKind
	issuedAt time.Time
	addr     *net.UDPAddr
	netPrefix string

	// reqPing / reqSearch
	target identifier.Identifier
	query  *search.Query

	// reqConnect (initiator side); target holds the expected peer
	// fingerprint, checked against the handshake result.
	handshake   *securesocket.Handshake
	serviceName string
	onConnect   func(*securestream.Stream, error)
}

func (n *Node) newCookie() (identifier.Identifier, error) {
	for {
		c, err := identifier.Random()
		if err != nil {
			return identifier.Identifier{}, err
		}
		if _, exists := n.pending[c]; !exists {
			return c, nil
		}
	}
}

func (n *Node) addPending(r *pendingRequest) {
	n.pending[r.cookie] = r
}

func (n *Node) takePending(cookie identifier.Identifier) (*pendingRequest, bool) {
	r, ok := n.pending[cookie]
	if ok {
		delete(n.pending, cookie)
	}
	return r, ok
}
