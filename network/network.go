// Package network implements sub-network namespacing: a Network identifies
// a logical overlay by the hash of a UTF-8 prefix and owns its own routing
// table, while sharing the Node's UDP socket and secure-session machinery
// with every other Network the Node participates in (spec.md §4.H).
package network

import (
	"github.com/hmatuschek/overlaynet/identifier"
	"github.com/hmatuschek/overlaynet/kbucket"
	"github.com/hmatuschek/overlaynet/wire"
)

// Root is the empty-prefix network every Node joins implicitly.
const Root = ""

// Network is one logical overlay a Node participates in.
type Network struct {
	Prefix  string
	ID      identifier.Identifier
	Buckets *kbucket.Buckets
}

// New creates a Network for the given prefix (Root for the top-level
// overlay) rooted at the node's local identifier.
func New(prefix string, local identifier.Identifier) *Network {
	return &Network{
		Prefix:  prefix,
		ID:      hashPrefix(prefix),
		Buckets: kbucket.New(local),
	}
}

// ServiceID scopes a service name to this network by concatenating the
// prefix before hashing (spec.md §4.H).
func (n *Network) ServiceID(name string) identifier.Identifier {
	return wire.ServiceID(n.Prefix, name)
}

func hashPrefix(prefix string) identifier.Identifier {
	return wire.ServiceID("", prefix)
}
