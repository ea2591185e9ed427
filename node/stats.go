package node

import "expvar"

// PendingCount returns the number of in-flight requests awaiting a
// response. Safe to call from any goroutine: it marshals onto the event
// loop like every other Node accessor (spec.md §5).
func (n *Node) PendingCount() int {
	var count int
	n.Do(func(n *Node) { count = len(n.pending) })
	return count
}

// SessionCount returns the number of established Secure Sockets
// (spec.md §4.E). Every session currently gets a Stream layered on top
// when it is established, so this equals StreamCount.
func (n *Node) SessionCount() int {
	var count int
	n.Do(func(n *Node) { count = len(n.connections) })
	return count
}

// StreamCount returns the number of open Secure Streams (spec.md §4.F).
func (n *Node) StreamCount() int {
	var count int
	n.Do(func(n *Node) { count = len(n.streams) })
	return count
}

// SentRate and RecvRate report the datagrams-per-second sampled by the
// 5s updateIOStats tick (SPEC_FULL.md §6 "I/O rate statistics").
func (n *Node) SentRate() float64 {
	var r float64
	n.Do(func(n *Node) { r = n.sentRate })
	return r
}

func (n *Node) RecvRate() float64 {
	var r float64
	n.Do(func(n *Node) { r = n.recvRate })
	return r
}

// PublishVars registers this node's counters under the process-global
// expvar namespace, each prefixed to avoid collisions when more than one
// Node runs in the same process (as the test suite does). Call once per
// Node; a second call on the same prefix panics, matching expvar's own
// duplicate-registration behavior.
func (n *Node) PublishVars(prefix string) {
	expvar.Publish(prefix+"_datagrams_sent", &n.datagramsSent)
	expvar.Publish(prefix+"_datagrams_recv", &n.datagramsRecv)
	expvar.Publish(prefix+"_retransmits", &n.retransmits)
	expvar.Publish(prefix+"_pending", expvar.Func(func() any { return n.PendingCount() }))
	expvar.Publish(prefix+"_sessions", expvar.Func(func() any { return n.SessionCount() }))
	expvar.Publish(prefix+"_streams", expvar.Func(func() any { return n.StreamCount() }))
}
