// Package chorderr defines the sentinel error kinds shared by every layer
// of the DHT: transport, routing, and the controller façade.
package chorderr

import "errors"

var (
	// ErrTimeout means an RPC call received no response within its
	// deadline. Recovered locally during stabilization; surfaced by Fetch.
	ErrTimeout = errors.New("chord: rpc timeout")

	// ErrCancelled means a pending request was superseded by a newer one
	// to the same peer, or its owning virtual node was torn down. Never
	// surfaced to a caller outside the transport/chordnet boundary.
	ErrCancelled = errors.New("chord: request cancelled")

	// ErrDecodeError means a datagram failed to parse as a well-formed
	// RPC message. The datagram is dropped silently; occurrences are
	// counted, not returned, by transport.Transport.
	ErrDecodeError = errors.New("chord: malformed datagram")

	// ErrRoutingUnavailable means find_node_below_or_equal found no
	// starting point: either the pool has no local virtual nodes and no
	// bootstrap, or no local node holds a routing pointer yet and the
	// bootstrap hop failed or reported no node.
	ErrRoutingUnavailable = errors.New("chord: no route available")

	// ErrIDCollision means Host was asked to create a virtual node whose
	// id is already hosted locally.
	ErrIDCollision = errors.New("chord: id already hosted locally")

	// ErrHashMismatch means content received from a swarm member does not
	// hash to the id it was fetched for. The content is discarded.
	ErrHashMismatch = errors.New("chord: content hash does not match id")

	// ErrTransportClosed means the UDP socket has been shut down; fatal
	// at process scope.
	ErrTransportClosed = errors.New("chord: transport closed")
)
