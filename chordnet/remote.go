package chordnet

import (
	"multichord/id"
	"multichord/rpcmsg"
)

// RemoteNode is the (Id, Address) pair of spec.md §3. Its wire encoding
// is rpcmsg's concern; chordnet only ever moves values of this type.
type RemoteNode = rpcmsg.RemoteNode

// bestRemoteNode picks the element of candidates whose id spec.md §4.1
// calls "closest to target from below" (minimum clockwise-backward
// distance, ties broken by lowest raw id), matching id.ClosestTo.
func bestRemoteNode(target id.Id, candidates []RemoteNode) (RemoteNode, bool) {
	if len(candidates) == 0 {
		return RemoteNode{}, false
	}
	ids := make([]id.Id, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	best, ok := id.ClosestTo(target, ids)
	if !ok {
		return RemoteNode{}, false
	}
	for _, c := range candidates {
		if c.ID.Equal(best) {
			return c, true
		}
	}
	return RemoteNode{}, false
}
