package chordnet

import (
	"sort"
	"sync"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"multichord/chorderr"
	"multichord/id"
	"multichord/rpcmsg"
	"multichord/transport"
)

// hopLimit is H, the bounded hop count of spec.md §4.4's safeguard (a),
// default 2m.
const hopLimit = 2 * id.M

// ListEntry is one row of spec.md §4.5's controller.list() result.
type ListEntry struct {
	ID       id.Id
	HasValue bool
}

// NodePool owns every local VirtualNode and implements
// find_node_below_or_equal without any global membership state
// (spec.md §4.4). Grounded on node.go's find_successor/
// closest_preceding_finger, but moved here from the virtual node
// because this spec's routing primitive operates pool-wide while each
// virtual node keeps only its own finger table.
type NodePool struct {
	transport *transport.Transport
	localAddr string
	timings   Timings

	mu         sync.RWMutex
	nodes      map[string]*VirtualNode
	bootstraps []RemoteNode
}

// NewNodePool wires a NodePool to an already-listening Transport and
// registers itself as that transport's Dispatcher.
func NewNodePool(t *transport.Transport, timings Timings) *NodePool {
	p := &NodePool{
		transport: t,
		localAddr: t.LocalAddr(),
		timings:   timings,
		nodes:     make(map[string]*VirtualNode),
	}
	t.SetDispatcher(p)
	return p
}

// AddBootstrap records a statically configured address used solely as
// an initial routing hop (spec.md §4.4); never stored as membership.
// Its id is unknown until the first response arrives, so it is
// recorded as id.Zero() -- the same "address known, id not yet known"
// convention the reference implementation's zero_node uses.
func (p *NodePool) AddBootstrap(addr string) {
	p.mu.Lock()
	p.bootstraps = append(p.bootstraps, RemoteNode{ID: id.Zero(), Addr: addr})
	p.mu.Unlock()
}

// HostValue creates a VirtualNode in host mode (spec.md §4.5 host):
// id = hash(value), swarm seeded with self. Fails with
// chorderr.ErrIDCollision if the id is already hosted locally.
func (p *NodePool) HostValue(value []byte) (*VirtualNode, error) {
	nodeID := id.FromContent(value)
	v, err := p.insert(nodeID, value, true)
	if err != nil {
		return nil, err
	}
	logrus.Infof("chordnet: hosting %s (%d bytes)", nodeID, len(value))
	return v, nil
}

// JoinID creates a VirtualNode in join mode (spec.md §4.5 join): id
// supplied, value absent, stabilization will pull content.
func (p *NodePool) JoinID(nodeID id.Id) (*VirtualNode, error) {
	v, err := p.insert(nodeID, nil, false)
	if err != nil {
		return nil, err
	}
	logrus.Infof("chordnet: joining %s", nodeID)
	return v, nil
}

func (p *NodePool) insert(nodeID id.Id, value []byte, hasValue bool) (*VirtualNode, error) {
	key := nodeID.String()
	p.mu.Lock()
	if _, exists := p.nodes[key]; exists {
		p.mu.Unlock()
		return nil, chorderr.ErrIDCollision
	}
	v := newVirtualNode(nodeID, p, value, hasValue)
	p.nodes[key] = v
	p.mu.Unlock()
	go v.runStabilization(p.timings)
	return v, nil
}

// Remove tears a local VirtualNode down: stabilization is cancelled at
// its next wakeup (spec.md §5's cancellation model).
func (p *NodePool) Remove(nodeID id.Id) {
	key := nodeID.String()
	p.mu.Lock()
	v, ok := p.nodes[key]
	if ok {
		delete(p.nodes, key)
	}
	p.mu.Unlock()
	if ok {
		v.stop()
	}
}

// LocalAddr returns the transport's bound address, the address other
// pools bootstrap against (useful when the process bound an ephemeral
// port, i.e. requested with ":0").
func (p *NodePool) LocalAddr() string { return p.localAddr }

// Lookup returns a locally hosted VirtualNode by id, if any.
func (p *NodePool) Lookup(nodeID id.Id) (*VirtualNode, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.nodes[nodeID.String()]
	return v, ok
}

// List implements spec.md §4.5's controller.list().
func (p *NodePool) List() []ListEntry {
	p.mu.RLock()
	nodes := make([]*VirtualNode, 0, len(p.nodes))
	for _, v := range p.nodes {
		nodes = append(nodes, v)
	}
	p.mu.RUnlock()

	out := make([]ListEntry, len(nodes))
	for i, v := range nodes {
		out[i] = ListEntry{ID: v.ID(), HasValue: v.HasValue()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Cmp(out[j].ID) < 0 })
	return out
}

// Dispatch implements transport.Dispatcher. Traffic addressed to
// id.Zero() is pool-level (spec.md's zero-swarm convention, recovered
// from the reference implementation's node_pool.py: a GetNodeRequest
// can't yet name which local virtual node should answer it, so it
// addresses the pool itself); everything else is routed to the local
// virtual node with that id, or dropped silently if none exists
// (spec.md §4.6).
func (p *NodePool) Dispatch(from RemoteNode, msg rpcmsg.Message) {
	if msg.ToID.IsZero() {
		p.dispatchZero(from, msg)
		return
	}
	v, ok := p.Lookup(msg.ToID)
	if !ok {
		logrus.Debugf("chordnet: dropping datagram for unknown local id %s", msg.ToID)
		return
	}
	v.Dispatch(from, msg)
}

func (p *NodePool) dispatchZero(from RemoteNode, msg rpcmsg.Message) {
	switch msg.Kind {
	case rpcmsg.PingRequest:
		p.transport.Send(from, rpcmsg.Message{FromID: id.Zero(), ToID: from.ID, Kind: rpcmsg.PingResponse})
	case rpcmsg.GetNodeRequest:
		node, _ := p.localAnswer(msg.QueryID)
		p.transport.Send(from, rpcmsg.Message{FromID: id.Zero(), ToID: from.ID, Kind: rpcmsg.GetNodeResponse, Node: node})
	default:
		logrus.Debugf("chordnet: dropping unexpected pool-level message kind %v", msg.Kind)
	}
}

// localAnswer asks every local VirtualNode for on_get_node(query) and
// returns the one closest to query from below, accepting the
// self-fallback as a valid answer -- this is what spec.md §4.3's
// on_get_node is used for when a remote peer asks this pool to answer
// on behalf of itself. ok is false only when the pool hosts no local
// virtual nodes at all.
func (p *NodePool) localAnswer(query id.Id) (RemoteNode, bool) {
	candidates, _ := p.collectLocalCandidates(query)
	return bestRemoteNode(query, candidates)
}

// seedForRouting is spec.md §4.4 step 1, used only for this pool's own
// outgoing find_node_below_or_equal calls: it considers only the
// informative predecessor/finger pointers, discarding the bare
// self-fallback every freshly-joined virtual node would otherwise
// offer. Grounded on the reference implementation's
// local_get_pred_or_eq, which never returns a node's own id -- that
// restriction is what lets the "Bootstrap interaction" paragraph mean
// anything: without it, a fresh join's query for its own id would
// always resolve to itself and bootstrap substitution would never
// trigger, breaking spec.md §8 scenarios (b)-(d).
func (p *NodePool) seedForRouting(query id.Id) (RemoteNode, bool) {
	_, informative := p.collectLocalCandidates(query)
	return bestRemoteNode(query, informative)
}

// collectLocalCandidates returns, for every local VirtualNode, its
// on_get_node(query) answer (first slice), and separately the subset
// of those answers that came from an actual pointer rather than the
// self-fallback (second slice).
func (p *NodePool) collectLocalCandidates(query id.Id) (all, informativeOnly []RemoteNode) {
	p.mu.RLock()
	nodes := make([]*VirtualNode, 0, len(p.nodes))
	for _, v := range p.nodes {
		nodes = append(nodes, v)
	}
	p.mu.RUnlock()

	for _, v := range nodes {
		var c RemoteNode
		var informative bool
		phony.Block(v, func() { c, informative = v.localGetNode(query) })
		all = append(all, c)
		if informative {
			informativeOnly = append(informativeOnly, c)
		}
	}
	return all, informativeOnly
}

// pickBootstrap returns a configured bootstrap whose address differs
// from the local bind, per spec.md §4.4's bootstrap-substitution rule.
func (p *NodePool) pickBootstrap() (RemoteNode, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, b := range p.bootstraps {
		if b.Addr != p.localAddr {
			return b, true
		}
	}
	return RemoteNode{}, false
}

// findNodeBelowOrEqual is spec.md §4.4's find_node_below_or_equal,
// called by the caller's own virtual node id so that transport
// correlation keys concurrent calls from different local nodes
// independently.
func (p *NodePool) findNodeBelowOrEqual(callerID id.Id, query id.Id) (RemoteNode, error) {
	candidate, ok := p.seedForRouting(query)
	fromBootstrap := false
	if !ok {
		if bs, bsOK := p.pickBootstrap(); bsOK {
			candidate = bs
			fromBootstrap = true
		} else if self, selfOK := p.localAnswer(query); selfOK {
			candidate = self
		} else {
			return RemoteNode{}, chorderr.ErrRoutingUnavailable
		}
	}

	for i := 0; i < hopLimit; i++ {
		next, err := p.queryRemoteGetNode(callerID, candidate, query)
		if err != nil {
			if fromBootstrap {
				// The bootstrap hint itself carries no usable id; a
				// failure on this very first hop leaves nothing to
				// fall back to.
				return RemoteNode{}, chorderr.ErrRoutingUnavailable
			}
			return candidate, nil // (b) timeout: return best known
		}
		if fromBootstrap {
			// The bootstrap's own id is unknown (id.Zero() is a
			// placeholder, not a ring position), so there is no
			// meaningful lower bound to test "advancing" against on
			// this first hop: accept whatever the bootstrap reports,
			// unless it reports nothing (its own pool is empty too).
			if next.ID.IsZero() {
				return RemoteNode{}, chorderr.ErrRoutingUnavailable
			}
			candidate = next
			fromBootstrap = false
			continue
		}
		if next.ID.Equal(candidate.ID) {
			return candidate, nil // (c) regression: no progress
		}
		if !next.ID.InLeftOpen(candidate.ID, query) {
			return candidate, nil // not strictly advancing toward query
		}
		candidate = next
	}
	return candidate, nil // (a) hop limit reached
}

// queryRemoteGetNode addresses candidate.Addr, not candidate.ID: a
// GetNodeRequest/GetNodeResponse exchange is always pool-to-pool (to_id
// and the responder's from_id both id.Zero()), because the caller
// cannot yet know which of the responder's locally hosted virtual
// nodes, if any, will actually answer -- the same reason the original
// implementation's GetNodeRequest always targets zero_id rather than a
// specific virtual node's real id.
func (p *NodePool) queryRemoteGetNode(callerID id.Id, candidate RemoteNode, query id.Id) (RemoteNode, error) {
	remote := RemoteNode{ID: id.Zero(), Addr: candidate.Addr}
	resp, err := p.transport.Call(remote, rpcmsg.Message{
		FromID:  callerID,
		ToID:    id.Zero(),
		Kind:    rpcmsg.GetNodeRequest,
		QueryID: query,
	}, p.timings.RPCTimeout)
	if err != nil {
		return RemoteNode{}, err
	}
	return resp.Node, nil
}
