package chordnet

import (
	"math/rand"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"multichord/chorderr"
	"multichord/id"
	"multichord/rpcmsg"
)

// VirtualNode is one ring participant of spec.md §3: the state a
// stabilization loop and a set of server handlers both mutate. Rather
// than the teacher's node-wide sync.RWMutex (node_access.go), state here
// is owned by a phony.Inbox: every touch runs as an Act (or a
// synchronous Block) on the node's own mailbox, which is the "single-
// owner actor" discipline spec.md §5's Design Notes calls for.
type VirtualNode struct {
	phony.Inbox

	id   id.Id
	pool *NodePool

	hasValue  bool
	value     []byte
	predecessor *RemoteNode
	successor   *RemoteNode
	fingers     [id.M]*RemoteNode
	swarm       map[string]RemoteNode // keyed by address

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newVirtualNode(nodeID id.Id, pool *NodePool, value []byte, hasValue bool) *VirtualNode {
	v := &VirtualNode{
		id:     nodeID,
		pool:   pool,
		stopCh: make(chan struct{}),
		swarm:  make(map[string]RemoteNode),
	}
	if hasValue {
		v.hasValue = true
		v.value = value
		v.swarm[pool.localAddr] = RemoteNode{ID: nodeID, Addr: pool.localAddr}
	}
	return v
}

// ID returns the node's immutable id.
func (v *VirtualNode) ID() id.Id { return v.id }

// HasValue reports whether node_value is present, via a synchronous
// Block round-trip so it observes a consistent snapshot.
func (v *VirtualNode) HasValue() bool {
	var has bool
	phony.Block(v, func() { has = v.hasValue })
	return has
}

// Value returns a copy of node_value and whether it is present.
func (v *VirtualNode) Value() ([]byte, bool) {
	var val []byte
	var has bool
	phony.Block(v, func() {
		has = v.hasValue
		if has {
			val = append([]byte(nil), v.value...)
		}
	})
	return val, has
}

// stop cancels the stabilization loop at its next wakeup, per spec.md
// §5's cancellation model. Idempotent.
func (v *VirtualNode) stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

// Dispatch implements the server-handler half of spec.md §4.3: it is
// called by NodePool for every inbound datagram addressed to this
// node's id, and always enqueues onto the actor rather than touching
// state inline, so it never races the stabilization loop's Block calls.
func (v *VirtualNode) Dispatch(from RemoteNode, msg rpcmsg.Message) {
	v.Act(nil, func() { v.handle(from, msg) })
}

func (v *VirtualNode) handle(from RemoteNode, msg rpcmsg.Message) {
	switch msg.Kind {
	case rpcmsg.PingRequest:
		v.reply(from, rpcmsg.Message{Kind: rpcmsg.PingResponse})
	case rpcmsg.GetSwarmRequest:
		v.reply(from, rpcmsg.Message{Kind: rpcmsg.GetSwarmResponse, Swarm: v.swarmSliceLocked()})
	case rpcmsg.GetContentRequest:
		val := []byte{}
		if v.hasValue {
			val = v.value
		}
		v.reply(from, rpcmsg.Message{Kind: rpcmsg.GetContentResponse, Value: val})
	default:
		// GetNodeRequest/GetNodeResponse are pool-level traffic addressed
		// to id.Zero() (see NodePool.Dispatch) and never reach a specific
		// virtual node's handler.
		logrus.Debugf("chordnet: node %s ignoring unexpected message kind %v", v.id, msg.Kind)
	}
}

func (v *VirtualNode) reply(to RemoteNode, m rpcmsg.Message) {
	m.FromID = v.id
	m.ToID = to.ID
	if err := v.pool.transport.Send(to, m); err != nil {
		logrus.Debugf("chordnet: node %s reply to %s failed: %v", v.id, to.Addr, err)
	}
}

// swarmSliceLocked must only be called from within an Act/Block closure.
func (v *VirtualNode) swarmSliceLocked() []RemoteNode {
	out := make([]RemoteNode, 0, len(v.swarm))
	for _, n := range v.swarm {
		out = append(out, n)
	}
	return out
}

// localGetNode implements spec.md §4.3's get_node(query_id): the pure,
// three-step local routing function. Must run inside an Act/Block
// closure so it observes a consistent snapshot of predecessor/fingers.
// The second return value reports whether the result came from an
// actual predecessor/finger pointer (informative) or fell through to
// the unconditional "otherwise return self" (step 3). NodePool uses
// this distinction to decide when bootstrap substitution is warranted
// (see NodePool.seedForRouting): a node with no pointers yet offers no
// real routing progress, only a tautological answer to "where am I".
func (v *VirtualNode) localGetNode(query id.Id) (RemoteNode, bool) {
	if v.predecessor != nil && query.InRightOpen(v.predecessor.ID, v.id) {
		return *v.predecessor, true
	}
	for k := int(id.M) - 1; k >= 0; k-- {
		f := v.fingers[k]
		// A finger equal to self can never advance a query toward
		// query_id, so it is excluded here rather than tested against
		// the tautological "finger.id in [finger.id, self.id)" clause
		// spec.md §4.3 states literally.
		if f == nil || f.ID.Equal(v.id) {
			continue
		}
		if query.InRightOpen(f.ID, v.id) {
			return *f, true
		}
	}
	return RemoteNode{ID: v.id, Addr: v.pool.localAddr}, false
}

// runStabilization is the node's dedicated stabilization task
// (spec.md §5: "each VirtualNode owns one logical stabilization task").
// It runs as a plain goroutine, not inside the actor, precisely so that
// waiting on network RPCs never blocks the mailbox that Dispatch feeds:
// each step below touches protected state only through short Block
// calls bracketing the actual I/O.
func (v *VirtualNode) runStabilization(timings Timings) {
	for {
		select {
		case <-v.stopCh:
			return
		case <-time.After(jitter(timings.StabilizeInterval)):
		}
		v.stabilizeOnce(timings)
	}
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

// stabilizeOnce runs the six ordered steps of spec.md §4.3 exactly once.
func (v *VirtualNode) stabilizeOnce(timings Timings) {
	v.refreshPredecessor()
	v.refreshFingers()
	v.refreshSuccessor()
	v.discoverSwarmIfEmpty()
	v.refreshSwarm(timings)
	v.pullContentIfMissing(timings)
}

// Step 1: predecessor = pool.find_node_below_or_equal(self.id - 1).
func (v *VirtualNode) refreshPredecessor() {
	best, err := v.pool.findNodeBelowOrEqual(v.id, v.id.Add(-1))
	if err != nil {
		logrus.Debugf("chordnet: node %s predecessor refresh: %v", v.id, err)
		return
	}
	phony.Block(v, func() { v.predecessor = &best })
}

// Step 2: for each k, finger_table[k] = pool.find_node_below_or_equal(self.id + 2^k).
// spec.md's Design Notes explicitly permit parallelizing this loop
// behind a bounded concurrency limit as long as the snapshot installed
// at the end is the only one externally visible; this mirrors the
// coroutine fan-out the teacher's fix_fingers rotates through one tick
// at a time, done here for all m entries within a single pass.
func (v *VirtualNode) refreshFingers() {
	const fanOut = 8
	type result struct {
		k    int
		node RemoteNode
		ok   bool
	}
	results := make([]result, id.M)
	sem := make(chan struct{}, fanOut)
	var wg sync.WaitGroup
	for k := 0; k < id.M; k++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(k int) {
			defer wg.Done()
			defer func() { <-sem }()
			target := v.id.AddPow2(uint(k))
			node, err := v.pool.findNodeBelowOrEqual(v.id, target)
			results[k] = result{k: k, node: node, ok: err == nil}
		}(k)
	}
	wg.Wait()

	phony.Block(v, func() {
		for _, r := range results {
			if r.ok {
				node := r.node
				v.fingers[r.k] = &node
			}
		}
	})
}

// Step 3: successor search, walking finger_table[0] backward until it
// closes on self or stops advancing.
func (v *VirtualNode) refreshSuccessor() {
	var finger0 *RemoteNode
	phony.Block(v, func() { finger0 = v.fingers[0] })

	successor := RemoteNode{ID: v.id, Addr: v.pool.localAddr}
	if finger0 != nil && !finger0.ID.Equal(v.id) {
		candidate := *finger0
		lastNonSelf := candidate
		for i := 0; i < id.M; i++ {
			if candidate.ID.Equal(v.id) {
				break
			}
			lastNonSelf = candidate
			next, err := v.pool.findNodeBelowOrEqual(v.id, candidate.ID.Add(-1))
			if err != nil || next.ID.Equal(candidate.ID) {
				// stops changing: spec.md §4.3 step 3's two-consecutive-
				// steps rule collapses to "no progress" here since a
				// non-advancing hop can never later advance.
				break
			}
			candidate = next
		}
		successor = lastNonSelf
	}
	phony.Block(v, func() { v.successor = &successor })
}

// Step 4: if swarm is empty, ask the ring for a node at self.id and
// seed the swarm if the ring actually knows about this id.
func (v *VirtualNode) discoverSwarmIfEmpty() {
	var empty bool
	phony.Block(v, func() { empty = len(v.swarm) == 0 })
	if !empty {
		return
	}
	found, err := v.pool.findNodeBelowOrEqual(v.id, v.id)
	if err != nil || !found.ID.Equal(v.id) {
		return
	}
	phony.Block(v, func() {
		if len(v.swarm) == 0 {
			v.swarm[found.Addr] = found
		}
	})
}

// Step 5: union the current swarm with every member's own get_swarm
// response, then keep only members that answer a ping.
func (v *VirtualNode) refreshSwarm(timings Timings) {
	var members []RemoteNode
	phony.Block(v, func() { members = v.swarmSliceLocked() })
	if len(members) == 0 {
		return
	}

	union := make(map[string]RemoteNode, len(members))
	for _, m := range members {
		union[m.Addr] = m
	}
	for _, m := range members {
		resp, err := v.pool.transport.Call(m, rpcmsg.Message{FromID: v.id, ToID: m.ID, Kind: rpcmsg.GetSwarmRequest}, timings.RPCTimeout)
		if err != nil {
			continue
		}
		for _, n := range resp.Swarm {
			union[n.Addr] = n
		}
	}

	alive := make(map[string]RemoteNode, len(union))
	for addr, n := range union {
		if _, err := v.pool.transport.Call(n, rpcmsg.Message{FromID: v.id, ToID: n.ID, Kind: rpcmsg.PingRequest}, timings.RPCTimeout); err != nil {
			continue
		}
		alive[addr] = n
	}

	phony.Block(v, func() { v.swarm = alive })
}

// Step 6: pull content from the swarm if this node doesn't have it yet,
// verifying the hash of whatever arrives before adopting it.
func (v *VirtualNode) pullContentIfMissing(timings Timings) {
	var hasValue bool
	var members []RemoteNode
	phony.Block(v, func() {
		hasValue = v.hasValue
		members = v.swarmSliceLocked()
	})
	if hasValue || len(members) == 0 {
		return
	}

	for _, m := range members {
		resp, err := v.pool.transport.Call(m, rpcmsg.Message{FromID: v.id, ToID: m.ID, Kind: rpcmsg.GetContentRequest}, timings.RPCTimeout)
		if err != nil || len(resp.Value) == 0 {
			continue
		}
		if !id.FromContent(resp.Value).Equal(v.id) {
			logrus.Warnf("chordnet: node %s rejecting %v: %s", v.id, chorderr.ErrHashMismatch, m.Addr)
			continue
		}
		accepted := false
		phony.Block(v, func() {
			if !v.hasValue {
				v.value = append([]byte(nil), resp.Value...)
				v.hasValue = true
				accepted = true
			}
		})
		if accepted {
			return
		}
	}
}
