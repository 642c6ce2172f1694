// Package transport implements the single UDP socket per process
// described in spec.md §4.6: datagram demultiplexing to virtual nodes by
// destination id, and request/response correlation keyed by
// (peer address, from_id, to_id, message type) with at most one
// outstanding request per key, as §4.6 and §4.2 require.
package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"multichord/chorderr"
	"multichord/rpcmsg"
)

// Dispatcher receives inbound RPC requests addressed to a local id.
// Responses that match no pending slot are discarded by the transport
// and never reach it. NodePool implements this interface.
type Dispatcher interface {
	Dispatch(from rpcmsg.RemoteNode, msg rpcmsg.Message)
}

type pendingKey struct {
	addr string
	from string // expected responder's id, hex
	to   string // local caller's id, hex
	kind rpcmsg.Kind
}

type pendingRequest struct {
	resultCh chan rpcmsg.Message
	done     chan struct{}
	once     sync.Once
}

func (p *pendingRequest) cancel() {
	p.once.Do(func() { close(p.done) })
}

func (p *pendingRequest) deliver(m rpcmsg.Message) {
	select {
	case p.resultCh <- m:
	default:
	}
	p.once.Do(func() { close(p.done) })
}

// Transport owns the process's one UDP socket.
type Transport struct {
	conn        *net.UDPConn
	dispatcher  Dispatcher
	datagramCap int

	mu      sync.Mutex
	pending map[pendingKey]*pendingRequest
	closed  atomic.Bool

	decodeErrors atomic.Uint64
}

// Listen binds a UDP socket at addr ("host:port"; port 0 picks an
// ephemeral port) and starts the receive loop. Call SetDispatcher before
// any inbound traffic needs routing.
func Listen(addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	t := &Transport{
		conn:        conn,
		datagramCap: rpcmsg.DefaultDatagramCap,
		pending:     make(map[pendingKey]*pendingRequest),
	}
	go t.receiveLoop()
	return t, nil
}

// SetDispatcher installs the receiver of inbound RPC requests.
func (t *Transport) SetDispatcher(d Dispatcher) {
	t.mu.Lock()
	t.dispatcher = d
	t.mu.Unlock()
}

// LocalAddr returns the bound local address in "host:port" form.
func (t *Transport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// DecodeErrors returns the running count of malformed datagrams dropped
// since the transport started, spec.md §7's "counted in a local metric".
func (t *Transport) DecodeErrors() uint64 {
	return t.decodeErrors.Load()
}

// Close shuts the transport down. All pending waiters observe
// chorderr.ErrTransportClosed, matching spec.md §5's cancellation model.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	t.mu.Lock()
	for k, p := range t.pending {
		p.cancel()
		delete(t.pending, k)
	}
	t.mu.Unlock()
	return err
}

// Send fires a datagram at remote without waiting for a response. Used
// both for responses to inbound requests and for requests whose caller
// manages its own correlation via Call.
func (t *Transport) Send(remote rpcmsg.RemoteNode, msg rpcmsg.Message) error {
	if t.closed.Load() {
		return chorderr.ErrTransportClosed
	}
	buf, err := rpcmsg.Encode(msg, t.datagramCap)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", remote.Addr)
	if err != nil {
		return fmt.Errorf("transport: resolve %q: %w", remote.Addr, err)
	}
	_, err = t.conn.WriteToUDP(buf, udpAddr)
	return err
}

// Call sends req to remote and waits up to timeout for the matching
// response, as correlated by spec.md §4.2/§4.6. If a call to the same
// (remote, local id, response kind) is already outstanding, it is
// cancelled in favor of this one: its waiter observes
// chorderr.ErrCancelled.
func (t *Transport) Call(remote rpcmsg.RemoteNode, req rpcmsg.Message, timeout time.Duration) (rpcmsg.Message, error) {
	if t.closed.Load() {
		return rpcmsg.Message{}, chorderr.ErrTransportClosed
	}
	key := pendingKey{
		addr: remote.Addr,
		from: remote.ID.String(),
		to:   req.FromID.String(),
		kind: req.Kind.ResponseKind(),
	}

	p := &pendingRequest{resultCh: make(chan rpcmsg.Message, 1), done: make(chan struct{})}

	t.mu.Lock()
	if old, ok := t.pending[key]; ok {
		old.cancel()
	}
	t.pending[key] = p
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.pending[key] == p {
			delete(t.pending, key)
		}
		t.mu.Unlock()
	}()

	if err := t.Send(remote, req); err != nil {
		return rpcmsg.Message{}, err
	}

	select {
	case m := <-p.resultCh:
		return m, nil
	case <-p.done:
		// deliver fills resultCh before closing done, so a response may
		// already be waiting even though done was selected.
		select {
		case m := <-p.resultCh:
			return m, nil
		default:
		}
		if t.closed.Load() {
			return rpcmsg.Message{}, chorderr.ErrTransportClosed
		}
		return rpcmsg.Message{}, chorderr.ErrCancelled
	case <-time.After(timeout):
		return rpcmsg.Message{}, chorderr.ErrTimeout
	}
}

func (t *Transport) receiveLoop() {
	buf := make([]byte, rpcmsg.DefaultDatagramCap)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			logrus.Warnf("transport: read error: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go t.handleDatagram(data, addr.String())
	}
}

func (t *Transport) handleDatagram(data []byte, fromAddr string) {
	msg, err := rpcmsg.Decode(data)
	if err != nil {
		t.decodeErrors.Add(1)
		logrus.Debugf("transport: dropping malformed datagram from %s: %v", fromAddr, err)
		return
	}

	if !msg.Kind.IsRequest() {
		key := pendingKey{addr: fromAddr, from: msg.FromID.String(), to: msg.ToID.String(), kind: msg.Kind}
		t.mu.Lock()
		p, ok := t.pending[key]
		t.mu.Unlock()
		if ok {
			p.deliver(msg)
			return
		}
		// Late duplicate or response to a request we already abandoned:
		// discarded silently per spec.md §4.2.
		return
	}

	t.mu.Lock()
	d := t.dispatcher
	t.mu.Unlock()
	if d != nil {
		d.Dispatch(rpcmsg.RemoteNode{ID: msg.FromID, Addr: fromAddr}, msg)
	}
}
