// Package rpcmsg implements the eight-message RPC protocol of spec.md §4.2:
// framing, (de)serialization, and the datagram-size safeguards of §4.2's
// truncation rules. The eight message kinds are a closed, tagged union;
// Message is the Go approximation of that sum type (a Kind tag plus the
// fields relevant to that kind), and Encode/Decode switch on Kind with
// exhaustive case analysis rather than using per-type structs, matching
// spec.md's Design Notes on modeling the dispatch.
package rpcmsg

import (
	"encoding/binary"
	"fmt"
	"sort"

	"multichord/chorderr"
	"multichord/id"
)

// Kind is the single-byte message type tag that begins every datagram.
type Kind byte

const (
	PingRequest Kind = iota
	PingResponse
	GetNodeRequest
	GetNodeResponse
	GetSwarmRequest
	GetSwarmResponse
	GetContentRequest
	GetContentResponse
)

func (k Kind) String() string {
	switch k {
	case PingRequest:
		return "PingRequest"
	case PingResponse:
		return "PingResponse"
	case GetNodeRequest:
		return "GetNodeRequest"
	case GetNodeResponse:
		return "GetNodeResponse"
	case GetSwarmRequest:
		return "GetSwarmRequest"
	case GetSwarmResponse:
		return "GetSwarmResponse"
	case GetContentRequest:
		return "GetContentRequest"
	case GetContentResponse:
		return "GetContentResponse"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// IsRequest reports whether k is one of the four request kinds. Request
// kinds are even-numbered; the matching response is request+1, the
// convention the transport's correlation logic relies on.
func (k Kind) IsRequest() bool { return k%2 == 0 }

// ResponseKind returns the response kind paired with a request kind.
func (k Kind) ResponseKind() Kind { return k + 1 }

// DefaultDatagramCap is the configurable datagram size ceiling of
// spec.md §4.2: the UDP practical ceiling, used to decide when a swarm
// list or content value must be truncated before sending.
const DefaultDatagramCap = 64 * 1024

// RemoteNode is the (Id, Address) pair of spec.md §3: purely descriptive,
// equal iff both fields match.
type RemoteNode struct {
	ID   id.Id
	Addr string
}

// Equal reports whether two RemoteNodes denote the same id and address.
func (n RemoteNode) Equal(other RemoteNode) bool {
	return n.ID.Equal(other.ID) && n.Addr == other.Addr
}

// Message is the tagged union of all eight RPC datagram bodies. Only the
// fields relevant to Kind are meaningful; Encode/Decode enforce that by
// exhaustive switch.
type Message struct {
	FromID id.Id
	ToID   id.Id
	Kind   Kind

	QueryID id.Id        // GetNodeRequest
	Node    RemoteNode   // GetNodeResponse
	Swarm   []RemoteNode // GetSwarmResponse
	Value   []byte       // GetContentResponse, empty = "not yet available"
}

// Encode serializes m to its wire form, applying the truncation rules of
// spec.md §4.2 so the result never exceeds cap bytes. A GetSwarmResponse
// that would overflow is truncated by dropping members in order of
// highest address lexicographically, keeping the lowest-addressed ones
// (spec.md §9's resolution of the swarm-truncation open question). A
// GetContentResponse that would overflow is replaced with an empty value,
// signalling "not available here".
func Encode(m Message, cap int) ([]byte, error) {
	switch m.Kind {
	case PingRequest, PingResponse, GetNodeRequest, GetNodeResponse, GetSwarmRequest, GetContentRequest:
		return encodeFixed(m)
	case GetSwarmResponse:
		return encodeGetSwarmResponse(m, cap)
	case GetContentResponse:
		return encodeGetContentResponse(m, cap)
	default:
		return nil, fmt.Errorf("rpcmsg: encode: unknown kind %v", m.Kind)
	}
}

func encodeHeaderInto(buf []byte, m Message) []byte {
	from := m.FromID.Bytes()
	to := m.ToID.Bytes()
	buf = append(buf, from[:]...)
	buf = append(buf, to[:]...)
	buf = append(buf, byte(m.Kind))
	return buf
}

func encodeHeader(m Message) []byte {
	buf := make([]byte, 0, 2*id.ByteLen+1)
	return encodeHeaderInto(buf, m)
}

func encodeFixed(m Message) ([]byte, error) {
	buf := encodeHeader(m)
	switch m.Kind {
	case GetNodeRequest:
		q := m.QueryID.Bytes()
		buf = append(buf, q[:]...)
	case GetNodeResponse:
		buf = append(buf, encodeRemoteNode(m.Node)...)
	}
	return buf, nil
}

func encodeRemoteNode(n RemoteNode) []byte {
	idb := n.ID.Bytes()
	addr := []byte(n.Addr)
	buf := make([]byte, 0, id.ByteLen+1+len(addr))
	buf = append(buf, idb[:]...)
	buf = append(buf, byte(len(addr)))
	buf = append(buf, addr...)
	return buf
}

func sizeofRemoteNode(n RemoteNode) int {
	return id.ByteLen + 1 + len(n.Addr)
}

func encodeGetSwarmResponse(m Message, cap int) ([]byte, error) {
	members := append([]RemoteNode(nil), m.Swarm...)
	sort.Slice(members, func(i, j int) bool { return members[i].Addr < members[j].Addr })

	header := encodeHeader(m)
	budget := cap - len(header) - 2 // 2-byte count prefix
	kept := members[:0:0]
	used := 0
	for _, n := range members {
		sz := sizeofRemoteNode(n)
		if used+sz > budget {
			break
		}
		kept = append(kept, n)
		used += sz
	}

	buf := header
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(kept)))
	buf = append(buf, countBuf[:]...)
	for _, n := range kept {
		buf = append(buf, encodeRemoteNode(n)...)
	}
	return buf, nil
}

func encodeGetContentResponse(m Message, cap int) ([]byte, error) {
	header := encodeHeader(m)
	value := m.Value
	if len(header)+4+len(value) > cap {
		value = nil // overflow degrades to "not available here"
	}
	buf := header
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, value...)
	return buf, nil
}

// Decode parses a single datagram. spec.md §4.2 frames exactly one RPC
// message per UDP packet, so there is no remainder to track: the whole
// slice must decode to exactly one message.
func Decode(data []byte) (Message, error) {
	headerLen := 2*id.ByteLen + 1
	if len(data) < headerLen {
		return Message{}, chorderr.ErrDecodeError
	}
	from := id.New(data[:id.ByteLen])
	to := id.New(data[id.ByteLen : 2*id.ByteLen])
	kind := Kind(data[2*id.ByteLen])
	rest := data[headerLen:]

	m := Message{FromID: from, ToID: to, Kind: kind}
	switch kind {
	case PingRequest, PingResponse, GetSwarmRequest, GetContentRequest:
		if len(rest) != 0 {
			return Message{}, chorderr.ErrDecodeError
		}
		return m, nil
	case GetNodeRequest:
		if len(rest) != id.ByteLen {
			return Message{}, chorderr.ErrDecodeError
		}
		m.QueryID = id.New(rest)
		return m, nil
	case GetNodeResponse:
		n, remainder, err := decodeRemoteNode(rest)
		if err != nil || len(remainder) != 0 {
			return Message{}, chorderr.ErrDecodeError
		}
		m.Node = n
		return m, nil
	case GetSwarmResponse:
		if len(rest) < 2 {
			return Message{}, chorderr.ErrDecodeError
		}
		count := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		swarm := make([]RemoteNode, 0, count)
		for i := uint16(0); i < count; i++ {
			n, remainder, err := decodeRemoteNode(rest)
			if err != nil {
				return Message{}, chorderr.ErrDecodeError
			}
			swarm = append(swarm, n)
			rest = remainder
		}
		if len(rest) != 0 {
			return Message{}, chorderr.ErrDecodeError
		}
		m.Swarm = swarm
		return m, nil
	case GetContentResponse:
		if len(rest) < 4 {
			return Message{}, chorderr.ErrDecodeError
		}
		length := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) != length {
			return Message{}, chorderr.ErrDecodeError
		}
		m.Value = rest
		return m, nil
	default:
		return Message{}, chorderr.ErrDecodeError
	}
}

func decodeRemoteNode(b []byte) (RemoteNode, []byte, error) {
	if len(b) < id.ByteLen+1 {
		return RemoteNode{}, b, chorderr.ErrDecodeError
	}
	nodeID := id.New(b[:id.ByteLen])
	addrLen := int(b[id.ByteLen])
	start := id.ByteLen + 1
	if len(b) < start+addrLen {
		return RemoteNode{}, b, chorderr.ErrDecodeError
	}
	addr := string(b[start : start+addrLen])
	return RemoteNode{ID: nodeID, Addr: addr}, b[start+addrLen:], nil
}
