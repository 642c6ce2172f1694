// Package id implements the fixed-width ring arithmetic shared by every
// routing decision in the overlay: ring distance, the two half-open
// interval tests, and "closest to target from below". There is no other
// id comparison anywhere in the system.
package id

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"
)

// M is the width of the identifier ring in bits. 160 matches the width of
// a SHA-1 digest, the hash spec.md §6 mandates for content ids.
const M = 160

// ByteLen is the width of an Id in bytes.
const ByteLen = M / 8

var ringMod = new(big.Int).Lsh(big.NewInt(1), M)

// Zero returns the ring's zero id. The overlay reserves it as a sentinel
// "this request addresses the pool itself, not a specific virtual node"
// marker for GetNodeRequest/GetNodeResponse/PingRequest/PingResponse
// traffic used by routing (see chordnet.NodePool), mirroring the
// zero-swarm convention of the Python reference implementation this spec
// was distilled from.
func Zero() Id { return Id{} }

// IsZero reports whether id is the ring's zero id.
func (id Id) IsZero() bool { return id.val().Sign() == 0 }

// Id is an unsigned integer modulo 2^M. The zero value is the id 0; use
// New or FromContent to construct one from bytes.
type Id struct {
	v *big.Int
}

// New builds an Id from a big-endian byte slice, reducing it modulo 2^M.
func New(b []byte) Id {
	v := new(big.Int).SetBytes(b)
	v.Mod(v, ringMod)
	return Id{v: v}
}

// FromContent hashes data with SHA-1 to produce the content id spec.md §6
// requires: Id = sha1(data), which is already exactly M bits wide.
func FromContent(data []byte) Id {
	sum := sha1.Sum(data)
	return New(sum[:])
}

// FromHex parses a hex string (of any length up to 2*ByteLen) into an Id.
func FromHex(s string) (Id, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Id{}, fmt.Errorf("id: invalid hex %q: %w", s, err)
	}
	if len(b) > ByteLen {
		return Id{}, fmt.Errorf("id: hex %q is longer than %d bytes", s, ByteLen)
	}
	return New(b), nil
}

// Bytes returns the big-endian, fixed-width (ByteLen) representation.
func (id Id) Bytes() [ByteLen]byte {
	var out [ByteLen]byte
	v := id.val()
	b := v.Bytes()
	copy(out[ByteLen-len(b):], b)
	return out
}

// val returns the underlying big.Int, treating a zero-value Id as 0.
func (id Id) val() *big.Int {
	if id.v == nil {
		return new(big.Int)
	}
	return id.v
}

// String renders the id as a lowercase hex string, the form used by the
// CLI and log lines.
func (id Id) String() string {
	b := id.Bytes()
	return hex.EncodeToString(b[:])
}

// Cmp compares two ids as raw integers (not ring distance); -1, 0, 1 like
// big.Int.Cmp.
func (id Id) Cmp(other Id) int {
	return id.val().Cmp(other.val())
}

// Equal reports whether id and other denote the same ring position.
func (id Id) Equal(other Id) bool {
	return id.Cmp(other) == 0
}

// AddPow2 returns id + 2^k (mod 2^M), the finger table offset computation
// used by stabilization (spec.md §4.3 step 2).
func (id Id) AddPow2(k uint) Id {
	offset := new(big.Int).Lsh(big.NewInt(1), k)
	return id.addBig(offset)
}

// Add returns id + n (mod 2^M) for a signed delta.
func (id Id) Add(n int64) Id {
	return id.addBig(big.NewInt(n))
}

func (id Id) addBig(delta *big.Int) Id {
	v := new(big.Int).Add(id.val(), delta)
	v.Mod(v, ringMod)
	if v.Sign() < 0 {
		v.Add(v, ringMod)
	}
	return Id{v: v}
}

// dist returns the clockwise distance from a to b: (b - a) mod 2^M.
func dist(a, b Id) *big.Int {
	d := new(big.Int).Sub(b.val(), a.val())
	d.Mod(d, ringMod)
	if d.Sign() < 0 {
		d.Add(d, ringMod)
	}
	return d
}

// InLeftOpen reports whether id lies in (a, b] walking clockwise: strictly
// after a, up to and including b. Wraps across zero.
func (id Id) InLeftOpen(a, b Id) bool {
	if a.Equal(b) {
		// (a, a] clockwise is the whole ring minus the single point a,
		// plus a itself via the "up to and including" clause -- i.e. every id.
		return true
	}
	return dist(a, id).Cmp(dist(a, b)) <= 0 && !id.Equal(a)
}

// InRightOpen reports whether id lies in [a, b) walking clockwise:
// starting at a, before reaching b. Wraps across zero.
func (id Id) InRightOpen(a, b Id) bool {
	if a.Equal(b) {
		return true
	}
	return dist(a, id).Cmp(dist(a, b)) < 0
}

// ClosestTo returns the element of candidates with minimum clockwise-
// backward distance from target, i.e. the c minimizing (target - c) mod
// 2^M. Ties are broken by the lowest raw id. Returns ok=false if
// candidates is empty.
func ClosestTo(target Id, candidates []Id) (best Id, ok bool) {
	var bestDist *big.Int
	for _, c := range candidates {
		d := dist(c, target)
		if bestDist == nil || d.Cmp(bestDist) < 0 || (d.Cmp(bestDist) == 0 && c.Cmp(best) < 0) {
			best, bestDist, ok = c, d, true
		}
	}
	return best, ok
}
