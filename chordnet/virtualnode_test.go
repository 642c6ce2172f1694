package chordnet

import (
	"testing"

	"multichord/id"
)

func idFrom(b byte) id.Id { return id.New([]byte{b}) }

func TestLocalGetNodeReturnsSelfWhenEmpty(t *testing.T) {
	v := newVirtualNode(idFrom(50), &NodePool{localAddr: "127.0.0.1:1"}, nil, false)
	got, informative := v.localGetNode(idFrom(10))
	if informative {
		t.Fatal("expected fallback, not an informative hit")
	}
	if !got.ID.Equal(v.id) {
		t.Fatalf("expected self, got %s", got.ID)
	}
}

func TestLocalGetNodePrefersPredecessor(t *testing.T) {
	v := newVirtualNode(idFrom(50), &NodePool{localAddr: "127.0.0.1:1"}, nil, false)
	pred := RemoteNode{ID: idFrom(40), Addr: "127.0.0.1:2"}
	v.predecessor = &pred
	got, informative := v.localGetNode(idFrom(45))
	if !informative {
		t.Fatal("expected an informative hit")
	}
	if !got.Equal(pred) {
		t.Fatalf("expected predecessor %+v, got %+v", pred, got)
	}
}

func TestLocalGetNodeFallsThroughToFinger(t *testing.T) {
	v := newVirtualNode(idFrom(50), &NodePool{localAddr: "127.0.0.1:1"}, nil, false)
	f := RemoteNode{ID: idFrom(45), Addr: "127.0.0.1:3"}
	v.fingers[3] = &f
	got, informative := v.localGetNode(idFrom(46))
	if !informative {
		t.Fatal("expected an informative hit")
	}
	if !got.Equal(f) {
		t.Fatalf("expected finger %+v, got %+v", f, got)
	}
}

func TestLocalGetNodeSkipsSelfFinger(t *testing.T) {
	v := newVirtualNode(idFrom(50), &NodePool{localAddr: "127.0.0.1:1"}, nil, false)
	self := RemoteNode{ID: idFrom(50), Addr: "127.0.0.1:1"}
	v.fingers[0] = &self
	got, informative := v.localGetNode(idFrom(51))
	if informative {
		t.Fatal("expected fallback: a finger pointing at self carries no information")
	}
	if !got.ID.Equal(v.id) {
		t.Fatalf("expected self fallback, got %s", got.ID)
	}
}

func TestBestRemoteNodePicksClosestFromBelow(t *testing.T) {
	target := idFrom(100)
	candidates := []RemoteNode{
		{ID: idFrom(90), Addr: "a"},
		{ID: idFrom(95), Addr: "b"},
		{ID: idFrom(10), Addr: "c"},
	}
	best, ok := bestRemoteNode(target, candidates)
	if !ok || !best.ID.Equal(idFrom(95)) {
		t.Fatalf("bestRemoteNode = %+v, ok=%v", best, ok)
	}
}

func TestBestRemoteNodeEmpty(t *testing.T) {
	if _, ok := bestRemoteNode(idFrom(1), nil); ok {
		t.Fatal("expected ok=false for no candidates")
	}
}
