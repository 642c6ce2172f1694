package controller

import (
	"errors"
	"testing"
	"time"

	"multichord/chorderr"
	"multichord/chordnet"
	"multichord/id"
	"multichord/transport"
)

func newTestController(t *testing.T) (*Controller, *chordnet.NodePool) {
	t.Helper()
	tr, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	pool := chordnet.NewNodePool(tr, chordnet.Timings{
		StabilizeInterval: 20 * time.Millisecond,
		RPCTimeout:        500 * time.Millisecond,
		FetchTimeout:      2 * time.Second,
	})
	return New(pool), pool
}

func TestHostThenList(t *testing.T) {
	c, _ := newTestController(t)
	hostedID, err := c.Host([]byte("payload"))
	if err != nil {
		t.Fatalf("Host: %v", err)
	}

	entries := c.List()
	if len(entries) != 1 {
		t.Fatalf("List: got %d entries, want 1", len(entries))
	}
	if !entries[0].ID.Equal(hostedID) || !entries[0].HasValue {
		t.Fatalf("List: got %+v, want hosted %s with value", entries[0], hostedID)
	}
}

func TestHostCollisionFails(t *testing.T) {
	c, _ := newTestController(t)
	if _, err := c.Host([]byte("same")); err != nil {
		t.Fatalf("Host: %v", err)
	}
	if _, err := c.Host([]byte("same")); !errors.Is(err, chorderr.ErrIDCollision) {
		t.Fatalf("second Host: got %v, want ErrIDCollision", err)
	}
}

func TestFetchLocalAlreadyHosted(t *testing.T) {
	c, _ := newTestController(t)
	hostedID, err := c.Host([]byte("local-value"))
	if err != nil {
		t.Fatalf("Host: %v", err)
	}

	val, err := c.Fetch(hostedID, time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(val) != "local-value" {
		t.Fatalf("Fetch: got %q, want %q", val, "local-value")
	}

	// The local node was already there before the call; Fetch's
	// transient-node cleanup must not have torn it down.
	if entries := c.List(); len(entries) != 1 {
		t.Fatalf("List after Fetch: got %d entries, want 1", len(entries))
	}
}

func TestFetchRemoteAcrossPools(t *testing.T) {
	hostC, hostPool := newTestController(t)
	fetchC, fetchPool := newTestController(t)

	hostedID, err := hostC.Host([]byte("remote-value"))
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	fetchPool.AddBootstrap(hostPool.LocalAddr())

	val, err := fetchC.Fetch(hostedID, 3*time.Second)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(val) != "remote-value" {
		t.Fatalf("Fetch: got %q, want %q", val, "remote-value")
	}

	// The transient joiner created for this Fetch must be torn down again.
	if entries := fetchC.List(); len(entries) != 0 {
		t.Fatalf("List after Fetch: got %d entries, want 0 (transient node torn down)", len(entries))
	}
}

func TestFetchTimesOutWithoutBootstrap(t *testing.T) {
	c, _ := newTestController(t)
	missing := id.FromContent([]byte("nothing hosts this"))
	if _, err := c.Fetch(missing, 200*time.Millisecond); err == nil {
		t.Fatal("expected Fetch to fail on an isolated pool with no route")
	}
}

func TestJoinThenList(t *testing.T) {
	c, _ := newTestController(t)
	target := id.FromContent([]byte("some id to join"))
	if err := c.Join(target); err != nil {
		t.Fatalf("Join: %v", err)
	}
	entries := c.List()
	if len(entries) != 1 || entries[0].HasValue {
		t.Fatalf("List after Join: got %+v, want one entry with no value yet", entries)
	}
}
