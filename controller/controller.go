// Package controller implements the external-facing façade of spec.md
// §4.5: the only component permitted to mutate NodePool's id->node map.
// Grounded on command_handler.py's host_local_file/join_remote/
// list_virtual_nodes for the shape of the API, adapted so content moves
// as []byte rather than a file handle -- file I/O belongs to the CLI,
// per spec.md §1's scope boundary.
package controller

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"multichord/chorderr"
	"multichord/chordnet"
	"multichord/id"
)

// Controller wraps a NodePool with the four operations spec.md §4.5
// names: Host, Join, List, Fetch.
type Controller struct {
	pool *chordnet.NodePool
}

// New wires a Controller to an already-constructed NodePool.
func New(pool *chordnet.NodePool) *Controller {
	return &Controller{pool: pool}
}

// Host computes id = sha1(value), creates a VirtualNode in host mode,
// and inserts it into the pool. Fails with chorderr.ErrIDCollision if
// an equal id already exists locally.
func (c *Controller) Host(value []byte) (id.Id, error) {
	v, err := c.pool.HostValue(value)
	if err != nil {
		return id.Id{}, err
	}
	return v.ID(), nil
}

// Join creates a VirtualNode in join mode; stabilization pulls content
// from the swarm in the background.
func (c *Controller) Join(nodeID id.Id) error {
	_, err := c.pool.JoinID(nodeID)
	return err
}

// List implements spec.md §4.5's list().
func (c *Controller) List() []chordnet.ListEntry {
	return c.pool.List()
}

// Fetch performs a transient join and waits until either content
// arrives or timeout expires; the transient node is always torn down
// on return. If the pool already hosts or has joined nodeID, its
// existing value is read directly instead of creating a second,
// colliding virtual node.
func (c *Controller) Fetch(nodeID id.Id, timeout time.Duration) ([]byte, error) {
	if existing, ok := c.pool.Lookup(nodeID); ok {
		return c.pollUntilReady(existing, timeout)
	}

	v, err := c.pool.JoinID(nodeID)
	if err != nil {
		if errors.Is(err, chorderr.ErrIDCollision) {
			if existing, ok := c.pool.Lookup(nodeID); ok {
				return c.pollUntilReady(existing, timeout)
			}
		}
		return nil, err
	}
	defer c.pool.Remove(nodeID)
	return c.pollUntilReady(v, timeout)
}

func (c *Controller) pollUntilReady(v *chordnet.VirtualNode, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 100 * time.Millisecond
	for {
		if val, ok := v.Value(); ok {
			return val, nil
		}
		if time.Now().After(deadline) {
			logrus.Warnf("controller: fetch %s timed out after %s", v.ID(), timeout)
			return nil, chorderr.ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}
