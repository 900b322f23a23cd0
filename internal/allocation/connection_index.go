// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"sync"

	"github.com/netmedia/turnrelay/internal/proto"
	"github.com/pion/randutil"
)

const maxConnectionIDRetries = 64

// connectionIndex assigns server-wide unique connection ids and records the
// 5-tuple of the allocation owning each one. ConnectionBind arrives on a new
// transport, so this is how it finds its allocation.
type connectionIndex struct {
	rand randutil.MathRandomGenerator

	mu     sync.Mutex
	owners map[proto.ConnectionID]FiveTupleFingerprint
}

func newConnectionIndex() *connectionIndex {
	return &connectionIndex{
		rand:   randutil.NewMathRandomGenerator(),
		owners: map[proto.ConnectionID]FiveTupleFingerprint{},
	}
}

func (c *connectionIndex) reserve(owner FiveTupleFingerprint) (proto.ConnectionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for try := 0; try < maxConnectionIDRetries; try++ {
		id := proto.ConnectionID(c.rand.Uint32())
		if id == 0 {
			continue
		}
		if _, taken := c.owners[id]; taken {
			continue
		}
		c.owners[id] = owner
		return id, nil
	}
	return 0, errFailedToGenerateConnectionID
}

// release frees id if it is still held by owner.
func (c *connectionIndex) release(id proto.ConnectionID, owner FiveTupleFingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.owners[id]; ok && current == owner {
		delete(c.owners, id)
	}
}

func (c *connectionIndex) owner(id proto.ConnectionID) (FiveTupleFingerprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.owners[id]
	return owner, ok
}

func (c *connectionIndex) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.owners)
}
