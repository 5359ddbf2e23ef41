// Copyright 2026 The RTKit Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventgroup

import (
	"sync"

	"rtkit.dev/rtkit/pkg/sched"
)

// Pool is a bounded allocator of event groups, modelling a fixed heap:
// New fails with ErrNoMemory once all storage is in use, and Delete on a
// pool-owned group returns its storage to the pool.
type Pool struct {
	s *sched.Scheduler
	q Pender

	mu   sync.Mutex
	free []*Group
}

// NewPool returns a Pool with storage for capacity event groups.
func NewPool(capacity int, s *sched.Scheduler, q Pender) *Pool {
	if capacity <= 0 {
		panic("eventgroup: pool capacity must be positive")
	}
	if s == nil {
		panic("eventgroup: nil scheduler")
	}
	p := &Pool{s: s, q: q}
	backing := make([]Group, capacity)
	p.free = make([]*Group, capacity)
	for i := range backing {
		p.free[i] = &backing[i]
	}
	return p
}

// New creates an event group from the pool's storage. It returns
// ErrNoMemory when the pool is exhausted; the caller must check before
// using the group.
func (p *Pool) New() (*Group, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, ErrNoMemory
	}
	g := p.free[n-1]
	p.free = p.free[:n-1]
	g.init(p.s, p.q)
	g.owner = p
	log.Tracef("event group created from pool (%d free)", n-1)
	return g, nil
}

// Free returns the number of unused group slots.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// put returns a deleted group's storage to the pool.
func (p *Pool) put(g *Group) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, g)
}
