// Package transport defines the point-to-point messaging surface the
// reduce package consumes (send, handler registration, run-to-idle) and
// provides an in-memory implementation for tests and the demo CLI. The
// reduce engines use only Sender and Registrar; reduce.Dispatcher itself is
// constructed over this package's concrete in-memory *Network.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/vtgo/allreduce/pset"
)

// Tag names a logical channel; handlers are registered per tag.
type Tag string

// Handler processes one message arriving on a registered tag.
type Handler func(src pset.Rank, payload []byte)

// Sender is the outbound half of the transport contract: reliable, FIFO
// per (src, dest) pair, serialisation-aware (payload is already encoded).
type Sender interface {
	Send(dest pset.Rank, tag Tag, payload []byte) error
}

// Registrar is the inbound half: handlers are declared at engine
// construction, identified by tag rather than by type.
type Registrar interface {
	Register(tag Tag, h Handler)
}

// Scheduler drives a rank's handler loop until no more work is pending.
type Scheduler interface {
	RunUntilIdle(ctx context.Context) error
}

// Endpoint is one simulated rank: it can send, register handlers, and run
// its own inbox to idle. It implements Sender, Registrar and Scheduler.
type Endpoint struct {
	rank    pset.Rank
	net     *Network
	mu      sync.Mutex
	inbox   []envelope
	handler map[Tag]Handler
}

type envelope struct {
	src     pset.Rank
	tag     Tag
	payload []byte
}

// Register installs the handler for tag, replacing any previous one.
// Engines declare their per-phase handlers once, at construction.
func (e *Endpoint) Register(tag Tag, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handler == nil {
		e.handler = make(map[Tag]Handler)
	}
	e.handler[tag] = h
}

// Send delivers payload to dest's inbox, preserving FIFO order relative to
// every other message this rank has already sent to dest.
func (e *Endpoint) Send(dest pset.Rank, tag Tag, payload []byte) error {
	target, ok := e.net.endpoint(dest)
	if !ok {
		return fmt.Errorf("transport: unknown destination rank %d", dest)
	}
	target.deliver(envelope{src: e.rank, tag: tag, payload: payload})
	return nil
}

func (e *Endpoint) deliver(env envelope) {
	e.mu.Lock()
	e.inbox = append(e.inbox, env)
	e.mu.Unlock()
}

// RunUntilIdle drains the inbox, dispatching each envelope to its
// registered handler, until the inbox is empty. Handlers run to completion
// with no preemption; RunUntilIdle itself may be called repeatedly by a
// caller that interleaves
// multiple ranks in one goroutine, or once per goroutine in a concurrent
// harness — both are safe since each Endpoint only touches its own inbox.
func (e *Endpoint) RunUntilIdle(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.mu.Lock()
		if len(e.inbox) == 0 {
			e.mu.Unlock()
			return nil
		}
		env := e.inbox[0]
		e.inbox = e.inbox[1:]
		h := e.handler[env.tag]
		e.mu.Unlock()

		if h == nil {
			return fmt.Errorf("transport: no handler registered for tag %q on rank %d", env.tag, e.rank)
		}
		h(env.src, env.payload)
	}
}

// Network is a fixed set of simulated ranks exchanging messages entirely
// in-process. It is the test/demo substitute for a real scheduler-backed
// transport.
type Network struct {
	mu        sync.RWMutex
	endpoints map[pset.Rank]*Endpoint
}

// NewNetwork builds a Network with one Endpoint per rank in ranks.
func NewNetwork(ranks []pset.Rank) *Network {
	n := &Network{endpoints: make(map[pset.Rank]*Endpoint, len(ranks))}
	for _, r := range ranks {
		n.endpoints[r] = &Endpoint{rank: r, net: n}
	}
	return n
}

func (n *Network) endpoint(r pset.Rank) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[r]
	return ep, ok
}

// Endpoint returns the simulated endpoint for rank r.
func (n *Network) Endpoint(r pset.Rank) *Endpoint {
	ep, ok := n.endpoint(r)
	if !ok {
		panic(fmt.Sprintf("transport: rank %d not part of this network", r))
	}
	return ep
}

// RunAllUntilIdle interleaves draining every endpoint's inbox, round by
// round, until all are simultaneously idle — necessary because handling
// one rank's message can enqueue new messages for another. Rank handler
// loops are run concurrently via errgroup, so an error from any one rank's
// loop (such as a message on an unregistered tag) fails the whole call
// instead of hanging; a panicking handler is not recovered. This is ambient
// harness machinery, not part of the core's concurrency contract.
func (n *Network) RunAllUntilIdle(ctx context.Context) error {
	for {
		var progressed int32
		g, gctx := errgroup.WithContext(ctx)
		n.mu.RLock()
		endpoints := make([]*Endpoint, 0, len(n.endpoints))
		for _, ep := range n.endpoints {
			endpoints = append(endpoints, ep)
		}
		n.mu.RUnlock()

		for _, ep := range endpoints {
			ep := ep
			g.Go(func() error {
				before := ep.pending()
				if err := ep.RunUntilIdle(gctx); err != nil {
					return err
				}
				if before > 0 {
					atomic.StoreInt32(&progressed, 1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if atomic.LoadInt32(&progressed) == 0 {
			return nil
		}
	}
}

func (e *Endpoint) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbox)
}
