// Package gate provides the counting admission gate that bounds concurrent
// work: folder items in flight and transcoder processes.
package gate

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate is a counting semaphore with in-flight instrumentation.
type Gate struct {
	name     string
	sem      chan struct{}
	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a gate admitting at most size holders. size <= 0 means 1.
func New(name string, size int) *Gate {
	if size <= 0 {
		size = 1
	}
	return &Gate{name: name, sem: make(chan struct{}, size)}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// function is safe to call more than once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			<-g.sem
		})
	}, nil
}

// Do runs fn holding a slot; the slot is released even if fn panics.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Name identifies the gate in logs.
func (g *Gate) Name() string { return g.name }

// Size is the maximum number of concurrent holders.
func (g *Gate) Size() int { return cap(g.sem) }

// InFlight is the number of slots currently held.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Peak is the highest InFlight value observed.
func (g *Gate) Peak() int { return int(g.peak.Load()) }
