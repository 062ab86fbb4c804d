package graphics

import "sync/atomic"

// Null is a context without a GL surface, used with CPU devices.
type Null struct {
	polls    atomic.Int64
	swaps    atomic.Int64
	interval atomic.Int32
	closed   atomic.Bool
}

func (n *Null) MakeCurrent()                 {}
func (n *Null) PollEvents()                  { n.polls.Add(1) }
func (n *Null) SwapBuffers()                 { n.swaps.Add(1) }
func (n *Null) SetSwapInterval(interval int) { n.interval.Store(int32(interval)) }
func (n *Null) ShouldClose() bool            { return n.closed.Load() }
func (n *Null) Shutdown()                    { n.closed.Store(true) }

// Close makes ShouldClose report true.
func (n *Null) Close() { n.closed.Store(true) }

// Swaps returns how many frames were swapped.
func (n *Null) Swaps() int64 { return n.swaps.Load() }

// Polls returns how many times events were polled.
func (n *Null) Polls() int64 { return n.polls.Load() }

// Interval returns the last swap interval set.
func (n *Null) Interval() int { return int(n.interval.Load()) }

var _ Context = (*Null)(nil)
