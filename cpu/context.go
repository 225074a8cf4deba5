// Package cpu holds the per-thread execution context the dispatcher drives.
package cpu

import (
	"context"
	"fmt"
	"sync/atomic"
)

// ArchState is the architecture specific register state of a context.
type ArchState interface {
	PC() uint64
	SetPC(pc uint64)
	// Mode returns the translation-affecting flags (operating mode, privilege).
	Mode() uint32
	// User reports whether the context runs at user privilege.
	User() bool
	// InterruptsEnabled reports whether maskable interrupts can be delivered.
	InterruptsEnabled() bool
}

// Interrupt request bits.
const (
	InterruptHard   uint32 = 1 << iota // external maskable interrupt pending
	InterruptExit                      // leave the dispatch loop
	InterruptExitTB                    // stop following chained exits
)

// Exception is a guest-visible event waiting to be delivered.
type Exception struct {
	Vector  uint8
	Code    uint32
	HasCode bool
	// Addr is the faulting address for page faults.
	Addr uint64
	// PC is the guest pc the exception is reported at.
	PC       uint64
	External bool
}

func (e Exception) String() string {
	return fmt.Sprintf("vec=%d code=%#x addr=%#x pc=%#x ext=%v", e.Vector, e.Code, e.Addr, e.PC, e.External)
}

// Context is one guest execution thread. Other goroutines may post interrupt
// requests; everything else belongs to the dispatcher that owns the context.
type Context struct {
	ID   int
	Arch ArchState

	request atomic.Uint32
	vector  atomic.Uint32
	halted  atomic.Bool
	wake    chan struct{}

	pending    Exception
	hasPending bool
}

func NewContext(id int, arch ArchState) *Context {
	return &Context{ID: id, Arch: arch, wake: make(chan struct{}, 1)}
}

func (c *Context) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RaiseInterrupt posts an external interrupt with the given vector.
func (c *Context) RaiseInterrupt(vector uint8) {
	c.vector.Store(uint32(vector))
	c.request.Or(InterruptHard | InterruptExitTB)
	c.signal()
}

// LowerInterrupt withdraws a posted external interrupt.
func (c *Context) LowerInterrupt() {
	c.request.And(^InterruptHard)
}

// RequestExit asks the dispatcher to return to its owner at the next unit boundary.
func (c *Context) RequestExit() {
	c.request.Or(InterruptExit | InterruptExitTB)
	c.signal()
}

// Kick stops chained execution so the dispatcher regains control.
func (c *Context) Kick() {
	c.request.Or(InterruptExitTB)
	c.signal()
}

// Requests returns the pending request bits.
func (c *Context) Requests() uint32 { return c.request.Load() }

// ClearRequests drops the given request bits.
func (c *Context) ClearRequests(bits uint32) { c.request.And(^bits) }

// Poll is handed to the executor: chained exits stop while an exit or kick is pending.
func (c *Context) Poll() bool { return c.request.Load()&(InterruptExit|InterruptExitTB) != 0 }

// InterruptVector is the vector of the pending external interrupt.
func (c *Context) InterruptVector() uint8 { return uint8(c.vector.Load()) }

func (c *Context) Halt() { c.halted.Store(true) }
func (c *Context) Unhalt() { c.halted.Store(false) }
func (c *Context) Halted() bool { return c.halted.Load() }

// Wake resumes a halted context waiting in Wait.
func (c *Context) Wake() { c.signal() }

// Wait blocks until the context is signalled or ctx is done.
func (c *Context) Wait(ctx context.Context) error {
	select {
	case <-c.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CanWake reports whether a halted context has a reason to run again.
func (c *Context) CanWake() bool {
	r := c.request.Load()
	if r&InterruptExit != 0 {
		return true
	}
	return r&InterruptHard != 0 && c.Arch.InterruptsEnabled()
}

// SetPendingException records an exception for delivery at the next resolve.
func (c *Context) SetPendingException(e Exception) {
	c.pending = e
	c.hasPending = true
}

// TakePendingException returns and clears the pending exception.
func (c *Context) TakePendingException() (Exception, bool) {
	if !c.hasPending {
		return Exception{}, false
	}
	c.hasPending = false
	return c.pending, true
}

func (c *Context) HasPendingException() bool { return c.hasPending }
