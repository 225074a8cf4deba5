package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/host"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/tcache"
)

// State is a dispatcher state.
type State uint8

const (
	StateResolve State = iota
	StateExecute
	StateHandleEvent
	StateHalted
	StateExit
)

func (s State) String() string {
	switch s {
	case StateResolve:
		return "RESOLVE"
	case StateExecute:
		return "EXECUTE"
	case StateHandleEvent:
		return "HANDLE_EVENT"
	case StateHalted:
		return "HALTED"
	case StateExit:
		return "EXIT"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ExitReason tells the owner why Run returned.
type ExitReason uint8

const (
	ExitNone ExitReason = iota
	// ExitRequested: RequestExit was called on the context.
	ExitRequested
	// ExitHalted: the guest halted and the engine is configured to return.
	ExitHalted
	// ExitCanceled: the caller's context ended.
	ExitCanceled
	// ExitUnhandledException: the guest has no handler for an exception.
	ExitUnhandledException
	// ExitFatal: the engine cannot make progress.
	ExitFatal
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitRequested:
		return "requested"
	case ExitHalted:
		return "halted"
	case ExitCanceled:
		return "canceled"
	case ExitUnhandledException:
		return "unhandled-exception"
	case ExitFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ExitReason(%d)", uint8(r))
	}
}

// maxInsertRetries bounds translations lost to flushes by other contexts.
const maxInsertRetries = 4

// Dispatcher drives one execution context. It is not safe for concurrent use;
// other goroutines talk to the context through its interrupt requests.
type Dispatcher struct {
	e  *Engine
	c  *cpu.Context
	jc *tcache.JumpCache

	state State
	done  bool

	unit     *tcache.Unit // resolved, about to execute
	last     *tcache.Unit // previous unit, when its exit may be linked
	lastSlot int
	outcome  Outcome

	reason ExitReason
	err    error
	steps  uint64
}

func (d *Dispatcher) Context() *cpu.Context { return d.c }
func (d *Dispatcher) State() State { return d.state }
func (d *Dispatcher) JumpCache() *tcache.JumpCache { return d.jc }

// LastOutcome is the outcome of the most recent EXECUTE.
func (d *Dispatcher) LastOutcome() Outcome { return d.outcome }

// Steps counts state transitions taken so far.
func (d *Dispatcher) Steps() uint64 { return d.steps }

// Close detaches the context from the engine.
func (d *Dispatcher) Close() { d.e.unregister(d.c) }

// Run drives the context until it exits, halts with ReturnOnHalt set, or ctx
// ends. Only ExitFatal and ExitUnhandledException come with an error that
// describes an engine or guest failure.
func (d *Dispatcher) Run(ctx context.Context) (ExitReason, error) {
	if d.e.closed.Load() {
		return ExitFatal, dbterrors.ErrClosed
	}
	d.begin()
	for !d.done {
		d.step(ctx)
	}
	log.Debug(log.DispatchMonitoring, "dispatch returned", "ctx", d.c.ID, "reason", d.reason, "state", d.state, "err", d.err)
	return d.reason, d.err
}

// Step takes a single state transition and returns the new state. It lets a
// debugger walk the state machine; Run is Step in a loop.
func (d *Dispatcher) Step(ctx context.Context) State {
	d.begin()
	d.step(ctx)
	return d.state
}

// Result returns the reason and error of the last exit.
func (d *Dispatcher) Result() (ExitReason, error) { return d.reason, d.err }

func (d *Dispatcher) begin() {
	if !d.done {
		return
	}
	d.done = false
	d.reason, d.err = ExitNone, nil
	if d.state == StateExit {
		d.state = StateResolve
	}
}

func (d *Dispatcher) step(ctx context.Context) {
	if d.state == StateResolve && d.c.Halted() {
		d.state = StateHalted
	}
	if err := ctx.Err(); err != nil {
		d.state = d.exit(ExitCanceled, err)
		return
	}
	d.steps++
	switch d.state {
	case StateResolve:
		d.state = d.resolve()
	case StateExecute:
		d.state = d.execute()
	case StateHandleEvent:
		d.state = d.handleEvent()
	case StateHalted:
		d.state = d.halted(ctx)
	default:
		d.done = true
	}
}

func (d *Dispatcher) exit(reason ExitReason, err error) State {
	d.reason, d.err = reason, err
	d.done = true
	d.last = nil
	return StateExit
}

func (d *Dispatcher) resolve() State {
	c := d.c
	if exc, ok := c.TakePendingException(); ok {
		d.last = nil
		if err := d.e.inj.Inject(c.Arch, exc); err != nil {
			log.Warn(log.DispatchMonitoring, "exception not deliverable", "ctx", c.ID, "exc", exc, "err", err)
			return d.exit(ExitUnhandledException, err)
		}
		d.e.stats.exceptions.Add(1)
		log.Debug(log.DispatchMonitoring, "exception delivered", "ctx", c.ID, "exc", exc)
		return StateHandleEvent
	}

	pc, flags := c.Arch.PC(), c.Arch.Mode()
	u := d.e.cache.Lookup(d.jc, pc, flags)
	if u == nil {
		var err error
		u, err = d.translate(pc, flags)
		if err != nil {
			var flt *host.Fault
			if errors.As(err, &flt) {
				return d.fetchFault(*flt)
			}
			log.Error(log.DispatchMonitoring, "translation failed", "ctx", c.ID, "pc", fmt.Sprintf("%#x", pc), "err", err)
			return d.exit(ExitFatal, err)
		}
	}
	if d.last != nil {
		d.e.linker.TryLink(d.last, d.lastSlot, u)
		d.last = nil
	}
	d.unit = u
	return StateExecute
}

// translate builds and publishes the unit for (pc, flags). A full arena is
// flushed once; running out again is fatal.
func (d *Dispatcher) translate(pc uint64, flags uint32) (*tcache.Unit, error) {
	e := d.e
	flushed := false
	for attempt := 0; ; attempt++ {
		u, err := e.tr.Translate(pc, flags)
		switch {
		case err == nil:
		case errors.Is(err, dbterrors.ErrArenaFull) && !flushed:
			log.Info(log.DispatchMonitoring, "code arena full, flushing", "ctx", d.c.ID, "pc", fmt.Sprintf("%#x", pc))
			e.Flush()
			flushed = true
			continue
		case errors.Is(err, dbterrors.ErrArenaFull):
			return nil, fmt.Errorf("%w: pc=%#x: %v", dbterrors.ErrArenaExhausted, pc, err)
		default:
			return nil, err
		}
		if err := e.cache.Insert(d.jc, u); err != nil {
			// another context flushed between Translate and Insert
			if attempt < maxInsertRetries {
				continue
			}
			return nil, err
		}
		e.stats.translations.Add(1)
		return u, nil
	}
}

// fetchFault handles a fault raised while reading the first guest instruction
// of a unit.
func (d *Dispatcher) fetchFault(f host.Fault) State {
	act, err := d.e.faults.Handle(f, nil)
	switch act {
	case Resume, ResumeToBoundary:
		return StateResolve
	case Raise:
		d.c.SetPendingException(d.e.inj.PageFault(f.Addr, d.e.mem.ErrorCode(f), d.c.Arch.PC()))
		return StateHandleEvent
	default:
		return d.exit(ExitFatal, err)
	}
}

func (d *Dispatcher) execute() State {
	u := d.unit
	d.unit = nil
	o := d.run(u)
	d.outcome = o
	log.Trace(log.DispatchMonitoring, "executed", "ctx", d.c.ID, "unit", u.Key, "outcome", o.Kind, "exit", o.Exit.Kind)
	switch o.Kind {
	case Completed:
		if o.Linkable {
			d.last = d.e.cache.FindByOffset(o.Exit.Off)
			d.lastSlot = o.Exit.Slot
		}
	case Exception:
		d.c.SetPendingException(o.Exception)
	case Halted:
		d.c.Halt()
	case Fatal:
		log.Error(log.FaultMonitoring, "fatal fault", "ctx", d.c.ID, "unit", u.Key, "err", o.Err)
		return d.exit(ExitFatal, o.Err)
	}
	return StateHandleEvent
}

// run executes u, resolving faults in place, and reports how it ended. The
// engine's gate is held shared for the duration so a flush waits for it.
func (d *Dispatcher) run(u *tcache.Unit) Outcome {
	e := d.e
	e.gate.RLock()
	defer e.gate.RUnlock()
	if !u.Valid() {
		return Outcome{Kind: Stale}
	}
	u.Hit()
	e.stats.executions.Add(1)

	arch := d.c.Arch
	var f host.Frame
	e.win.Load(arch, &f)
	defer e.win.Store(&f, arch)

	user := arch.User()
	mem := e.mem.Memory(user)
	code := e.arena.Code()
	opt := host.Options{Poll: d.poll, User: user}
	off := u.Entry()
	retries, lastOff := 0, -1
	for {
		x := host.Run(code, off, &f, mem, opt)
		e.stats.chained.Add(uint64(x.Chained))
		switch x.Kind {
		case host.ExitTB:
			return Outcome{Kind: Completed, Exit: x, Linkable: true}
		case host.ExitDynamic, host.ExitBoundary:
			return Outcome{Kind: Completed, Exit: x}
		case host.ExitHalt:
			return Outcome{Kind: Halted, Exit: x}
		case host.ExitException:
			return Outcome{Kind: Exception, Exit: x,
				Exception: cpu.Exception{Vector: x.Vector, Code: x.Code, PC: f.PC}}
		}

		if x.Off == lastOff {
			retries++
		} else {
			retries, lastOff = 0, x.Off
		}
		if retries >= maxRetries {
			return Outcome{Kind: Fatal, Exit: x,
				Err: fmt.Errorf("%w: %s %#x keeps faulting", dbterrors.ErrUnclassifiedFault, x.Fault.Access, x.Fault.Addr)}
		}
		act, err := e.faults.Handle(x.Fault, e.cache.FindByOffset(x.Off))
		switch act {
		case Resume, ResumeToBoundary:
			off = x.Off
			opt.Resume, opt.Entry = true, x.Entry
			if act == ResumeToBoundary {
				opt.StopAtBoundary = true
			}
		case Raise:
			exc := e.inj.PageFault(x.Fault.Addr, e.mem.ErrorCode(x.Fault), f.PC)
			return Outcome{Kind: Exception, Exit: x, Exception: exc}
		default:
			return Outcome{Kind: Fatal, Exit: x, Err: err}
		}
	}
}

func (d *Dispatcher) poll() bool {
	return d.c.Poll() || d.e.stopping.Load() != 0
}

// handleEvent samples the context's requests at a unit boundary.
func (d *Dispatcher) handleEvent() State {
	c := d.c
	c.ClearRequests(cpu.InterruptExitTB)
	r := c.Requests()
	if r&cpu.InterruptExit != 0 {
		c.ClearRequests(cpu.InterruptExit)
		return d.exit(ExitRequested, nil)
	}
	if r&cpu.InterruptHard != 0 && c.Arch.InterruptsEnabled() && !c.HasPendingException() {
		vec := c.InterruptVector()
		c.LowerInterrupt()
		c.Unhalt()
		c.SetPendingException(cpu.Exception{Vector: vec, PC: c.Arch.PC(), External: true})
		d.last = nil
		d.e.stats.interrupts.Add(1)
		log.Debug(log.DispatchMonitoring, "interrupt accepted", "ctx", c.ID, "vector", vec)
	}
	if c.Halted() {
		return StateHalted
	}
	return StateResolve
}

// halted parks the context until something can wake it.
func (d *Dispatcher) halted(ctx context.Context) State {
	c := d.c
	if !c.Halted() {
		return StateResolve
	}
	if c.CanWake() {
		return d.handleEvent()
	}
	if d.e.cfg.Dispatch.ReturnOnHalt {
		d.reason, d.err = ExitHalted, nil
		d.done = true
		return StateHalted
	}
	if err := c.Wait(ctx); err != nil {
		return d.exit(ExitCanceled, err)
	}
	return StateHalted
}
