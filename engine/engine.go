// Package engine ties the translation machinery together: the shared Engine
// owns the code arena, the translation cache and the linker; one Dispatcher
// per execution context runs the resolve/execute/event loop.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/dbt/arena"
	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/host"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/mmu"
	"github.com/colorfulnotion/dbt/tcache"
	"golang.org/x/exp/slices"
)

// Translator builds a unit for (pc, flags). A fault fetching the first guest
// instruction is reported as a *host.Fault; a full arena as ErrArenaFull.
type Translator interface {
	Translate(pc uint64, flags uint32) (*tcache.Unit, error)
}

// RegisterWindow moves architectural state in and out of the host frame.
type RegisterWindow interface {
	Load(arch cpu.ArchState, f *host.Frame)
	Store(f *host.Frame, arch cpu.ArchState)
}

// Injector delivers guest exceptions and knows the guest's page fault format.
type Injector interface {
	Inject(arch cpu.ArchState, e cpu.Exception) error
	PageFault(addr uint64, code uint32, pc uint64) cpu.Exception
}

// AddressSpace is the guest address-translation subsystem.
type AddressSpace interface {
	tcache.Pages
	Memory(user bool) host.Memory
	Classify(f host.Fault) mmu.Class
	MapOnDemand(vaddr uint64) error
	ErrorCode(f host.Fault) uint32
	WriteBytes(vaddr uint64, data []byte) ([]uint64, error)
}

// Options carries the guest specific collaborators.
type Options struct {
	Mem AddressSpace
	// NewTranslator is handed the engine's arena.
	NewTranslator func(a *arena.Arena) Translator
	Window        RegisterWindow
	Injector      Injector
}

type counters struct {
	translations, executions, chained, exceptions atomic.Uint64
	demandMaps, codeWrites, spurious, interrupts  atomic.Uint64
}

// Stats is a snapshot of engine activity.
type Stats struct {
	Cache          tcache.Stats
	Arena          arena.Stats
	Units          int
	Translations   uint64
	Executions     uint64
	Chained        uint64
	Exceptions     uint64
	DemandMaps     uint64
	CodeWrites     uint64
	SpuriousFaults uint64
	Interrupts     uint64
}

// Engine is the state shared by every execution context.
type Engine struct {
	cfg    config.Config
	arena  *arena.Arena
	cache  *tcache.Cache
	linker *tcache.Linker
	mem    AddressSpace
	tr     Translator
	win    RegisterWindow
	inj    Injector
	faults *FaultHandler

	// gate is held shared while host code runs and exclusively by Flush.
	gate sync.RWMutex
	// stopping is non-zero while a flush or close waits for the gate; host
	// code stops following linked exits when it sees it.
	stopping atomic.Int32

	ctxMu    sync.Mutex
	contexts map[*cpu.Context]struct{}

	stats  counters
	closed atomic.Bool
}

func New(cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Mem == nil || opts.NewTranslator == nil || opts.Window == nil || opts.Injector == nil {
		return nil, fmt.Errorf("%w: engine options incomplete", dbterrors.ErrBadConfig)
	}
	size := (cfg.Arena.Size + arena.Align - 1) &^ (arena.Align - 1)
	a, err := arena.New(size)
	if err != nil {
		return nil, err
	}
	cache := tcache.NewCache(a, opts.Mem, cfg.Cache.PhysHashBits)
	e := &Engine{
		cfg:      cfg,
		arena:    a,
		cache:    cache,
		linker:   tcache.NewLinker(cache, cfg.Dispatch.Chaining),
		mem:      opts.Mem,
		tr:       opts.NewTranslator(a),
		win:      opts.Window,
		inj:      opts.Injector,
		contexts: make(map[*cpu.Context]struct{}),
	}
	e.faults = &FaultHandler{e: e}
	log.Debug(log.DispatchMonitoring, "engine ready", "arena", size, "chaining", cfg.Dispatch.Chaining)
	return e, nil
}

func (e *Engine) Config() config.Config { return e.cfg }
func (e *Engine) Cache() *tcache.Cache { return e.cache }
func (e *Engine) Arena() *arena.Arena { return e.arena }
func (e *Engine) Linker() *tcache.Linker { return e.linker }

// NewDispatcher registers c with the engine and returns its dispatcher.
func (e *Engine) NewDispatcher(c *cpu.Context) *Dispatcher {
	e.ctxMu.Lock()
	e.contexts[c] = struct{}{}
	e.ctxMu.Unlock()
	return &Dispatcher{
		e:     e,
		c:     c,
		jc:    tcache.NewJumpCache(e.cfg.Cache.JumpCacheBits),
		state: StateResolve,
	}
}

func (e *Engine) unregister(c *cpu.Context) {
	e.ctxMu.Lock()
	delete(e.contexts, c)
	e.ctxMu.Unlock()
}

// Flush discards every translation. Running contexts are kicked out of
// chained execution and the flush waits until no host code runs.
func (e *Engine) Flush() {
	e.stopAll()
	e.cache.Flush()
	e.release()
	log.Info(log.DispatchMonitoring, "translation cache flushed", "gen", e.cache.Generation())
}

// stopAll takes the gate exclusively, kicking every context out of chained
// execution first.
func (e *Engine) stopAll() {
	e.stopping.Add(1)
	e.ctxMu.Lock()
	for c := range e.contexts {
		c.Kick()
	}
	e.ctxMu.Unlock()
	e.gate.Lock()
}

func (e *Engine) release() {
	e.gate.Unlock()
	e.stopping.Add(-1)
}

// InvalidatePage retires the units built from guest physical page pfn.
func (e *Engine) InvalidatePage(pfn uint64) []*tcache.Unit {
	return e.cache.InvalidatePage(pfn)
}

// WriteGuest stores data into guest memory on behalf of the host (loaders,
// debuggers) and invalidates translations of the pages it changes.
func (e *Engine) WriteGuest(vaddr uint64, data []byte) error {
	touched, err := e.mem.WriteBytes(vaddr, data)
	for _, pfn := range touched {
		e.cache.InvalidatePage(pfn)
	}
	return err
}

// Prewarm translates the given entry points ahead of execution.
func (e *Engine) Prewarm(keys []tcache.Key) int {
	jc := tcache.NewJumpCache(e.cfg.Cache.JumpCacheBits)
	n := 0
	for _, k := range keys {
		if e.cache.Lookup(jc, k.PC, k.Flags) != nil {
			continue
		}
		u, err := e.tr.Translate(k.PC, k.Flags)
		if err != nil {
			log.Debug(log.TranslateMonitoring, "prewarm skipped", "key", k, "err", err)
			continue
		}
		if e.cache.Insert(jc, u) == nil {
			e.stats.translations.Add(1)
			n++
		}
	}
	return n
}

// Profile lists live units, most dispatched first.
func (e *Engine) Profile() []ProfileEntry {
	var out []ProfileEntry
	e.cache.ForEach(func(u *tcache.Unit) {
		out = append(out, ProfileEntry{PC: u.PC, Flags: u.Flags, Hits: u.Hits(), Insns: u.Insns})
	})
	slices.SortStableFunc(out, func(a, b ProfileEntry) int {
		switch {
		case a.Hits > b.Hits:
			return -1
		case a.Hits < b.Hits:
			return 1
		}
		return 0
	})
	return out
}

// ProfileEntry is the execution record of one unit.
type ProfileEntry struct {
	PC    uint64
	Flags uint32
	Hits  uint64
	Insns int
}

func (e *Engine) Stats() Stats {
	return Stats{
		Cache:          e.cache.Stats(),
		Arena:          e.arena.Stats(),
		Units:          e.cache.Len(),
		Translations:   e.stats.translations.Load(),
		Executions:     e.stats.executions.Load(),
		Chained:        e.stats.chained.Load(),
		Exceptions:     e.stats.exceptions.Load(),
		DemandMaps:     e.stats.demandMaps.Load(),
		CodeWrites:     e.stats.codeWrites.Load(),
		SpuriousFaults: e.stats.spurious.Load(),
		Interrupts:     e.stats.interrupts.Load(),
	}
}

// Close releases the arena. Dispatchers must have returned.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stopAll()
	defer e.release()
	return e.arena.Close()
}
