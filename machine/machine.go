// Package machine assembles a runnable x86 guest: memory, engine, context
// and the optional execution profile.
package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/colorfulnotion/dbt/arena"
	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/guest/x86"
	"github.com/colorfulnotion/dbt/host"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/mmu"
	"github.com/colorfulnotion/dbt/storage"
	"github.com/colorfulnotion/dbt/tcache"
)

// Machine is one x86 guest with a single execution context.
type Machine struct {
	cfg        config.Config
	MMU        *mmu.MMU
	Engine     *engine.Engine
	State      *x86.State
	Context    *cpu.Context
	Dispatcher *engine.Dispatcher

	profile *storage.ProfileStore
	warmed  bool
}

// New builds a machine in 64-bit (long) or 32-bit mode.
func New(cfg config.Config, long bool) (*Machine, error) {
	m := mmu.New()
	e, err := engine.New(cfg, engine.Options{
		Mem:           m,
		NewTranslator: func(a *arena.Arena) engine.Translator { return x86.NewTranslator(a, m, cfg.Translate) },
		Window:        x86.Window{},
		Injector:      x86.Injector{},
	})
	if err != nil {
		return nil, err
	}
	s := x86.NewState(long)
	c := cpu.NewContext(0, s)
	mc := &Machine{cfg: cfg, MMU: m, Engine: e, State: s, Context: c, Dispatcher: e.NewDispatcher(c)}
	if cfg.Profile.Enabled {
		mc.profile, err = storage.OpenProfileStore(cfg.Profile.Path)
		if err != nil {
			e.Close()
			return nil, err
		}
	}
	return mc, nil
}

func (m *Machine) Config() config.Config { return m.cfg }

// Profile returns the profile store, or nil when profiling is off.
func (m *Machine) Profile() *storage.ProfileStore { return m.profile }

// Load maps code at vaddr with perm and copies it in. Translations of any
// page it overwrites are dropped.
func (m *Machine) Load(vaddr uint64, code []byte, perm mmu.Perm) error {
	if err := m.MMU.LoadImage(vaddr, code, perm); err != nil {
		return err
	}
	return m.Engine.WriteGuest(vaddr, code)
}

// LoadFile loads a raw binary image.
func (m *Machine) LoadFile(path string, vaddr uint64, perm mmu.Perm) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return len(data), m.Load(vaddr, data, perm)
}

// Run drives the guest until the dispatcher returns. The first run prewarms
// the cache from the stored profile when configured to.
func (m *Machine) Run(ctx context.Context) (engine.ExitReason, error) {
	m.prewarm()
	return m.Dispatcher.Run(ctx)
}

// Step takes one dispatcher transition.
func (m *Machine) Step(ctx context.Context) engine.State {
	m.prewarm()
	return m.Dispatcher.Step(ctx)
}

func (m *Machine) prewarm() {
	if m.warmed || m.profile == nil || m.cfg.Profile.Prewarm == 0 {
		return
	}
	m.warmed = true
	hot, err := m.profile.Hot(m.cfg.Profile.Prewarm)
	if err != nil {
		log.Warn(log.StorageMonitoring, "profile unreadable, not prewarming", "err", err)
		return
	}
	keys := make([]tcache.Key, len(hot))
	for i, r := range hot {
		keys[i] = tcache.Key{PC: r.PC, Flags: r.Flags}
	}
	n := m.Engine.Prewarm(keys)
	log.Info(log.StorageMonitoring, "prewarmed", "units", n, "hot", len(hot))
}

// SaveProfile merges this session's unit counts into the profile store.
func (m *Machine) SaveProfile() error {
	if m.profile == nil {
		return nil
	}
	entries := m.Engine.Profile()
	recs := make([]storage.ProfileRecord, len(entries))
	for i, e := range entries {
		recs[i] = storage.ProfileRecord{PC: e.PC, Flags: e.Flags, Hits: e.Hits, Insns: e.Insns}
	}
	return m.profile.Record(recs)
}

// Disassemble lists n guest instructions at pc.
func (m *Machine) Disassemble(pc uint64, n int) (string, error) {
	return x86.Disassemble(m.MMU, pc, n, m.State.Long())
}

// HostCode lists the host code of the unit for pc under the current mode.
func (m *Machine) HostCode(pc uint64) (string, error) {
	u := m.Engine.Cache().Lookup(tcache.NewJumpCache(1), pc, m.State.Mode())
	if u == nil {
		return "", fmt.Errorf("no unit for pc %#x mode %#x", pc, m.State.Mode())
	}
	return host.Disassemble(m.Engine.Arena().Code(), u.Entry(), u.Region.Len), nil
}

// Tree renders the translation cache.
func (m *Machine) Tree() string { return m.Engine.Cache().ToTree().String() }

// RegisterState is the JSON form of the guest registers.
type RegisterState struct {
	Regs   map[string]string `json:"regs"`
	RIP    string            `json:"rip"`
	RFLAGS string            `json:"rflags"`
	Mode   uint32            `json:"mode"`
}

// Registers snapshots the guest registers.
func (m *Machine) Registers() RegisterState {
	rs := RegisterState{
		Regs:   make(map[string]string, len(m.State.Regs)),
		RIP:    fmt.Sprintf("%#x", m.State.RIP),
		RFLAGS: fmt.Sprintf("%#x", m.State.RFLAGS),
		Mode:   m.State.Flags,
	}
	for i, name := range x86.RegNames() {
		rs.Regs[name] = fmt.Sprintf("%#x", m.State.Regs[i])
	}
	return rs
}

// StateJSON is Registers encoded as indented JSON.
func (m *Machine) StateJSON() ([]byte, error) {
	return json.MarshalIndent(m.Registers(), "", "  ")
}

// Close saves the profile and releases the engine.
func (m *Machine) Close() error {
	m.Dispatcher.Close()
	var err error
	if m.profile != nil {
		err = m.SaveProfile()
		if cerr := m.profile.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := m.Engine.Close(); err == nil {
		err = cerr
	}
	return err
}
