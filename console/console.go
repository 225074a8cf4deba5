// Package console exposes a machine to a JavaScript console. Every binding
// lives on the global dbt object, so dbt.step(3) or dbt.reg("rcx").
package console

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/log"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/dop251/goja"
)

// DefaultTimeout bounds a single dbt.run() call.
const DefaultTimeout = 10 * time.Second

type Console struct {
	m       *machine.Machine
	vm      *goja.Runtime
	out     io.Writer
	Timeout time.Duration
}

func New(m *machine.Machine, out io.Writer) (*Console, error) {
	c := &Console{m: m, vm: goja.New(), out: out, Timeout: DefaultTimeout}
	if err := c.bind(); err != nil {
		return nil, err
	}
	return c, nil
}

// Eval runs one line of JavaScript and renders the result.
func (c *Console) Eval(src string) (string, error) {
	v, err := c.vm.RunString(src)
	if err != nil {
		return "", err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", nil
	}
	return v.String(), nil
}

func (c *Console) fail(err error) {
	panic(c.vm.NewGoError(err))
}

func (c *Console) bind() error {
	c.vm.Set("print", func(args ...goja.Value) {
		for _, arg := range args {
			fmt.Fprintln(c.out, arg.Export())
		}
	})

	dbt := c.vm.NewObject()
	bindings := map[string]interface{}{
		"step":    c.step,
		"run":     c.run,
		"state":   func() string { return c.m.Dispatcher.State().String() },
		"regs":    c.regs,
		"reg":     c.reg,
		"setreg":  c.setReg,
		"pc":      func() string { return fmt.Sprintf("%#x", c.m.State.RIP) },
		"setpc":   func(v goja.Value) { c.m.State.RIP = c.uint(v) },
		"irq":     c.irq,
		"exit":    func() { c.m.Context.RequestExit() },
		"disasm":  c.disasm,
		"host":    c.host,
		"tree":    c.m.Tree,
		"stats":   c.stats,
		"profile": c.profile,
		"flush":   func() { c.m.Engine.Flush() },
		"help":    c.help,
	}
	for name, fn := range bindings {
		if err := dbt.Set(name, fn); err != nil {
			return err
		}
	}
	return c.vm.Set("dbt", dbt)
}

// uint accepts a JS number or a string in any Go integer base.
func (c *Console) uint(v goja.Value) uint64 {
	if s, ok := v.Export().(string); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			c.fail(err)
		}
		return n
	}
	return uint64(v.ToInteger())
}

func (c *Console) step(n goja.Value) string {
	steps := 1
	if n != nil && !goja.IsUndefined(n) {
		steps = int(n.ToInteger())
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	st := c.m.Dispatcher.State()
	for i := 0; i < steps && st != engine.StateExit; i++ {
		st = c.m.Step(ctx)
	}
	return st.String()
}

func (c *Console) run() string {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	reason, err := c.m.Run(ctx)
	if err != nil {
		log.Warn(log.DispatchMonitoring, "console run", "reason", reason, "err", err)
		return fmt.Sprintf("%s: %v", reason, err)
	}
	return reason.String()
}

func (c *Console) regs() map[string]string {
	rs := c.m.Registers()
	out := make(map[string]string, len(rs.Regs)+2)
	for k, v := range rs.Regs {
		out[k] = v
	}
	out["rip"] = rs.RIP
	out["rflags"] = rs.RFLAGS
	return out
}

func (c *Console) reg(name string) string {
	v, ok := c.m.State.Reg(name)
	if !ok {
		c.fail(fmt.Errorf("unknown register %q", name))
	}
	return fmt.Sprintf("%#x", v)
}

func (c *Console) setReg(name string, v goja.Value) {
	if !c.m.State.SetReg(name, c.uint(v)) {
		c.fail(fmt.Errorf("unknown register %q", name))
	}
}

func (c *Console) irq(vector goja.Value) {
	c.m.Context.RaiseInterrupt(uint8(c.uint(vector)))
}

func (c *Console) disasm(pc goja.Value, n goja.Value) string {
	count := 8
	if n != nil && !goja.IsUndefined(n) {
		count = int(n.ToInteger())
	}
	addr := c.m.State.RIP
	if pc != nil && !goja.IsUndefined(pc) {
		addr = c.uint(pc)
	}
	out, err := c.m.Disassemble(addr, count)
	if err != nil {
		c.fail(err)
	}
	return out
}

func (c *Console) host(pc goja.Value) string {
	addr := c.m.State.RIP
	if pc != nil && !goja.IsUndefined(pc) {
		addr = c.uint(pc)
	}
	out, err := c.m.HostCode(addr)
	if err != nil {
		c.fail(err)
	}
	return out
}

func (c *Console) stats() map[string]interface{} {
	s := c.m.Engine.Stats()
	return map[string]interface{}{
		"units":          s.Units,
		"translations":   s.Translations,
		"executions":     s.Executions,
		"chained":        s.Chained,
		"exceptions":     s.Exceptions,
		"demandMaps":     s.DemandMaps,
		"codeWrites":     s.CodeWrites,
		"spuriousFaults": s.SpuriousFaults,
		"interrupts":     s.Interrupts,
		"arenaUsed":      s.Arena.Used,
		"arenaResets":    s.Arena.Resets,
	}
}

func (c *Console) profile(n goja.Value) []map[string]interface{} {
	prof := c.m.Engine.Profile()
	if n != nil && !goja.IsUndefined(n) {
		if k := int(n.ToInteger()); k >= 0 && k < len(prof) {
			prof = prof[:k]
		}
	}
	out := make([]map[string]interface{}, len(prof))
	for i, p := range prof {
		out[i] = map[string]interface{}{
			"pc":    fmt.Sprintf("%#x", p.PC),
			"flags": p.Flags,
			"hits":  p.Hits,
			"insns": p.Insns,
		}
	}
	return out
}

func (c *Console) help() string {
	return strings.Join([]string{
		"dbt.step(n)          take n dispatcher transitions",
		"dbt.run()            run until the dispatcher returns",
		"dbt.state()          dispatcher state",
		"dbt.regs()           all registers",
		"dbt.reg(r)           one register",
		"dbt.setreg(r, v)     write a register",
		"dbt.pc() / setpc(v)  guest program counter",
		"dbt.irq(vector)      raise a hardware interrupt",
		"dbt.exit()           request an exit",
		"dbt.disasm(pc, n)    guest instructions",
		"dbt.host(pc)         host code of the unit at pc",
		"dbt.tree()           translation cache",
		"dbt.stats()          engine counters",
		"dbt.profile(n)       hottest units",
		"dbt.flush()          drop every translation",
	}, "\n")
}
