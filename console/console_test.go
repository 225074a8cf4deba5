package console

import (
	"bytes"
	"testing"

	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/machine"
	"github.com/colorfulnotion/dbt/mmu"
	"github.com/stretchr/testify/require"
)

func newConsole(t *testing.T) (*Console, *machine.Machine, *bytes.Buffer) {
	cfg := config.Default()
	cfg.Arena.Size = 1 << 20
	cfg.Dispatch.ReturnOnHalt = true
	m, err := machine.New(cfg, true)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	// inc ecx; cmp ecx, 1000; jnz -10; hlt
	require.NoError(t, m.Load(0x1000, []byte{0xFF, 0xC1, 0x81, 0xF9, 0xE8, 0x03, 0x00, 0x00, 0x75, 0xF6, 0xF4}, mmu.PermRWX))
	m.State.RIP = 0x1000
	var out bytes.Buffer
	c, err := New(m, &out)
	require.NoError(t, err)
	return c, m, &out
}

func eval(t *testing.T, c *Console, src string) string {
	out, err := c.Eval(src)
	require.NoError(t, err, src)
	return out
}

func TestConsoleRegisters(t *testing.T) {
	c, m, _ := newConsole(t)
	require.Equal(t, "0x0", eval(t, c, `dbt.reg("rcx")`))
	eval(t, c, `dbt.setreg("rcx", "0x3e0")`)
	require.EqualValues(t, 0x3e0, m.State.Regs[1])
	eval(t, c, `dbt.setreg("RDX", 17)`)
	require.Equal(t, "0x11", eval(t, c, `dbt.regs().rdx`))
	require.Equal(t, "0x1000", eval(t, c, `dbt.pc()`))

	_, err := c.Eval(`dbt.reg("xmm0")`)
	require.Error(t, err)
	_, err = c.Eval(`dbt.setreg("rcx", "zz")`)
	require.Error(t, err)
}

func TestConsoleRunAndInspect(t *testing.T) {
	c, _, out := newConsole(t)
	require.Equal(t, "RESOLVE", eval(t, c, `dbt.state()`))
	require.Equal(t, "EXECUTE", eval(t, c, `dbt.step()`))
	require.Equal(t, "halted", eval(t, c, `dbt.run()`))
	require.Equal(t, "0x3e8", eval(t, c, `dbt.reg("rcx")`))
	require.Equal(t, "true", eval(t, c, `dbt.stats().units >= 2`))
	require.Equal(t, "0x1000", eval(t, c, `dbt.profile(1)[0].pc`))

	require.Contains(t, eval(t, c, `dbt.disasm(0x1000, 2)`), "inc ecx")
	require.Contains(t, eval(t, c, `dbt.host("0x1000")`), "exit")
	require.Contains(t, eval(t, c, `dbt.tree()`), "0x1000")

	eval(t, c, `print(dbt.help())`)
	require.Contains(t, out.String(), "dbt.irq(vector)")

	eval(t, c, `dbt.flush()`)
	require.Equal(t, "0", eval(t, c, `dbt.stats().units`))
	_, err := c.Eval(`dbt.host(0x1000)`)
	require.Error(t, err)
}

func TestConsoleSyntaxError(t *testing.T) {
	c, _, _ := newConsole(t)
	_, err := c.Eval(`dbt.step(`)
	require.Error(t, err)
	require.Equal(t, "", eval(t, c, `undefined`))
}
