package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/colorfulnotion/dbt/arena"
	"github.com/colorfulnotion/dbt/config"
	"github.com/colorfulnotion/dbt/cpu"
	"github.com/colorfulnotion/dbt/dbterrors"
	"github.com/colorfulnotion/dbt/guest/x86"
	"github.com/colorfulnotion/dbt/host"
	"github.com/colorfulnotion/dbt/mmu"
	"github.com/colorfulnotion/dbt/tcache"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var _ AddressSpace = (*mmu.MMU)(nil)

// 3-instruction loop: inc ecx; cmp ecx, 1000; jne 0x1000; then hlt.
var countingLoop = []byte{0xFF, 0xC1, 0x81, 0xF9, 0xE8, 0x03, 0x00, 0x00, 0x75, 0xF6, 0xF4}

// Sums 0..99 into the dword at 0x8000 and loads the result into eax.
var sumLoop = []byte{
	0xBB, 0x00, 0x80, 0x00, 0x00, // mov ebx, 0x8000
	0x01, 0x0B, // add [rbx], ecx
	0xFF, 0xC1, // inc ecx
	0x83, 0xF9, 0x64, // cmp ecx, 100
	0x75, 0xF7, // jne 0x1005
	0x8B, 0x03, // mov eax, [rbx]
	0xF4, // hlt
}

type rig struct {
	e   *Engine
	mem *mmu.MMU
	s   *x86.State
	c   *cpu.Context
	d   *Dispatcher
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Arena.Size = 1 << 20
	cfg.Dispatch.ReturnOnHalt = true
	return cfg
}

func newRig(t *testing.T, cfg config.Config) *rig {
	m := mmu.New()
	e, err := New(cfg, Options{
		Mem:           m,
		NewTranslator: func(a *arena.Arena) Translator { return x86.NewTranslator(a, m, cfg.Translate) },
		Window:        x86.Window{},
		Injector:      x86.Injector{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	s := x86.NewState(true)
	s.RIP = 0x1000
	c := cpu.NewContext(0, s)
	return &rig{e: e, mem: m, s: s, c: c, d: e.NewDispatcher(c)}
}

func (r *rig) load(t *testing.T, vaddr uint64, code []byte, perm mmu.Perm) {
	require.NoError(t, r.mem.LoadImage(vaddr, code, perm))
}

func (r *rig) run(t *testing.T) (ExitReason, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.d.Run(ctx)
}

func (r *rig) unitsAt(pc uint64) int {
	n := 0
	r.e.Cache().ForEach(func(u *tcache.Unit) {
		if u.PC == pc {
			n++
		}
	})
	return n
}

func TestCountingLoopEndToEnd(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, countingLoop, mmu.PermRWX)

	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	require.Equal(t, StateHalted, r.d.State())
	require.True(t, r.c.Halted())
	require.Equal(t, uint64(1000), r.s.Regs[x86.RCX])
	require.Equal(t, uint64(0x100B), r.s.RIP)

	require.Equal(t, 1, r.unitsAt(0x1000))
	st := r.e.Stats()
	require.Equal(t, uint64(2), st.Translations)
	// the first pass exits unlinked, the rest chains into itself
	require.Equal(t, uint64(998), st.Chained)

	prof := r.e.Profile()
	require.Len(t, prof, 2)
	require.Equal(t, uint64(0x1000), prof[0].PC)
	require.Equal(t, uint64(2), prof[0].Hits)
	require.Equal(t, 3, prof[0].Insns)
}

func TestHaltedContextReturnsImmediately(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, countingLoop, mmu.PermRWX)
	r.c.Halt()
	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	require.Zero(t, r.e.Stats().Translations)
}

func TestExitRequestedBeforeRun(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, countingLoop, mmu.PermRWX)
	r.c.RequestExit()

	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitRequested, reason)
	require.Equal(t, StateExit, r.d.State())
	require.Equal(t, uint64(1), r.s.Regs[x86.RCX])

	reason, err = r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	require.Equal(t, uint64(1000), r.s.Regs[x86.RCX])
}

func TestStepWalksStates(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, countingLoop, mmu.PermRWX)
	ctx := context.Background()
	require.Equal(t, StateExecute, r.d.Step(ctx))
	require.Equal(t, StateHandleEvent, r.d.Step(ctx))
	require.Equal(t, Completed, r.d.LastOutcome().Kind)
	require.True(t, r.d.LastOutcome().Linkable)
	require.Equal(t, StateResolve, r.d.Step(ctx))
	require.Equal(t, uint64(3), r.d.Steps())
}

func TestPrivilegeViolationRaisesOnePageFault(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, []byte{
		0xBB, 0x00, 0x50, 0x00, 0x00, // mov ebx, 0x5000
		0x8B, 0x03, // mov eax, [rbx]
		0xF4,
	}, mmu.PermRWX|mmu.PermUser)
	require.NoError(t, r.mem.Map(0x5000, mmu.PageSize, mmu.PermRead|mmu.PermWrite))
	r.load(t, 0x3000, []byte{0xF4}, mmu.PermRWX)
	r.s.SetHandler(x86.VecPF, 0x3000)
	r.s.SetUser(true)

	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	require.Equal(t, 1, r.s.Exceptions)
	require.Equal(t, x86.VecPF, r.s.Last.Vector)
	require.Equal(t, uint64(0x5000), r.s.CR2)
	require.Equal(t, uint32(mmu.PFPresent|mmu.PFUser), r.s.Last.Code)
	require.Equal(t, uint64(0x1005), r.s.Saved[0].RIP)
	require.Equal(t, uint64(0x5000), r.s.Regs[x86.RBX])
	require.False(t, r.s.User())
	require.Equal(t, uint64(1), r.e.Stats().Exceptions)
}

func TestDemandMappedAccessIsInvisible(t *testing.T) {
	r := newRig(t, testConfig())
	r.mem.AddDemandRegion(0x10000, 0x20000, mmu.PermRead|mmu.PermWrite)
	r.load(t, 0x1000, []byte{
		0xBB, 0x00, 0x00, 0x01, 0x00, // mov ebx, 0x10000
		0xC7, 0x03, 0x2A, 0x00, 0x00, 0x00, // mov dword [rbx], 42
		0x8B, 0x03, // mov eax, [rbx]
		0xF4,
	}, mmu.PermRWX)

	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	require.Equal(t, uint64(42), r.s.Regs[x86.RAX])
	require.Zero(t, r.s.Exceptions)
	require.Equal(t, uint64(1), r.e.Stats().DemandMaps)
}

func TestUnhandledExceptionEndsRun(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, []byte{0x0F, 0x0B}, mmu.PermRWX) // ud2
	reason, err := r.run(t)
	require.Equal(t, ExitUnhandledException, reason)
	require.ErrorIs(t, err, dbterrors.ErrNoHandler)
	require.Equal(t, x86.VecUD, r.s.Last.Vector)
}

func TestSelfModifyingCodeOnAnotherPage(t *testing.T) {
	r := newRig(t, testConfig())
	require.NoError(t, r.mem.Map(0x8000, mmu.PageSize, mmu.PermRead|mmu.PermWrite))
	r.s.Regs[x86.RSP] = 0x9000
	r.load(t, 0x1000, []byte{
		0xBB, 0x01, 0x20, 0x00, 0x00, // mov ebx, 0x2001
		0xE8, 0xF6, 0x0F, 0x00, 0x00, // call 0x2000
		0xC7, 0x03, 0x07, 0x00, 0x00, 0x00, // mov dword [rbx], 7
		0xE8, 0xEB, 0x0F, 0x00, 0x00, // call 0x2000
		0xF4,
	}, mmu.PermRWX)
	r.load(t, 0x2000, []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0xC3, // ret
	}, mmu.PermRWX)

	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	require.Equal(t, uint64(7), r.s.Regs[x86.RAX])
	require.Equal(t, uint64(0x9000), r.s.Regs[x86.RSP])
	require.Zero(t, r.s.Exceptions)
	require.Equal(t, uint64(1), r.e.Stats().CodeWrites)
}

func TestSelfModifyingCodeInRunningUnit(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, []byte{
		0xBB, 0x0C, 0x10, 0x00, 0x00, // mov ebx, 0x100c
		0xC7, 0x03, 0x09, 0x00, 0x00, 0x00, // mov dword [rbx], 9
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1 (imm rewritten above)
		0xF4,
	}, mmu.PermRWX)

	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	require.Equal(t, uint64(9), r.s.Regs[x86.RAX])
	require.Equal(t, uint64(1), r.e.Stats().CodeWrites)
	require.Equal(t, 0, r.unitsAt(0x1000))
	require.Equal(t, 1, r.unitsAt(0x100B))
}

type machineState struct {
	Regs   [16]uint64
	RIP    uint64
	RFLAGS uint64
	Mem    []byte
}

func runSum(t *testing.T, chaining bool) (machineState, Stats) {
	cfg := testConfig()
	cfg.Dispatch.Chaining = chaining
	r := newRig(t, cfg)
	require.NoError(t, r.mem.Map(0x8000, mmu.PageSize, mmu.PermRead|mmu.PermWrite))
	r.load(t, 0x1000, sumLoop, mmu.PermRWX)
	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	mem, err := r.mem.ReadBytes(0x8000, 4)
	require.NoError(t, err)
	return machineState{Regs: r.s.Regs, RIP: r.s.RIP, RFLAGS: r.s.RFLAGS, Mem: mem}, r.e.Stats()
}

func TestChainingIsTransparent(t *testing.T) {
	linked, ls := runSum(t, true)
	plain, ps := runSum(t, false)
	if diff := cmp.Diff(plain, linked); diff != "" {
		t.Fatalf("chained run differs (-plain +linked):\n%s", diff)
	}
	require.Equal(t, uint64(4950), linked.Regs[x86.RAX])
	require.NotZero(t, ls.Chained)
	require.Zero(t, ps.Chained)
	require.Zero(t, ps.Cache.Links)
	require.Greater(t, ps.Executions, ls.Executions)
}

func TestInvalidatePageLeavesNoPathIntoUnits(t *testing.T) {
	r := newRig(t, testConfig())
	require.NoError(t, r.mem.Map(0x8000, mmu.PageSize, mmu.PermRead|mmu.PermWrite))
	r.load(t, 0x1000, sumLoop, mmu.PermRWX)
	_, err := r.run(t)
	require.NoError(t, err)
	require.NotZero(t, r.e.Cache().Stats().Links)

	pfn, ok := r.mem.PhysPage(0x1000)
	require.True(t, ok)
	victims := r.e.InvalidatePage(pfn)
	require.Len(t, victims, 3)
	require.False(t, r.mem.IsCodeProtected(pfn))

	code := r.e.Arena().Code()
	for _, v := range victims {
		require.False(t, v.Valid())
		require.Nil(t, r.e.Cache().Lookup(r.d.JumpCache(), v.PC, v.Flags), "lookup %v", v.Key)
		require.Empty(t, v.Incoming())
		for i := range v.Exits {
			require.Nil(t, v.Exits[i].Linked())
			_, linked := host.LoadLink(code, v.Exits[i].Off)
			require.False(t, linked)
		}
	}

	// retranslation gives the same guest visible result
	_, err = r.mem.WriteBytes(0x8000, make([]byte, 4))
	require.NoError(t, err)
	r.s.Regs = [16]uint64{}
	r.s.RIP = 0x1000
	r.c.Unhalt()
	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	require.Equal(t, uint64(4950), r.s.Regs[x86.RAX])
}

func TestWriteGuestInvalidates(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, []byte{0xB8, 0x05, 0x00, 0x00, 0x00, 0xF4}, mmu.PermRWX)
	_, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, uint64(5), r.s.Regs[x86.RAX])

	require.NoError(t, r.e.WriteGuest(0x1001, []byte{0x06}))
	require.Zero(t, r.e.Cache().Len())
	r.s.RIP = 0x1000
	r.c.Unhalt()
	_, err = r.run(t)
	require.NoError(t, err)
	require.Equal(t, uint64(6), r.s.Regs[x86.RAX])
	require.Equal(t, uint64(2), r.e.Stats().Translations)
}

func TestArenaFullFlushesOnceAndRetries(t *testing.T) {
	cfg := testConfig()
	cfg.Arena.Size = 4096
	r := newRig(t, cfg)
	jumps := make([]byte, 600) // 300 x "jmp +0"
	var keys []tcache.Key
	for i := 0; i < len(jumps); i += 2 {
		jumps[i] = 0xEB
		keys = append(keys, tcache.Key{PC: 0x1000 + uint64(i), Flags: r.s.Mode()})
	}
	r.load(t, 0x1000, jumps, mmu.PermRWX)
	r.load(t, 0x3000, []byte{0xF4}, mmu.PermRWX)

	n := r.e.Prewarm(keys)
	require.Greater(t, n, 0)
	require.Less(t, n, len(keys))
	require.Equal(t, n, r.e.Cache().Len())

	r.s.RIP = 0x3000
	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	st := r.e.Stats()
	require.Equal(t, uint64(1), st.Cache.Flushes)
	require.Equal(t, 1, st.Units)
	require.Equal(t, 1, r.unitsAt(0x3000))
	require.Equal(t, uint64(n+1), st.Translations)
}

type fullArena struct{ calls int }

func (f *fullArena) Translate(pc uint64, flags uint32) (*tcache.Unit, error) {
	f.calls++
	return nil, dbterrors.ErrArenaFull
}

func TestArenaExhaustedAfterFlushIsFatal(t *testing.T) {
	cfg := testConfig()
	tr := &fullArena{}
	m := mmu.New()
	e, err := New(cfg, Options{
		Mem:           m,
		NewTranslator: func(*arena.Arena) Translator { return tr },
		Window:        x86.Window{},
		Injector:      x86.Injector{},
	})
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, m.LoadImage(0x1000, []byte{0xF4}, mmu.PermRWX))
	s := x86.NewState(true)
	s.RIP = 0x1000
	d := e.NewDispatcher(cpu.NewContext(0, s))

	reason, err := d.Run(context.Background())
	require.Equal(t, ExitFatal, reason)
	require.ErrorIs(t, err, dbterrors.ErrArenaExhausted)
	require.Equal(t, 2, tr.calls)
	require.Equal(t, uint64(1), e.Stats().Cache.Flushes)
}

func TestRequestExitStopsChainedLoop(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, []byte{0xEB, 0xFE}, mmu.PermRWX) // jmp $
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.c.RequestExit()
	}()
	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitRequested, reason)
	require.Equal(t, uint64(0x1000), r.s.RIP)
}

func TestHardInterruptIsInjected(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, []byte{0xFB, 0xEB, 0xFE}, mmu.PermRWX) // sti; jmp $
	r.load(t, 0x3000, []byte{0xF4}, mmu.PermRWX)
	r.s.SetHandler(0x20, 0x3000)
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.c.RaiseInterrupt(0x20)
	}()
	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitHalted, reason)
	require.Equal(t, 1, r.s.Exceptions)
	require.True(t, r.s.Last.External)
	require.Equal(t, uint8(0x20), r.s.Last.Vector)
	require.Equal(t, uint64(0x1001), r.s.Saved[0].RIP)
	require.False(t, r.s.InterruptsEnabled())
	require.Zero(t, r.c.Requests()&cpu.InterruptHard)
	require.Equal(t, uint64(1), r.e.Stats().Interrupts)
}

func TestHaltedContextWakesOnInterrupt(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.ReturnOnHalt = false
	r := newRig(t, cfg)
	r.load(t, 0x1000, []byte{0xF4}, mmu.PermRWX)
	r.load(t, 0x3000, []byte{0xB8, 0x33, 0x00, 0x00, 0x00, 0xF4}, mmu.PermRWX) // mov eax, 0x33; hlt
	r.s.SetHandler(0x20, 0x3000)
	r.s.RFLAGS |= host.FlagIF

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.c.RaiseInterrupt(0x20)
		for r.e.Stats().Executions < 2 {
			time.Sleep(time.Millisecond)
		}
		r.c.RequestExit()
	}()
	reason, err := r.run(t)
	require.NoError(t, err)
	require.Equal(t, ExitRequested, reason)
	require.Equal(t, uint64(0x33), r.s.Regs[x86.RAX])
	require.Equal(t, uint64(0x1001), r.s.Saved[0].RIP)
}

func TestCanceledWhileHalted(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.ReturnOnHalt = false
	r := newRig(t, cfg)
	r.load(t, 0x1000, []byte{0xF4}, mmu.PermRWX)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	reason, err := r.d.Run(ctx)
	require.Equal(t, ExitCanceled, reason)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFlushWhileContextsRun(t *testing.T) {
	r := newRig(t, testConfig())
	r.load(t, 0x1000, []byte{0xEB, 0xFE}, mmu.PermRWX)
	r.load(t, 0x2000, []byte{0xEB, 0xFE}, mmu.PermRWX)
	s2 := x86.NewState(true)
	s2.RIP = 0x2000
	c2 := cpu.NewContext(1, s2)
	d2 := r.e.NewDispatcher(c2)
	defer d2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	reasons := make([]ExitReason, 2)
	for i, d := range []*Dispatcher{r.d, d2} {
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			reasons[i], _ = d.Run(ctx)
		}(i, d)
	}
	require.Eventually(t, func() bool { return r.e.Stats().Translations == 2 }, 5*time.Second, time.Millisecond)
	r.e.Flush()
	require.Eventually(t, func() bool { return r.e.Stats().Translations == 4 }, 5*time.Second, time.Millisecond)
	r.c.RequestExit()
	c2.RequestExit()
	wg.Wait()

	require.Equal(t, []ExitReason{ExitRequested, ExitRequested}, reasons)
	require.Equal(t, uint64(1), r.e.Stats().Cache.Flushes)
	require.Equal(t, 2, r.e.Cache().Len())
}

func TestNewRejectsIncompleteOptions(t *testing.T) {
	_, err := New(testConfig(), Options{})
	require.ErrorIs(t, err, dbterrors.ErrBadConfig)

	cfg := testConfig()
	cfg.Arena.Size = 10
	_, err = New(cfg, Options{})
	require.ErrorIs(t, err, dbterrors.ErrBadConfig)
}
