package cpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeArch struct {
	pc uint64
	ie bool
}

func (a *fakeArch) PC() uint64 { return a.pc }
func (a *fakeArch) SetPC(pc uint64) { a.pc = pc }
func (a *fakeArch) Mode() uint32 { return 0 }
func (a *fakeArch) User() bool { return false }
func (a *fakeArch) InterruptsEnabled() bool { return a.ie }

func TestInterruptRequests(t *testing.T) {
	arch := &fakeArch{}
	c := NewContext(0, arch)
	require.False(t, c.Poll())

	c.RaiseInterrupt(32)
	require.True(t, c.Poll())
	require.Equal(t, uint8(32), c.InterruptVector())
	require.NotZero(t, c.Requests()&InterruptHard)
	require.False(t, c.CanWake(), "interrupts disabled")

	arch.ie = true
	require.True(t, c.CanWake())

	c.ClearRequests(InterruptExitTB)
	require.False(t, c.Poll(), "a masked interrupt alone does not stop chaining")
	c.LowerInterrupt()
	require.Zero(t, c.Requests())

	c.RequestExit()
	require.True(t, c.CanWake())
}

func TestWaitWakesOrCancels(t *testing.T) {
	c := NewContext(1, &fakeArch{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Wake()
	}()
	require.NoError(t, c.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
}

func TestPendingException(t *testing.T) {
	c := NewContext(2, &fakeArch{})
	_, ok := c.TakePendingException()
	require.False(t, ok)

	c.SetPendingException(Exception{Vector: 14, Addr: 0x5000})
	require.True(t, c.HasPendingException())
	e, ok := c.TakePendingException()
	require.True(t, ok)
	require.Equal(t, uint8(14), e.Vector)
	require.False(t, c.HasPendingException())
}
