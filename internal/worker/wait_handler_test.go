// internal/worker/wait_handler_test.go
package worker

import (
	"context"
	"testing"
	"time"

	"github.com/tamzrod/modbus-bridge/internal/task"
)

const ms = time.Millisecond

func newTestHandler(margin time.Duration, reads int) (*WaitHandler, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	h := NewWaitHandler(MarginStrategy{Margin: margin}, 5)
	h.now = clk.Now
	h.Resize(reads)
	return h, clk
}

// warmUp runs one cycle: reads take 30ms of a 100ms period.
func warmUp(h *WaitHandler, clk *fakeClock) {
	h.OnReadDeadline()
	h.GetWait()
	clk.Advance(30 * ms)
	h.OnAllFinished()
	clk.Advance(70 * ms)
	h.OnReadDeadline()
}

func TestWaitHandler_NoStatsNoWait(t *testing.T) {
	h, _ := newTestHandler(10*ms, 3)

	h.OnReadDeadline()
	if w := h.GetWait(); w != nil {
		t.Fatalf("expected no wait without statistics, got %s", w)
	}
}

func TestWaitHandler_WaitFillsSpareTime(t *testing.T) {
	h, clk := newTestHandler(10*ms, 3)
	warmUp(h, clk)

	w := h.GetWait()
	if w == nil || w.Duration != 60*ms {
		t.Fatalf("wait=%v want 60ms", w)
	}

	// Steady state: wait 60ms, reads 30ms, 10ms spare.
	clk.Advance(90 * ms)
	h.OnAllFinished()
	clk.Advance(10 * ms)
	h.OnReadDeadline()

	w = h.GetWait()
	if w == nil || w.Duration != 60*ms {
		t.Fatalf("steady-state wait=%v want 60ms", w)
	}
	if h.IsCycleTimeTooShort() {
		t.Fatalf("cycle time must not be too short")
	}
}

func TestWaitHandler_NoWaitWhenMarginConsumed(t *testing.T) {
	h, clk := newTestHandler(80*ms, 3)
	warmUp(h, clk)

	if w := h.GetWait(); w != nil {
		t.Fatalf("expected no wait when spare < margin, got %s", w)
	}
}

func TestWaitHandler_DefectiveCycleIgnored(t *testing.T) {
	h, clk := newTestHandler(10*ms, 3)

	h.OnReadDeadline()
	h.GetWait()
	clk.Advance(5 * ms)
	h.MarkDefectiveDeviceSeen()
	h.OnAllFinished()
	clk.Advance(95 * ms)
	h.OnReadDeadline()

	if w := h.GetWait(); w != nil {
		t.Fatalf("fast-failure cycle must not size a wait, got %s", w)
	}
	if h.Stats().ReadBusy != 0 {
		t.Fatalf("busy estimate must ignore defective cycle, got %s", h.Stats().ReadBusy)
	}
}

func TestWaitHandler_ResizeNeverPlansImpossibleWait(t *testing.T) {
	h, clk := newTestHandler(10*ms, 3)
	warmUp(h, clk)

	// Twice the reads: 60ms busy, spare shrinks by 30ms.
	h.Resize(6)
	w := h.GetWait()
	if w == nil || w.Duration != 30*ms {
		t.Fatalf("wait after resize=%v want 30ms", w)
	}
	st := h.Stats()
	if w.Duration+st.ReadBusy > st.Period {
		t.Fatalf("wait %s + busy %s exceeds period %s", w.Duration, st.ReadBusy, st.Period)
	}
	if h.IsCycleTimeTooShort() {
		t.Fatalf("60ms of reads fit into 100ms")
	}

	// Four times the reads: 120ms busy cannot fit into a 100ms cycle.
	h.Resize(12)
	if !h.IsCycleTimeTooShort() {
		t.Fatalf("expected cycle time too short after resize")
	}
	if w := h.GetWait(); w != nil {
		t.Fatalf("expected no wait when reads span cycles, got %s", w)
	}
}

func TestWaitHandler_OverrunFlagsTooShort(t *testing.T) {
	h, clk := newTestHandler(10*ms, 1)

	h.OnReadDeadline()
	h.GetWait()

	clk.Advance(100 * ms)
	h.OnReadDeadline() // pass still running
	if !h.IsCycleTimeTooShort() {
		t.Fatalf("expected too short while pass spans two cycles")
	}

	clk.Advance(20 * ms)
	h.OnAllFinished()
	clk.Advance(80 * ms)
	h.OnReadDeadline()
	if !h.IsCycleTimeTooShort() {
		t.Fatalf("expected too short after a two-cycle pass")
	}
	if st := h.Stats(); st.LastWait != 0 {
		t.Fatalf("last wait must reset after overrun, got %s", st.LastWait)
	}
}

func TestWaitHandler_OnAllFinishedOutsidePassIgnored(t *testing.T) {
	h, clk := newTestHandler(10*ms, 3)

	h.OnAllFinished()
	clk.Advance(50 * ms)
	h.OnReadDeadline()

	if h.Stats().HasSpare {
		t.Fatalf("no spare time may be recorded without a pass")
	}
}

func TestWaitHandler_PreemptClearsSlot(t *testing.T) {
	h := NewWaitHandler(nil, 0)
	if w, _ := h.preempt(); w != nil {
		t.Fatalf("nothing to preempt")
	}

	w := FixedStrategy(time.Second).NextWait(WaitStats{})
	wt := task.NewWait(w)
	ctx, d := h.activate(testContext(t), wt)
	if d != time.Second {
		t.Fatalf("first activation sleeps %s want 1s", d)
	}

	if h.ActiveWait() != wt {
		t.Fatalf("active wait not stored")
	}
	if got, _ := h.preempt(); got != wt {
		t.Fatalf("preempt returned %v", got)
	}
	if ctx.Err() == nil {
		t.Fatalf("preempt must cancel the wait context")
	}
	if h.ActiveWait() != nil {
		t.Fatalf("slot must be empty after preempt")
	}

	// A late deactivate of the preempted wait is a no-op.
	h.deactivate(wt)
}

func TestWaitHandler_PreemptedWaitResumesWithRemainder(t *testing.T) {
	h, clk := newTestHandler(5*ms, 1)
	wt := task.NewWait(90 * ms)

	_, d := h.activate(testContext(t), wt)
	if d != 90*ms {
		t.Fatalf("first activation sleeps %s want 90ms", d)
	}
	clk.Advance(30 * ms)

	got, left := h.preempt()
	if got != wt || left != 60*ms {
		t.Fatalf("preempt returned %v left=%s want same wait, 60ms", got, left)
	}

	_, d = h.activate(testContext(t), wt)
	if d != 60*ms {
		t.Fatalf("resumed activation sleeps %s want 60ms", d)
	}
	h.deactivate(wt)

	// A later activation of the same wait is a fresh one.
	_, d = h.activate(testContext(t), wt)
	if d != 90*ms {
		t.Fatalf("fresh activation sleeps %s want 90ms", d)
	}
}

// Drives the handler through cycles where the write deadline lands in the
// middle of the planned wait, the way the cycle clock calls it.
func TestWaitHandler_WriteDeadlineInsideWaitKeepsAlignment(t *testing.T) {
	const (
		period = 100 * ms
		offset = 30 * ms
		reads  = 3 * ms
	)
	h, clk := newTestHandler(5*ms, 3)

	for cycle := 1; cycle <= 10; cycle++ {
		start := clk.Now()
		h.OnReadDeadline()
		if cycle > 1 && h.IsCycleTimeTooShort() {
			t.Fatalf("cycle %d: cycle time too short", cycle)
		}

		if wt := h.GetWait(); wt != nil {
			_, d := h.activate(testContext(t), wt)
			if d > offset {
				// write deadline interrupts the sleep
				clk.Advance(offset)
				_, left := h.preempt()
				_, d = h.activate(testContext(t), wt)
				if d != left {
					t.Fatalf("cycle %d: resumed sleep %s want %s", cycle, d, left)
				}
			}
			clk.Advance(d)
			h.deactivate(wt)
		}
		clk.Advance(reads)
		h.OnAllFinished()

		if used := clk.Now().Sub(start); used > period {
			t.Fatalf("cycle %d: read pass ended %s after the deadline", cycle, used-period)
		}
		clk.t = start.Add(period)
	}

	if st := h.Stats(); st.LastWait == 0 {
		t.Fatalf("alignment lost: no wait planned, stats=%+v", st)
	}
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled when
// the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
