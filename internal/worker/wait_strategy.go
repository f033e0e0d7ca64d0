// internal/worker/wait_strategy.go
package worker

import "time"

// WaitStats is what the wait handler knows when sizing the next wait.
type WaitStats struct {
	// Period is the shortest recent read-deadline to read-deadline interval (0 = unknown).
	Period time.Duration
	// LastWait is the wait handed out for the previous read pass.
	LastWait time.Duration
	// Spare is the smallest recent idle time between the end of a read pass
	// and the following read deadline. Only meaningful if HasSpare.
	Spare    time.Duration
	HasSpare bool
	// ReadBusy is the estimated duration of one read pass, wait excluded.
	ReadBusy time.Duration
}

// WaitStrategy sizes the wait inserted before a read batch.
// A result <= 0 means no wait.
type WaitStrategy interface {
	NextWait(s WaitStats) time.Duration
}

// MarginStrategy moves the read pass later by the observed spare time,
// keeping Margin between the end of the pass and the read deadline.
type MarginStrategy struct {
	Margin time.Duration
}

func (m MarginStrategy) NextWait(s WaitStats) time.Duration {
	if !s.HasSpare {
		return 0
	}
	d := s.LastWait + s.Spare - m.Margin
	if s.Period > 0 {
		if limit := s.Period - s.ReadBusy - m.Margin; d > limit {
			d = limit
		}
	}
	if d < 0 {
		return 0
	}
	return d
}

// FixedStrategy always returns the same wait.
type FixedStrategy time.Duration

func (f FixedStrategy) NextWait(WaitStats) time.Duration { return time.Duration(f) }
