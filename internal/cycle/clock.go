// internal/cycle/clock.go
package cycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/tamzrod/modbus-bridge/internal/logx"
)

// Checkpoints receives the two deadlines of every cycle.
type Checkpoints interface {
	OnReadDeadline()
	OnWriteDeadline()
}

// Clock drives the cycle: a read deadline at the start of every period,
// then a write deadline writeOffset later. Targets are notified in order.
type Clock struct {
	period      time.Duration
	writeOffset time.Duration
	targets     []Checkpoints
	log         logx.Logger

	cycles atomic.Uint64
}

func New(period, writeOffset time.Duration, log logx.Logger, targets ...Checkpoints) (*Clock, error) {
	if period <= 0 {
		return nil, errors.New("cycle: period must be > 0")
	}
	if writeOffset < 0 || writeOffset >= period {
		return nil, errors.New("cycle: write offset must be inside the period")
	}
	if len(targets) == 0 {
		return nil, errors.New("cycle: target required")
	}
	for _, t := range targets {
		if t == nil {
			return nil, errors.New("cycle: nil target")
		}
	}
	return &Clock{
		period:      period,
		writeOffset: writeOffset,
		targets:     targets,
		log:         log,
	}, nil
}

// Run fires the first cycle immediately and blocks until ctx is done.
// Ticks missed while a cycle is in progress are dropped, so cycles never overlap.
func (c *Clock) Run(ctx context.Context) {
	c.log.Info("cycle clock started",
		logx.Duration("period", c.period),
		logx.Duration("write_offset", c.writeOffset),
	)

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		if !c.fire(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Clock) fire(ctx context.Context) bool {
	for _, t := range c.targets {
		t.OnReadDeadline()
	}

	timer := time.NewTimer(c.writeOffset)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
	}

	for _, t := range c.targets {
		t.OnWriteDeadline()
	}
	c.cycles.Add(1)
	return true
}

// Cycles counts completed cycles.
func (c *Clock) Cycles() uint64 { return c.cycles.Load() }
