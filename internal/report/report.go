// internal/report/report.go
package report

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/tamzrod/modbus-bridge/internal/logx"
	"github.com/tamzrod/modbus-bridge/internal/status"
	"github.com/tamzrod/modbus-bridge/internal/worker"
)

// Scheduler is the worker view the report needs.
type Scheduler interface {
	Defective() []string
	IsCycleTimeTooShort() bool
	WaitStats() worker.WaitStats
}

// Summary is one health report.
type Summary struct {
	Devices           int
	Failed            []string
	Defective         []string
	CycleTimeTooShort bool
	Wait              worker.WaitStats
}

// Reporter logs a health summary on a cron schedule.
type Reporter struct {
	c        *cron.Cron
	schedule cron.Schedule

	sched Scheduler
	board *status.Board
	log   logx.Logger
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New parses the schedule ("@every 1m", "0 */5 * * * *", ...).
func New(expr string, sched Scheduler, board *status.Board, log logx.Logger) (*Reporter, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("report: schedule %q: %w", expr, err)
	}
	return &Reporter{
		c:        cron.New(cron.WithParser(parser)),
		schedule: schedule,
		sched:    sched,
		board:    board,
		log:      log,
	}, nil
}

func (r *Reporter) Start() {
	r.c.Schedule(r.schedule, cron.FuncJob(func() { r.Report() }))
	r.c.Start()
}

// Stop halts the schedule; the returned context is done once a running report finishes.
func (r *Reporter) Stop() context.Context { return r.c.Stop() }

// Report logs and returns the current summary.
func (r *Reporter) Report() Summary {
	devices := r.board.Devices()
	s := Summary{
		Devices:           len(devices),
		Defective:         r.sched.Defective(),
		CycleTimeTooShort: r.sched.IsCycleTimeTooShort(),
		Wait:              r.sched.WaitStats(),
	}
	for _, d := range devices {
		if r.board.CommunicationFailed(d) {
			s.Failed = append(s.Failed, d)
		}
		if r.log.Enabled(logx.DebugLevel) {
			if block, ok := r.board.Block(d); ok {
				r.log.Debug("device status", logx.String("device", d), logx.Uint16s("block", block))
			}
		}
	}

	fields := []logx.Field{
		logx.Int("devices", s.Devices),
		logx.Strings("defective", s.Defective),
		logx.Strings("failed", s.Failed),
		logx.Bool("cycle_time_too_short", s.CycleTimeTooShort),
		logx.Duration("period", s.Wait.Period),
		logx.Duration("read_busy", s.Wait.ReadBusy),
		logx.Duration("last_wait", s.Wait.LastWait),
	}
	if len(s.Defective) > 0 || s.CycleTimeTooShort {
		r.log.Warn("bridge health", fields...)
	} else {
		r.log.Info("bridge health", fields...)
	}
	return s
}
