// internal/report/report_test.go
package report

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tamzrod/modbus-bridge/internal/logx"
	"github.com/tamzrod/modbus-bridge/internal/status"
	"github.com/tamzrod/modbus-bridge/internal/worker"
)

type fakeScheduler struct {
	defective []string
	tooShort  bool
	wait      worker.WaitStats
}

func (f fakeScheduler) Defective() []string         { return f.defective }
func (f fakeScheduler) IsCycleTimeTooShort() bool   { return f.tooShort }
func (f fakeScheduler) WaitStats() worker.WaitStats { return f.wait }

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestNew_BadSchedule(t *testing.T) {
	if _, err := New("not a schedule", fakeScheduler{}, status.NewBoard(logx.Nop(), nil), logx.Nop()); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestReport_Summary(t *testing.T) {
	board := status.NewBoard(logx.Nop(), nil)
	board.SetCommunicationFailed("m0", true, errors.New("timeout"))
	board.SetCommunicationFailed("m1", false, nil)

	buf := &syncBuffer{}
	log := logx.NewWriter(logx.Config{Level: "debug"}, buf)

	sched := fakeScheduler{
		defective: []string{"m0"},
		tooShort:  true,
		wait:      worker.WaitStats{Period: time.Second, ReadBusy: 300 * time.Millisecond, LastWait: 40 * time.Millisecond},
	}
	r, err := New("@every 1h", sched, board, log)
	if err != nil {
		t.Fatalf("New err=%v", err)
	}

	s := r.Report()
	if s.Devices != 2 || !s.CycleTimeTooShort {
		t.Fatalf("summary %+v", s)
	}
	if s.Wait.LastWait != 40*time.Millisecond {
		t.Fatalf("wait stats %+v", s.Wait)
	}
	if len(s.Failed) != 1 || s.Failed[0] != "m0" {
		t.Fatalf("failed=%v want [m0]", s.Failed)
	}

	out := buf.String()
	if !strings.Contains(out, `"message":"bridge health"`) || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("summary not logged as warn: %s", out)
	}
	if !strings.Contains(out, `"last_wait":40`) || !strings.Contains(out, `"read_busy":300`) {
		t.Fatalf("wait stats not logged: %s", out)
	}
	if !strings.Contains(out, `"message":"device status"`) {
		t.Fatalf("status blocks not logged at debug: %s", out)
	}
}

func TestReporter_StartStop(t *testing.T) {
	r, err := New("@every 1h", fakeScheduler{}, status.NewBoard(logx.Nop(), nil), logx.Nop())
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	r.Start()
	<-r.Stop().Done()
}
