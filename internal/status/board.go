// internal/status/board.go
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/tamzrod/modbus-bridge/internal/logx"
)

// Board holds the communication-failed flag of every device and the
// bridge-wide cycle-time-too-short verdict. It is safe for concurrent use.
type Board struct {
	mu       sync.Mutex
	devices  map[string]*deviceState
	tooShort bool

	log    logx.Logger
	codeOf func(error) uint16
	now    func() time.Time
}

type deviceState struct {
	health     uint16
	lastError  uint16
	errorSince time.Time
}

// NewBoard creates a board. codeOf maps an error to its status code;
// nil maps every error to 1.
func NewBoard(log logx.Logger, codeOf func(error) uint16) *Board {
	if codeOf == nil {
		codeOf = func(error) uint16 { return 1 }
	}
	return &Board{
		devices: make(map[string]*deviceState),
		log:     log,
		codeOf:  codeOf,
		now:     time.Now,
	}
}

func (b *Board) state(device string) *deviceState {
	st, ok := b.devices[device]
	if !ok {
		st = &deviceState{health: HealthUnknown}
		b.devices[device] = st
	}
	return st
}

// Register makes a device visible before its first request completes.
func (b *Board) Register(device string) {
	b.mu.Lock()
	b.state(device)
	b.mu.Unlock()
}

// SetCommunicationFailed records the outcome of the last request to a device.
// The error clock starts on the first failure and keeps running until success.
func (b *Board) SetCommunicationFailed(device string, failed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(device)
	if failed {
		if st.health != HealthError {
			st.errorSince = b.now()
			b.log.Debug("communication failed", logx.String("device", device), logx.Err(err))
		}
		st.health = HealthError
		if err != nil {
			st.lastError = b.codeOf(err)
		}
		return
	}

	if st.health == HealthError {
		b.log.Debug("communication restored", logx.String("device", device))
	}
	st.health = HealthOK
	st.lastError = 0
	st.errorSince = time.Time{}
}

// SetCycleTimeTooShort publishes the verdict of the latest read deadline.
func (b *Board) SetCycleTimeTooShort(tooShort bool) {
	b.mu.Lock()
	changed := b.tooShort != tooShort
	b.tooShort = tooShort
	b.mu.Unlock()

	if !changed {
		return
	}
	if tooShort {
		b.log.Warn("cycle time too short")
	} else {
		b.log.Info("cycle time sufficient again")
	}
}

func (b *Board) CycleTimeTooShort() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tooShort
}

// CommunicationFailed reports the flag of a device; unknown devices are not failed.
func (b *Board) CommunicationFailed(device string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.devices[device]
	return ok && st.health == HealthError
}

// Snapshot returns the current state of a device.
func (b *Board) Snapshot(device string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.devices[device]
	if !ok {
		return Snapshot{}, false
	}

	s := Snapshot{Health: st.health, LastErrorCode: st.lastError}
	if st.health == HealthError {
		secs := b.now().Sub(st.errorSince) / time.Second
		if secs > MaxSecondsInError {
			secs = MaxSecondsInError
		}
		if secs > 0 {
			s.SecondsInError = uint16(secs)
		}
	}
	return s, true
}

// Block encodes the status block of a device.
func (b *Board) Block(device string) ([]uint16, bool) {
	s, ok := b.Snapshot(device)
	if !ok {
		return nil, false
	}
	return Encode(s, device), true
}

// Forget drops a device that is no longer registered.
func (b *Board) Forget(device string) {
	b.mu.Lock()
	delete(b.devices, device)
	b.mu.Unlock()
}

// Devices lists known devices, sorted.
func (b *Board) Devices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.devices))
	for d := range b.devices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
