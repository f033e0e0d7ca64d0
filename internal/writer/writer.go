// internal/writer/writer.go
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tamzrod/modbus-bridge/internal/bridge"
	"github.com/tamzrod/modbus-bridge/internal/config"
	"github.com/tamzrod/modbus-bridge/internal/element"
	"github.com/tamzrod/modbus-bridge/internal/logx"
	"github.com/tamzrod/modbus-bridge/internal/modbus"
	"github.com/tamzrod/modbus-bridge/internal/task"
)

// endpointClient is the contract the writer uses for one target server.
type endpointClient interface {
	WriteCoils(unitID uint8, addr uint16, bits []bool) error
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
}

// Source lists the devices whose values are copied. *bridge.Bridge implements it.
type Source interface {
	Devices() []string
	Device(id string) (*bridge.Device, bool)
}

// Writer copies every device's read values to its configured targets,
// once per cycle, right after the read deadline.
// Stale slots are never copied: a span is split around them.
type Writer struct {
	src    Source
	dial   func(config.TargetConfig) (endpointClient, error)
	log    logx.Logger
	errLog *rate.Limiter

	mu      sync.Mutex
	clients map[string]endpointClient

	trigger chan struct{}
}

func New(src Source, log logx.Logger) *Writer {
	return &Writer{
		src:     src,
		dial:    dialTarget,
		log:     log,
		errLog:  rate.NewLimiter(rate.Every(time.Minute), 1),
		clients: make(map[string]endpointClient),
		trigger: make(chan struct{}, 1),
	}
}

func dialTarget(tc config.TargetConfig) (endpointClient, error) {
	return modbus.NewTarget(modbus.Config{
		Transport: "tcp",
		Endpoint:  tc.Endpoint,
		Timeout:   tc.Timeout(),
	})
}

// OnReadDeadline publishes the values of the cycle that just ended.
// A publish still in progress absorbs the trigger.
func (w *Writer) OnReadDeadline() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Writer) OnWriteDeadline() {}

// Run publishes on every trigger until ctx is done.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
		}
		if err := w.Publish(); err != nil && w.errLog.Allow() {
			w.log.Warn("target write failed", logx.Err(err))
		}
	}
}

// Publish writes the current valid values of every device to its targets.
// Clients of endpoints no longer referenced are closed.
func (w *Writer) Publish() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []string
	used := make(map[string]bool)

	for _, id := range w.src.Devices() {
		d, ok := w.src.Device(id)
		if !ok {
			continue
		}
		for _, tgt := range d.Targets() {
			used[tgt.Endpoint] = true
			cli, err := w.client(tgt)
			if err != nil {
				errs = append(errs, fmt.Sprintf("writer: ep=%s err=%v", tgt.Endpoint, err))
				continue
			}
			for _, r := range d.Protocol().Reads() {
				for _, err := range publishSpan(cli, d, tgt, r) {
					errs = append(errs, fmt.Sprintf(
						"writer: device=%s ep=%s unit=%d fc=%d err=%v",
						id, tgt.Endpoint, tgt.UnitID, r.Function(), err,
					))
				}
			}
		}
	}

	for ep, cli := range w.clients {
		if !used[ep] {
			closeClient(cli)
			delete(w.clients, ep)
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, " | "))
	}
	return nil
}

func publishSpan(cli endpointClient, d *bridge.Device, tgt config.TargetConfig, r *task.Read) []error {
	fc := r.Function()
	base := tgt.Offset(uint8(fc))

	var errs []error
	switch fc {
	case task.ReadCoils, task.ReadDiscreteInputs:
		lookup := d.Coil
		if fc == task.ReadDiscreteInputs {
			lookup = d.DiscreteInput
		}
		for _, b := range validBlocks(r.StartAddress(), r.Quantity(), task.WriteMultipleCoils.MaxQuantity(), lookup) {
			if err := cli.WriteCoils(tgt.UnitID, base+b.addr, b.values); err != nil {
				errs = append(errs, err)
			}
		}
	case task.ReadHoldingRegisters, task.ReadInputRegisters:
		lookup := d.HoldingRegister
		if fc == task.ReadInputRegisters {
			lookup = d.InputRegister
		}
		for _, b := range validBlocks(r.StartAddress(), r.Quantity(), task.WriteMultipleRegisters.MaxQuantity(), lookup) {
			if err := cli.WriteRegisters(tgt.UnitID, base+b.addr, b.values); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported fc %d", fc))
	}
	return errs
}

// block is a run of consecutive valid values.
type block[T element.Value] struct {
	addr   uint16
	values []T
}

// validBlocks collects the valid values of [start, start+qty) into runs of at
// most limit values. Missing and stale slots end a run.
func validBlocks[T element.Value](start, qty, limit uint16, lookup func(uint16) (*element.Slot[T], bool)) []block[T] {
	var out []block[T]
	open := false
	for i := uint16(0); i < qty; i++ {
		addr := start + i

		var v T
		valid := false
		if s, ok := lookup(addr); ok {
			v, valid = s.Value()
		}
		if !valid {
			open = false
			continue
		}

		if !open || len(out[len(out)-1].values) == int(limit) {
			out = append(out, block[T]{addr: addr})
			open = true
		}
		last := &out[len(out)-1]
		last.values = append(last.values, v)
	}
	return out
}

func (w *Writer) client(tc config.TargetConfig) (endpointClient, error) {
	if cli, ok := w.clients[tc.Endpoint]; ok {
		return cli, nil
	}
	cli, err := w.dial(tc)
	if err != nil {
		return nil, err
	}
	w.clients[tc.Endpoint] = cli
	return cli, nil
}

// Close releases every target connection.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ep, cli := range w.clients {
		closeClient(cli)
		delete(w.clients, ep)
	}
}

func closeClient(cli endpointClient) {
	if c, ok := cli.(io.Closer); ok {
		_ = c.Close()
	}
}
