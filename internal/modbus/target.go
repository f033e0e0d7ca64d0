// internal/modbus/target.go
package modbus

import (
	"sync"
)

// Target is a connection to one Modbus server that receives copied values.
// It serializes requests because it mutates the slave id per write.
type Target struct {
	mu   sync.Mutex
	conn *conn
}

// NewTarget creates a target client. The connection opens on first use.
func NewTarget(cfg Config) (*Target, error) {
	c, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return &Target{conn: c}, nil
}

func newTarget(client Client) *Target {
	return &Target{conn: &conn{
		client:  client,
		setUnit: func(uint8) {},
		close:   func() error { return nil },
	}}
}

func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.close()
}

func (t *Target) WriteCoils(unitID uint8, addr uint16, bits []bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn.setUnit(unitID)
	_, err := t.conn.client.WriteMultipleCoils(addr, uint16(len(bits)), packBits(bits))
	return t.check(err)
}

func (t *Target) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conn.setUnit(unitID)
	_, err := t.conn.client.WriteMultipleRegisters(addr, uint16(len(regs)), packRegisters(regs))
	return t.check(err)
}

// check drops the connection after a transport failure; the next write redials.
func (t *Target) check(err error) error {
	if err != nil && !isException(err) {
		_ = t.conn.close()
	}
	return err
}
