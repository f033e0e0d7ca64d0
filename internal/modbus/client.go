// internal/modbus/client.go
package modbus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goburrow/modbus"
)

// Client is the subset of modbus.Client the executor uses.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Config is minimal transport config.
type Config struct {
	Transport string // "tcp" or "rtu"
	Endpoint  string // host:port or serial device
	Timeout   time.Duration

	// RTU only
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
}

// conn is one goburrow handler with a mutable slave id.
type conn struct {
	client  Client
	setUnit func(uint8)
	close   func() error
}

// dial builds the handler. goburrow connects lazily on the first request
// and again after Close, so a dead transport recovers on a later cycle.
func dial(cfg Config) (*conn, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus: endpoint required")
	}

	switch strings.ToLower(cfg.Transport) {
	case "", "tcp":
		h := modbus.NewTCPClientHandler(cfg.Endpoint)
		h.Timeout = cfg.Timeout
		return &conn{
			client:  modbus.NewClient(h),
			setUnit: func(u uint8) { h.SlaveId = u },
			close:   h.Close,
		}, nil

	case "rtu":
		h := modbus.NewRTUClientHandler(cfg.Endpoint)
		h.Timeout = cfg.Timeout
		h.BaudRate = cfg.BaudRate
		h.DataBits = cfg.DataBits
		h.Parity = cfg.Parity
		h.StopBits = cfg.StopBits
		return &conn{
			client:  modbus.NewClient(h),
			setUnit: func(u uint8) { h.SlaveId = u },
			close:   h.Close,
		}, nil
	}

	return nil, fmt.Errorf("modbus: unsupported transport %q", cfg.Transport)
}

// ErrorCode extracts a best-effort uint16 code from an error.
// Modbus exceptions yield their exception code; other errors return 1 (generic error).
func ErrorCode(err error) uint16 {
	if err == nil {
		return 0
	}

	var me *modbus.ModbusError
	if errors.As(err, &me) {
		return uint16(me.ExceptionCode)
	}

	type coder interface{ Code() uint16 }
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}

	return 1
}

// isException reports a protocol-level rejection; the transport itself is fine.
func isException(err error) bool {
	var me *modbus.ModbusError
	return errors.As(err, &me)
}
