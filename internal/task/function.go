// internal/task/function.go
package task

import "fmt"

// Function is a Modbus function code.
type Function uint8

const (
	ReadCoils              Function = 1
	ReadDiscreteInputs     Function = 2
	ReadHoldingRegisters   Function = 3
	ReadInputRegisters     Function = 4
	WriteSingleCoil        Function = 5
	WriteSingleRegister    Function = 6
	WriteMultipleCoils     Function = 15
	WriteMultipleRegisters Function = 16
)

// IsRead reports FC 1-4.
func (f Function) IsRead() bool {
	return f >= ReadCoils && f <= ReadInputRegisters
}

// IsWrite reports FC 5, 6, 15 and 16.
func (f Function) IsWrite() bool {
	switch f {
	case WriteSingleCoil, WriteSingleRegister, WriteMultipleCoils, WriteMultipleRegisters:
		return true
	}
	return false
}

// IsBit reports whether the function transfers coils / discrete inputs.
func (f Function) IsBit() bool {
	switch f {
	case ReadCoils, ReadDiscreteInputs, WriteSingleCoil, WriteMultipleCoils:
		return true
	}
	return false
}

// IsSingle reports FC 5 and 6, which address exactly one element.
func (f Function) IsSingle() bool {
	return f == WriteSingleCoil || f == WriteSingleRegister
}

// MaxQuantity is the protocol limit of elements per request.
func (f Function) MaxQuantity() uint16 {
	switch f {
	case ReadCoils, ReadDiscreteInputs:
		return 2000
	case ReadHoldingRegisters, ReadInputRegisters:
		return 125
	case WriteMultipleCoils:
		return 1968
	case WriteMultipleRegisters:
		return 123
	case WriteSingleCoil, WriteSingleRegister:
		return 1
	}
	return 0
}

func (f Function) String() string {
	switch f {
	case ReadCoils:
		return "FC1ReadCoils"
	case ReadDiscreteInputs:
		return "FC2ReadDiscreteInputs"
	case ReadHoldingRegisters:
		return "FC3ReadHoldingRegisters"
	case ReadInputRegisters:
		return "FC4ReadInputRegisters"
	case WriteSingleCoil:
		return "FC5WriteCoil"
	case WriteSingleRegister:
		return "FC6WriteRegister"
	case WriteMultipleCoils:
		return "FC15WriteCoils"
	case WriteMultipleRegisters:
		return "FC16WriteRegisters"
	}
	return fmt.Sprintf("FC%d", uint8(f))
}
