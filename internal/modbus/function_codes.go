package modbus

import "fmt"

// Function codes the slave executes. Anything else is answered with
// Illegal_Function.
const (
	FcReadCoils                  FunctionCode = 0x01
	FcReadDiscreteInputs         FunctionCode = 0x02
	FcReadHoldingRegisters       FunctionCode = 0x03
	FcReadInputRegisters         FunctionCode = 0x04
	FcWriteSingleCoil            FunctionCode = 0x05
	FcWriteSingleRegister        FunctionCode = 0x06
	FcWriteMultipleCoils         FunctionCode = 0x0F
	FcWriteMultipleRegisters     FunctionCode = 0x10
	FcMaskWriteRegister          FunctionCode = 0x16
	FcReadWriteMultipleRegisters FunctionCode = 0x17
)

type functionInfo struct {
	label string
	// writes reports whether the function changes device data, which makes
	// it meaningful as a broadcast.
	writes bool
}

var functions = map[FunctionCode]functionInfo{
	FcReadCoils:                  {"read_coils", false},
	FcReadDiscreteInputs:         {"read_discrete_inputs", false},
	FcReadHoldingRegisters:       {"read_holding_registers", false},
	FcReadInputRegisters:         {"read_input_registers", false},
	FcWriteSingleCoil:            {"write_single_coil", true},
	FcWriteSingleRegister:        {"write_single_register", true},
	FcWriteMultipleCoils:         {"write_multiple_coils", true},
	FcWriteMultipleRegisters:     {"write_multiple_registers", true},
	FcMaskWriteRegister:          {"mask_write_register", true},
	FcReadWriteMultipleRegisters: {"read_write_multiple_registers", true},
}

// String returns the metric and log label of the function. Exception
// responses keep the label of the function they answer.
func (fc FunctionCode) String() string {
	if fi, ok := functions[fc&0x7F]; ok {
		return fi.label
	}
	return fmt.Sprintf("fc_%02x", uint8(fc&0x7F))
}

// IsWrite reports whether the function modifies device data.
func (fc FunctionCode) IsWrite() bool {
	return functions[fc].writes
}

var exceptionLabels = map[ExceptionCode]string{
	ExceptionIllegalFunction:    "illegal_function",
	ExceptionIllegalDataAddress: "illegal_data_address",
	ExceptionIllegalDataValue:   "illegal_data_value",
	ExceptionSlaveDeviceFailure: "slave_device_failure",
	ExceptionSlaveDeviceBusy:    "slave_device_busy",
	ExceptionGatewayTargetFail:  "gateway_target_failed",
}

func (e ExceptionCode) String() string {
	if s, ok := exceptionLabels[e]; ok {
		return s
	}
	return fmt.Sprintf("exception_%02x", uint8(e))
}
