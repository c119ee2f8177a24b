package regmap

import "github.com/tonylturner/scadasim/internal/modbus"

// DefaultPoints returns the tank point table for a memory model. Operator
// commands live in holding registers, process values in input registers and
// status bits in discrete inputs.
func DefaultPoints(model MemoryModel) []Point {
	var hr, ir, di uint16 = 100, 300, 200
	if model == ModelLegacy {
		hr, ir, di = 40001, 30001, 10001
	}
	return []Point{
		{Name: "mode", Table: modbus.TableHoldingRegisters, Address: hr, Type: TypeUint16},
		{Name: "setpoint", Table: modbus.TableHoldingRegisters, Address: hr + 1, Type: TypeFloat32, Units: "%"},
		{Name: "pid_gain", Table: modbus.TableHoldingRegisters, Address: hr + 3, Type: TypeFloat32, HMINonZero: true},
		{Name: "pid_rate", Table: modbus.TableHoldingRegisters, Address: hr + 5, Type: TypeFloat32, HMINonZero: true},
		{Name: "valve_command", Table: modbus.TableHoldingRegisters, Address: hr + 7, Type: TypeFloat32},
		{Name: "level", Table: modbus.TableInputRegisters, Address: ir, Type: TypeFloat32, Units: "%"},
		{Name: "inflow", Table: modbus.TableInputRegisters, Address: ir + 2, Type: TypeFloat32, Units: "%"},
		{Name: "outflow", Table: modbus.TableInputRegisters, Address: ir + 4, Type: TypeFloat32, Units: "%"},
		{Name: "level_error", Table: modbus.TableInputRegisters, Address: ir + 6, Type: TypeFloat32, Units: "%"},
		{Name: "pump_running", Table: modbus.TableDiscreteInputs, Address: di, Type: TypeBit},
	}
}
