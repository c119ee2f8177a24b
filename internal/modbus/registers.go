package modbus

// Block-based register store for the simulated slave.
//
// Each of the four tables is one contiguous block of protocol addresses
// starting at an arbitrary base, so both the zero-based layout and the
// five-digit reference layout (40001...) can be served as absolute
// addresses. Everything outside a block answers Illegal_Data_Address.

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrAddressOutOfRange reports an access outside a table's block.
	ErrAddressOutOfRange = errors.New("address out of range")
	// ErrWrongTableKind reports a bit access on a register table or the reverse.
	ErrWrongTableKind = errors.New("wrong table kind")
)

// Block is a contiguous range of protocol addresses.
type Block struct {
	Base uint16
	Size int
}

// Contains reports whether [addr, addr+count) lies inside the block.
func (b Block) Contains(addr uint16, count int) bool {
	if count < 1 || b.Size <= 0 {
		return false
	}
	return int(addr) >= int(b.Base) && int(addr)+count <= int(b.Base)+b.Size
}

// Last returns the highest address in the block.
func (b Block) Last() int {
	return int(b.Base) + b.Size - 1
}

// String renders the block as an inclusive range.
func (b Block) String() string {
	if b.Size <= 0 {
		return "empty"
	}
	return fmt.Sprintf("%d-%d", b.Base, b.Last())
}

// DataStoreConfig places the four tables in the address space.
type DataStoreConfig struct {
	Coils            Block
	DiscreteInputs   Block
	InputRegisters   Block
	HoldingRegisters Block
}

// Block returns the block configured for t.
func (c DataStoreConfig) Block(t Table) Block {
	switch t {
	case TableCoils:
		return c.Coils
	case TableDiscreteInputs:
		return c.DiscreteInputs
	case TableInputRegisters:
		return c.InputRegisters
	default:
		return c.HoldingRegisters
	}
}

// Validate rejects blocks that do not fit the 16-bit address space.
func (c DataStoreConfig) Validate() error {
	for _, t := range AllTables {
		b := c.Block(t)
		if b.Size < 0 {
			return fmt.Errorf("%s block size must be >= 0", t)
		}
		if b.Last() > 0xFFFF {
			return fmt.Errorf("%s block %s exceeds address 65535", t, b)
		}
	}
	return nil
}

// Tables is the unlocked view of the store handed to callers that already
// hold the lock.
type Tables struct {
	cfg              DataStoreConfig
	coils            []bool
	discreteInputs   []bool
	inputRegisters   []uint16
	holdingRegisters []uint16
}

// Config returns the layout of the tables.
func (t *Tables) Config() DataStoreConfig {
	return t.cfg
}

// ReadBits copies count bits starting at addr.
func (t *Tables) ReadBits(table Table, addr uint16, count int) ([]bool, error) {
	bits, off, err := t.bitSlice(table, addr, count)
	if err != nil {
		return nil, err
	}
	out := make([]bool, count)
	copy(out, bits[off:off+count])
	return out, nil
}

// WriteBits stores values starting at addr.
func (t *Tables) WriteBits(table Table, addr uint16, values []bool) error {
	bits, off, err := t.bitSlice(table, addr, len(values))
	if err != nil {
		return err
	}
	copy(bits[off:], values)
	return nil
}

// ReadRegisters copies count registers starting at addr.
func (t *Tables) ReadRegisters(table Table, addr uint16, count int) ([]uint16, error) {
	regs, off, err := t.regSlice(table, addr, count)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	copy(out, regs[off:off+count])
	return out, nil
}

// WriteRegisters stores values starting at addr.
func (t *Tables) WriteRegisters(table Table, addr uint16, values []uint16) error {
	regs, off, err := t.regSlice(table, addr, len(values))
	if err != nil {
		return err
	}
	copy(regs[off:], values)
	return nil
}

func (t *Tables) bitSlice(table Table, addr uint16, count int) ([]bool, int, error) {
	if !table.IsBit() {
		return nil, 0, fmt.Errorf("%s: %w", table, ErrWrongTableKind)
	}
	b := t.cfg.Block(table)
	if !b.Contains(addr, count) {
		return nil, 0, fmt.Errorf("%s %d+%d outside %s: %w", table, addr, count, b, ErrAddressOutOfRange)
	}
	if table == TableCoils {
		return t.coils, int(addr - b.Base), nil
	}
	return t.discreteInputs, int(addr - b.Base), nil
}

func (t *Tables) regSlice(table Table, addr uint16, count int) ([]uint16, int, error) {
	if table.IsBit() {
		return nil, 0, fmt.Errorf("%s: %w", table, ErrWrongTableKind)
	}
	b := t.cfg.Block(table)
	if !b.Contains(addr, count) {
		return nil, 0, fmt.Errorf("%s %d+%d outside %s: %w", table, addr, count, b, ErrAddressOutOfRange)
	}
	if table == TableInputRegisters {
		return t.inputRegisters, int(addr - b.Base), nil
	}
	return t.holdingRegisters, int(addr - b.Base), nil
}

// DataStore holds the four Modbus tables behind one exclusive lock. The lock
// is a weighted semaphore so that waiting for it can be bounded by a context.
type DataStore struct {
	sem    *semaphore.Weighted
	tables Tables
}

// NewDataStore creates a data store with the given layout.
func NewDataStore(cfg DataStoreConfig) *DataStore {
	size := func(b Block) int {
		if b.Size < 0 {
			return 0
		}
		return b.Size
	}
	return &DataStore{
		sem: semaphore.NewWeighted(1),
		tables: Tables{
			cfg:              cfg,
			coils:            make([]bool, size(cfg.Coils)),
			discreteInputs:   make([]bool, size(cfg.DiscreteInputs)),
			inputRegisters:   make([]uint16, size(cfg.InputRegisters)),
			holdingRegisters: make([]uint16, size(cfg.HoldingRegisters)),
		},
	}
}

// Config returns the store layout.
func (ds *DataStore) Config() DataStoreConfig {
	return ds.tables.cfg
}

// Do runs fn with the store locked. It fails with the context error when the
// lock cannot be taken before ctx ends.
func (ds *DataStore) Do(ctx context.Context, fn func(t *Tables) error) error {
	if err := ds.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire register lock: %w", err)
	}
	defer ds.sem.Release(1)
	return fn(&ds.tables)
}

// --- Modbus PDU handlers ---

// Handle processes a Modbus PDU request and returns the response. When the
// lock cannot be taken before ctx ends the response is Slave_Device_Busy.
func (ds *DataStore) Handle(ctx context.Context, req Request) Response {
	var resp Response
	err := ds.Do(ctx, func(t *Tables) error {
		resp = dispatch(t, req)
		return nil
	})
	if err != nil {
		return ExceptionFor(req, ExceptionSlaveDeviceBusy)
	}
	return resp
}

func dispatch(t *Tables, req Request) Response {
	switch req.Function {
	case FcReadCoils:
		return readBits(t, TableCoils, req)
	case FcReadDiscreteInputs:
		return readBits(t, TableDiscreteInputs, req)
	case FcReadHoldingRegisters:
		return readRegisters(t, TableHoldingRegisters, req)
	case FcReadInputRegisters:
		return readRegisters(t, TableInputRegisters, req)
	case FcWriteSingleCoil:
		return writeSingleCoil(t, req)
	case FcWriteSingleRegister:
		return writeSingleRegister(t, req)
	case FcWriteMultipleCoils:
		return writeMultipleCoils(t, req)
	case FcWriteMultipleRegisters:
		return writeMultipleRegisters(t, req)
	case FcMaskWriteRegister:
		return maskWriteRegister(t, req)
	default:
		return ExceptionFor(req, ExceptionIllegalFunction)
	}
}

// --- Read handlers ---

func readBits(t *Tables, table Table, req Request) Response {
	if len(req.Data) != 4 {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	start, qty := addrQty(req.Data)
	if qty < 1 || qty > MaxReadBits {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	bits, err := t.ReadBits(table, start, int(qty))
	if err != nil {
		return ExceptionFor(req, ExceptionIllegalDataAddress)
	}
	packed := PackBits(bits)
	return reply(req, append([]byte{byte(len(packed))}, packed...))
}

func readRegisters(t *Tables, table Table, req Request) Response {
	if len(req.Data) != 4 {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	start, qty := addrQty(req.Data)
	if qty < 1 || qty > MaxReadRegisters {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	regs, err := t.ReadRegisters(table, start, int(qty))
	if err != nil {
		return ExceptionFor(req, ExceptionIllegalDataAddress)
	}
	return reply(req, append([]byte{byte(qty * 2)}, RegistersToBytes(regs)...))
}

// --- Write handlers ---

func writeSingleCoil(t *Tables, req Request) Response {
	if len(req.Data) != 4 {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	addr, val := addrQty(req.Data)
	if val != 0x0000 && val != 0xFF00 {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	if err := t.WriteBits(TableCoils, addr, []bool{val == 0xFF00}); err != nil {
		return ExceptionFor(req, ExceptionIllegalDataAddress)
	}
	return reply(req, cloneBytes(req.Data))
}

func writeSingleRegister(t *Tables, req Request) Response {
	if len(req.Data) != 4 {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	addr, val := addrQty(req.Data)
	if err := t.WriteRegisters(TableHoldingRegisters, addr, []uint16{val}); err != nil {
		return ExceptionFor(req, ExceptionIllegalDataAddress)
	}
	return reply(req, cloneBytes(req.Data))
}

func writeMultipleCoils(t *Tables, req Request) Response {
	if len(req.Data) < 5 {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	start, qty := addrQty(req.Data)
	count := int(req.Data[4])
	if qty < 1 || qty > MaxWriteBits || count != int(qty+7)/8 || len(req.Data) != 5+count {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	if err := t.WriteBits(TableCoils, start, UnpackBits(req.Data[5:], int(qty))); err != nil {
		return ExceptionFor(req, ExceptionIllegalDataAddress)
	}
	return reply(req, encodeAddrQty(start, qty))
}

func writeMultipleRegisters(t *Tables, req Request) Response {
	if len(req.Data) < 5 {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	start, qty := addrQty(req.Data)
	count := int(req.Data[4])
	if qty < 1 || qty > MaxWriteRegisters || count != int(qty)*2 || len(req.Data) != 5+count {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	if err := t.WriteRegisters(TableHoldingRegisters, start, BytesToRegisters(req.Data[5:])); err != nil {
		return ExceptionFor(req, ExceptionIllegalDataAddress)
	}
	return reply(req, encodeAddrQty(start, qty))
}

func maskWriteRegister(t *Tables, req Request) Response {
	if len(req.Data) != 6 {
		return ExceptionFor(req, ExceptionIllegalDataValue)
	}
	addr, andMask := addrQty(req.Data)
	orMask := binary.BigEndian.Uint16(req.Data[4:6])
	regs, err := t.ReadRegisters(TableHoldingRegisters, addr, 1)
	if err != nil {
		return ExceptionFor(req, ExceptionIllegalDataAddress)
	}
	// (current AND and_mask) OR (or_mask AND NOT and_mask)
	v := (regs[0] & andMask) | (orMask &^ andMask)
	if err := t.WriteRegisters(TableHoldingRegisters, addr, []uint16{v}); err != nil {
		return ExceptionFor(req, ExceptionIllegalDataAddress)
	}
	return reply(req, cloneBytes(req.Data))
}

// --- helpers ---

func addrQty(data []byte) (uint16, uint16) {
	return binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4])
}

func reply(req Request, data []byte) Response {
	return Response{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		Function:      req.Function,
		Data:          data,
	}
}
