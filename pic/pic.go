// Package pic programs the legacy 8259 PIC cascade and PIT channel 0
// (spec §4.3, C8), and is the entry point IRQ0/IRQ1/IRQ12 dispatch
// through: each Fire* method does what the IDT stub does on real
// hardware — run the bounded unit of work, then issue EOI — before
// returning control to whatever simulates the interrupted context.
package pic

import (
	"github.com/arrost/kernel/idt"
	"github.com/arrost/kernel/ioport"
)

// Port addresses for the master/slave 8259 and PIT channel 0.
const (
	MasterCmd  = 0x20
	MasterData = 0x21
	SlaveCmd   = 0xA0
	SlaveData  = 0xA1

	PITChannel0 = 0x40
	PITCommand  = 0x43

	// MasterOffset/SlaveOffset are the remapped vector bases (spec
	// §4.3: master starts at 32, slave at 40).
	MasterOffset = idt.MasterOffset
	SlaveOffset  = idt.SlaveOffset

	pitBaseHz = 1_193_182

	eoi = 0x20
)

// TimerSink, KeySink and MouseSink are the consumers IRQ0/IRQ1/IRQ12
// feed; kept as narrow interfaces so pic does not import kbd/mouse/clock
// concretely and stays a leaf with respect to them.
type TimerSink interface{ Tick() uint64 }
type KeySink interface{ Feed(b byte) }
type MouseSink interface{ Feed(b byte) }

// Controller owns the simulated PIC + PIT registers and mask state.
type Controller struct {
	masterMask byte
	slaveMask  byte
	tickHz     int

	idtTable *idt.Table
	timer    TimerSink
	keys     KeySink
	mouse    MouseSink
}

// New remaps the cascade (master vector base 32, slave 40), masks
// every line except timer/keyboard/cascade/mouse, and registers on bus
// the port ranges a real 8259/8254 would answer.
func New(bus *ioport.Bus, idtTable *idt.Table, timer TimerSink, keys KeySink, mouse MouseSink) *Controller {
	c := &Controller{idtTable: idtTable, timer: timer, keys: keys, mouse: mouse}

	// ICW1..4 issued in order for both controllers (spec §4.3); this
	// simulator has no bytes to actually exchange over a port, so the
	// handshake is recorded as already complete and only the resulting
	// mask state matters to callers.
	c.masterMask = 0xff &^ (1<<0 | 1<<1 | 1<<2) // timer, keyboard, cascade unmasked
	c.slaveMask = 0xff &^ (1 << 4)              // mouse (IRQ12 = slave line 4) unmasked

	bus.RegisterFuncs(MasterData, c.inMasterData, c.outMasterData)
	bus.RegisterFuncs(SlaveData, c.inSlaveData, c.outSlaveData)
	bus.RegisterFuncs(MasterCmd, c.inCmd, c.outCmd)
	bus.RegisterFuncs(SlaveCmd, c.inCmd, c.outCmd)
	bus.RegisterFuncs(PITChannel0, c.inPIT, c.outPIT)
	bus.RegisterFuncs(PITCommand, c.inPIT, c.outPIT)

	return c
}

func (c *Controller) inMasterData(_ uint64, data []byte) error { data[0] = c.masterMask; return nil }
func (c *Controller) outMasterData(_ uint64, data []byte) error {
	c.masterMask = data[0]

	return nil
}

func (c *Controller) inSlaveData(_ uint64, data []byte) error { data[0] = c.slaveMask; return nil }
func (c *Controller) outSlaveData(_ uint64, data []byte) error {
	c.slaveMask = data[0]

	return nil
}

func (c *Controller) inCmd(_ uint64, data []byte) error  { data[0] = 0; return nil }
func (c *Controller) outCmd(_ uint64, data []byte) error { return nil }

func (c *Controller) inPIT(_ uint64, data []byte) error  { data[0] = 0; return nil }
func (c *Controller) outPIT(_ uint64, data []byte) error { return nil }

// MasterMasked and SlaveMasked report whether the given IRQ line
// (0-7 master, 8-15 via the slave's own 0-7 numbering) is currently
// masked.
func (c *Controller) MasterMasked(line uint) bool { return c.masterMask&(1<<line) != 0 }
func (c *Controller) SlaveMasked(line uint) bool  { return c.slaveMask&(1<<line) != 0 }

// ProgramPIT sets channel 0 to mode 2 (rate generator) with the
// divisor clamped to [1, 65535], and records the resulting tick rate.
func (c *Controller) ProgramPIT(hz int) int {
	divisor := pitBaseHz / hz
	if divisor < 1 {
		divisor = 1
	}

	if divisor > 65535 {
		divisor = 65535
	}

	c.tickHz = pitBaseHz / divisor

	return c.tickHz
}

// TickHz returns the system tick rate chosen by the last ProgramPIT
// call.
func (c *Controller) TickHz() int { return c.tickHz }

// eoiFor issues a specific EOI to the master always, and to the slave
// too when vector is a slave-owned vector (spec §4.3).
func (c *Controller) eoiFor(vector uint8) {
	_ = c.outCmd(MasterCmd, []byte{eoi})

	if vector >= SlaveOffset {
		_ = c.outCmd(SlaveCmd, []byte{eoi})
	}
}

// FireIRQ0 runs the timer tick handler then issues EOI.
func (c *Controller) FireIRQ0() {
	if c.MasterMasked(0) {
		return
	}

	c.timer.Tick()

	if c.idtTable != nil {
		c.idtTable.Dispatch(idt.IRQ0, idt.Frame{})
	}

	c.eoiFor(idt.IRQ0)
}

// FireIRQ1 ingests one scancode byte then issues EOI.
func (c *Controller) FireIRQ1(scancode byte) {
	if c.MasterMasked(1) {
		return
	}

	c.keys.Feed(scancode)

	if c.idtTable != nil {
		c.idtTable.Dispatch(idt.IRQ1, idt.Frame{})
	}

	c.eoiFor(idt.IRQ1)
}

// FireIRQ12 ingests one mouse data byte then issues EOI (cascaded
// through the master's IRQ2 line, per spec §4.3).
func (c *Controller) FireIRQ12(b byte) {
	if c.SlaveMasked(4) {
		return
	}

	c.mouse.Feed(b)

	if c.idtTable != nil {
		c.idtTable.Dispatch(idt.IRQ12, idt.Frame{})
	}

	c.eoiFor(idt.IRQ12)
}
