package idt_test

import (
	"testing"

	"github.com/arrost/kernel/idt"
)

func TestNewReservesISTStack(t *testing.T) {
	t.Parallel()

	tbl := idt.New()
	if len(tbl.TSS.ISTDoubleFault) != 20*1024 {
		t.Fatalf("expected 20 KiB IST stack, got %d", len(tbl.TSS.ISTDoubleFault))
	}
}

func TestDoubleFaultHalts(t *testing.T) {
	t.Parallel()

	tbl := idt.New()
	if tbl.Halted {
		t.Fatal("expected not halted before dispatch")
	}

	tbl.Dispatch(idt.DoubleFault, idt.Frame{RIP: 0x1000})

	if !tbl.Halted {
		t.Fatal("expected halted after double fault")
	}
}

func TestInstallOverridesIRQHandler(t *testing.T) {
	t.Parallel()

	tbl := idt.New()

	var fired bool
	tbl.Install(idt.IRQ0, func(idt.Frame) { fired = true })
	tbl.Dispatch(idt.IRQ0, idt.Frame{})

	if !fired {
		t.Fatal("expected installed IRQ0 handler to fire")
	}
}

func TestBreakpointDoesNotHalt(t *testing.T) {
	t.Parallel()

	tbl := idt.New()
	tbl.Dispatch(idt.Breakpoint, idt.Frame{RIP: 0x2000})

	if tbl.Halted {
		t.Fatal("breakpoint must not halt")
	}
}
