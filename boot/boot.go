// Package boot is the boot sequencer (spec §4, C20): it brings every
// other component up in dependency order, wires the devices discovered
// on the simulated PCI bus to the IP stack/filesystem/audio façade, and
// drives the run loop that feeds IRQ0/IRQ1/IRQ12 and polls device
// completions (spec §4 data flow: "device completions are polled from
// the main loop, not interrupt-driven").
//
// Grounded on vmm.VMM's Init/Setup/Boot staging in the teacher repo:
// one object owns every subsystem handle and brings them up in a fixed
// order, failing the whole boot if an early stage errors.
package boot

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arrost/kernel/abi"
	"github.com/arrost/kernel/clock"
	"github.com/arrost/kernel/fs"
	"github.com/arrost/kernel/idt"
	"github.com/arrost/kernel/ioport"
	"github.com/arrost/kernel/kbd"
	"github.com/arrost/kernel/memmap"
	"github.com/arrost/kernel/memsim"
	"github.com/arrost/kernel/mouse"
	"github.com/arrost/kernel/netstack"
	"github.com/arrost/kernel/paging"
	"github.com/arrost/kernel/pci"
	"github.com/arrost/kernel/pic"
	"github.com/arrost/kernel/sched"
	"github.com/arrost/kernel/serial"
	vblk "github.com/arrost/kernel/virtio/blk"
	vnet "github.com/arrost/kernel/virtio/net"
	vsnd "github.com/arrost/kernel/virtio/snd"

	"github.com/arrost/kernel/audio"
)

var (
	ErrNoMemory    = errors.New("boot: MemSize must be a positive multiple of the page size")
	ErrNoDisk      = errors.New("boot: DiskSectors must be nonzero")
	ErrBadTickRate = errors.New("boot: TickHz must be positive")
)

// legacy PC config-space ports (spec §4.5 C11).
const (
	configAddress = 0xCF8
	configData    = 0xCFC

	blkIRQ = 10
)

// Config is everything a caller must supply to bring a machine up; it
// plays the role vmm.Config plays for gokvm boot (spec §6
// "Configuration knobs").
type Config struct {
	// MemSize is the simulated physical address space backing every
	// device's descriptor chains, page-aligned (spec §4.2's mmap-backed
	// RAM).
	MemSize int

	// HeapStart/HeapSize lay out the kernel heap (spec §8 scenario 1
	// defaults: 0x4444_4444_1000 / 16 MiB).
	HeapStart uint64
	HeapSize  uint64

	// Regions is the firmware memory map; LinearMapBase is where it
	// reports all of physical memory is linearly mapped.
	Regions       []memmap.Region
	LinearMapBase uint64

	// TickHz is the PIT rate programmed at boot (spec §4.3).
	TickHz int

	// DiskSectors sizes the virtio-blk backing store the filesystem
	// mounts (spec §4.6/§4.7).
	DiskSectors uint64

	// Net is the static fallback configuration the IP stack starts
	// with (spec §4.8); DHCP may later replace it.
	Net netstack.Config

	// Frames is the Ethernet backing the virtio-net device talks to.
	// Its Read must be non-blocking (return promptly with an error when
	// nothing has arrived) since the run loop polls it every tick
	// rather than blocking on it. Nil selects an inert sink that simply
	// discards outbound frames and never has one to read, like an
	// unplugged cable.
	Frames vnet.Frames

	// PCMStreams advertises the virtio-snd device's output streams; nil
	// skips attaching a sound device entirely, in which case the audio
	// façade falls back to the square-wave generator if AllowFallback
	// is set.
	PCMStreams    []vsnd.StreamInfo
	AllowFallback bool

	// KeyInput/MouseInput, if non-nil, are drained by Run's IRQ1/IRQ12
	// goroutines; leaving them nil simply means no key/mouse events
	// ever arrive (a headless machine).
	KeyInput   <-chan byte
	MouseInput <-chan byte
}

// DefaultConfig returns the values spec §8 scenario 1 and §6 use,
// leaving MemSize/DiskSectors/Net for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		HeapStart: 0x4444_4444_1000,
		HeapSize:  16 << 20,
		Regions: []memmap.Region{
			{Start: 0, End: 0x9FC00, Kind: memmap.Usable},
			{Start: 0x100000, End: 0x8000000, Kind: memmap.Usable},
		},
		LinearMapBase: 0xFFFF_8000_0000_0000,
		TickHz:        100,
	}
}

// Machine is the live, booted system: every component's handle,
// reachable by both the run loop and a caller driving it directly in
// tests (spec §9 "global device singletons... never freed").
type Machine struct {
	cfg Config

	Bus *ioport.Bus
	PCI *pci.Bus

	IDT   *idt.Table
	PIC   *pic.Controller
	Clock *clock.Clock

	Paging *paging.Manager
	Heap   *paging.Heap

	Serial *serial.Serial
	Kbd    *kbd.Decoder
	Mouse  *mouse.Decoder

	RAM *memsim.RAM
	Blk *vblk.Device
	Net *vnet.Device
	Snd *vsnd.Device // nil if Config.PCMStreams is empty

	Netstack *netstack.Stack
	FS       *fs.FS
	Sched    *sched.Scheduler
	ABI      *abi.Dispatcher
	Audio    *audio.Device

	netIRQs *irqCounter
}

// irqCounter is the IRQInjector every PCI function needs; this
// simulator polls device completions from the main loop rather than
// trapping through a real IRQ line (spec §4 data flow), so injection
// is observable bookkeeping only.
type irqCounter struct{ n uint64 }

func (c *irqCounter) InjectIRQ(uint32, uint32) { c.n++ }

// clockTicks adapts *clock.Clock to netstack.Clock.
type clockTicks struct{ c *clock.Clock }

func (t clockTicks) Ticks() uint64 { return t.c.Now() }

// serialStream adapts *serial.Serial to abi.Stream: writes are driven
// through the THR port handler (so they still hit the line mirror and
// whatever io.Writer SetOutput installed), reads drain the buffered
// input queue without blocking.
type serialStream struct{ s *serial.Serial }

func (a serialStream) Write(p []byte) (int, error) {
	for _, b := range p {
		if err := a.s.Out(serial.COM1Addr, []byte{b}); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (a serialStream) Read(p []byte) (int, error) {
	for i := range p {
		b, ok := a.s.ReadByte()
		if !ok {
			return i, nil
		}

		p[i] = b
	}

	return len(p), nil
}

// pciIODevice adapts a pci.Device to ioport.Device so its BAR range
// can be registered on the port bus alongside the legacy devices that
// implement ioport.Device directly (serial, the PIC/PIT).
type pciIODevice struct{ dev pci.Device }

func (a pciIODevice) In(port uint64, data []byte) error  { return a.dev.IOInHandler(port, data) }
func (a pciIODevice) Out(port uint64, data []byte) error { return a.dev.IOOutHandler(port, data) }
func (a pciIODevice) Range() (start, end uint64)         { return a.dev.GetIORange() }

// New brings a machine up in the order spec §4's data flow requires:
// memmap -> frame/paging -> heap -> idt -> clock -> pic -> serial
// (early), then the PCI bus and its attached virtio functions, then
// the protocol/application layers built on top of them. It returns an
// error and leaves nothing running if any stage fails (spec §7:
// "for paging/heap failures [boot] halts").
func New(cfg Config) (*Machine, error) {
	if cfg.MemSize <= 0 {
		return nil, ErrNoMemory
	}

	if cfg.DiskSectors == 0 {
		return nil, ErrNoDisk
	}

	if cfg.TickHz <= 0 {
		return nil, ErrBadTickRate
	}

	m := &Machine{cfg: cfg}

	mm, err := memmap.New(cfg.Regions, cfg.LinearMapBase)
	if err != nil {
		return nil, err
	}

	m.Paging, err = paging.New(mm)
	if err != nil {
		return nil, err
	}

	m.Heap, err = paging.NewHeap(m.Paging, cfg.HeapStart, cfg.HeapSize)
	if err != nil {
		return nil, err
	}

	m.IDT = idt.New()

	m.Bus = ioport.NewBus()

	m.Clock = clock.New()
	m.Kbd = kbd.New()
	m.Mouse = mouse.New()
	m.Mouse.Enable()

	m.PIC = pic.New(m.Bus, m.IDT, m.Clock, m.Kbd, m.Mouse)
	m.PIC.ProgramPIT(cfg.TickHz)

	serialIRQ := &irqCounter{}

	m.Serial, err = serial.New(serialIRQAdapter{serialIRQ})
	if err != nil {
		return nil, err
	}

	m.Bus.Register(m.Serial)

	m.RAM, err = memsim.New(cfg.MemSize)
	if err != nil {
		return nil, err
	}

	m.PCI = pci.New()
	m.Bus.RegisterFuncs(configAddress, m.PCI.PciConfAddrIn, m.PCI.PciConfAddrOut)
	m.Bus.RegisterFuncs(configData, m.PCI.PciConfDataIn, m.PCI.PciConfDataOut)

	m.Blk = vblk.New(blkIRQ, cfg.DiskSectors, m.RAM.Bytes())
	m.attach(m.Blk)

	m.netIRQs = &irqCounter{}
	frames := cfg.Frames
	if frames == nil {
		frames = nullFrames{}
	}

	m.Net = vnet.New(frames, m.netIRQs, m.RAM.Bytes())
	m.attach(m.Net)

	if err := m.Net.PostRxBuffer(); err != nil {
		return nil, err
	}

	if len(cfg.PCMStreams) > 0 {
		m.Snd = vsnd.New(cfg.PCMStreams)
		m.attach(m.Snd)
	}

	m.Netstack = netstack.New(m.Net, clockTicks{m.Clock}, cfg.Net)

	m.FS, err = fs.Mount(m.Blk)
	if err != nil {
		return nil, err
	}

	m.Sched = sched.New()

	m.Audio = audio.New()
	if err := m.Audio.SelectBackend(m.Snd, cfg.AllowFallback); err != nil {
		return nil, err
	}

	m.ABI = &abi.Dispatcher{
		Stream: serialStream{m.Serial},
		Net:    m.Netstack,
		Mem:    m.RAM.Bytes(),
		Poll:   m.PollDevices,
	}

	return m, nil
}

// attach registers dev both on the PCI bus (for configuration-space
// enumeration) and on the port bus (for the BAR range it claims).
func (m *Machine) attach(dev pci.Device) {
	m.PCI.Attach(dev)
	m.Bus.Register(pciIODevice{dev})
}

// serialIRQAdapter satisfies serial.IRQInjector.
type serialIRQAdapter struct{ c *irqCounter }

func (a serialIRQAdapter) InjectSerialIRQ() error {
	a.c.InjectIRQ(4, 0)

	return nil
}

// nullFrames discards every outbound frame and never has one to read,
// standing in for an unplugged network cable.
type nullFrames struct{}

func (nullFrames) Read([]byte) (int, error)   { return 0, errNoLink }
func (nullFrames) Write(p []byte) (int, error) { return len(p), nil }

var errNoLink = errors.New("boot: no network link attached")

// Spawn installs a task in the scheduler; run's body reaches every
// subsystem through m, exactly as a real syscall handler would reach
// the kernel's global singletons (spec §9).
func (m *Machine) Spawn(name string, run func(m *Machine, t *sched.Task) sched.State) (int, error) {
	return m.Sched.Spawn(name, func(t *sched.Task) sched.State { return run(m, t) })
}

// Tick fires IRQ0: the PIC ingests one PIT interrupt, advances the
// clock and dispatches through the IDT (spec §4.3).
func (m *Machine) Tick() { m.PIC.FireIRQ0() }

// FeedKey and FeedMouse fire IRQ1/IRQ12 with one raw scancode/aux byte
// (spec §4.3's interrupt routing table).
func (m *Machine) FeedKey(scancode byte) { m.PIC.FireIRQ1(scancode) }
func (m *Machine) FeedMouse(b byte)      { m.PIC.FireIRQ12(b) }

// PollDevices drains every completed virtio operation into the layer
// above it: landed rx frames into the IP stack, PCM completions into
// the audio façade's metrics (spec §4 "device completions are polled
// from the main loop, not interrupt-driven").
func (m *Machine) PollDevices() {
	// Rx's frames.Read call is expected to be non-blocking (return
	// immediately with an error when nothing has arrived) — exactly
	// the contract Config.Frames documents — so a miss here just means
	// there was nothing to land this round.
	_ = m.Net.Rx()

	for {
		frame, ok, err := m.Net.RecvFrame()
		if err != nil || !ok {
			break
		}

		m.Netstack.RxFrame(frame)
	}

	m.Audio.Poll()
}

// RunScheduler performs one round of cooperative scheduling (spec
// §4.10): it returns the pid that ran, or 0 if every task is asleep or
// the table is empty.
func (m *Machine) RunScheduler() int {
	return m.Sched.RunOnce(m.Clock.Now())
}

// Run drives the machine until ctx is cancelled or every scheduled
// task has exited: a tick goroutine, optional key/mouse ingest
// goroutines, and the device-poll/scheduler loop, started together
// with errgroup.Group so a failure in any one stage tears the rest
// down atomically (spec §4 data flow, §9 "no allocation or lock
// acquisition inside a dispatched handler" — each loop below only
// ever calls into already-allocated state).
func (m *Machine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.tickLoop(ctx) })

	if m.cfg.KeyInput != nil {
		g.Go(func() error { return m.keyLoop(ctx) })
	}

	if m.cfg.MouseInput != nil {
		g.Go(func() error { return m.mouseLoop(ctx) })
	}

	g.Go(func() error {
		defer cancel()

		return m.runLoop(ctx)
	})

	return g.Wait()
}

func (m *Machine) tickLoop(ctx context.Context) error {
	interval := time.Second / time.Duration(m.cfg.TickHz)
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick()
		}
	}
}

func (m *Machine) keyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-m.cfg.KeyInput:
			if !ok {
				return nil
			}

			m.FeedKey(b)
		}
	}
}

func (m *Machine) mouseLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-m.cfg.MouseInput:
			if !ok {
				return nil
			}

			m.FeedMouse(b)
		}
	}
}

// runLoop polls devices and advances the scheduler until every task
// has exited.
func (m *Machine) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m.PollDevices()

		if m.Sched.RunOnce(m.Clock.Now()) == 0 && m.Sched.Exited() {
			return nil
		}

		if m.IDT.Halted {
			return nil
		}

		time.Sleep(time.Millisecond)
	}
}
