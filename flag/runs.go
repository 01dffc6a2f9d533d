package flag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/arrost/kernel/boot"
	"github.com/arrost/kernel/fs"
	"github.com/arrost/kernel/netstack"
)

// CLI is the top-level arrostd command line (spec's "ambient stack...
// a flag package wrapping kong for subcommands boot, probe, fsck,
// diag").
type CLI struct {
	Profile bool `help:"enable CPU profiling for the duration of the command, written to ./cpu.pprof"`

	Boot  BootCMD  `cmd:"" help:"boot the simulated kernel and run it until every task exits or it is interrupted"`
	Probe ProbeCMD `cmd:"" help:"bring a machine up with default settings and report what came up, without running it"`
	Fsck  FsckCMD  `cmd:"" help:"mount the configured disk and check its filesystem for consistency"`
	Diag  DiagCMD  `cmd:"" help:"print a diagnostic snapshot of a freshly booted machine"`
}

// Parse parses os.Args into a CLI and runs whichever subcommand was
// selected.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("arrostd"),
		kong.Description("arrostd is a small hobby x86_64 kernel run as a software simulator"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if c.Profile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	return ctx.Run()
}

// netArgs is embedded by every subcommand that needs to bring a
// machine up (spec §4.8's static fallback configuration).
type netArgs struct {
	IP      string `default:"10.0.2.15" help:"static IPv4 address, used until/unless DHCP replaces it"`
	Netmask string `default:"255.255.255.0" help:"IPv4 subnet mask"`
	Gateway string `default:"10.0.2.2" help:"default gateway"`
	DNS     string `default:"10.0.2.3" help:"DNS server"`
	MAC     string `default:"52:54:00:12:34:56" help:"MAC address of the simulated virtio-net device"`
}

func (n netArgs) config() (netstack.Config, error) {
	var cfg netstack.Config

	var err error

	if cfg.IPv4, err = parseIPv4(n.IP); err != nil {
		return cfg, fmt.Errorf("ip: %w", err)
	}

	if cfg.Netmask, err = parseIPv4(n.Netmask); err != nil {
		return cfg, fmt.Errorf("netmask: %w", err)
	}

	if cfg.Gateway, err = parseIPv4(n.Gateway); err != nil {
		return cfg, fmt.Errorf("gateway: %w", err)
	}

	if cfg.DNSServer, err = parseIPv4(n.DNS); err != nil {
		return cfg, fmt.Errorf("dns: %w", err)
	}

	if cfg.MAC, err = parseMAC(n.MAC); err != nil {
		return cfg, fmt.Errorf("mac: %w", err)
	}

	return cfg, nil
}

func parseIPv4(s string) (netstack.IPv4, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return netstack.IPv4{}, fmt.Errorf("%q: %w", s, errBadAddress)
	}

	v4 := ip.To4()
	if v4 == nil {
		return netstack.IPv4{}, fmt.Errorf("%q: %w", s, errBadAddress)
	}

	return netstack.IPv4{v4[0], v4[1], v4[2], v4[3]}, nil
}

func parseMAC(s string) (netstack.MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return netstack.MAC{}, fmt.Errorf("%q: %w", s, errBadAddress)
	}

	return netstack.MAC{hw[0], hw[1], hw[2], hw[3], hw[4], hw[5]}, nil
}

var errBadAddress = errors.New("flag: malformed address")

// machineArgs is the shared sizing knobs every subcommand that calls
// boot.New needs (spec §6).
type machineArgs struct {
	netArgs

	MemSize     string `default:"64M" help:"simulated physical address space backing device descriptors"`
	DiskSectors uint64 `default:"8192" help:"virtio-blk backing store size, in 512-byte sectors"`
	TickHz      int    `default:"100" help:"PIT tick rate"`
	NoAudio     bool   `help:"refuse the square-wave fallback if no virtio-snd device is present"`
}

func (a machineArgs) bootConfig() (boot.Config, error) {
	cfg := boot.DefaultConfig()

	memSize, err := ParseSize(a.MemSize, "m")
	if err != nil {
		return cfg, err
	}

	cfg.MemSize = memSize
	cfg.DiskSectors = a.DiskSectors
	cfg.TickHz = a.TickHz
	cfg.AllowFallback = !a.NoAudio

	if cfg.Net, err = a.netArgs.config(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// BootCMD brings a machine up and runs it until every scheduled task
// has exited or the process receives an interrupt.
type BootCMD struct {
	machineArgs
}

func (b *BootCMD) Run() error {
	cfg, err := b.bootConfig()
	if err != nil {
		return err
	}

	m, err := boot.New(cfg)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return m.Run(ctx)
}

// ProbeCMD brings a machine up with default settings and reports what
// came up, the way the teacher's probe subcommand reported host KVM
// capabilities — here there is no host feature bitmask to read, so it
// reports the simulator's own component status instead.
type ProbeCMD struct {
	machineArgs
}

func (p *ProbeCMD) Run() error {
	cfg, err := p.bootConfig()
	if err != nil {
		return err
	}

	m, err := boot.New(cfg)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	fmt.Printf("memory:  %d bytes simulated physical RAM, heap [%#x, %#x)\n",
		cfg.MemSize, cfg.HeapStart, cfg.HeapStart+cfg.HeapSize)
	fmt.Printf("clock:   tick rate %d Hz\n", m.PIC.TickHz())
	fmt.Printf("disk:    %d sectors (%d bytes) mounted\n", cfg.DiskSectors, cfg.DiskSectors*512)
	fmt.Printf("network: %s/%s via %s, DNS %s, MAC %s, source=%v\n",
		ipString(m.Netstack.LocalIPv4()), ipString(cfg.Net.Netmask), ipString(cfg.Net.Gateway),
		ipString(cfg.Net.DNSServer), m.Netstack.LocalMAC(), m.Netstack.ConfigSource())
	fmt.Printf("audio:   mode=%v\n", m.Audio.Mode())

	return nil
}

func ipString(ip netstack.IPv4) string {
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]).String()
}

// FsckCMD mounts the configured disk and runs the filesystem's
// consistency check (spec §4.7 "Fsck").
type FsckCMD struct {
	machineArgs
}

func (f *FsckCMD) Run() error {
	cfg, err := f.bootConfig()
	if err != nil {
		return err
	}

	m, err := boot.New(cfg)
	if err != nil {
		return fmt.Errorf("fsck: %w", err)
	}

	if err := fs.Fsck(m.FS); err != nil {
		return fmt.Errorf("fsck: %w", err)
	}

	fmt.Println("fsck: ok")

	return nil
}

// DiagCMD prints a one-shot diagnostic dump of a freshly booted
// machine: the IDT halt flag, the scheduler's exit state and the
// filesystem listing, useful for confirming a build still brings a
// machine up cleanly.
type DiagCMD struct {
	machineArgs
}

func (d *DiagCMD) Run() error {
	cfg, err := d.bootConfig()
	if err != nil {
		return err
	}

	m, err := boot.New(cfg)
	if err != nil {
		return fmt.Errorf("diag: %w", err)
	}

	entries := fs.List(m.FS, make([]fs.Entry, 128))

	fmt.Printf("idt:     halted=%v\n", m.IDT.Halted)
	fmt.Printf("scheduler: exited=%v\n", m.Sched.Exited())
	fmt.Printf("filesystem: %d entries\n", len(entries))

	for _, e := range entries {
		fmt.Printf("  %s (%d bytes)\n", e.Name, e.Size)
	}

	return nil
}
