// Package audio implements the audio façade (spec §4.9 "Audio
// façade", C16): backend selection between virtio-snd PCM output and
// a PIT-driven square-wave fallback, a uniform submit/poll surface,
// and the metrics struct the original source tracks but spec.md's
// distillation only names in passing (see SPEC_FULL.md "Supplemented
// features").
//
// Grounded on virtio/snd.Device for the PCM path and a pure
// software tone generator for the fallback, the way gokvm's own
// machine.go picks between "real" device paths and a software
// stand-in depending on what the guest negotiated.
package audio

import (
	"errors"

	"github.com/arrost/kernel/virtio/snd"
)

// Mode is the active backend (spec §3 AudioDevice.mode).
type Mode int

const (
	ModeOff Mode = iota
	ModeSquareWave
	ModePcm
)

var ErrNoBackend = errors.New("audio: no backend available")

// Metrics is the original source's AudioDevice.metrics struct, broken
// out concretely here (SPEC_FULL.md supplemented feature).
type Metrics struct {
	Underruns       uint64
	Overruns        uint64
	DroppedFrames   uint64
	PacketsInFlight int
}

// Device is the audio façade: it owns the mode decision and forwards
// to whichever backend is active.
type Device struct {
	mode Mode

	pcm *snd.Device

	squareHz      uint32
	squarePlaying bool
	fallback      bool

	metrics Metrics
}

// New builds a façade with no backend selected; call SelectBackend to
// choose one.
func New() *Device {
	return &Device{mode: ModeOff}
}

// SelectBackend negotiates the virtio-snd PCM path first; if no
// stream is available it falls back to a software square-wave tone
// generator driven by the caller's own PIT channel (spec §4.9
// "Backend selection (PCM vs square-wave PIT fallback)"). pcm may be
// nil to force the fallback (e.g. no virtio-snd device was found);
// allowFallback lets a caller that has no spare PIT channel refuse the
// degraded path instead.
func (d *Device) SelectBackend(pcm *snd.Device, allowFallback bool) error {
	if pcm != nil {
		if err := pcm.Negotiate(); err == nil {
			if err := pcm.Start(); err != nil {
				return err
			}

			d.pcm = pcm
			d.mode = ModePcm

			return nil
		}
	}

	if allowFallback {
		d.fallback = true
		d.mode = ModeSquareWave

		return nil
	}

	return ErrNoBackend
}

// Mode reports the active backend.
func (d *Device) Mode() Mode { return d.mode }

// SubmitPCM forwards 16-bit PCM samples to the PCM backend. It is a
// no-op (not an error) in square-wave mode: the fallback has no PCM
// concept, matching the original's behavior of silently dropping PCM
// submissions while the tone generator owns the output.
func (d *Device) SubmitPCM(samples []int16, srcRate uint32, srcChannels uint8) error {
	switch d.mode {
	case ModePcm:
		if err := d.pcm.SubmitPCMI16(samples, srcRate, srcChannels); err != nil {
			d.metrics.Overruns++

			return err
		}

		return nil

	case ModeSquareWave:
		return nil

	default:
		return ErrNoBackend
	}
}

// PlayTone starts the square-wave fallback at hz. Unlike the PCM path,
// this does not touch pic.Controller: channel 0 is already committed
// to the system tick (spec §4.3), so the fallback tone is a software
// approximation rather than a second hardware PIT channel.
func (d *Device) PlayTone(hz uint32) error {
	if d.mode != ModeSquareWave {
		return ErrNoBackend
	}

	d.squareHz = hz
	d.squarePlaying = true

	return nil
}

// ToneHz and TonePlaying expose the fallback generator's state for
// diagnostics and tests.
func (d *Device) ToneHz() uint32    { return d.squareHz }
func (d *Device) TonePlaying() bool { return d.squarePlaying }

// StopTone silences the square-wave fallback.
func (d *Device) StopTone() {
	d.squarePlaying = false
}

// Poll drains PCM completions and updates metrics (spec §4.9
// "Completion polling"). It is a no-op in square-wave mode, which has
// no device queue to drain.
func (d *Device) Poll() {
	if d.mode != ModePcm {
		return
	}

	before := d.pcm.PendingHWFrames()
	d.pcm.PollCompletions()
	after := d.pcm.PendingHWFrames()

	if after > before {
		d.metrics.Underruns++
	}

	d.metrics.DroppedFrames = d.pcm.DroppedFrames()
	d.metrics.PacketsInFlight = after
}

// Metrics returns a snapshot of the façade's observable counters.
func (d *Device) Metrics() Metrics { return d.metrics }
