package audio_test

import (
	"testing"

	"github.com/arrost/kernel/audio"
	"github.com/arrost/kernel/virtio/snd"
)

func TestSelectBackendPrefersPCM(t *testing.T) {
	t.Parallel()

	streams := []snd.StreamInfo{
		{ID: 0, Direction: 0, Formats: 1 << snd.FormatS16, Rates: []uint32{44100}, Channels: 2},
	}

	d := audio.New()
	if err := d.SelectBackend(snd.New(streams), true); err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}

	if d.Mode() != audio.ModePcm {
		t.Fatalf("got mode %v, want ModePcm", d.Mode())
	}
}

func TestSelectBackendFallsBackToSquareWave(t *testing.T) {
	t.Parallel()

	d := audio.New()
	if err := d.SelectBackend(nil, true); err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}

	if d.Mode() != audio.ModeSquareWave {
		t.Fatalf("got mode %v, want ModeSquareWave", d.Mode())
	}

	if err := d.PlayTone(440); err != nil {
		t.Fatalf("PlayTone: %v", err)
	}

	if !d.TonePlaying() || d.ToneHz() != 440 {
		t.Fatalf("tone state: playing=%v hz=%d", d.TonePlaying(), d.ToneHz())
	}
}

func TestSelectBackendNoneAvailable(t *testing.T) {
	t.Parallel()

	d := audio.New()
	if err := d.SelectBackend(nil, false); err != audio.ErrNoBackend {
		t.Fatalf("got %v, want ErrNoBackend", err)
	}
}

func TestSubmitPCMRequiresPCMBackend(t *testing.T) {
	t.Parallel()

	d := audio.New()
	if err := d.SelectBackend(nil, true); err != nil {
		t.Fatal(err)
	}

	if err := d.SubmitPCM([]int16{1, 2, 3}, 44100, 2); err != nil {
		t.Fatalf("square-wave mode should silently accept: %v", err)
	}
}
