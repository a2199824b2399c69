package audio_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestStreamResampler_SameRatePassthrough(t *testing.T) {
	r, err := audio.NewStreamResampler(audio.Format{SampleRate: 16000, Channels: 1}, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewStreamResampler: %v", err)
	}
	if !r.Passthrough() {
		t.Fatal("expected passthrough for equal rates")
	}
	in := samplesToBytes([]int16{1, 2, 3})
	out, err := r.Process(in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if &out[0] != &in[0] {
		t.Error("expected input slice returned unchanged")
	}
}

func TestStreamResampler_Downsample(t *testing.T) {
	r, err := audio.NewStreamResampler(audio.Format{SampleRate: 24000, Channels: 1}, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewStreamResampler: %v", err)
	}
	// Feed one second of a low tone in 10 chunks; the output should approach
	// two thirds of the input length.
	samples := make([]int16, 2400)
	for i := range samples {
		samples[i] = int16((i % 48) * 100)
	}
	chunk := samplesToBytes(samples)
	total := 0
	for range 10 {
		out, err := r.Process(chunk)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if len(out)%2 != 0 {
			t.Fatalf("odd output length %d", len(out))
		}
		total += len(out) / 2
	}
	if total == 0 || total > 16000 {
		t.Errorf("resampled %d samples, want (0, 16000]", total)
	}
}

func TestNewStreamResampler_Invalid(t *testing.T) {
	if _, err := audio.NewStreamResampler(audio.Format{SampleRate: 0, Channels: 1}, audio.Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Error("expected error for zero source rate")
	}
	if _, err := audio.NewStreamResampler(audio.Format{SampleRate: 24000, Channels: 2}, audio.Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Error("expected error for channel mismatch")
	}
}
