package device

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

var micFormat = audio.Format{SampleRate: 24000, Channels: 1}

func TestDecodeF32(t *testing.T) {
	t.Parallel()

	want := []float32{0, 1, -1, 0.25, -0.125}
	b := make([]byte, len(want)*4+3) // trailing partial sample is ignored
	for i, v := range want {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}

	got := decodeF32(nil, b)
	if len(got) != len(want) {
		t.Fatalf("len: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}

	// A smaller block reuses the buffer.
	again := decodeF32(got, b[:8])
	if len(again) != 2 || &again[0] != &got[0] {
		t.Error("expected buffer reuse for smaller block")
	}
}

func TestNewMicrophone_DefaultPeriod(t *testing.T) {
	t.Parallel()

	m := NewMicrophone(micFormat, 0)
	if m.period != DefaultPeriod {
		t.Errorf("period: got %v, want %v", m.period, DefaultPeriod)
	}
	if m.Format() != micFormat {
		t.Errorf("Format: got %v", m.Format())
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop on unopened microphone: %v", err)
	}
}
