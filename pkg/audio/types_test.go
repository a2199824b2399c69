package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestFormat_Duration(t *testing.T) {
	tests := []struct {
		name   string
		format audio.Format
		bytes  int
		want   time.Duration
	}{
		{name: "one second mono 16k", format: audio.Format{SampleRate: 16000, Channels: 1}, bytes: 32000, want: time.Second},
		{name: "8000 bytes at 48k", format: audio.Format{SampleRate: 48000, Channels: 1}, bytes: 8000, want: 83333333 * time.Nanosecond},
		{name: "stereo halves duration", format: audio.Format{SampleRate: 24000, Channels: 2}, bytes: 96000, want: time.Second},
		{name: "unset format", format: audio.Format{}, bytes: 100, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.Duration(tt.bytes); got != tt.want {
				t.Errorf("Duration(%d) = %v, want %v", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestAudioFrame_Frames(t *testing.T) {
	f := audio.AudioFrame{Data: make([]byte, 400), SampleRate: 16000, Channels: 2}
	if got := f.Frames(); got != 100 {
		t.Errorf("Frames() = %d, want 100", got)
	}
	if got := f.Duration(); got != 100*time.Second/16000 {
		t.Errorf("Duration() = %v", got)
	}
}

func TestFormat_String(t *testing.T) {
	for f, want := range map[audio.Format]string{
		{SampleRate: 24000, Channels: 1}: "24000Hz mono",
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 16000, Channels: 4}: "16000Hz 4ch",
	} {
		if got := f.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", f, got, want)
		}
	}
}
