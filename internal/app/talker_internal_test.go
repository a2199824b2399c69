package app

import (
	"testing"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
)

func TestSpeakerFormat(t *testing.T) {
	t.Parallel()

	stream := audio.Format{SampleRate: 24000, Channels: 1}
	tests := []struct {
		name string
		p    config.PlaybackConfig
		want audio.Format
	}{
		{"follows stream", config.PlaybackConfig{}, stream},
		{"device rate", config.PlaybackConfig{DeviceSampleRate: 48000}, audio.Format{SampleRate: 48000, Channels: 1}},
		{"device layout", config.PlaybackConfig{DeviceChannels: 2}, audio.Format{SampleRate: 24000, Channels: 2}},
		// The stream format wins over stale playback fields.
		{"stream overrides config", config.PlaybackConfig{SampleRate: 16000, Channels: 2}, stream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := speakerFormat(tt.p, stream); got != tt.want {
				t.Errorf("speakerFormat() = %s, want %s", got, tt.want)
			}
		})
	}
}
