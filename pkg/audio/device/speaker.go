package device

import (
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mixer"
)

var _ audio.Output = (*Speaker)(nil)

// DefaultBufferSize is the default oto buffer. Smaller values lower latency
// and raise the risk of glitches.
const DefaultBufferSize = 100 * time.Millisecond

// Speaker plays scheduled frames on the default output device. oto pulls
// continuously from a [mixer.Timeline], so the speaker clock advances in real
// time and silence fills every gap.
//
// oto allows one context per process; create at most one Speaker.
type Speaker struct {
	timeline *mixer.Timeline
	ctx      *oto.Context
	player   *oto.Player
}

// NewSpeaker opens the default output device in format f.
func NewSpeaker(f audio.Format, bufferSize time.Duration) (*Speaker, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("device: open speaker: %w", err)
	}
	<-ready

	tl := mixer.New(f)
	player := ctx.NewPlayer(tl)
	player.Play()
	return &Speaker{timeline: tl, ctx: ctx, player: player}, nil
}

// Now implements [audio.Output].
func (s *Speaker) Now() time.Duration { return s.timeline.Now() }

// Play implements [audio.Output].
func (s *Speaker) Play(frame audio.AudioFrame, at time.Duration, onEnded func()) (audio.Voice, error) {
	return s.timeline.Play(frame, at, onEnded)
}

// Close stops playback and releases the player.
func (s *Speaker) Close() error {
	s.player.Pause()
	err := s.player.Close()
	if terr := s.timeline.Close(); err == nil {
		err = terr
	}
	if err != nil {
		return fmt.Errorf("device: close speaker: %w", err)
	}
	return nil
}
