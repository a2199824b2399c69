// Package device binds the [audio.Source] and [audio.Output] boundaries to
// real hardware: malgo (miniaudio) for microphone capture and oto for speaker
// playback.
//
// Both devices need a working audio backend (CoreAudio, WASAPI, ALSA/Pulse).
// Tests use audio/mock instead.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Source = (*Microphone)(nil)

// DefaultPeriod is the default device callback period.
const DefaultPeriod = 20 * time.Millisecond

// Microphone captures float32 blocks from the default input device.
type Microphone struct {
	format audio.Format
	period time.Duration

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	dev     *malgo.Device
	samples []float32
}

// NewMicrophone returns a stopped microphone capturing in format f with the
// given callback period. A zero period uses [DefaultPeriod].
func NewMicrophone(f audio.Format, period time.Duration) *Microphone {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Microphone{format: f, period: period}
}

// Format implements [audio.Source].
func (m *Microphone) Format() audio.Format { return m.format }

// Start implements [audio.Source]. onBlock runs on miniaudio's realtime
// thread with a reused slice.
func (m *Microphone) Start(onBlock func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return errors.New("device: microphone already started")
	}

	ctxCfg := malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}
	ctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return fmt.Errorf("device: init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(m.format.Channels)
	cfg.SampleRate = uint32(m.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(m.period / time.Millisecond)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.samples = decodeF32(m.samples, input)
			onBlock(m.samples)
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("device: open microphone: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("device: start microphone: %w", err)
	}

	m.ctx, m.dev = ctx, dev
	return nil
}

// Stop implements [audio.Source]. No callback runs after Stop returns.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		return nil
	}
	err := m.dev.Stop()
	m.dev.Uninit()
	if uerr := m.ctx.Uninit(); uerr != nil && err == nil {
		err = uerr
	}
	m.ctx.Free()
	m.ctx, m.dev = nil, nil
	if err != nil {
		return fmt.Errorf("device: stop microphone: %w", err)
	}
	return nil
}

// decodeF32 converts little-endian float32 bytes into dst, growing it only
// when the block is larger than any seen before.
func decodeF32(dst []float32, b []byte) []float32 {
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return dst
}
