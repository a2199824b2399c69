package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
)

// stopTimeout bounds the final stop_recording sent while closing.
const stopTimeout = 2 * time.Second

// TalkerOption configures a [Talker].
type TalkerOption func(*Talker)

// WithSource injects the microphone. Default: a [device.Microphone] at
// client.capture.sample_rate.
func WithSource(src audio.Source) TalkerOption {
	return func(t *Talker) { t.src = src }
}

// WithOutput injects the speaker. Default: a [device.Speaker] in the
// client.playback format.
func WithOutput(out audio.Output) TalkerOption {
	return func(t *Talker) { t.out = out }
}

// WithNoticeHandler receives everything the user interface should show.
func WithNoticeHandler(fn func(session.Notice)) TalkerOption {
	return func(t *Talker) { t.onNotice = fn }
}

// WithTalkerMetrics sets the client-side instruments.
func WithTalkerMetrics(m *observe.Metrics) TalkerOption {
	return func(t *Talker) { t.metrics = m }
}

// WithAutoStart controls whether capture starts on every (re)connect.
// Default: true.
func WithAutoStart(on bool) TalkerOption {
	return func(t *Talker) { t.autoStart = on }
}

// WithHeader adds HTTP headers to the websocket handshake.
func WithHeader(h http.Header) TalkerOption {
	return func(t *Talker) { t.header = h }
}

// Talker is a running voice client: one relay connection and one session.
type Talker struct {
	cfg       config.ClientConfig
	src       audio.Source
	out       audio.Output
	onNotice  func(session.Notice)
	metrics   *observe.Metrics
	autoStart bool
	header    http.Header

	client  *transport.Client
	session *session.Session

	// ctx is the Run context; capture started on connect is bound to it.
	ctx context.Context

	closers   []func() error
	closeOnce sync.Once
}

// PlaybackConfig converts the scheduling part of a playback config.
func PlaybackConfig(c config.PlaybackConfig) playback.Config {
	return playback.Config{
		ChunkGroupMax:         c.ChunkGroupMax,
		ChunkGroupMaxDuration: c.ChunkGroupMaxDuration,
		InitialPlaybackDelay:  c.InitialPlaybackDelay,
	}
}

// speakerFormat is the device format for a stream in f. The speaker timeline
// converts each scheduled frame when the two differ.
func speakerFormat(p config.PlaybackConfig, f audio.Format) audio.Format {
	p.SampleRate, p.Channels = f.SampleRate, f.Channels
	rate, ch := p.DeviceFormat()
	return audio.Format{SampleRate: rate, Channels: ch}
}

// NewTalker opens the audio devices not injected by options and wires the
// session onto a relay client for cfg.ServerURL.
func NewTalker(cfg config.ClientConfig, opts ...TalkerOption) (*Talker, error) {
	t := &Talker{cfg: cfg, autoStart: true, ctx: context.Background()}
	for _, o := range opts {
		o(t)
	}

	playbackFormat := audio.Format{SampleRate: cfg.Playback.SampleRate, Channels: cfg.Playback.Channels}
	if playbackFormat.SampleRate <= 0 || playbackFormat.Channels <= 0 {
		playbackFormat = session.DefaultPlaybackFormat
	}

	if t.src == nil {
		t.src = device.NewMicrophone(audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: 1}, cfg.Capture.DevicePeriod)
	}
	if t.out == nil {
		spk, err := device.NewSpeaker(speakerFormat(cfg.Playback, playbackFormat), cfg.Playback.DeviceBuffer)
		if err != nil {
			return nil, fmt.Errorf("app: open speaker: %w", err)
		}
		t.out = spk
		t.closers = append(t.closers, spk.Close)
	}

	clientOpts := []transport.ClientOption{
		transport.WithReconnect(transport.ReconnectConfig{
			MaxRetries: cfg.Reconnect.MaxRetries,
			Backoff:    cfg.Reconnect.Backoff,
			MaxBackoff: cfg.Reconnect.MaxBackoff,
		}),
	}
	if t.header != nil {
		clientOpts = append(clientOpts, transport.WithHeader(t.header))
	}
	t.client = transport.NewClient(cfg.ServerURL, clientOpts...)

	sessOpts := []session.Option{
		session.WithPlaybackFormat(playbackFormat),
		session.WithPlaybackConfig(PlaybackConfig(cfg.Playback)),
	}
	if cfg.Capture.ChunkSamples > 0 {
		sessOpts = append(sessOpts, session.WithChunkSamples(cfg.Capture.ChunkSamples))
	}
	if t.metrics != nil {
		sessOpts = append(sessOpts, session.WithMetrics(t.metrics))
	}
	if t.onNotice != nil {
		sessOpts = append(sessOpts, session.WithNoticeHandler(t.onNotice))
	}
	t.session = session.New(t.client, t.src, t.out, sessOpts...)

	if t.autoStart {
		t.client.OnConnected(func() { go t.start() })
	}
	return t, nil
}

// Session returns the conversation session.
func (t *Talker) Session() *session.Session { return t.session }

// Connected reports whether the relay connection is up.
func (t *Talker) Connected() bool { return t.client.Connected() }

// Run connects to the relay and serves the connection until ctx is
// cancelled or reconnection gives up. The talker is closed on return.
func (t *Talker) Run(ctx context.Context) error {
	t.ctx = ctx
	err := t.client.Run(ctx)
	if cerr := t.Close(); cerr != nil {
		slog.Warn("talker close error", "err", cerr)
	}
	return err
}

func (t *Talker) start() {
	err := t.session.Start(t.ctx)
	switch {
	case err == nil, errors.Is(err, session.ErrAlreadyStarted), errors.Is(err, session.ErrClosed):
	default:
		slog.Error("failed to start capture", "err", err)
	}
}

// ApplyConfig hot-applies the client-side settings of a config reload.
func (t *Talker) ApplyConfig(d config.ConfigDiff) {
	if d.PlaybackChanged {
		cfg := PlaybackConfig(d.NewPlayback)
		t.session.SetPlaybackConfig(cfg)
		slog.Info("playback config updated",
			"chunk_group_max", cfg.ChunkGroupMax,
			"chunk_group_max_duration", cfg.ChunkGroupMaxDuration,
			"initial_playback_delay", cfg.InitialPlaybackDelay,
		)
	}
}

// Close stops capture (telling the relay if still connected), tears down
// the session and the connection, then releases the audio devices.
func (t *Talker) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		if t.client.Connected() {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			if err := t.session.Stop(ctx); err != nil {
				slog.Debug("stop on close", "err", err)
			}
			cancel()
		}
		if err := t.session.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := t.client.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, closer := range t.closers {
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
