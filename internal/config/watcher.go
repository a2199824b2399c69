package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and hands each valid edit to a callback.
//
// Live settings are diffed against the previously applied file. Restart-only
// settings are diffed against the file the process booted with, so an edit
// that is reverted stops being reported. Invalid files are logged and
// skipped; the last applied config stays in force.
type Watcher struct {
	path     string
	interval time.Duration

	boot    *Config
	applied *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
	pending []string
}

// fileStamp is the cheap check before a file is read and hashed.
type fileStamp struct {
	size int64
	mod  time.Time
}

func (s fileStamp) matches(info os.FileInfo) bool {
	return info.Size() == s.size && info.ModTime().Equal(s.mod)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path as the boot config. Polling starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval}
	for _, o := range opts {
		o(w)
	}
	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.boot, w.applied, w.stamp, w.sum = cfg, cfg, stamp, sum
	return w, nil
}

// Boot returns the config the watcher started from.
func (w *Watcher) Boot() *Config { return w.boot }

// Run polls until ctx is done. apply runs on the polling goroutine with the
// diff against the previously applied config; its RestartRequired lists every
// restart-only field that differs from the boot config.
func (w *Watcher) Run(ctx context.Context, apply func(ConfigDiff, *Config)) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if d, next, ok := w.poll(); ok && apply != nil {
				apply(d, next)
			}
		}
	}
}

// poll reports whether the file holds a new valid config.
func (w *Watcher) poll() (ConfigDiff, *Config, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return ConfigDiff{}, nil, false
	}
	if w.stamp.matches(info) {
		return ConfigDiff{}, nil, false
	}

	next, stamp, sum, err := w.read()
	if err != nil {
		// Remember the broken file so it is reported once, not every tick.
		w.stamp = stamp
		slog.Warn("config: keeping previous config", "path", w.path, "err", err)
		return ConfigDiff{}, nil, false
	}
	w.stamp = stamp
	if sum == w.sum {
		return ConfigDiff{}, nil, false
	}
	w.sum = sum

	d := Diff(w.applied, next)
	d.RestartRequired = Diff(w.boot, next).RestartRequired
	w.applied = next
	w.notePending(d.RestartRequired)
	slog.Info("config: reloaded", "path", w.path)
	return d, next, true
}

// notePending logs when the set of edits waiting for a restart changes.
func (w *Watcher) notePending(fields []string) {
	if slices.Equal(fields, w.pending) {
		return
	}
	w.pending = fields
	if len(fields) == 0 {
		slog.Info("config: running config matches the file again, no restart needed")
		return
	}
	slog.Warn("config: changes take effect after a restart", "fields", fields)
}

func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	stamp, sum := fileStamp{info.Size(), info.ModTime()}, sha256.Sum256(data)
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, sum, err
	}
	return cfg, stamp, sum, nil
}
