package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; RestartRequired
// flags changes that are ignored until the process restarts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PlaybackChanged is true when any scheduling parameter changed
	// (chunk grouping or initial delay). Applied to the next chunk group.
	PlaybackChanged bool
	NewPlayback     PlaybackConfig

	// InstructionsChanged is true when provider.instructions changed.
	// Applied to relay sessions opened after the reload.
	InstructionsChanged bool

	// RestartRequired lists dotted field paths that changed but are only read
	// at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	op, np := old.Client.Playback, new.Client.Playback
	if op.ChunkGroupMax != np.ChunkGroupMax ||
		op.ChunkGroupMaxDuration != np.ChunkGroupMaxDuration ||
		op.InitialPlaybackDelay != np.InitialPlaybackDelay {
		d.PlaybackChanged = true
		d.NewPlayback = np
	}

	if old.Provider.Instructions != new.Provider.Instructions {
		d.InstructionsChanged = true
	}

	restart := []struct {
		path    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"provider.name", old.Provider.Name != new.Provider.Name},
		{"provider.model", old.Provider.Model != new.Provider.Model},
		{"provider.base_url", old.Provider.BaseURL != new.Provider.BaseURL},
		{"provider.input_sample_rate", old.Provider.InputSampleRate != new.Provider.InputSampleRate},
		{"provider.voice", old.Provider.Voice != new.Provider.Voice},
		{"provider.breaker", old.Provider.Breaker != new.Provider.Breaker},
		{"client.server_url", old.Client.ServerURL != new.Client.ServerURL},
		{"client.capture", old.Client.Capture != new.Client.Capture},
		{"client.playback.sample_rate", op.SampleRate != np.SampleRate || op.Channels != np.Channels},
		{"client.playback.device_buffer", op.DeviceBuffer != np.DeviceBuffer},
		{"client.playback.device_format", op.DeviceSampleRate != np.DeviceSampleRate || op.DeviceChannels != np.DeviceChannels},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.path)
		}
	}

	return d
}
