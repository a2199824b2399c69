package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/config"
)

const defaultConfigPath = "config.yaml"

// logLevel is shared by the default logger so config reloads can change it
// in place.
var logLevel = new(slog.LevelVar)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "parley",
		Short: "Duplex voice conversations over a websocket relay",
		Long: `parley streams microphone audio to a relay, plays the spoken response
back gaplessly and lets you interrupt it at any time.

Run "parley serve" next to your speech service credentials and
"parley talk" wherever there is a microphone.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the YAML configuration file")

	root.AddCommand(newServeCmd(), newTalkCmd(), newVersionCmd())
	return root
}

// loadConfig reads the file named by --config. A missing default file falls
// back to built-in defaults; a missing explicit file is an error.
// The returned path is empty when no file backs the config.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, path, nil
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		slog.Info("no config file found, using defaults", "path", path)
		return config.Default(), "", nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, "", fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	default:
		return nil, "", err
	}
}

// setupLogger installs a text logger on stderr as the slog default.
func setupLogger(level config.LogLevel) {
	logLevel.Set(slogLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// watchConfig polls path and hands every valid change to apply once the log
// level was updated. It returns a stop function; with an empty path nothing
// is watched.
func watchConfig(path string, apply func(d config.ConfigDiff, next *config.Config)) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func(d config.ConfigDiff, next *config.Config) {
			if d.LogLevelChanged {
				logLevel.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			apply(d, next)
		})
	}()
	return func() {
		cancel()
		<-done
	}, nil
}
