package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/session"
)

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := slogLevel(tc.in); got != tc.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "parley.yaml")
	if err := os.WriteFile(good, []byte("server:\n  listen_addr: \":7000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.yaml")

	t.Run("explicit file", func(t *testing.T) {
		t.Parallel()
		cmd := newServeCmd()
		cmd.Flags().String("config", defaultConfigPath, "")
		if err := cmd.Flags().Set("config", good); err != nil {
			t.Fatal(err)
		}
		cfg, path, err := loadConfig(cmd)
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if path != good || cfg.Server.ListenAddr != ":7000" {
			t.Errorf("path=%q listen=%q", path, cfg.Server.ListenAddr)
		}
	})

	t.Run("explicit missing file", func(t *testing.T) {
		t.Parallel()
		cmd := newServeCmd()
		cmd.Flags().String("config", defaultConfigPath, "")
		if err := cmd.Flags().Set("config", missing); err != nil {
			t.Fatal(err)
		}
		if _, _, err := loadConfig(cmd); err == nil || !strings.Contains(err.Error(), "not found") {
			t.Errorf("err = %v, want not found", err)
		}
	})

	t.Run("missing default falls back", func(t *testing.T) {
		t.Parallel()
		cmd := newServeCmd()
		cmd.Flags().String("config", missing, "")
		cfg, path, err := loadConfig(cmd)
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if path != "" || cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("path=%q listen=%q, want defaults", path, cfg.Server.ListenAddr)
		}
	})
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()
	reg := newRegistry()

	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("mock: %v", err)
	}
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "openai-realtime", APIKey: "sk-test", Model: config.DefaultModel}); err != nil {
		t.Errorf("openai-realtime: %v", err)
	}
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "openai-realtime"}); err == nil {
		t.Error("openai-realtime without key: expected error")
	}
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown provider: err = %v", err)
	}
}

func TestNoticePrinter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := &noticePrinter{w: &buf}

	p.print(session.Notice{Kind: session.NoticeConnected})
	p.print(session.Notice{Kind: session.NoticeState, From: conversation.Processing, To: conversation.AIResponding})
	p.print(session.Notice{Kind: session.NoticeText, Text: "Hello"})
	p.print(session.Notice{Kind: session.NoticeText, Text: " there."})
	p.print(session.Notice{Kind: session.NoticeProcessingError, Text: "rate limited"})

	want := "connected\n[" + conversation.AIResponding.String() + "]\nai: Hello there.\nerror: rate limited\n"
	if got := buf.String(); got != want {
		t.Errorf("output:\n%q\nwant:\n%q", got, want)
	}
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "parley ") {
		t.Errorf("output = %q", buf.String())
	}
}
