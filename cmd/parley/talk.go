package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
)

const talkHelp = `commands (type and press enter):
  i  interrupt the response
  m  toggle mute
  s  start or stop recording
  q  quit`

func newTalkCmd() *cobra.Command {
	var (
		server string
		manual bool
	)
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Talk to a relay using the default microphone and speaker",
		Long: `Connect to a relay and hold a spoken conversation. Recording starts as
soon as the connection is up (unless --manual is set) and resumes after
every reconnect. Speaking while a response plays interrupts it.

` + talkHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if server != "" {
				cfg.Client.ServerURL = server
			}
			return runTalk(cmd.Context(), cfg, path, !manual)
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "relay websocket URL (overrides client.server_url)")
	cmd.Flags().BoolVar(&manual, "manual", false, "do not start recording on connect")
	return cmd
}

func runTalk(ctx context.Context, cfg *config.Config, path string, autoStart bool) error {
	setupLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printer := &noticePrinter{w: os.Stdout}
	talker, err := app.NewTalker(cfg.Client,
		app.WithNoticeHandler(printer.print),
		app.WithTalkerMetrics(observe.DefaultMetrics()),
		app.WithAutoStart(autoStart),
	)
	if err != nil {
		return err
	}

	stopWatch, err := watchConfig(path, func(d config.ConfigDiff, _ *config.Config) {
		talker.ApplyConfig(d)
	})
	if err != nil {
		_ = talker.Close()
		return err
	}
	defer stopWatch()

	fmt.Printf("connecting to %s\n%s\n", cfg.Client.ServerURL, talkHelp)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readCommands(ctx, os.Stdin, talker.Session(), cancel)

	return talker.Run(ctx)
}

// readCommands applies one-letter commands from r until ctx ends. q cancels
// the conversation. End of input is not a quit: stdin may be detached.
func readCommands(ctx context.Context, r io.Reader, sess *session.Session, quit context.CancelFunc) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch strings.TrimSpace(sc.Text()) {
		case "i":
			err = sess.Interrupt(ctx)
		case "m":
			sess.SetMuted(!sess.Muted())
			fmt.Printf("muted: %v\n", sess.Muted())
		case "s":
			if sess.Capturing() {
				err = sess.Stop(ctx)
			} else {
				err = sess.Start(ctx)
			}
		case "q":
			quit()
			return
		case "":
		default:
			fmt.Println(talkHelp)
		}
		if err != nil {
			slog.Warn("command failed", "err", err)
		}
	}
}

// noticePrinter renders session notices as terminal lines. Response text
// streams inline and is terminated by the next non-text notice.
type noticePrinter struct {
	mu     sync.Mutex
	w      io.Writer
	inText bool
}

func (p *noticePrinter) print(n session.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n.Kind == session.NoticeText {
		if !p.inText {
			fmt.Fprint(p.w, "ai: ")
			p.inText = true
		}
		fmt.Fprint(p.w, n.Text)
		return
	}
	if p.inText {
		fmt.Fprintln(p.w)
		p.inText = false
	}

	switch n.Kind {
	case session.NoticeState:
		fmt.Fprintf(p.w, "[%s]\n", n.To)
	case session.NoticeProcessingError:
		fmt.Fprintf(p.w, "error: %s\n", n.Text)
	case session.NoticeTransportError:
		fmt.Fprintf(p.w, "send failed: %v\n", n.Err)
	case session.NoticeConnected:
		fmt.Fprintln(p.w, "connected")
	case session.NoticeDisconnected:
		fmt.Fprintf(p.w, "disconnected: %v\n", n.Err)
	}
}
