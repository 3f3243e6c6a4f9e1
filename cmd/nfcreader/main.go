// main.go
// The reader binary stands in for the mobile scanner. `scan` reads NDEF
// payloads line by line (hex by default, plain text with --text) and relays
// them; `listen` prints everything the relay broadcasts; `ping` measures one
// round trip. Bringing a stopped process back to the foreground (SIGCONT)
// counts as an app resume.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nfc-relay/internal/client"
	"nfc-relay/internal/config"
	"nfc-relay/internal/liveness"
	"nfc-relay/internal/ndef"
	"nfc-relay/internal/protocol"
	"nfc-relay/internal/reader"
)

type rootOptions struct {
	configPath string
	url        string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "nfcreader",
		Short:        "NFC scanner and display client for the relay",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.url, "url", "", "relay websocket url (overrides RELAY_URL and config)")

	cmd.AddCommand(newScanCommand(opts))
	cmd.AddCommand(newListenCommand(opts))
	cmd.AddCommand(newPingCommand(opts))
	return cmd
}

func loadReaderConfig(opts *rootOptions, getenv func(string) string) (*config.ReaderConfig, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyEnv(&cfg, getenv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if opts.url != "" {
		cfg.Reader.URL = opts.url
	}
	if err := config.Validate(config.Config{Reader: cfg.Reader}); err != nil {
		return nil, err
	}
	return cfg.Reader, nil
}

func newSession(cfg *config.ReaderConfig) *client.Session {
	return client.NewSession(client.Options{
		URL:               cfg.URL,
		Header:            http.Header{"User-Agent": {cfg.UserAgent}},
		DialTimeout:       cfg.DialTimeout,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectDelayMax: cfg.ReconnectDelayMax,
	})
}

// statusPrinter writes a line whenever the user-visible text changes.
type statusPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	last string
}

func (p *statusPrinter) print(st reader.Status) {
	line := fmt.Sprintf("[%s] %s", st.Connection, st.NFC)
	if st.Latency != nil {
		line += fmt.Sprintf(" (latency %d ms)", st.Latency.Milliseconds())
	}
	if st.ServerInfo != nil {
		line += fmt.Sprintf(" server=%s/%s@%s", st.ServerInfo.Platform, st.ServerInfo.Project, st.ServerInfo.Version)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.out, line)
}

func runApp(cmd *cobra.Command, opts *rootOptions, appOpts reader.Options, body func(ctx context.Context, app *reader.App) error) error {
	cfg, err := loadReaderConfig(opts, os.Getenv)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := newSession(cfg)
	defer session.Close()

	printer := &statusPrinter{out: cmd.ErrOrStderr()}
	appOpts.OnStatus = printer.print
	appOpts.Liveness = liveness.Options{Interval: cfg.LatencyInterval, ReconnectDelay: cfg.ReconnectDelay}
	app := reader.New(session, appOpts)
	defer app.Stop()

	resume := make(chan os.Signal, 1)
	signal.Notify(resume, syscall.SIGCONT)
	defer signal.Stop(resume)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-resume:
				if err := app.Resume(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "resume: %v\n", err)
				}
			}
		}
	}()

	if err := app.Start(ctx); err != nil {
		// Advisory only; the session keeps retrying on resume.
		fmt.Fprintf(cmd.ErrOrStderr(), "connect: %v\n", err)
	}
	return body(ctx, app)
}

func newScanCommand(opts *rootOptions) *cobra.Command {
	var text bool
	var lang string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Relay tag payloads read from stdin, one per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, opts, reader.Options{}, func(ctx context.Context, app *reader.App) error {
				return scanLines(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), app, text, lang)
			})
		},
	}
	cmd.Flags().BoolVar(&text, "text", false, "treat each line as tag text instead of a hex payload")
	cmd.Flags().StringVar(&lang, "lang", "en", "language code for --text records")
	return cmd
}

func scanLines(ctx context.Context, in io.Reader, errOut io.Writer, app *reader.App, text bool, lang string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Let the last ack arrive before tearing down.
				time.Sleep(200 * time.Millisecond)
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			rec, err := parseRecord(line, text, lang)
			if err != nil {
				fmt.Fprintf(errOut, "skipping line: %v\n", err)
				continue
			}
			if err := app.HandleTag(ndef.Message{rec}); err != nil {
				fmt.Fprintf(errOut, "tag: %v\n", err)
			}
		}
	}
}

func parseRecord(line string, text bool, lang string) (ndef.Record, error) {
	if text {
		return ndef.NewTextRecord(lang, line)
	}
	return ndef.ParseHex(line)
}

func newListenCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print every relayed tag event as a JSON line",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			onReceived := func(msg protocol.NFCDataReceived) {
				line := map[string]any{
					"timestamp":      msg.Timestamp,
					"sourceClientId": msg.SourceClientID,
					"tagData":        msg.TagData,
				}
				var m ndef.Message
				if err := json.Unmarshal(msg.TagData, &m); err == nil {
					if text, err := m.Text(); err == nil {
						line["text"] = text
					}
				}
				mu.Lock()
				defer mu.Unlock()
				_ = json.NewEncoder(out).Encode(line)
			}
			return runApp(cmd, opts, reader.Options{OnReceived: onReceived}, func(ctx context.Context, app *reader.App) error {
				<-ctx.Done()
				return nil
			})
		},
	}
}

func newPingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Measure one round trip to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadReaderConfig(opts, os.Getenv)
			if err != nil {
				return err
			}
			session := newSession(cfg)
			defer session.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.DialTimeout)
			defer cancel()
			if err := session.Connect(ctx); err != nil {
				return err
			}
			pong, rtt, err := session.Ping(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pong from %s at %s: %d ms\n", pong.ClientID, pong.ServerTime, rtt.Milliseconds())
			return err
		},
	}
}
