// main.go
// The relay binary wires everything together: load config, build the
// registry and relay core, mount the websocket server and the status routes
// on one router, then serve until SIGINT/SIGTERM and close every client with
// a going-away frame.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nfc-relay/internal/config"
	"nfc-relay/internal/httpapi"
	"nfc-relay/internal/relay"
)

type serveOptions struct {
	configPath string
	port       int
	fanout     string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "NFC tag relay server",
		Long:         "Relays scanned NFC tag payloads from scanner clients to every connected display over websockets.",
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(opts, os.Getenv)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "listen port (overrides PORT and config)")
	cmd.Flags().StringVar(&opts.fanout, "fanout", "", "fan-out mode: all or others (overrides FANOUT_MODE and config)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the reported server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(&serveOptions{}, os.Getenv)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cfg.Version)
			return err
		},
	}
}

// loadServerConfig layers file, environment and flags, in that order.
func loadServerConfig(opts *serveOptions, getenv func(string) string) (*config.ServerConfig, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyEnv(&cfg, getenv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.fanout != "" {
		cfg.Server.FanoutMode = opts.fanout
	}
	if err := config.Validate(config.Config{Server: cfg.Server}); err != nil {
		return nil, err
	}
	return cfg.Server, nil
}

func newHandler(cfg *config.ServerConfig) (http.Handler, *relay.Server, error) {
	mode, err := relay.ParseFanoutMode(cfg.FanoutMode)
	if err != nil {
		return nil, nil, err
	}
	identity := relay.Identity{ProjectDomain: cfg.ProjectDomain, Version: cfg.Version}
	ws := relay.NewServer(relay.New(relay.NewRegistry(), mode), identity, relay.ServerOptions{
		PingInterval:    cfg.PingInterval,
		PingTimeout:     cfg.PingTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SendBuffer:      cfg.SendBuffer,
		CheckOrigin:     httpapi.OriginChecker(cfg.AllowedOrigins),
	})
	router := httpapi.NewRouter(ws, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Identity:       identity,
	})
	return router, ws, nil
}

func serve(ctx context.Context, cfg *config.ServerConfig) error {
	handler, ws, err := newHandler(cfg)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("relay listening on %s (fanout=%s)", cfg.Addr(), ws.Relay().Mode())
		if cfg.ProjectDomain != "" {
			log.Printf("live url: https://%s.glitch.me", cfg.ProjectDomain)
		}
		if cfg.AllowsAnyOrigin() {
			log.Println("accepting connections from all origins")
		}
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Printf("websocket shutdown: %v", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	log.Println("relay stopped")
	return nil
}
