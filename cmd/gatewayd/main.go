package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gatewayd/internal/config"
	"gatewayd/internal/engine"
	"gatewayd/internal/httpapi"
	"gatewayd/internal/selector"
	"gatewayd/internal/supervisor"
)

// Exit codes per the CLI contract.
const (
	exitOK          = 0
	exitConfig      = 1
	exitEngineStart = 2
	exitInterrupted = 130
)

// drainFallback bounds how long an in-flight forward may delay shutdown.
const drainFallback = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var cfgPath string
	code := exitOK

	root := &cobra.Command{
		Use:           "gatewayd",
		Short:         "OpenAI-compatible gateway managing local LLM engines on demand",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code = serve(cfgPath)
			return nil
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml/json/toml)")
	_ = root.MarkFlagRequired("config")
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	return code
}

func serve(cfgPath string) int {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	log := newLogger(cfg.Server.LogLevel)
	log.Info().Str("config", cfgPath).Int("models", len(cfg.Models)).Msg("gatewayd starting")

	var dumper *httpapi.Dumper
	if cfg.Server.DumpsDir != "" {
		dumper, err = httpapi.NewDumper(cfg.Server.DumpsDir, cfg.Server.DumpsPurge, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: dumps dir: %v\n", err)
			return exitConfig
		}
	}

	sup := supervisor.New(engine.Options{MaxTokensReserve: cfg.Server.MaxTokensReserve}, log)
	sel := selector.New(cfg, sup, log)
	gw := httpapi.NewGateway(cfg, sel, sup, dumper, log)
	srv := &http.Server{Handler: httpapi.NewMux(gw)}

	if name := cfg.Server.EagerStart; name != "" {
		model, _ := cfg.ModelByName(name)
		variant := &model.Variants[0]
		log.Info().Str("model", name).Int("context", variant.Context).Msg("eager-starting engine")
		if _, err := sup.Ensure(context.Background(), model, variant); err != nil {
			log.Error().Err(err).Str("model", name).Msg("eager start failed")
			sup.Shutdown()
			return exitEngineStart
		}
	}

	listeners := bindListeners(cfg, log)
	if len(listeners) == 0 {
		log.Error().Msg("no listen endpoint could be bound")
		sup.Shutdown()
		return exitConfig
	}
	for _, ln := range listeners {
		go func(ln net.Listener) {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("server error")
			}
		}(ln)
	}

	// Graceful shutdown: first signal drains, a second one aborts the drain.
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received, draining")
	gw.SetDraining()

	ctx, cancel := context.WithTimeout(context.Background(), drainFallback)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = srv.Shutdown(ctx)
		close(done)
	}()
	hard := false
	select {
	case <-done:
	case <-stop:
		hard = true
		cancel()
		<-done
	}
	sup.Shutdown()
	log.Info().Msg("gatewayd stopped")
	if hard {
		return exitInterrupted
	}
	return exitOK
}

// bindListeners opens the configured v4/v6 endpoints best-effort: failures
// are logged and skipped; startup fails only when nothing could be bound.
func bindListeners(cfg *config.Config, log zerolog.Logger) []net.Listener {
	var out []net.Listener
	bind := func(network string, addrs []string) {
		for _, addr := range addrs {
			ln, err := net.Listen(network, addr)
			if err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("failed to bind listen endpoint")
				continue
			}
			log.Info().Str("addr", ln.Addr().String()).Str("network", network).Msg("listening")
			out = append(out, ln)
		}
	}
	bind("tcp4", cfg.Server.ListenV4)
	bind("tcp6", cfg.Server.ListenV6)
	return out
}

func newLogger(level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
