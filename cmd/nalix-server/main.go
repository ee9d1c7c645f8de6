package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/nalix/nalix/dispatch"
	"github.com/gosuda/nalix/nalix/security/scorecard"
	"github.com/gosuda/nalix/nalix/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "nalix-server",
	Short: "Opcode-addressed binary packet server over TCP, UDP and WebSocket",
	RunE:  runServer,
}

var (
	flagListenTCP   string
	flagListenUDP   string
	flagListenAdmin string
	flagLogLevel    string
	flagScorecardDB string
	flagHandshake   bool
	flagIdleTimeout time.Duration
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListenTCP, "listen-tcp", ":9040", "TCP packet listener address")
	flags.StringVar(&flagListenUDP, "listen-udp", ":9041", "UDP packet listener address")
	flags.StringVar(&flagListenAdmin, "listen-admin", ":9090", "admin HTTP listener (healthz, metrics, stats, ws)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "zerolog level (trace..panic)")
	flags.StringVar(&flagScorecardDB, "scorecard-db", "", "path to the persistent violation ledger (empty: memory only)")
	flags.BoolVar(&flagHandshake, "handshake", true, "perform the key agreement handshake on TCP accept")
	flags.DurationVar(&flagIdleTimeout, "idle-timeout", 5*time.Minute, "disconnect connections idle longer than this")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("[Server] exited")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if level, err := zerolog.ParseLevel(flagLogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var board *scorecard.Board
	if flagScorecardDB != "" {
		store, err := scorecard.OpenStore(flagScorecardDB)
		if err != nil {
			return err
		}
		defer store.Close()
		board = scorecard.NewBoard(0, store)
	} else {
		board = scorecard.NewBoard(0, nil)
	}

	srv, err := newServer(board)
	if err != nil {
		return err
	}

	registry := dispatch.NewRegistry()
	if err := registry.Register(&PingController{}); err != nil {
		return err
	}
	if err := registry.Register(&SessionController{pool: srv.pool}); err != nil {
		return err
	}
	srv.dispatcher = dispatch.NewDispatcher(registry, dispatch.Config{
		Metrics:   telemetry.New(srv.promRegistry, srv.poolOutstanding),
		Scorecard: board,
	})

	go srv.serveTCP(ctx, flagListenTCP)
	go srv.serveUDP(ctx, flagListenUDP)
	go srv.serveAdmin(ctx, flagListenAdmin)
	go srv.sweepIdle(ctx, flagIdleTimeout)

	log.Info().
		Str("tcp", flagListenTCP).
		Str("udp", flagListenUDP).
		Str("admin", flagListenAdmin).
		Msg("[Server] listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info().Msg("[Server] shutting down")
	cancel()
	srv.closeAll("server shutdown")
	return nil
}
