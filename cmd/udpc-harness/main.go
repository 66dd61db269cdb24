// Command udpc-harness is a conformance-test CLI for pkg/udpc: it drives a
// Context through a fixed number of ticks as either a server or a client
// and reports what it observed, for use by scripted interoperability tests
// rather than as a production tool.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/reliudp/udpc/pkg/udpc"
)

type config struct {
	server     bool
	client     bool
	listenAddr string
	listenPort int
	connAddr   string
	connPort   int
	ticks      int
	noPayload  bool
	level      int
	events     bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()
	if cfg.server == cfg.client {
		return fmt.Errorf("exactly one of -c or -s is required")
	}

	log := newLogger(cfg.level)

	role := udpc.RoleServer
	if cfg.client {
		role = udpc.RoleClient
	}

	ctx, err := udpc.Init(&net.UDPAddr{IP: net.ParseIP(cfg.listenAddr), Port: cfg.listenPort}, role, udpc.Config{
		ProtocolID: 0x75647063, // "udpc"
		Log:        udpc.NewSlogSink(log),
	})
	if err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	defer ctx.Destroy()

	ctx.SetLoggingLevel(logLevelFromInt(cfg.level))
	ctx.SetEmitEvents(cfg.events)

	log.Info("listening", "addr", ctx.LocalAddr().String())

	if cfg.client {
		peer := udpc.NewConnectionId(&net.UDPAddr{IP: net.ParseIP(cfg.connAddr), Port: cfg.connPort})
		ctx.ClientInitiateConnection(peer, false)
	}

	for i := 0; i < cfg.ticks; i++ {
		ctx.Update()

		if !cfg.noPayload {
			for _, peer := range ctx.ListConnected() {
				_ = ctx.QueueSend(peer, true, []byte(fmt.Sprintf("tick %d", i)))
			}
		}

		for {
			_, _, ok := ctx.GetReceived()
			if !ok {
				break
			}
		}
		if cfg.events {
			for {
				evt, _, ok := ctx.GetEvent()
				if !ok {
					break
				}
				log.Info("event", "type", evt.Type.String(), "peer", evt.Peer.String())
			}
		}

		time.Sleep(8 * time.Millisecond)
	}

	log.Info("run complete", "connected", len(ctx.ListConnected()))
	return nil
}

func parseFlags() *config {
	cfg := &config{}
	flag.BoolVarP(&cfg.server, "server", "s", false, "run as server")
	flag.BoolVarP(&cfg.client, "client", "c", false, "run as client")
	flag.StringVar(&cfg.listenAddr, "ll", "::", "local listen address")
	flag.IntVar(&cfg.listenPort, "lp", 0, "local listen port (0 = ephemeral)")
	flag.StringVar(&cfg.connAddr, "cl", "::1", "peer address to connect to (client only)")
	flag.IntVar(&cfg.connPort, "cp", 0, "peer port to connect to (client only)")
	flag.IntVarP(&cfg.ticks, "ticks", "t", 100, "number of ticks to run")
	flag.BoolVarP(&cfg.noPayload, "no-payload", "n", false, "do not queue any payload, handshake/heartbeat only")
	flag.IntVarP(&cfg.level, "level", "l", int(udpc.LogInfo), "logging verbosity, 0 (silent) through 5 (debug)")
	flag.BoolVarP(&cfg.events, "events", "e", false, "enable and print lifecycle/pacing events")
	flag.Parse()
	return cfg
}

func newLogger(level int) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slogLevelFromInt(level),
		TimeFormat: time.RFC3339,
	}))
}

// slogLevelFromInt maps the harness's -l verbosity onto slog's levels; it
// does not need to match udpc's internal LogLevel mapping exactly since the
// harness's own messages are independent of what the core logs.
func slogLevelFromInt(level int) slog.Level {
	switch {
	case level <= int(udpc.LogError):
		return slog.LevelError
	case level <= int(udpc.LogWarning):
		return slog.LevelWarn
	case level <= int(udpc.LogVerbose):
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func logLevelFromInt(level int) udpc.LogLevel {
	if level < int(udpc.LogSilent) {
		return udpc.LogSilent
	}
	if level > int(udpc.LogDebug) {
		return udpc.LogDebug
	}
	return udpc.LogLevel(level)
}
