package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/louiskop/go-voip-chat/pkg/console"
	"github.com/louiskop/go-voip-chat/pkg/eventlog"
	"github.com/louiskop/go-voip-chat/pkg/logging"
	"github.com/louiskop/go-voip-chat/pkg/server"
	"github.com/louiskop/go-voip-chat/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (flags override it)")
	showVersion := flag.Bool("version", false, "Print version and exit")

	cfg := server.DefaultConfig()
	flag.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "TCP control plane bind address")
	flag.IntVar(&cfg.CallPortOrigin, "call-ports", cfg.CallPortOrigin, "First UDP port issued to session call channels")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.ConsoleAddr, "console", cfg.ConsoleAddr, "WebSocket operator console bind address (empty to disable)")
	flag.StringVar(&cfg.EventDBPath, "event-db", cfg.EventDBPath, "SQLite event log file path (empty to disable)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: "+logging.LevelNames())
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if *configPath != "" {
		loaded, err := server.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid config file: %v\n", err)
			os.Exit(1)
		}
		// Flags win over the file: re-apply any explicitly set flags.
		cfg = loaded
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "control":
				cfg.ControlAddr = f.Value.String()
			case "call-ports":
				cfg.CallPortOrigin = atoiFlag(f)
			case "metrics":
				cfg.MetricsAddr = f.Value.String()
			case "console":
				cfg.ConsoleAddr = f.Value.String()
			case "event-db":
				cfg.EventDBPath = f.Value.String()
			case "log-level":
				cfg.LogLevel = f.Value.String()
			case "log-format":
				cfg.LogFormat = f.Value.String()
			}
		})
	}

	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	slog.Info("starting server", "version", version.String())

	events := []server.EventSink{server.SlogEventSink()}
	rosters := []server.RosterSink{server.SlogRosterSink()}

	if cfg.EventDBPath != "" {
		log, err := eventlog.Open(cfg.EventDBPath)
		if err != nil {
			slog.Error("open event log", "err", err)
			os.Exit(1)
		}
		defer log.Close()
		events = append(events, log)
	}

	if cfg.ConsoleAddr != "" {
		cons := console.New()
		if err := cons.Listen(cfg.ConsoleAddr); err != nil {
			slog.Error("bind console", "addr", cfg.ConsoleAddr, "err", err)
			os.Exit(1)
		}
		go func() {
			if err := cons.Serve(); err != nil {
				slog.Error("console error", "err", err)
			}
		}()
		defer cons.Close()
		slog.Info("operator console listening", "addr", cons.Addr())
		events = append(events, cons)
		rosters = append(rosters, cons)
	}

	srv := server.New(cfg, server.Dependencies{
		Events: server.MultiEvent(events...),
		Roster: server.MultiRoster(rosters...),
	})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func atoiFlag(f *flag.Flag) int {
	g, ok := f.Value.(flag.Getter)
	if !ok {
		return 0
	}
	n, _ := g.Get().(int)
	return n
}
