package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/panewatch/backend/internal/bridge"
	"github.com/panewatch/backend/internal/config"
	"github.com/panewatch/backend/internal/cost"
	"github.com/panewatch/backend/internal/delta"
	"github.com/panewatch/backend/internal/mock"
	"github.com/panewatch/backend/internal/recovery"
	"github.com/panewatch/backend/internal/stats"
	"github.com/panewatch/backend/internal/store"
	"github.com/panewatch/backend/internal/stream"
	"github.com/panewatch/backend/internal/tmux"
	"github.com/panewatch/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use synthetic panes instead of a live tmux server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pane source: real tmux or the scripted mock.
	var lister tmux.Lister
	var reader tmux.Reader
	if *mockMode {
		log.Println("Starting in mock mode (synthetic panes)")
		src := mock.NewSource()
		lister, reader = src, src
	} else {
		cli, err := tmux.NewCLI(cfg.Capture.HistoryLines)
		if err != nil {
			log.Fatalf("tmux not usable: %v", err)
		}
		lister, reader = cli, cli
	}

	// Durable log; an open failure degrades to memory-only operation
	// instead of refusing to start.
	var eventLog *store.Store
	if s, err := store.Open(ctx, cfg.Store.Path); err != nil {
		log.Printf("Event store unavailable at %s: %v", cfg.Store.Path, err)
	} else {
		eventLog = s
		defer eventLog.Close()
	}

	var appender stream.Appender
	var recoveryLog recovery.Log
	if eventLog != nil {
		appender = eventLog
		recoveryLog = eventLog
	}

	seq := stream.NewSequencer(cfg.Stream.RingCapacity, appender, nil, cfg.Store.AppendRetries)
	detector := delta.NewDetector(delta.Config{
		ErrorMarkers:    cfg.Detect.ErrorMarkers,
		StatusMarkers:   cfg.Detect.StatusMarkers,
		QuestionGlyphs:  cfg.Detect.QuestionGlyphs,
		QuestionPrompts: cfg.Detect.QuestionPrompts,
	})
	tracker := stats.NewTracker()

	rec := recovery.NewManager(recoveryLog, seq, detector, lister, reader, cfg.Stream.RingCapacity)
	if err := rec.Run(ctx); err != nil {
		log.Fatalf("Recovery failed: %v", err)
	}
	if eventLog != nil {
		if err := tracker.Seed(ctx, eventLog, 10000); err != nil {
			log.Printf("Stats reseed skipped: %v", err)
		}
	}

	broadcaster := ws.NewBroadcaster(seq, eventLog, tracker, ws.Options{
		HeartbeatInterval: cfg.WS.HeartbeatInterval,
		HeartbeatTimeout:  cfg.WS.HeartbeatTimeout,
		QueueSize:         cfg.WS.ClientQueueSize,
		MaxConnections:    cfg.WS.MaxConnections,
		SyncBacklog:       cfg.WS.SyncBacklog,
	})
	seq.SetPublisher(broadcaster)

	if eventLog != nil {
		retainer, err := store.NewRetainer(eventLog, cfg.Store.RetentionSchedule,
			cfg.Store.RetentionMaxAge, cfg.Store.RetentionPerPane)
		if err != nil {
			log.Fatalf("Invalid retention schedule %q: %v", cfg.Store.RetentionSchedule, err)
		}
		retainer.Start()
		defer retainer.Stop()
	}

	pipeline := bridge.New(cfg, lister, reader, detector, seq, tracker)
	pipeline.Start(ctx)

	server := ws.NewServer(cfg, broadcaster, seq, eventLog, tracker,
		cost.NewIngestor(seq), pipeline.Registry())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		pipeline.Stop()
		broadcaster.Close()
		seq.Close()
		if eventLog != nil {
			eventLog.Close()
		}
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, server.Routes()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
