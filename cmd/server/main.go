package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/yysun/agent-world-sub012/internal/config"
	"github.com/yysun/agent-world-sub012/internal/memory"
	"github.com/yysun/agent-world-sub012/internal/persistence/eventlog"
	"github.com/yysun/agent-world-sub012/internal/transport/ws"
	"github.com/yysun/agent-world-sub012/internal/world"
)

type envConfig struct {
	Addr       string `env:"AW_ADDR"`
	ConfigPath string `env:"AW_CONFIG"`
	DataDir    string `env:"AW_DATA"`
	DisableDB  bool   `env:"AW_DISABLE_DB"`
}

func main() {
	ec := envConfig{
		Addr:       ":8080",
		ConfigPath: "./configs/worlds.yaml",
		DataDir:    "./data",
	}
	if err := env.Parse(&ec); err != nil {
		log.Fatalf("env: %v", err)
	}

	var (
		addr       = flag.String("addr", ec.Addr, "http listen address")
		configPath = flag.String("config", ec.ConfigPath, "worlds config path")
		dataDir    = flag.String("data", ec.DataDir, "runtime data directory")
		disableDB  = flag.Bool("disable_db", ec.DisableDB, "use in-process memory store instead of SQLite")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("config not found (%s); using defaults", *configPath)
			cfg, _ = config.Load("")
		} else {
			logger.Fatalf("load config: %v", err)
		}
	}

	var store world.AgentMemory
	var storeCloser interface{ Close() error }
	if *disableDB {
		store = memory.NewStore()
	} else {
		s, err := memory.OpenSQLite(filepath.Join(*dataDir, "memory", "messages.db"))
		if err != nil {
			logger.Fatalf("open memory store: %v", err)
		}
		store = s
		storeCloser = s
	}

	archive := eventlog.NewArchive(*dataDir)

	rt := world.NewRuntime(logger, store, &echoModel{}, newLocalExecutor(), world.Options{
		Heartbeat:       time.Duration(cfg.Queue.HeartbeatMS) * time.Millisecond,
		QueueDepth:      cfg.Queue.Depth,
		ApprovalTimeout: time.Duration(cfg.Approval.TimeoutMS) * time.Millisecond,
		Archive:         archive,
	})
	for _, spec := range cfg.Worlds {
		state := &world.WorldState{
			ID:               spec.ID,
			Name:             spec.Name,
			WorkingDirectory: spec.WorkingDirectory,
			AutoMention:      spec.AutoMention,
			Agents:           map[string]*world.AgentInfo{},
		}
		for _, a := range spec.Agents {
			state.Agents[a.ID] = &world.AgentInfo{
				ID:           a.ID,
				Name:         a.Name,
				Model:        a.Model,
				SystemPrompt: a.SystemPrompt,
			}
			state.AgentOrder = append(state.AgentOrder, a.ID)
		}
		if err := rt.AddWorld(state); err != nil {
			logger.Fatalf("register world %s: %v", spec.ID, err)
		}
	}

	wsServer := ws.NewServer(rt, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", wsServer.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s (worlds=%d)", *addr, len(cfg.Worlds))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Printf("runtime close: %v", err)
	}
	_ = archive.Close()
	if storeCloser != nil {
		_ = storeCloser.Close()
	}
	logger.Printf("bye")
}
