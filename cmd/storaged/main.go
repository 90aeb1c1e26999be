// Command storaged serves a replicated store to reader devices over
// websocket and QUIC.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/store"
	"github.com/pagesync/pagesync/internal/core/store/gateway"
	"github.com/pagesync/pagesync/internal/core/store/memory"
	"github.com/pagesync/pagesync/internal/core/store/sqlite"
	"github.com/pagesync/pagesync/internal/core/transport"
	"github.com/pagesync/pagesync/internal/core/transport/quic"
	"github.com/pagesync/pagesync/internal/core/transport/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))

	backend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open backend", log.Error(err))
	}
	defer backend.Close()

	gw := gateway.New(backend, cfg.Secret, logger)
	for _, l := range cfg.Listen {
		t, err := newTransport(l.Transport, logger)
		if err != nil {
			logger.Fatal("failed to create transport",
				log.String("transport", l.Transport), log.Error(err))
		}
		if err := gw.Listen(t, l.Addr); err != nil {
			logger.Fatal("failed to listen",
				log.String("transport", l.Transport),
				log.String("addr", l.Addr), log.Error(err))
		}
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	<-stopCh
	logger.Info("shutting down")
	if err := gw.Close(); err != nil {
		logger.Error("shutdown failed", log.Error(err))
	}
}

func openBackend(cfg *Config, logger log.Log) (store.Store, error) {
	switch cfg.Backend.Type {
	case "sqlite":
		return sqlite.Open(cfg.Backend.Path, logger)
	default:
		return memory.New(logger), nil
	}
}

func newTransport(name string, logger log.Log) (transport.Transport, error) {
	switch name {
	case "quic":
		return quic.New(nil, logger)
	default:
		return websocket.New(logger), nil
	}
}
