package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/inkmesh/inkmesh/internal/adapter"
	"github.com/inkmesh/inkmesh/internal/config"
	"github.com/inkmesh/inkmesh/internal/mesh"
	"github.com/inkmesh/inkmesh/internal/peernet"
	"github.com/inkmesh/inkmesh/internal/persist"
	"github.com/inkmesh/inkmesh/internal/session"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

func main() {
	logger := log.New(os.Stdout, "[peer] ", log.LstdFlags)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("%v", err)
	}
	peerID := vclock.PeerID(cfg.PeerID)
	if !mesh.PeerAddressPattern.MatchString(cfg.PeerID) {
		logger.Fatalf("PEER_ID %q is not name@ip", cfg.PeerID)
	}

	if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
		logger.Fatalf("create save dir: %v", err)
	}
	store, err := persist.Open(filepath.Join(cfg.SaveDir, "snapshots.db"))
	if err != nil {
		// Keep going in memory; edits just won't survive a crash.
		logger.Printf("snapshot store unavailable: %v", err)
		store = nil
	} else {
		defer store.Close()
	}
	saver := persist.NewAutosaver(cfg.SaveDir, cfg.PeerID, cfg.AutosaveThreshold, logger)

	runtime := peernet.New(peerID, cfg.APIPort, logger)
	srv := adapter.NewServer(logger)

	// current always points at the live session; the supervisor swaps
	// in a fresh one after a crash.
	var current atomic.Pointer[session.Session]
	newSession := func() *session.Session {
		s := session.New(peerID, runtime, cfg.RetryInterval, session.Options{
			Runtime: runtime,
			Store:   store,
			Saver:   saver,
			Notify:  srv,
			Logger:  logger,
		})
		runtime.AttachLink(s.Link())
		srv.AttachCore(s)
		current.Store(s)
		return s
	}
	go supervise(newSession, logger)

	discovery, err := runtime.StartDiscovery(cfg.DiscoveryService, cfg.APIPort, func(peer vclock.PeerID) {
		if s := current.Load(); s != nil {
			if err := s.Connect(string(peer)); err != nil {
				logger.Printf("join discovered peer %s: %v", peer, err)
			}
		}
	})
	if err != nil {
		logger.Printf("mDNS discovery disabled: %v", err)
	} else {
		defer discovery.Stop()
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/mesh", runtime.HandleWS)
	go func() {
		logger.Printf("peer listener on :%d", cfg.APIPort)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.APIPort), apiMux); err != nil {
			logger.Fatalf("peer listener: %v", err)
		}
	}()

	go func() {
		logger.Printf("editor listener on :%d", cfg.FrontendPort)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.FrontendPort), srv.Router()); err != nil {
			logger.Fatalf("editor listener: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Printf("shutting down, stitching neighbors")
	if s := current.Load(); s != nil {
		s.DisconnectAll()
		s.Stop()
	}
}

// supervise runs the session's mailbox loop, rebuilding it from the last
// persisted snapshot if an internal invariant panics it.
func supervise(newSession func() *session.Session, logger *log.Logger) {
	for {
		s := newSession()
		if runOnce(s, logger) {
			return
		}
		logger.Printf("restarting session from snapshot")
	}
}

// runOnce reports true when the session stopped cleanly, false when it
// panicked and should be rebuilt.
func runOnce(s *session.Session, logger *log.Logger) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("session crashed: %v", r)
			clean = false
		}
	}()
	s.Run()
	return true
}
