package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bmorphism/patternmesh/internal/config"
	"github.com/bmorphism/patternmesh/internal/gossip"
	"github.com/bmorphism/patternmesh/internal/node"
	"github.com/bmorphism/patternmesh/internal/peers"
	"github.com/bmorphism/patternmesh/internal/server"
	"github.com/bmorphism/patternmesh/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node: ingest events, gossip with peers, serve the API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Resolve database path
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	nodeID, err := db.NodeID()
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}

	self := store.PeerNode{
		NodeID:  nodeID,
		Role:    cfg.Node.Role,
		Address: cfg.ListenAddr(),
		X:       cfg.Node.X,
		Y:       cfg.Node.Y,
		RangeM:  cfg.Node.RangeMeters,
	}
	dir, err := peers.New(db, self, log)
	if err != nil {
		return fmt.Errorf("peer directory: %w", err)
	}
	for _, p := range cfg.Peers {
		err := dir.Register(store.PeerNode{
			NodeID:  p.NodeID,
			Role:    p.Role,
			Address: p.Address,
			X:       p.X,
			Y:       p.Y,
			RangeM:  p.RangeMeters,
		})
		if err != nil {
			log.Warn("static peer rejected", "node", p.NodeID, "error", err)
		}
	}

	n, err := node.New(db, dir, node.Options{
		BaseThreshold:     cfg.Detection.BaseThreshold,
		Window:            cfg.Window(),
		HeartbeatInterval: time.Duration(cfg.Gossip.HeartbeatSeconds) * time.Second,
		StaleTimeout:      time.Duration(cfg.Gossip.StaleTimeoutSeconds) * time.Second,
		Retention:         cfg.Retention(),
		DrainTimeout:      time.Duration(cfg.Gossip.DrainSeconds) * time.Second,
	}, log)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	transport := gossip.New(nodeID, dir, n.Handler(), log)
	n.SetBroadcaster(transport)

	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	transport.Start(ctx)

	srv := server.New(db, n, transport, VersionString(), log)
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("patternmesh serving", "addr", addr, "db", dbPath, "node_id", nodeID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	log.Info("shutting down")

	// Stop accepting new events, drain the backlog, then drop the links.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	n.Stop()
	transport.Stop()
	return nil
}
