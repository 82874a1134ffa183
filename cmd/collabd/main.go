// collabd is the real-time collaboration server: it fans template changes,
// cursor updates, and presence notifications out to everyone editing the
// same template.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shaneah/infyemailer-sub009/internal/auth"
	"github.com/shaneah/infyemailer-sub009/internal/config"
	"github.com/shaneah/infyemailer-sub009/internal/discovery"
	"github.com/shaneah/infyemailer-sub009/internal/relay"
	"github.com/shaneah/infyemailer-sub009/internal/server"
	"github.com/shaneah/infyemailer-sub009/internal/store"
	"github.com/shaneah/infyemailer-sub009/pkg/collab"
)

func main() {
	logger := log.New(os.Stderr, "collabd ", log.LstdFlags)
	cfg := config.Load()
	ctx := context.Background()

	var snapshots collab.SnapshotStore
	if cfg.DatabaseURL != "" {
		pg, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		snapshots = pg
		logger.Println("connected to postgres")
	} else {
		logger.Println("no database configured, using in-memory versioning")
	}

	var rooms collab.Relay
	if cfg.RedisAddr != "" {
		r, err := relay.New(ctx, cfg.RedisAddr, logger)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer r.Close()
		rooms = r
		logger.Println("connected to redis")
	} else {
		logger.Println("no redis configured, running single-instance")
	}

	hub := collab.NewHub(snapshots, rooms, logger)
	srv := server.New(hub, auth.NewSigner(cfg.TokenSecret), logger)

	if cfg.MDNSName != "" {
		port := portOf(cfg.HTTPAddr)
		shutdown, err := discovery.Announce(cfg.MDNSName, port)
		if err != nil {
			logger.Printf("mdns: %v", err)
		} else {
			defer shutdown()
			logger.Printf("announced %q on port %d via mdns", cfg.MDNSName, port)
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Println("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Printf("collaboration server listening on %s", cfg.HTTPAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}
