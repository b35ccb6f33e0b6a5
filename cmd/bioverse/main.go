package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bioverse/internal/bioverse"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("BIOVERSE_CONFIG", ""), "path to bioverse.yaml (defaults are used when empty)")
	flag.Parse()

	cfg := bioverse.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = bioverse.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	if cfg.Metadata.NCBIAPIKey == "" {
		cfg.Metadata.NCBIAPIKey = os.Getenv("NCBI_API_KEY")
	}

	svc, err := bioverse.NewService(cfg)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("listen %s: %v", addr, err)
		return
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("bioverse listening on %s, providers=%d, store=%s", addr, len(cfg.Providers), storeName(cfg))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func storeName(cfg bioverse.Config) string {
	if cfg.Storage.Backend == "redis" {
		return "redis " + cfg.Storage.Redis.Addr
	}
	return "leveldb " + cfg.Storage.Path
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
