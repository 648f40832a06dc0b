package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"planetchat/internal/app/server"
	corelog "planetchat/internal/core/log"
	"planetchat/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("planetchat %s (%s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		corelog.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		corelog.Fatalf("failed to build server: %v", err)
	}

	if err := srv.Run(); err != nil {
		corelog.Errorf("server exited with error: %v", err)
		os.Exit(1)
	}
}
