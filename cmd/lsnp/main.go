package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/lsnp/internal/config"
	"github.com/petervdpas/lsnp/internal/node"
	"github.com/petervdpas/lsnp/internal/repl"
)

func main() {
	var (
		cfgPath     = flag.String("config", "lsnp.json", "path to the config file")
		user        = flag.String("user", "", "username, the handle part of the user ID")
		name        = flag.String("name", "", "display name")
		port        = flag.Int("port", 50999, "UDP port")
		dataDir     = flag.String("data", "", "data directory")
		filesDir    = flag.String("files", "", "directory sendfile resolves relative paths against")
		avatarPath  = flag.String("avatar", "", "path to the local avatar image")
		metricsAddr = flag.String("metrics", "", "prometheus listen address, e.g. 127.0.0.1:9109")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	// Explicit flags win over the config file; unset flags leave it alone.
	override := func(cfg *config.Config) {
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "user":
				cfg.Identity.Username = *user
			case "name":
				cfg.Identity.DisplayName = *name
			case "port":
				cfg.Network.Port = *port
			case "data":
				cfg.Paths.DataDir = *dataDir
			case "files":
				cfg.Paths.FilesDir = *filesDir
			case "avatar":
				cfg.Paths.AvatarPath = *avatarPath
			case "metrics":
				cfg.Metrics.Addr = *metricsAddr
			case "v":
				cfg.Verbose = *verbose
			}
		})
	}

	cfg := config.Default()
	override(&cfg)
	cfg, created, err := config.Ensure(*cfgPath, cfg)
	if err != nil {
		fatal("load config: %v (set -user on first run)", err)
	}
	if created {
		fmt.Printf("wrote %s\n", *cfgPath)
	}
	override(&cfg)
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration: %v", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		fatal("start node: %v", err)
	}
	if err := n.Start(); err != nil {
		n.Close()
		fatal("start node: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- repl.New(n).Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		fmt.Println()
	case runErr = <-errCh:
	}
	if cerr := n.Close(); runErr == nil {
		runErr = cerr
	}
	if runErr != nil {
		fatal("%v", runErr)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "lsnp: "+format+"\n", args...)
	os.Exit(1)
}
