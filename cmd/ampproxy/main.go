package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ampproxy/internal/affinity"
	"ampproxy/internal/config"
	"ampproxy/internal/cooldown"
	"ampproxy/internal/credstore"
	"ampproxy/internal/limits"
	"ampproxy/internal/oauth"
	"ampproxy/internal/pipeline"
	"ampproxy/internal/provider"
	"ampproxy/internal/refresh"
	"ampproxy/internal/routing"
	"ampproxy/internal/stats"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	args := os.Args[1:]
	if len(args) == 0 {
		runServe()
		return
	}

	switch args[0] {
	case "serve":
		runServe()
	case "login":
		runLogin(args[1:])
	case "setup":
		runSetup()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ampproxy - local OAuth-routing reverse proxy for the amp CLI

Usage:
  ampproxy [serve]        run the proxy server (default)
  ampproxy login <pool>   run the OAuth login flow for anthropic|codex|google
  ampproxy setup          print first-run guidance
  ampproxy help           show this message`)
}

func runSetup() {
	cfg := config.Load()
	fmt.Printf("Data directory: %s\n", cfg.DataDir)
	fmt.Printf("Proxy port: %s\n", cfg.Port)
	fmt.Println("Run `ampproxy login anthropic`, `ampproxy login codex` or `ampproxy login google`")
	fmt.Println("to authorize an account, then `ampproxy serve` to start routing.")
}

func runLogin(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ampproxy login <anthropic|codex|google>")
		os.Exit(1)
	}

	var cfg oauth.ProviderConfig
	switch args[0] {
	case "anthropic":
		cfg = oauth.Anthropic
	case "codex":
		cfg = oauth.Codex
	case "google":
		cfg = oauth.Google
	default:
		fmt.Fprintf(os.Stderr, "unknown provider %q (want anthropic, codex or google)\n", args[0])
		os.Exit(1)
	}

	appCfg := config.Load()
	store, err := credstore.Open(appCfg.DataDir)
	if err != nil {
		log.Fatalf("open credential store: %v", err)
	}
	defer store.Close()

	engine := oauth.NewEngine(store)
	creds, err := engine.Login(context.Background(), cfg)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	fmt.Printf("Stored new %s credential (expires %dms from epoch)\n", cfg.Name, creds.ExpiresAt)
}

func runServe() {
	cfg := config.Load()

	store, err := credstore.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("open credential store: %v", err)
	}
	defer store.Close()

	limits.InitModelLimitsTable(cfg.DataDir)

	engine := oauth.NewEngine(store)
	cooldowns := cooldown.New()
	aff := affinity.New()
	stopAffinitySweep := aff.StartCleanup()
	defer stopAffinitySweep()

	router := routing.New(store, cooldowns, aff)
	registry := provider.NewRegistry(engine)
	statsRing := stats.New()

	sweeper := refresh.New(store, engine, []oauth.ProviderConfig{oauth.Anthropic, oauth.Codex, oauth.Google})
	stopRefreshSweep := sweeper.Start()
	defer stopRefreshSweep()

	handler := pipeline.New(cfg, router, registry, cooldowns, statsRing)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("[main] shutting down ampproxy...")
		server.Close()
	}()

	log.Printf("[main] ampproxy starting on :%s (upstream %s)", cfg.Port, cfg.UpstreamBaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Println("[main] ampproxy stopped.")
}
