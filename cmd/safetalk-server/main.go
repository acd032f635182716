package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/safetalk/pkg/ai"
	"github.com/aeolun/safetalk/pkg/auth"
	"github.com/aeolun/safetalk/pkg/flaglog"
	"github.com/aeolun/safetalk/pkg/moderation"
	"github.com/aeolun/safetalk/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.safetalk/config.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "safetalk-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	tomlCfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := tomlCfg.ToServerConfig()

	if cfg.AuthSecret == "" {
		return fmt.Errorf("SAFETALK_AUTH_SECRET must be set")
	}

	flagDBPath, err := tomlCfg.GetFlagDBPath()
	if err != nil {
		return err
	}
	store, err := flaglog.Open(flagDBPath)
	if err != nil {
		return fmt.Errorf("failed to open flag store: %w", err)
	}
	defer store.Close()

	pipeline := moderation.NewPipeline(
		moderation.NewWordList(cfg.ExtraWords...),
		moderation.NewHTTPClassifier(cfg.ToxicityEndpoint, cfg.ToxicityAPIKey, cfg.ModerationTimeout),
		cfg.ToxicityThreshold,
	)

	srv, err := server.NewServer(cfg, server.Collaborators{
		Verifier:  auth.NewJWTVerifier(cfg.AuthSecret),
		Safety:    pipeline,
		Completer: ai.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.CompletionMaxTokens),
		Flags:     store,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Printf("SafeTalk server started (ws :%d, metrics :%d)", cfg.HTTPPort, cfg.MetricsPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	return srv.Stop()
}
