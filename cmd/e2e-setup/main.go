package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"ai-chat-stream/internal/config"
	"ai-chat-stream/internal/infra/adapters/auth"
	"ai-chat-stream/internal/infra/db/postgres"
)

// This script prepares a clean, predictable state for manual end-to-end
// testing and prints a bearer token for the chosen principal.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	subject := flag.String("sub", "e2e-user", "principal to mint a bearer token for")
	ttl := flag.Duration("ttl", time.Hour, "bearer token lifetime")
	wipe := flag.Bool("wipe", true, "truncate chat_jobs before printing the token")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	log.Println("--- Starting E2E Environment Setup ---")

	if *wipe && cfg.Database.URL != "" {
		log.Println("[1/2] Wiping chat jobs...")
		pool, err := postgres.NewPgxPool(ctx, cfg.Database.URL, 2)
		if err != nil {
			log.Fatalf("postgres connection failed: %v", err)
		}
		if _, err := pool.Exec(ctx, `TRUNCATE chat_jobs;`); err != nil {
			pool.Close()
			log.Fatalf("failed to truncate chat_jobs: %v", err)
		}
		pool.Close()
	} else {
		log.Println("[1/2] Skipping database wipe")
	}

	log.Println("[2/2] Minting bearer token...")
	if cfg.Auth.JWTSecret == "" {
		// StaticVerifier accepts the principal itself as bearer.
		fmt.Println(*subject)
		return
	}
	tok, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Mint(*subject, *ttl)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}
	fmt.Println(tok)
	log.Println("--- E2E Environment Setup Complete ---")
}
