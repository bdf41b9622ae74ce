package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/tradeloop/barter-engine/internal/api"
	"github.com/tradeloop/barter-engine/internal/db"
	"github.com/tradeloop/barter-engine/internal/engine"
)

func main() {
	log.Println("Starting TradeLoop Barter Matching Engine...")

	// ─── Environment Configuration ──────────────────────────────────────
	// DATABASE_URL is optional: without it the engine runs purely
	// in-memory and tenants cannot enable persistence.
	// ────────────────────────────────────────────────────────────────────

	var persistence engine.Persistence
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		dbConn, err := db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persistence. Error: %v", err)
		} else {
			defer dbConn.Close()
			if err := dbConn.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			} else {
				persistence = dbConn
			}
		}
	}

	// Setup WebSocket Hub for summary streaming
	wsHub := api.NewHub()
	go wsHub.Run()

	eng := engine.New(engine.Options{
		Sink:               api.NewHubSink(wsHub),
		Persistence:        persistence,
		AdapterConcurrency: int64(envInt("ADAPTER_CONCURRENCY", 8)),
	})
	defer eng.Close()

	// Bootstrap tenant for single-tenant deployments.
	if tenantID := os.Getenv("DEFAULT_TENANT"); tenantID != "" {
		cfg := engine.DefaultConfig()
		cfg.EnablePersistence = persistence != nil
		if err := eng.CreateTenant(context.Background(), tenantID, cfg); err != nil {
			log.Fatalf("Failed to create default tenant %s: %v", tenantID, err)
		}
	}

	// Setup the Gin Router
	r := api.SetupRouter(eng, wsHub)

	port := getEnvOrDefault("PORT", "5341")

	log.Printf("Engine running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
