package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-router/internal/app"
	"github.com/acme/call-router/internal/queue"
)

// dialgen publishes synthetic call setup requests so the router daemon can
// be exercised end to end.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	count := flag.Int("count", 10, "number of setup messages to publish")
	user := flag.String("user", "user0", "owning user id")
	emergencyRatio := flag.Float64("emergency-ratio", 0.2, "fraction of calls flagged emergency")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between messages")
	seed := flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	dispatchers, err := container.Dispatchers()
	if err != nil {
		log.Fatalf("failed to build dispatchers: %v", err)
	}

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	for i := 0; i < *count; i++ {
		msg := queue.SetupMessage{
			CallID:     uuid.New(),
			UserID:     *user,
			Direction:  "outgoing",
			Emergency:  rng.Float64() < *emergencyRatio,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := dispatchers.SetupDispatcher.DispatchSetup(ctx, msg); err != nil {
			log.Fatalf("dispatch setup: %v", err)
		}
		log.Printf("dispatched call %s (emergency=%v)", msg.CallID, msg.Emergency)

		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
