package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"smartroll/internal/checkin"
	"smartroll/internal/config"
	"smartroll/internal/presence"
	"smartroll/internal/queue"
	"smartroll/internal/session"
	"smartroll/internal/store"
	"smartroll/internal/student"
)

// Worker consumes router snapshots and credits heartbeat attendance for
// recognized devices. The validator makes this idempotent: a student who
// already checked in just gets AlreadyRecorded.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "smartroll:router_snapshots")
	}

	resolver := presence.NewRedisResolver(redisClient.Client, cfg.PresenceTTL)
	registry := session.NewPostgresRegistry(db.Client)
	students := student.NewDirectory(db.Client)
	records := checkin.NewRepository(db.Client)
	validator := checkin.NewValidator(registry, resolver, records)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for router snapshots...")
	for msg := range messages {
		if msg.Type != "router_snapshot" {
			continue
		}

		snap, err := queue.DecodeSnapshot(msg)
		if err != nil {
			log.Printf("bad snapshot message: %v", err)
			continue
		}

		credited := 0
		for _, dev := range snap.Devices {
			st, err := students.FindByMAC(ctx, dev.MAC)
			if err != nil {
				log.Printf("student lookup failed for %s: %v", dev.MAC, err)
				continue
			}
			if st == nil {
				// Device on the AP but not enrolled; nothing to credit.
				continue
			}

			out, err := validator.Heartbeat(ctx, dev.MAC, snap.SessionID, st.ID)
			if err != nil {
				log.Printf("heartbeat for %s in session %d failed: %v", st.ID, snap.SessionID, err)
				continue
			}
			if out.Status == checkin.StatusAccepted {
				credited++
			}
		}
		log.Printf("snapshot session=%d devices=%d credited=%d", snap.SessionID, len(snap.Devices), credited)
	}

	log.Println("worker stopped")
}
