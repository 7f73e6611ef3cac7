package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fraudshield/decisionengine/internal/adminauth"
	"github.com/fraudshield/decisionengine/internal/api"
	"github.com/fraudshield/decisionengine/internal/config"
	"github.com/fraudshield/decisionengine/internal/configsource"
	"github.com/fraudshield/decisionengine/internal/idempotency"
	"github.com/fraudshield/decisionengine/internal/metrics"
	"github.com/fraudshield/decisionengine/internal/orchestrator"
	"github.com/fraudshield/decisionengine/internal/publisher"
	"github.com/fraudshield/decisionengine/internal/repository"
	"github.com/fraudshield/decisionengine/internal/rules"
	"github.com/fraudshield/decisionengine/internal/scorer"
	"github.com/fraudshield/decisionengine/pkg/circuit"
	"github.com/fraudshield/decisionengine/pkg/messaging"
)

func main() {
	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: cfg.PoolSizeRedis,
	})
	defer rdb.Close()

	repo, err := repository.Open(cfg.PostgresDSN, cfg.PoolSizePostgres)
	if err != nil {
		log.Fatalf("decisionengine: failed to open repository: %v", err)
	}
	defer repo.Close()

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "decisionengine",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("decisionengine: failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	pub, err := publisher.New(msgClient, cfg.PublishTopic, cfg.PublishQueueSize, cfg.PublishMaxRetries)
	if err != nil {
		log.Fatalf("decisionengine: failed to initialize publisher: %v", err)
	}

	idem := idempotency.New(rdb)
	repair := repository.NewRepairQueue(repo, cfg.PublishQueueSize, 3, time.Second)

	scorerClient := scorer.New(cfg.MLScorerURL, cfg.MLScorerTimeout, circuit.Config{
		MaxFailures: cfg.CircuitMaxFailures,
		Timeout:     cfg.CircuitTimeout,
		HalfOpenMax: cfg.CircuitHalfOpenMax,
	})

	ruleset := rules.NewCompiledRuleSet()
	lists := rules.NewListStore(rdb)
	velocity := rules.NewVelocityStore(rdb, map[string]rules.Aggregation{
		"amount_sum_by_card": rules.AggSum,
		"count_by_card":      rules.AggCount,
		"count_by_device":    rules.AggCount,
	}, cfg.VelocityTimeout)

	var watcher *configsource.Watcher
	if len(cfg.EtcdEndpoints) > 0 {
		watcher, err = configsource.New(cfg.EtcdEndpoints, ruleset, lists)
		if err != nil {
			log.Printf("decisionengine: etcd watcher unavailable, continuing on HTTP-only reload: %v", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := watcher.LoadInitial(ctx); err != nil {
				log.Printf("decisionengine: initial etcd rule/list load failed: %v", err)
			}
			cancel()
		}
	}

	sink := metrics.NewSink(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	defer sink.Close()

	engine := orchestrator.New(cfg, idem, repo, repair, pub, scorerClient, sink, ruleset, velocity, lists)

	verifier := adminauth.NewVerifier(cfg.AdminJWTSecret)

	checkers := api.CheckersFor(idem, repo, pub, scorerClient, lists)
	server := api.New(cfg, engine, verifier, ruleset, lists, sink, checkers)

	ctx, cancelBg := context.WithCancel(context.Background())
	go pub.Run(ctx)
	go repair.Run(ctx)
	if watcher != nil {
		go watcher.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("decisionengine: listening on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("decisionengine: server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("decisionengine: shutting down")
	cancelBg()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("decisionengine: shutdown error: %v", err)
	}
	if watcher != nil {
		watcher.Close()
	}

	log.Println("decisionengine: stopped")
}
