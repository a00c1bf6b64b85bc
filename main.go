package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/mdns/v2"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"greenhouse/internal/actionqueue"
	"greenhouse/internal/bus"
	"greenhouse/internal/cache"
	"greenhouse/internal/config"
	"greenhouse/internal/db"
	"greenhouse/internal/fanout"
	"greenhouse/internal/ingest"
	"greenhouse/internal/logging"
	"greenhouse/internal/mqtt"
	"greenhouse/internal/notify"
	"greenhouse/internal/rules"
	"greenhouse/internal/scheduler"
	"greenhouse/internal/web"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat, "greenhouse-core")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer store.Close()

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}
	defer rdb.Close()

	mqttClient, err := mqtt.NewClient(mqtt.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		ReconnectMax:   cfg.MQTT.ReconnectMax,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, logger.Named("mqtt"))
	if err != nil {
		logger.Fatal("mqtt unavailable", zap.Error(err))
	}

	events := bus.NewBus(cfg.Fanout.SendQueue, logger.Named("bus"))
	readCache := cache.NewCache(rdb, store, cfg.Ingest.HistoryCap, logger.Named("cache"))

	queue := actionqueue.NewQueue(rdb, actionqueue.Options{
		Lanes:        cfg.Queue.Lanes,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		BackoffCap:   cfg.Queue.BackoffCap,
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		AckWindow:    cfg.Queue.AckWindow,
	}, logger.Named("queue"))
	if err := queue.Init(ctx); err != nil {
		logger.Fatal("queue init failed", zap.Error(err))
	}

	dispatcher := notify.NewLogDispatcher(logger.Named("notify"))
	workers := actionqueue.NewPool(queue, mqttClient, store, dispatcher, events, cfg.MQTT.Namespace, logger.Named("workers"))
	workers.Start(ctx)

	pipeline := ingest.NewPipeline(store, readCache, events, queue, cfg.Ingest.Shards, cfg.Ingest.ShardDepth, logger.Named("ingest"))
	pipeline.Start(ctx)
	if err := pipeline.Bind(mqttClient, cfg.MQTT.Namespace); err != nil {
		logger.Fatal("transport subscribe failed", zap.Error(err))
	}

	evaluator := rules.NewEvaluator(readCache, store, cfg.Engine.MaxStaleness)
	engine := rules.NewEngine(store, evaluator, queue, events, rdb, cfg.Engine.PassDeadline, logger.Named("rules"))
	tasks := rules.NewTasks(cfg.Redis.Addr, cfg.Engine.Concurrency, engine, logger.Named("tasks"))
	engine.SetDispatcher(tasks)
	if err := engine.Start(ctx); err != nil {
		logger.Fatal("rule engine start failed", zap.Error(err))
	}
	if err := tasks.Start(); err != nil {
		logger.Fatal("task workers start failed", zap.Error(err))
	}

	sched := scheduler.NewScheduler(engine, queue, logger.Named("scheduler"))
	if err := sched.Start(ctx, cfg.Engine.EvalInterval, cfg.Engine.IndexRefresh); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	hub := fanout.NewHub(events, cfg.Fanout.SendQueue, logger.Named("fanout"))
	go hub.Run(ctx)

	server := web.NewServer(store, queue, hub, cfg.App.JWTSecret, logger.Named("web"))
	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.App.Port)); err != nil {
			logger.Fatal("http surface failed", zap.Error(err))
		}
	}()

	if cfg.MDNS.Enabled {
		go startMDNSServer(cfg.MDNS.LocalName, logger.Named("mdns"))
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	cancel()
	server.Stop()
	sched.Stop()
	tasks.Stop()
	engine.Stop()
	pipeline.Stop()
	workers.Stop()
	mqttClient.Disconnect(250)
	logger.Info("shutdown complete")
}

// startMDNSServer announces the hub on the LAN so greenhouse nodes can
// find it without static configuration.
func startMDNSServer(localName string, logger *zap.Logger) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		logger.Warn("mdns udp4 resolve failed", zap.Error(err))
		return
	}
	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		logger.Warn("mdns udp6 resolve failed", zap.Error(err))
		return
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		logger.Warn("mdns udp4 listen failed", zap.Error(err))
		return
	}
	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		logger.Warn("mdns udp6 listen failed", zap.Error(err))
		return
	}

	if _, err := mdns.Server(ipv4.NewPacketConn(l4), ipv6.NewPacketConn(l6), &mdns.Config{
		LocalNames: []string{localName},
	}); err != nil {
		logger.Warn("mdns server failed", zap.Error(err))
		return
	}
	logger.Info("mdns announce active", zap.String("name", localName))
}
