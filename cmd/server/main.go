package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shopify/sarama"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sparkd-app/sparkd/config"
	"github.com/sparkd-app/sparkd/logger"
	"github.com/sparkd-app/sparkd/middleware"
	"github.com/sparkd-app/sparkd/module/message"
	"github.com/sparkd-app/sparkd/module/message/notifier"
	"github.com/sparkd-app/sparkd/module/message/persist"
	"github.com/sparkd-app/sparkd/module/message/realtime"
	"github.com/sparkd-app/sparkd/service/badge"
	"github.com/sparkd-app/sparkd/service/chat"
	"github.com/sparkd-app/sparkd/service/kafka"
	"github.com/sparkd-app/sparkd/service/notify"
	"github.com/sparkd-app/sparkd/service/obs"
	"github.com/sparkd-app/sparkd/service/storage/cache"
	"github.com/sparkd-app/sparkd/service/storage/mgo"
)

const shutdownWindow = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store.
	mongoClient, err := mgo.New(ctx, cfg.Mongo)
	if err != nil {
		log.Fatal("mongo unavailable", zap.Error(err))
	}
	messages := mgo.NewMessageRepo(mongoClient)
	users := mgo.NewUserRepo(mongoClient)
	rooms := mgo.NewRoomRepo(mongoClient)
	notifications := mgo.NewNotificationRepo(mongoClient)
	maintenance := mgo.NewMaintenance(mongoClient, messages, users, notifications)

	// Cache store, backend chosen by configuration.
	var store cache.Store
	if cfg.Cache.Backend == "memory" {
		store = cache.NewMemory()
	} else {
		store, err = cache.NewRedis(ctx, cfg.Cache)
		if err != nil {
			log.Fatal("redis unavailable", zap.Error(err))
		}
	}

	// Broker: client, topic provisioning, producer gateway. Topics are a
	// startup precondition; failure here is fatal.
	client, err := kafka.NewClient(cfg.Kafka)
	if err != nil {
		log.Fatal("kafka unavailable", zap.Error(err))
	}
	admin, err := sarama.NewClusterAdmin(cfg.Kafka.Brokers, kafka.BuildConfig(cfg.Kafka))
	if err != nil {
		log.Fatal("kafka admin unavailable", zap.Error(err))
	}
	if err := kafka.NewRegistry(cfg.Kafka.ReplicationFactor, log).Ensure(admin); err != nil {
		log.Fatal("topic provisioning failed", zap.Error(err))
	}
	_ = admin.Close()

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	gateway, err := kafka.NewGateway(client, log, metrics)
	if err != nil {
		log.Fatal("producer gateway", zap.Error(err))
	}

	// Live sessions. The provider covers the startup race between workers
	// and the HTTP layer.
	provider := chat.NewProvider()
	hub := chat.NewHub(log)
	provider.Set(hub)

	badges := badge.NewService(store, hub, log)

	// Workers, one consumer group each.
	persistWorker := persist.NewWorker(messages, users, store, maintenance, log, metrics)
	persistGroup := kafka.NewConsumerGroup(client, kafka.GroupPersistence,
		[]string{kafka.TopicChatMessages, kafka.TopicUserEvents},
		persistWorker, cfg.Kafka.RestartDelay, cfg.Kafka.MaxInFlightClaims, log, metrics)

	realtimeWorker := realtime.NewWorker(rooms, users, badges, store, provider, log, metrics)
	realtimeGroup := kafka.NewConsumerGroup(client, kafka.GroupRealtime,
		[]string{kafka.TopicChatMessages, kafka.TopicUserEvents},
		realtimeWorker, cfg.Kafka.RestartDelay, cfg.Kafka.MaxInFlightClaims, log, metrics)

	notifyWorker := notifier.NewWorker(users, notifications, store, provider,
		notify.NewHTTPPushGateway(cfg.Push), notify.NewSMTPSender(cfg.Email, log),
		gateway, log, metrics)
	notifyGroup := kafka.NewConsumerGroup(client, kafka.GroupNotification,
		[]string{kafka.TopicNotifications},
		notifyWorker, cfg.Kafka.RestartDelay, cfg.Kafka.MaxInFlightClaims, log, metrics)

	persistWorker.Start(ctx)
	persistWorker.RunMaintenance(ctx, 24*time.Hour)
	persistGroup.Start(ctx)
	realtimeGroup.Start(ctx)
	notifyGroup.Start(ctx)

	fallback := message.NewFallback(messages, rooms, store, badges, notifyWorker, provider, log, metrics)
	health := func() map[string]bool {
		return map[string]bool{
			"persistence":  persistGroup.Health(),
			"realtime":     realtimeGroup.Health(),
			"notification": notifyGroup.Health(),
		}
	}
	handler := message.NewHandler(gateway, fallback, badges, rooms, store, messages, notifications, health, log)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.AccessLog(log), middleware.CORS())
	handler.Register(engine, hub)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: engine}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	// Graceful shutdown: stop timer flushes and drain batches, disconnect
	// the consumers, then close everything else, inside a bounded window.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	done := make(chan struct{})
	go func() {
		defer close(done)
		persistWorker.Stop()
		persistGroup.Stop()
		realtimeGroup.Stop()
		notifyGroup.Stop()
		_ = gateway.Close()
		_ = client.Close()
		hub.Close()

		shutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelHTTP()
		_ = srv.Shutdown(shutdownCtx)
		_ = store.Close()
		_ = mongoClient.Close(shutdownCtx)
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
	case <-time.After(shutdownWindow):
		log.Warn("shutdown window exceeded, exiting")
	}
}
