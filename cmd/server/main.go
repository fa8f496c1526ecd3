package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mychat_node/internal/config"
	"mychat_node/internal/federation"
	identityRepo "mychat_node/internal/repository/identity"
	messageRepo "mychat_node/internal/repository/message"
	nodeRepo "mychat_node/internal/repository/node"
	taskRepo "mychat_node/internal/repository/task"
	"mychat_node/internal/service/lifecycle"
	"mychat_node/internal/service/queue"
	redisSvc "mychat_node/internal/service/redis"
	"mychat_node/internal/service/registry"
	"mychat_node/internal/service/resolver"
	"mychat_node/internal/service/server"
	"mychat_node/internal/service/worker"
	"mychat_node/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal("load configuration", zap.Error(err))
	}

	mongoClient, err := initMongo(cfg.MongoURI)
	if err != nil {
		log.Fatal("connect to mongo", zap.Error(err))
	}
	db := mongoClient.Database(cfg.MongoDB)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	cache := redisSvc.NewRedis(rdb)

	identities := identityRepo.NewRepo(db)
	messages := messageRepo.NewRepo(db)
	nodes := nodeRepo.NewRepo(db)
	tasks := taskRepo.NewRepo(db)

	fedClient := federation.NewClient(cfg.RequestTimeout)
	reg := registry.NewRegistry(cfg, nodes, fedClient)
	res := resolver.NewResolver(cfg, identities, reg, fedClient, cache)
	q := queue.NewQueue(cfg, tasks)
	lc := lifecycle.NewManager(cfg, messages, identities, res, q, reg)

	hub := server.NewHub()
	lc.SetNotifier(hub)

	w := worker.NewWorker(cfg, q, lc, reg, messages, fedClient)
	stopWorkers := w.Start(context.Background())

	srv := server.NewHttpServer(cfg, lc, identities, nodes, hub)
	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal("http server stopped", zap.Error(err))
		}
	}()
	log.Info("node started", zap.String("domain", cfg.Domain))

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mongoClient.Disconnect(ctx); err != nil {
		log.Error("disconnect mongo", zap.Error(err))
	}
	if err := rdb.Close(); err != nil {
		log.Error("close redis", zap.Error(err))
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
