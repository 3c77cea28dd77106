package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"PPGateway/global"
	"PPGateway/logger"
	"PPGateway/service/gateway"
	"PPGateway/service/kafka"
	"PPGateway/service/mgo"
	"PPGateway/service/natsx"
	"PPGateway/service/storage"
	redisx "PPGateway/service/storage/redis"
	"PPGateway/tools/ids"
	"PPGateway/tools/security"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg := global.LoadGatewayConfig()
	ids.SetNodeID(cfg.NodeID)

	if err := redisx.InitRedis(redisx.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}); err != nil {
		logger.Errorf("[main] init redis: %v", err)
		return
	}

	mgo.StartAsync(context.Background(), &mgo.Config{
		URI:         cfg.MongoURI,
		Database:    cfg.MongoDatabase,
		MaxPoolSize: 20,
	})
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := mgo.WaitReady(waitCtx, mgo.Manager())
	cancel()
	if err != nil {
		logger.Errorf("[main] mongo not ready: %v (last: %v)", err, mgo.Err())
		return
	}

	srv := gateway.NewServer(gateway.Config{
		GatewayID:             cfg.GatewayID,
		SendQueue:             cfg.SendQueueSize,
		Backpressure:          gateway.ParseBackpressure(cfg.Backpressure),
		TypingTimeout:         cfg.TypingTimeout,
		TypingSweepEvery:      cfg.TypingSweepEvery,
		RateWindow:            cfg.RateLimitWindow,
		RateMax:               cfg.RateLimitMax,
		MaxMessageRunes:       cfg.MaxMessageRunes,
		VoiceMax:              cfg.VoiceMaxParticipants,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		HeartbeatMissMultiple: cfg.HeartbeatMissMultiple,
		PresenceGrace:         cfg.PresenceGrace,
		FanoutWorkers:         cfg.FanoutWorkers,
		FanoutQueue:           cfg.FanoutQueue,
	},
		security.Validator{Opts: security.DefaultOptions(cfg.JWTSecret)},
		storage.NewRedisAuthorizer(),
		storage.NewMongoMessageStore(mgo.GetDB()),
	)
	srv.SetPresenceSink(storage.NewRedisPresenceSink(cfg.GatewayID, cfg.PresenceTTL))

	if len(cfg.KafkaBrokers) > 0 {
		if err := kafka.InitAsyncProducer(cfg.KafkaBrokers); err != nil {
			logger.Errorf("[main] init kafka producer: %v", err)
			return
		}
		srv.SetJournal(&kafka.JournalProducer{Topic: cfg.JournalTopic})
	}

	if cfg.NatsURL != "" {
		nc, err := natsx.Connect(natsx.Config{
			Servers: []string{cfg.NatsURL},
			Name:    cfg.GatewayID,
		})
		if err != nil {
			logger.Errorf("[main] connect nats: %v", err)
			return
		}
		if err := gateway.BindServerEvents(nc, srv, cfg.ServerEventSubj, cfg.ServerEventQueue); err != nil {
			logger.Errorf("[main] bind server events: %v", err)
			return
		}
	}

	// gRPC health endpoint for the LB probes
	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCHealthPort))
		if err != nil {
			logger.Errorf("[main] health listen: %v", err)
			return
		}
		gs := grpc.NewServer()
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(gs, hs)
		if err := gs.Serve(lis); err != nil {
			logger.Errorf("[main] health serve: %v", err)
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", srv.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"gateway":  cfg.GatewayID,
			"sessions": srv.Registry().SessionCount(),
		})
	})
	// ops view: which gateway, if any, holds the user right now
	r.GET("/presence/:user", func(c *gin.Context) {
		gatewayID, online, err := storage.PresenceLookup(c.Request.Context(), c.Param("user"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"online": online, "gateway": gatewayID})
	})

	logger.Infof("[main] gateway %s listening on :%d", cfg.GatewayID, cfg.Port)
	if err := r.Run(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		logger.Errorf("[main] serve: %v", err)
	}
}
