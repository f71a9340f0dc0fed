package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	apirest "github.com/driftchat/server/api/rest"
	"github.com/driftchat/server/api/sse"
	apows "github.com/driftchat/server/api/ws"
	"github.com/driftchat/server/audit"
	"github.com/driftchat/server/cache"
	"github.com/driftchat/server/chat"
	"github.com/driftchat/server/config"
	dbadapter "github.com/driftchat/server/db"
	"github.com/driftchat/server/friends"
	"github.com/driftchat/server/gateway"
	mw "github.com/driftchat/server/middleware"
	"github.com/driftchat/server/model"
	"github.com/driftchat/server/presence"
	"github.com/driftchat/server/scheduler"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(nil)

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// ---- Core services ----
	registry := presence.NewRegistry()
	hub := gateway.NewHub(registry, pubsub, logger)
	defer hub.CloseAll()

	friendsSvc := friends.NewService(db, logger)
	chatSvc := chat.NewService(db, c, hub, friendsSvc, cfg.Chat, logger)

	// ---- Periodic scheduler tasks ----
	if cfg.Friends.RequestTTLDays > 0 {
		ttl := time.Duration(cfg.Friends.RequestTTLDays) * 24 * time.Hour
		hostname, _ := os.Hostname()
		sched.AddTicker("stale_requests", cfg.Friends.PurgeInterval, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// Every node runs the schedule; the lock picks one purger
			// per interval when the cache is shared.
			got, err := c.SetNX(ctx, "lock:stale_requests", hostname, cfg.Friends.PurgeInterval/2)
			if err != nil || !got {
				return
			}
			if _, err := friendsSvc.PurgeStale(ttl); err != nil {
				logger.Error("stale request purge failed", zap.Error(err))
			}
		})
	}
	sched.AddTicker("presence_stats", time.Minute, func() {
		logger.Info("presence stats",
			zap.Int("online_users", registry.Count()),
			zap.Int("connections", hub.Count()))
	})

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	apows.NewSessionHandlers(hub, logger).Register(wsRouter)
	apows.NewChatHandlers(chatSvc, logger).Register(wsRouter)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security)
	friendsH := apirest.NewFriendsHandler(friendsSvc, hub, auditSvc, logger)
	messagesH := apirest.NewMessagesHandler(chatSvc, logger)
	adminH := apirest.NewAdminHandler(db, hub, sched, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		authed := api.Group("")
		authed.Use(mw.Auth(cfg.Security, c))
		authed.GET("/friends", friendsH.ListFriends)
		authed.DELETE("/friends/:id", friendsH.RemoveFriend)
		authed.POST("/friends/add", friendsH.SendRequest)
		authed.GET("/friends/requests", friendsH.ListRequests)
		authed.PUT("/friends/accept/:id", friendsH.Accept)
		authed.PUT("/friends/reject/:id", friendsH.Reject)
		authed.GET("/messages/:friendId", messagesH.History)
		authed.GET("/conversations", messagesH.RecentConversations)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/online", adminH.ListOnline)
		adminG.POST("/kick/:id", adminH.KickUser)
		adminG.POST("/users/:id/ban", adminH.BanUser)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
	}

	// ---- WebSocket ----
	wsH := apows.NewHandler(c, cfg.Security, hub, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, c, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
