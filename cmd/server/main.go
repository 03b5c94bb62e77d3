// Package main runs the live-classroom HTTP server with WebSocket signaling and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/liveroom/config"
	"github.com/aura-webinar/liveroom/internal/auth"
	"github.com/aura-webinar/liveroom/internal/middleware"
	"github.com/aura-webinar/liveroom/internal/presence"
	"github.com/aura-webinar/liveroom/internal/realtime"
	"github.com/aura-webinar/liveroom/internal/rooms"
	"github.com/aura-webinar/liveroom/internal/sessionlog"
	"github.com/aura-webinar/liveroom/internal/signaling"
	"github.com/aura-webinar/liveroom/internal/worker"
	"github.com/aura-webinar/liveroom/pkg/database"
	"github.com/aura-webinar/liveroom/pkg/queue"
	"github.com/aura-webinar/liveroom/pkg/redis"
	"github.com/aura-webinar/liveroom/pkg/response"
)

const accountingBuffer = 4096

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{HealthCheckPeriod: time.Minute}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := signaling.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		logger.Fatal("metrics", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	store := presence.NewRedisStore(rdb.Client, cfg.Live.PresenceTTL, logger)

	// Signaling
	coord := signaling.NewCoordinator(signaling.Options{
		NodeID:      cfg.Live.NodeID,
		MaxRoomSize: cfg.Live.MaxRoomSize,
	}, store, metrics, logger)
	bus := signaling.NewBus(rdb.Client, cfg.Live.NodeID, logger)
	coord.SetControlPublisher(bus)
	signalingHandler := signaling.NewHandler(coord)

	// Rooms and session records
	roomRepo := rooms.NewRepository(pool)
	sessionRepo := sessionlog.NewRepository(pool)
	sessionHandler := sessionlog.NewHandler(sessionRepo)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	roomSvc := rooms.NewService(roomRepo, sessionRepo, store, coord, jobQueue, rooms.Config{
		StreamURLBase: cfg.Live.StreamURLBase,
		PlayURLBase:   cfg.Live.PlayURLBase,
	}, logger)
	roomHandler := rooms.NewHandler(roomSvc)
	accounting := rooms.NewAccounting(roomRepo, sessionRepo, store, accountingBuffer, logger)
	coord.SetObserver(accounting)

	sweeper := worker.NewSessionSweeper(sessionRepo, coord, roomRepo, store, cfg.Live.SweepInterval, cfg.Live.SessionExpiry, logger)

	jwtValidate := func(token string) (userID, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID, claims.Role, nil
	}

	origins := middleware.NewOriginPolicy(cfg.Server.CORSAllowedOrigins)
	wsHandler := realtime.ServeWs(coord, roomGate{svc: roomSvc}, jwtValidate, realtime.Options{
		HeartbeatTimeout: cfg.Live.HeartbeatTimeout,
		PingInterval:     cfg.Live.PingInterval,
		WriteWait:        cfg.Live.WriteWait,
		ReadLimit:        cfg.Live.ReadLimit,
		SendBuffer:       cfg.Live.SendBuffer,
		RatePerSecond:    cfg.Live.SignalRatePerSecond,
		Burst:            cfg.Live.SignalBurst,
		ICEServers:       iceServers(cfg.WebRTC),
		Metrics:          metrics,
		CheckOrigin:      origins.CheckWebSocket,
	}, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(origins))
	router.Use(middleware.Logger(logger))

	// Health and metrics
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok", "node_id": cfg.Live.NodeID}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	// Protected API (JWT required)
	api := router.Group("/api/live")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/signaling/stats", signalingHandler.NodeStats)

		room := api.Group("/room")
		room.POST("/create", middleware.RequireTeacher(), roomHandler.Create)
		room.GET("/live", roomHandler.ListLive)
		room.GET("/mine", roomHandler.ListMine)
		room.GET("/:roomId", roomHandler.Get)
		room.POST("/:roomId/start", roomHandler.Start)
		room.POST("/:roomId/stop", roomHandler.Stop)
		room.POST("/:roomId/join", roomHandler.Join)
		room.POST("/:roomId/leave", roomHandler.Leave)
		room.GET("/:roomId/stats", roomHandler.Stats)
		room.GET("/:roomId/users", signalingHandler.RoomUsers)
		room.GET("/:roomId/webrtc-stats", signalingHandler.RoomStats)
		room.GET("/:roomId/sessions", rooms.RequireOwner(roomSvc), sessionHandler.ListByRoom)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws/live/:roomId", wsHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx, coord) })
	g.Go(func() error { return accounting.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("node_id", cfg.Live.NodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

// roomGate admits WebSocket connections only into live rooms.
type roomGate struct {
	svc *rooms.Service
}

func (g roomGate) Joinable(ctx context.Context, id uuid.UUID) (realtime.Admission, error) {
	rm, err := g.svc.Joinable(ctx, id)
	switch {
	case errors.Is(err, rooms.ErrNotFound):
		return realtime.Admission{}, realtime.ErrRoomNotFound
	case errors.Is(err, rooms.ErrNotLive):
		return realtime.Admission{}, realtime.ErrRoomClosed
	case err != nil:
		return realtime.Admission{}, err
	}
	return realtime.Admission{ChatEnabled: rm.ChatEnabled}, nil
}

func iceServers(cfg config.WebRTCConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEUrls))
	for _, u := range cfg.ICEUrls {
		s := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = cfg.TURNUsername
			s.Credential = cfg.TURNCredential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, s)
	}
	return servers
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
