package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dmchat/global"
	"dmchat/logger"
	mid "dmchat/middleware"
	midsec "dmchat/middleware/security"
	"dmchat/service/chat"
	"dmchat/service/identity"
	"dmchat/tools/safe"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	defer logger.Sync()

	cfg, err := global.Load(".env")
	if err != nil {
		logger.Error("load config failed", zap.Error(err))
		os.Exit(1)
	}
	global.ConfigLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1) 存储 / id
	gen := global.ConfigIds(cfg)
	store, err := global.ConfigStore(ctx, cfg, gen)
	if err != nil {
		logger.Error("init store failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
		os.Exit(1)
	}

	// 2) 可选组件：redis 在线镜像、nats 集群桥、kafka 审计
	var hubOpts []chat.HubOption
	presence, closeRedis, err := global.ConfigRedis(ctx, cfg)
	if err != nil {
		logger.Error("init redis failed", zap.Error(err))
		os.Exit(1)
	}
	if presence != nil {
		hubOpts = append(hubOpts, chat.WithPresence(presence))
	}
	audit, err := global.ConfigKafka(cfg)
	if err != nil {
		logger.Error("init kafka failed", zap.Error(err))
		os.Exit(1)
	}
	if audit != nil {
		hubOpts = append(hubOpts, chat.WithAuditor(audit))
	}

	reg := chat.NewRegistry()
	disp := chat.NewDispatcher(reg)
	hub := chat.NewHub(store, reg, disp, hubOpts...)

	natsClient, bridge, err := global.ConfigNats(cfg)
	if err != nil {
		logger.Error("init nats failed", zap.Error(err))
		os.Exit(1)
	}
	if bridge != nil {
		disp.SetBridge(bridge)
		if err := bridge.Start(disp.DeliverLocal); err != nil {
			logger.Error("start nats bridge failed", zap.Error(err))
			os.Exit(1)
		}
	}
	if presence != nil {
		safe.Go("presence-keepalive", func() { presence.KeepAlive(ctx, reg.OnlineUsers) })
	}

	// 3) gRPC 健康检查
	healthServer := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, healthServer)
	safe.Go("grpc-health", func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Error("[gRPC] listen failed", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
			return
		}
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		logger.Infof("[gRPC] Listening on %s", cfg.GRPCAddr)
		if err := gs.Serve(lis); err != nil {
			logger.Warn("[gRPC] server stopped", zap.Error(err))
		}
	})

	// 4) HTTP + WebSocket
	srv := chat.NewServer(hub, chat.ServerConfig{
		SendQueueSize:  cfg.SendQueueSize,
		OpTimeout:      cfg.OpTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	auth := midsec.DefaultOptions(identity.NewJWTResolver(global.ConfigJWT(cfg)))

	manager := mid.NewManager()
	manager.Add(mid.RequestLog(), mid.Recovery(), mid.Origin(cfg.AllowedOrigins))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(manager.Use())

	mid.GET(r, "/chat", srv.HandleWS, mid.RouteOpt{IsAuth: true, Auth: auth})
	mid.GET(r, "/api/conversations/:peer", srv.HandleConversation, mid.RouteOpt{IsAuth: true, Auth: auth})
	mid.GET(r, "/healthz", srv.Healthz, mid.RouteOpt{})

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	safe.Go("http", func() {
		logger.Infof("[HTTP] Listening on %s node=%s store=%s", cfg.HTTPAddr, cfg.NodeName(), cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("[HTTP] server failed", zap.Error(err))
			stop()
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")

	// ---- 关闭顺序：入口 → 集群桥 → 审计 → 存储 ----
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[HTTP] shutdown", zap.Error(err))
	}
	gs.GracefulStop()
	if natsClient != nil {
		_ = natsClient.Close()
	}
	if audit != nil {
		_ = audit.Close()
	}
	_ = closeRedis()
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("close store", zap.Error(err))
	}
}
