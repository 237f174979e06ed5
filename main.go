package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"snowsync/config"
	"snowsync/logger"
	"snowsync/server"
)

// snowsync 服务端入口：HTTP + WebSocket，多房间
func main() {
	var (
		cfgPath string
		addr    string
	)
	flag.StringVar(&cfgPath, "config", "snowsync.yaml", "path to yaml config (optional)")
	flag.StringVar(&addr, "addr", "", "listen address, overrides config, e.g. :28785")
	flag.Parse()

	// .env 可选
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := logger.InitLogger(logger.Options{File: cfg.Log.File, Level: cfg.Log.Level, Console: cfg.Log.Console}); err != nil {
		panic(err)
	}
	defer logger.SyncLogger()

	clock := clockwork.NewRealClock()
	manager := server.NewManager(cfg, clock, func(roomID string) server.Gameplay {
		return server.NewWorld(cfg.Server, time.Now().UnixNano())
	})
	// 预创建默认房间，便于快速试跑
	_ = manager.GetOrCreateRoom(cfg.Server.DefaultRoom)

	mux := http.NewServeMux()
	manager.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: c.Handler(mux)}

	go func() {
		logger.Log.Infof("snowsync listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Log.Infow("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 先让各房间广播 END_GAME 并关闭连接，再停止 HTTP
	if err := manager.Shutdown(ctx); err != nil {
		logger.Log.Warnw("room shutdown", "err", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Errorw("http shutdown", "err", err)
	}
}
