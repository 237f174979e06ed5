package main

import (
	"context"
	"flag"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"

	"snowsync/client"
	"snowsync/config"
	"snowsync/logger"
	"snowsync/protocol"
	"snowsync/snapshot"
)

// botSink 把网络事件转成主协程可等待的信号；回调运行在客户端协程中，不能阻塞
type botSink struct {
	connected    chan protocol.AcceptPayload
	disconnected chan struct{}
}

func (s *botSink) OnConnected(a protocol.AcceptPayload) {
	select {
	case s.connected <- a:
	default:
	}
}

func (s *botSink) OnMessage(msg *protocol.Message, cmd protocol.CommandPayload) {
	logger.Log.Debugw("message", "from", msg.ClientID, "seq", msg.Seq, "cmd", cmd.Cmd)
}

func (s *botSink) OnDisconnected() {
	select {
	case s.disconnected <- struct{}{}:
	default:
	}
}

type entityLog struct{}

func (entityLog) EntityCreated(e *snapshot.Entity) {
	logger.Log.Infow("entity created", "object_id", e.ObjectID, "type", e.State.EntityType, "owned", e.Owned)
}

func (entityLog) EntityRemoved(objectID uint32) {
	logger.Log.Infow("entity removed", "object_id", objectID)
}

// 无界面客户端：连接、加入、绕圈移动，并记录重建后的实体
func main() {
	var (
		cfgPath string
		room    string
	)
	flag.StringVar(&cfgPath, "config", "snowsync.yaml", "path to yaml config (optional)")
	flag.StringVar(&room, "room", "", "room to join, overrides config")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}
	if room != "" {
		cfg.Client.Room = room
	}
	if err := logger.InitLogger(logger.Options{Level: cfg.Log.Level, Console: true}); err != nil {
		panic(err)
	}
	defer logger.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := &botSink{
		connected:    make(chan protocol.AcceptPayload, 1),
		disconnected: make(chan struct{}, 1),
	}
	c := client.New(cfg, clockwork.NewRealClock(), sink, entityLog{})
	frames := 0
	c.OnFrame = func(f snapshot.Frame) {
		frames++
		if frames%cfg.Client.FrameRate == 0 && f.Deferred == nil {
			logger.Log.Infow("frame", "render_time", f.RenderTime, "t", f.T, "entities", len(f.Entities))
		}
	}
	go func() {
		if err := c.Run(ctx); err != nil && err != context.Canceled {
			logger.Log.Errorw("client loop", "err", err)
		}
	}()

	nickname := cfg.Client.Nickname + "-" + uuid.NewString()[:4]
	for ctx.Err() == nil {
		if err := c.Dial(ctx); err != nil {
			logger.Log.Warnw("dial failed, retrying", "err", err)
			if !sleep(ctx, 2*time.Second) {
				break
			}
			continue
		}
		session(ctx, c, sink, nickname, cfg.Server)
		if !sleep(ctx, time.Second) {
			break
		}
	}
	logger.Log.Info("bot stopped")
}

// session 一次连接：等待接入后加入，并持续上报位置直到断开
func session(ctx context.Context, c *client.Client, sink *botSink, nickname string, world config.ServerConfig) {
	select {
	case accept := <-sink.connected:
		logger.Log.Infow("accepted", "client_id", accept.ClientID, "session", accept.Session)
	case <-sink.disconnected:
		return
	case <-ctx.Done():
		return
	}
	if err := c.Join(ctx, nickname, "default"); err != nil {
		logger.Log.Warnw("join failed", "err", err)
		return
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	cx, cy, radius := world.WorldWidth/2, world.WorldHeight/2, math.Min(world.WorldWidth, world.WorldHeight)/4
	for {
		select {
		case <-ticker.C:
			a := time.Since(start).Seconds()
			c.Move(cx+radius*math.Cos(a), cy+radius*math.Sin(a), a)
		case <-sink.disconnected:
			logger.Log.Warn("server offline")
			return
		case <-ctx.Done():
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
