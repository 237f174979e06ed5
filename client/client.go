package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"snowsync/config"
	"snowsync/logger"
	"snowsync/netchan"
	"snowsync/protocol"
	"snowsync/snapshot"
)

// ErrClientStopped Run 已退出
var ErrClientStopped = errors.New("client stopped")

// EventSink 应用层回调；全部在 Run 协程中执行
type EventSink interface {
	OnConnected(accept protocol.AcceptPayload)
	// OnMessage 每条已识别的非世界更新指令调用一次
	OnMessage(msg *protocol.Message, cmd protocol.CommandPayload)
	// OnDisconnected 每次断开只调用一次
	OnDisconnected()
}

// Transport 已建立的底层连接（WebSocket 或测试替身）
type Transport interface {
	Send(b []byte) error
	Close() error
}

// inbox 事件
type (
	attachEvent struct {
		t Transport
	}
	frameEvent struct {
		t    Transport
		data []byte
	}
	closedEvent struct {
		t   Transport
		err error
	}
	enqueueEvent struct {
		reliable bool
		cmd      protocol.CommandPayload
		reply    chan error
	}
	moveEvent struct {
		move protocol.MovePayload
	}
	funcEvent struct {
		fn   func()
		done chan struct{}
	}
)

// Client 客户端网络通道：单协程协作式循环。
// 帧定时器驱动出站通道与快照重建，网络读协程只通过 inbox 投递数据，两者不会并发执行。
type Client struct {
	cfg     config.Config
	clock   clockwork.Clock
	sink    EventSink
	log     *zap.SugaredLogger
	inbox   chan any
	done    chan struct{}
	channel *netchan.Channel
	router  *netchan.Router[*Client]

	store      *snapshot.Store
	reconciler *snapshot.Reconciler

	transport Transport
	connected bool
	clientID  uint32 // 0 表示尚未分配
	session   string
	joined    bool
	peers     map[uint32]string // clientID → nickname

	synced    bool
	gameClock float64 // 服务端时钟（tick）
	tickRate  int
	lastFrame time.Time
	local     *protocol.MovePayload // 应用层给出的本地角色描述

	// OnFrame 渲染钩子：每帧重建结果
	OnFrame func(f snapshot.Frame)
}

// New 创建客户端；entities 为渲染侧的实体构造/销毁协作者，可为空
func New(cfg config.Config, clock clockwork.Clock, sink EventSink, entities snapshot.EntitySink) *Client {
	store := snapshot.NewStore()
	c := &Client{
		cfg:        cfg,
		clock:      clock,
		sink:       sink,
		log:        logger.Named("client"),
		inbox:      make(chan any, 256),
		done:       make(chan struct{}),
		channel:    netchan.NewChannel(cfg.Channel),
		store:      store,
		reconciler: snapshot.NewReconciler(store, entities, cfg.Client.SnapThreshold),
		peers:      make(map[uint32]string),
		tickRate:   cfg.Server.TickRate,
	}
	c.router = c.newRouter()
	return c
}

// Run 客户端主循环，ctx 取消后关闭连接并返回
func (c *Client) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.Client.FrameInterval())
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.disconnect("context cancelled")
			return ctx.Err()
		case ev := <-c.inbox:
			c.handleEvent(ev)
		case now := <-ticker.Chan():
			c.frame(now)
		}
	}
}

// Attach 绑定新建立的连接；随后自动发起 SERVER_CONNECT
func (c *Client) Attach(t Transport) error {
	return c.post(context.Background(), attachEvent{t: t})
}

// Deliver 传输层收到一帧数据
func (c *Client) Deliver(t Transport, data []byte) {
	_ = c.post(context.Background(), frameEvent{t: t, data: data})
}

// TransportClosed 传输层断开
func (c *Client) TransportClosed(t Transport, err error) {
	_ = c.post(context.Background(), closedEvent{t: t, err: err})
}

// Join 可靠发送 PLAYER_JOINED
func (c *Client) Join(ctx context.Context, nickname, theme string) error {
	return c.Send(ctx, true, protocol.CmdPlayerJoined, protocol.JoinPayload{Nickname: nickname, Theme: theme})
}

// Send 将指令放入出站通道，由下一帧发送。
// 可靠发送只适用于服务端会回显的指令（SERVER_CONNECT、PLAYER_JOINED），其余返回 ErrNotEchoed。
func (c *Client) Send(ctx context.Context, reliable bool, cmd protocol.Command, data any) error {
	payload, err := protocol.NewCommand(cmd, data)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := c.post(ctx, enqueueEvent{reliable: reliable, cmd: payload, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientStopped
	}
}

// Move 更新本地角色描述，拥有角色期间每帧以不可靠消息上报
func (c *Client) Move(x, y, rotation float64) {
	_ = c.post(context.Background(), moveEvent{move: protocol.MovePayload{X: x, Y: y, Rotation: rotation}})
}

// Do 在客户端协程中执行 fn 并等待完成
func (c *Client) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := c.post(ctx, funcEvent{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientStopped
	}
}

// ClientID 当前分配的 id；只能在客户端协程中调用（OnFrame、EventSink、Do）
func (c *Client) ClientID() uint32 { return c.clientID }

// Peers 已 join 的客户端（clientID → nickname）；只能在客户端协程中调用
func (c *Client) Peers() map[uint32]string {
	out := make(map[uint32]string, len(c.peers))
	for id, name := range c.peers {
		out[id] = name
	}
	return out
}

// Channel 出站通道；只能在客户端协程中访问
func (c *Client) Channel() *netchan.Channel { return c.channel }

// Reconciler 快照重建器；只能在客户端协程中访问
func (c *Client) Reconciler() *snapshot.Reconciler { return c.reconciler }

func (c *Client) post(ctx context.Context, ev any) error {
	select {
	case c.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientStopped
	}
}

func (c *Client) handleEvent(ev any) {
	switch e := ev.(type) {
	case attachEvent:
		c.attach(e.t)
	case frameEvent:
		if e.t == c.transport {
			c.handleFrame(e.data)
		}
	case closedEvent:
		if e.t == c.transport {
			c.log.Infow("transport closed", "client_id", c.clientID, "err", e.err)
			c.disconnect("transport closed")
		}
	case enqueueEvent:
		e.reply <- c.enqueue(e.reliable, e.cmd)
	case moveEvent:
		mv := e.move
		c.local = &mv
	case funcEvent:
		e.fn()
		close(e.done)
	default:
		c.log.Warnf("unknown client event %T", ev)
	}
}

func (c *Client) attach(t Transport) {
	if c.connected {
		c.disconnect("replaced by new transport")
	}
	c.transport = t
	c.connected = true
	c.channel.Attach(t)
	c.log.Infow("transport attached, connecting")
	if err := c.enqueue(true, protocol.MustCommand(protocol.CmdServerConnect, nil)); err != nil {
		c.log.Errorw("enqueue server connect", "err", err)
	}
}

func (c *Client) enqueue(reliable bool, cmd protocol.CommandPayload) error {
	if !c.connected {
		return netchan.ErrNotConnected
	}
	if reliable && !cmd.Cmd.EchoedToSender() {
		return fmt.Errorf("reliable %s: %w", cmd.Cmd, netchan.ErrNotEchoed)
	}
	_, err := c.channel.Enqueue(reliable, cmd)
	return err
}

// handleFrame 一帧入站数据；畸形消息丢弃，处理失败断开当前连接
func (c *Client) handleFrame(data []byte) {
	err := c.router.Dispatch(c, data)
	switch {
	case err == nil:
	case errors.Is(err, netchan.ErrMalformedMessage):
		c.log.Warnw("dropping malformed message", "err", err)
	default:
		c.log.Errorw("handler failed", "err", err)
		c.disconnect("handler failed")
	}
}

// frame 固定间隔推进：时钟、出站通道、快照重建
func (c *Client) frame(now time.Time) {
	if !c.lastFrame.IsZero() && c.synced {
		c.gameClock += now.Sub(c.lastFrame).Seconds() * float64(c.tickRate)
	}
	c.lastFrame = now

	if c.connected {
		c.streamMove()
		if err := c.channel.Tick(now); err != nil {
			c.log.Warnw("outbound tick", "err", err)
		}
	}
	if !c.synced {
		return
	}
	f := c.reconciler.Reconcile(c.RenderTime())
	if c.OnFrame != nil {
		c.OnFrame(f)
	}
}

// RenderTime 渲染时间（tick）：本地时钟回退插值延迟与模拟延迟
func (c *Client) RenderTime() float64 {
	delay := c.cfg.Client.InterpolationDelay + c.cfg.Client.SimulatedLag
	return c.gameClock - delay.Seconds()*float64(c.tickRate)
}

// streamMove 拥有角色时上报最新描述；只保留最新一条
func (c *Client) streamMove() {
	if !c.joined {
		return
	}
	mv, ok := c.ownedDescription()
	if !ok {
		return
	}
	cmd, err := protocol.NewCommand(protocol.CmdPlayerMove, mv)
	if err != nil {
		c.log.Errorw("encode move", "err", err)
		return
	}
	if err := c.enqueue(false, cmd); err != nil && !errors.Is(err, netchan.ErrSlotOccupied) {
		c.log.Warnw("enqueue move", "err", err)
	}
}

func (c *Client) ownedDescription() (protocol.MovePayload, bool) {
	owned := c.reconciler.Owned()
	if len(owned) == 0 {
		return protocol.MovePayload{}, false
	}
	if c.local != nil {
		return *c.local, true
	}
	e := owned[0]
	return protocol.MovePayload{X: e.X, Y: e.Y, Rotation: e.Rotation}, true
}

// disconnect 丢弃全部出站状态并通知应用层一次；已知实体保留，由渲染侧决定何时清除
func (c *Client) disconnect(reason string) {
	if !c.connected {
		return
	}
	c.connected = false
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.log.Debugw("close transport", "err", err)
		}
	}
	c.transport = nil
	c.channel.Reset()
	c.clientID = 0
	c.joined = false
	c.synced = false
	c.local = nil
	c.peers = make(map[uint32]string)
	c.reconciler.SetLocalClient(0)
	c.log.Infow("disconnected", "reason", reason)
	if c.sink != nil {
		c.sink.OnDisconnected()
	}
}
