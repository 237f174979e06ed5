package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"snowsync/config"
	"snowsync/logger"
	"snowsync/netchan"
	"snowsync/protocol"
)

var (
	ErrServerFull      = errors.New("server full")
	ErrRegistryStopped = errors.New("registry stopped")
)

// Gameplay 外部玩法协作者；所有回调都在 registry 协程中执行
type Gameplay interface {
	OnClientJoined(clientID uint32, join protocol.JoinPayload)
	OnGenericCommand(clientID uint32, cmd protocol.CommandPayload)
	OnClientRemoved(clientID uint32)
	// Spawn 由单次定时器触发，触发后重新安排
	Spawn(tick uint64)
	// Snapshot 返回当前 tick 的全部实体状态
	Snapshot(tick uint64) []protocol.EntityState
}

// Registry 连接注册表：单协程 actor，所有连接事件与定时器都在 Run 中串行处理，
// 因此 clients 无需加锁。网络读写协程只通过 inbox 与它交互。
type Registry struct {
	ID string

	cfg      config.ServerConfig
	clock    clockwork.Clock
	game     Gameplay
	metrics  *RegistryMetrics
	router   *netchan.Router[*ConnectionRecord]
	session  uuid.UUID
	log      *zap.SugaredLogger
	inbox    chan any
	done     chan struct{}
	closeErr error

	clients      map[uint32]*ConnectionRecord
	nextClientID uint32
	live         int
	serverSeq    uint32 // 服务端自身发出的消息序列（FULL_UPDATE、移除通知、END_GAME）
	tick         uint64

	// 可通过 /admin/config 热更新
	broadcastEvery int
	maxClients     int

	spawnTimer clockwork.Timer
}

// inbox 事件
type (
	acceptEvent struct {
		conn  Conn
		reply chan acceptResult
	}
	acceptResult struct {
		clientID uint32
		err      error
	}
	messageEvent struct {
		clientID uint32
		data     []byte
	}
	closeEvent struct {
		clientID uint32
	}
	funcEvent struct {
		fn   func()
		done chan struct{}
	}
)

// RegistryStats 供 HTTP 输出的状态
type RegistryStats struct {
	Room           string `json:"room"`
	Session        string `json:"session"`
	Live           int    `json:"live"`
	Joined         int    `json:"joined"`
	Tick           uint64 `json:"tick"`
	NextClientID   uint32 `json:"nextClientId"`
	BroadcastEvery int    `json:"broadcastEvery"`
	MaxClients     int    `json:"maxClients"`
}

// NewRegistry 创建注册表，调用 Run 之后开始处理事件
func NewRegistry(id string, cfg config.ServerConfig, clock clockwork.Clock, game Gameplay) *Registry {
	r := &Registry{
		ID:             id,
		cfg:            cfg,
		clock:          clock,
		game:           game,
		metrics:        &RegistryMetrics{},
		session:        uuid.New(),
		log:            logger.Named("registry").With("room", id),
		inbox:          make(chan any, 256),
		done:           make(chan struct{}),
		clients:        make(map[uint32]*ConnectionRecord),
		broadcastEvery: cfg.BroadcastEvery,
		maxClients:     cfg.MaxClients,
	}
	r.router = r.newRouter()
	return r
}

// Metrics 指标（并发安全）
func (r *Registry) Metrics() *RegistryMetrics {
	return r.metrics
}

// Done 在 Run 退出后关闭
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Err 关闭过程中产生的错误（Run 退出后有效）
func (r *Registry) Err() error {
	<-r.done
	return r.closeErr
}

// Accept 传输层接入后调用：分配 clientID 并创建处于 connecting 的记录，
// 收到 SERVER_CONNECT 后转为 unjoined
func (r *Registry) Accept(ctx context.Context, conn Conn) (uint32, error) {
	reply := make(chan acceptResult, 1)
	if err := r.post(ctx, acceptEvent{conn: conn, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.clientID, res.err
	case <-ctx.Done():
		// 事件已投递，registry 可能在超时之后才创建记录；调用方不会再启动读协程，由这里回收
		go r.reclaim(reply)
		return 0, ctx.Err()
	case <-r.done:
		return 0, ErrRegistryStopped
	}
}

// reclaim 回收调用方已放弃的接入结果
func (r *Registry) reclaim(reply <-chan acceptResult) {
	select {
	case res := <-reply:
		if res.err == nil {
			r.log.Infow("accept abandoned by caller", "client_id", res.clientID)
			r.Disconnect(res.clientID)
		}
	case <-r.done:
	}
}

// Deliver 读协程收到一帧数据；registry 处理慢时对读协程形成背压
func (r *Registry) Deliver(clientID uint32, data []byte) {
	_ = r.post(context.Background(), messageEvent{clientID: clientID, data: data})
}

// Disconnect 传输层关闭；在 registry 协程中移除记录
func (r *Registry) Disconnect(clientID uint32) {
	_ = r.post(context.Background(), closeEvent{clientID: clientID})
}

// Do 在 registry 协程中执行 fn 并等待完成
func (r *Registry) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := r.post(ctx, funcEvent{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRegistryStopped
	}
}

// Stats 读取当前状态
func (r *Registry) Stats(ctx context.Context) (RegistryStats, error) {
	var st RegistryStats
	err := r.Do(ctx, func() { st = r.stats() })
	return st, err
}

// Tune 热更新广播间隔与人数上限；非正数表示不修改
func (r *Registry) Tune(ctx context.Context, broadcastEvery, maxClients int) error {
	return r.Do(ctx, func() {
		if broadcastEvery > 0 {
			r.broadcastEvery = broadcastEvery
		}
		if maxClients > 0 {
			r.maxClients = maxClients
		}
		r.log.Infof("config updated: broadcastEvery=%d maxClients=%d", r.broadcastEvery, r.maxClients)
	})
}

func (r *Registry) post(ctx context.Context, ev any) error {
	select {
	case r.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRegistryStopped
	}
}

// handleEvent 分发 inbox 事件（仅在 registry 协程中调用）
func (r *Registry) handleEvent(ev any) {
	switch e := ev.(type) {
	case acceptEvent:
		id, err := r.accept(e.conn)
		e.reply <- acceptResult{clientID: id, err: err}
	case messageEvent:
		r.handleMessage(e.clientID, e.data)
	case closeEvent:
		r.removeClient(e.clientID, "transport closed")
	case funcEvent:
		e.fn()
		close(e.done)
	default:
		r.log.Warnf("unknown registry event %T", ev)
	}
}

// accept 分配下一个 clientID（从 1 开始，单调递增，不复用）
func (r *Registry) accept(conn Conn) (uint32, error) {
	if r.live >= r.maxClients {
		r.metrics.IncRejected()
		r.log.Warnw("rejecting connection, server full", "live", r.live, "max", r.maxClients)
		return 0, fmt.Errorf("%w: %d/%d", ErrServerFull, r.live, r.maxClients)
	}
	r.nextClientID++
	now := r.clock.Now()
	rec := &ConnectionRecord{
		ClientID:    r.nextClientID,
		ConnID:      uuid.New(),
		Conn:        conn,
		State:       StateConnecting,
		ConnectedAt: now,
		inbound:     rate.NewLimiter(rate.Limit(r.cfg.InboundRate), r.cfg.InboundBurst),
		malformed:   rate.NewLimiter(rate.Every(10*time.Second), r.cfg.MalformedBudget),
	}
	r.clients[rec.ClientID] = rec
	r.live++
	r.metrics.IncAccepted()
	r.log.Infow("client connected", "client_id", rec.ClientID, "conn", rec.ConnID, "live", r.live)
	return rec.ClientID, nil
}

// handleMessage 单条入站消息；失败只影响该连接
func (r *Registry) handleMessage(clientID uint32, data []byte) {
	rec, ok := r.clients[clientID]
	if !ok {
		return
	}
	now := r.clock.Now()
	if !rec.inbound.AllowN(now, 1) {
		// 超速的消息可能是可靠消息，丢弃会让对端永远等不到回显：直接断开
		r.metrics.IncRateLimited()
		r.removeClient(clientID, "inbound rate exceeded")
		return
	}
	err := r.router.Dispatch(rec, data)
	switch {
	case err == nil:
	case errors.Is(err, netchan.ErrMalformedMessage):
		r.metrics.IncMalformed()
		r.log.Warnw("dropping malformed message", "client_id", clientID, "conn", rec.ConnID, "err", err)
		if !rec.closed() && !rec.malformed.AllowN(now, 1) {
			r.removeClient(clientID, "malformed budget exhausted")
		}
	default:
		r.metrics.IncHandlerFailure()
		r.log.Errorw("handler failed, closing connection", "client_id", clientID, "conn", rec.ConnID, "err", err)
		r.removeClient(clientID, "handler failed")
	}
}

// removeClient 移除连接：已 join 的先通知其他人，再删除记录。未知 id 为空操作。
func (r *Registry) removeClient(clientID uint32, reason string) {
	rec, ok := r.clients[clientID]
	if !ok {
		r.metrics.IncUnknownRemoved()
		r.log.Debugw("attempted to disconnect unknown client", "client_id", clientID, "reason", reason)
		return
	}
	r.log.Infow("disconnecting client", "client_id", clientID, "conn", rec.ConnID, "reason", reason)

	if rec.Enabled {
		if b, err := r.encodeServer(protocol.CmdPlayerDisconnect, protocol.RemovePayload{ClientID: clientID}); err == nil {
			r.broadcast(clientID, b, false)
		} else {
			r.log.Errorw("encode removal notice", "err", err)
		}
		r.game.OnClientRemoved(clientID)
	}

	rec.State = StateClosed
	rec.Enabled = false
	delete(r.clients, clientID)
	r.live--
	r.metrics.IncRemoved()
	if err := rec.Conn.Close(); err != nil {
		r.log.Debugw("close connection", "client_id", clientID, "err", err)
	}
}

// broadcast 编码一次，逐个发送；includeOrigin=false 时跳过发送者。
// 单个连接发送失败不影响其他连接，返回成功投递的数量。
func (r *Registry) broadcast(originID uint32, b []byte, includeOrigin bool) int {
	r.metrics.IncBroadcast()
	delivered := 0
	for _, id := range r.clientIDs() {
		if !includeOrigin && id == originID {
			continue
		}
		rec := r.clients[id]
		if err := rec.Conn.Send(b); err != nil {
			r.metrics.IncSendFailure()
			r.log.Warnw("broadcast send failed", "client_id", id, "conn", rec.ConnID, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

// sendTo 只发给一个连接
func (r *Registry) sendTo(rec *ConnectionRecord, msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := rec.Conn.Send(b); err != nil {
		r.metrics.IncSendFailure()
		return fmt.Errorf("send to client %d: %w", rec.ClientID, err)
	}
	return nil
}

// encodeServer 编码服务端自身发出的消息（id=0，使用服务端序列）
func (r *Registry) encodeServer(cmd protocol.Command, data any) ([]byte, error) {
	r.serverSeq++
	return protocol.EncodeCommand(0, r.serverSeq, cmd, data)
}

// clientIDs 按 id 升序，保证广播顺序稳定
func (r *Registry) clientIDs() []uint32 {
	ids := make([]uint32, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) stats() RegistryStats {
	joined := 0
	for _, rec := range r.clients {
		if rec.Enabled {
			joined++
		}
	}
	return RegistryStats{
		Room:           r.ID,
		Session:        r.session.String(),
		Live:           r.live,
		Joined:         joined,
		Tick:           r.tick,
		NextClientID:   r.nextClientID + 1,
		BroadcastEvery: r.broadcastEvery,
		MaxClients:     r.maxClients,
	}
}
