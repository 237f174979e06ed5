package server

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"

	"snowsync/protocol"
)

// Run registry 的主循环（单线程推进）：处理 inbox 事件、世界 tick、刷怪定时器。
// ctx 取消后广播 END_GAME、关闭全部连接并停止定时器。
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.TickInterval())
	defer ticker.Stop()

	r.scheduleSpawn()
	defer r.cancelSpawn()

	r.log.Infow("registry started", "session", r.session, "tick_rate", r.cfg.TickRate)
	for {
		select {
		case <-ctx.Done():
			r.shutdown("server shutting down")
			return
		case ev := <-r.inbox:
			r.handleEvent(ev)
		case <-ticker.Chan():
			r.worldTick()
		case <-r.spawnChan():
			r.game.Spawn(r.tick)
			r.scheduleSpawn()
		}
	}
}

// worldTick 推进 tick，按间隔广播 FULL_UPDATE
func (r *Registry) worldTick() {
	start := r.clock.Now()
	r.tick++
	if r.tick%uint64(r.broadcastEvery) == 0 {
		r.broadcastWorld()
	}
	r.metrics.AddTick(r.clock.Since(start).Nanoseconds())
}

// broadcastWorld 当前世界快照发给所有连接（含未 join 的观察者）
func (r *Registry) broadcastWorld() {
	if len(r.clients) == 0 {
		return
	}
	states := r.game.Snapshot(r.tick)
	if len(states) == 0 {
		return
	}
	b, err := r.encodeServer(protocol.CmdFullUpdate, states)
	if err != nil {
		r.log.Errorw("encode world update", "tick", r.tick, "err", err)
		return
	}
	r.broadcast(0, b, true)
}

// scheduleSpawn 单次定时器，触发后由 Run 重新安排
func (r *Registry) scheduleSpawn() {
	if r.cfg.SpawnInterval <= 0 {
		return
	}
	r.spawnTimer = r.clock.NewTimer(r.cfg.SpawnInterval)
}

func (r *Registry) spawnChan() <-chan time.Time {
	if r.spawnTimer == nil {
		return nil
	}
	return r.spawnTimer.Chan()
}

func (r *Registry) cancelSpawn() {
	if r.spawnTimer != nil {
		stopAndDrainTimer(r.spawnTimer)
		r.spawnTimer = nil
	}
}

// shutdown 通知所有客户端对局结束并关闭连接
func (r *Registry) shutdown(reason string) {
	defer close(r.done)
	if len(r.clients) > 0 {
		if b, err := r.encodeServer(protocol.CmdEndGame, protocol.EndGamePayload{Reason: reason}); err == nil {
			r.broadcast(0, b, true)
		}
	}
	var errs error
	for _, id := range r.clientIDs() {
		rec := r.clients[id]
		rec.State = StateClosed
		errs = multierr.Append(errs, rec.Conn.Close())
		delete(r.clients, id)
		r.live--
	}
	r.closeErr = errs
	r.log.Infow("registry stopped", "reason", reason, "tick", r.tick)
}

// stopAndDrainTimer 停止定时器并清空已触发的通道
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
