package server

import (
	"sync/atomic"
)

// RegistryMetrics 记录 registry 运行期的关键指标（HTTP 协程只读）
type RegistryMetrics struct {
	Accepted        int64 // 接入的连接数
	Rejected        int64 // 因人数上限被拒绝
	Joined          int64 // 完成 join 的连接数
	Removed         int64 // 被移除的连接数
	UnknownRemoved  int64 // 移除不存在的 clientID
	Malformed       int64 // 畸形消息
	RateLimited     int64 // 因限流被丢弃的入站消息
	UnknownCommands int64 // 未识别指令
	HandlerFailures int64 // 处理失败导致断开
	Broadcasts      int64 // 广播次数
	SendFailures    int64 // 单连接发送失败
	TickCount       int64 // 世界 tick 次数
	TotalTickNs     int64 // Tick 累计耗时（纳秒）
}

func (m *RegistryMetrics) IncAccepted()        { atomic.AddInt64(&m.Accepted, 1) }
func (m *RegistryMetrics) IncRejected()        { atomic.AddInt64(&m.Rejected, 1) }
func (m *RegistryMetrics) IncJoined()          { atomic.AddInt64(&m.Joined, 1) }
func (m *RegistryMetrics) IncRemoved()         { atomic.AddInt64(&m.Removed, 1) }
func (m *RegistryMetrics) IncUnknownRemoved()  { atomic.AddInt64(&m.UnknownRemoved, 1) }
func (m *RegistryMetrics) IncMalformed()       { atomic.AddInt64(&m.Malformed, 1) }
func (m *RegistryMetrics) IncRateLimited()     { atomic.AddInt64(&m.RateLimited, 1) }
func (m *RegistryMetrics) IncUnknownCommand()  { atomic.AddInt64(&m.UnknownCommands, 1) }
func (m *RegistryMetrics) IncHandlerFailure()  { atomic.AddInt64(&m.HandlerFailures, 1) }
func (m *RegistryMetrics) IncBroadcast()       { atomic.AddInt64(&m.Broadcasts, 1) }
func (m *RegistryMetrics) IncSendFailure()     { atomic.AddInt64(&m.SendFailures, 1) }
func (m *RegistryMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RegistryMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"accepted":         atomic.LoadInt64(&m.Accepted),
		"rejected":         atomic.LoadInt64(&m.Rejected),
		"joined":           atomic.LoadInt64(&m.Joined),
		"removed":          atomic.LoadInt64(&m.Removed),
		"unknown_removed":  atomic.LoadInt64(&m.UnknownRemoved),
		"malformed":        atomic.LoadInt64(&m.Malformed),
		"rate_limited":     atomic.LoadInt64(&m.RateLimited),
		"unknown_commands": atomic.LoadInt64(&m.UnknownCommands),
		"handler_failures": atomic.LoadInt64(&m.HandlerFailures),
		"broadcasts":       atomic.LoadInt64(&m.Broadcasts),
		"send_failures":    atomic.LoadInt64(&m.SendFailures),
		"tick_count":       tick,
		"avg_tick_ms":      avgMs,
	}
}
