package server

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Conn 连接的发送端；registry 只通过它写出数据
type Conn interface {
	Send(b []byte) error
	Close() error
}

// ConnState 连接状态：Connecting → Unjoined → Joined → Closed
type ConnState int

const (
	StateConnecting ConnState = iota
	StateUnjoined
	StateJoined
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// ConnectionRecord 服务端为每个连接维护的记录，只在 registry 协程中读写
type ConnectionRecord struct {
	ClientID    uint32    // 单调分配，断开后不复用
	ConnID      uuid.UUID // 日志关联
	Conn        Conn
	Nickname    string
	Theme       string
	Enabled     bool // 明确 join 之后才为 true
	State       ConnState
	ConnectedAt time.Time

	inbound   *rate.Limiter // 入站消息限流
	malformed *rate.Limiter // 畸形消息额度，耗尽即断开
}

func (c *ConnectionRecord) closed() bool {
	return c.State == StateClosed
}
