package netchan

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"snowsync/config"
	"snowsync/logger"
	"snowsync/protocol"
)

const (
	// BufferSize 出站环形缓冲区容量，槽位 = seq & BufferMask
	BufferSize = 32
	BufferMask = BufferSize - 1
)

// Envelope 出站消息单元；除 SentAt 外创建后不再修改
type Envelope struct {
	Seq      uint32
	Reliable bool
	Command  protocol.CommandPayload
	SentAt   time.Time // 发送时写入，仅写一次

	sent bool
}

// Sent 是否已经发送
func (e *Envelope) Sent() bool { return e.sent }

// Sender 底层传输（WebSocket 写端）
type Sender interface {
	Send(b []byte) error
}

// Stats 通道运行状态
type Stats struct {
	NextSeq     uint32
	InFlightSeq uint32
	HasInFlight bool
	Pending     int
	Latency     time.Duration
	LastSent    time.Time
	Sent        uint64
	Acked       uint64
	Superseded  uint64
}

// Channel 单方向出站通道：可靠消息严格串行（发送→等待确认→下一条），
// 不可靠消息按速率窗口只发送最新的一条。
// 非并发安全：只能由拥有它的循环协程访问。
type Channel struct {
	rate     time.Duration
	sender   Sender
	clientID uint32

	seq   uint32
	slots [BufferSize]*Envelope

	inFlight      *Envelope
	latestUnrel   uint32
	hasUnreliable bool
	lastSent      time.Time
	latency       time.Duration
	sentCount     uint64
	ackedCount    uint64
	supersededCnt uint64

	log *zap.SugaredLogger
}

// NewChannel 创建出站通道
func NewChannel(cfg config.ChannelConfig) *Channel {
	return &Channel{
		rate: cfg.Rate,
		log:  logger.Named("netchan"),
	}
}

// Attach 连接建立后绑定发送端
func (c *Channel) Attach(s Sender) {
	c.sender = s
}

// Connected 是否已绑定发送端
func (c *Channel) Connected() bool {
	return c.sender != nil
}

// Reset 断开时丢弃全部待发状态，序列号从头开始
func (c *Channel) Reset() {
	c.sender = nil
	c.clientID = 0
	c.seq = 0
	c.slots = [BufferSize]*Envelope{}
	c.inFlight = nil
	c.hasUnreliable = false
	c.latestUnrel = 0
	c.lastSent = time.Time{}
}

// SetClientID 服务端分配身份后写入，之后的消息都带上该 id
func (c *Channel) SetClientID(id uint32) {
	c.clientID = id
}

func (c *Channel) ClientID() uint32 {
	return c.clientID
}

// Enqueue 分配下一个序列号并放入 seq&mask 槽位。
// 槽位中若是尚未确认的可靠消息则拒绝（ErrSlotOccupied），序列号不前进。
// 新的不可靠消息会取代尚未发送的旧不可靠消息。
func (c *Channel) Enqueue(reliable bool, cmd protocol.CommandPayload) (uint32, error) {
	seq := c.seq + 1
	idx := seq & BufferMask
	if occ := c.slots[idx]; occ != nil && occ.Reliable {
		return 0, fmt.Errorf("seq %d slot %d held by seq %d: %w", seq, idx, occ.Seq, ErrSlotOccupied)
	}
	c.seq = seq
	env := &Envelope{Seq: seq, Reliable: reliable, Command: cmd}

	if !reliable {
		if c.hasUnreliable {
			oldIdx := c.latestUnrel & BufferMask
			if old := c.slots[oldIdx]; old != nil && old.Seq == c.latestUnrel && !old.sent {
				c.slots[oldIdx] = nil
				c.supersededCnt++
			}
		}
		c.latestUnrel = seq
		c.hasUnreliable = true
	}
	c.slots[idx] = env
	return seq, nil
}

// Tick 每帧调用：
// 有可靠消息在途时什么也不做；否则发送最早的未发送可靠消息；
// 都没有时，若速率窗口已过（now > lastSent + rate）发送最新的不可靠消息。
func (c *Channel) Tick(now time.Time) error {
	if c.inFlight != nil {
		return nil
	}
	if env := c.nextReliable(); env != nil {
		return c.send(env, now)
	}
	if !c.hasUnreliable || !now.After(c.lastSent.Add(c.rate)) {
		return nil
	}
	idx := c.latestUnrel & BufferMask
	env := c.slots[idx]
	if env == nil || env.Seq != c.latestUnrel || env.sent {
		c.hasUnreliable = false
		return nil
	}
	if err := c.send(env, now); err != nil {
		return err
	}
	// 不可靠消息无人确认，发出即释放槽位
	c.slots[idx] = nil
	c.hasUnreliable = false
	return nil
}

// OnAck 对端回显了 seq：仅当它是当前在途的可靠消息时生效，
// 清除在途标记、计算延迟并释放槽位；其余情况为空操作。
func (c *Channel) OnAck(seq uint32, now time.Time) bool {
	if c.inFlight == nil || c.inFlight.Seq != seq {
		return false
	}
	c.latency = now.Sub(c.inFlight.SentAt)
	idx := seq & BufferMask
	if c.slots[idx] == c.inFlight {
		c.slots[idx] = nil
	}
	c.inFlight = nil
	c.ackedCount++
	return true
}

// InFlight 当前等待确认的可靠消息
func (c *Channel) InFlight() (*Envelope, bool) {
	return c.inFlight, c.inFlight != nil
}

// Slot 查看槽位内容（测试与调试用）
func (c *Channel) Slot(seq uint32) *Envelope {
	return c.slots[seq&BufferMask]
}

func (c *Channel) Latency() time.Duration {
	return c.latency
}

func (c *Channel) Stats() Stats {
	st := Stats{
		NextSeq:    c.seq + 1,
		Latency:    c.latency,
		LastSent:   c.lastSent,
		Sent:       c.sentCount,
		Acked:      c.ackedCount,
		Superseded: c.supersededCnt,
	}
	if c.inFlight != nil {
		st.HasInFlight = true
		st.InFlightSeq = c.inFlight.Seq
	}
	for _, env := range c.slots {
		if env != nil && !env.sent {
			st.Pending++
		}
	}
	return st
}

// nextReliable 按序列号顺序找出最早的未发送可靠消息
func (c *Channel) nextReliable() *Envelope {
	var first *Envelope
	for _, env := range c.slots {
		if env == nil || !env.Reliable || env.sent {
			continue
		}
		if first == nil || int32(env.Seq-first.Seq) < 0 {
			first = env
		}
	}
	return first
}

func (c *Channel) send(env *Envelope, now time.Time) error {
	if c.sender == nil {
		return ErrNotConnected
	}
	b, err := protocol.Encode(protocol.Message{
		ClientID: c.clientID,
		Seq:      env.Seq,
		Cmds:     protocol.Commands{env.Command},
	})
	if err != nil {
		c.slots[env.Seq&BufferMask] = nil
		return fmt.Errorf("encode seq %d: %w", env.Seq, err)
	}
	if err := c.sender.Send(b); err != nil {
		return err
	}
	env.SentAt = now
	env.sent = true
	c.lastSent = now
	c.sentCount++
	if env.Reliable {
		c.inFlight = env
	}
	c.log.Debugw("sent envelope", "seq", env.Seq, "cmd", env.Command.Cmd, "reliable", env.Reliable)
	return nil
}
