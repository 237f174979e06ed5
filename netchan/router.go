package netchan

import (
	"fmt"

	"go.uber.org/zap"

	"snowsync/logger"
	"snowsync/protocol"
)

// HandlerFunc 处理一条指令；origin 为消息来源（服务端为连接记录，客户端为通道本身）
type HandlerFunc[T any] func(origin T, msg *protocol.Message, cmd protocol.CommandPayload) error

// Router 入站分发：解码 → 校验 → 按指令标签查表路由。
// 单条消息的失败只影响其来源连接，由调用方根据返回的错误决定是否断开。
type Router[T any] struct {
	handlers map[protocol.Command]HandlerFunc[T]

	// Observe 解码成功后、路由前调用（确认、接收时间等）
	Observe func(origin T, msg *protocol.Message)
	// WorldUpdate 非空时 FULL_UPDATE 由它接管，不进入普通处理表
	WorldUpdate func(origin T, states []protocol.EntityState) error
	// OnUnknown 未识别指令（仅用于统计），err 包装 ErrUnknownCommand
	OnUnknown func(origin T, err error)

	log *zap.SugaredLogger
}

func NewRouter[T any](name string) *Router[T] {
	return &Router[T]{
		handlers: make(map[protocol.Command]HandlerFunc[T]),
		log:      logger.Named(name),
	}
}

// Handle 注册指令处理函数，重复注册会覆盖
func (r *Router[T]) Handle(cmd protocol.Command, h HandlerFunc[T]) {
	r.handlers[cmd] = h
}

// Handles 是否注册了该指令
func (r *Router[T]) Handles(cmd protocol.Command) bool {
	_, ok := r.handlers[cmd]
	return ok
}

// Dispatch 处理一帧原始数据。
// 返回 ErrMalformedMessage：消息已丢弃；返回 ErrHandlerFailed：调用方应关闭连接。
// 未知指令只记录日志，不返回错误。
func (r *Router[T]) Dispatch(origin T, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if r.Observe != nil {
		r.Observe(origin, msg)
	}
	for _, cmd := range msg.Cmds {
		if cmd.Cmd == protocol.CmdFullUpdate && r.WorldUpdate != nil {
			states, err := protocol.DecodeData[[]protocol.EntityState](cmd)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			if err := r.safeCall(func() error { return r.WorldUpdate(origin, states) }); err != nil {
				return err
			}
			continue
		}
		h, ok := r.handlers[cmd.Cmd]
		if !ok {
			uerr := fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Cmd)
			r.log.Warnw("ignoring command", "err", uerr, "seq", msg.Seq, "id", msg.ClientID)
			if r.OnUnknown != nil {
				r.OnUnknown(origin, uerr)
			}
			continue
		}
		c := cmd
		if err := r.safeCall(func() error { return h(origin, msg, c) }); err != nil {
			return err
		}
	}
	return nil
}

// safeCall 捕获处理函数的错误与 panic，统一包装为 ErrHandlerFailed
func (r *Router[T]) safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFailed, p)
		}
	}()
	if e := fn(); e != nil {
		return fmt.Errorf("%w: %w", ErrHandlerFailed, e)
	}
	return nil
}
