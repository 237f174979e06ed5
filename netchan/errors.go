package netchan

import "errors"

var (
	// ErrNotConnected 传输未打开时发送；调用方可稍后重试
	ErrNotConnected = errors.New("netchan: not connected")
	// ErrSlotOccupied 环形缓冲区目标槽位仍被未确认的可靠消息占用
	ErrSlotOccupied = errors.New("netchan: slot occupied by unacked reliable envelope")
	// ErrNotEchoed 该指令不会回显给发送者，可靠发送将永远等不到确认
	ErrNotEchoed = errors.New("netchan: command is not echoed to its sender")
	// ErrMalformedMessage 解码失败或缺少必填字段，仅影响当前连接
	ErrMalformedMessage = errors.New("netchan: malformed message")
	// ErrUnknownCommand 未注册的指令标签（记录日志后忽略）
	ErrUnknownCommand = errors.New("netchan: unknown command")
	// ErrHandlerFailed 处理函数返回错误或 panic，调用方应关闭该连接
	ErrHandlerFailed = errors.New("netchan: handler failed")
)
