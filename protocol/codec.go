package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrMissingField = errors.New("missing required field")
)

// wireMessage 解码时使用指针字段以区分“缺失”和“零值”
type wireMessage struct {
	ClientID uint32    `msgpack:"id"`
	Seq      *uint32   `msgpack:"seq"`
	Cmds     *Commands `msgpack:"cmds"`
}

// Encode 编码消息为 msgpack 二进制帧
func Encode(m Message) ([]byte, error) {
	if len(m.Cmds) == 0 {
		return nil, fmt.Errorf("encode seq=%d: %w: cmds", m.Seq, ErrMissingField)
	}
	return msgpack.Marshal(&m)
}

// EncodeCommand 单指令消息的便捷封装
func EncodeCommand(clientID, seq uint32, cmd Command, data any) ([]byte, error) {
	c, err := NewCommand(cmd, data)
	if err != nil {
		return nil, err
	}
	return Encode(Message{ClientID: clientID, Seq: seq, Cmds: Commands{c}})
}

// Decode 解码并校验必填字段（seq、cmds）
func Decode(b []byte) (*Message, error) {
	if len(b) == 0 {
		return nil, ErrEmptyFrame
	}
	var w wireMessage
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	if w.Seq == nil {
		return nil, fmt.Errorf("%w: seq", ErrMissingField)
	}
	if w.Cmds == nil || len(*w.Cmds) == 0 {
		return nil, fmt.Errorf("%w: cmds", ErrMissingField)
	}
	return &Message{ClientID: w.ClientID, Seq: *w.Seq, Cmds: *w.Cmds}, nil
}
