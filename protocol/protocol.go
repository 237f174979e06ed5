package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Command 指令标签（线上为单字节整数）
type Command uint8

const (
	CmdServerConnect Command = iota + 1
	CmdPlayerJoined
	CmdPlayerMove
	CmdPlayerFire
	CmdPlayerDisconnect
	CmdEndGame
	CmdFullUpdate
)

var commandNames = map[Command]string{
	CmdServerConnect:    "SERVER_CONNECT",
	CmdPlayerJoined:     "PLAYER_JOINED",
	CmdPlayerMove:       "PLAYER_MOVE",
	CmdPlayerFire:       "PLAYER_FIRE",
	CmdPlayerDisconnect: "PLAYER_DISCONNECT",
	CmdEndGame:          "END_GAME",
	CmdFullUpdate:       "FULL_UPDATE",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

// Known 是否为已识别的指令
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// EchoedToSender 服务端是否会把该指令以发起者的 id 与 seq 回发给发起者。
// 只有这些指令能以可靠方式发送：回显就是确认。
func (c Command) EchoedToSender() bool {
	return c == CmdServerConnect || c == CmdPlayerJoined
}

// CommandPayload 单条指令：标签 + 原始数据（按标签延迟解码）
type CommandPayload struct {
	Cmd  Command            `msgpack:"cmd"`
	Data msgpack.RawMessage `msgpack:"data,omitempty"`
}

// NewCommand 组装指令；data 为空时写入空对象
func NewCommand(cmd Command, data any) (CommandPayload, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := msgpack.Marshal(data)
	if err != nil {
		return CommandPayload{}, fmt.Errorf("encode %s data: %w", cmd, err)
	}
	return CommandPayload{Cmd: cmd, Data: b}, nil
}

// MustCommand 用于常量载荷，编码失败直接 panic
func MustCommand(cmd Command, data any) CommandPayload {
	c, err := NewCommand(cmd, data)
	if err != nil {
		panic(err)
	}
	return c
}

// DecodeData 按目标类型解码指令数据
func DecodeData[T any](c CommandPayload) (T, error) {
	var out T
	if len(c.Data) == 0 {
		return out, fmt.Errorf("empty data for %s", c.Cmd)
	}
	if err := msgpack.Unmarshal(c.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s data: %w", c.Cmd, err)
	}
	return out, nil
}

// Commands 一条消息携带的指令；单条时线上编码为对象，多条时编码为数组
type Commands []CommandPayload

func (cs Commands) EncodeMsgpack(enc *msgpack.Encoder) error {
	if len(cs) == 1 {
		return enc.Encode(cs[0])
	}
	return enc.Encode([]CommandPayload(cs))
}

func (cs *Commands) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeRaw()
	if err != nil {
		return err
	}
	var many []CommandPayload
	if err := msgpack.Unmarshal(raw, &many); err == nil {
		*cs = many
		return nil
	}
	var one CommandPayload
	if err := msgpack.Unmarshal(raw, &one); err != nil {
		return fmt.Errorf("cmds is neither command nor array: %w", err)
	}
	*cs = Commands{one}
	return nil
}

// Message 线上消息单元
// id：发起方 clientID（服务端转发时保留原发送者）；seq：发起方序列号
type Message struct {
	ClientID uint32   `msgpack:"id"`
	Seq      uint32   `msgpack:"seq"`
	Cmds     Commands `msgpack:"cmds"`
}

// First 返回第一条指令（消息至少包含一条）
func (m *Message) First() CommandPayload {
	return m.Cmds[0]
}

// Has 消息中是否包含指定指令
func (m *Message) Has(cmd Command) bool {
	for _, c := range m.Cmds {
		if c.Cmd == cmd {
			return true
		}
	}
	return false
}
