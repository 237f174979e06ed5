package protocol

// EntityType 实体类别（位掩码，便于组合判断）
type EntityType uint8

const (
	EntityCharacter   EntityType = 1 << 0
	EntityProjectile  EntityType = 1 << 1
	EntityFieldEntity EntityType = 1 << 2
)

func (t EntityType) String() string {
	switch t {
	case EntityCharacter:
		return "character"
	case EntityProjectile:
		return "projectile"
	case EntityFieldEntity:
		return "field_entity"
	default:
		return "unknown"
	}
}

// EntityState FULL_UPDATE 中单个实体在某一 tick 的状态
type EntityState struct {
	GameTick   uint64         `msgpack:"gameTick"`
	ObjectID   uint32         `msgpack:"objectID"`
	ClientID   uint32         `msgpack:"clientID"`
	EntityType EntityType     `msgpack:"entityType"`
	X          float64        `msgpack:"x"`
	Y          float64        `msgpack:"y"`
	Rotation   float64        `msgpack:"rotation"`
	Extra      map[string]any `msgpack:"extra,omitempty"`
}

// AcceptPayload 服务端对 SERVER_CONNECT 的应答，仅发给发起连接
type AcceptPayload struct {
	ClientID  uint32  `msgpack:"clientID"`
	GameClock float64 `msgpack:"gameClock"` // 服务端时钟（tick）
	TickRate  int     `msgpack:"tickRate"`
	Session   string  `msgpack:"session"`
}

// JoinPayload 玩家加入请求
type JoinPayload struct {
	Nickname string `msgpack:"nickname"`
	Theme    string `msgpack:"theme,omitempty"`
}

// MovePayload 客户端角色的最新描述（不可靠，只保留最新）
type MovePayload struct {
	X        float64 `msgpack:"x"`
	Y        float64 `msgpack:"y"`
	Rotation float64 `msgpack:"rotation"`
}

// FirePayload 开火意图
type FirePayload struct {
	X     float64 `msgpack:"x"`
	Y     float64 `msgpack:"y"`
	Angle float64 `msgpack:"angle"`
}

// RemovePayload 通知其他客户端某玩家已离开
type RemovePayload struct {
	ClientID uint32 `msgpack:"clientID"`
}

// EndGamePayload 对局结束
type EndGamePayload struct {
	Reason string `msgpack:"reason,omitempty"`
}
