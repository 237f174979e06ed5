package server

import (
	"math/rand"
	"sort"

	"snowsync/config"
	"snowsync/logger"
	"snowsync/protocol"
)

// World 默认的玩法协作者：每个已 join 的客户端一个角色（位置由客户端上报），
// 外加定时刷出的场景物件。碰撞与具体玩法不在这里处理。
type World struct {
	width      float64
	height     float64
	maxSpawned int

	nextObjectID uint32
	entities     map[uint32]*protocol.EntityState // objectID → 状态
	characters   map[uint32]uint32                // clientID → objectID
	spawned      int
	rng          *rand.Rand
}

// NewWorld seed 固定时刷怪位置可复现
func NewWorld(cfg config.ServerConfig, seed int64) *World {
	return &World{
		width:      cfg.WorldWidth,
		height:     cfg.WorldHeight,
		maxSpawned: cfg.MaxSpawned,
		entities:   make(map[uint32]*protocol.EntityState),
		characters: make(map[uint32]uint32),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (w *World) OnClientJoined(clientID uint32, join protocol.JoinPayload) {
	if _, ok := w.characters[clientID]; ok {
		return
	}
	w.nextObjectID++
	e := &protocol.EntityState{
		ObjectID:   w.nextObjectID,
		ClientID:   clientID,
		EntityType: protocol.EntityCharacter,
		X:          w.rng.Float64() * w.width,
		Y:          w.rng.Float64() * w.height,
		Extra:      map[string]any{"nickname": join.Nickname, "theme": join.Theme},
	}
	w.entities[e.ObjectID] = e
	w.characters[clientID] = e.ObjectID
}

func (w *World) OnGenericCommand(clientID uint32, cmd protocol.CommandPayload) {
	if cmd.Cmd != protocol.CmdPlayerMove {
		return
	}
	objectID, ok := w.characters[clientID]
	if !ok {
		return
	}
	mv, err := protocol.DecodeData[protocol.MovePayload](cmd)
	if err != nil {
		logger.Log.Debugw("bad move payload", "client_id", clientID, "err", err)
		return
	}
	e := w.entities[objectID]
	e.X = clamp(mv.X, 0, w.width)
	e.Y = clamp(mv.Y, 0, w.height)
	e.Rotation = mv.Rotation
}

func (w *World) OnClientRemoved(clientID uint32) {
	objectID, ok := w.characters[clientID]
	if !ok {
		return
	}
	delete(w.characters, clientID)
	delete(w.entities, objectID)
}

// Spawn 未达上限时刷出一个场景物件
func (w *World) Spawn(tick uint64) {
	if w.spawned >= w.maxSpawned {
		return
	}
	w.spawned++
	w.nextObjectID++
	w.entities[w.nextObjectID] = &protocol.EntityState{
		ObjectID:   w.nextObjectID,
		EntityType: protocol.EntityFieldEntity,
		X:          w.rng.Float64() * w.width,
		Y:          w.rng.Float64() * w.height,
		Extra:      map[string]any{"spawnedAt": tick},
	}
}

// Snapshot 按 objectID 升序输出，gameTick 统一为当前 tick
func (w *World) Snapshot(tick uint64) []protocol.EntityState {
	out := make([]protocol.EntityState, 0, len(w.entities))
	for _, e := range w.entities {
		st := *e
		st.GameTick = tick
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

// Character 查询客户端的角色
func (w *World) Character(clientID uint32) (protocol.EntityState, bool) {
	objectID, ok := w.characters[clientID]
	if !ok {
		return protocol.EntityState{}, false
	}
	return *w.entities[objectID], true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
