package snapshot

import (
	"sort"

	"snowsync/protocol"
)

const (
	// StoreSize 最多保留的快照数，槽位 = tick & StoreMask
	StoreSize = 32
	StoreMask = StoreSize - 1
)

// Snapshot 某一 tick 的完整世界状态
type Snapshot struct {
	Tick     uint64
	Entities map[uint32]protocol.EntityState
}

// Store 最近 32 个 tick 的快照。
// tick 视为严格递增：比已存最新 tick 更旧的状态直接丢弃；
// 新 tick 复用槽位时旧快照被覆盖。
type Store struct {
	slots     [StoreSize]*Snapshot
	newest    uint64
	hasNewest bool
	stale     uint64
}

func NewStore() *Store {
	return &Store{}
}

// Add 写入单个实体状态，返回是否被接受
func (s *Store) Add(state protocol.EntityState) bool {
	tick := state.GameTick
	if s.hasNewest && tick < s.newest {
		s.stale++
		return false
	}
	idx := tick & StoreMask
	snap := s.slots[idx]
	if snap == nil || snap.Tick != tick {
		snap = &Snapshot{Tick: tick, Entities: make(map[uint32]protocol.EntityState)}
		s.slots[idx] = snap
	}
	snap.Entities[state.ObjectID] = state
	s.newest = tick
	s.hasNewest = true
	return true
}

// AddAll 写入一次 FULL_UPDATE 的全部实体，返回接受的数量
func (s *Store) AddAll(states []protocol.EntityState) int {
	n := 0
	for _, st := range states {
		if s.Add(st) {
			n++
		}
	}
	return n
}

// Len 当前保留的快照数
func (s *Store) Len() int {
	n := 0
	for _, snap := range s.slots {
		if snap != nil {
			n++
		}
	}
	return n
}

// Newest 最新 tick
func (s *Store) Newest() (uint64, bool) {
	return s.newest, s.hasNewest
}

// Stale 因过旧被丢弃的实体状态数
func (s *Store) Stale() uint64 {
	return s.stale
}

// Ordered 按 tick 升序返回全部快照
func (s *Store) Ordered() []*Snapshot {
	out := make([]*Snapshot, 0, StoreSize)
	for _, snap := range s.slots {
		if snap != nil {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out
}

// Bracket 找出包夹 renderTime 的两个快照：
// next 为第一个 tick >= renderTime 的快照，prev 为它的前一个。
func (s *Store) Bracket(renderTime float64) (prev, next *Snapshot, ok bool) {
	ordered := s.Ordered()
	if len(ordered) < 2 {
		return nil, nil, false
	}
	for i := 1; i < len(ordered); i++ {
		if float64(ordered[i].Tick) >= renderTime {
			return ordered[i-1], ordered[i], true
		}
	}
	return nil, nil, false
}

// Reset 服务端会话变化时清空（新会话的 tick 从头开始）
func (s *Store) Reset() {
	*s = Store{}
}
