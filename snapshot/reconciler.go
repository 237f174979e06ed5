package snapshot

import (
	"errors"
	"sort"

	"snowsync/protocol"
)

// ErrMissingBracket 本帧找不到包夹渲染时间的两个快照；下一帧重试，不属于调用方错误
var ErrMissingBracket = errors.New("snapshot: no snapshots bracket render time")

// Transform 渲染所需的实体变换
type Transform struct {
	ObjectID uint32
	X        float64
	Y        float64
	Rotation float64
}

// Entity 客户端本地已知的实体
type Entity struct {
	Transform
	State protocol.EntityState // 最近一次 next 快照中的描述
	Owned bool                 // 属于本客户端的角色
}

// EntitySink 渲染侧协作者：类型相关的构造与销毁交给它
type EntitySink interface {
	EntityCreated(e *Entity)
	EntityRemoved(objectID uint32)
}

// Frame 一帧的重建结果
type Frame struct {
	RenderTime float64
	T          float64
	PrevTick   uint64
	NextTick   uint64
	Entities   []Transform
	// Deferred 非空表示本帧跳过，Entities 为上一帧的变换
	Deferred error
}

// Reconciler 每帧从快照完整重算实体变换；帧与帧之间除实体本身外不保留插值状态
type Reconciler struct {
	store    *Store
	sink     EntitySink
	snapSq   float64
	localID  uint32
	entities map[uint32]*Entity
}

// NewReconciler snapThreshold 为不插值的最大位移（内部按平方比较）
func NewReconciler(store *Store, sink EntitySink, snapThreshold float64) *Reconciler {
	return &Reconciler{
		store:    store,
		sink:     sink,
		snapSq:   snapThreshold * snapThreshold,
		entities: make(map[uint32]*Entity),
	}
}

// SetLocalClient 记录本客户端 id，用于标记自有角色
func (r *Reconciler) SetLocalClient(id uint32) {
	r.localID = id
	for _, e := range r.entities {
		e.Owned = r.owns(e.State)
	}
}

func (r *Reconciler) owns(st protocol.EntityState) bool {
	return r.localID != 0 && st.ClientID == r.localID && st.EntityType == protocol.EntityCharacter
}

// Entity 查询本地实体
func (r *Reconciler) Entity(objectID uint32) (*Entity, bool) {
	e, ok := r.entities[objectID]
	return e, ok
}

// Len 本地实体数量
func (r *Reconciler) Len() int {
	return len(r.entities)
}

// Owned 本客户端拥有的实体，按 objectID 升序
func (r *Reconciler) Owned() []*Entity {
	var out []*Entity
	for _, e := range r.entities {
		if e.Owned {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

// InterpolationT 计算 renderTime 在 [prevTick, nextTick] 中的比例，截断到 [0,1]
func InterpolationT(renderTime float64, prevTick, nextTick uint64) float64 {
	span := float64(nextTick) - float64(prevTick)
	if span <= 0 {
		return 1
	}
	t := (renderTime - float64(prevTick)) / span
	if t > 1 {
		return 1
	}
	if t < 0 {
		return 0
	}
	return t
}

// Reconcile 在 renderTime 重建实体列表
func (r *Reconciler) Reconcile(renderTime float64) Frame {
	prev, next, ok := r.store.Bracket(renderTime)
	if !ok {
		return Frame{RenderTime: renderTime, Entities: r.transforms(), Deferred: ErrMissingBracket}
	}
	t := InterpolationT(renderTime, prev.Tick, next.Tick)

	ids := make([]uint32, 0, len(next.Entities))
	for id := range next.Entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	active := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		desc := next.Entities[id]
		e, known := r.entities[id]
		if !known {
			// 首次出现：直接放在 next 的位置，不插值
			e = &Entity{
				Transform: Transform{ObjectID: id, X: desc.X, Y: desc.Y, Rotation: desc.Rotation},
				State:     desc,
				Owned:     r.owns(desc),
			}
			r.entities[id] = e
			if r.sink != nil {
				r.sink.EntityCreated(e)
			}
			active[id] = true
			continue
		}
		active[id] = true

		past, ok := prev.Entities[id]
		if !ok {
			// prev 中没有该实体，保持上次的变换，下一帧再试
			continue
		}
		et := t
		dx := desc.X - past.X
		dy := desc.Y - past.Y
		if dx*dx+dy*dy > r.snapSq {
			et = 1
		}
		e.X = past.X + (desc.X-past.X)*et
		e.Y = past.Y + (desc.Y-past.Y)*et
		e.Rotation = past.Rotation + (desc.Rotation-past.Rotation)*et
		e.State = desc
	}

	for id := range r.entities {
		if active[id] {
			continue
		}
		delete(r.entities, id)
		if r.sink != nil {
			r.sink.EntityRemoved(id)
		}
	}

	return Frame{
		RenderTime: renderTime,
		T:          t,
		PrevTick:   prev.Tick,
		NextTick:   next.Tick,
		Entities:   r.transforms(),
	}
}

// Clear 断线时移除全部本地实体（逐个通知）
func (r *Reconciler) Clear() {
	for id := range r.entities {
		delete(r.entities, id)
		if r.sink != nil {
			r.sink.EntityRemoved(id)
		}
	}
}

func (r *Reconciler) transforms() []Transform {
	out := make([]Transform, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e.Transform)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}
