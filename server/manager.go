package server

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"

	"snowsync/config"
	"snowsync/logger"
)

// GameFactory 为每个房间创建玩法协作者
type GameFactory func(roomID string) Gameplay

// Manager 管理多个房间（registry）的生命周期
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Registry

	cfg      config.Config
	clock    clockwork.Clock
	newGame  GameFactory
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg config.Config, clock clockwork.Clock, newGame GameFactory) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rooms:    make(map[string]*Registry),
		cfg:      cfg,
		clock:    clock,
		newGame:  newGame,
		upgrader: newUpgrader(cfg),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// GetOrCreateRoom 获取或创建房间，并确保其主循环已启动
func (m *Manager) GetOrCreateRoom(id string) *Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		r = NewRegistry(id, m.cfg.Server, m.clock, m.newGame(id))
		m.rooms[id] = r
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			r.Run(m.ctx)
		}()
	}
	return r
}

// Room 查询已存在的房间
func (m *Manager) Room(id string) (*Registry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Shutdown 停止全部房间：广播 END_GAME、关闭连接、取消定时器
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs error
	for id, r := range m.rooms {
		if err := r.Err(); err != nil {
			logger.Log.Warnw("room closed with errors", "room", id, "err", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
