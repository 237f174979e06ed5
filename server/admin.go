package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"snowsync/logger"
)

func (m *Manager) roomFromQuery(r *http.Request) (*Registry, string) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = m.cfg.Server.DefaultRoom
	}
	room, ok := m.Room(roomID)
	if !ok {
		return nil, roomID
	}
	return room, roomID
}

// HandleAdminConfig 提供房间配置的读取与更新（热更新基本规则）
// GET /admin/config?room=room-1  返回当前配置
// POST /admin/config?room=room-1 以 JSON 载荷更新部分字段
func (m *Manager) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	room, roomID := m.roomFromQuery(r)
	if room == nil {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	type cfg struct {
		BroadcastEvery *int `json:"broadcastEvery,omitempty"`
		MaxClients     *int `json:"maxClients,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		st, err := room.Stats(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cfg{BroadcastEvery: &st.BroadcastEvery, MaxClients: &st.MaxClients})
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		var every, maxClients int
		if body.BroadcastEvery != nil {
			every = *body.BroadcastEvery
		}
		if body.MaxClients != nil {
			maxClients = *body.MaxClients
		}
		if err := room.Tune(ctx, every, maxClients); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		logger.Log.Infof("admin config applied: room=%s", roomID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出指定房间的运行指标
// GET /metrics?room=room-1
func (m *Manager) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	room, roomID := m.roomFromQuery(r)
	if room == nil {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	st, err := room.Stats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	payload := map[string]any{
		"room":    roomID,
		"stats":   st,
		"metrics": room.Metrics().Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// RegisterRoutes 注册 WebSocket 与管理接口
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", m.HandleWS)
	mux.HandleFunc("/admin/config", m.HandleAdminConfig)
	mux.HandleFunc("/metrics", m.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}
