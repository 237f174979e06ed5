package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"snowsync/config"
	"snowsync/logger"
	"snowsync/netchan"
)

// ErrSendQueueFull 发送队列已满：连接太慢，直接断开而不是丢消息
var ErrSendQueueFull = errors.New("send queue full")

// ClientConn 负责发送（写）数据到客户端的轻量包装；同一连接的写出顺序与 Send 调用顺序一致
type ClientConn struct {
	ID  uuid.UUID
	ws  *websocket.Conn
	cfg config.ConnConfig

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewClientConn(ws *websocket.Conn, cfg config.ConnConfig) *ClientConn {
	return &ClientConn{
		ID:     uuid.New(),
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendQueue),
		closed: make(chan struct{}),
	}
}

// Send 将要发送的消息压入队列（非阻塞）；队列满时关闭连接
func (c *ClientConn) Send(b []byte) error {
	select {
	case <-c.closed:
		return netchan.ErrNotConnected
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		_ = c.Close()
		return ErrSendQueueFull
	}
}

// Close 通知写协程退出；可重复调用
func (c *ClientConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				logger.Log.Debugw("write failed", "conn", c.ID, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			// 先写完已排队的消息（例如 END_GAME），再发送关闭帧
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *ClientConn) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump 读取客户端消息，原样交给 registry 串行处理
func (c *ClientConn) readPump(reg *Registry, clientID uint32) {
	defer c.ws.Close()
	// 读泵退出时，通知 registry 在其协程中移除该连接
	defer reg.Disconnect(clientID)
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Log.Warnw("unexpected websocket close", "client_id", clientID, "conn", c.ID, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		reg.Deliver(clientID, payload)
	}
}

func newUpgrader(cfg config.Config) websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]bool, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || allowed[origin]
		},
	}
}

// HandleWS WebSocket 接入：?room=room-1
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = m.cfg.Server.DefaultRoom
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warnf("upgrade error: %v", err)
		return
	}

	room := m.GetOrCreateRoom(roomID)
	client := NewClientConn(ws, m.cfg.Conn)
	go client.writePump()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientID, err := room.Accept(ctx, client)
	if err != nil {
		logger.Log.Warnw("connection refused", "room", roomID, "conn", client.ID, "err", err)
		_ = client.Close()
		return
	}
	go client.readPump(room, clientID)
}
