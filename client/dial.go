package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"snowsync/config"
	"snowsync/netchan"
)

// ErrSendQueueFull 写协程跟不上：断开连接而不是阻塞客户端循环
var ErrSendQueueFull = errors.New("send queue full")

// wsTransport WebSocket 连接。Send 只入队，写出由 writePump 完成，
// 客户端循环不会因为网络写阻塞。
type wsTransport struct {
	ws  *websocket.Conn
	cfg config.ConnConfig

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSTransport(ws *websocket.Conn, cfg config.ConnConfig) *wsTransport {
	return &wsTransport{
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendQueue),
		closed: make(chan struct{}),
	}
}

// Send 非阻塞入队；队列满时关闭连接
func (t *wsTransport) Send(b []byte) error {
	select {
	case <-t.closed:
		return netchan.ErrNotConnected
	default:
	}
	select {
	case t.send <- b:
		return nil
	default:
		_ = t.Close()
		return ErrSendQueueFull
	}
}

// Close 通知写协程发送关闭帧并断开；可重复调用
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

// writePump 独立协程，按入队顺序写出；关闭时先写完队列再发送关闭帧
func (t *wsTransport) writePump() {
	defer t.ws.Close()
	for {
		select {
		case msg := <-t.send:
			if err := t.write(msg); err != nil {
				return
			}
		case <-t.closed:
			t.flush()
			_ = t.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.cfg.WriteTimeout))
			return
		}
	}
}

func (t *wsTransport) flush() {
	for {
		select {
		case msg := <-t.send:
			if err := t.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *wsTransport) write(msg []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.ws.WriteMessage(websocket.BinaryMessage, msg)
}

// readPump 读取服务端消息，交给客户端协程处理
func (t *wsTransport) readPump(c *Client) {
	t.ws.SetReadLimit(t.cfg.MaxMessageSize)
	_ = t.ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	// 服务端定期 ping；收到即延长读超时并回 pong
	t.ws.SetPingHandler(func(appData string) error {
		_ = t.ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		err := t.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.cfg.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	for {
		_, payload, err := t.ws.ReadMessage()
		if err != nil {
			c.TransportClosed(t, err)
			return
		}
		_ = t.ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		c.Deliver(t, payload)
	}
}

// ServerURL 拼接房间参数
func ServerURL(cfg config.ClientConfig) (string, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if cfg.Room != "" {
		q := u.Query()
		q.Set("room", cfg.Room)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial 建立 WebSocket 连接并交给客户端协程；读写协程随连接结束
func (c *Client) Dial(ctx context.Context) error {
	target, err := ServerURL(c.cfg.Client)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Conn.WriteTimeout}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	t := newWSTransport(ws, c.cfg.Conn)
	if err := c.Attach(t); err != nil {
		_ = ws.Close()
		return err
	}
	go t.writePump()
	go t.readPump(c)
	c.log.Infow("dialed", "url", target)
	return nil
}
