// ============================================================================
// Routing / Notification WebSocket 通道
// ============================================================================
//
// Package: internal/socket
// 文件: channel.go
// 功能: 每個邏輯通道維持一條 WebSocket 連線，把訊息解碼後交給 Sink
//
// 生命週期:
//   Subscribe()   → 連線，connected = true，啟動讀取循環
//   連線關閉/錯誤 → connected = false，不自動重連
//   Subscribe()   → 由呼叫端決定何時重新連線
//   Unsubscribe() → 關閉連線，之後讀到的訊息一律丟棄
//
// 順序:
//   同一條連線內 FIFO；routing 與 notification 之間沒有順序保證。
//
// ============================================================================

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

var log = slog.Default()

// 訊息類型
const (
	TypeDirection    = "direction"
	TypeNotification = "notification"
	TypeProgress     = "progress"
)

var (
	// ErrUnknownType 無法辨識的訊息類型
	ErrUnknownType = errors.New("socket: unknown message type")
)

// Message WebSocket 上的 JSON 訊息
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Progress 路徑覆蓋率更新
type Progress struct {
	PathID    string  `json:"pathId"`
	Completed float64 `json:"completed"`
}

// Sink 接收解碼後的訊息與連線狀態
type Sink interface {
	Direction(ch types.Channel, d types.Direction)
	Notification(ch types.Channel, n types.Notification)
	Progress(ch types.Channel, p Progress)
	State(ch types.Channel, connected bool)
}

// Observer 連線與訊息統計（例如 Prometheus）
type Observer interface {
	SocketConnected(ch string)
	SocketDisconnected(ch string)
	SocketMessage(ch, msgType string)
}

// Channel 單一邏輯通道
type Channel struct {
	name     types.Channel
	url      string
	dialer   *websocket.Dialer
	header   http.Header
	sink     Sink
	observer Observer

	mu        sync.Mutex
	conn      *websocket.Conn
	gen       uint64
	connected bool
	wg        sync.WaitGroup
}

// Option 通道設定
type Option func(*Channel)

// WithDialer 自訂 websocket.Dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithHeader 連線時附加的 HTTP header
func WithHeader(h http.Header) Option {
	return func(c *Channel) { c.header = h }
}

// WithObserver 設定統計觀察者
func WithObserver(o Observer) Option {
	return func(c *Channel) { c.observer = o }
}

// NewChannel 建立通道，端點為 <socketBase>/<name>
func NewChannel(name types.Channel, socketBase string, sink Sink, opts ...Option) *Channel {
	c := &Channel{
		name:   name,
		url:    strings.TrimRight(socketBase, "/") + "/" + string(name),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		sink:   sink,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name 通道名稱
func (c *Channel) Name() types.Channel {
	return c.name
}

// URL 連線端點
func (c *Channel) URL() string {
	return c.url
}

// Subscribe 開啟連線；已有連線時先關閉舊連線
func (c *Channel) Subscribe(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.name, err)
	}

	c.mu.Lock()
	old := c.conn
	c.gen++
	gen := c.gen
	c.conn = conn
	c.connected = true
	c.wg.Add(1)
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	log.Info("Socket connected", "channel", c.name, "url", c.url)
	c.sink.State(c.name, true)
	if c.observer != nil {
		c.observer.SocketConnected(string(c.name))
	}

	go c.readLoop(conn, gen)
	return nil
}

// Unsubscribe 關閉連線並等待讀取循環結束
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	conn := c.conn
	wasConnected := c.connected
	c.gen++
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()

	if wasConnected {
		c.sink.State(c.name, false)
		if c.observer != nil {
			c.observer.SocketDisconnected(string(c.name))
		}
	}
}

// Connected 目前是否連線
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(gen, err)
			return
		}
		if !c.current(gen) {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("Discarding malformed socket message", "channel", c.name, "error", err)
			continue
		}
		if err := c.deliver(msg); err != nil {
			log.Warn("Discarding socket message", "channel", c.name, "type", msg.Type, "error", err)
			continue
		}
		if c.observer != nil {
			c.observer.SocketMessage(string(c.name), msg.Type)
		}
	}
}

// dropped 遠端關閉或讀取錯誤；只處理目前世代的連線
func (c *Channel) dropped(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	log.Warn("Socket disconnected", "channel", c.name, "error", err)
	c.sink.State(c.name, false)
	if c.observer != nil {
		c.observer.SocketDisconnected(string(c.name))
	}
}

func (c *Channel) deliver(msg Message) error {
	switch msg.Type {
	case TypeDirection:
		var d types.Direction
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return fmt.Errorf("decode direction: %w", err)
		}
		c.sink.Direction(c.name, d)

	case TypeNotification:
		var n types.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		if n.Type == "" {
			n.Type = types.NotificationAdd
		}
		c.sink.Notification(c.name, n)

	case TypeProgress:
		var p Progress
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return fmt.Errorf("decode progress: %w", err)
		}
		if p.PathID == "" {
			return errors.New("progress without pathId")
		}
		c.sink.Progress(c.name, p)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return nil
}
