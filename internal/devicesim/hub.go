package devicesim

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/autocapture-core/internal/coverage"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub 單一通道的 WebSocket 客戶端集合；寫入由 mu 序列化
type hub struct {
	channel types.Channel

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newHub(ch types.Channel) *hub {
	return &hub{channel: ch, conns: make(map[*websocket.Conn]struct{})}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "channel", h.channel, "error", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	log.Debug("Simulated socket client joined", "channel", h.channel)

	// 客戶端不送資料；讀取只用來偵測關閉
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *hub) broadcast(msg any) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for conn := range h.conns {
		if err := conn.WriteJSON(msg); err != nil {
			log.Warn("Dropping simulated socket client", "channel", h.channel, "error", err)
			conn.Close()
			delete(h.conns, conn)
			continue
		}
		sent++
	}
	return sent
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
	}
}

// Broadcast 對通道上所有客戶端送出 {type, data}，回傳送達的客戶端數
func (s *Sim) Broadcast(ch types.Channel, msgType string, data any) (int, error) {
	h, ok := s.hubs[ch]
	if !ok {
		return 0, fmt.Errorf("devicesim: unknown channel %q", ch)
	}
	return h.broadcast(map[string]any{"type": msgType, "data": data}), nil
}

// Notify 在 notification 通道推送通知；未指定 id 時產生一個
func (s *Sim) Notify(n types.Notification) (types.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Type == "" {
		n.Type = types.NotificationAdd
	}
	_, err := s.Broadcast(types.ChannelNotification, "notification", n)
	return n, err
}

// Direct 在 routing 通道推送導航指示
func (s *Sim) Direct(d types.Direction) error {
	_, err := s.Broadcast(types.ChannelRouting, "direction", d)
	return err
}

// Progress 更新模擬的覆蓋率並在 routing 通道推送
func (s *Sim) Progress(pathID string, completed float64) error {
	s.mu.Lock()
	if pi, _, ok := coverage.FindPath(s.polygons, pathID); ok {
		if p, err := coverage.WithProgress(s.polygons[pi], pathID, completed); err == nil {
			s.polygons[pi] = p
		}
	}
	s.mu.Unlock()

	_, err := s.Broadcast(types.ChannelRouting, "progress", map[string]any{"pathId": pathID, "completed": completed})
	return err
}
