package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/autocapture-core/internal/dialog"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// Event 是封閉的事件集合，只有本套件能新增成員
type Event interface {
	// Kind 事件名稱，用於日誌與 journal
	Kind() string
	isEvent()
}

// PolygonsLoaded 載入工作的規劃圖形，重新計算未覆蓋清單
type PolygonsLoaded struct {
	Polygons []types.Polygon `json:"polygons"`
}

// UncoveredReordered 依 id 順序重排未覆蓋清單
type UncoveredReordered struct {
	Order []string `json:"order"`
}

// PathSettingsChanged 更新路徑設定
type PathSettingsChanged struct {
	PathID   string             `json:"pathId"`
	Settings types.PathSettings `json:"settings"`
}

// PathProgress 路徑覆蓋率進度
type PathProgress struct {
	PathID    string  `json:"pathId"`
	Completed float64 `json:"completed"`
}

// DirectionReceived routing socket 推送的導航指示
type DirectionReceived struct {
	Direction types.Direction `json:"direction"`
	At        time.Time       `json:"at"`
}

// NotificationReceived notification socket 推送的通知
type NotificationReceived struct {
	Notification types.Notification `json:"notification"`
}

// SocketStateChanged 通道連線狀態變化
type SocketStateChanged struct {
	Channel   types.Channel `json:"channel"`
	Connected bool          `json:"connected"`
}

// ActionProgressed 長時間操作的最新狀態；世代號過期時忽略
type ActionProgressed struct {
	Key    string       `json:"key"`
	Gen    uint64       `json:"gen"`
	Action types.Action `json:"action"`
}

// ActionCleared 重置操作狀態，之後較舊世代的進度都會被丟棄
type ActionCleared struct {
	Key string `json:"key"`
	Gen uint64 `json:"gen"`
}

// ErrorRaised 一般錯誤通道
type ErrorRaised struct {
	Op      string    `json:"op"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// DialogOpened 開啟對話框，取代目前的對話框
type DialogOpened struct {
	Dialog dialog.Dialog `json:"dialog"`
}

// DialogClosed 關閉目前的對話框
type DialogClosed struct{}

// StateCheckpointed 可還原狀態的完整檢查點，journal 壓縮時寫入
type StateCheckpointed struct {
	Polygons      []types.Polygon      `json:"polygons"`
	Uncovered     []types.Path         `json:"uncovered"`
	Routing       types.RoutingState   `json:"routing"`
	Notifications []types.Notification `json:"notifications"`
	Errors        []ErrorRaised        `json:"errors,omitempty"`
}

// CheckpointOf 擷取 st 中重新啟動後仍有意義的部分
func CheckpointOf(st State) StateCheckpointed {
	c := st.Clone()
	return StateCheckpointed{
		Polygons:      c.Polygons,
		Uncovered:     c.Uncovered,
		Routing:       c.Routing,
		Notifications: c.Notifications,
		Errors:        c.Errors,
	}
}

func (PolygonsLoaded) Kind() string       { return "polygons_loaded" }
func (UncoveredReordered) Kind() string   { return "uncovered_reordered" }
func (PathSettingsChanged) Kind() string  { return "path_settings_changed" }
func (PathProgress) Kind() string         { return "path_progress" }
func (DirectionReceived) Kind() string    { return "direction_received" }
func (NotificationReceived) Kind() string { return "notification_received" }
func (SocketStateChanged) Kind() string   { return "socket_state_changed" }
func (ActionProgressed) Kind() string     { return "action_progressed" }
func (ActionCleared) Kind() string        { return "action_cleared" }
func (ErrorRaised) Kind() string          { return "error_raised" }
func (DialogOpened) Kind() string         { return "dialog_opened" }
func (DialogClosed) Kind() string         { return "dialog_closed" }
func (StateCheckpointed) Kind() string    { return "state_checkpointed" }

func (PolygonsLoaded) isEvent()       {}
func (UncoveredReordered) isEvent()   {}
func (PathSettingsChanged) isEvent()  {}
func (PathProgress) isEvent()         {}
func (DirectionReceived) isEvent()    {}
func (NotificationReceived) isEvent() {}
func (SocketStateChanged) isEvent()   {}
func (ActionProgressed) isEvent()     {}
func (ActionCleared) isEvent()        {}
func (ErrorRaised) isEvent()          {}
func (DialogOpened) isEvent()         {}
func (DialogClosed) isEvent()         {}
func (StateCheckpointed) isEvent()    {}

var decoders = map[string]func([]byte) (Event, error){
	PolygonsLoaded{}.Kind():       decode[PolygonsLoaded],
	UncoveredReordered{}.Kind():   decode[UncoveredReordered],
	PathSettingsChanged{}.Kind():  decode[PathSettingsChanged],
	PathProgress{}.Kind():         decode[PathProgress],
	DirectionReceived{}.Kind():    decode[DirectionReceived],
	NotificationReceived{}.Kind(): decode[NotificationReceived],
	SocketStateChanged{}.Kind():   decode[SocketStateChanged],
	ActionProgressed{}.Kind():     decode[ActionProgressed],
	ActionCleared{}.Kind():        decode[ActionCleared],
	ErrorRaised{}.Kind():          decode[ErrorRaised],
	DialogOpened{}.Kind():         decode[DialogOpened],
	DialogClosed{}.Kind():         decode[DialogClosed],
	StateCheckpointed{}.Kind():    decode[StateCheckpointed],
}

// DecodeEvent 依事件名稱還原事件，供 journal 重放使用
func DecodeEvent(kind string, data []byte) (Event, error) {
	fn, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
	ev, err := fn(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}

func decode[T Event](data []byte) (Event, error) {
	var ev T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}
