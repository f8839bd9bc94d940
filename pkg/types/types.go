// Package types 定義了 autocapture 客戶端核心使用的領域模型
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// 規劃領域：Polygon / Path
// ============================================================================

// Shape 區分規劃圖形的種類，取代舊有的 isPolygon 布林旗標
type Shape int

const (
	// ShapeCorridor 由單一主要路徑 paths[0] 組成的線性走廊
	ShapeCorridor Shape = iota
	// ShapeArea 由 coordinates 描述邊界的封閉區域，paths 可以為空
	ShapeArea
)

func (s Shape) String() string {
	switch s {
	case ShapeCorridor:
		return "corridor"
	case ShapeArea:
		return "area"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// FullCoverage 路徑完成度的上限（百分比）
const FullCoverage = 100

// Coordinate 地理座標
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	Alt float64 `json:"alt,omitempty"`
}

// Arch 路徑中的一段弧線或直線
type Arch struct {
	Start  Coordinate  `json:"start"`
	End    Coordinate  `json:"end"`
	Center *Coordinate `json:"center,omitempty"` // 直線段為 nil
	Radius float64     `json:"radius,omitempty"`
}

// Waypoint 路徑上的航點
type Waypoint struct {
	ID       string     `json:"id"`
	Position Coordinate `json:"position"`
}

// Path 一條規劃路徑
type Path struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Archs     []Arch       `json:"archs"`
	Waypoints []Waypoint   `json:"waypoints"`
	Settings  PathSettings `json:"settings"`
	Completed float64      `json:"completed"` // 覆蓋率 0-100
}

// IsCovered 路徑是否已完全覆蓋
func (p Path) IsCovered() bool {
	return p.Completed >= FullCoverage
}

// Polygon 規劃圖形：封閉區域或具名的路徑集合
type Polygon struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Color       string       `json:"color"`
	Shape       Shape        `json:"-"`
	Coordinates []Coordinate `json:"coordinates,omitempty"` // 僅在 ShapeArea 時有意義
	Paths       []Path       `json:"paths"`
	Classes     []string     `json:"classes,omitempty"`
}

type polygonWire struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Color       string       `json:"color"`
	IsPolygon   bool         `json:"isPolygon"`
	Coordinates []Coordinate `json:"coordinates,omitempty"`
	Paths       []Path       `json:"paths"`
	Classes     []string     `json:"classes,omitempty"`
}

// MarshalJSON 以後端的 isPolygon 欄位輸出 Shape
func (p Polygon) MarshalJSON() ([]byte, error) {
	return json.Marshal(polygonWire{
		ID:          p.ID,
		Name:        p.Name,
		Color:       p.Color,
		IsPolygon:   p.Shape == ShapeArea,
		Coordinates: p.Coordinates,
		Paths:       p.Paths,
		Classes:     p.Classes,
	})
}

// UnmarshalJSON 將 isPolygon 轉換為 Shape
func (p *Polygon) UnmarshalJSON(data []byte) error {
	var w polygonWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Polygon{
		ID:          w.ID,
		Name:        w.Name,
		Color:       w.Color,
		Shape:       ShapeCorridor,
		Coordinates: w.Coordinates,
		Paths:       w.Paths,
		Classes:     w.Classes,
	}
	if w.IsPolygon {
		p.Shape = ShapeArea
	}
	return nil
}

// ============================================================================
// 路徑設定
// ============================================================================

// CameraEnable 相機觸發模式
type CameraEnable string

const (
	CameraOff      CameraEnable = "off"
	CameraDistance CameraEnable = "distance" // 依距離觸發
	CameraTime     CameraEnable = "time"     // 依時間觸發
)

// CollectionMode 採集方向
type CollectionMode string

const (
	CollectionOneWay   CollectionMode = "one-way"
	CollectionBothWays CollectionMode = "both-ways"
)

// CameraSettings 相機設定
type CameraSettings struct {
	Enable   CameraEnable `json:"enable"`
	Distance float64      `json:"distance,omitempty"` // 公尺，CameraDistance 時有效
	Elapse   float64      `json:"elapse,omitempty"`   // 秒，CameraTime 時有效
	Blur     bool         `json:"blur"`
}

// ScannerSettings 掃描器設定
type ScannerSettings struct {
	Range   float64 `json:"range"`
	Spacing float64 `json:"spacing"`
}

// PathSettings 路徑的採集行為設定
type PathSettings struct {
	Camera     CameraSettings  `json:"camera"`
	Scanner    ScannerSettings `json:"scanner"`
	Collection CollectionMode  `json:"collection"`
}

// Validate 檢查相機模式所對應的欄位
func (s PathSettings) Validate() error {
	switch s.Camera.Enable {
	case CameraOff:
	case CameraDistance:
		if s.Camera.Distance <= 0 {
			return fmt.Errorf("camera distance must be positive, got %v", s.Camera.Distance)
		}
	case CameraTime:
		if s.Camera.Elapse <= 0 {
			return fmt.Errorf("camera elapse must be positive, got %v", s.Camera.Elapse)
		}
	default:
		return fmt.Errorf("unknown camera enable mode %q", s.Camera.Enable)
	}

	switch s.Collection {
	case CollectionOneWay, CollectionBothWays:
	default:
		return fmt.Errorf("unknown collection mode %q", s.Collection)
	}
	return nil
}

// ============================================================================
// 長時間操作（long-running action）
// ============================================================================

// ActionStatus 長時間操作狀態
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionProgress ActionStatus = "progress"
	ActionDone     ActionStatus = "done"
	ActionError    ActionStatus = "error"
)

// Terminal 是否為終止狀態
func (s ActionStatus) Terminal() bool {
	return s == ActionDone || s == ActionError
}

// BackendError 後端回報的結構化錯誤
type BackendError struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	P1          string `json:"p1,omitempty"`
	P2          string `json:"p2,omitempty"`
	P3          string `json:"p3,omitempty"`
}

// Action 每個 start/info 端點回傳的標準形狀
type Action struct {
	Status      ActionStatus   `json:"status"`
	Progress    float64        `json:"progress"`
	Description string         `json:"description,omitempty"`
	Errors      []BackendError `json:"errors,omitempty"`
}

// Envelope 長時間操作端點的回應外層
type Envelope struct {
	Action Action          `json:"action"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ============================================================================
// 導航與通知
// ============================================================================

// RoutingAction 導航動作
type RoutingAction string

const (
	RoutingIdle     RoutingAction = "idle"
	RoutingNavigate RoutingAction = "navigate"
	RoutingAlign    RoutingAction = "align"
	RoutingRecord   RoutingAction = "record"
	RoutingStop     RoutingAction = "stop"
)

// TurnDirection 轉向指示
type TurnDirection string

const (
	DirectionStraight TurnDirection = "straight"
	DirectionLeft     TurnDirection = "left"
	DirectionRight    TurnDirection = "right"
	DirectionBack     TurnDirection = "back"
)

// AlignmentPhase 對齊階段
type AlignmentPhase string

const (
	PhaseNone        AlignmentPhase = "none"
	PhaseApproaching AlignmentPhase = "approaching"
	PhaseAligning    AlignmentPhase = "aligning"
	PhaseAligned     AlignmentPhase = "aligned"
	PhaseRecording   AlignmentPhase = "recording"
)

// Direction routing socket 推送的導航訊息內容
type Direction struct {
	Instruction  string         `json:"instruction"`
	Action       RoutingAction  `json:"action"`
	Direction    TurnDirection  `json:"direction"`
	TargetPathID string         `json:"targetPathId,omitempty"`
	Phase        AlignmentPhase `json:"phase,omitempty"`
}

// RoutingState 目前的導航狀態，只由 socket 訊息修改
type RoutingState struct {
	Direction
	UpdatedAt time.Time `json:"updatedAt"`
}

// NotificationType 通知訊息的操作類型
type NotificationType string

const (
	NotificationAdd    NotificationType = "ADD"
	NotificationUpdate NotificationType = "UPDATE"
	NotificationRemove NotificationType = "REMOVE"
)

// Notification notification socket 推送的通知
type Notification struct {
	ID    string           `json:"id"`
	Code  string           `json:"code"`
	Type  NotificationType `json:"type"`
	Level string           `json:"level,omitempty"`
	P1    string           `json:"p1,omitempty"`
	P2    string           `json:"p2,omitempty"`
	P3    string           `json:"p3,omitempty"`
}

// Channel WebSocket 邏輯通道
type Channel string

const (
	ChannelRouting      Channel = "routing"
	ChannelNotification Channel = "notification"
)
