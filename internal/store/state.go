// ============================================================================
// Autocapture 應用狀態 - 狀態轉換函式
// ============================================================================
//
// Package: internal/store
// 文件: state.go
// 功能: 定義單一應用狀態與所有事件的狀態轉換
//
// 設計:
//   State 只由 Store.Run 所在的 goroutine 持有與修改。
//   Reduce 是純函式：(State, Event) → State，對封閉事件集合做完整的 switch。
//   Apply 就地修改，只給擁有 State 的一方使用（Store.Run、journal 還原）；
//   拷貝只發生在讀取邊界：Snapshot、訂閱推送與 Reduce。
//
// 通知規則:
//   ADD    - 一律附加，不以 code 去重
//   UPDATE - 取代第一個相同 id 的項目，找不到則附加
//   REMOVE - 刪除第一個相同 code 的項目
//
// 世代號:
//   ActionCleared 記錄某個 key 的世代號，之後較舊世代的 ActionProgressed 會被忽略。
//   這讓 abort 不必等待輪詢循環結束。
//
// ============================================================================

package store

import (
	"errors"

	"github.com/ChuLiYu/autocapture-core/internal/coverage"
	"github.com/ChuLiYu/autocapture-core/internal/dialog"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

var (
	// ErrUnknownEvent journal 中出現無法辨識的事件名稱
	ErrUnknownEvent = errors.New("store: unknown event")
	// ErrStopped store 已停止
	ErrStopped = errors.New("store: stopped")
)

// maxErrors 一般錯誤通道保留的最大筆數
const maxErrors = 50

// ActionEntry 某個長時間操作 key 的狀態
type ActionEntry struct {
	Gen    uint64
	Active bool
	Action types.Action
}

// State 客戶端應用狀態
type State struct {
	Polygons      []types.Polygon
	Uncovered     []types.Path // 自動採集的未覆蓋路徑順序
	Routing       types.RoutingState
	Notifications []types.Notification
	Connected     map[types.Channel]bool
	Actions       map[string]ActionEntry
	Errors        []ErrorRaised
	Dialog        *dialog.Dialog
	Version       uint64 // 每套用一個事件遞增
}

// NewState 建立空狀態
func NewState() State {
	return State{
		Connected: make(map[types.Channel]bool),
		Actions:   make(map[string]ActionEntry),
	}
}

// Clone 深拷貝，讓 Snapshot 的讀者不會看到之後的修改
func (s State) Clone() State {
	out := s
	out.Polygons = clonePolygons(s.Polygons)
	out.Uncovered = append([]types.Path(nil), s.Uncovered...)
	out.Notifications = append([]types.Notification(nil), s.Notifications...)
	out.Errors = append([]ErrorRaised(nil), s.Errors...)

	out.Connected = make(map[types.Channel]bool, len(s.Connected))
	for k, v := range s.Connected {
		out.Connected[k] = v
	}
	out.Actions = make(map[string]ActionEntry, len(s.Actions))
	for k, v := range s.Actions {
		out.Actions[k] = v
	}

	if s.Dialog != nil {
		d := *s.Dialog
		d.Buttons = append([]dialog.Button(nil), s.Dialog.Buttons...)
		out.Dialog = &d
	}
	return out
}

func clonePolygons(polygons []types.Polygon) []types.Polygon {
	if polygons == nil {
		return nil
	}
	out := make([]types.Polygon, len(polygons))
	for i, p := range polygons {
		p.Paths = append([]types.Path(nil), p.Paths...)
		p.Coordinates = append([]types.Coordinate(nil), p.Coordinates...)
		p.Classes = append([]string(nil), p.Classes...)
		out[i] = p
	}
	return out
}

// Reduce 套用單一事件並回傳新狀態，s 不會被修改
func Reduce(s State, ev Event) State {
	s = s.Clone()
	s.Apply(ev)
	return s
}

// Apply 就地套用單一事件
//
// 事件中的 slice 會先拷貝，之後的就地修改不會影響事件的持有者。
func (s *State) Apply(ev Event) {
	if s.Connected == nil {
		s.Connected = make(map[types.Channel]bool)
	}
	if s.Actions == nil {
		s.Actions = make(map[string]ActionEntry)
	}
	s.Version++

	switch e := ev.(type) {
	case PolygonsLoaded:
		s.Polygons = clonePolygons(e.Polygons)
		s.Uncovered = coverage.UncoveredPaths(s.Polygons)

	case UncoveredReordered:
		s.Uncovered = reorderByID(s.Uncovered, e.Order)

	case PathSettingsChanged:
		s.Polygons = updatePath(s.Polygons, e.PathID, func(p types.Polygon, idx int) types.Polygon {
			if idx == 0 && p.Shape == types.ShapeCorridor {
				if out, err := coverage.WithNewSettings(p, e.Settings); err == nil {
					return out
				}
			}
			p.Paths[idx].Settings = e.Settings
			return p
		})
		for i := range s.Uncovered {
			if s.Uncovered[i].ID == e.PathID {
				s.Uncovered[i].Settings = e.Settings
			}
		}

	case PathProgress:
		s.Polygons = updatePath(s.Polygons, e.PathID, func(p types.Polygon, _ int) types.Polygon {
			out, _ := coverage.WithProgress(p, e.PathID, e.Completed)
			return out
		})
		s.Uncovered = applyProgress(s.Uncovered, e.PathID, s.Polygons)

	case DirectionReceived:
		s.Routing = types.RoutingState{Direction: e.Direction, UpdatedAt: e.At}

	case NotificationReceived:
		s.Notifications = applyNotification(s.Notifications, e.Notification)

	case SocketStateChanged:
		s.Connected[e.Channel] = e.Connected

	case ActionProgressed:
		entry := s.Actions[e.Key]
		if e.Gen < entry.Gen {
			return
		}
		s.Actions[e.Key] = ActionEntry{
			Gen:    e.Gen,
			Active: !e.Action.Status.Terminal(),
			Action: e.Action,
		}

	case ActionCleared:
		if e.Gen >= s.Actions[e.Key].Gen {
			s.Actions[e.Key] = ActionEntry{Gen: e.Gen}
		}

	case ErrorRaised:
		s.Errors = append(s.Errors, e)
		if len(s.Errors) > maxErrors {
			s.Errors = s.Errors[len(s.Errors)-maxErrors:]
		}

	case DialogOpened:
		d := e.Dialog
		s.Dialog = &d

	case DialogClosed:
		s.Dialog = nil

	case StateCheckpointed:
		s.Polygons = clonePolygons(e.Polygons)
		s.Uncovered = append([]types.Path(nil), e.Uncovered...)
		s.Routing = e.Routing
		s.Notifications = append([]types.Notification(nil), e.Notifications...)
		s.Errors = append([]ErrorRaised(nil), e.Errors...)

	default:
		log.Warn("Unhandled event", "kind", ev.Kind())
		s.Version--
	}
}

// reorderByID 依 order 重排；不在 order 中的項目保持原本的相對順序放在最後
func reorderByID(paths []types.Path, order []string) []types.Path {
	byID := make(map[string]types.Path, len(paths))
	for _, p := range paths {
		byID[p.ID] = p
	}

	out := make([]types.Path, 0, len(paths))
	used := make(map[string]bool, len(order))
	for _, id := range order {
		if p, ok := byID[id]; ok && !used[id] {
			out = append(out, p)
			used[id] = true
		}
	}
	for _, p := range paths {
		if !used[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

func updatePath(polygons []types.Polygon, pathID string, fn func(types.Polygon, int) types.Polygon) []types.Polygon {
	pi, pj, ok := coverage.FindPath(polygons, pathID)
	if !ok {
		return polygons
	}
	polygons[pi] = fn(polygons[pi], pj)
	return polygons
}

// applyProgress 同步未覆蓋清單：完成的路徑移除，其餘更新完成度
func applyProgress(uncovered []types.Path, pathID string, polygons []types.Polygon) []types.Path {
	pi, pj, ok := coverage.FindPath(polygons, pathID)
	if !ok {
		return uncovered
	}
	latest := polygons[pi].Paths[pj]

	out := uncovered[:0]
	for _, p := range uncovered {
		if p.ID == pathID {
			if latest.IsCovered() {
				continue
			}
			p.Completed = latest.Completed
		}
		out = append(out, p)
	}
	return out
}

func applyNotification(list []types.Notification, n types.Notification) []types.Notification {
	switch n.Type {
	case types.NotificationRemove:
		for i, existing := range list {
			if existing.Code == n.Code {
				return append(list[:i:i], list[i+1:]...)
			}
		}
		return list

	case types.NotificationUpdate:
		for i, existing := range list {
			if existing.ID == n.ID {
				list[i] = n
				return list
			}
		}
		return append(list, n)

	default:
		return append(list, n)
	}
}
