package store

import (
	"github.com/ChuLiYu/autocapture-core/internal/coverage"
	"github.com/ChuLiYu/autocapture-core/internal/dialog"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// Connected 通道是否已連線
func Connected(s State, ch types.Channel) bool {
	return s.Connected[ch]
}

// VisibleNotifications 顯示層的通知清單
//
// store 中相同 code 的通知會重複附加；顯示時依 code 合併，
// 保留第一次出現的位置，內容使用最新的一筆。
func VisibleNotifications(s State) []types.Notification {
	index := make(map[string]int, len(s.Notifications))
	out := make([]types.Notification, 0, len(s.Notifications))
	for _, n := range s.Notifications {
		if i, ok := index[n.Code]; ok {
			out[i] = n
			continue
		}
		index[n.Code] = len(out)
		out = append(out, n)
	}
	return out
}

// NotificationTexts 顯示層通知的文字
func NotificationTexts(s State) []string {
	visible := VisibleNotifications(s)
	out := make([]string, 0, len(visible))
	for _, n := range visible {
		out = append(out, dialog.NotificationText(n))
	}
	return out
}

// UncoveredPath 依 id 取得未覆蓋清單中的路徑
func UncoveredPath(s State, id string) (types.Path, bool) {
	for _, p := range s.Uncovered {
		if p.ID == id {
			return p, true
		}
	}
	return types.Path{}, false
}

// UncoveredOrder 未覆蓋清單的 id 順序
func UncoveredOrder(s State) []string {
	out := make([]string, 0, len(s.Uncovered))
	for _, p := range s.Uncovered {
		out = append(out, p.ID)
	}
	return out
}

// Polygon 依路徑 id 找到所在的圖形
func Polygon(s State, pathID string) (types.Polygon, bool) {
	pi, _, ok := coverage.FindPath(s.Polygons, pathID)
	if !ok {
		return types.Polygon{}, false
	}
	return s.Polygons[pi], true
}

// CoveredView 每個圖形已覆蓋的部分，沒有可顯示的部分則略過
func CoveredView(s State) []types.Polygon {
	return view(s, coverage.Covered)
}

// UncoveredView 每個圖形未覆蓋的部分，沒有可顯示的部分則略過
func UncoveredView(s State) []types.Polygon {
	return view(s, coverage.Uncovered)
}

func view(s State, fn func(types.Polygon) *types.Polygon) []types.Polygon {
	var out []types.Polygon
	for _, p := range s.Polygons {
		if part := fn(p); part != nil {
			out = append(out, *part)
		}
	}
	return out
}

// ActionState 長時間操作目前的狀態
func ActionState(s State, key string) (ActionEntry, bool) {
	entry, ok := s.Actions[key]
	return entry, ok
}

// LastError 一般錯誤通道中最新的一筆
func LastError(s State) (ErrorRaised, bool) {
	if len(s.Errors) == 0 {
		return ErrorRaised{}, false
	}
	return s.Errors[len(s.Errors)-1], true
}
