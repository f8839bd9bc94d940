// ============================================================================
// Autocapture 路徑覆蓋模型
// ============================================================================
//
// Package: internal/coverage
// 文件: coverage.go
// 功能: 計算規劃圖形中已覆蓋 / 未覆蓋的路徑子集
//
// 規則:
//   - 所有函式皆為純函式，不修改輸入
//   - 每次轉換都回傳新的 Polygon 與新的 Paths 切片
//   - 未受影響的路徑保持原值
//
// 圖形種類:
//   ShapeCorridor - paths[0] 為唯一主要路徑，設定類更新只作用於 paths[0]
//   ShapeArea     - 以 coordinates 為邊界，不支援設定類更新
//
// ============================================================================

package coverage

import (
	"errors"

	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

var (
	// ErrAreaShape 區域圖形不支援單一路徑的更新
	ErrAreaShape = errors.New("coverage: area shapes do not support path updates")
	// ErrNoPaths 圖形沒有任何路徑
	ErrNoPaths = errors.New("coverage: polygon has no paths")
	// ErrPathNotFound 指定的路徑不存在
	ErrPathNotFound = errors.New("coverage: path not found")
)

// Complete 判斷圖形是否已完全覆蓋
//
// 走廊以 paths[0] 為準（沒有路徑時為 false）；
// 區域要求所有路徑完成（沒有路徑時為 true）。
func Complete(p types.Polygon) bool {
	if p.Shape == types.ShapeArea {
		for _, path := range p.Paths {
			if !path.IsCovered() {
				return false
			}
		}
		return true
	}

	if len(p.Paths) == 0 {
		return false
	}
	return p.Paths[0].IsCovered()
}

// Covered 回傳只含已完成路徑的圖形，沒有已完成路徑時回傳 nil
func Covered(p types.Polygon) *types.Polygon {
	return partition(p, true)
}

// Uncovered 回傳只含未完成路徑的圖形，沒有未完成路徑時回傳 nil
func Uncovered(p types.Polygon) *types.Polygon {
	return partition(p, false)
}

func partition(p types.Polygon, covered bool) *types.Polygon {
	paths := make([]types.Path, 0, len(p.Paths))
	for _, path := range p.Paths {
		if path.IsCovered() == covered {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	out := clone(p)
	out.Paths = paths
	return &out
}

// WithNewSettings 回傳 paths[0].Settings 被替換的新圖形
func WithNewSettings(p types.Polygon, settings types.PathSettings) (types.Polygon, error) {
	return replaceFirst(p, func(path *types.Path) {
		path.Settings = settings
	})
}

// WithNewWaypoints 回傳 paths[0].Waypoints 被替換的新圖形
func WithNewWaypoints(p types.Polygon, waypoints []types.Waypoint) (types.Polygon, error) {
	return replaceFirst(p, func(path *types.Path) {
		path.Waypoints = copySlice(waypoints)
	})
}

// WithNewArchs 回傳 paths[0].Archs 被替換的新圖形
func WithNewArchs(p types.Polygon, archs []types.Arch) (types.Polygon, error) {
	return replaceFirst(p, func(path *types.Path) {
		path.Archs = copySlice(archs)
	})
}

// WithProgress 更新指定路徑的完成度，數值限制在 0..100
func WithProgress(p types.Polygon, pathID string, completed float64) (types.Polygon, error) {
	switch {
	case completed < 0:
		completed = 0
	case completed > types.FullCoverage:
		completed = types.FullCoverage
	}

	for i := range p.Paths {
		if p.Paths[i].ID != pathID {
			continue
		}
		out := clone(p)
		out.Paths[i].Completed = completed
		return out, nil
	}
	return p, ErrPathNotFound
}

// UncoveredPaths 依序攤平所有走廊中尚未完成的主要路徑
func UncoveredPaths(polygons []types.Polygon) []types.Path {
	var out []types.Path
	for _, p := range polygons {
		if p.Shape != types.ShapeCorridor || len(p.Paths) == 0 {
			continue
		}
		if !p.Paths[0].IsCovered() {
			out = append(out, p.Paths[0])
		}
	}
	return out
}

// FindPath 依 id 搜尋路徑所在的圖形索引
func FindPath(polygons []types.Polygon, pathID string) (polygonIdx, pathIdx int, ok bool) {
	for i, p := range polygons {
		for j, path := range p.Paths {
			if path.ID == pathID {
				return i, j, true
			}
		}
	}
	return -1, -1, false
}

func replaceFirst(p types.Polygon, mutate func(*types.Path)) (types.Polygon, error) {
	if p.Shape == types.ShapeArea {
		return p, ErrAreaShape
	}
	if len(p.Paths) == 0 {
		return p, ErrNoPaths
	}

	out := clone(p)
	mutate(&out.Paths[0])
	return out, nil
}

// clone 複製頂層切片，避免呼叫端共用底層陣列
func clone(p types.Polygon) types.Polygon {
	out := p
	out.Coordinates = copySlice(p.Coordinates)
	out.Classes = copySlice(p.Classes)
	out.Paths = copySlice(p.Paths)
	return out
}

// copySlice 複製切片並保留 nil 與空切片的差異
func copySlice[T any](src []T) []T {
	if src == nil {
		return nil
	}
	dst := make([]T, len(src))
	copy(dst, src)
	return dst
}
