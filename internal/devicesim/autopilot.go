package devicesim

import (
	"context"
	"strconv"
	"time"

	"github.com/ChuLiYu/autocapture-core/internal/coverage"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// Autopilot 依序導航並錄製每條未覆蓋路徑，直到全部完成或 ctx 取消
func (s *Sim) Autopilot(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		}
	}

	for _, path := range coverage.UncoveredPaths(s.Polygons()) {
		steps := []types.Direction{
			{Instruction: "Drive to " + label(path), Action: types.RoutingNavigate, Direction: types.DirectionStraight, TargetPathID: path.ID, Phase: types.PhaseApproaching},
			{Instruction: "Align with " + label(path), Action: types.RoutingAlign, Direction: types.DirectionLeft, TargetPathID: path.ID, Phase: types.PhaseAligning},
			{Instruction: "Recording " + label(path), Action: types.RoutingRecord, Direction: types.DirectionStraight, TargetPathID: path.ID, Phase: types.PhaseRecording},
		}
		for _, d := range steps {
			if err := s.Direct(d); err != nil {
				return err
			}
			if err := wait(); err != nil {
				return err
			}
		}

		for done := path.Completed + 25; ; done += 25 {
			if done > types.FullCoverage {
				done = types.FullCoverage
			}
			if err := s.Progress(path.ID, done); err != nil {
				return err
			}
			if err := wait(); err != nil {
				return err
			}
			if done >= types.FullCoverage {
				break
			}
		}
	}

	// 自動停止倒數
	for sec := 3; sec > 0; sec-- {
		if _, err := s.Notify(types.Notification{Code: "STT-002", Level: "info", P1: strconv.Itoa(sec)}); err != nil {
			return err
		}
		if err := wait(); err != nil {
			return err
		}
	}
	if _, err := s.Notify(types.Notification{Code: "STT-002", Type: types.NotificationRemove}); err != nil {
		return err
	}
	return s.Direct(types.Direction{Instruction: "All paths covered", Action: types.RoutingStop, Direction: types.DirectionStraight, Phase: types.PhaseNone})
}

func label(p types.Path) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// SamplePolygons 模擬用的工作規劃
func SamplePolygons() []types.Polygon {
	settings := types.PathSettings{
		Camera:     types.CameraSettings{Enable: types.CameraDistance, Distance: 5, Blur: true},
		Scanner:    types.ScannerSettings{Range: 30, Spacing: 0.5},
		Collection: types.CollectionOneWay,
	}
	line := func(id, name string, completed float64, lat float64) types.Polygon {
		return types.Polygon{
			ID:    "poly-" + id,
			Name:  name,
			Color: "#2f80ed",
			Shape: types.ShapeCorridor,
			Paths: []types.Path{{
				ID:   id,
				Name: name,
				Archs: []types.Arch{{
					Start: types.Coordinate{Lat: lat, Lng: 11.000},
					End:   types.Coordinate{Lat: lat, Lng: 11.010},
				}},
				Waypoints: []types.Waypoint{
					{ID: id + "-w1", Position: types.Coordinate{Lat: lat, Lng: 11.000}},
					{ID: id + "-w2", Position: types.Coordinate{Lat: lat, Lng: 11.010}},
				},
				Settings:  settings,
				Completed: completed,
			}},
		}
	}

	return []types.Polygon{
		line("main-street", "Main Street", 0, 46.000),
		line("river-road", "River Road", 100, 46.002),
		line("station-lane", "Station Lane", 40, 46.004),
		{
			ID:    "area-park",
			Name:  "Park",
			Color: "#27ae60",
			Shape: types.ShapeArea,
			Coordinates: []types.Coordinate{
				{Lat: 46.010, Lng: 11.000},
				{Lat: 46.010, Lng: 11.005},
				{Lat: 46.012, Lng: 11.005},
			},
		},
	}
}
