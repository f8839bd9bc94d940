// ============================================================================
// Autocapture 協調器 - 未覆蓋路徑的調整與回滾
// ============================================================================
//
// Package: internal/autocapture
// 文件: coordinator.go
// 功能: 重排與設定更新先樂觀寫入 store，再以 REST 持久化
//
// 流程:
//   Reorder / UpdateSettings
//      ↓ Dispatch 樂觀更新
//      ↓ REST 呼叫
//   成功 → 從 store 重新選取結果
//   失敗 → Dispatch 回滾事件 + ErrorRaised
//
// Abort:
//   單次 REST 呼叫，不輪詢，失敗只寫入一般錯誤通道。
//
// ============================================================================

package autocapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/autocapture-core/internal/action"
	"github.com/ChuLiYu/autocapture-core/internal/coverage"
	"github.com/ChuLiYu/autocapture-core/internal/dialog"
	"github.com/ChuLiYu/autocapture-core/internal/store"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

var log = slog.Default()

var (
	// ErrMoveOutOfRange 重排索引超出未覆蓋清單
	ErrMoveOutOfRange = errors.New("autocapture: move index out of range")
	// ErrConsentRequired 關閉模糊化需要使用者同意
	ErrConsentRequired = errors.New("autocapture: blur consent required")
	// ErrConsentDeclined 使用者拒絕關閉模糊化
	ErrConsentDeclined = errors.New("autocapture: blur consent declined")
)

// Dispatcher store 的寫入與讀取
type Dispatcher interface {
	Dispatch(ev store.Event) error
	Snapshot() store.State
}

// ConsentGate 關閉模糊化前的同意檢查
type ConsentGate interface {
	SetBlur(ctx context.Context, enabled bool) (bool, error)
	Accept(now time.Time) error
}

// Confirm 顯示對話框並等待使用者選擇
type Confirm func(ctx context.Context, d dialog.Dialog) (dialog.Button, error)

// Observer 協調器的統計掛鉤
type Observer interface {
	ActionTick(op string)
	ActionFinished(op, outcome string)
	Rollback(op string)
}

type nopObserver struct{}

func (nopObserver) ActionTick(string)             {}
func (nopObserver) ActionFinished(string, string) {}
func (nopObserver) Rollback(string)               {}

// Coordinator autocapture 協調器
type Coordinator struct {
	api      API
	proto    action.Protocol
	store    Dispatcher
	runner   *action.Runner
	interval time.Duration
	observer Observer
	consent  ConsentGate
	confirm  Confirm
	now      func() time.Time
}

// Option 協調器設定
type Option func(*Coordinator)

// WithInterval 輪詢間隔
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

// WithObserver 統計掛鉤
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithConsent 關閉模糊化時使用的同意檢查與確認方式
func WithConsent(gate ConsentGate, confirm Confirm) Option {
	return func(c *Coordinator) {
		c.consent = gate
		c.confirm = confirm
	}
}

// WithClock 自訂時間來源
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New 建立協調器
func New(api API, proto action.Protocol, st Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:      api,
		proto:    proto,
		store:    st,
		runner:   action.NewRunner(),
		interval: action.DefaultInterval,
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load 取得規劃圖形並重建未覆蓋清單
func (c *Coordinator) Load(ctx context.Context) error {
	polygons, err := c.api.Polygons(ctx)
	if err != nil {
		c.raise("load", err)
		return fmt.Errorf("load polygons: %w", err)
	}
	c.dispatch(store.PolygonsLoaded{Polygons: polygons})
	return nil
}

// Reorder 將未覆蓋清單中 from 位置的路徑移到 to 位置
func (c *Coordinator) Reorder(ctx context.Context, from, to int) ([]string, error) {
	previous := store.UncoveredOrder(c.store.Snapshot())
	if from < 0 || from >= len(previous) || to < 0 || to >= len(previous) {
		return previous, fmt.Errorf("%w: %d -> %d of %d", ErrMoveOutOfRange, from, to, len(previous))
	}

	order := move(previous, from, to)
	c.dispatch(store.UncoveredReordered{Order: order})

	if err := c.api.UpdatePaths(ctx, order); err != nil {
		log.Warn("Reorder rejected, rolling back", "from", from, "to", to, "error", err)
		c.dispatch(store.UncoveredReordered{Order: previous})
		c.observer.Rollback("reorder")
		c.raise("reorder", err)
		return previous, fmt.Errorf("update paths: %w", err)
	}

	log.Info("Uncovered paths reordered", "from", from, "to", to)
	return order, nil
}

// UpdateSettings 更新路徑設定，成功時回傳從 store 重新選取的路徑
func (c *Coordinator) UpdateSettings(ctx context.Context, pathID string, settings types.PathSettings) (types.Path, error) {
	if err := settings.Validate(); err != nil {
		return types.Path{}, fmt.Errorf("invalid settings for %s: %w", pathID, err)
	}

	snap := c.store.Snapshot()
	poly, ok := store.Polygon(snap, pathID)
	if !ok {
		return types.Path{}, fmt.Errorf("%w: %s", coverage.ErrPathNotFound, pathID)
	}
	if _, err := coverage.WithNewSettings(poly, settings); err != nil {
		return types.Path{}, fmt.Errorf("update settings for %s: %w", pathID, err)
	}

	_, pj, _ := coverage.FindPath([]types.Polygon{poly}, pathID)
	previous := poly.Paths[pj].Settings

	if previous.Camera.Blur && !settings.Camera.Blur {
		if err := c.checkConsent(ctx); err != nil {
			return poly.Paths[pj], err
		}
	}

	c.dispatch(store.PathSettingsChanged{PathID: pathID, Settings: settings})

	if err := c.api.UpdatePathSettings(ctx, pathID, settings); err != nil {
		log.Warn("Settings update rejected, rolling back", "path", pathID, "error", err)
		c.dispatch(store.PathSettingsChanged{PathID: pathID, Settings: previous})
		c.observer.Rollback("settings")
		c.raise("settings", err)
		return poly.Paths[pj], fmt.Errorf("update path settings: %w", err)
	}

	return c.selectPath(pathID)
}

// Abort 停止 autocapture
func (c *Coordinator) Abort(ctx context.Context) error {
	if err := c.api.AbortAutocapture(ctx); err != nil {
		c.raise("abort", err)
		return fmt.Errorf("abort autocapture: %w", err)
	}
	log.Info("Autocapture aborted")
	return nil
}

// Wait 等待所有流程結束
func (c *Coordinator) Wait() {
	c.runner.Wait()
}

// Stop 取消所有流程並等待結束
func (c *Coordinator) Stop() {
	c.runner.Stop()
}

func (c *Coordinator) checkConsent(ctx context.Context) error {
	if c.consent == nil {
		return nil
	}
	prompt, err := c.consent.SetBlur(ctx, false)
	if err != nil {
		return fmt.Errorf("check blur consent: %w", err)
	}
	if !prompt {
		return nil
	}

	d := dialog.Consent()
	if c.confirm == nil {
		c.dispatch(store.DialogOpened{Dialog: d})
		return ErrConsentRequired
	}

	answer, err := c.ask(ctx, d, c.confirm)
	if err != nil {
		return err
	}
	if answer != dialog.ButtonAccept {
		return ErrConsentDeclined
	}
	return c.consent.Accept(c.now())
}

// selectPath 優先回傳未覆蓋清單中的路徑，其次是規劃圖形中的路徑
func (c *Coordinator) selectPath(pathID string) (types.Path, error) {
	snap := c.store.Snapshot()
	if p, ok := store.UncoveredPath(snap, pathID); ok {
		return p, nil
	}
	if poly, ok := store.Polygon(snap, pathID); ok {
		_, pj, _ := coverage.FindPath([]types.Polygon{poly}, pathID)
		return poly.Paths[pj], nil
	}
	return types.Path{}, fmt.Errorf("%w: %s", coverage.ErrPathNotFound, pathID)
}

func (c *Coordinator) dispatch(ev store.Event) {
	if err := c.store.Dispatch(ev); err != nil {
		log.Debug("Dropping event", "kind", ev.Kind(), "error", err)
	}
}

// raise 寫入一般錯誤通道
func (c *Coordinator) raise(op string, err error) {
	c.dispatch(store.ErrorRaised{Op: op, Message: err.Error(), At: c.now()})
}

func move(order []string, from, to int) []string {
	out := make([]string, 0, len(order))
	out = append(out, order[:from]...)
	out = append(out, order[from+1:]...)

	item := order[from]
	out = append(out, "")
	copy(out[to+1:], out[to:])
	out[to] = item
	return out
}
