// ============================================================================
// 模糊化同意檢查
// ============================================================================
//
// Package: internal/privacy
// 文件: gate.go
// 功能: 關閉影像模糊化前，確認使用者在最近 N 天內已同意
//
// 規則:
//   blurExpiration 為空、無法解析、或早於 now - N 天 → 需要再次確認
//   只有關閉模糊化時才檢查；開啟不需要同意
//   Accept(now) 把 blurExpiration 設為 now
//
// ============================================================================

package privacy

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

var log = slog.Default()

// DefaultMaxAge 同意的有效期間
const DefaultMaxAge = 30 * 24 * time.Hour

// Gate 模糊化同意檢查
type Gate struct {
	file   *StateFile
	maxAge time.Duration
	now    func() time.Time
}

// Option Gate 設定
type Option func(*Gate)

// WithMaxAge 同意的有效期間
func WithMaxAge(d time.Duration) Option {
	return func(g *Gate) { g.maxAge = d }
}

// WithClock 自訂時間來源
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate 建立同意檢查
func NewGate(file *StateFile, opts ...Option) *Gate {
	g := &Gate{file: file, maxAge: DefaultMaxAge, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NeedsConsent 在 now 時是否需要再次確認
func (g *Gate) NeedsConsent(now time.Time) (bool, error) {
	state, err := g.file.Load()
	if err != nil {
		return false, err
	}
	return expired(state.BlurExpiration, now, g.maxAge), nil
}

// SetBlur 切換模糊化；回傳是否需要顯示同意確認
func (g *Gate) SetBlur(ctx context.Context, enabled bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if enabled {
		return false, nil
	}

	prompt, err := g.NeedsConsent(g.now())
	if err != nil {
		return false, fmt.Errorf("check blur consent: %w", err)
	}
	log.Debug("Blur disabled", "prompt", prompt)
	return prompt, nil
}

// Accept 記錄使用者在 now 時同意
func (g *Gate) Accept(now time.Time) error {
	state, err := g.file.Load()
	if err != nil {
		return err
	}
	state.BlurExpiration = now.UTC().Format(time.RFC3339)
	if err := g.file.Write(state); err != nil {
		return err
	}
	log.Info("Blur consent recorded", "at", state.BlurExpiration)
	return nil
}

func expired(stamp string, now time.Time, maxAge time.Duration) bool {
	if stamp == "" {
		return true
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return true
	}
	return at.Before(now.Add(-maxAge))
}
