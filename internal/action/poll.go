// ============================================================================
// 長時間操作輪詢
// ============================================================================
//
// Package: internal/action
// 文件: poll.go
// 功能: 將後端 start/info 兩個端點包裝為一個輪詢循環
//
// 流程:
//   Start()
//      ↓ status == error → *ActionError，結束
//   Info() 每 Interval 一次
//      ↓ 每次回應呼叫 OnProgress
//   status == done  → 回傳最後的 Envelope
//   status == error → *ActionError
//
// 取消:
//   沒有逾時設計。循環只會因為終止狀態或 ctx 取消（takeLatest / abort）而結束。
//   ctx 取消後，已在途中的回應不再呼叫 OnProgress。
//
// ============================================================================

package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

var log = slog.Default()

// DefaultInterval 輪詢間隔
const DefaultInterval = 1000 * time.Millisecond

// Triad 描述一組長時間操作
type Triad struct {
	Op   string // 例如 "recording/record"
	Body any    // start 的請求內容，可為 nil
}

// Options 輪詢行為
type Options struct {
	Interval time.Duration

	// OnProgress 每次取得非終止狀態時呼叫（包含 start 的回應）
	OnProgress func(types.Action)

	// SwallowInfoErrors 為 true 時 info 的傳輸錯誤不中斷循環，也不回報
	SwallowInfoErrors bool
}

// Poll 執行 start 並輪詢 info 直到終止狀態
func Poll(ctx context.Context, p Protocol, triad Triad, opts Options) (types.Envelope, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	env, err := p.Start(ctx, triad.Op, triad.Body)
	if err != nil {
		return env, fmt.Errorf("start %s: %w", triad.Op, err)
	}

	done, err := settle(ctx, triad.Op, env, opts)
	if done || err != nil {
		return env, err
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return env, ctx.Err()
		case <-timer.C:
		}

		next, err := p.Info(ctx, triad.Op)
		switch {
		case err != nil && ctx.Err() != nil:
			return env, ctx.Err()
		case err != nil && opts.SwallowInfoErrors:
			log.Debug("Swallowed info error", "op", triad.Op, "error", err)
		case err != nil:
			return env, fmt.Errorf("info %s: %w", triad.Op, err)
		default:
			env = next
			done, err := settle(ctx, triad.Op, env, opts)
			if done || err != nil {
				return env, err
			}
		}

		timer.Reset(interval)
	}
}

// settle 判斷回應狀態；回傳 true 代表已成功完成
func settle(ctx context.Context, op string, env types.Envelope, opts Options) (bool, error) {
	switch env.Action.Status {
	case types.ActionDone:
		return true, nil
	case types.ActionError:
		return false, &ActionError{Op: op, Errors: env.Action.Errors}
	case types.ActionPending, types.ActionProgress:
		if opts.OnProgress != nil && ctx.Err() == nil {
			opts.OnProgress(env.Action)
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w %q for %s", ErrInvalidStatus, env.Action.Status, op)
	}
}
