package action

import (
	"context"
	"sync"
)

// Runner 以 key 區分的 takeLatest 執行器：同一個 key 最多只有一個進行中的循環
//
// 每次 Run 或 Cancel 都會遞增該 key 的世代號，呼叫端可用世代號丟棄過期的進度。
type Runner struct {
	mu    sync.Mutex
	gens  map[string]uint64
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewRunner 建立執行器
func NewRunner() *Runner {
	return &Runner{
		gens:  make(map[string]uint64),
		loops: make(map[string]context.CancelFunc),
	}
}

// Run 取消同 key 的進行中循環後啟動 fn，結果寫入回傳的 channel（緩衝 1）
func (r *Runner) Run(ctx context.Context, key string, fn func(ctx context.Context, gen uint64) error) <-chan error {
	result := make(chan error, 1)

	r.mu.Lock()
	if cancel, ok := r.loops[key]; ok {
		cancel()
	}
	r.gens[key]++
	gen := r.gens[key]
	loopCtx, cancel := context.WithCancel(ctx)
	r.loops[key] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		err := fn(loopCtx, gen)

		r.mu.Lock()
		if r.gens[key] == gen {
			delete(r.loops, key)
		}
		r.mu.Unlock()
		cancel()

		result <- err
	}()

	return result
}

// Cancel 取消 key 的進行中循環，不等待其結束，回傳新的世代號
func (r *Runner) Cancel(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.loops[key]; ok {
		cancel()
		delete(r.loops, key)
	}
	r.gens[key]++
	return r.gens[key]
}

// Current 世代號是否仍是 key 最新的一次
func (r *Runner) Current(key string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[key] == gen
}

// Running 是否有進行中的循環
func (r *Runner) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[key]
	return ok
}

// Stop 取消所有循環並等待結束
func (r *Runner) Stop() {
	r.mu.Lock()
	for key, cancel := range r.loops {
		cancel()
		delete(r.loops, key)
		r.gens[key]++
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// Wait 等待所有循環結束
func (r *Runner) Wait() {
	r.wg.Wait()
}
