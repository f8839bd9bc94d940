// ============================================================================
// Autocapture Store - 單一擁有者的狀態協調器
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 以單一 goroutine 持有 State，所有修改都經由訊息傳遞
//
// 架構:
//   Dispatch(ev) ──┐
//                  ├──> inbox (FIFO) ──> Run loop ──> Reduce ──> Recorder / 訂閱者
//   Snapshot() ────┘
//
//   Dispatch 與 Snapshot 共用同一個 inbox，同一個 goroutine 先 Dispatch 再 Snapshot
//   一定會讀到自己的修改。
//
// 並發安全:
//   - State 不被共享，Snapshot 回傳深拷貝
//   - 多個流程同時修改同一區塊時最後寫入者勝出
//   - ctx 取消後先處理 inbox 中已接受的事件，再關閉 done
//   - Run 結束後 Dispatch 回傳 ErrStopped，Snapshot 回傳最後狀態
//
// ============================================================================

package store

import (
	"context"
	"log/slog"
	"sync"
)

var log = slog.Default()

// Recorder 接收每個已套用的事件（例如 journal）
type Recorder interface {
	Record(ev Event) error
}

// Checkpointer 由 Recorder 選擇性實作；Run 每次 Record 之後以最新狀態呼叫，
// 是否壓縮由實作決定
type Checkpointer interface {
	Checkpoint(st State) error
}

type request struct {
	ev    Event
	reply chan State
}

// Store 狀態協調器
type Store struct {
	inbox    chan request
	done     chan struct{}
	stopping chan struct{}

	// sendMu 讓 Run 在排空 inbox 前等待進行中的 Dispatch
	sendMu  sync.RWMutex
	stopped bool

	recorder Recorder
	initial  State
	final    State

	mu   sync.Mutex
	subs map[int]chan State
	next int
}

// Option Store 設定
type Option func(*Store)

// WithRecorder 設定事件記錄器
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithState 以既有狀態啟動（例如 journal 重放後）
func WithState(st State) Option {
	return func(s *Store) { s.initial = st.Clone() }
}

// New 建立 Store，需呼叫 Run 開始處理事件
func New(opts ...Option) *Store {
	s := &Store{
		inbox:   make(chan request, 64),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
		initial:  NewState(),
		subs:    make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 處理事件直到 ctx 取消
func (s *Store) Run(ctx context.Context) error {
	state := s.initial
	defer func() {
		s.final = state
		close(s.done)
		s.closeSubscribers()
	}()

	for {
		select {
		case <-ctx.Done():
			s.drain(&state)
			return ctx.Err()

		case req := <-s.inbox:
			s.handle(&state, req)
		}
	}
}

// drain 拒絕新的 Dispatch，並處理已經放進 inbox 的請求
func (s *Store) drain(state *State) {
	close(s.stopping)
	s.sendMu.Lock()
	s.stopped = true
	s.sendMu.Unlock()

	for {
		select {
		case req := <-s.inbox:
			s.handle(state, req)
		default:
			return
		}
	}
}

func (s *Store) handle(state *State, req request) {
	if req.reply != nil {
		req.reply <- state.Clone()
		return
	}

	state.Apply(req.ev)
	if s.recorder != nil {
		if err := s.recorder.Record(req.ev); err != nil {
			log.Error("Failed to record event", "kind", req.ev.Kind(), "error", err)
		}
		if cp, ok := s.recorder.(Checkpointer); ok {
			if err := cp.Checkpoint(*state); err != nil {
				log.Error("Failed to checkpoint state", "version", state.Version, "error", err)
			}
		}
	}
	s.publish(*state)
}

// Dispatch 送出事件；回傳 nil 代表 Run 一定會套用它，store 停止後回傳 ErrStopped
func (s *Store) Dispatch(ev Event) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.stopped {
		return ErrStopped
	}

	select {
	case <-s.stopping:
		return ErrStopped
	default:
	}

	select {
	case s.inbox <- request{ev: ev}:
		return nil
	case <-s.stopping:
		return ErrStopped
	}
}

// Snapshot 取得目前狀態的拷貝
func (s *Store) Snapshot() State {
	reply := make(chan State, 1)
	select {
	case s.inbox <- request{reply: reply}:
	case <-s.done:
		return s.final.Clone()
	}

	select {
	case st := <-reply:
		return st
	case <-s.done:
		return s.final.Clone()
	}
}

// Done store 停止時關閉
func (s *Store) Done() <-chan struct{} {
	return s.done
}

// Subscribe 訂閱狀態變化；channel 只保留最新一份狀態
func (s *Store) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan State, 1)
	id := s.next
	s.next++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *Store) publish(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		// 丟棄尚未讀取的舊狀態
		select {
		case <-ch:
		default:
		}
		ch <- state.Clone()
	}
}

func (s *Store) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}
