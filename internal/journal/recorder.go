package journal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/autocapture-core/internal/store"
)

// Recorder 將 store 事件寫入 journal
//
// 重新啟動後沒有意義的事件不寫入。設定 WithCompactEvery 後，
// 每寫入 n 筆就以目前狀態的檢查點取代整個檔案。
type Recorder struct {
	j            *Journal
	compactEvery int
	pending      int
}

// RecorderOption Recorder 設定
type RecorderOption func(*Recorder)

// WithCompactEvery 每 n 筆事件壓縮一次；n <= 0 關閉壓縮
func WithCompactEvery(n int) RecorderOption {
	return func(r *Recorder) { r.compactEvery = n }
}

// NewRecorder 建立 store.Recorder
func NewRecorder(j *Journal, opts ...RecorderOption) *Recorder {
	r := &Recorder{j: j}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record 實作 store.Recorder
func (r *Recorder) Record(ev store.Event) error {
	if transient[ev.Kind()] {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	if _, err := r.j.Append(ev.Kind(), data); err != nil {
		return err
	}
	r.pending++
	return nil
}

// Checkpoint 實作 store.Checkpointer；Run 在每次 Record 之後以最新狀態呼叫
func (r *Recorder) Checkpoint(st store.State) error {
	if r.compactEvery <= 0 || r.pending < r.compactEvery {
		return nil
	}
	return r.Compact(st)
}

// Compact 立即以 st 的檢查點取代 journal 內容
func (r *Recorder) Compact(st store.State) error {
	ev := store.CheckpointOf(st)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	if _, err := r.j.Compact(ev.Kind(), data); err != nil {
		return err
	}
	r.pending = 0
	return nil
}

// transient 重新啟動後不再有意義的事件：連線、流程、對話框
var transient = map[string]bool{
	store.SocketStateChanged{}.Kind(): true,
	store.ActionProgressed{}.Kind():   true,
	store.ActionCleared{}.Kind():      true,
	store.DialogOpened{}.Kind():       true,
	store.DialogClosed{}.Kind():       true,
}

// Restore 重放 journal 重建客戶端狀態，回傳套用的事件數
//
// 舊版本寫入的暫態事件在重放時略過。
func Restore(path string) (store.State, int, error) {
	state := store.NewState()
	applied := 0

	err := ReplayFile(path, func(entry Entry) error {
		if transient[entry.Type] {
			return nil
		}
		ev, err := store.DecodeEvent(entry.Type, entry.Data)
		if err != nil {
			return fmt.Errorf("seq %d: %w", entry.Seq, err)
		}
		state.Apply(ev)
		applied++
		return nil
	})
	if err != nil {
		return state, applied, err
	}

	log.Info("Client state restored from journal", "path", path, "events", applied)
	return state, applied, nil
}
