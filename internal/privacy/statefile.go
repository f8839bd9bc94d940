package privacy

// ============================================================================
// 職責說明：
// 1. 將客戶端狀態（目前只有 blurExpiration）序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedState      = errors.New("client state file is corrupted")
	ErrIncompatibleVersion = errors.New("client state schema version is incompatible")
)

const schemaVersion = 1

// ClientState 持久化的客戶端狀態
type ClientState struct {
	SchemaVer      int    `json:"schemaVer"`
	BlurExpiration string `json:"blurExpiration"` // RFC3339，空字串代表從未同意
}

// StateFile 客戶端狀態檔
type StateFile struct {
	path string     // 狀態檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewStateFile 建立狀態檔管理器
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path 狀態檔路徑
func (f *StateFile) Path() string {
	return f.path
}

// Write 原子性寫入狀態
//
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (f *StateFile) Write(state ClientState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state.SchemaVer = schemaVersion

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal client state: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp client state: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename client state: %w", err)
	}
	return nil
}

// Load 載入狀態；檔案不存在時回傳空狀態（首次啟動）
func (f *StateFile) Load() (ClientState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var state ClientState

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ClientState{SchemaVer: schemaVersion}, nil
		}
		return state, fmt.Errorf("failed to read client state: %w", err)
	}

	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}

	// 舊版檔案沒有 schemaVer
	if state.SchemaVer == 0 {
		state.SchemaVer = schemaVersion
	}
	if state.SchemaVer != schemaVersion {
		return state, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, state.SchemaVer, schemaVersion)
	}
	return state, nil
}
