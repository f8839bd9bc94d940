package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加 store 事件到日誌檔案（append-only JSON lines）
// 2. 提供重放功能以恢復客戶端狀態
// 3. 支援日誌旋轉
// 4. 批次寫入，Close / Rotate / Replay 前一定會 flush
// 5. 開啟時截掉損壞的尾端，壓縮時以單一項目原子取代檔案
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var log = slog.Default()

// Options journal 設定
type Options struct {
	SyncOnAppend  bool          // 每次 flush 都 fsync
	BufferSize    int           // 緩衝項目數，<= 1 代表每次 Append 立即寫入
	FlushInterval time.Duration // 緩衝最長保留時間
}

// Journal 事件日誌
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Entry
	lastFlushTime time.Time
	now           func() time.Time
}

// Open 建立或開啟 journal；既有檔案會從最後一筆有效項目的 seq 繼續，損壞的尾端先截掉
func Open(path string, opts Options) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	seq, err := repairTail(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	return &Journal{
		file:          file,
		encoder:       newEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Entry, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
		now:           time.Now,
	}, nil
}

// Path journal 檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Append 追加一筆項目
func (j *Journal) Append(eventType string, data []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	// 寫入的位元組必須與校驗的位元組相同
	if len(data) == 0 {
		data = []byte("null")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return 0, fmt.Errorf("journal %s: invalid data: %w", eventType, err)
	}
	data = compact.Bytes()

	j.seq++
	entry := Entry{
		Seq:       j.seq,
		Type:      eventType,
		Timestamp: j.now().UnixMilli(),
		Data:      append(json.RawMessage(nil), data...),
		Checksum:  Checksum(eventType, data),
	}
	j.buffer = append(j.buffer, entry)

	if len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		if err := j.flushLocked(); err != nil {
			return entry.Seq, err
		}
	}
	return entry.Seq, nil
}

// Flush 立即寫入緩衝的項目
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay 從頭重放所有項目，遇到損壞或校驗錯誤立即停止
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.closed {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return ReplayFile(j.path, handler)
}

// Rotate 將目前檔案改名保存，重新開始空白 journal
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backupPath := j.path + "." + j.now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", fmt.Errorf("rotate journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("reopen journal: %w", err)
	}

	j.file = file
	j.encoder = newEncoder(file)
	j.seq = 0
	j.lastFlushTime = time.Now()

	log.Info("Journal rotated", "backup", backupPath)
	return backupPath, nil
}

// Compact 以單一項目原子取代整個檔案，序號繼續遞增
//
// 新內容先寫入暫存檔並 fsync，再 rename 覆蓋，
// 任何時間點崩潰都只會看到舊檔或新檔。
func (j *Journal) Compact(eventType string, data []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return 0, err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return 0, fmt.Errorf("journal %s: invalid data: %w", eventType, err)
	}
	entry := Entry{
		Seq:       j.seq + 1,
		Type:      eventType,
		Timestamp: j.now().UnixMilli(),
		Data:      json.RawMessage(compact.Bytes()),
		Checksum:  Checksum(eventType, compact.Bytes()),
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create compacted journal: %w", err)
	}
	if err := newEncoder(tmp).Encode(entry); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write compacted journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("sync compacted journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := j.file.Close(); err != nil {
		log.Warn("Close journal before compaction", "error", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return 0, fmt.Errorf("replace journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		j.closed = true
		return 0, fmt.Errorf("reopen journal: %w", err)
	}
	j.file = file
	j.encoder = newEncoder(file)
	j.seq = entry.Seq
	j.lastFlushTime = time.Now()

	log.Info("Journal compacted", "path", j.path, "seq", entry.Seq)
	return entry.Seq, nil
}

// Close flush 後關閉；關閉後的 Journal 不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	j.closed = true
	return j.file.Close()
}

// LastSeq 目前的序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// flushLocked 假設調用者已經持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, entry := range j.buffer {
		if err := j.encoder.Encode(entry); err != nil {
			return fmt.Errorf("write journal entry %d: %w", entry.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()

	if j.opts.SyncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("sync journal: %w", err)
		}
	}
	return nil
}

// ============================================================================
// 檔案層級工具
// ============================================================================

// ReplayFile 重放指定檔案，空白行略過
func ReplayFile(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	return scan(file, handler)
}

// LastEntry 掃描檔案取得最後一筆有效項目；遇到損壞時回傳之前的最後一筆與錯誤
func LastEntry(path string) (*Entry, error) {
	var last *Entry
	err := ReplayFile(path, func(entry Entry) error {
		e := entry
		last = &e
		return nil
	})
	if err == nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, statErr
		}
	}
	return last, err
}

// repairTail 回傳最後一筆有效項目的序號；損壞的尾端會被截掉，
// 否則之後追加的項目會排在損壞行之後，重放時永遠讀不到
func repairTail(path string) (uint64, error) {
	last, err := LastEntry(path)
	if err == nil {
		if last == nil {
			return 0, nil
		}
		return last.Seq, nil
	}
	if os.IsNotExist(err) {
		return 0, nil
	}

	offset, ok := corruptOffset(err)
	if !ok {
		return 0, fmt.Errorf("read journal tail: %w", err)
	}
	if err := TruncateFile(path, offset); err != nil {
		return 0, err
	}

	var seq uint64
	if last != nil {
		seq = last.Seq
	}
	log.Warn("Journal tail corrupted, truncated after last good entry", "path", path, "offset", offset, "seq", seq, "error", err)
	return seq, nil
}

// TruncateFile 將 journal 截斷到 offset 並 fsync
func TruncateFile(path string, offset int64) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open journal for truncate: %w", err)
	}
	defer file.Close()

	if err := file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate journal at %d: %w", offset, err)
	}
	return file.Sync()
}

func corruptOffset(err error) (int64, bool) {
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return ce.Offset, true
	}
	var cks *ChecksumError
	if errors.As(err, &cks) {
		return cks.Offset, true
	}
	return 0, false
}

// Dump 以人類可讀格式輸出每一筆項目
func Dump(path string, w io.Writer) error {
	return ReplayFile(path, func(entry Entry) error {
		at := time.UnixMilli(entry.Timestamp).UTC().Format(time.RFC3339)
		_, err := fmt.Fprintf(w, "[Seq:%d] %s at %s (checksum:0x%08x) %s\n", entry.Seq, entry.Type, at, entry.Checksum, entry.Data)
		return err
	})
}

func scan(r io.Reader, handler Handler) error {
	reader := bufio.NewReader(r)
	var (
		offset int64
		line   int
	)

	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			start := offset
			offset += int64(len(raw))

			if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
				var entry Entry
				if err := json.Unmarshal(trimmed, &entry); err != nil {
					return &CorruptionError{Line: line, Offset: start, Cause: err}
				}
				if err := Verify(entry); err != nil {
					var cks *ChecksumError
					if errors.As(err, &cks) {
						cks.Offset = start
					}
					return err
				}
				if err := handler(entry); err != nil {
					return err
				}
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
