package journal

// ============================================================================
// Journal 測試檔案
// 職責：驗證追加、重放、校驗、旋轉與狀態還原
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/autocapture-core/internal/dialog"
	"github.com/ChuLiYu/autocapture-core/internal/store"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

func openTemp(t *testing.T, opts Options) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal", "events.jsonl"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func collect(t *testing.T, j *Journal) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, j.Replay(func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

// TestAppendAndReplay 測試追加與重放
func TestAppendAndReplay(t *testing.T) {
	j := openTemp(t, Options{SyncOnAppend: true})

	seq, err := j.Append("path_progress", []byte(`{"pathId":"p1", "completed":50}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	_, err = j.Append("dialog_closed", nil)
	require.NoError(t, err)
	_, err = j.Append("error_raised", []byte(`{"op":"abort","message":"<html> & co"}`))
	require.NoError(t, err)

	entries := collect(t, j)
	require.Len(t, entries, 3)
	assert.Equal(t, "path_progress", entries[0].Type)
	assert.JSONEq(t, `{"pathId":"p1","completed":50}`, string(entries[0].Data))
	assert.Equal(t, "null", string(entries[1].Data))
	assert.Contains(t, string(entries[2].Data), "<html> & co")
	assert.Equal(t, uint64(3), j.LastSeq())

	_, err = j.Append("bad", []byte("{"))
	assert.Error(t, err)
}

// TestReopenContinuesSeq 重新開啟後序號延續
func TestReopenContinuesSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := j.Append("dialog_closed", []byte("{}"))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	j, err = Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(3), j.LastSeq())

	seq, err := j.Append("dialog_closed", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

// TestChecksumMismatch 竄改內容
func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = j.Append("path_progress", []byte(`{"pathId":"p1","completed":10}`))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes.Replace(raw, []byte(`"completed":10`), []byte(`"completed":99`), 1), 0o644))

	err = ReplayFile(path, func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
}

// TestCorruptedTail 不完整的最後一行
func TestCorruptedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = j.Append("dialog_closed", []byte("{}"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"dia`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = ReplayFile(path, func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupted)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Line)

	last, err := LastEntry(path)
	assert.Error(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(1), last.Seq)

	j, err = Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(1), j.LastSeq())
}

// TestAppendAfterCorruptedTail 重新開啟時截掉不完整的行，之後的追加都能重放
func TestAppendAfterCorruptedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	rec := NewRecorder(j)
	require.NoError(t, rec.Record(store.NotificationReceived{Notification: types.Notification{ID: "a", Code: dialog.CodeAutoStop}}))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"dia`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err = Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, NewRecorder(j).Record(store.NotificationReceived{Notification: types.Notification{ID: "b", Code: dialog.CodeAutoStop}}))
	require.NoError(t, j.Close())

	restored, applied, err := Restore(path)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	require.Len(t, restored.Notifications, 2)
	assert.Equal(t, "a", restored.Notifications[0].ID)
	assert.Equal(t, "b", restored.Notifications[1].ID)

	last, err := LastEntry(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last.Seq)
}

// TestOpenTruncatesChecksumMismatch 校驗失敗的項目與其後的內容一併截掉
func TestOpenTruncatesChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = j.Append("path_progress", []byte(`{"pathId":"p1","completed":5}`))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	good, err := os.Stat(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"path_progress","timestamp":0,"data":{},"checksum":1}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var cks *ChecksumError
	require.True(t, errors.As(ReplayFile(path, func(Entry) error { return nil }), &cks))
	assert.Equal(t, good.Size(), cks.Offset)

	j, err = Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(1), j.LastSeq())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, good.Size(), info.Size())
}

// TestCompact 壓縮後只剩一筆，序號繼續遞增
func TestCompact(t *testing.T) {
	j := openTemp(t, Options{BufferSize: 10})
	for i := 0; i < 3; i++ {
		_, err := j.Append("dialog_closed", []byte("{}"))
		require.NoError(t, err)
	}

	seq, err := j.Compact("path_progress", []byte(`{"pathId":"p1", "completed":7}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	entries := collect(t, j)
	require.Len(t, entries, 1)
	assert.Equal(t, "path_progress", entries[0].Type)
	assert.JSONEq(t, `{"pathId":"p1","completed":7}`, string(entries[0].Data))

	seq, err = j.Append("dialog_closed", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
	assert.Len(t, collect(t, j), 2)

	_, err = os.Stat(j.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file removed by rename")
}

// TestRotate 旋轉後保留舊檔並重新編號
func TestRotate(t *testing.T) {
	j := openTemp(t, Options{})
	_, err := j.Append("dialog_closed", []byte("{}"))
	require.NoError(t, err)

	backup, err := j.Rotate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(backup, j.Path()+"."))

	var old []Entry
	require.NoError(t, ReplayFile(backup, func(e Entry) error {
		old = append(old, e)
		return nil
	}))
	assert.Len(t, old, 1)
	assert.Empty(t, collect(t, j))

	seq, err := j.Append("dialog_closed", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

// TestBufferedAppend 緩衝的項目在重放前寫入
func TestBufferedAppend(t *testing.T) {
	j := openTemp(t, Options{BufferSize: 10})
	for i := 0; i < 3; i++ {
		_, err := j.Append("dialog_closed", []byte("{}"))
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(j.Path())
	require.NoError(t, err)
	assert.Empty(t, raw, "entries still buffered")

	assert.Len(t, collect(t, j), 3)
}

// TestClosed 關閉後不可再寫入
func TestClosed(t *testing.T) {
	j := openTemp(t, Options{})
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err := j.Append("dialog_closed", []byte("{}"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = j.Rotate()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, j.Flush(), ErrClosed)
}

func TestDump(t *testing.T) {
	j := openTemp(t, Options{})
	_, err := j.Append("path_progress", []byte(`{"pathId":"p1","completed":5}`))
	require.NoError(t, err)
	require.NoError(t, j.Flush())

	var buf bytes.Buffer
	require.NoError(t, Dump(j.Path(), &buf))
	assert.Contains(t, buf.String(), "[Seq:1] path_progress")
	assert.Contains(t, buf.String(), `{"pathId":"p1","completed":5}`)
}

func TestReplayMissingFile(t *testing.T) {
	assert.NoError(t, ReplayFile(filepath.Join(t.TempDir(), "none"), func(Entry) error { return nil }))
}

// TestRecorderRestore store 事件寫入 journal 後還原
func TestRecorderRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)

	st := store.New(store.WithRecorder(NewRecorder(j)))
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = st.Run(ctx)
	}()

	settings := types.PathSettings{Camera: types.CameraSettings{Enable: types.CameraOff}, Collection: types.CollectionOneWay}
	events := []store.Event{
		store.PolygonsLoaded{Polygons: []types.Polygon{
			{ID: "c1", Shape: types.ShapeCorridor, Paths: []types.Path{{ID: "p1", Settings: settings}}},
			{ID: "c2", Shape: types.ShapeCorridor, Paths: []types.Path{{ID: "p2", Settings: settings}}},
			{ID: "a1", Shape: types.ShapeArea, Coordinates: []types.Coordinate{{Lat: 1, Lng: 2}}},
		}},
		store.UncoveredReordered{Order: []string{"p2", "p1"}},
		store.PathProgress{PathID: "p1", Completed: 100},
		store.SocketStateChanged{Channel: types.ChannelRouting, Connected: true},
		store.NotificationReceived{Notification: types.Notification{ID: "n1", Code: dialog.CodeAutoStop, P1: "5"}},
		store.DialogOpened{Dialog: dialog.Consent()},
	}
	for _, ev := range events {
		require.NoError(t, st.Dispatch(ev))
	}
	live := st.Snapshot()
	cancel()
	wg.Wait()
	require.NoError(t, j.Close())

	restored, applied, err := Restore(path)
	require.NoError(t, err)
	assert.Equal(t, 4, applied)
	assert.Equal(t, store.UncoveredOrder(live), store.UncoveredOrder(restored))
	assert.Equal(t, []string{"p2"}, store.UncoveredOrder(restored))
	assert.Equal(t, live.Notifications, restored.Notifications)
	assert.Equal(t, types.ShapeArea, restored.Polygons[2].Shape)
	assert.False(t, store.Connected(restored, types.ChannelRouting), "connection state is not restored")
	assert.Nil(t, restored.Dialog)
}

func TestRestoreUnknownEvent(t *testing.T) {
	j := openTemp(t, Options{})
	_, err := j.Append("from_the_future", []byte("{}"))
	require.NoError(t, err)
	require.NoError(t, j.Flush())

	_, _, err = Restore(j.Path())
	assert.ErrorIs(t, err, store.ErrUnknownEvent)
}

// TestRecorderSkipsTransient 連線、流程與對話框事件不寫入
func TestRecorderSkipsTransient(t *testing.T) {
	j := openTemp(t, Options{})
	rec := NewRecorder(j)

	require.NoError(t, rec.Record(store.SocketStateChanged{Channel: types.ChannelRouting, Connected: true}))
	require.NoError(t, rec.Record(store.ActionProgressed{Key: "recording", Gen: 1, Action: types.Action{Status: types.ActionProgress}}))
	require.NoError(t, rec.Record(store.ActionCleared{Key: "recording", Gen: 2}))
	require.NoError(t, rec.Record(store.DialogOpened{Dialog: dialog.Consent()}))
	require.NoError(t, rec.Record(store.DialogClosed{}))
	require.NoError(t, rec.Record(store.PathProgress{PathID: "p1", Completed: 10}))

	entries := collect(t, j)
	require.Len(t, entries, 1)
	assert.Equal(t, "path_progress", entries[0].Type)
}

// TestRecorderCompactEvery 達到門檻後以檢查點取代 journal，還原結果不變
func TestRecorderCompactEvery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path, Options{})
	require.NoError(t, err)

	st := store.New(store.WithRecorder(NewRecorder(j, WithCompactEvery(5))))
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = st.Run(ctx)
	}()

	settings := types.PathSettings{Camera: types.CameraSettings{Enable: types.CameraOff}, Collection: types.CollectionOneWay}
	var polygons []types.Polygon
	for _, id := range []string{"p1", "p2", "p3"} {
		polygons = append(polygons, types.Polygon{ID: "c-" + id, Shape: types.ShapeCorridor, Paths: []types.Path{{ID: id, Settings: settings}}})
	}
	require.NoError(t, st.Dispatch(store.PolygonsLoaded{Polygons: polygons}))
	require.NoError(t, st.Dispatch(store.UncoveredReordered{Order: []string{"p3", "p2", "p1"}}))
	for i := 1; i <= 20; i++ {
		require.NoError(t, st.Dispatch(store.PathProgress{PathID: "p1", Completed: float64(i)}))
		require.NoError(t, st.Dispatch(store.SocketStateChanged{Channel: types.ChannelRouting, Connected: i%2 == 0}))
	}
	require.NoError(t, st.Dispatch(store.NotificationReceived{Notification: types.Notification{ID: "n1", Code: dialog.CodeAutoStop, P1: "2"}}))
	live := st.Snapshot()
	cancel()
	wg.Wait()
	require.NoError(t, j.Close())

	var entries []Entry
	require.NoError(t, ReplayFile(path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}))
	// 23 筆持久事件，每 5 筆壓縮一次：檢查點加上最後 3 筆
	require.Len(t, entries, 4)
	assert.Equal(t, store.StateCheckpointed{}.Kind(), entries[0].Type)
	assert.Equal(t, uint64(23+4), entries[len(entries)-1].Seq)

	restored, _, err := Restore(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p2", "p1"}, store.UncoveredOrder(restored))
	assert.Equal(t, store.UncoveredOrder(live), store.UncoveredOrder(restored))
	p, ok := store.UncoveredPath(restored, "p1")
	require.True(t, ok)
	assert.Equal(t, float64(20), p.Completed)
	assert.Equal(t, live.Notifications, restored.Notifications)
}
