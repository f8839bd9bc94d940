package autocapture

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/autocapture-core/internal/action"
	"github.com/ChuLiYu/autocapture-core/internal/coverage"
	"github.com/ChuLiYu/autocapture-core/internal/devicesim"
	"github.com/ChuLiYu/autocapture-core/internal/dialog"
	"github.com/ChuLiYu/autocapture-core/internal/store"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// ============================================================================
// 測試環境
// ============================================================================

type countingObserver struct {
	mu        sync.Mutex
	ticks     map[string]int
	outcomes  map[string]string
	rollbacks map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{ticks: map[string]int{}, outcomes: map[string]string{}, rollbacks: map[string]int{}}
}

func (o *countingObserver) ActionTick(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks[op]++
}

func (o *countingObserver) ActionFinished(op, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[op] = outcome
}

func (o *countingObserver) Rollback(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rollbacks[op]++
}

func (o *countingObserver) outcome(op string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[op]
}

type harness struct {
	sim   *devicesim.Sim
	store *store.Store
	coord *Coordinator
	obs   *countingObserver
}

func areaWithPath() types.Polygon {
	return types.Polygon{
		ID:    "area-lot",
		Shape: types.ShapeArea,
		Paths: []types.Path{{ID: "lot-1", Settings: types.PathSettings{Camera: types.CameraSettings{Enable: types.CameraOff}, Collection: types.CollectionOneWay}}},
	}
}

func setup(t *testing.T, opts ...Option) *harness {
	t.Helper()

	sim := devicesim.New()
	sim.SetPolygons(append(devicesim.SamplePolygons(), areaWithPath()))
	srv := httptest.NewServer(sim.Router())
	t.Cleanup(srv.Close)

	st := store.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = st.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := action.NewClient(srv.URL, nil)
	obs := newCountingObserver()
	opts = append([]Option{WithInterval(5 * time.Millisecond), WithObserver(obs)}, opts...)
	coord := New(NewRESTAPI(client), client, st, opts...)
	t.Cleanup(coord.Stop)

	require.NoError(t, coord.Load(context.Background()))
	return &harness{sim: sim, store: st, coord: coord, obs: obs}
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not finish")
		return nil
	}
}

func answer(b dialog.Button, seen *[]dialog.Dialog) Confirm {
	var mu sync.Mutex
	return func(_ context.Context, d dialog.Dialog) (dialog.Button, error) {
		mu.Lock()
		defer mu.Unlock()
		*seen = append(*seen, d)
		return b, nil
	}
}

func diskError(code string) types.Action {
	return types.Action{Status: types.ActionError, Errors: []types.BackendError{{Code: code, P1: "sda", P2: "2 GB"}}}
}

var doneStep = types.Action{Status: types.ActionDone, Progress: 100}

// ============================================================================
// 重排與設定
// ============================================================================

func TestLoad(t *testing.T) {
	h := setup(t)
	assert.Equal(t, []string{"main-street", "station-lane"}, store.UncoveredOrder(h.store.Snapshot()))
}

func TestReorder_Persists(t *testing.T) {
	h := setup(t)

	order, err := h.coord.Reorder(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"station-lane", "main-street"}, order)
	assert.Equal(t, order, store.UncoveredOrder(h.store.Snapshot()))
	assert.Equal(t, order, h.sim.Order())
}

func TestReorder_RollsBackOnFailure(t *testing.T) {
	h := setup(t)
	h.sim.FailNext(http.MethodPut, "/autocapture/paths", http.StatusInternalServerError)

	order, err := h.coord.Reorder(context.Background(), 0, 1)
	require.Error(t, err)

	var httpErr *action.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)

	snap := h.store.Snapshot()
	assert.Equal(t, []string{"main-street", "station-lane"}, order)
	assert.Equal(t, order, store.UncoveredOrder(snap))

	last, ok := store.LastError(snap)
	require.True(t, ok)
	assert.Equal(t, "reorder", last.Op)
	assert.Equal(t, 1, h.obs.rollbacks["reorder"])
}

func TestReorder_OutOfRange(t *testing.T) {
	h := setup(t)
	_, err := h.coord.Reorder(context.Background(), 0, 5)
	assert.ErrorIs(t, err, ErrMoveOutOfRange)
	assert.Empty(t, h.sim.Calls(http.MethodPut, "/autocapture/paths"))
}

func TestMove(t *testing.T) {
	in := []string{"a", "b", "c", "d"}
	assert.Equal(t, []string{"b", "c", "a", "d"}, move(in, 0, 2))
	assert.Equal(t, []string{"d", "a", "b", "c"}, move(in, 3, 0))
	assert.Equal(t, []string{"a", "b", "c", "d"}, move(in, 1, 1))
	assert.Equal(t, []string{"a", "b", "c", "d"}, in, "input untouched")
}

func timeSettings() types.PathSettings {
	return types.PathSettings{
		Camera:     types.CameraSettings{Enable: types.CameraTime, Elapse: 2, Blur: true},
		Scanner:    types.ScannerSettings{Range: 20, Spacing: 1},
		Collection: types.CollectionBothWays,
	}
}

func TestUpdateSettings_ReselectsPath(t *testing.T) {
	h := setup(t)
	settings := timeSettings()

	path, err := h.coord.UpdateSettings(context.Background(), "station-lane", settings)
	require.NoError(t, err)
	assert.Equal(t, "station-lane", path.ID)
	assert.Equal(t, settings, path.Settings)

	poly, ok := store.Polygon(h.store.Snapshot(), "station-lane")
	require.True(t, ok)
	assert.Equal(t, settings, poly.Paths[0].Settings)

	pi, pj, ok := coverage.FindPath(h.sim.Polygons(), "station-lane")
	require.True(t, ok)
	assert.Equal(t, settings, h.sim.Polygons()[pi].Paths[pj].Settings)
}

func TestUpdateSettings_RollsBackOnFailure(t *testing.T) {
	h := setup(t)
	before, _ := store.UncoveredPath(h.store.Snapshot(), "main-street")
	h.sim.FailNext(http.MethodPut, "/autocapture/paths/main-street/settings", http.StatusBadGateway)

	_, err := h.coord.UpdateSettings(context.Background(), "main-street", timeSettings())
	require.Error(t, err)

	after, ok := store.UncoveredPath(h.store.Snapshot(), "main-street")
	require.True(t, ok)
	assert.Equal(t, before.Settings, after.Settings)
	assert.Equal(t, 1, h.obs.rollbacks["settings"])
}

func TestUpdateSettings_Guards(t *testing.T) {
	h := setup(t)

	_, err := h.coord.UpdateSettings(context.Background(), "lot-1", timeSettings())
	assert.ErrorIs(t, err, coverage.ErrAreaShape)

	_, err = h.coord.UpdateSettings(context.Background(), "ghost", timeSettings())
	assert.ErrorIs(t, err, coverage.ErrPathNotFound)

	_, err = h.coord.UpdateSettings(context.Background(), "main-street", types.PathSettings{Camera: types.CameraSettings{Enable: types.CameraDistance}})
	assert.Error(t, err)

	assert.Empty(t, h.sim.Calls(http.MethodPut, ""))
}

type fakeGate struct {
	prompt   bool
	accepted []time.Time
}

func (g *fakeGate) SetBlur(_ context.Context, enabled bool) (bool, error) {
	return !enabled && g.prompt, nil
}

func (g *fakeGate) Accept(now time.Time) error {
	g.accepted = append(g.accepted, now)
	g.prompt = false
	return nil
}

func blurOff() types.PathSettings {
	s := timeSettings()
	s.Camera.Blur = false
	return s
}

func TestUpdateSettings_BlurConsent(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("accepted", func(t *testing.T) {
		gate := &fakeGate{prompt: true}
		var seen []dialog.Dialog
		h := setup(t, WithConsent(gate, answer(dialog.ButtonAccept, &seen)), WithClock(func() time.Time { return now }))

		_, err := h.coord.UpdateSettings(context.Background(), "main-street", blurOff())
		require.NoError(t, err)
		require.Len(t, seen, 1)
		assert.Equal(t, dialog.KindConsent, seen[0].Kind)
		assert.Equal(t, []time.Time{now}, gate.accepted)
		assert.Nil(t, h.store.Snapshot().Dialog)
	})

	t.Run("declined", func(t *testing.T) {
		gate := &fakeGate{prompt: true}
		var seen []dialog.Dialog
		h := setup(t, WithConsent(gate, answer(dialog.ButtonCancel, &seen)))

		_, err := h.coord.UpdateSettings(context.Background(), "main-street", blurOff())
		assert.ErrorIs(t, err, ErrConsentDeclined)
		assert.Empty(t, gate.accepted)
		assert.Empty(t, h.sim.Calls(http.MethodPut, "/autocapture/paths/main-street/settings"))
	})

	t.Run("no confirmer leaves the dialog open", func(t *testing.T) {
		h := setup(t, WithConsent(&fakeGate{prompt: true}, nil))

		_, err := h.coord.UpdateSettings(context.Background(), "main-street", blurOff())
		assert.ErrorIs(t, err, ErrConsentRequired)
		d := h.store.Snapshot().Dialog
		require.NotNil(t, d)
		assert.Equal(t, dialog.KindConsent, d.Kind)
	})

	t.Run("recent consent", func(t *testing.T) {
		var seen []dialog.Dialog
		h := setup(t, WithConsent(&fakeGate{}, answer(dialog.ButtonAccept, &seen)))

		_, err := h.coord.UpdateSettings(context.Background(), "main-street", blurOff())
		require.NoError(t, err)
		assert.Empty(t, seen)
	})
}

func TestAbort(t *testing.T) {
	h := setup(t)
	require.NoError(t, h.coord.Abort(context.Background()))
	assert.Len(t, h.sim.Calls(http.MethodPost, "/autocapture/abort"), 1)

	h.sim.FailNext(http.MethodPost, "/autocapture/abort", http.StatusServiceUnavailable)
	require.Error(t, h.coord.Abort(context.Background()))
	last, ok := store.LastError(h.store.Snapshot())
	require.True(t, ok)
	assert.Equal(t, "abort", last.Op)
	assert.Nil(t, h.store.Snapshot().Dialog, "abort failures never open a dialog")
}

// ============================================================================
// 長時間操作流程
// ============================================================================

func TestStartRecording_Completes(t *testing.T) {
	h := setup(t)
	h.sim.Script(OpRecording,
		types.Action{Status: types.ActionPending},
		types.Action{Status: types.ActionProgress, Progress: 30},
		types.Action{Status: types.ActionProgress, Progress: 60},
		doneStep,
	)

	require.NoError(t, wait(t, h.coord.StartRecording(context.Background(), 1, nil)))

	entry, ok := h.coord.Progress(KeyRecording)
	require.True(t, ok)
	assert.False(t, entry.Active)
	assert.Equal(t, types.ActionDone, entry.Action.Status)
	assert.Equal(t, OutcomeDone, h.obs.outcome(OpRecording))
	assert.GreaterOrEqual(t, h.obs.ticks[OpRecording], 3)
}

func TestStartRecording_DiskWarningSingleDisk(t *testing.T) {
	h := setup(t)
	h.sim.Script(OpRecording, diskError(dialog.CodeDiskWarning))
	h.sim.Script(OpRecording, types.Action{Status: types.ActionProgress}, doneStep)

	var seen []dialog.Dialog
	require.NoError(t, wait(t, h.coord.StartRecording(context.Background(), 1, answer(dialog.ButtonGoAhead, &seen))))

	require.Len(t, seen, 1)
	assert.Equal(t, dialog.KindDiskWarning, seen[0].Kind)
	assert.Equal(t, []dialog.Button{dialog.ButtonGoAhead}, seen[0].Buttons)
	assert.Equal(t, "Disk sda is almost full (2 GB remaining).", seen[0].Text)

	starts := h.sim.Calls(http.MethodPost, "/"+OpRecording)
	require.Len(t, starts, 2)
	var req RecordingRequest
	require.NoError(t, json.Unmarshal(starts[1].Body, &req))
	assert.True(t, req.Force)
	assert.Nil(t, h.store.Snapshot().Dialog)
}

func TestStartRecording_DiskWarningTwoDisks(t *testing.T) {
	h := setup(t)
	h.sim.Script(OpRecording, diskError(dialog.CodeDiskWarning))

	var seen []dialog.Dialog
	err := wait(t, h.coord.StartRecording(context.Background(), 2, answer(dialog.ButtonCancel, &seen)))
	assert.ErrorIs(t, err, ErrRecordingDeclined)

	require.Len(t, seen, 1)
	assert.Equal(t, []dialog.Button{dialog.ButtonGoAhead, dialog.ButtonCancel}, seen[0].Buttons)
	assert.Len(t, h.sim.Calls(http.MethodPost, "/"+OpRecording), 1)
}

func TestStartRecording_DiskCriticalWithoutConfirmer(t *testing.T) {
	h := setup(t)
	h.sim.Script(OpRecording, diskError(dialog.CodeDiskCritical))

	err := wait(t, h.coord.StartRecording(context.Background(), 1, nil))
	ae, ok := action.AsActionError(err)
	require.True(t, ok)
	assert.True(t, ae.Has(dialog.CodeDiskCritical))

	d := h.store.Snapshot().Dialog
	require.NotNil(t, d)
	assert.Equal(t, dialog.KindDiskCritical, d.Kind)
	assert.Equal(t, []dialog.Button{dialog.ButtonOk}, d.Buttons)
}

func TestStartRecording_TransportFailureGoesToErrorChannel(t *testing.T) {
	h := setup(t)
	h.sim.FailNext(http.MethodPost, "/"+OpRecording, http.StatusInternalServerError)

	err := wait(t, h.coord.StartRecording(context.Background(), 1, nil))
	require.Error(t, err)

	snap := h.store.Snapshot()
	last, ok := store.LastError(snap)
	require.True(t, ok)
	assert.Equal(t, OpRecording, last.Op)
	assert.Nil(t, snap.Dialog)
	assert.Equal(t, OutcomeTransport, h.obs.outcome(OpRecording))
}

func TestAbortRecording_DiscardsLaterTicks(t *testing.T) {
	h := setup(t)
	h.sim.Script(OpRecording, types.Action{Status: types.ActionProgress, Progress: 10})

	result := h.coord.StartRecording(context.Background(), 1, nil)
	require.Eventually(t, func() bool {
		entry, ok := h.coord.Progress(KeyRecording)
		return ok && entry.Active
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.coord.AbortRecording(context.Background()))
	assert.ErrorIs(t, wait(t, result), context.Canceled)

	time.Sleep(30 * time.Millisecond)
	entry, _ := h.coord.Progress(KeyRecording)
	assert.False(t, entry.Active)
	assert.Equal(t, types.Action{}, entry.Action)
	assert.Len(t, h.sim.Calls(http.MethodPost, "/"+OpRecording+"/abort"), 1)
	assert.Nil(t, h.store.Snapshot().Dialog)
}

func TestStartRecording_TakeLatest(t *testing.T) {
	h := setup(t)
	// 兩個腳本都會完成，無論哪個循環先取到
	h.sim.Script(OpRecording, types.Action{Status: types.ActionProgress}, doneStep)
	h.sim.Script(OpRecording, types.Action{Status: types.ActionProgress}, doneStep)

	first := h.coord.StartRecording(context.Background(), 1, nil)
	second := h.coord.StartRecording(context.Background(), 1, nil)

	assert.ErrorIs(t, wait(t, first), context.Canceled)
	assert.NoError(t, wait(t, second))
}

func TestActivate_SwallowsInfoErrors(t *testing.T) {
	h := setup(t)
	h.sim.Script(OpActivation,
		types.Action{Status: types.ActionProgress},
		types.Action{Status: types.ActionProgress, Progress: 50},
		doneStep,
	)
	h.sim.FailNext(http.MethodGet, "/"+OpActivation, http.StatusServiceUnavailable)

	require.NoError(t, wait(t, h.coord.Activate(context.Background())))

	snap := h.store.Snapshot()
	_, raised := store.LastError(snap)
	assert.False(t, raised)
	assert.Nil(t, snap.Dialog)
}

func TestAbortActivation(t *testing.T) {
	h := setup(t)
	h.sim.Script(OpActivation, types.Action{Status: types.ActionProgress})

	result := h.coord.Activate(context.Background())
	require.Eventually(t, func() bool {
		return len(h.sim.Calls(http.MethodGet, "/"+OpActivation)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.coord.AbortActivation(context.Background()))
	assert.ErrorIs(t, wait(t, result), context.Canceled)
	assert.Equal(t, OutcomeCanceled, h.obs.outcome(OpActivation))
}

func TestImportCoordinateSystem_Overwrite(t *testing.T) {
	exists := types.Action{Status: types.ActionError, Errors: []types.BackendError{{Code: dialog.CodeAlreadyExists, P1: "ETRS89"}}}

	t.Run("proceed", func(t *testing.T) {
		h := setup(t)
		h.sim.Script(OpImport, exists)
		h.sim.Script(OpImport, types.Action{Status: types.ActionProgress}, doneStep)

		var seen []dialog.Dialog
		require.NoError(t, wait(t, h.coord.ImportCoordinateSystem(context.Background(), "ETRS89", answer(dialog.ButtonProceed, &seen))))

		require.Len(t, seen, 1)
		assert.Equal(t, dialog.KindOverwrite, seen[0].Kind)

		starts := h.sim.Calls(http.MethodPost, "/"+OpImport)
		require.Len(t, starts, 2)
		var req ImportRequest
		require.NoError(t, json.Unmarshal(starts[1].Body, &req))
		assert.Equal(t, ImportRequest{Name: "ETRS89", Overwrite: true}, req)
	})

	t.Run("cancel", func(t *testing.T) {
		h := setup(t)
		h.sim.Script(OpImport, exists)

		var seen []dialog.Dialog
		err := wait(t, h.coord.ImportCoordinateSystem(context.Background(), "ETRS89", answer(dialog.ButtonCancel, &seen)))
		assert.ErrorIs(t, err, ErrImportCanceled)
		assert.Len(t, h.sim.Calls(http.MethodPost, "/"+OpImport), 1)
		assert.Nil(t, h.store.Snapshot().Dialog)
	})

	t.Run("other errors are generic", func(t *testing.T) {
		h := setup(t)
		h.sim.Script(OpImport, types.Action{Status: types.ActionError, Errors: []types.BackendError{{Code: "CS-404", Description: "Unknown datum"}}})

		var seen []dialog.Dialog
		err := wait(t, h.coord.ImportCoordinateSystem(context.Background(), "X", answer(dialog.ButtonProceed, &seen)))
		require.Error(t, err)
		assert.Empty(t, seen)

		d := h.store.Snapshot().Dialog
		require.NotNil(t, d)
		assert.Equal(t, dialog.KindGenericError, d.Kind)
		assert.Equal(t, "Unknown datum", d.Text)
	})
}

func TestUpdateFirmware_FailureDialog(t *testing.T) {
	h := setup(t)
	h.sim.Script(OpFirmware,
		types.Action{Status: types.ActionProgress, Progress: 10},
		types.Action{Status: types.ActionError, Errors: []types.BackendError{{Code: dialog.CodeFirmwareFailed, P1: "bad checksum"}}},
	)

	err := wait(t, h.coord.UpdateFirmware(context.Background(), "fw-2.4.1.bin"))
	require.Error(t, err)

	snap := h.store.Snapshot()
	require.NotNil(t, snap.Dialog)
	assert.Equal(t, dialog.CodeFirmwareFailed, snap.Dialog.Code)
	assert.Equal(t, "Firmware update failed: bad checksum", snap.Dialog.Text)

	entry, ok := store.ActionState(snap, KeyFirmware)
	require.True(t, ok)
	assert.Equal(t, types.ActionError, entry.Action.Status)
	assert.False(t, entry.Active)

	starts := h.sim.Calls(http.MethodPost, "/"+OpFirmware)
	require.Len(t, starts, 1)
	var req FirmwareRequest
	require.NoError(t, json.Unmarshal(starts[0].Body, &req))
	assert.Equal(t, "fw-2.4.1.bin", req.File)
}
