// ============================================================================
// 長時間操作流程
// ============================================================================
//
// 每個流程以 action.Runner 的 key 執行（takeLatest），進度以世代號寫入 store。
//
//   流程          key          triad
//   錄製          recording    recording/start
//   啟動對齊      activation   autocapture/activation   (info 錯誤不回報)
//   座標系統匯入  import       coordinates/import       (CS-001 → 覆寫確認)
//   韌體更新      firmware     firmware/update          (UPD-101 → 對話框)
//
// 中止:
//   Runner.Cancel 取得新世代號 → ActionCleared → 單次 abort 呼叫。
//   不等待輪詢循環，舊世代的進度由 store 丟棄。
//
// ============================================================================

package autocapture

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/autocapture-core/internal/action"
	"github.com/ChuLiYu/autocapture-core/internal/dialog"
	"github.com/ChuLiYu/autocapture-core/internal/store"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// Runner key
const (
	KeyRecording  = "recording"
	KeyActivation = "activation"
	KeyImport     = "import"
	KeyFirmware   = "firmware"
)

// 後端操作
const (
	OpRecording  = "recording/start"
	OpActivation = "autocapture/activation"
	OpImport     = "coordinates/import"
	OpFirmware   = "firmware/update"
)

// 流程結果
const (
	OutcomeDone      = "done"
	OutcomeError     = "error"
	OutcomeCanceled  = "canceled"
	OutcomeTransport = "transport"
)

var (
	// ErrImportCanceled 使用者取消覆寫既有座標系統
	ErrImportCanceled = errors.New("autocapture: coordinate system import canceled")
	// ErrRecordingDeclined 使用者在磁碟警告時選擇不繼續
	ErrRecordingDeclined = errors.New("autocapture: recording declined")
)

// RecordingRequest recording/start 的請求內容
type RecordingRequest struct {
	Force bool `json:"force,omitempty"` // 忽略磁碟空間警告
}

// ImportRequest coordinates/import 的請求內容
type ImportRequest struct {
	Name      string `json:"name"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// FirmwareRequest firmware/update 的請求內容
type FirmwareRequest struct {
	File string `json:"file"`
}

// StartRecording 開始錄製；DS-038/DS-039 依磁碟數決定對話框
//
// confirm 為 nil 時對話框保持開啟並回傳原始錯誤。
func (c *Coordinator) StartRecording(ctx context.Context, disks int, confirm Confirm) <-chan error {
	return c.runner.Run(ctx, KeyRecording, func(ctx context.Context, gen uint64) error {
		req := RecordingRequest{}
		for {
			_, err := c.poll(ctx, KeyRecording, gen, action.Triad{Op: OpRecording, Body: req}, false)
			ae, ok := action.AsActionError(err)
			if !ok || req.Force || !(ae.Has(dialog.CodeDiskWarning) || ae.Has(dialog.CodeDiskCritical)) {
				return c.settle(ctx, OpRecording, err, disks)
			}

			d := dialog.ForErrors(ae.Errors, disks)
			if confirm == nil {
				c.dispatch(store.DialogOpened{Dialog: d})
				return err
			}
			answer, askErr := c.ask(ctx, d, confirm)
			if askErr != nil {
				return askErr
			}
			if answer != dialog.ButtonGoAhead {
				log.Info("Recording declined", "code", d.Code, "answer", answer)
				return ErrRecordingDeclined
			}
			req.Force = true
		}
	})
}

// AbortRecording 中止錄製
func (c *Coordinator) AbortRecording(ctx context.Context) error {
	return c.abortFlow(ctx, KeyRecording, OpRecording)
}

// Activate 啟動 autocapture 對齊；info 失敗視為尚未就緒
func (c *Coordinator) Activate(ctx context.Context) <-chan error {
	return c.runner.Run(ctx, KeyActivation, func(ctx context.Context, gen uint64) error {
		_, err := c.poll(ctx, KeyActivation, gen, action.Triad{Op: OpActivation}, true)
		return c.settle(ctx, OpActivation, err, 0)
	})
}

// AbortActivation 中止啟動
func (c *Coordinator) AbortActivation(ctx context.Context) error {
	return c.abortFlow(ctx, KeyActivation, OpActivation)
}

// ImportCoordinateSystem 匯入座標系統；CS-001 透過 confirm 決定是否覆寫
func (c *Coordinator) ImportCoordinateSystem(ctx context.Context, name string, confirm Confirm) <-chan error {
	return c.runner.Run(ctx, KeyImport, func(ctx context.Context, gen uint64) error {
		req := ImportRequest{Name: name}
		for {
			_, err := c.poll(ctx, KeyImport, gen, action.Triad{Op: OpImport, Body: req}, false)
			ae, ok := action.AsActionError(err)
			if !ok || req.Overwrite || !ae.Has(dialog.CodeAlreadyExists) {
				return c.settle(ctx, OpImport, err, 0)
			}

			d := dialog.ForErrors(ae.Errors, 0)
			if confirm == nil {
				c.dispatch(store.DialogOpened{Dialog: d})
				return err
			}
			answer, askErr := c.ask(ctx, d, confirm)
			if askErr != nil {
				return askErr
			}
			if answer != dialog.ButtonProceed {
				log.Info("Coordinate system import canceled", "name", name)
				return ErrImportCanceled
			}
			req.Overwrite = true
		}
	})
}

// UpdateFirmware 更新韌體
func (c *Coordinator) UpdateFirmware(ctx context.Context, file string) <-chan error {
	return c.runner.Run(ctx, KeyFirmware, func(ctx context.Context, gen uint64) error {
		_, err := c.poll(ctx, KeyFirmware, gen, action.Triad{Op: OpFirmware, Body: FirmwareRequest{File: file}}, false)
		return c.settle(ctx, OpFirmware, err, 0)
	})
}

// Progress 某個流程目前的狀態
func (c *Coordinator) Progress(key string) (store.ActionEntry, bool) {
	return store.ActionState(c.store.Snapshot(), key)
}

func (c *Coordinator) poll(ctx context.Context, key string, gen uint64, triad action.Triad, swallow bool) (types.Envelope, error) {
	env, err := action.Poll(ctx, c.proto, triad, action.Options{
		Interval:          c.interval,
		SwallowInfoErrors: swallow,
		OnProgress: func(a types.Action) {
			c.observer.ActionTick(triad.Op)
			c.dispatch(store.ActionProgressed{Key: key, Gen: gen, Action: a})
		},
	})

	// 終止狀態也寫入，讓 Active 變為 false
	if _, failed := action.AsActionError(err); ctx.Err() == nil && (err == nil || failed) {
		c.dispatch(store.ActionProgressed{Key: key, Gen: gen, Action: env.Action})
	}
	return env, err
}

// settle 把流程結果轉成對話框或一般錯誤，並回報統計
func (c *Coordinator) settle(ctx context.Context, op string, err error, disks int) error {
	switch ae, isAction := action.AsActionError(err); {
	case err == nil:
		c.observer.ActionFinished(op, OutcomeDone)
		log.Info("Action completed", "op", op)
		return nil

	case ctx.Err() != nil:
		c.observer.ActionFinished(op, OutcomeCanceled)
		log.Debug("Action canceled", "op", op)
		return err

	case isAction:
		c.observer.ActionFinished(op, OutcomeError)
		log.Warn("Action failed", "op", op, "error", err)
		c.dispatch(store.DialogOpened{Dialog: dialog.ForErrors(ae.Errors, disks)})
		return err

	default:
		c.observer.ActionFinished(op, OutcomeTransport)
		log.Error("Action transport failure", "op", op, "error", err)
		c.raise(op, err)
		return err
	}
}

func (c *Coordinator) ask(ctx context.Context, d dialog.Dialog, confirm Confirm) (dialog.Button, error) {
	c.dispatch(store.DialogOpened{Dialog: d})
	answer, err := confirm(ctx, d)
	c.dispatch(store.DialogClosed{})
	if err != nil {
		return "", fmt.Errorf("confirm %s: %w", d.Kind, err)
	}
	return answer, nil
}

func (c *Coordinator) abortFlow(ctx context.Context, key, op string) error {
	gen := c.runner.Cancel(key)
	c.dispatch(store.ActionCleared{Key: key, Gen: gen})

	if err := c.proto.Abort(ctx, op); err != nil {
		c.raise(op+"/abort", err)
		return fmt.Errorf("abort %s: %w", op, err)
	}
	log.Info("Action aborted", "op", op)
	return nil
}
