// ============================================================================
// 錯誤對話框決策
// ============================================================================
//
// Package: internal/dialog
// 文件: dialog.go
// 功能: 依錯誤碼與可用磁碟數決定要顯示的對話框與按鈕
//
// 決策表:
//   DS-038 磁碟警告  - 單一磁碟: [GoAhead]         多磁碟: [GoAhead, Cancel]
//   DS-039 磁碟嚴重  - 單一磁碟: [Ok]              多磁碟: [GoAhead, Cancel]
//   CS-001 已存在    - [Proceed, Cancel]
//   其他            - [Retry, Ok]
//
// 只產生決策，不負責呈現。
//
// ============================================================================

package dialog

import (
	"strings"

	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// Kind 對話框種類
type Kind string

const (
	KindGenericError Kind = "error"
	KindDiskWarning  Kind = "disk-warning"
	KindDiskCritical Kind = "disk-critical"
	KindOverwrite    Kind = "overwrite"
	KindConsent      Kind = "blur-consent"
)

// Button 對話框按鈕
type Button string

const (
	ButtonGoAhead Button = "Go ahead"
	ButtonCancel  Button = "Cancel"
	ButtonOk      Button = "Ok"
	ButtonRetry   Button = "Retry"
	ButtonProceed Button = "Proceed"
	ButtonAccept  Button = "Accept"
)

// Dialog 要顯示的對話框
type Dialog struct {
	Kind    Kind     `json:"kind"`
	Code    string   `json:"code,omitempty"`
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons"`
}

// HasButton 是否含有指定按鈕
func (d Dialog) HasButton(b Button) bool {
	for _, candidate := range d.Buttons {
		if candidate == b {
			return true
		}
	}
	return false
}

// ForErrors 根據後端錯誤與可用磁碟數決定對話框
//
// 領域錯誤碼優先於一般錯誤；多個一般錯誤的文字以換行串接。
func ForErrors(errs []types.BackendError, disks int) Dialog {
	for _, be := range errs {
		switch be.Code {
		case CodeDiskWarning:
			d := Dialog{Kind: KindDiskWarning, Code: be.Code, Text: Translate(be)}
			if disks <= 1 {
				d.Buttons = []Button{ButtonGoAhead}
			} else {
				d.Buttons = []Button{ButtonGoAhead, ButtonCancel}
			}
			return d

		case CodeDiskCritical:
			d := Dialog{Kind: KindDiskCritical, Code: be.Code, Text: Translate(be)}
			if disks <= 1 {
				d.Buttons = []Button{ButtonOk}
			} else {
				d.Buttons = []Button{ButtonGoAhead, ButtonCancel}
			}
			return d

		case CodeAlreadyExists:
			return Overwrite(be)
		}
	}

	return Generic(errs)
}

// Overwrite 同名覆寫確認
func Overwrite(be types.BackendError) Dialog {
	return Dialog{
		Kind:    KindOverwrite,
		Code:    be.Code,
		Text:    Translate(be),
		Buttons: []Button{ButtonProceed, ButtonCancel},
	}
}

// Generic 一般錯誤
func Generic(errs []types.BackendError) Dialog {
	d := Dialog{Kind: KindGenericError, Buttons: []Button{ButtonRetry, ButtonOk}}
	lines := make([]string, 0, len(errs))
	for _, be := range errs {
		lines = append(lines, Translate(be))
	}
	if len(errs) > 0 {
		d.Code = errs[0].Code
	}
	d.Text = strings.Join(lines, "\n")
	return d
}

// Transport 傳輸層失敗的一般錯誤
func Transport(err error) Dialog {
	return Dialog{
		Kind:    KindGenericError,
		Text:    err.Error(),
		Buttons: []Button{ButtonRetry, ButtonOk},
	}
}

// Consent 模糊化同意的再次確認
func Consent() Dialog {
	return Dialog{
		Kind:    KindConsent,
		Text:    "Turning off blur records faces and licence plates. Confirm that you have consent.",
		Buttons: []Button{ButtonAccept, ButtonCancel},
	}
}
