package dialog

import (
	"strings"

	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// 後端錯誤碼
const (
	CodeAlreadyExists  = "CS-001"  // 座標系統已存在
	CodeDiskWarning    = "DS-038"  // 磁碟空間不足警告
	CodeDiskCritical   = "DS-039"  // 磁碟空間嚴重不足
	CodeFirmwareFailed = "UPD-101" // 韌體更新失敗
	CodeAutoStop       = "STT-002" // 自動停止錄製倒數
)

// messages 錯誤碼對應的英文文字，{p1}..{p3} 為參數
var messages = map[string]string{
	CodeAlreadyExists:  "Coordinate system {p1} already exists. Overwrite it with the uploaded copy?",
	CodeDiskWarning:    "Disk {p1} is almost full ({p2} remaining).",
	CodeDiskCritical:   "Disk {p1} is full. Recording cannot continue on this disk.",
	CodeFirmwareFailed: "Firmware update failed: {p1}",
	CodeAutoStop:       "Automatic stop recording in {p1} seconds",
	"STT-001":          "Recording started",
	"STT-003":          "Recording stopped",
	"RT-001":           "Target path {p1} reached",
	"RT-002":           "Off route by {p1} meters",
	"ALN-001":          "Alignment in progress",
	"ALN-002":          "Alignment completed",
}

// Message 以參數替換後回傳錯誤碼的文字；未知錯誤碼回傳空字串
func Message(code string, params ...string) string {
	tmpl, ok := messages[code]
	if !ok {
		return ""
	}
	return substitute(tmpl, params...)
}

// Translate 轉換後端錯誤，未知錯誤碼時使用後端的描述
func Translate(be types.BackendError) string {
	if msg := Message(be.Code, be.P1, be.P2, be.P3); msg != "" {
		return msg
	}
	if be.Description != "" {
		return be.Description
	}
	return "Unexpected error " + be.Code
}

// NotificationText 通知訊息的顯示文字
func NotificationText(n types.Notification) string {
	return Translate(types.BackendError{Code: n.Code, P1: n.P1, P2: n.P2, P3: n.P3})
}

func substitute(tmpl string, params ...string) string {
	pairs := make([]string, 0, 6)
	for i, key := range []string{"{p1}", "{p2}", "{p3}"} {
		value := ""
		if i < len(params) {
			value = params[i]
		}
		pairs = append(pairs, key, value)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
