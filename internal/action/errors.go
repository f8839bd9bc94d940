package action

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

var (
	// ErrInvalidStatus 後端回傳無法辨識的狀態
	ErrInvalidStatus = errors.New("action: invalid status")
)

// ActionError 後端以 status=error 結束的操作
type ActionError struct {
	Op     string
	Errors []types.BackendError
}

func (e *ActionError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("action %s failed", e.Op)
	}
	codes := make([]string, 0, len(e.Errors))
	for _, be := range e.Errors {
		codes = append(codes, be.Code)
	}
	return fmt.Sprintf("action %s failed: %s", e.Op, strings.Join(codes, ", "))
}

// Has 是否含有指定錯誤碼
func (e *ActionError) Has(code string) bool {
	for _, be := range e.Errors {
		if be.Code == code {
			return true
		}
	}
	return false
}

// AsActionError 從錯誤鏈中取出 *ActionError
func AsActionError(err error) (*ActionError, bool) {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
