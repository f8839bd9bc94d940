package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/autocapture-core/internal/autocapture"
	"github.com/ChuLiYu/autocapture-core/internal/dialog"
)

// promptConfirm 在終端機顯示對話框並讀取一行回答
//
// 回答可以是按鈕編號或按鈕文字（不分大小寫）；空白、無法辨識或輸入結束時
// 選擇 Cancel，沒有 Cancel 時選擇最後一個按鈕。
func promptConfirm(in io.Reader, out io.Writer) autocapture.Confirm {
	reader := bufio.NewReader(in)
	var mu sync.Mutex

	return func(ctx context.Context, d dialog.Dialog) (dialog.Button, error) {
		mu.Lock()
		defer mu.Unlock()

		if err := ctx.Err(); err != nil {
			return "", err
		}
		if len(d.Buttons) == 0 {
			return "", fmt.Errorf("dialog %s has no buttons", d.Kind)
		}

		fmt.Fprintf(out, "\n[%s] %s\n", d.Kind, d.Text)
		for i, b := range d.Buttons {
			fmt.Fprintf(out, "  %d) %s\n", i+1, b)
		}
		fmt.Fprint(out, "> ")

		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read answer: %w", err)
		}
		return pickButton(d, strings.TrimSpace(line)), nil
	}
}

func pickButton(d dialog.Dialog, answer string) dialog.Button {
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(d.Buttons) {
		return d.Buttons[n-1]
	}
	for _, b := range d.Buttons {
		if answer != "" && strings.EqualFold(string(b), answer) {
			return b
		}
	}
	if d.HasButton(dialog.ButtonCancel) {
		return dialog.ButtonCancel
	}
	return d.Buttons[len(d.Buttons)-1]
}
