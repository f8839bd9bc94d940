package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

// Protocol 長時間操作的 start/info/abort 三件組
type Protocol interface {
	Start(ctx context.Context, op string, body any) (types.Envelope, error)
	Info(ctx context.Context, op string) (types.Envelope, error)
	Abort(ctx context.Context, op string) error
}

// HTTPError 非 2xx 回應，屬於傳輸層錯誤
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client 以 REST 與裝置後端溝通
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient 建立 REST 客戶端，httpClient 為 nil 時使用 10 秒逾時的預設客戶端
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Start 以 POST /<feature>/<op> 啟動操作
func (c *Client) Start(ctx context.Context, op string, body any) (types.Envelope, error) {
	var env types.Envelope
	err := c.Do(ctx, http.MethodPost, "/"+op, body, &env)
	return env, err
}

// Info 以 GET /<feature>/<op> 查詢進度
func (c *Client) Info(ctx context.Context, op string) (types.Envelope, error) {
	var env types.Envelope
	err := c.Do(ctx, http.MethodGet, "/"+op, nil, &env)
	return env, err
}

// Abort 以 POST /<feature>/<op>/abort 中止操作，不輪詢結果
func (c *Client) Abort(ctx context.Context, op string) error {
	return c.Do(ctx, http.MethodPost, "/"+op+"/abort", nil, nil)
}

// Do 發送 JSON 請求並解碼回應；out 為 nil 時丟棄回應內容
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
