// ============================================================================
// 裝置模擬器 - REST 長時間操作與 autocapture 端點
// ============================================================================
//
// Package: internal/devicesim
// 文件: sim.go
// 功能: 在行程內模擬裝置後端，供測試與 simulate 指令使用
//
// 端點:
//   POST /<op>          start，取出下一個腳本
//   GET  /<op>          info，每次前進一步，停在最後一步
//   POST /<op>/abort    abort，之後 info 回報 done
//   （<op> 為 Ops 中的每一項，例如 recording/start）
//   GET  /autocapture/polygons    目前的規劃圖形
//   PUT  /autocapture/paths       未覆蓋路徑順序
//   PUT  /autocapture/paths/{id}/settings
//   POST /autocapture/abort
//   GET  /routing, /notification  WebSocket
//
// ============================================================================

package devicesim

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/autocapture-core/internal/coverage"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

var log = slog.Default()

var (
	// ErrNoAction info 時沒有進行中的操作
	ErrNoAction = errors.New("devicesim: no action started")
)

// DefaultOps 模擬器預設提供的長時間操作
var DefaultOps = []string{
	"recording/start",
	"autocapture/activation",
	"coordinates/import",
	"firmware/update",
}

// DefaultSteps 未設定腳本時 start/info 的回應
var DefaultSteps = []types.Action{
	{Status: types.ActionProgress, Progress: 0},
	{Status: types.ActionProgress, Progress: 50},
	{Status: types.ActionDone, Progress: 100},
}

// Call 一筆收到的請求
type Call struct {
	Method string
	Path   string
	Body   json.RawMessage
}

type run struct {
	steps   []types.Action
	idx     int
	aborted bool
}

type opState struct {
	queue   [][]types.Action
	current *run
}

// Sim 模擬的裝置後端
type Sim struct {
	mu       sync.Mutex
	names    []string
	ops      map[string]*opState
	polygons []types.Polygon
	order    []string
	calls    []Call
	failures map[string][]int

	hubs map[types.Channel]*hub
}

// New 建立模擬器；ops 為空時使用 DefaultOps
func New(ops ...string) *Sim {
	if len(ops) == 0 {
		ops = DefaultOps
	}
	return &Sim{
		names:    append([]string(nil), ops...),
		ops:      make(map[string]*opState),
		failures: make(map[string][]int),
		hubs: map[types.Channel]*hub{
			types.ChannelRouting:      newHub(types.ChannelRouting),
			types.ChannelNotification: newHub(types.ChannelNotification),
		},
	}
}

// Router 建立 chi 路由
func (s *Sim) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.record)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/routing", s.hubs[types.ChannelRouting].serve)
	r.Get("/notification", s.hubs[types.ChannelNotification].serve)

	r.Get("/autocapture/polygons", s.handlePolygons)
	r.Put("/autocapture/paths", s.handleUpdatePaths)
	r.Put("/autocapture/paths/{pathID}/settings", s.handleUpdateSettings)
	r.Post("/autocapture/abort", s.handleAutocaptureAbort)

	for _, name := range s.names {
		r.Post("/"+name, s.handleStart(name))
		r.Get("/"+name, s.handleInfo(name))
		r.Post("/"+name+"/abort", s.handleAbort(name))
	}

	return r
}

// Script 為 op 排入一次 start 的回應序列；steps[0] 是 start 的回應
func (s *Sim) Script(op string, steps ...types.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.op(op)
	st.queue = append(st.queue, append([]types.Action(nil), steps...))
}

// FailNext 讓下一個符合的請求回傳 status
func (s *Sim) FailNext(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.failures[key] = append(s.failures[key], status)
}

// SetPolygons 設定規劃圖形
func (s *Sim) SetPolygons(polygons []types.Polygon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polygons = append([]types.Polygon(nil), polygons...)
}

// Polygons 目前的規劃圖形
func (s *Sim) Polygons() []types.Polygon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Polygon(nil), s.polygons...)
}

// Order 最後一次收到的未覆蓋路徑順序
func (s *Sim) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Calls 收到的所有請求，可用 method/path 過濾（空字串代表不過濾）
func (s *Sim) Calls(method, path string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Call
	for _, c := range s.calls {
		if (method == "" || c.Method == method) && (path == "" || c.Path == path) {
			out = append(out, c)
		}
	}
	return out
}

// Clients 某通道目前的 WebSocket 連線數
func (s *Sim) Clients(ch types.Channel) int {
	return s.hubs[ch].count()
}

// Close 關閉所有 WebSocket 連線
func (s *Sim) Close() {
	for _, h := range s.hubs {
		h.closeAll()
	}
}

func (s *Sim) op(name string) *opState {
	st, ok := s.ops[name]
	if !ok {
		st = &opState{}
		s.ops[name] = st
	}
	return st
}

// record 記錄請求並套用 FailNext
func (s *Sim) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Body: body})
		status := 0
		if q := s.failures[key]; len(q) > 0 {
			status = q[0]
			s.failures[key] = q[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeErr(w, status, fmt.Errorf("injected failure for %s", key))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Sim) handleStart(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.start(w, name)
	}
}

func (s *Sim) handleInfo(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.info(w, name)
	}
}

func (s *Sim) handleAbort(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.abort(w, name)
	}
}

func (s *Sim) start(w http.ResponseWriter, name string) {
	s.mu.Lock()
	st := s.op(name)
	steps := DefaultSteps
	if len(st.queue) > 0 {
		steps = st.queue[0]
		st.queue = st.queue[1:]
	}
	st.current = &run{steps: steps}
	resp := steps[0]
	s.mu.Unlock()

	log.Debug("Simulated action started", "op", name, "status", resp.Status)
	writeJSON(w, http.StatusOK, types.Envelope{Action: resp})
}

func (s *Sim) info(w http.ResponseWriter, name string) {
	s.mu.Lock()
	st := s.op(name)
	cur := st.current
	var resp types.Action
	if cur != nil {
		switch {
		case cur.aborted:
			resp = types.Action{Status: types.ActionDone, Progress: 100, Description: "aborted"}
		default:
			if cur.idx < len(cur.steps)-1 {
				cur.idx++
			}
			resp = cur.steps[cur.idx]
		}
	}
	s.mu.Unlock()

	if cur == nil {
		writeErr(w, http.StatusConflict, fmt.Errorf("%w: %s", ErrNoAction, name))
		return
	}
	writeJSON(w, http.StatusOK, types.Envelope{Action: resp})
}

func (s *Sim) abort(w http.ResponseWriter, name string) {
	s.mu.Lock()
	if cur := s.op(name).current; cur != nil {
		cur.aborted = true
	}
	s.mu.Unlock()

	log.Debug("Simulated action aborted", "op", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Sim) handlePolygons(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Polygons())
}

func (s *Sim) handleUpdatePaths(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order []string `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode order: %w", err))
		return
	}

	s.mu.Lock()
	s.order = req.Order
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"order": req.Order})
}

func (s *Sim) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	pathID := chi.URLParam(r, "pathID")

	var settings types.PathSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode settings: %w", err))
		return
	}
	if err := settings.Validate(); err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pi, pj, ok := coverage.FindPath(s.polygons, pathID)
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("%w: %s", coverage.ErrPathNotFound, pathID))
		return
	}
	s.polygons[pi].Paths = append([]types.Path(nil), s.polygons[pi].Paths...)
	s.polygons[pi].Paths[pj].Settings = settings
	writeJSON(w, http.StatusOK, s.polygons[pi].Paths[pj])
}

func (s *Sim) handleAutocaptureAbort(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
