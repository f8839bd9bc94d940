package cli

// ============================================================================
// 客戶端組裝：store、journal、協調器、socket、metrics 與 gRPC health
// 啟動順序：還原 → store → 協調器 → socket → 伺服器
// 關閉順序相反，journal 最後關閉以保留最後的事件
// socket 斷線後由 keepSubscribed 以指數退避重新訂閱，直到關閉
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/autocapture-core/internal/action"
	"github.com/ChuLiYu/autocapture-core/internal/autocapture"
	"github.com/ChuLiYu/autocapture-core/internal/journal"
	"github.com/ChuLiYu/autocapture-core/internal/metrics"
	"github.com/ChuLiYu/autocapture-core/internal/privacy"
	"github.com/ChuLiYu/autocapture-core/internal/socket"
	"github.com/ChuLiYu/autocapture-core/internal/store"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService 每個 socket 通道在 health 服務中的名稱
func healthService(ch types.Channel) string {
	return "autocapture." + string(ch)
}

type registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

func defaultRegistry() registry {
	return struct {
		prometheus.Registerer
		prometheus.Gatherer
	}{prometheus.DefaultRegisterer, prometheus.DefaultGatherer}
}

type app struct {
	cfg       *Config
	reg       registry
	confirm   autocapture.Confirm
	collector *metrics.Collector
	health    *health.Server

	journal  *journal.Journal
	store    *store.Store
	coord    *autocapture.Coordinator
	channels []*socket.Channel
	wake     map[types.Channel]chan struct{}
	backoff  backoff.Config

	metricsServer *http.Server
	grpcServer    *grpc.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopSockets context.CancelFunc
	socketWG    sync.WaitGroup
}

func newApp(cfg *Config, reg registry, confirm autocapture.Confirm) (*app, error) {
	if cfg.Device.BaseURL == "" {
		return nil, errors.New("device.base_url is required")
	}
	if cfg.Journal.Path == "" {
		return nil, errors.New("journal.path is required")
	}
	return &app{
		cfg:       cfg,
		reg:       reg,
		confirm:   confirm,
		collector: metrics.NewCollectorWith(reg),
		health:    health.NewServer(),
		wake:      make(map[types.Channel]chan struct{}),
		backoff:   reconnectBackoff(cfg),
	}, nil
}

// reconnectBackoff 以 gRPC 的退避參數描述 socket 重新訂閱
func reconnectBackoff(cfg *Config) backoff.Config {
	bc := backoff.DefaultConfig
	bc.BaseDelay = time.Second
	bc.MaxDelay = 30 * time.Second
	if cfg.Device.ReconnectBase > 0 {
		bc.BaseDelay = cfg.Device.ReconnectBase
	}
	if cfg.Device.ReconnectMax > 0 {
		bc.MaxDelay = cfg.Device.ReconnectMax
	}
	if bc.MaxDelay < bc.BaseDelay {
		bc.MaxDelay = bc.BaseDelay
	}
	return bc
}

// retryDelay 第 retries 次失敗後的等待時間，與 gRPC 連線退避相同的公式
func retryDelay(bc backoff.Config, retries int) time.Duration {
	if retries <= 0 {
		return bc.BaseDelay
	}
	delay, limit := float64(bc.BaseDelay), float64(bc.MaxDelay)
	for delay < limit && retries > 0 {
		delay *= bc.Multiplier
		retries--
	}
	if delay > limit {
		delay = limit
	}
	delay *= 1 + bc.Jitter*(rand.Float64()*2-1)
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

func (a *app) start(ctx context.Context) error {
	begin := time.Now()
	restored, applied, err := journal.Restore(a.cfg.Journal.Path)
	if err != nil {
		// 損壞的尾端不阻止啟動，保留已重放的部分
		log.Warn("Journal restore incomplete", "path", a.cfg.Journal.Path, "events", applied, "error", err)
	}
	a.collector.SetRestoreTime(time.Since(begin))

	j, err := journal.Open(a.cfg.Journal.Path, journal.Options{
		SyncOnAppend:  a.cfg.Journal.SyncOnAppend,
		BufferSize:    a.cfg.Journal.BufferSize,
		FlushInterval: time.Duration(a.cfg.Journal.FlushIntervalMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	a.journal = j

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	recorder := journal.NewRecorder(j, journal.WithCompactEvery(a.cfg.Journal.CompactEvery))
	a.store = store.New(store.WithState(restored), store.WithRecorder(recorder))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.store.Run(runCtx)
	}()

	if a.cfg.Device.SocketBase != "" {
		sink := socket.NewStoreSink(a.store)
		for _, name := range []types.Channel{types.ChannelRouting, types.ChannelNotification} {
			a.health.SetServingStatus(healthService(name), healthpb.HealthCheckResponse_NOT_SERVING)
			a.channels = append(a.channels, socket.NewChannel(name, a.cfg.Device.SocketBase, sink, socket.WithObserver(a.collector)))
			a.wake[name] = make(chan struct{}, 1)
		}
	}
	a.watch()

	client := action.NewClient(a.cfg.Device.BaseURL, &http.Client{Timeout: requestTimeout(a.cfg)})
	opts := []autocapture.Option{autocapture.WithObserver(a.collector)}
	if a.cfg.Poll.Interval > 0 {
		opts = append(opts, autocapture.WithInterval(a.cfg.Poll.Interval))
	}
	if a.cfg.Privacy.StateFile != "" {
		var gateOpts []privacy.Option
		if a.cfg.Privacy.BlurMaxAgeDays > 0 {
			gateOpts = append(gateOpts, privacy.WithMaxAge(time.Duration(a.cfg.Privacy.BlurMaxAgeDays)*24*time.Hour))
		}
		gate := privacy.NewGate(privacy.NewStateFile(a.cfg.Privacy.StateFile), gateOpts...)
		opts = append(opts, autocapture.WithConsent(gate, a.confirm))
	}
	a.coord = autocapture.New(autocapture.NewRESTAPI(client), client, a.store, opts...)

	if err := a.coord.Load(ctx); err != nil {
		log.Warn("Polygons not loaded, keeping restored state", "error", err)
	}

	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	socketCtx, stopSockets := context.WithCancel(context.Background())
	a.stopSockets = stopSockets
	for _, ch := range a.channels {
		a.socketWG.Add(1)
		go a.keepSubscribed(socketCtx, ch)
	}

	if a.cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewServer(a.cfg.Metrics.Port, a.reg)
		go func() {
			log.Info("Starting metrics server", "addr", a.metricsServer.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	if a.cfg.Health.Port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Health.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", a.cfg.Health.Port, err)
		}
		a.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(a.grpcServer, a.health)
		go func() {
			log.Info("gRPC health server listening", "addr", lis.Addr().String())
			if err := a.grpcServer.Serve(lis); err != nil {
				log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	return nil
}

// watch 把每份新狀態反映到 metrics 與 health
func (a *app) watch() {
	updates, _ := a.store.Subscribe()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		var lastRouting time.Time
		for st := range updates {
			visible := store.VisibleNotifications(st)
			a.collector.ObserveState(len(st.Uncovered), len(visible))

			for _, ch := range a.channels {
				status := healthpb.HealthCheckResponse_NOT_SERVING
				if store.Connected(st, ch.Name()) {
					status = healthpb.HealthCheckResponse_SERVING
				} else {
					a.wakeChannel(ch.Name())
				}
				a.health.SetServingStatus(healthService(ch.Name()), status)
			}

			if st.Routing.UpdatedAt.After(lastRouting) {
				lastRouting = st.Routing.UpdatedAt
				log.Info("Routing", "instruction", st.Routing.Instruction, "action", st.Routing.Action, "target", st.Routing.TargetPathID)
			}
		}
	}()
}

// wakeChannel 通知 keepSubscribed 檢查連線，不阻塞
func (a *app) wakeChannel(name types.Channel) {
	select {
	case a.wake[name] <- struct{}{}:
	default:
	}
}

// keepSubscribed 保持 ch 訂閱；失敗時依退避重試，連線中則等待斷線通知
func (a *app) keepSubscribed(ctx context.Context, ch *socket.Channel) {
	defer a.socketWG.Done()

	retries := 0
	for {
		var retry <-chan time.Time
		if !ch.Connected() {
			err := ch.Subscribe(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				delay := retryDelay(a.backoff, retries)
				retries++
				log.Warn("Socket subscribe failed, retrying", "channel", ch.Name(), "attempt", retries, "delay", delay, "error", err)
				retry = time.After(delay)
			} else {
				if retries > 0 {
					log.Info("Socket resubscribed", "channel", ch.Name(), "attempts", retries)
				}
				retries = 0
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-a.wake[ch.Name()]:
			if retry != nil {
				// 仍在退避中，斷線通知不提前重試
				select {
				case <-ctx.Done():
					return
				case <-retry:
				}
			}
		case <-retry:
		}
	}
}

func (a *app) stop() error {
	if a.coord != nil {
		a.coord.Stop()
	}
	if a.stopSockets != nil {
		a.stopSockets()
	}
	a.socketWG.Wait()
	for _, ch := range a.channels {
		ch.Unsubscribe()
	}

	a.health.Shutdown()
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			log.Warn("Metrics server shutdown", "error", err)
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			return fmt.Errorf("close journal: %w", err)
		}
	}
	return nil
}
