package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/autocapture-core/internal/devicesim"
)

// runSimulator 服務模擬裝置直到 ctx 取消
func runSimulator(ctx context.Context, addr string, autopilot bool, tick time.Duration) error {
	sim := devicesim.New()
	sim.SetPolygons(devicesim.SamplePolygons())
	defer sim.Close()

	server := &http.Server{
		Addr:              addr,
		Handler:           sim.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Device simulator listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if autopilot {
		go func() {
			if err := sim.Autopilot(ctx, tick); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("Autopilot stopped", "error", err)
				return
			}
			log.Info("Autopilot finished")
		}()
	}

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("simulator server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Stopping device simulator...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sim.Close()
	return server.Shutdown(shutdownCtx)
}
