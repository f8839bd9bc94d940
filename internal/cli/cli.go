// ============================================================================
// Autocapture CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based entry point for the autocapture client core
//
// Command Structure:
//   autocapture                    # Root command
//   ├── run                        # Connect to a device and keep client state
//   │   ├── --record              # Start a recording once polygons are loaded
//   │   └── --disks               # Available disks reported to the recording flow
//   ├── simulate                   # Serve the device simulator
//   │   ├── --addr                # Listen address
//   │   ├── --autopilot           # Drive routing / notification sockets
//   │   └── --tick                # Autopilot step interval
//   ├── status                     # Print restored client state
//   │   └── --dump                # Print every journal entry
//   ├── abort [op]                 # Abort autocapture or a long-running op
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration:
//   YAML file with sections:
//   - device:  REST base URL, socket base URL, request timeout, reconnect backoff
//   - poll:    long-running action poll interval
//   - privacy: blur consent max age and client state file
//   - journal: event journal path, buffering and compaction threshold
//   - metrics: Prometheus HTTP endpoint
//   - health:  gRPC health service port
//   - simulator: default listen address and autopilot tick
//
// run Command:
//   1. Restore client state from the journal
//   2. Start the store with the journal as recorder
//   3. Load polygons and keep routing / notification sockets subscribed
//   4. Start metrics and gRPC health servers (if enabled)
//   5. Wait for SIGINT / SIGTERM and shut down in reverse order
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/autocapture-core/internal/action"
	"github.com/ChuLiYu/autocapture-core/internal/autocapture"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var log = slog.Default()

// Config represents the complete client configuration
type Config struct {
	Device struct {
		BaseURL    string        `yaml:"base_url"`
		SocketBase string        `yaml:"socket_base"`
		Timeout    time.Duration `yaml:"timeout"`

		// 斷線後重新訂閱的退避區間
		ReconnectBase time.Duration `yaml:"reconnect_base"`
		ReconnectMax  time.Duration `yaml:"reconnect_max"`
	} `yaml:"device"`

	Poll struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"poll"`

	Privacy struct {
		BlurMaxAgeDays int    `yaml:"blur_max_age_days"`
		StateFile      string `yaml:"state_file"`
	} `yaml:"privacy"`

	Journal struct {
		Path            string `yaml:"path"`
		BufferSize      int    `yaml:"buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
		SyncOnAppend    bool   `yaml:"sync_on_append"`
		CompactEvery    int    `yaml:"compact_every"`
	} `yaml:"journal"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Port int `yaml:"port"`
	} `yaml:"health"`

	Simulator struct {
		Addr string        `yaml:"addr"`
		Tick time.Duration `yaml:"tick"`
	} `yaml:"simulator"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autocapture",
		Short: "Autocapture: routing and polling core for field capture devices",
		Long: `Autocapture keeps the client state of a capture device in sync:
- long-running action polling (recording, activation, import, firmware)
- routing and notification sockets
- uncovered path ordering with rollback
- journal based state restore`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildAbortCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var record bool
	var disks int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the autocapture client",
		Long:  "Connect to the device, restore client state and follow routing and notification sockets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, cfg, runOptions{record: record, disks: disks})
		},
	}

	cmd.Flags().BoolVar(&record, "record", false, "start a recording after polygons are loaded")
	cmd.Flags().IntVar(&disks, "disks", 2, "available disks reported to the recording flow")

	return cmd
}

type runOptions struct {
	record bool
	disks  int
}

func runClient(ctx context.Context, cfg *Config, opts runOptions) error {
	log.Info("Starting autocapture client", "config", configFile, "device", cfg.Device.BaseURL)

	confirm := promptConfirm(os.Stdin, os.Stdout)
	a, err := newApp(cfg, defaultRegistry(), confirm)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	if err := a.start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}

	if opts.record {
		go func() {
			if err := <-a.coord.StartRecording(ctx, opts.disks, confirm); err != nil {
				log.Warn("Recording finished with error", "error", err)
				return
			}
			log.Info("Recording finished")
		}()
	}

	log.Info("Client started successfully")
	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")

	if err := a.stop(); err != nil {
		return err
	}
	log.Info("Client stopped. Goodbye!")
	return nil
}

func buildSimulateCommand() *cobra.Command {
	var addr string
	var autopilot bool
	var tick time.Duration

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Start the device simulator",
		Long:  "Serve the REST triads and routing / notification sockets of a simulated device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cmd.Flags().Changed("addr") && cfg.Simulator.Addr != "" {
				addr = cfg.Simulator.Addr
			}
			if !cmd.Flags().Changed("tick") && cfg.Simulator.Tick > 0 {
				tick = cfg.Simulator.Tick
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulator(ctx, addr, autopilot, tick)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&autopilot, "autopilot", false, "drive routing and notification sockets")
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "autopilot step interval")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show client status",
		Long:  "Display the client state restored from the journal and the blur consent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), cfg, dump)
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "print every journal entry")

	return cmd
}

func buildAbortCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort [op]",
		Short: "Abort autocapture or a long-running operation",
		Long:  "Without arguments stops autocapture; with an op such as recording/start aborts that operation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			op := ""
			if len(args) == 1 {
				op = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout(cfg))
			defer cancel()
			return abortOperation(ctx, cfg, op)
		},
	}
	return cmd
}

// abortOperation 空 op 代表停止 autocapture
func abortOperation(ctx context.Context, cfg *Config, op string) error {
	client := action.NewClient(cfg.Device.BaseURL, nil)
	if op == "" {
		if err := autocapture.NewRESTAPI(client).AbortAutocapture(ctx); err != nil {
			return fmt.Errorf("failed to abort autocapture: %w", err)
		}
		log.Info("Autocapture aborted", "device", cfg.Device.BaseURL)
		return nil
	}

	if err := client.Abort(ctx, op); err != nil {
		return fmt.Errorf("failed to abort %s: %w", op, err)
	}
	log.Info("Operation aborted", "op", op, "device", cfg.Device.BaseURL)
	return nil
}

func requestTimeout(cfg *Config) time.Duration {
	if cfg.Device.Timeout > 0 {
		return cfg.Device.Timeout
	}
	return 10 * time.Second
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
