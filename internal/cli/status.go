package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ChuLiYu/autocapture-core/internal/journal"
	"github.com/ChuLiYu/autocapture-core/internal/privacy"
	"github.com/ChuLiYu/autocapture-core/internal/store"
	"github.com/ChuLiYu/autocapture-core/pkg/types"
)

func showStatus(w io.Writer, cfg *Config, dump bool) error {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Autocapture Client Status                       ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Device:          %s\n", cfg.Device.BaseURL)
	fmt.Fprintf(w, "  ├─ Sockets:         %s\n", cfg.Device.SocketBase)
	fmt.Fprintf(w, "  └─ Poll Interval:   %s\n", cfg.Poll.Interval)
	fmt.Fprintln(w)

	if cfg.Journal.Path == "" {
		fmt.Fprintln(w, "💾 Journal:")
		fmt.Fprintln(w, "  └─ Not configured (set journal.path)")
		fmt.Fprintln(w)
	} else {
		state, applied, err := journal.Restore(cfg.Journal.Path)
		if err != nil {
			fmt.Fprintf(w, "⚠️  Journal restore stopped early: %v\n\n", err)
		}
		writeState(w, cfg.Journal.Path, state, applied)

		if dump {
			fmt.Fprintln(w, "📜 Journal Entries:")
			if err := journal.Dump(cfg.Journal.Path, w); err != nil {
				return fmt.Errorf("failed to dump journal: %w", err)
			}
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintln(w, "🔒 Privacy:")
	if cfg.Privacy.StateFile == "" {
		fmt.Fprintln(w, "  └─ Client state file not configured")
	} else {
		var opts []privacy.Option
		if cfg.Privacy.BlurMaxAgeDays > 0 {
			opts = append(opts, privacy.WithMaxAge(time.Duration(cfg.Privacy.BlurMaxAgeDays)*24*time.Hour))
		}
		gate := privacy.NewGate(privacy.NewStateFile(cfg.Privacy.StateFile), opts...)
		needs, err := gate.NeedsConsent(time.Now())
		switch {
		case err != nil:
			fmt.Fprintf(w, "  └─ Blur consent: ❌ %v\n", err)
		case needs:
			fmt.Fprintln(w, "  └─ Blur consent: ⚠️  required before disabling blur")
		default:
			fmt.Fprintln(w, "  └─ Blur consent: ✅ accepted")
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  ├─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  ├─ Status: ⚠️  Disabled")
	}
	if cfg.Health.Port > 0 {
		fmt.Fprintf(w, "  └─ gRPC health: localhost:%d\n", cfg.Health.Port)
	} else {
		fmt.Fprintln(w, "  └─ gRPC health: disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func writeState(w io.Writer, path string, s store.State, applied int) {
	fmt.Fprintln(w, "💾 Journal:")
	fmt.Fprintf(w, "  ├─ Path:            %s\n", path)
	fmt.Fprintf(w, "  └─ Events Applied:  %d\n", applied)
	fmt.Fprintln(w)

	covered := store.CoveredView(s)
	fmt.Fprintln(w, "🗺️  Coverage:")
	fmt.Fprintf(w, "  ├─ Polygons:        %d (%d covered)\n", len(s.Polygons), len(covered))
	fmt.Fprintf(w, "  └─ Uncovered Order: %s\n", orDash(strings.Join(store.UncoveredOrder(s), " → ")))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔔 Notifications:")
	texts := store.NotificationTexts(s)
	if len(texts) == 0 {
		fmt.Fprintln(w, "  └─ none")
	}
	for i, text := range texts {
		branch := "├─"
		if i == len(texts)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %s\n", branch, text)
	}
	fmt.Fprintln(w)

	if s.Routing.Action != "" && s.Routing.Action != types.RoutingIdle {
		fmt.Fprintln(w, "🧭 Routing:")
		fmt.Fprintf(w, "  └─ %s (%s, target %s)\n", s.Routing.Instruction, s.Routing.Action, orDash(s.Routing.TargetPathID))
		fmt.Fprintln(w)
	}

	if last, ok := store.LastError(s); ok {
		fmt.Fprintln(w, "❌ Last Error:")
		fmt.Fprintf(w, "  └─ %s: %s\n", last.Op, last.Message)
		fmt.Fprintln(w)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
