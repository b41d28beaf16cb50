package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/aigoflow/arena/internal/backend"
	"github.com/aigoflow/arena/internal/config"
)

const staleAfter = 30 * time.Second

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch backend load heartbeats on NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		nc, err := nats.Connect(cfg.NatsURL, nats.Name("arena-monitor"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()

		w := &heartbeatWatch{}
		subject := cfg.NatsPrefix + ".backend.status"
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			var report backend.StatusReport
			if err := json.Unmarshal(msg.Data, &report); err != nil {
				return
			}
			w.record(report)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		defer sub.Unsubscribe()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// hide the cursor while redrawing
		fmt.Print("\033[?25l")
		defer fmt.Print("\033[?25h")

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			fmt.Print("\033[2J\033[H")
			fmt.Print(w.render(subject, time.Now()))
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

// heartbeatWatch keeps the most recent backend report
type heartbeatWatch struct {
	mu       sync.Mutex
	last     backend.StatusReport
	seen     time.Time
	received int
}

func (w *heartbeatWatch) record(report backend.StatusReport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = report
	w.seen = time.Now()
	w.received++
}

func (w *heartbeatWatch) render(subject string, now time.Time) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	b.WriteString(titleStyle.Render("Arena backend monitor") + dimStyle.Render("  "+now.Format("15:04:05")) + "\n\n")
	if w.received == 0 {
		b.WriteString(dimStyle.Render("Waiting for heartbeats on "+subject) + "\n")
		return b.String()
	}

	status := w.last.Status
	style := successStyle
	switch {
	case now.Sub(w.seen) > staleAfter:
		status, style = "stale", dimStyle
	case status == "critical":
		style = errorStyle
	case status == "busy":
		style = titleStyle
	}

	fmt.Fprintf(&b, "  %-16s %s\n", "status", style.Render(status))
	fmt.Fprintf(&b, "  %-16s %d\n", "active streams", w.last.ActiveStreams)
	fmt.Fprintf(&b, "  %-16s %d\n", "active models", w.last.ActiveModels)
	fmt.Fprintf(&b, "  %-16s %d\n", "served streams", w.last.ServedStreams)
	fmt.Fprintf(&b, "  %-16s %d\n", "chunks", w.last.Chunks)
	fmt.Fprintf(&b, "  %-16s %d\n", "sockets", w.last.Sockets)
	fmt.Fprintf(&b, "  %-16s %s ago\n", "last heartbeat", now.Sub(w.seen).Truncate(time.Second))
	b.WriteString("\n" + dimStyle.Render("Press Ctrl+C to exit") + "\n")
	return b.String()
}
