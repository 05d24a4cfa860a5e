package util

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative radio links established since process start
	ClosedConns atomic.Int64 // cumulative radio links dropped since process start

	PacketsSent atomic.Int64 // wire chunks handed to the radio
	PacketsRecv atomic.Int64 // wire chunks received from the radio
	BytesSent   atomic.Int64 // base64 bytes handed to the radio
	BytesRecv   atomic.Int64 // base64 bytes received from the radio

	ConnectFailures atomic.Int64 // failed or timed-out connection attempts
	Blacklisted     atomic.Int64 // addresses blacklisted by the discovery manager
	Handshakes      atomic.Int64 // completed Noise handshakes
	DecryptFailures atomic.Int64 // transport messages that failed authentication
	DroppedFrames   atomic.Int64 // malformed or expired inbound frames
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.PacketsSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.PacketsRecv.Add(1); s.BytesRecv.Add(int64(n)) }

func (s *stats) AddConnectFailure() { s.ConnectFailures.Add(1) }
func (s *stats) AddBlacklisted()    { s.Blacklisted.Add(1) }
func (s *stats) AddHandshake()      { s.Handshakes.Add(1) }
func (s *stats) AddDecryptFailure() { s.DecryptFailures.Add(1) }
func (s *stats) AddDropped()        { s.DroppedFrames.Add(1) }

// ActiveConns is the number of links currently up.
func (s *stats) ActiveConns() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus export
// ──────────────────────────────────────────────────────────────────────────────

// RegisterMetrics exposes the Stats counters on reg. The collectors read the
// atomics at scrape time, so nothing else has to be kept in sync.
func RegisterMetrics(reg prometheus.Registerer) error {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "meshlink",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		counter("links_opened_total", "Radio links established", &Stats.TotalConns),
		counter("links_closed_total", "Radio links dropped", &Stats.ClosedConns),
		counter("chunks_sent_total", "Wire chunks handed to the radio", &Stats.PacketsSent),
		counter("chunks_received_total", "Wire chunks received from the radio", &Stats.PacketsRecv),
		counter("bytes_sent_total", "Encoded bytes handed to the radio", &Stats.BytesSent),
		counter("bytes_received_total", "Encoded bytes received from the radio", &Stats.BytesRecv),
		counter("connect_failures_total", "Failed or timed-out connection attempts", &Stats.ConnectFailures),
		counter("blacklisted_total", "Addresses blacklisted by the discovery manager", &Stats.Blacklisted),
		counter("handshakes_total", "Completed Noise handshakes", &Stats.Handshakes),
		counter("decrypt_failures_total", "Transport messages that failed authentication", &Stats.DecryptFailures),
		counter("dropped_frames_total", "Malformed or expired inbound frames", &Stats.DroppedFrames),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "meshlink",
			Name:      "links_active",
			Help:      "Radio links currently up",
		}, func() float64 { return float64(Stats.ActiveConns()) }),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metric: %w", err)
		}
	}
	return nil
}

// MetricsHandler returns the /metrics handler for reg.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs link statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Links: %2d↑ %2d↓ | Active: %d | Handshakes: %d | Decrypt failures: %d",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
		Stats.ActiveConns(),
		Stats.Handshakes.Load(),
		Stats.DecryptFailures.Load(),
	)
}
