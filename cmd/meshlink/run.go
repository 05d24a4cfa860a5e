package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/meshlink/internal/adapter"
	"github.com/1ureka/meshlink/internal/app"
	"github.com/1ureka/meshlink/internal/bluez"
	"github.com/1ureka/meshlink/internal/config"
	"github.com/1ureka/meshlink/internal/secure"
	"github.com/1ureka/meshlink/internal/transport"
	"github.com/1ureka/meshlink/internal/util"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd(envFile *string) *cobra.Command {
	var (
		backend, bluezAdapter, airURL, airPIN string
		nickname, keyPath, metricsAddr        string
		debug                                 bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a mesh node; stdin lines are broadcast to every secured peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("backend") {
				cfg.Backend = config.Backend(backend)
			}
			if flags.Changed("adapter") {
				cfg.BlueZAdapter = bluezAdapter
			}
			if flags.Changed("air") {
				cfg.AirURL = airURL
			}
			if flags.Changed("pin") {
				cfg.AirPIN = airPIN
			}
			if flags.Changed("nickname") {
				cfg.Nickname = nickname
			}
			if flags.Changed("key") {
				cfg.KeyPath = keyPath
			}
			if flags.Changed("metrics") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("debug") {
				cfg.Debug = debug
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runNode(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&backend, "backend", "", "radio backend: bluez or air")
	f.StringVar(&bluezAdapter, "adapter", "", "BlueZ adapter name, e.g. hci0")
	f.StringVar(&airURL, "air", "", "air hub URL, e.g. ws://host:port/ws")
	f.StringVar(&airPIN, "pin", "", "air hub PIN")
	f.StringVar(&nickname, "nickname", "", "advertised nickname")
	f.StringVar(&keyPath, "key", "", "identity key file")
	f.StringVar(&metricsAddr, "metrics", "", "serve Prometheus /metrics on this address, e.g. :9100")
	f.BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// ---------------------------------------------------------------------------
// Run mode
// ---------------------------------------------------------------------------

func runNode(ctx context.Context, cfg config.Config) error {
	if cfg.Debug {
		util.EnableDebug()
	}
	pterm.Info.Println(fmt.Sprintf("Meshlink — v%s", version))
	pterm.Println()

	id, created, err := secure.LoadOrCreateIdentity(cfg.KeyPath)
	if err != nil {
		return err
	}
	if created {
		util.LogInfo("new identity written to %s", cfg.KeyPath)
	}
	util.LogInfo("fingerprint %s", id.Fingerprint())

	radio, err := openRadio(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		if err := serveMetrics(ctx, cfg.MetricsAddr); err != nil {
			_ = radio.Close()
			return err
		}
	}

	node := app.NewNode(radio, id, app.OptionsFromConfig(cfg))
	if err := node.Start(ctx); err != nil {
		_ = radio.Close()
		return err
	}
	util.StartStatsReporter(ctx)
	util.LogSuccess("node running at %s as %q, type a line to broadcast it", node.Address(), cfg.Nickname)

	closed := make(chan error, 1)
	go func() {
		<-ctx.Done()
		util.LogInfo("shutting down")
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		closed <- node.Close(closeCtx)
	}()

	go readStdin(ctx, node)
	printEvents(node.Events())
	return <-closed
}

func openRadio(ctx context.Context, cfg config.Config) (adapter.Radio, error) {
	switch cfg.Backend {
	case config.BackendAir:
		return transport.Dial(ctx, cfg.AirURL, cfg.AirPIN, "", transport.Options{})
	default:
		return bluez.Open(cfg.BlueZAdapter)
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	reg := prometheus.NewRegistry()
	if err := util.RegisterMetrics(reg); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", util.MetricsHandler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	util.LogInfo("metrics on http://%s/metrics", addr)
	return nil
}

// printEvents blocks until Close ends the event stream.
func printEvents(events <-chan app.Event) {
	for ev := range events {
		who := ev.Peer.Nickname
		if who == "" {
			who = ev.Address
		}
		switch ev.Kind {
		case app.EventMessage:
			pterm.Printfln("%s %s", pterm.LightCyan(who+":"), string(ev.Payload))
		case app.EventHandshakeComplete:
			util.LogSuccess("secured channel with %s (%s) fingerprint %s", who, ev.Path, ev.Fingerprint)
		case app.EventPeerAnnounced:
			util.LogInfo("%s announced itself", who)
		case app.EventPeerLeft:
			util.LogInfo("%s left the mesh", who)
		case app.EventPeerStale:
			util.LogWarning("%s went quiet", who)
		case app.EventDecryptFailure:
			util.LogWarning("message from %s failed authentication: %v", who, ev.Err)
		default:
			util.LogDebug("%s %s via %s", ev.Kind, who, ev.Path)
		}
	}
}

// readStdin broadcasts every non-empty line until stdin closes or ctx ends.
func readStdin(ctx context.Context, node *app.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sent, err := node.Broadcast(ctx, []byte(line))
		if err != nil {
			util.LogWarning("broadcast reached %d peers: %v", sent, err)
		} else if sent == 0 {
			util.LogWarning("no secured peers yet")
		}
		if ctx.Err() != nil {
			return
		}
	}
}
