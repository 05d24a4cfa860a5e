// Meshair: emulated radio hub.
//
// Serves the "air" that meshlink nodes started with --backend air attach to.
// Radios present a PIN, then the hub relays their advertisements to every
// other radio and their SDP/ICE messages to the radio they address. Radio
// links themselves are WebRTC DataChannels and never pass through the hub.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/meshlink/internal/signaling"
	"github.com/1ureka/meshlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	port := flag.Int("port", 0, "hub port (0 picks a free one)")
	listenAll := flag.Bool("listen", false, "listen on all network interfaces, for LAN access")
	pin := flag.String("pin", "", "PIN radios must present (default: random 6 digits)")
	debugMode := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Meshair — v%s", version))
	pterm.Println()

	if *pin == "" {
		*pin = signaling.GeneratePIN(6)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	if *listenAll {
		addr = fmt.Sprintf(":%d", *port)
	}

	hub := signaling.NewHub(*pin)
	actual, err := hub.Listen(addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer hub.Close()

	util.LogSuccess("air hub listening on ws://127.0.0.1:%d/ws", actual)
	util.LogInfo("PIN: %s", *pin)
	util.LogInfo("attach nodes with: meshlink run --backend air --air ws://<host>:%d/ws --pin %s", actual, *pin)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			util.LogDebug("%d radios attached", hub.Radios())
		case <-ctx.Done():
			util.LogInfo("air hub closed")
			return
		}
	}
}
