// peercall — CLI entry point for the call client.
//
// The client connects to a relay, shows who else is online and places or
// answers two-party audio/video calls over WebRTC. Media flows directly
// between the peers once a call is connected.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/peercall/internal/app"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	cfg.RegisterClientFlags(flag.CommandLine)
	ask := flag.Bool("ask", false, "Prompt for the relay URL")
	flag.Parse()

	if cfg.Trace {
		util.EnableTrace()
	} else if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("peercall — v%s", version))
	pterm.Println()

	if *ask {
		cfg.RelayURL = askURL()
	}
	if err := cfg.ValidateClient(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := app.RunClient(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, signaling.ErrRelayUnavailable) {
			util.LogError("cannot reach relay %s: %v", cfg.RelayURL, err)
		} else {
			util.LogError("%v", err)
		}
		os.Exit(1)
	}

	util.LogInfo("bye")
}

// askURL prompts the user for a valid relay URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. wss://relay.example.com)").
			Show()

		relayURL, err := config.NormalizeRelayURL(raw)
		if err == nil {
			pterm.Println()
			return relayURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
