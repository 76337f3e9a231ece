// relay — CLI entry point for the signaling relay.
//
// The relay assigns every client an id, broadcasts who is online and
// forwards call envelopes between clients. It never sees media.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/peercall/internal/app"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	cfg.RegisterRelayFlags(flag.CommandLine)
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("peercall relay — v%s", version))
	pterm.Println()

	if err := app.RunRelay(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
