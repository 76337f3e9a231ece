package app

import (
	"context"
	"fmt"
	"net"

	"github.com/pterm/pterm"

	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

// RunRelay serves the relay on cfg.ListenAddr until ctx is cancelled.
func RunRelay(ctx context.Context, cfg config.Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	addr := ln.Addr().String()
	pterm.DefaultBox.WithTitle("peercall relay").Println(
		fmt.Sprintf("WebSocket : ws://%s/ws\nHealth    : http://%s/healthz\nMetrics   : http://%s/metrics", addr, addr, addr),
	)

	srv := signaling.NewServer()
	if err := srv.Serve(ctx, ln); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	util.LogInfo("relay stopped")
	return nil
}
