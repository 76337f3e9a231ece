// Package testutil holds helpers shared by package tests: an in-process
// virtual network for real negotiations, a silent local stream and a
// goroutine leak check.
package testutil

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/transport"
)

// VNetFactories returns n negotiator factories whose peer connections talk
// over one virtual router, so no host interfaces or STUN are involved.
func VNetFactories(t *testing.T, n int) []*transport.Factory {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	factories := make([]*transport.Factory, 0, n)
	for i := range n {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(nw); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := transport.NewAPI(transport.APIOptions{Net: nw})
		if err != nil {
			t.Fatalf("new api %s: %v", ip, err)
		}
		f, err := transport.NewFactory(transport.Config{API: api, GatherTimeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("new factory: %v", err)
		}
		factories = append(factories, f)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	return factories
}

// SilenceStream returns a local stream with one Opus track that sends
// silence until the test ends.
func SilenceStream(t *testing.T, id string) *transport.LocalStream {
	t.Helper()

	src, err := media.Open(media.Options{StreamID: id})
	if err != nil {
		t.Fatalf("open media: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	src.Start(ctx)
	t.Cleanup(func() {
		cancel()
		src.Wait()
	})
	return src.Stream()
}

// AssertNoGoroutineLeaks checks that the goroutine count returns to baseline within a deadline.
func AssertNoGoroutineLeaks(t *testing.T, baseline int, margin int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		current := runtime.NumGoroutine()
		if current <= baseline+margin {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Errorf("goroutine leak: baseline=%d, current=%d, margin=%d", baseline, runtime.NumGoroutine(), margin)
}
