// Manual probe for the host application location service. Mounts the same
// adapter posmuxd uses and prints every reading, so service problems can be
// separated from daemon problems.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/posmux/posmux/pkg/logx"
	"github.com/posmux/posmux/pkg/provider"
)

var (
	addr     = flag.String("addr", "127.0.0.1:50051", "Host location service address")
	method   = flag.String("method", "host.LocationService/GetFix", "Fully qualified service method")
	interval = flag.Duration("interval", 2*time.Second, "Poll interval")
	timeout  = flag.Duration("timeout", 5*time.Second, "Per-request timeout")
	count    = flag.Int("count", 5, "Number of poll attempts before exiting")
)

func main() {
	flag.Parse()

	logger := logx.NewLogger("warn", "hostapp-probe")

	hostapp := provider.NewHostApp(&provider.HostAppConfig{
		Address:        *addr,
		Method:         *method,
		PollInterval:   *interval,
		RequestTimeout: *timeout,
		MountTimeout:   *timeout,
	}, logger)

	fmt.Printf("Probing host location service at %s (%s)\n", *addr, *method)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := hostapp.Mount(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Mount failed: %v\n", err)
		os.Exit(1)
	}
	defer hostapp.Close()

	fmt.Println("Mounted, reflection handshake OK")

	done := make(chan struct{})
	attempts := 0

	// Runs on the poller goroutine only; the equality check keeps a late
	// tick from closing the channel twice.
	finish := func() {
		attempts++
		if attempts == *count {
			close(done)
		}
	}

	handle := hostapp.Start(
		func(fix provider.Fix) {
			fmt.Printf("reading  %.6f, %.6f  accuracy %.1fm  satellites %d  speed %.2f m/s\n",
				fix.Latitude, fix.Longitude, fix.AccuracyM, fix.Satellites, fix.SpeedMps)
			finish()
		},
		func(perr *provider.Error) {
			fmt.Printf("error    [%s] %s\n", perr.Kind.String(), perr.Message)
			finish()
		},
	)

	<-done
	handle.Stop()

	health := hostapp.Health()
	fmt.Println("\nAdapter health:")
	fmt.Printf("  Available: %t\n", health.Available)
	fmt.Printf("  Success Count: %d\n", health.SuccessCount)
	fmt.Printf("  Error Count: %d\n", health.ErrorCount)
	fmt.Printf("  Success Rate: %.1f%%\n", health.SuccessRate*100)
	fmt.Printf("  Avg Latency: %.1fms\n", health.AvgLatencyMs)
}
