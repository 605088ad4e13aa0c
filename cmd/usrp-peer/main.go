// usrp-peer stands in for a radio gateway (an AllStarLink or DMR node) on the
// far side of the bridge. It keys up periodic bursts of test audio and logs
// the transmissions the bridge sends back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbehnke/dmr-bridge-discord/internal/observe"
	"github.com/dbehnke/dmr-bridge-discord/internal/transport"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:34001", "UDP address to receive bridge traffic on")
		remoteAddr = flag.String("remote", "127.0.0.1:32001", "bridge UDP receive address")
		talkGroup  = flag.Uint("talk-group", 1, "talk group carried in transmitted frames")
		pattern    = flag.String("pattern", string(PatternSine440), "test pattern (silence, sine_440hz, sine_1khz, frequency_sweep, dtmf_sequence)")
		keyOn      = flag.Duration("key-on", 3*time.Second, "length of each transmission; 0 only listens")
		keyOff     = flag.Duration("key-off", 2*time.Second, "pause between transmissions")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	if err := run(*listenAddr, *remoteAddr, uint32(*talkGroup), *pattern, *keyOn, *keyOff, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "usrp-peer: %v\n", err)
		os.Exit(1)
	}
}

func run(listenAddr, remoteAddr string, talkGroup uint32, pattern string, keyOn, keyOff time.Duration, logLevel string) error {
	log, err := observe.NewLogger(os.Stderr, logLevel, "text")
	if err != nil {
		return err
	}
	pat, err := ParsePattern(pattern)
	if err != nil {
		return err
	}

	cfg := transport.DefaultConfig()
	cfg.ListenAddr = listenAddr
	cfg.TargetAddr = remoteAddr
	ep, err := transport.Open(cfg)
	if err != nil {
		return err
	}
	defer ep.Close()

	log.Info("peer: started", "listen", ep.LocalAddr(), "remote", ep.RemoteAddr(), "pattern", pat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = NewPeer(ep, pat, talkGroup, keyOn, keyOff, log).Run(ctx)
	log.Info("peer: shutting down")
	return err
}
