package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"github.com/dbehnke/dmr-bridge-discord/internal/observe"
)

// Transport is the radio-side UDP endpoint.
type Transport interface {
	Sender
	Receiver
	Close() error
}

// Config tunes a Bridge.
type Config struct {
	TalkGroup     uint32
	UplinkQueue   int
	DownlinkQueue int
	SendPacing    time.Duration
}

// DefaultConfig returns the stock queue sizes and pacing.
func DefaultConfig() Config {
	return Config{
		UplinkQueue:   128,
		DownlinkQueue: 512,
		SendPacing:    2 * time.Millisecond,
	}
}

// Status is a point-in-time view of the bridge.
type Status struct {
	Running        bool
	Attached       bool
	Uplink         State
	Floor          uint32
	Downlink       State
	NextSeq        uint32
	UplinkQueued   int
	PlaybackQueued int
}

// Bridge ties a Registry to the two pipelines. The pipelines start on the
// first Attach and run until Close or a transport failure; while no call is
// attached they move no audio.
type Bridge struct {
	tr       Transport
	reg      *Registry
	uplink   *Uplink
	downlink *Downlink
	metrics  *observe.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	started   chan struct{}
	group     *errgroup.Group
	errc      chan error
	closeErr  error
}

// New returns a bridge over tr. A nil m records nowhere; a nil log uses
// slog.Default.
func New(cfg Config, tr Transport, m *observe.Metrics, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m, _ = observe.NewMetrics(noop.NewMeterProvider())
	}
	if cfg.UplinkQueue <= 0 {
		cfg.UplinkQueue = DefaultConfig().UplinkQueue
	}
	if cfg.DownlinkQueue <= 0 {
		cfg.DownlinkQueue = DefaultConfig().DownlinkQueue
	}

	reg := &Registry{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		tr:       tr,
		reg:      reg,
		uplink:   NewUplink(tr, reg, cfg.TalkGroup, cfg.UplinkQueue, cfg.SendPacing, m, log),
		downlink: NewDownlink(tr, reg, cfg.DownlinkQueue, m, log),
		metrics:  m,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		started:  make(chan struct{}),
		errc:     make(chan error, 1),
	}
}

// Attach makes c the active call, replacing any previous one, and starts the
// pipelines if they are not running yet.
func (b *Bridge) Attach(c Call) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}

	prev := b.reg.Attach(c)
	switch {
	case prev == nil:
		b.metrics.AttachedCalls.Add(b.ctx, 1)
	case prev != c:
		prev.Listen(nil)
		if err := b.uplink.Reset(b.ctx); err != nil {
			b.log.Warn("bridge: reset uplink on replace", "err", err)
		}
		b.downlink.Reset()
	}
	c.Listen(b.uplink.HandleEvent)

	b.startOnce.Do(b.start)
	b.log.Info("bridge: call attached", "format", c.Format())
	return nil
}

// Detach clears the active call and returns it. An uplink burst in progress
// is ended and queued playback is discarded.
func (b *Bridge) Detach() Call {
	prev := b.reg.Detach()
	if prev == nil {
		return nil
	}
	prev.Listen(nil)
	b.metrics.AttachedCalls.Add(b.ctx, -1)

	if err := b.uplink.Reset(b.ctx); err != nil && !errors.Is(err, ErrClosed) {
		b.log.Warn("bridge: reset uplink on detach", "err", err)
	}
	b.downlink.Reset()
	b.log.Info("bridge: call detached")
	return prev
}

func (b *Bridge) start() {
	g, ctx := errgroup.WithContext(b.ctx)
	g.Go(func() error { return b.uplink.Run(ctx) })
	g.Go(func() error { return b.downlink.Run(ctx) })
	g.Go(func() error { return b.downlink.Play(ctx) })
	b.group = g
	close(b.started)

	go func() {
		if err := g.Wait(); err != nil {
			b.log.Error("bridge: pipeline stopped", "err", err)
			b.errc <- err
		}
		b.cancel()
	}()
	b.log.Info("bridge: pipelines started")
}

// Err delivers the first transport failure. The bridge is unusable after
// one; callers are expected to shut down.
func (b *Bridge) Err() <-chan error { return b.errc }

// Close detaches any call, flushes the uplink, closes the transport and
// waits for both pipelines to exit.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.Detach()
		b.startOnce.Do(func() {}) // pipelines must not start after this

		select {
		case <-b.started:
			b.uplink.Close()
			select {
			case <-b.uplink.Stopped():
			case <-time.After(time.Second):
				b.log.Warn("bridge: uplink flush timed out")
			}
			b.downlink.Close()
			b.closeErr = b.tr.Close()
			b.cancel()
			if err := b.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				b.closeErr = errors.Join(b.closeErr, err)
			}
		default:
			b.cancel()
			b.closeErr = b.tr.Close()
		}
	})
	return b.closeErr
}

// Status returns a snapshot for commands and readiness probes.
func (b *Bridge) Status() Status {
	up, floor := b.uplink.State()
	s := Status{
		Attached:       b.reg.Current() != nil,
		Uplink:         up,
		Floor:          floor,
		Downlink:       b.downlink.State(),
		NextSeq:        b.uplink.Sequence(),
		UplinkQueued:   b.uplink.Queued(),
		PlaybackQueued: b.downlink.Queued(),
	}
	select {
	case <-b.started:
		s.Running = b.ctx.Err() == nil
	default:
	}
	return s
}

// Ready reports an error when the bridge cannot move audio.
func (b *Bridge) Ready(context.Context) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

// Registry exposes the call association, mainly for tests.
func (b *Bridge) Registry() *Registry { return b.reg }
