package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbehnke/dmr-bridge-discord/internal/transport"
	"github.com/dbehnke/dmr-bridge-discord/pkg/usrp"
)

// Pattern selects the audio the peer keys up with.
type Pattern string

const (
	PatternSilence Pattern = "silence"
	PatternSine440 Pattern = "sine_440hz"
	PatternSine1k  Pattern = "sine_1khz"
	PatternSweep   Pattern = "frequency_sweep"
	PatternDTMF    Pattern = "dtmf_sequence"
)

// ParsePattern validates a pattern name.
func ParsePattern(s string) (Pattern, error) {
	switch p := Pattern(s); p {
	case PatternSilence, PatternSine440, PatternSine1k, PatternSweep, PatternDTMF:
		return p, nil
	}
	return "", fmt.Errorf("unknown pattern %q", s)
}

const (
	sampleRate = 8000
	frameTime  = 20 * time.Millisecond
	amplitude  = 8000
)

var dtmfTones = map[byte][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477},
}

const dtmfDigits = "1234567890*#"

// generator produces phase-continuous 20 ms frames of test audio.
type generator struct {
	pattern Pattern
	frames  int
	phase   [2]float64
}

func (g *generator) next() []int16 {
	out := make([]int16, usrp.VoiceFrameSize)
	var freqs [2]float64
	switch g.pattern {
	case PatternSine440:
		freqs[0] = 440
	case PatternSine1k:
		freqs[0] = 1000
	case PatternSweep:
		// 300 Hz to 3 kHz over 10 s.
		progress := float64(g.frames%500) / 500
		freqs[0] = 300 + 2700*progress
	case PatternDTMF:
		// Each digit lasts 1 s.
		freqs = dtmfTones[dtmfDigits[(g.frames/50)%len(dtmfDigits)]]
	}
	g.frames++

	if freqs[0] == 0 {
		return out
	}
	level := float64(amplitude)
	if freqs[1] != 0 {
		level /= 2
	}
	for i := range out {
		var v float64
		for k, f := range freqs {
			if f == 0 {
				continue
			}
			v += level * math.Sin(g.phase[k])
			g.phase[k] = math.Mod(g.phase[k]+2*math.Pi*f/sampleRate, 2*math.Pi)
		}
		out[i] = int16(v)
	}
	return out
}

// Peer plays the radio side of the link: it keys up bursts of test audio
// towards the bridge and logs what the bridge transmits back.
type Peer struct {
	ep        *transport.Endpoint
	talkGroup uint32
	keyOn     time.Duration
	keyOff    time.Duration
	log       *slog.Logger

	gen generator
	seq uint32

	sent     atomic.Uint64
	received atomic.Uint64
	bursts   atomic.Uint64
	errors   atomic.Uint64
}

// NewPeer returns a peer transmitting pattern on ep. A zero keyOn disables
// transmission and the peer only listens.
func NewPeer(ep *transport.Endpoint, pattern Pattern, talkGroup uint32, keyOn, keyOff time.Duration, log *slog.Logger) *Peer {
	return &Peer{
		ep:        ep,
		talkGroup: talkGroup,
		keyOn:     keyOn,
		keyOff:    keyOff,
		log:       log,
		gen:       generator{pattern: pattern},
	}
}

// Run transmits and receives until ctx is cancelled.
func (p *Peer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.receive(ctx) })
	if p.keyOn > 0 {
		g.Go(func() error { return p.transmit(ctx) })
	}
	g.Go(func() error {
		p.report(ctx, 30*time.Second)
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Peer) transmit(ctx context.Context) error {
	for {
		if err := p.burst(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.keyOff):
		}
	}
}

// burst sends one start, keyOn worth of voice frames and one end.
func (p *Peer) burst(ctx context.Context) error {
	if err := p.send(usrp.NewStart(p.nextSeq(), p.talkGroup)); err != nil {
		return err
	}
	p.log.Info("peer: key up", "talk_group", p.talkGroup, "pattern", p.gen.pattern)

	ticker := time.NewTicker(frameTime)
	defer ticker.Stop()
	deadline := time.Now().Add(p.keyOn)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			// Unkey on the way out so the bridge does not hang mid-burst.
			_ = p.send(usrp.NewEnd(p.nextSeq(), p.talkGroup))
			return ctx.Err()
		case <-ticker.C:
			if err := p.send(usrp.NewVoice(p.nextSeq(), p.talkGroup, p.gen.next())); err != nil {
				return err
			}
		}
	}

	p.log.Info("peer: unkey")
	return p.send(usrp.NewEnd(p.nextSeq(), p.talkGroup))
}

func (p *Peer) send(f *usrp.Frame) error {
	if err := p.ep.Send(f.Marshal()); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("send %s frame: %w", usrp.Classify(f), err)
	}
	p.sent.Add(1)
	return nil
}

func (p *Peer) nextSeq() uint32 {
	s := p.seq
	p.seq++
	return s
}

func (p *Peer) receive(ctx context.Context) error {
	buf := make([]byte, 1024)
	var frames int
	var peak int16
	for {
		n, from, err := p.ep.Receive(buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			if errors.Is(err, transport.ErrForeignSource) {
				p.log.Debug("peer: foreign datagram", "from", from)
				continue
			}
			return err
		}

		f, err := usrp.Decode(buf[:n])
		if err != nil {
			p.errors.Add(1)
			p.log.Warn("peer: bad datagram", "from", from, "len", n, "err", err)
			continue
		}
		p.received.Add(1)

		switch usrp.Classify(f) {
		case usrp.KindStart:
			frames, peak = 0, 0
			p.bursts.Add(1)
			p.log.Info("peer: bridge keyed up", "seq", f.Header.Seq, "talk_group", f.Header.TalkGroup)
		case usrp.KindVoice:
			frames++
			for _, s := range f.Audio {
				if s < 0 {
					s = -s
				}
				peak = max(peak, s)
			}
		case usrp.KindEnd:
			p.log.Info("peer: bridge unkeyed", "seq", f.Header.Seq, "frames", frames, "peak", peak,
				"duration", time.Duration(frames)*frameTime)
		default:
			p.log.Debug("peer: frame", "type", f.Header.PacketType(), "seq", f.Header.Seq)
		}
	}
}

func (p *Peer) report(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			p.logStats(start)
			return
		case <-ticker.C:
			p.logStats(start)
		}
	}
}

func (p *Peer) logStats(start time.Time) {
	p.log.Info("peer: statistics",
		"uptime", time.Since(start).Round(time.Second),
		"sent", p.sent.Load(),
		"received", p.received.Load(),
		"bursts", p.bursts.Load(),
		"errors", p.errors.Load(),
	)
}
