package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbehnke/dmr-bridge-discord/internal/observe"
	"github.com/dbehnke/dmr-bridge-discord/internal/transport"
	"github.com/dbehnke/dmr-bridge-discord/pkg/audio"
	"github.com/dbehnke/dmr-bridge-discord/pkg/usrp"
	"go.opentelemetry.io/otel/metric/noop"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

// fakeCall records playback and lets tests push events as the voice
// platform would.
type fakeCall struct {
	format audio.Format

	mu      sync.Mutex
	handler EventHandler
	played  [][]int16
	ended   int
	playErr error

	playedCh chan []int16
}

func newFakeCall() *fakeCall {
	return &fakeCall{format: audio.Discord, playedCh: make(chan []int16, 64)}
}

func (c *fakeCall) Format() audio.Format { return c.format }

func (c *fakeCall) Play(_ context.Context, pcm []int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playErr != nil {
		return c.playErr
	}
	c.played = append(c.played, pcm)
	select {
	case c.playedCh <- pcm:
	default:
	}
	return nil
}

func (c *fakeCall) Listen(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *fakeCall) EndStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended++
	return nil
}

// emit delivers ev to the installed handler, if any.
func (c *fakeCall) emit(ctx context.Context, ev Event) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, ev)
}

func (c *fakeCall) playCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.played)
}

func (c *fakeCall) endCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *fakeCall) listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

// sinkSender collects sent datagrams.
type sinkSender struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
	ch   chan []byte
}

func newSinkSender() *sinkSender {
	return &sinkSender{ch: make(chan []byte, 256)}
}

func (s *sinkSender) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := append([]byte(nil), b...)
	s.sent = append(s.sent, cp)
	s.ch <- cp
	return nil
}

// next waits for one datagram.
func (s *sinkSender) next(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-s.ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return nil
	}
}

// chanReceiver feeds datagrams to the downlink.
type chanReceiver struct {
	ch  chan []byte
	err error
}

func newChanReceiver() *chanReceiver {
	return &chanReceiver{ch: make(chan []byte, 64)}
}

func (r *chanReceiver) Receive(buf []byte) (int, net.Addr, error) {
	b, ok := <-r.ch
	if !ok {
		if r.err != nil {
			return 0, nil, r.err
		}
		return 0, nil, transport.ErrClosed
	}
	return copy(buf, b), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 32001}, nil
}

// kinds decodes datagrams and returns their kinds.
func kinds(t *testing.T, datagrams [][]byte) []usrp.Kind {
	t.Helper()
	out := make([]usrp.Kind, 0, len(datagrams))
	for _, d := range datagrams {
		f, err := usrp.Decode(d)
		require.NoError(t, err)
		out = append(out, usrp.Classify(f))
	}
	return out
}

// tone48 returns one 20ms 48kHz stereo chunk of a sine wave.
func tone48(hz, amp float64) []int16 {
	pcm := make([]int16, 1920)
	for i := range 960 {
		s := int16(amp * math.Sin(2*math.Pi*hz*float64(i)/48000))
		pcm[2*i] = s
		pcm[2*i+1] = s
	}
	return pcm
}

func voiceDatagram(seq uint32, fill int16) []byte {
	samples := make([]int16, usrp.VoiceFrameSize)
	for i := range samples {
		samples[i] = fill
	}
	return usrp.NewVoice(seq, 0, samples).Marshal()
}

var errBoom = errors.New("boom")
