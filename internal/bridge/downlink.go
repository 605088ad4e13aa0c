package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/dbehnke/dmr-bridge-discord/internal/observe"
	"github.com/dbehnke/dmr-bridge-discord/internal/transport"
	"github.com/dbehnke/dmr-bridge-discord/pkg/audio"
	"github.com/dbehnke/dmr-bridge-discord/pkg/usrp"
)

// readBufferSize exceeds the largest valid frame so oversize datagrams are
// seen at their real length and rejected.
const readBufferSize = 1024

// Receiver reads one datagram from the radio peer. A net.Error with
// Timeout() true is treated as an idle poll; transport.ErrClosed ends the
// loop cleanly.
type Receiver interface {
	Receive(buf []byte) (int, net.Addr, error)
}

// playItem is one radio frame waiting for playback, or the end of a burst.
type playItem struct {
	pcm []int16 // 160 radio samples; nil marks the end of a burst
}

// Downlink reads USRP frames and plays their audio into the attached call.
// Run is the reader; Play is the playback worker.
type Downlink struct {
	rx      Receiver
	reg     *Registry
	metrics *observe.Metrics
	log     *slog.Logger

	queue chan playItem
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex // guards gate and lastSeq
	gate    Gate
	lastSeq uint32
}

// NewDownlink returns a downlink reading from rx. queueSize bounds the frames
// waiting for playback; when it is full new audio is dropped.
func NewDownlink(rx Receiver, reg *Registry, queueSize int, m *observe.Metrics, log *slog.Logger) *Downlink {
	return &Downlink{
		rx:      rx,
		reg:     reg,
		metrics: m,
		log:     log,
		queue:   make(chan playItem, queueSize),
		done:    make(chan struct{}),
	}
}

// Run reads datagrams until the receiver is closed or ctx ends. Malformed
// datagrams are logged and skipped; any other read failure returns a
// *TransportError.
func (d *Downlink) Run(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, addr, err := d.rx.Receive(buf)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				continue
			case errors.Is(err, transport.ErrClosed):
				return nil
			case errors.Is(err, transport.ErrForeignSource):
				d.log.Debug("downlink: ignoring datagram", "from", addr, "len", n)
				d.metrics.RecordDrop(ctx, observe.Downlink, observe.DropFormat)
				continue
			}
			return &TransportError{Op: "receive", Err: err}
		}

		d.handle(ctx, buf[:n], addr)
	}
}

// handle processes one datagram.
func (d *Downlink) handle(ctx context.Context, data []byte, from net.Addr) {
	f, err := usrp.Decode(data)
	if err != nil {
		d.log.Debug("downlink: malformed datagram", "from", from, "err", err)
		d.metrics.RecordDrop(ctx, observe.Downlink, observe.DropFormat)
		return
	}

	kind := usrp.Classify(f)
	d.metrics.RecordReceived(ctx, kind.String())

	d.mu.Lock()
	wasTalking := d.gate.State() == Talking
	play := d.gate.Observe(kind)
	if gap := f.Header.Seq - d.lastSeq; d.lastSeq != 0 && gap > 1 {
		d.log.Debug("downlink: sequence gap", "from", d.lastSeq, "to", f.Header.Seq)
	}
	d.lastSeq = f.Header.Seq
	d.mu.Unlock()

	switch kind {
	case usrp.KindStart:
		d.log.Info("downlink: start", "seq", f.Header.Seq, "talkgroup", f.Header.TalkGroup)
		return
	case usrp.KindEnd:
		d.log.Info("downlink: end", "seq", f.Header.Seq)
		if wasTalking {
			d.push(ctx, playItem{})
		}
		return
	case usrp.KindOther:
		d.log.Debug("downlink: ignoring frame", "type", f.Header.PacketType(), "seq", f.Header.Seq)
		return
	}

	if !play {
		d.log.Debug("downlink: voice outside burst", "seq", f.Header.Seq)
		d.metrics.RecordDrop(ctx, observe.Downlink, observe.DropFraming)
		return
	}
	if d.reg.Current() == nil {
		d.log.Debug("downlink: no call attached, dropping voice", "seq", f.Header.Seq)
		d.metrics.RecordDrop(ctx, observe.Downlink, observe.DropNoCall)
		return
	}

	pcm := make([]int16, usrp.VoiceFrameSize)
	copy(pcm, f.Audio[:])
	d.push(ctx, playItem{pcm: pcm})
}

func (d *Downlink) push(ctx context.Context, it playItem) {
	select {
	case d.queue <- it:
	default:
		d.log.Debug("downlink: playback queue full, dropping")
		d.metrics.RecordDrop(ctx, observe.Downlink, observe.DropQueue)
	}
}

// Play hands queued audio to the current call until Close or ctx ends.
// Audio is resampled to the call's format at the moment it is played.
func (d *Downlink) Play(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case it := <-d.queue:
			d.play(ctx, it)
		}
	}
}

func (d *Downlink) play(ctx context.Context, it playItem) {
	call := d.reg.Current()
	if call == nil {
		if it.pcm != nil {
			d.metrics.RecordDrop(ctx, observe.Downlink, observe.DropNoCall)
		}
		return
	}

	if it.pcm == nil {
		if se, ok := call.(StreamEnder); ok {
			if err := se.EndStream(); err != nil {
				d.log.Warn("downlink: end stream", "err", err)
			}
		}
		return
	}

	to := call.Format()
	block := audio.ResampleFrame(it.pcm, audio.Radio, to, to.SampleRate*int(frameDuration.Milliseconds())/1000)
	if err := call.Play(ctx, block); err != nil {
		d.log.Warn("downlink: play failed", "err", err)
		d.metrics.RecordDrop(ctx, observe.Downlink, observe.DropPlay)
	}
}

// Reset returns the gate to Idle and discards queued audio.
func (d *Downlink) Reset() {
	d.mu.Lock()
	d.gate.Reset()
	d.mu.Unlock()

	for {
		select {
		case <-d.queue:
		default:
			return
		}
	}
}

// Close makes Play return.
func (d *Downlink) Close() {
	d.once.Do(func() { close(d.done) })
}

// State returns the downlink gating state.
func (d *Downlink) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gate.State()
}

// Queued returns the number of frames waiting for playback.
func (d *Downlink) Queued() int { return len(d.queue) }
