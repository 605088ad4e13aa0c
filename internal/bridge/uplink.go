package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbehnke/dmr-bridge-discord/internal/observe"
	"github.com/dbehnke/dmr-bridge-discord/pkg/audio"
	"github.com/dbehnke/dmr-bridge-discord/pkg/usrp"
)

// frameDuration is the audio carried by one USRP voice frame.
const frameDuration = 20 * time.Millisecond

// Sender writes one datagram to the radio peer.
type Sender interface {
	Send(b []byte) error
}

// Uplink frames call audio as USRP and sends it. HandleEvent is the producer
// side; Run is the single sender.
type Uplink struct {
	tx      Sender
	reg     *Registry
	pacing  time.Duration
	metrics *observe.Metrics
	log     *slog.Logger

	seq   *Sequence // advanced by the sender only
	queue chan *usrp.Frame

	closeOnce sync.Once
	done      chan struct{} // closed by Close
	stopped   chan struct{} // closed when Run returns

	// mu serializes producers. It is held from a framer transition until
	// its frame is queued so frames enter the queue in framing order.
	mu       sync.Mutex
	framer   *Framer
	chunkers map[uint32]*chunker
	pending  []*usrp.Frame // start and end frames that could not be queued yet

	stateMu sync.Mutex // guards state and floor, published after each event
	state   State
	floor   uint32
}

// chunker collects one speaker's audio into native 20 ms blocks.
type chunker struct {
	format audio.Format
	*audio.Chunker
}

// NewUplink returns an uplink sending through tx. queueSize bounds the frames
// waiting to be sent; pacing is the pause between consecutive sends.
func NewUplink(tx Sender, reg *Registry, talkGroup uint32, queueSize int, pacing time.Duration, m *observe.Metrics, log *slog.Logger) *Uplink {
	return &Uplink{
		tx:       tx,
		reg:      reg,
		pacing:   pacing,
		metrics:  m,
		log:      log,
		seq:      NewSequence(0),
		queue:    make(chan *usrp.Frame, queueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		framer:   NewFramer(talkGroup),
		chunkers: make(map[uint32]*chunker),
	}
}

// HandleEvent dispatches one call event. It blocks while the send queue is
// full. Events arriving while no call is attached are ignored.
//
// When ctx ends or the uplink closes before a frame is queued, voice frames
// are dropped while start and end frames are kept and queued ahead of the
// next frame, so bursts on the wire stay balanced.
func (u *Uplink) HandleEvent(ctx context.Context, ev Event) error {
	if u.reg.Current() == nil {
		return nil
	}

	switch ev := ev.(type) {
	case SpeakingUpdate:
		return u.speaking(ctx, ev)
	case VoicePacket:
		return u.voice(ctx, ev)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedEvent, ev)
	}
}

func (u *Uplink) speaking(ctx context.Context, ev SpeakingUpdate) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publish()

	if !ev.Speaking {
		delete(u.chunkers, ev.SSRC)
	}
	f := u.framer.Speaking(ev.SSRC, ev.Speaking)
	if f == nil {
		u.log.Debug("uplink: speaking update", "ssrc", ev.SSRC, "user", ev.UserID, "speaking", ev.Speaking, "state", u.framer.State())
		return nil
	}
	u.log.Info("uplink: "+usrp.Classify(f).String(), "ssrc", ev.SSRC, "user", ev.UserID)
	return u.commit(ctx, f)
}

func (u *Uplink) voice(ctx context.Context, ev VoicePacket) error {
	if !ev.Format.Valid() {
		return fmt.Errorf("bridge: voice packet in unsupported format %s", ev.Format)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.framer.State() != Talking || u.framer.Floor() != ev.SSRC {
		// Decoder tail packets and overlapping speakers land here.
		u.metrics.RecordDrop(ctx, observe.Uplink, observe.DropFraming)
		return nil
	}

	c := u.chunkers[ev.SSRC]
	if c == nil || c.format != ev.Format {
		if c != nil {
			u.log.Debug("uplink: speaker format changed", "ssrc", ev.SSRC, "from", c.format, "to", ev.Format, "discarded", c.Buffered())
		}
		c = &chunker{format: ev.Format, Chunker: audio.NewChunker(audio.FrameSamples(ev.Format, frameDuration))}
		u.chunkers[ev.SSRC] = c
	}

	for _, block := range c.Write(ev.PCM) {
		radio := audio.ResampleFrame(block, ev.Format, audio.Radio, usrp.VoiceFrameSize)
		f := u.framer.Voice(ev.SSRC, radio)
		if f == nil {
			continue
		}
		if err := u.commit(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// Reset forces the framer to Idle, sending an end frame if a burst was in
// progress. Pending start and end frames are queued first.
func (u *Uplink) Reset(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.publish()

	clear(u.chunkers)
	f := u.framer.Reset()
	if f == nil {
		return u.flushPending(ctx)
	}
	u.log.Info("uplink: end (reset)")
	return u.commit(ctx, f)
}

// commit queues f behind any pending control frames. Callers hold mu.
func (u *Uplink) commit(ctx context.Context, f *usrp.Frame) error {
	err := u.flushPending(ctx)
	if err == nil {
		err = u.enqueue(ctx, f)
	}
	if err == nil {
		return nil
	}

	kind := usrp.Classify(f)
	switch {
	case kind == usrp.KindVoice:
		u.metrics.RecordDrop(context.WithoutCancel(ctx), observe.Uplink, observe.DropAborted)
	case kind == usrp.KindEnd && len(u.pending) > 0 && usrp.Classify(u.pending[len(u.pending)-1]) == usrp.KindStart:
		// The burst never reached the queue; forget it entirely.
		u.pending = u.pending[:len(u.pending)-1]
	default:
		u.pending = append(u.pending, f)
	}
	u.log.Debug("uplink: frame not queued", "kind", kind.String(), "pending", len(u.pending), "err", err)
	return err
}

// flushPending queues the control frames held back by earlier failures.
func (u *Uplink) flushPending(ctx context.Context) error {
	for len(u.pending) > 0 {
		if err := u.enqueue(ctx, u.pending[0]); err != nil {
			return err
		}
		u.pending = u.pending[1:]
	}
	return nil
}

// publish makes the framer's state visible to State. Callers hold mu.
func (u *Uplink) publish() {
	u.stateMu.Lock()
	u.state, u.floor = u.framer.State(), u.framer.Floor()
	u.stateMu.Unlock()
}

// enqueue blocks until f is queued, the uplink shuts down or ctx ends.
func (u *Uplink) enqueue(ctx context.Context, f *usrp.Frame) error {
	select {
	case u.queue <- f:
		return nil
	default:
	}

	start := time.Now()
	defer func() {
		u.metrics.UplinkQueueWait.Record(ctx, time.Since(start).Seconds())
	}()

	select {
	case u.queue <- f:
		return nil
	case <-u.done:
		return ErrClosed
	case <-u.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run sends queued frames in order until Close or ctx ends. Frames already
// queued at Close are flushed first. A send failure returns a
// *TransportError.
func (u *Uplink) Run(ctx context.Context) error {
	defer close(u.stopped)

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-u.done:
			return u.flush(ctx, &last)
		case f := <-u.queue:
			if err := u.send(ctx, f, &last); err != nil {
				return err
			}
		}
	}
}

func (u *Uplink) flush(ctx context.Context, last *time.Time) error {
	for {
		select {
		case f := <-u.queue:
			if err := u.send(ctx, f, last); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (u *Uplink) send(ctx context.Context, f *usrp.Frame, last *time.Time) error {
	if u.pacing > 0 && !last.IsZero() {
		if wait := u.pacing - time.Since(*last); wait > 0 {
			time.Sleep(wait)
		}
	}

	f.Header.Seq = u.seq.Peek()
	if err := u.tx.Send(f.Marshal()); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	u.seq.Next()
	*last = time.Now()

	kind := usrp.Classify(f).String()
	u.metrics.RecordSent(ctx, kind)
	u.log.Debug("uplink: sent", "kind", kind, "seq", f.Header.Seq)
	return nil
}

// Close stops accepting frames and makes Run return after flushing.
func (u *Uplink) Close() {
	u.closeOnce.Do(func() { close(u.done) })
}

// Stopped is closed once Run has returned.
func (u *Uplink) Stopped() <-chan struct{} { return u.stopped }

// State returns the framing state and the floor holder as of the last
// completed event. It does not wait for a producer blocked on the queue.
func (u *Uplink) State() (State, uint32) {
	u.stateMu.Lock()
	defer u.stateMu.Unlock()
	return u.state, u.floor
}

// Sequence returns the number the next transmitted frame will carry.
func (u *Uplink) Sequence() uint32 { return u.seq.Peek() }

// Queued returns the number of frames waiting to be sent.
func (u *Uplink) Queued() int { return len(u.queue) }
