package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbehnke/dmr-bridge-discord/pkg/audio"
	"github.com/dbehnke/dmr-bridge-discord/pkg/usrp"
)

// startUplink attaches a fake call and runs the sender until the test ends.
func startUplink(t *testing.T, tx Sender, queue int, pacing time.Duration) (*Uplink, chan error) {
	t.Helper()
	reg := &Registry{}
	reg.Attach(newFakeCall())
	u := NewUplink(tx, reg, 3100, queue, pacing, noopMetrics(t), discardLogger())

	errc := make(chan error, 1)
	go func() { errc <- u.Run(context.Background()) }()
	t.Cleanup(u.Close)
	return u, errc
}

func speak(ssrc uint32, on bool) Event {
	return SpeakingUpdate{SSRC: ssrc, UserID: "user", Speaking: on}
}

func voice(ssrc uint32, pcm []int16) Event {
	return VoicePacket{SSRC: ssrc, UserID: "user", Format: audio.Discord, PCM: pcm}
}

func TestUplink_SpeakingSequence(t *testing.T) {
	tx := newSinkSender()
	u, errc := startUplink(t, tx, 16, 0)
	ctx := context.Background()
	chunk := tone48(440, 8000)

	events := []Event{
		voice(1, chunk), // before any speaking update
		speak(1, true),
		voice(1, chunk),
		speak(1, false),
		voice(1, chunk), // decoder tail between bursts
		speak(1, true),
		voice(1, chunk),
		speak(1, false),
	}
	for _, ev := range events {
		require.NoError(t, u.HandleEvent(ctx, ev))
	}

	u.Close()
	require.NoError(t, <-errc)

	got := kinds(t, tx.sent)
	assert.Equal(t, []usrp.Kind{
		usrp.KindStart, usrp.KindVoice, usrp.KindEnd,
		usrp.KindStart, usrp.KindVoice, usrp.KindEnd,
	}, got)

	for i, d := range tx.sent {
		f, err := usrp.Decode(d)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), f.Header.Seq, "datagram %d", i)
		assert.Equal(t, uint32(3100), f.Header.TalkGroup)
	}
	assert.Equal(t, uint32(len(tx.sent)), u.Sequence())
}

func TestUplink_ChunksArbitraryLengths(t *testing.T) {
	tx := newSinkSender()
	u, errc := startUplink(t, tx, 16, 0)
	ctx := context.Background()

	require.NoError(t, u.HandleEvent(ctx, speak(9, true)))
	// 2.5 native frames in uneven pieces yield exactly two voice frames.
	pcm := make([]int16, 1920*5/2)
	for _, part := range [][]int16{pcm[:700], pcm[700:2500], pcm[2500:]} {
		require.NoError(t, u.HandleEvent(ctx, voice(9, part)))
	}

	u.Close()
	require.NoError(t, <-errc)
	assert.Equal(t, []usrp.Kind{usrp.KindStart, usrp.KindVoice, usrp.KindVoice}, kinds(t, tx.sent))
	for _, d := range tx.sent[1:] {
		assert.Len(t, d, usrp.VoicePacketSize)
	}
}

func TestUplink_NoCallIgnoresEvents(t *testing.T) {
	tx := newSinkSender()
	u := NewUplink(tx, &Registry{}, 0, 4, 0, noopMetrics(t), discardLogger())

	ctx := context.Background()
	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	require.NoError(t, u.HandleEvent(ctx, voice(1, tone48(440, 8000))))
	assert.Equal(t, 0, u.Queued())
	state, _ := u.State()
	assert.Equal(t, Idle, state)
}

type unknownEvent struct{}

func (unknownEvent) isEvent() {}

func TestUplink_UnsupportedEvent(t *testing.T) {
	u, _ := startUplink(t, newSinkSender(), 4, 0)
	err := u.HandleEvent(context.Background(), unknownEvent{})
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestUplink_RejectsBadFormat(t *testing.T) {
	u, _ := startUplink(t, newSinkSender(), 4, 0)
	ctx := context.Background()
	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	err := u.HandleEvent(ctx, VoicePacket{SSRC: 1, Format: audio.Format{SampleRate: 48000}, PCM: []int16{1}})
	assert.Error(t, err)
}

func TestUplink_Backpressure(t *testing.T) {
	reg := &Registry{}
	reg.Attach(newFakeCall())
	u := NewUplink(newSinkSender(), reg, 0, 1, 0, noopMetrics(t), discardLogger())

	ctx := context.Background()
	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	assert.Equal(t, 1, u.Queued())

	// The queue is full and nothing drains it: the producer blocks.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := u.HandleEvent(blocked, voice(1, tone48(440, 8000)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	// Close releases a blocked producer.
	done := make(chan error, 1)
	go func() { done <- u.HandleEvent(ctx, voice(1, tone48(440, 8000))) }()
	time.Sleep(20 * time.Millisecond)
	u.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after Close")
	}
}

func TestUplink_Pacing(t *testing.T) {
	tx := newSinkSender()
	u, errc := startUplink(t, tx, 16, 15*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	require.NoError(t, u.HandleEvent(ctx, voice(1, tone48(440, 8000))))
	require.NoError(t, u.HandleEvent(ctx, speak(1, false)))

	start := time.Now()
	for range 3 {
		tx.next(t)
	}
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	u.Close()
	require.NoError(t, <-errc)
}

func TestUplink_SendFailureIsTransportError(t *testing.T) {
	tx := newSinkSender()
	tx.err = errBoom
	u, errc := startUplink(t, tx, 4, 0)

	require.NoError(t, u.HandleEvent(context.Background(), speak(1, true)))

	select {
	case err := <-errc:
		var te *TransportError
		require.True(t, errors.As(err, &te), "got %v", err)
		assert.Equal(t, "send", te.Op)
		assert.ErrorIs(t, err, errBoom)
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop")
	}

	// Producers fail fast once the sender is gone.
	<-u.Stopped()
	for range 8 {
		if err := u.HandleEvent(context.Background(), voice(1, tone48(440, 8000))); err != nil {
			assert.ErrorIs(t, err, ErrClosed)
			return
		}
	}
	t.Fatal("producer never observed the stopped sender")
}

func TestUplink_ResetEndsBurst(t *testing.T) {
	tx := newSinkSender()
	u, errc := startUplink(t, tx, 8, 0)
	ctx := context.Background()

	require.NoError(t, u.Reset(ctx), "reset while idle")
	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	require.NoError(t, u.Reset(ctx))

	u.Close()
	require.NoError(t, <-errc)
	assert.Equal(t, []usrp.Kind{usrp.KindStart, usrp.KindEnd}, kinds(t, tx.sent))
}

// newIdleUplink returns an attached uplink whose sender is not running yet.
func newIdleUplink(t *testing.T, tx Sender, queue int) *Uplink {
	t.Helper()
	reg := &Registry{}
	reg.Attach(newFakeCall())
	u := NewUplink(tx, reg, 0, queue, 0, noopMetrics(t), discardLogger())
	t.Cleanup(u.Close)
	return u
}

func runUplink(u *Uplink) chan error {
	errc := make(chan error, 1)
	go func() { errc <- u.Run(context.Background()) }()
	return errc
}

func assertConsecutive(t *testing.T, sent [][]byte) {
	t.Helper()
	for i, d := range sent {
		f, err := usrp.Decode(d)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), f.Header.Seq, "datagram %d", i)
	}
}

func TestUplink_TimedOutVoiceLeavesNoSequenceGap(t *testing.T) {
	tx := newSinkSender()
	u := newIdleUplink(t, tx, 1)
	ctx := context.Background()

	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, u.HandleEvent(short, voice(1, tone48(440, 8000))), context.DeadlineExceeded)

	errc := runUplink(u)
	require.NoError(t, u.HandleEvent(ctx, voice(1, tone48(440, 8000))))
	require.NoError(t, u.HandleEvent(ctx, speak(1, false)))
	u.Close()
	require.NoError(t, <-errc)

	assert.Equal(t, []usrp.Kind{usrp.KindStart, usrp.KindVoice, usrp.KindEnd}, kinds(t, tx.sent))
	assertConsecutive(t, tx.sent)
	assert.Equal(t, uint32(3), u.Sequence())
}

func TestUplink_UnqueuedEndIsSentLater(t *testing.T) {
	tx := newSinkSender()
	u := newIdleUplink(t, tx, 1)
	ctx := context.Background()

	// Burst A ends and burst B starts while the queue is stuck.
	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, u.HandleEvent(short, speak(1, false)), context.DeadlineExceeded)
	require.ErrorIs(t, u.HandleEvent(short, speak(2, true)), context.DeadlineExceeded)
	state, floor := u.State()
	assert.Equal(t, Talking, state)
	assert.Equal(t, uint32(2), floor)

	errc := runUplink(u)
	require.NoError(t, u.HandleEvent(ctx, voice(2, tone48(440, 8000))))
	require.NoError(t, u.HandleEvent(ctx, speak(2, false)))
	u.Close()
	require.NoError(t, <-errc)

	assert.Equal(t, []usrp.Kind{
		usrp.KindStart, usrp.KindEnd,
		usrp.KindStart, usrp.KindVoice, usrp.KindEnd,
	}, kinds(t, tx.sent))
	assertConsecutive(t, tx.sent)
}

func TestUplink_ResetSendsUnqueuedEnd(t *testing.T) {
	tx := newSinkSender()
	u := newIdleUplink(t, tx, 1)
	ctx := context.Background()

	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, u.HandleEvent(short, speak(1, false)), context.DeadlineExceeded)

	errc := runUplink(u)
	require.NoError(t, u.Reset(ctx))
	u.Close()
	require.NoError(t, <-errc)

	assert.Equal(t, []usrp.Kind{usrp.KindStart, usrp.KindEnd}, kinds(t, tx.sent))
	assertConsecutive(t, tx.sent)
}

func TestUplink_UnqueuedBurstIsForgotten(t *testing.T) {
	tx := newSinkSender()
	u := newIdleUplink(t, tx, 1)
	ctx := context.Background()

	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, u.HandleEvent(short, speak(1, false)), context.DeadlineExceeded)
	// Burst B starts and ends without ever reaching the queue.
	require.ErrorIs(t, u.HandleEvent(short, speak(2, true)), context.DeadlineExceeded)
	require.ErrorIs(t, u.HandleEvent(short, speak(2, false)), context.DeadlineExceeded)

	errc := runUplink(u)
	require.NoError(t, u.Reset(ctx))
	u.Close()
	require.NoError(t, <-errc)
	assert.Equal(t, []usrp.Kind{usrp.KindStart, usrp.KindEnd}, kinds(t, tx.sent))
	assertConsecutive(t, tx.sent)
}

func TestUplink_StateDoesNotWaitForBlockedProducer(t *testing.T) {
	u := newIdleUplink(t, newSinkSender(), 1)
	ctx := context.Background()
	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))

	blocked := make(chan error, 1)
	go func() { blocked <- u.HandleEvent(ctx, voice(1, tone48(440, 8000))) }()
	time.Sleep(20 * time.Millisecond)

	got := make(chan State, 1)
	go func() {
		state, _ := u.State()
		got <- state
	}()
	select {
	case state := <-got:
		assert.Equal(t, Talking, state)
	case <-time.After(time.Second):
		t.Fatal("State blocked behind the producer")
	}

	u.Close()
	assert.ErrorIs(t, <-blocked, ErrClosed)
}

func TestUplink_SpeakerFormatChange(t *testing.T) {
	tx := newSinkSender()
	u, errc := startUplink(t, tx, 16, 0)
	ctx := context.Background()
	mono := audio.Format{SampleRate: 48000, Channels: 1}

	require.NoError(t, u.HandleEvent(ctx, speak(1, true)))
	// Half a mono frame is buffered, then the speaker switches to stereo.
	require.NoError(t, u.HandleEvent(ctx, VoicePacket{SSRC: 1, Format: mono, PCM: make([]int16, 480)}))
	require.NotPanics(t, func() {
		require.NoError(t, u.HandleEvent(ctx, voice(1, tone48(440, 8000))))
	})
	require.NoError(t, u.HandleEvent(ctx, VoicePacket{SSRC: 1, Format: mono, PCM: make([]int16, 960)}))

	u.Close()
	require.NoError(t, <-errc)
	assert.Equal(t, []usrp.Kind{usrp.KindStart, usrp.KindVoice, usrp.KindVoice}, kinds(t, tx.sent))
}
