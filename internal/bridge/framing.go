package bridge

import (
	"slices"
	"sync/atomic"

	"github.com/dbehnke/dmr-bridge-discord/pkg/usrp"
)

// State is the framing state of one direction.
type State int

const (
	Idle State = iota
	Talking
)

func (s State) String() string {
	if s == Talking {
		return "talking"
	}
	return "idle"
}

// Sequence is a per-direction frame counter. It wraps at 2^32 and is never
// reset.
type Sequence struct {
	n atomic.Uint32
}

// NewSequence returns a counter whose first Next returns start.
func NewSequence(start uint32) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Next returns the number for the next frame and advances the counter.
func (s *Sequence) Next() uint32 {
	return s.n.Add(1) - 1
}

// Peek returns the number the next frame will get.
func (s *Sequence) Peek() uint32 {
	return s.n.Load()
}

// Framer turns speaking updates and audio blocks from any number of speakers
// into a single start, voice*, end burst.
//
// The first speaker takes the floor and keys up. When the floor holder
// stops while others are still speaking, the floor passes to the earliest
// remaining speaker without unkeying. The burst ends when the last speaker
// stops. Only the floor holder's audio is framed.
//
// Frames leave the framer with sequence number zero; the sender stamps the
// real number as it transmits them.
//
// Framer is not safe for concurrent use.
type Framer struct {
	talkGroup uint32

	state    State
	floor    uint32
	speakers []uint32 // in the order they started
}

// NewFramer returns an idle framer addressing talkGroup.
func NewFramer(talkGroup uint32) *Framer {
	return &Framer{talkGroup: talkGroup}
}

// Speaking records a speaking update and returns the control frame it
// produces, or nil.
func (f *Framer) Speaking(ssrc uint32, on bool) *usrp.Frame {
	i := slices.Index(f.speakers, ssrc)

	if on {
		if i >= 0 {
			return nil
		}
		f.speakers = append(f.speakers, ssrc)
		if f.state == Idle {
			f.state = Talking
			f.floor = ssrc
			return usrp.NewStart(0, f.talkGroup)
		}
		return nil
	}

	if i < 0 {
		return nil
	}
	f.speakers = slices.Delete(f.speakers, i, i+1)
	if f.state != Talking || f.floor != ssrc {
		return nil
	}
	if len(f.speakers) > 0 {
		f.floor = f.speakers[0]
		return nil
	}
	f.state = Idle
	return usrp.NewEnd(0, f.talkGroup)
}

// Voice frames 160 radio samples from ssrc. It returns nil unless a burst is
// in progress and ssrc holds the floor.
func (f *Framer) Voice(ssrc uint32, samples []int16) *usrp.Frame {
	if f.state != Talking || f.floor != ssrc {
		return nil
	}
	return usrp.NewVoice(0, f.talkGroup, samples)
}

// Reset forgets all speakers and returns an end frame if a burst was in
// progress.
func (f *Framer) Reset() *usrp.Frame {
	f.speakers = f.speakers[:0]
	if f.state != Talking {
		return nil
	}
	f.state = Idle
	return usrp.NewEnd(0, f.talkGroup)
}

// State returns the current framing state.
func (f *Framer) State() State { return f.state }

// Floor returns the SSRC holding the floor. Only meaningful while Talking.
func (f *Framer) Floor() uint32 { return f.floor }

// Gate tracks the radio peer's bursts. Voice is accepted only between a
// start and an end frame.
type Gate struct {
	state State
}

// Observe applies one classified frame and reports whether it carries audio
// that should be played.
func (g *Gate) Observe(k usrp.Kind) bool {
	switch k {
	case usrp.KindStart:
		g.state = Talking
	case usrp.KindEnd:
		g.state = Idle
	case usrp.KindVoice:
		return g.state == Talking
	}
	return false
}

// Reset returns the gate to Idle.
func (g *Gate) Reset() { g.state = Idle }

// State returns the current gating state.
func (g *Gate) State() State { return g.state }
