package bridge

import (
	"context"

	"github.com/dbehnke/dmr-bridge-discord/pkg/audio"
)

// Event is delivered by a Call to its EventHandler. The concrete types are
// VoicePacket and SpeakingUpdate.
type Event interface {
	isEvent()
}

// VoicePacket carries one chunk of decoded audio from a single speaker.
type VoicePacket struct {
	SSRC   uint32
	UserID string
	Format audio.Format
	PCM    []int16 // interleaved, any length that is a whole number of frames
}

// SpeakingUpdate reports a speaker starting or stopping.
type SpeakingUpdate struct {
	SSRC     uint32
	UserID   string
	Speaking bool
}

func (VoicePacket) isEvent()    {}
func (SpeakingUpdate) isEvent() {}

// EventHandler consumes call events. It may block while the uplink queue is
// full.
type EventHandler func(ctx context.Context, ev Event) error
