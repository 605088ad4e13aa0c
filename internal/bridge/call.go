// Package bridge moves audio between an attached voice call and a USRP radio
// peer.
//
// Two pipelines run independently. The uplink turns the call's decoded
// audio and speaking notifications into USRP start, voice and end frames and
// sends them over UDP. The downlink reads USRP frames, gates them on the
// peer's start/end framing and plays the audio into the call. Both pipelines
// look up the current call through a [Registry] and never hold its lock
// across I/O.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/dbehnke/dmr-bridge-discord/pkg/audio"
)

// Call is an attached voice-channel connection.
type Call interface {
	// Format is the PCM format Play expects and VoicePacket events carry.
	Format() audio.Format

	// Play submits one finite block of PCM for playback.
	Play(ctx context.Context, pcm []int16) error

	// Listen installs h as the receiver of decoded audio and speaking
	// updates, replacing any previous handler. Listen(nil) stops delivery.
	Listen(h EventHandler)
}

// StreamEnder is implemented by calls that want to know when a radio
// transmission has finished, for example to clear a speaking indicator.
type StreamEnder interface {
	EndStream() error
}

var (
	// ErrUnsupportedEvent is returned by the uplink for an Event type it has
	// no branch for. No call implementation in this module emits one.
	ErrUnsupportedEvent = errors.New("bridge: unsupported event")

	// ErrClosed is returned once the bridge or a pipeline has shut down.
	ErrClosed = errors.New("bridge: closed")
)

// TransportError reports a UDP failure. It terminates the pipeline that
// hit it.
type TransportError struct {
	Op  string // "send" or "receive"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bridge: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
