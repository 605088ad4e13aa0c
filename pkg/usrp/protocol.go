// Package usrp provides a Go library for handling USRP (Universal Software Radio Protocol)
// frames as exchanged between radio-over-IP gateways and voice bridges.
//
// Only the fixed-size framing is supported: a 32-byte header optionally followed by
// 160 little-endian 16-bit samples (20ms of 8kHz mono audio). Any other datagram
// length is rejected.
package usrp

import (
	"errors"
	"fmt"
)

// Protocol constants
const (
	USRPMagic        = "USRP"                        // 4-byte magic string
	HeaderSize       = 32                            // Fixed 32-byte header
	VoiceFrameSize   = 160                           // 160 samples per voice frame (20ms at 8kHz)
	VoicePacketSize  = HeaderSize + VoiceFrameSize*2 // 352 bytes on the wire
	ControlFrameSize = HeaderSize                    // start/end frames carry no payload
	SampleRate       = 8000                          // Hz, mono
)

// Header field offsets.
const (
	offSeq       = 4
	offMemory    = 8
	offKeyup     = 12
	offTalkGroup = 16
	offType      = 20
	offMpxID     = 24
	offReserved  = 28
)

// PacketType defines the type of USRP packet
type PacketType uint32

const (
	USRP_TYPE_VOICE PacketType = 0 // Voice audio data
	USRP_TYPE_DTMF  PacketType = 1 // DTMF signaling
	USRP_TYPE_TEXT  PacketType = 2 // Text/metadata
)

// Valid reports whether t is one of the known packet types.
func (t PacketType) Valid() bool {
	switch t {
	case USRP_TYPE_VOICE, USRP_TYPE_DTMF, USRP_TYPE_TEXT:
		return true
	}
	return false
}

func (t PacketType) String() string {
	switch t {
	case USRP_TYPE_VOICE:
		return "voice"
	case USRP_TYPE_DTMF:
		return "dtmf"
	case USRP_TYPE_TEXT:
		return "text"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Header represents the 32-byte USRP packet header.
type Header struct {
	Eye       [4]byte // "USRP" magic string
	Seq       uint32  // Sequence counter
	Memory    uint32  // Stream ID or zero (default)
	Keyup     uint32  // PTT state (1 = ON, 0 = OFF)
	TalkGroup uint32  // Trunk TG ID
	Type      uint32  // Packet type
	MpxID     uint32  // Future use
	Reserved  uint32  // Future use
}

// Frame is a single USRP datagram. When HasAudio is false the frame is a
// 32-byte control frame and Audio is ignored.
type Frame struct {
	Header   Header
	Audio    [VoiceFrameSize]int16 // 160 signed 16-bit samples, little-endian on the wire
	HasAudio bool
}

// Sentinel errors wrapped by FormatError.
var (
	ErrFrameLength = errors.New("usrp: invalid frame length")
	ErrBadMagic    = errors.New("usrp: invalid magic")
	ErrPacketType  = errors.New("usrp: unknown packet type")
)

// FormatError reports a datagram that is not a well-formed USRP frame.
type FormatError struct {
	Len int
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v (%d bytes)", e.Err, e.Len)
}

func (e *FormatError) Unwrap() error { return e.Err }

// NewHeader creates a new USRP header with default values
func NewHeader(packetType PacketType, seq uint32) Header {
	h := Header{
		Seq:  seq,
		Type: uint32(packetType),
	}
	copy(h.Eye[:], USRPMagic)
	return h
}

// SetPTT sets the PTT (Push-To-Talk) state
func (h *Header) SetPTT(on bool) {
	if on {
		h.Keyup = 1
	} else {
		h.Keyup = 0
	}
}

// IsPTT returns true if PTT is active
func (h *Header) IsPTT() bool {
	return h.Keyup != 0
}

// PacketType returns the header type field as a PacketType.
func (h *Header) PacketType() PacketType {
	return PacketType(h.Type)
}

// NewStart returns the control frame that keys up a transmission.
func NewStart(seq, talkGroup uint32) *Frame {
	f := &Frame{Header: NewHeader(USRP_TYPE_VOICE, seq)}
	f.Header.TalkGroup = talkGroup
	f.Header.SetPTT(true)
	return f
}

// NewEnd returns the control frame that unkeys a transmission.
func NewEnd(seq, talkGroup uint32) *Frame {
	f := &Frame{Header: NewHeader(USRP_TYPE_VOICE, seq)}
	f.Header.TalkGroup = talkGroup
	return f
}

// NewVoice returns a keyed voice frame carrying samples. samples must hold
// exactly VoiceFrameSize values.
func NewVoice(seq, talkGroup uint32, samples []int16) *Frame {
	if len(samples) != VoiceFrameSize {
		panic(fmt.Sprintf("usrp: voice frame needs %d samples, got %d", VoiceFrameSize, len(samples)))
	}
	f := &Frame{Header: NewHeader(USRP_TYPE_VOICE, seq), HasAudio: true}
	f.Header.TalkGroup = talkGroup
	f.Header.SetPTT(true)
	copy(f.Audio[:], samples)
	return f
}

// Size returns the encoded length of f.
func (f *Frame) Size() int {
	if f.HasAudio {
		return VoicePacketSize
	}
	return ControlFrameSize
}

// Kind is the role a frame plays in a transmission burst.
type Kind int

const (
	KindOther Kind = iota
	KindStart
	KindVoice
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindVoice:
		return "voice"
	case KindEnd:
		return "end"
	}
	return "other"
}

// Classify maps a decoded frame onto the start/voice/end burst structure.
// Text frames announce a talker and are treated as a start; voice-typed
// control frames start or end a burst depending on their PTT flag.
func Classify(f *Frame) Kind {
	switch f.Header.PacketType() {
	case USRP_TYPE_TEXT:
		return KindStart
	case USRP_TYPE_VOICE:
		if f.HasAudio {
			return KindVoice
		}
		if f.Header.IsPTT() {
			return KindStart
		}
		return KindEnd
	}
	return KindOther
}
