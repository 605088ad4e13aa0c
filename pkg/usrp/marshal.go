package usrp

import (
	"encoding/binary"
)

// Marshal serializes the frame into a 32-byte control frame or a 352-byte
// voice frame.
//
// Header words are written in network byte order except the packet type at
// offset 20, which peers expect little-endian. Audio samples are little-endian.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, f.Size())
	copy(buf[0:4], USRPMagic)
	binary.BigEndian.PutUint32(buf[offSeq:], f.Header.Seq)
	binary.BigEndian.PutUint32(buf[offMemory:], f.Header.Memory)
	binary.BigEndian.PutUint32(buf[offKeyup:], f.Header.Keyup)
	binary.BigEndian.PutUint32(buf[offTalkGroup:], f.Header.TalkGroup)
	binary.LittleEndian.PutUint32(buf[offType:], f.Header.Type)
	binary.BigEndian.PutUint32(buf[offMpxID:], f.Header.MpxID)
	binary.BigEndian.PutUint32(buf[offReserved:], f.Header.Reserved)

	if f.HasAudio {
		for i, sample := range f.Audio {
			binary.LittleEndian.PutUint16(buf[HeaderSize+i*2:], uint16(sample))
		}
	}
	return buf
}

// Decode parses a datagram. Unknown packet types are read as voice so that
// peers using vendor-specific values still interoperate.
func Decode(data []byte) (*Frame, error) {
	return decode(data, false)
}

// DecodeStrict is like Decode but rejects unknown packet types.
func DecodeStrict(data []byte) (*Frame, error) {
	return decode(data, true)
}

func decode(data []byte, strict bool) (*Frame, error) {
	if len(data) != ControlFrameSize && len(data) != VoicePacketSize {
		return nil, &FormatError{Len: len(data), Err: ErrFrameLength}
	}
	if string(data[0:4]) != USRPMagic {
		return nil, &FormatError{Len: len(data), Err: ErrBadMagic}
	}

	f := &Frame{}
	copy(f.Header.Eye[:], data[0:4])
	f.Header.Seq = binary.BigEndian.Uint32(data[offSeq:])
	f.Header.Memory = binary.BigEndian.Uint32(data[offMemory:])
	f.Header.Keyup = binary.BigEndian.Uint32(data[offKeyup:])
	f.Header.TalkGroup = binary.BigEndian.Uint32(data[offTalkGroup:])
	f.Header.Type = binary.LittleEndian.Uint32(data[offType:])
	f.Header.MpxID = binary.BigEndian.Uint32(data[offMpxID:])
	f.Header.Reserved = binary.BigEndian.Uint32(data[offReserved:])

	if !f.Header.PacketType().Valid() {
		if strict {
			return nil, &FormatError{Len: len(data), Err: ErrPacketType}
		}
		f.Header.Type = uint32(USRP_TYPE_VOICE)
	}

	if len(data) == VoicePacketSize {
		f.HasAudio = true
		for i := range f.Audio {
			f.Audio[i] = int16(binary.LittleEndian.Uint16(data[HeaderSize+i*2:]))
		}
	}
	return f, nil
}
