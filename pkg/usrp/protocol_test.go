package usrp

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestVoiceFrame_MarshalDecode(t *testing.T) {
	original := NewVoice(1234, 5678, make([]int16, VoiceFrameSize))
	original.Header.Memory = 42
	original.Header.MpxID = 7
	original.Header.Reserved = 9

	// Fill audio data with test pattern
	for i := range original.Audio {
		original.Audio[i] = int16(i*211 - 16000)
	}

	data := original.Marshal()

	// Should be header (32 bytes) + audio (320 bytes) = 352 bytes
	if len(data) != VoicePacketSize {
		t.Fatalf("Unexpected data size: got %d, want %d", len(data), VoicePacketSize)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	if decoded.Header != original.Header {
		t.Errorf("Header mismatch: got %+v, want %+v", decoded.Header, original.Header)
	}
	if !decoded.HasAudio {
		t.Fatal("Decoded voice frame has no audio")
	}
	for i, sample := range decoded.Audio {
		if sample != original.Audio[i] {
			t.Errorf("Audio[%d] mismatch: got %d, want %d", i, sample, original.Audio[i])
		}
	}
}

func TestControlFrames_MarshalDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
		kind  Kind
	}{
		{"start", NewStart(10, 3100), KindStart},
		{"end", NewEnd(11, 3100), KindEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.frame.Marshal()
			if len(data) != ControlFrameSize {
				t.Fatalf("Unexpected data size: got %d, want %d", len(data), ControlFrameSize)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if decoded.Header != tt.frame.Header {
				t.Errorf("Header mismatch: got %+v, want %+v", decoded.Header, tt.frame.Header)
			}
			if decoded.HasAudio {
				t.Error("Control frame decoded with audio")
			}
			if got := Classify(decoded); got != tt.kind {
				t.Errorf("Classify = %v, want %v", got, tt.kind)
			}
		})
	}
}

func TestMarshal_WireLayout(t *testing.T) {
	f := NewVoice(0x01020304, 0x0A0B0C0D, make([]int16, VoiceFrameSize))
	f.Header.Type = uint32(USRP_TYPE_TEXT)
	f.Audio[0] = 0x1122
	f.Audio[159] = -2

	data := f.Marshal()

	if string(data[0:4]) != "USRP" {
		t.Errorf("Magic = %q", data[0:4])
	}
	if got := data[4:8]; got[0] != 0x01 || got[3] != 0x04 {
		t.Errorf("Seq not big-endian: % x", got)
	}
	if got := binary.BigEndian.Uint32(data[12:16]); got != 1 {
		t.Errorf("Keyup = %d, want 1", got)
	}
	if got := binary.BigEndian.Uint32(data[16:20]); got != 0x0A0B0C0D {
		t.Errorf("TalkGroup = %#x", got)
	}
	// Packet type is the one little-endian header word.
	if data[20] != 2 || data[23] != 0 {
		t.Errorf("Type not little-endian: % x", data[20:24])
	}
	if data[32] != 0x22 || data[33] != 0x11 {
		t.Errorf("Audio not little-endian: % x", data[32:34])
	}
	if data[350] != 0xFE || data[351] != 0xFF {
		t.Errorf("Last sample = % x", data[350:352])
	}
}

func TestDecode_Rejects(t *testing.T) {
	valid := NewVoice(1, 1, make([]int16, VoiceFrameSize)).Marshal()
	badMagic := append([]byte(nil), valid...)
	copy(badMagic, "UDRP")

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrFrameLength},
		{"runt", valid[:31], ErrFrameLength},
		{"between", valid[:33], ErrFrameLength},
		{"short voice", valid[:351], ErrFrameLength},
		{"oversize", append(append([]byte(nil), valid...), 0), ErrFrameLength},
		{"bad magic", badMagic, ErrBadMagic},
		{"bad magic control", badMagic[:32], ErrBadMagic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode error = %v, want %v", err, tt.want)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("error %T is not a *FormatError", err)
			}
			if fe.Len != len(tt.data) {
				t.Errorf("FormatError.Len = %d, want %d", fe.Len, len(tt.data))
			}
		})
	}
}

func TestDecode_UnknownPacketType(t *testing.T) {
	data := NewEnd(5, 0).Marshal()
	binary.LittleEndian.PutUint32(data[20:24], 9)

	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Permissive decode failed: %v", err)
	}
	if f.Header.PacketType() != USRP_TYPE_VOICE {
		t.Errorf("Unknown type decoded as %v, want voice", f.Header.PacketType())
	}

	if _, err := DecodeStrict(data); !errors.Is(err, ErrPacketType) {
		t.Errorf("Strict decode error = %v, want %v", err, ErrPacketType)
	}
}

func TestClassify(t *testing.T) {
	text := NewStart(1, 0)
	text.Header.Type = uint32(USRP_TYPE_TEXT)
	text.Header.SetPTT(false)

	dtmf := NewEnd(1, 0)
	dtmf.Header.Type = uint32(USRP_TYPE_DTMF)

	tests := []struct {
		name  string
		frame *Frame
		want  Kind
	}{
		{"voice", NewVoice(1, 0, make([]int16, VoiceFrameSize)), KindVoice},
		{"start", NewStart(1, 0), KindStart},
		{"end", NewEnd(1, 0), KindEnd},
		{"text", text, KindStart},
		{"dtmf", dtmf, KindOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.frame); got != tt.want {
			t.Errorf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewVoice_PanicsOnWrongLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewVoice did not panic on short sample slice")
		}
	}()
	NewVoice(1, 0, make([]int16, 10))
}

func TestHeader_PTT(t *testing.T) {
	h := NewHeader(USRP_TYPE_VOICE, 0)
	if h.IsPTT() {
		t.Error("New header should not be keyed")
	}
	h.SetPTT(true)
	if !h.IsPTT() || h.Keyup != 1 {
		t.Errorf("SetPTT(true): Keyup = %d", h.Keyup)
	}
	h.SetPTT(false)
	if h.IsPTT() {
		t.Error("SetPTT(false) left PTT on")
	}
}

func BenchmarkMarshalVoice(b *testing.B) {
	f := NewVoice(1, 1, make([]int16, VoiceFrameSize))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Marshal()
	}
}

func BenchmarkDecodeVoice(b *testing.B) {
	data := NewVoice(1, 1, make([]int16, VoiceFrameSize)).Marshal()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(data); err != nil {
			b.Fatal(err)
		}
	}
}
