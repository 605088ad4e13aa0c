// Package audio provides the PCM conversions used to move audio between the
// radio side (8kHz mono) and the voice-channel side (48kHz stereo).
package audio

import (
	"fmt"
	"math"
	"time"
)

// Format describes the sample rate and channel count of an interleaved
// 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// Radio is the USRP audio format.
	Radio = Format{SampleRate: 8000, Channels: 1}

	// Discord is the voice channel's decoded audio format.
	Discord = Format{SampleRate: 48000, Channels: 2}
)

// Valid reports whether f can be converted from or to.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FrameSamples returns the number of interleaved samples f carries in d.
// 20ms is 160 samples for Radio and 1920 for Discord.
func FrameSamples(f Format, d time.Duration) int {
	return int(int64(f.SampleRate)*int64(d)/int64(time.Second)) * f.Channels
}

// UnderflowError is the panic value raised by ResampleFrame when the input
// cannot supply the requested output. It signals a framing bug in the caller.
type UnderflowError struct {
	Have int // input frames supplied
	Need int // input frames required
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("audio: resampler underflow: have %d frames, need %d", e.Have, e.Need)
}

// Resample converts in from one format to another, producing as many output
// frames as the input duration allows.
func Resample(in []int16, from, to Format) []int16 {
	checkFormats(from, to)
	frames := len(in) / from.Channels
	outFrames := int(int64(frames) * int64(to.SampleRate) / int64(from.SampleRate))
	return ResampleFrame(in, from, to, outFrames)
}

// ResampleFrame converts in to exactly outFrames frames of the target format
// (outFrames*to.Channels samples).
//
// Stereo is downmixed by averaging both channels and mono is upmixed by
// duplicating each sample; the rate is converted by linear interpolation
// between neighbouring input frames. If in holds fewer frames than the
// interpolation needs, ResampleFrame panics with an *UnderflowError rather
// than padding with silence.
func ResampleFrame(in []int16, from, to Format, outFrames int) []int16 {
	checkFormats(from, to)
	if len(in)%from.Channels != 0 {
		panic(fmt.Sprintf("audio: %d samples is not a whole number of %s frames", len(in), from))
	}

	src := in
	work := from.Channels
	if from.Channels == 2 && to.Channels == 1 {
		src = StereoToMono(in)
		work = 1
	}

	srcFrames := len(src) / work
	need := requiredFrames(outFrames, from.SampleRate, to.SampleRate)
	if srcFrames < need {
		panic(&UnderflowError{Have: srcFrames, Need: need})
	}

	out := make([]int16, outFrames*work)
	if from.SampleRate == to.SampleRate {
		copy(out, src[:outFrames*work])
	} else {
		interpolate(out, src, work, from.SampleRate, to.SampleRate)
	}

	if work == 1 && to.Channels == 2 {
		out = MonoToStereo(out)
	}
	return out
}

// interpolate fills dst by linear interpolation over src. Positions are
// computed in integer arithmetic so that integer ratios land exactly on
// input samples.
func interpolate(dst, src []int16, channels, fromRate, toRate int) {
	srcFrames := len(src) / channels
	dstFrames := len(dst) / channels
	for i := range dstFrames {
		num := int64(i) * int64(fromRate)
		idx := int(num / int64(toRate))
		frac := float64(num%int64(toRate)) / float64(toRate)

		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for c := range channels {
			s0 := float64(src[idx*channels+c])
			s1 := float64(src[next*channels+c])
			dst[i*channels+c] = clamp16(math.Round(s0 + (s1-s0)*frac))
		}
	}
}

// requiredFrames is the number of input frames needed to interpolate
// outFrames output frames.
func requiredFrames(outFrames, fromRate, toRate int) int {
	if outFrames <= 0 {
		return 0
	}
	if fromRate == toRate {
		return outFrames
	}
	return int(int64(outFrames-1)*int64(fromRate)/int64(toRate)) + 1
}

func checkFormats(from, to Format) {
	if !from.Valid() || !to.Valid() {
		panic(fmt.Sprintf("audio: unsupported conversion %s -> %s", from, to))
	}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []int16) []int16 {
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages L+R per stereo frame, rounding half away from zero.
func StereoToMono(pcm []int16) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		sum := float64(pcm[i*2]) + float64(pcm[i*2+1])
		out[i] = clamp16(math.Round(sum / 2))
	}
	return out
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
