// Package discord connects the bridge to Discord: a bot session that takes
// text commands, and a voice call adapter implementing bridge.Call on top of
// a discordgo voice connection.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/dbehnke/dmr-bridge-discord/internal/bridge"
	"github.com/dbehnke/dmr-bridge-discord/pkg/audio"
)

// Discord voice is 48 kHz stereo Opus in 20 ms frames. opusFrameSize counts
// samples per channel; opusFrameLen counts interleaved samples.
const (
	opusFrameSize   = 960
	opusFrameLen    = opusFrameSize * 2
	opusMaxBytes    = 4000
	defaultSilence  = 250 * time.Millisecond
	speakingUpdates = 16
)

var _ bridge.Call = (*Call)(nil)
var _ bridge.StreamEnder = (*Call)(nil)

// Call adapts a voice connection to bridge.Call. Incoming Opus is decoded
// per speaker and delivered as VoicePacket events; a speaker is reported as
// stopped when Discord says so or after a short silence.
type Call struct {
	GuildID   string
	ChannelID string

	recv        <-chan *discordgo.Packet
	send        chan<- []byte
	setSpeaking func(bool) error
	disconnect  func() error
	silence     time.Duration
	log         *slog.Logger

	updates chan *discordgo.VoiceSpeakingUpdate

	handlerMu sync.Mutex
	handler   bridge.EventHandler

	playMu   sync.Mutex // guards enc and speaking
	enc      *gopus.Encoder
	speaking bool

	ctx         context.Context
	cancel      context.CancelFunc
	releaseOnce sync.Once
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// newCall wraps a joined voice connection and starts its receive loop.
func newCall(vc *discordgo.VoiceConnection, log *slog.Logger) (*Call, error) {
	c, err := startCall(vc.OpusRecv, vc.OpusSend, vc.Speaking, vc.Disconnect, defaultSilence, log)
	if err != nil {
		return nil, err
	}
	c.GuildID, c.ChannelID = vc.GuildID, vc.ChannelID
	vc.AddHandler(c.onSpeakingUpdate)
	return c, nil
}

func startCall(recv <-chan *discordgo.Packet, send chan<- []byte, speaking func(bool) error, disconnect func() error, silence time.Duration, log *slog.Logger) (*Call, error) {
	enc, err := gopus.NewEncoder(audio.Discord.SampleRate, audio.Discord.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		recv:        recv,
		send:        send,
		setSpeaking: speaking,
		disconnect:  disconnect,
		silence:     silence,
		log:         log,
		updates:     make(chan *discordgo.VoiceSpeakingUpdate, speakingUpdates),
		enc:         enc,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.wg.Add(1)
	go c.recvLoop()
	return c, nil
}

// Format reports Discord's decoded PCM format.
func (c *Call) Format() audio.Format { return audio.Discord }

// Listen installs the bridge's event handler.
func (c *Call) Listen(h bridge.EventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

// Play encodes one 20 ms block and queues it for sending, marking the bot as
// speaking on the first block of a transmission.
func (c *Call) Play(ctx context.Context, pcm []int16) error {
	if len(pcm) != opusFrameLen {
		return fmt.Errorf("discord: play needs %d samples, got %d", opusFrameLen, len(pcm))
	}
	if c.ctx.Err() != nil {
		return bridge.ErrClosed
	}

	c.playMu.Lock()
	opus, err := c.enc.Encode(pcm, opusFrameSize, opusMaxBytes)
	if err == nil && !c.speaking {
		c.speaking = true
		if serr := c.setSpeaking(true); serr != nil {
			c.log.Warn("discord: speaking notification", "speaking", true, "err", serr)
		}
	}
	c.playMu.Unlock()
	if err != nil {
		return fmt.Errorf("discord: opus encode: %w", err)
	}

	select {
	case c.send <- opus:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return bridge.ErrClosed
	}
}

// EndStream clears the speaking indicator after a transmission.
func (c *Call) EndStream() error {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	if !c.speaking {
		return nil
	}
	c.speaking = false
	return c.setSpeaking(false)
}

// Release stops the receive loop and playback but leaves the voice
// connection up. Discord keeps one connection per guild, so a call moving
// to another channel of the same guild hands it over to a new Call.
func (c *Call) Release() {
	c.releaseOnce.Do(func() {
		c.Listen(nil)
		c.cancel()
		c.wg.Wait()
	})
}

// Close releases the call and leaves the voice channel. It is safe to call
// more than once.
func (c *Call) Close() error {
	c.Release()
	var err error
	c.closeOnce.Do(func() {
		if c.disconnect != nil {
			err = c.disconnect()
		}
	})
	return err
}

// onSpeakingUpdate is registered on the voice connection, which has no way
// to remove it; it goes quiet once the call is released.
func (c *Call) onSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.updates <- vs:
	case <-c.ctx.Done():
	default:
		c.log.Debug("discord: speaking update dropped", "user", vs.UserID)
	}
}

// speaker is the receive loop's view of one SSRC.
type speaker struct {
	user     string
	dec      *gopus.Decoder
	active   bool
	lastSeen time.Time
}

// recvLoop owns all per-speaker state, so speaking updates from the gateway
// are funnelled through c.updates.
func (c *Call) recvLoop() {
	defer c.wg.Done()

	speakers := make(map[uint32]*speaker)
	get := func(ssrc uint32) *speaker {
		s := speakers[ssrc]
		if s == nil {
			s = &speaker{}
			speakers[ssrc] = s
		}
		return s
	}

	ticker := time.NewTicker(c.silence / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case vs := <-c.updates:
			ssrc := uint32(vs.SSRC)
			s := get(ssrc)
			s.user = vs.UserID
			c.setActive(ssrc, s, vs.Speaking)

		case pkt, ok := <-c.recv:
			if !ok {
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			s := get(pkt.SSRC)
			s.lastSeen = time.Now()
			if s.dec == nil {
				dec, err := gopus.NewDecoder(audio.Discord.SampleRate, audio.Discord.Channels)
				if err != nil {
					c.log.Error("discord: create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				s.dec = dec
			}
			pcm, err := s.dec.Decode(pkt.Opus, opusFrameSize, false)
			if err != nil {
				c.log.Debug("discord: opus decode", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			c.setActive(pkt.SSRC, s, true)
			c.emit(bridge.VoicePacket{SSRC: pkt.SSRC, UserID: s.user, Format: audio.Discord, PCM: pcm})

		case now := <-ticker.C:
			for ssrc, s := range speakers {
				if s.active && now.Sub(s.lastSeen) >= c.silence {
					c.setActive(ssrc, s, false)
				}
			}
		}
	}
}

func (c *Call) setActive(ssrc uint32, s *speaker, on bool) {
	if s.active == on {
		return
	}
	s.active = on
	if on {
		s.lastSeen = time.Now()
	}
	c.emit(bridge.SpeakingUpdate{SSRC: ssrc, UserID: s.user, Speaking: on})
}

func (c *Call) emit(ev bridge.Event) {
	c.handlerMu.Lock()
	h := c.handler
	c.handlerMu.Unlock()
	if h == nil {
		return
	}
	if err := h(c.ctx, ev); err != nil && c.ctx.Err() == nil {
		c.log.Warn("discord: event handler", "event", fmt.Sprintf("%T", ev), "err", err)
	}
}
