package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dbehnke/dmr-bridge-discord/internal/bridge"
)

// ErrNotInVoice is returned when a join is requested by a user who is not in
// a voice channel, or a leave when the bot is not in one.
var ErrNotInVoice = errors.New("discord: not in a voice channel")

// Bridge is the part of *bridge.Bridge the bot drives.
type Bridge interface {
	Attach(bridge.Call) error
	Detach() bridge.Call
	Status() bridge.Status
}

// voiceCall is a joined call the bot owns. Release lets go of the call
// without leaving the channel; Close leaves it.
type voiceCall interface {
	bridge.Call
	Release()
	Close() error
}

// BotConfig holds Discord bot configuration.
type BotConfig struct {
	Token  string
	Prefix string

	// When AutoJoin is set the bot joins ChannelID in GuildID as soon as
	// the session is ready.
	AutoJoin  bool
	GuildID   string
	ChannelID string
}

// Bot is a Discord session that joins voice channels on command and hands
// the resulting call to the bridge.
type Bot struct {
	session *discordgo.Session
	bridge  Bridge
	cfg     BotConfig
	log     *slog.Logger

	// Seams over the session, replaced in tests.
	joinVoice    func(guildID, channelID string) (voiceCall, error)
	voiceChannel func(guildID, userID string) (string, error)
	channelUsers func(guildID, channelID string) int

	mu        sync.Mutex
	call      voiceCall
	guildID   string
	channelID string
	ready     bool
	removers  []func()
}

// NewBot creates a bot for br. The session is not opened until Start.
func NewBot(cfg BotConfig, br Bridge, log *slog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	if log == nil {
		log = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	b := newBot(cfg, br, log)
	b.session = session
	b.joinVoice = b.sessionJoin
	b.voiceChannel = b.sessionVoiceChannel
	b.channelUsers = b.sessionChannelUsers
	return b, nil
}

func newBot(cfg BotConfig, br Bridge, log *slog.Logger) *Bot {
	return &Bot{bridge: br, cfg: cfg, log: log}
}

// Start opens the gateway session and installs the event handlers.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	b.removers = append(b.removers,
		b.session.AddHandler(b.onReady),
		b.session.AddHandler(b.onMessageCreate),
		b.session.AddHandler(b.onVoiceStateUpdate),
	)
	b.mu.Unlock()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	b.log.Info("discord: session open")
	return nil
}

// Stop leaves any voice channel and closes the session.
func (b *Bot) Stop() error {
	if err := b.LeaveVoiceChannel(); err != nil && !errors.Is(err, ErrNotInVoice) {
		b.log.Warn("discord: leave on stop", "err", err)
	}

	b.mu.Lock()
	for _, remove := range b.removers {
		remove()
	}
	b.removers = nil
	b.ready = false
	b.mu.Unlock()

	if b.session == nil {
		return nil
	}
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	b.log.Info("discord: session closed")
	return nil
}

// Ready reports whether the gateway session has completed its handshake.
func (b *Bot) Ready(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return errors.New("discord: session not ready")
	}
	return nil
}

// JoinVoiceChannel joins a voice channel and attaches it to the bridge,
// replacing any call the bot already holds.
//
// Discord allows one voice connection per guild and joining another channel
// of the same guild moves it. The previous call is then only released, since
// closing it would tear down the connection the new call runs on.
func (b *Bot) JoinVoiceChannel(guildID, channelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.call != nil && b.guildID == guildID && b.channelID == channelID {
		return nil
	}

	var moved voiceCall
	if b.call != nil && b.guildID == guildID {
		moved = b.call
		moved.Release()
	}

	call, err := b.joinVoice(guildID, channelID)
	if err != nil {
		if moved != nil {
			b.dropMoved(moved)
		}
		return fmt.Errorf("discord: join voice channel: %w", err)
	}
	if err := b.bridge.Attach(call); err != nil {
		_ = call.Close()
		if moved != nil {
			// The shared connection went down with call.
			b.bridge.Detach()
			b.call, b.guildID, b.channelID = nil, "", ""
		}
		return fmt.Errorf("discord: attach call: %w", err)
	}

	// Attach already swapped the bridge over; the old handle is stale.
	if b.call != nil && moved == nil {
		if err := b.call.Close(); err != nil {
			b.log.Warn("discord: close previous call", "err", err)
		}
	}
	if moved != nil {
		b.log.Info("discord: moved voice channel", "guild", guildID, "from", b.channelID, "to", channelID)
	}
	b.call, b.guildID, b.channelID = call, guildID, channelID
	b.log.Info("discord: joined voice channel", "guild", guildID, "channel", channelID)
	return nil
}

// dropMoved gives up a released call whose move failed, leaving the guild's
// voice connection. Callers hold mu.
func (b *Bot) dropMoved(prev voiceCall) {
	b.bridge.Detach()
	if err := prev.Close(); err != nil {
		b.log.Warn("discord: disconnect after failed move", "err", err)
	}
	b.call, b.guildID, b.channelID = nil, "", ""
}

// LeaveVoiceChannel detaches the bridge and disconnects.
func (b *Bot) LeaveVoiceChannel() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.call == nil {
		return ErrNotInVoice
	}
	b.bridge.Detach()
	err := b.call.Close()
	b.log.Info("discord: left voice channel", "guild", b.guildID, "channel", b.channelID)
	b.call, b.guildID, b.channelID = nil, "", ""
	if err != nil {
		return fmt.Errorf("discord: disconnect: %w", err)
	}
	return nil
}

// Connected reports the voice channel the bot is in, if any.
func (b *Bot) Connected() (guildID, channelID string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.guildID, b.channelID, b.call != nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()
	b.log.Info("discord: ready", "user", r.User.Username, "guilds", len(r.Guilds))

	if err := s.UpdateGameStatus(0, "DMR bridge"); err != nil {
		b.log.Warn("discord: set status", "err", err)
	}

	if b.cfg.AutoJoin {
		go b.autoJoin()
	}
}

// autoJoin joins the configured voice channel.
func (b *Bot) autoJoin() {
	if err := b.JoinVoiceChannel(b.cfg.GuildID, b.cfg.ChannelID); err != nil {
		b.log.Error("discord: auto-join", "guild", b.cfg.GuildID, "channel", b.cfg.ChannelID, "err", err)
	}
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}
	reply, ok := b.handleCommand(m.Message, time.Now())
	if !ok {
		return
	}
	if _, err := s.ChannelMessageSendReply(m.ChannelID, reply, m.Reference()); err != nil {
		b.log.Warn("discord: send reply", "channel", m.ChannelID, "err", err)
	}
}

// onVoiceStateUpdate leaves once everyone else has left the bot's channel.
func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.BeforeUpdate == nil {
		return
	}
	guildID, channelID, ok := b.Connected()
	if !ok || vs.BeforeUpdate.GuildID != guildID || vs.BeforeUpdate.ChannelID != channelID || vs.ChannelID == channelID {
		return
	}
	if b.channelUsers(guildID, channelID) > 0 {
		return
	}
	b.log.Info("discord: channel empty, leaving", "channel", channelID)
	if err := b.LeaveVoiceChannel(); err != nil && !errors.Is(err, ErrNotInVoice) {
		b.log.Warn("discord: leave empty channel", "err", err)
	}
}

// parseCommand extracts a lowercase command name from a prefixed message.
func parseCommand(prefix, content string) (string, bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", false
	}
	fields := strings.Fields(content[len(prefix):])
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

// handleCommand runs a command message and returns the reply text.
func (b *Bot) handleCommand(m *discordgo.Message, now time.Time) (string, bool) {
	cmd, ok := parseCommand(b.cfg.Prefix, m.Content)
	if !ok {
		return "", false
	}
	log := b.log.With("command", cmd, "user", m.Author.ID, "guild", m.GuildID)

	switch cmd {
	case "join", "connect":
		if m.GuildID == "" {
			return "This command only works in a server", true
		}
		channelID, err := b.voiceChannel(m.GuildID, m.Author.ID)
		if err != nil || channelID == "" {
			return "⚠️ Not in a voice channel", true
		}
		if err := b.JoinVoiceChannel(m.GuildID, channelID); err != nil {
			log.Error("discord: join", "err", err)
			return "Error joining the channel", true
		}
		return fmt.Sprintf("Joined <#%s>", channelID), true

	case "leave", "disconnect":
		_, channelID, _ := b.Connected()
		if err := b.LeaveVoiceChannel(); err != nil {
			if errors.Is(err, ErrNotInVoice) {
				return "⚠️ Not in a voice channel", true
			}
			log.Error("discord: leave", "err", err)
			return fmt.Sprintf("Failed: %v", err), true
		}
		return fmt.Sprintf("Left <#%s>", channelID), true

	case "ping":
		elapsed := now.Sub(m.Timestamp)
		return fmt.Sprintf("Pong! (%d ms)", elapsed.Milliseconds()), true

	case "status":
		_, channelID, _ := b.Connected()
		return formatStatus(b.bridge.Status(), channelID), true
	}
	return "", false
}

func formatStatus(st bridge.Status, channelID string) string {
	var sb strings.Builder
	if channelID != "" && st.Attached {
		fmt.Fprintf(&sb, "Bridging <#%s>\n", channelID)
	} else {
		sb.WriteString("Not bridging any voice channel\n")
	}
	fmt.Fprintf(&sb, "Discord → radio: %s", st.Uplink)
	if st.Uplink == bridge.Talking {
		fmt.Fprintf(&sb, " (ssrc %d)", st.Floor)
	}
	fmt.Fprintf(&sb, ", queued %d\n", st.UplinkQueued)
	fmt.Fprintf(&sb, "Radio → Discord: %s, queued %d\n", st.Downlink, st.PlaybackQueued)
	fmt.Fprintf(&sb, "Next sequence: %d", st.NextSeq)
	if !st.Running {
		sb.WriteString("\nPipelines stopped")
	}
	return sb.String()
}

func (b *Bot) sessionJoin(guildID, channelID string) (voiceCall, error) {
	vc, err := b.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, err
	}
	call, err := newCall(vc, b.log)
	if err != nil {
		_ = vc.Disconnect()
		return nil, err
	}
	return call, nil
}

func (b *Bot) sessionVoiceChannel(guildID, userID string) (string, error) {
	vs, err := b.session.State.VoiceState(guildID, userID)
	if err != nil {
		return "", err
	}
	return vs.ChannelID, nil
}

// sessionChannelUsers counts the non-bot members in a voice channel.
func (b *Bot) sessionChannelUsers(guildID, channelID string) int {
	g, err := b.session.State.Guild(guildID)
	if err != nil {
		return 0
	}
	self := ""
	if b.session.State.User != nil {
		self = b.session.State.User.ID
	}

	b.session.State.RLock()
	defer b.session.State.RUnlock()
	n := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == self {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		n++
	}
	return n
}
