// Package config defines and loads the bridge daemon's configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables (which a .env file may populate).
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Discord DiscordConfig `yaml:"discord"`
	USRP    USRPConfig    `yaml:"usrp"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// DiscordConfig configures the bot session and its commands.
type DiscordConfig struct {
	// Token is the bot token, without the "Bot " prefix. Env: BOT_TOKEN.
	Token string `yaml:"token"`

	// Prefix starts every text command. Env: BOT_PREFIX. Default "!".
	Prefix string `yaml:"prefix"`

	// GuildID and ChannelID, when both set, make the bot join that voice
	// channel at startup. Env: DISCORD_GUILD, DISCORD_CHANNEL.
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// USRPConfig configures the radio-side UDP endpoints.
type USRPConfig struct {
	// ListenAddr is the local host:port receiving frames from the radio
	// peer. Env: LOCAL_RX_ADDR.
	ListenAddr string `yaml:"listen_addr"`

	// TargetAddr is the radio peer's host:port. Env: DMR_TARGET_TX_ADDR.
	TargetAddr string `yaml:"target_addr"`

	// AcceptFrom restricts inbound datagrams to this host when set.
	// Env: USRP_ACCEPT_FROM.
	AcceptFrom string `yaml:"accept_from"`

	// TalkGroup is stamped on every outbound frame. Env: TALK_GROUP.
	TalkGroup uint32 `yaml:"talk_group"`
}

// BridgeConfig tunes the audio pipelines.
type BridgeConfig struct {
	// UplinkQueue bounds the frames waiting to be sent. Env: UPLINK_QUEUE.
	UplinkQueue int `yaml:"uplink_queue"`

	// DownlinkQueue bounds the audio blocks waiting for playback.
	// Env: DOWNLINK_QUEUE.
	DownlinkQueue int `yaml:"downlink_queue"`

	// SendPacing is the delay between consecutive outbound datagrams.
	// Env: SEND_PACING.
	SendPacing time.Duration `yaml:"send_pacing"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // Env: LOG_LEVEL
	Format string `yaml:"format"` // text or json. Env: LOG_FORMAT
}

// MetricsConfig controls the HTTP listener serving /metrics, /healthz and
// /readyz. An empty Addr disables it. Env: METRICS_ADDR.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Discord: DiscordConfig{Prefix: "!"},
		Bridge: BridgeConfig{
			UplinkQueue:   128,
			DownlinkQueue: 512,
			SendPacing:    2 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// AutoJoin reports whether a voice channel should be joined at startup.
func (d DiscordConfig) AutoJoin() bool {
	return d.GuildID != "" && d.ChannelID != ""
}
