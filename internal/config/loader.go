package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
)

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv populates the process environment from a .env file without
// overriding variables that are already set. A missing default file is not
// an error; a missing explicit file is.
func LoadDotEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overlays the variables found through lookup. Malformed numeric
// and duration values are reported together.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("BOT_TOKEN", &c.Discord.Token)
	str("BOT_PREFIX", &c.Discord.Prefix)
	str("DISCORD_GUILD", &c.Discord.GuildID)
	str("DISCORD_CHANNEL", &c.Discord.ChannelID)
	str("LOCAL_RX_ADDR", &c.USRP.ListenAddr)
	str("DMR_TARGET_TX_ADDR", &c.USRP.TargetAddr)
	str("USRP_ACCEPT_FROM", &c.USRP.AcceptFrom)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("METRICS_ADDR", &c.Metrics.Addr)
	num("UPLINK_QUEUE", &c.Bridge.UplinkQueue)
	num("DOWNLINK_QUEUE", &c.Bridge.DownlinkQueue)

	if v, ok := lookup("TALK_GROUP"); ok && v != "" {
		tg, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("TALK_GROUP: %w", err))
		} else {
			c.USRP.TalkGroup = uint32(tg)
		}
	}
	if v, ok := lookup("SEND_PACING"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SEND_PACING: %w", err))
		} else {
			c.Bridge.SendPacing = d
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks that cfg is usable and returns every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token (BOT_TOKEN) is required"))
	}
	if strings.TrimSpace(cfg.Discord.Prefix) == "" {
		errs = append(errs, errors.New("discord.prefix must not be blank"))
	}
	if (cfg.Discord.GuildID == "") != (cfg.Discord.ChannelID == "") {
		errs = append(errs, errors.New("discord.guild_id and discord.channel_id must be set together"))
	}

	if err := checkHostPort("usrp.listen_addr (LOCAL_RX_ADDR)", cfg.USRP.ListenAddr); err != nil {
		errs = append(errs, err)
	}
	if err := checkHostPort("usrp.target_addr (DMR_TARGET_TX_ADDR)", cfg.USRP.TargetAddr); err != nil {
		errs = append(errs, err)
	}

	if cfg.Bridge.UplinkQueue <= 0 {
		errs = append(errs, fmt.Errorf("bridge.uplink_queue must be positive, got %d", cfg.Bridge.UplinkQueue))
	}
	if cfg.Bridge.DownlinkQueue <= 0 {
		errs = append(errs, fmt.Errorf("bridge.downlink_queue must be positive, got %d", cfg.Bridge.DownlinkQueue))
	}
	if cfg.Bridge.SendPacing < 0 {
		errs = append(errs, fmt.Errorf("bridge.send_pacing must not be negative, got %s", cfg.Bridge.SendPacing))
	}

	if !slices.Contains(validLogLevels, strings.ToLower(cfg.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: %s", cfg.Log.Level, strings.Join(validLogLevels, ", ")))
	}
	if !slices.Contains(validLogFormats, strings.ToLower(cfg.Log.Format)) {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: %s", cfg.Log.Format, strings.Join(validLogFormats, ", ")))
	}
	if cfg.Metrics.Addr != "" {
		if err := checkHostPort("metrics.addr (METRICS_ADDR)", cfg.Metrics.Addr); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func checkHostPort(field, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s %q: %w", field, addr, err)
	}
	return nil
}
