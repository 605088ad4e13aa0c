package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dbehnke/dmr-bridge-discord/internal/bridge"
	"github.com/dbehnke/dmr-bridge-discord/internal/config"
	"github.com/dbehnke/dmr-bridge-discord/internal/discord"
	"github.com/dbehnke/dmr-bridge-discord/internal/health"
	"github.com/dbehnke/dmr-bridge-discord/internal/observe"
	"github.com/dbehnke/dmr-bridge-discord/internal/transport"
)

// Shared CLI flags
var (
	cfgFile string
	envFile string
)

// rootCmd runs the bridge daemon.
func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dmr-bridge",
		Short: "Bridge a Discord voice channel to a USRP radio link",
		Long: `dmr-bridge joins a Discord voice channel and relays its audio to a radio
gateway speaking USRP over UDP, and plays the gateway's transmissions back
into the channel.

Configuration comes from an optional YAML file, a .env file and the
environment (BOT_TOKEN, LOCAL_RX_ADDR, DMR_TARGET_TX_ADDR, ...).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (optional)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default: ./.env if present)")

	root.AddCommand(checkConfigCmd())
	return root
}

// checkConfigCmd validates the configuration without connecting anywhere.
func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: rx %s, tx %s, talk group %d\n",
				cfg.USRP.ListenAddr, cfg.USRP.TargetAddr, cfg.USRP.TalkGroup)
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	return config.Load(cfgFile)
}

// run wires the daemon together and blocks until a signal or a fatal
// transport error.
func run(ctx context.Context, cfg *config.Config) error {
	log, err := observe.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	log = log.With("instance", uuid.NewString())
	slog.SetDefault(log)

	provider, err := observe.InitProvider()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			log.Warn("main: metrics shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(provider.MeterProvider)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	tcfg := transport.DefaultConfig()
	tcfg.ListenAddr = cfg.USRP.ListenAddr
	tcfg.TargetAddr = cfg.USRP.TargetAddr
	tcfg.AcceptFrom = cfg.USRP.AcceptFrom
	ep, err := transport.Open(tcfg)
	if err != nil {
		return fmt.Errorf("open usrp endpoint: %w", err)
	}
	log.Info("main: usrp endpoint open", "rx", ep.LocalAddr(), "tx", ep.RemoteAddr())

	br := bridge.New(bridge.Config{
		TalkGroup:     cfg.USRP.TalkGroup,
		UplinkQueue:   cfg.Bridge.UplinkQueue,
		DownlinkQueue: cfg.Bridge.DownlinkQueue,
		SendPacing:    cfg.Bridge.SendPacing,
	}, ep, metrics, log)
	defer func() {
		if err := br.Close(); err != nil {
			log.Warn("main: bridge close", "err", err)
		}
	}()

	bot, err := discord.NewBot(discord.BotConfig{
		Token:     cfg.Discord.Token,
		Prefix:    cfg.Discord.Prefix,
		AutoJoin:  cfg.Discord.AutoJoin(),
		GuildID:   cfg.Discord.GuildID,
		ChannelID: cfg.Discord.ChannelID,
	}, br, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := bot.Stop(); err != nil {
			log.Warn("main: discord stop", "err", err)
		}
	}()

	if cfg.Metrics.Addr != "" {
		srv := newHTTPServer(cfg.Metrics.Addr, provider, br, bot)
		go func() {
			log.Info("main: http listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("main: http server", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	log.Info("main: bridge running", "talk_group", cfg.USRP.TalkGroup)
	select {
	case <-ctx.Done():
		log.Info("main: shutting down")
		return nil
	case err := <-br.Err():
		log.Error("main: bridge failed", "err", err)
		return err
	}
}

func newHTTPServer(addr string, provider *observe.Provider, br *bridge.Bridge, bot *discord.Bot) *http.Server {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Method(http.MethodGet, "/metrics", provider.Handler())
	health.New().
		Add("bridge", br.Ready).
		Add("discord", bot.Ready).
		Register(r)

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
