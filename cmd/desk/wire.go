package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/zulandar/casedesk/internal/api"
	"github.com/zulandar/casedesk/internal/caselist"
	"github.com/zulandar/casedesk/internal/config"
	"github.com/zulandar/casedesk/internal/notify"
	"github.com/zulandar/casedesk/internal/notify/discord"
	"github.com/zulandar/casedesk/internal/notify/slack"
	"github.com/zulandar/casedesk/internal/previewcache"
	"github.com/zulandar/casedesk/internal/session"
	"github.com/zulandar/casedesk/internal/store"
	"github.com/zulandar/casedesk/internal/stream"
)

const defaultConfigPath = "desk.yaml"

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to casedesk config file")
}

// loadConfig reads the config and, when no API token is configured and
// stdin is a terminal, asks for one.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.API.Token == "" {
		tok, err := promptToken(cmd.ErrOrStderr(), int(os.Stdin.Fd()))
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		cfg.API.Token = tok
	}
	return cfg, nil
}

func promptToken(w io.Writer, fd int) (string, error) {
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(w, "API token (enter for none): ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func newBackend(cfg *config.Config, log *zap.Logger) (*api.Client, error) {
	return api.NewClient(api.ClientOpts{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.Timeout(),
		Logger:  log,
	})
}

func newDialer(cfg *config.Config, log *zap.Logger) *stream.WSDialer {
	sc := cfg.Stream
	return stream.NewWSDialer(stream.WSDialerOpts{
		Token:        cfg.API.Token,
		PingInterval: time.Duration(sc.PingIntervalSec) * time.Second,
		PongWait:     time.Duration(sc.PongWaitSec) * time.Second,
		BaseBackoff:  time.Duration(sc.Reconnect.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:   time.Duration(sc.Reconnect.MaxBackoffSec) * time.Second,
		MaxAttempts:  sc.Reconnect.MaxAttempts,
		Logger:       log,
	})
}

// openArchive returns nil when no archive is configured.
func openArchive(cfg *config.Config) (*store.Store, error) {
	if cfg.Archive.Driver == "" {
		return nil, nil
	}
	st, err := store.Open(cfg.Archive.Driver, cfg.Archive.DSN)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return st, nil
}

// openPreviewCache returns nil when no Redis address is configured.
func openPreviewCache(cfg *config.Config) (*previewcache.Cache, error) {
	pc := cfg.PreviewCache
	if pc.Addr == "" {
		return nil, nil
	}
	c, err := previewcache.New(previewcache.Opts{
		Addr:     pc.Addr,
		Password: pc.Password,
		DB:       pc.DB,
		TTL:      time.Duration(pc.TTLSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open preview cache: %w", err)
	}
	return c, nil
}

// newNotifier returns nil when no platform is configured.
func newNotifier(cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notify.Platform {
	case "slack":
		return slack.New(slack.NotifierOpts{
			BotToken:  cfg.Notify.Slack.BotToken,
			ChannelID: cfg.Notify.Slack.Channel,
		})
	case "discord":
		return discord.New(discord.NotifierOpts{
			BotToken:  cfg.Notify.Discord.BotToken,
			ChannelID: cfg.Notify.Discord.Channel,
		})
	}
	return nil, nil
}

// console is a fully wired session plus the resources it owns.
type console struct {
	cfg     *config.Config
	backend *api.Client
	archive *store.Store
	preview *previewcache.Cache
	sess    *session.Session
}

// newConsole builds a session from cfg. onUpdate may be nil.
func newConsole(cfg *config.Config, log *zap.Logger, onUpdate func(session.Update)) (*console, error) {
	backend, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	c := &console{cfg: cfg, backend: backend}

	if c.archive, err = openArchive(cfg); err != nil {
		return nil, err
	}
	if c.preview, err = openPreviewCache(cfg); err != nil {
		c.Close()
		return nil, err
	}
	notifier, err := newNotifier(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	opts := session.Opts{
		Backend:   backend,
		Dialer:    newDialer(cfg, log),
		StreamURL: cfg.API.WSURL,
		Notifier:  notifier,
		Sink:      c.sinks(),
		Logger:    log,
		OnUpdate:  onUpdate,
	}
	// A nil *store.Store must not become a non-nil Archive.
	if c.archive != nil {
		opts.Archive = c.archive
	}
	if c.sess, err = session.New(opts); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// sinks lists the configured case list snapshot targets.
func (c *console) sinks() caselist.Sinks {
	var ss caselist.Sinks
	if c.archive != nil {
		ss = append(ss, c.archive)
	}
	if c.preview != nil {
		ss = append(ss, c.preview)
	}
	return ss
}

// Close ends the session and releases the stores.
func (c *console) Close() error {
	var errs []error
	if c.sess != nil {
		if err := c.sess.End(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.preview != nil {
		if err := c.preview.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.archive != nil {
		if err := c.archive.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
