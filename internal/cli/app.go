// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/wellsync/internal/api"
	"github.com/jeranaias/wellsync/internal/config"
	"github.com/jeranaias/wellsync/internal/engine"
	"github.com/jeranaias/wellsync/internal/logging"
	"github.com/jeranaias/wellsync/internal/mutation"
	"github.com/jeranaias/wellsync/internal/notify"
	"github.com/jeranaias/wellsync/internal/offline"
	"github.com/jeranaias/wellsync/internal/realtime"
	"github.com/jeranaias/wellsync/internal/security"
	"github.com/jeranaias/wellsync/internal/storage"
)

// PassphraseEnv supplies the queue passphrase to non-interactive commands.
const PassphraseEnv = "WELLSYNC_PASSPHRASE"

// probeTimeout bounds one connectivity probe.
const probeTimeout = 5 * time.Second

// app is everything a command needs, built from the config file.
type app struct {
	cfg     *config.Config
	cfgPath string
	kv      storage.KV
	eng     *engine.Engine
	monitor *offline.Monitor
	holder  *security.Holder
	logger  *log.Logger
	logFile *os.File

	tokenMu sync.RWMutex
	token   string
}

// appOptions selects the optional parts of an app.
type appOptions struct {
	Notifier notify.Notifier
	Events   engine.Events
	// Probe enables periodic connectivity probing (long-running commands).
	Probe bool
	// LogWriter overrides where logs go when no log file is configured.
	LogWriter io.Writer
}

// loadConfig resolves the config path and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, string, error) {
	path := opts.ConfigPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Offline {
		cfg.API.Offline = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// openApp wires storage, the API client and the engine from config.
func openApp(opts *RootOptions, ao appOptions) (*app, error) {
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, cfgPath: path, token: cfg.API.Token}
	if err := a.openLogger(ao.LogWriter); err != nil {
		return nil, err
	}

	dataDir, err := cfg.DataDir()
	if err != nil {
		a.close()
		return nil, err
	}
	a.kv, err = storage.Open(storage.Options{
		Backend: storage.Backend(cfg.Storage.Backend),
		Path:    cfg.Storage.Path,
		DataDir: dataDir,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	client := api.New(cfg.API.BaseURL, a.currentToken).
		WithTimeout(cfg.API.Timeout()).
		WithLogger(a.logger)

	a.monitor = offline.NewMonitor(true)
	a.monitor.SetForcedOffline(cfg.API.Offline)
	a.holder = security.NewHolder()

	eo := engine.Options{
		Backend: client,
		Dialer: &realtime.WebSocketDialer{
			BaseURL: cfg.RealtimeURL(),
			Origin:  cfg.Realtime.Origin,
		},
		KV:       a.kv,
		Monitor:  a.monitor,
		Holder:   a.holder,
		Token:    a.currentToken,
		Notifier: ao.Notifier,
		Logger:   a.logger,
		Events:   ao.Events,
		Realtime: realtime.Options{
			MaxAttempts:       cfg.Realtime.MaxAttempts,
			BaseDelay:         cfg.Realtime.BaseDelay(),
			MaxDelay:          cfg.Realtime.MaxDelay(),
			SettleDelay:       cfg.Realtime.SettleDelay(),
			KeepaliveInterval: cfg.Realtime.Keepalive(),
			MaxPending:        cfg.Realtime.MaxPending,
			DialTimeout:       cfg.Realtime.DialTimeout(),
		},
		Mutation: mutation.Policy{
			Attempts:  cfg.Mutation.Attempts,
			BaseDelay: cfg.Mutation.BaseDelay(),
			MaxDelay:  mutation.DefaultMaxDelay,
		},
		KDFIterations:    cfg.Queue.KDFIterations,
		DrainMinInterval: cfg.Queue.DrainMinInterval(),
		TitleWidth:       cfg.Chat.TitleWidth,
		Personality:      cfg.Chat.Personality,
	}
	if ao.Probe {
		eo.Probe = offline.HTTPProbe(&http.Client{Timeout: probeTimeout}, cfg.API.BaseURL)
		eo.ProbeInterval = cfg.API.ProbeInterval()
	}

	a.eng, err = engine.New(eo)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openLogger(fallback io.Writer) error {
	w := fallback
	if w == nil {
		w = os.Stderr
	}
	if a.cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.Log.File), 0700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(a.cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		a.logFile = f
		w = f
	}
	a.logger = logging.New(logging.Options{
		Level:      a.cfg.Log.Level,
		Format:     a.cfg.Log.Format,
		Prefix:     "wellsync",
		Timestamps: a.cfg.Log.File != "",
	}, w)
	return nil
}

func (a *app) currentToken() string {
	a.tokenMu.RLock()
	defer a.tokenMu.RUnlock()
	return a.token
}

// applyConfig takes the settings that can change while running.
func (a *app) applyConfig(cfg *config.Config) {
	a.logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
	a.tokenMu.Lock()
	a.token = cfg.API.Token
	a.tokenMu.Unlock()
	a.monitor.SetForcedOffline(cfg.API.Offline)
}

// unlock loads the queue passphrase from the environment, or prompts for
// it on a terminal. required makes a missing passphrase an error.
func (a *app) unlock(w io.Writer, required bool) error {
	if p := os.Getenv(PassphraseEnv); p != "" {
		a.eng.SetPassphrase(p)
		return nil
	}
	if !IsTTY() {
		if required {
			return fmt.Errorf("no passphrase: set %s or run from a terminal", PassphraseEnv)
		}
		return nil
	}
	p, err := promptSecret(w, "Queue passphrase: ")
	if err != nil {
		return err
	}
	if p == "" && required {
		return errors.New("a passphrase is required")
	}
	a.eng.SetPassphrase(p)
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.eng != nil {
		errs = append(errs, a.eng.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}
