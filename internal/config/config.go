// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/wellsync/internal/offline"
	"github.com/jeranaias/wellsync/internal/storage"
	"github.com/jeranaias/wellsync/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete wellsync configuration.
type Config struct {
	// Backend HTTP API
	API APIConfig `toml:"api" json:"api"`

	// Real-time chat channel
	Realtime RealtimeConfig `toml:"realtime" json:"realtime"`

	// Optimistic mutation retry
	Mutation MutationConfig `toml:"mutation" json:"mutation"`

	// Offline queue
	Queue QueueConfig `toml:"queue" json:"queue"`

	// Local key-value storage
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Chat defaults
	Chat ChatConfig `toml:"chat" json:"chat"`

	// Logging
	Log LogConfig `toml:"log" json:"log"`
}

// APIConfig locates the backend.
type APIConfig struct {
	BaseURL string `toml:"base_url" json:"base_url"`
	// Token is the bearer credential. Prefer WELLSYNC_TOKEN over storing it.
	Token          string `toml:"token" json:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds" json:"timeout_seconds"`
	// Offline starts the engine in forced-offline mode.
	Offline bool `toml:"offline" json:"offline"`
	// ProbeIntervalSeconds controls connectivity probing; 0 disables it.
	ProbeIntervalSeconds int `toml:"probe_interval_seconds" json:"probe_interval_seconds"`
}

// RealtimeConfig tunes the connection manager.
type RealtimeConfig struct {
	// URL of the WebSocket endpoint root. Empty derives it from api.base_url.
	URL               string `toml:"url" json:"url"`
	Origin            string `toml:"origin" json:"origin"`
	MaxAttempts       int    `toml:"max_attempts" json:"max_attempts"`
	BaseDelayMS       int    `toml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMS        int    `toml:"max_delay_ms" json:"max_delay_ms"`
	SettleDelayMS     int    `toml:"settle_delay_ms" json:"settle_delay_ms"`
	KeepaliveSeconds  int    `toml:"keepalive_seconds" json:"keepalive_seconds"`
	MaxPending        int    `toml:"max_pending" json:"max_pending"`
	DialTimeoutSecond int    `toml:"dial_timeout_seconds" json:"dial_timeout_seconds"`
}

// MutationConfig bounds the retry of optimistic changes.
type MutationConfig struct {
	Attempts    int `toml:"attempts" json:"attempts"`
	BaseDelayMS int `toml:"base_delay_ms" json:"base_delay_ms"`
}

// QueueConfig tunes the offline queue.
type QueueConfig struct {
	// DrainMinIntervalMS is the minimum gap between two drains.
	DrainMinIntervalMS int `toml:"drain_min_interval_ms" json:"drain_min_interval_ms"`
	// KDFIterations is the PBKDF2 work factor for queue encryption.
	KDFIterations int `toml:"kdf_iterations" json:"kdf_iterations"`
}

// StorageConfig selects the local store.
type StorageConfig struct {
	Backend string `toml:"backend" json:"backend"`
	// Path overrides the default file location of the backend.
	Path    string `toml:"path" json:"path"`
	DataDir string `toml:"data_dir" json:"data_dir"`
}

// ChatConfig holds chat defaults.
type ChatConfig struct {
	Personality string `toml:"personality" json:"personality"`
	TitleWidth  int    `toml:"title_width" json:"title_width"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file" json:"file"`
}

// Duration helpers.

func (a APIConfig) Timeout() time.Duration { return time.Duration(a.TimeoutSeconds) * time.Second }

func (a APIConfig) ProbeInterval() time.Duration {
	return time.Duration(a.ProbeIntervalSeconds) * time.Second
}

func (r RealtimeConfig) BaseDelay() time.Duration { return ms(r.BaseDelayMS) }
func (r RealtimeConfig) MaxDelay() time.Duration  { return ms(r.MaxDelayMS) }
func (r RealtimeConfig) SettleDelay() time.Duration {
	return ms(r.SettleDelayMS)
}

// Keepalive returns the ping interval; 0 in the config disables pings and
// maps to a negative duration.
func (r RealtimeConfig) Keepalive() time.Duration {
	if r.KeepaliveSeconds <= 0 {
		return -1
	}
	return time.Duration(r.KeepaliveSeconds) * time.Second
}

func (r RealtimeConfig) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutSecond) * time.Second
}

func (m MutationConfig) BaseDelay() time.Duration { return ms(m.BaseDelayMS) }

func (q QueueConfig) DrainMinInterval() time.Duration { return ms(q.DrainMinIntervalMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// =============================================================================
// DEFAULTS
// =============================================================================

// Default personality used by the chat.
const DefaultPersonality = "mitra"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:              "http://localhost:8000",
			TimeoutSeconds:       30,
			ProbeIntervalSeconds: 15,
		},
		Realtime: RealtimeConfig{
			MaxAttempts:       5,
			BaseDelayMS:       1000,
			MaxDelayMS:        30000,
			SettleDelayMS:     250,
			KeepaliveSeconds:  30,
			MaxPending:        256,
			DialTimeoutSecond: 10,
		},
		Mutation: MutationConfig{
			Attempts:    3,
			BaseDelayMS: 1000,
		},
		Queue: QueueConfig{
			DrainMinIntervalMS: 2000,
			KDFIterations:      600000,
		},
		Storage: StorageConfig{
			Backend: string(storage.BackendSQLite),
		},
		Chat: ChatConfig{
			Personality: DefaultPersonality,
			TitleWidth:  40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults fills zero values with defaults. Booleans and explicitly
// optional fields (realtime.url, storage.path) are left alone.
func (c *Config) SetDefaults() {
	d := Default()
	fill := func(dst *int, def int) {
		if *dst == 0 {
			*dst = def
		}
	}
	fillStr := func(dst *string, def string) {
		if util.IsBlank(*dst) {
			*dst = def
		}
	}

	fillStr(&c.API.BaseURL, d.API.BaseURL)
	fill(&c.API.TimeoutSeconds, d.API.TimeoutSeconds)

	fill(&c.Realtime.MaxAttempts, d.Realtime.MaxAttempts)
	fill(&c.Realtime.BaseDelayMS, d.Realtime.BaseDelayMS)
	fill(&c.Realtime.MaxDelayMS, d.Realtime.MaxDelayMS)
	fill(&c.Realtime.SettleDelayMS, d.Realtime.SettleDelayMS)
	fill(&c.Realtime.MaxPending, d.Realtime.MaxPending)
	fill(&c.Realtime.DialTimeoutSecond, d.Realtime.DialTimeoutSecond)

	fill(&c.Mutation.Attempts, d.Mutation.Attempts)
	fill(&c.Mutation.BaseDelayMS, d.Mutation.BaseDelayMS)

	fill(&c.Queue.DrainMinIntervalMS, d.Queue.DrainMinIntervalMS)
	fill(&c.Queue.KDFIterations, d.Queue.KDFIterations)

	fillStr(&c.Storage.Backend, d.Storage.Backend)

	fillStr(&c.Chat.Personality, d.Chat.Personality)
	fill(&c.Chat.TitleWidth, d.Chat.TitleWidth)

	fillStr(&c.Log.Level, d.Log.Level)
	fillStr(&c.Log.Format, d.Log.Format)
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the wellsync configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".wellsync"), nil
}

// DefaultPath returns the path of the TOML config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns storage.data_dir, or <config dir>/data when unset.
func (c *Config) DataDir() (string, error) {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// RealtimeURL returns realtime.url, or api.base_url when unset.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	return c.API.BaseURL
}

// ensureSecurePermissions tightens a config file to 0600 since it may
// hold the bearer token.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the TOML file at path (DefaultPath when empty), then applies
// environment overrides, defaults and validation. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the file at path into cfg. Unknown keys are rejected so
// typos do not silently fall back to defaults.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Save writes cfg as TOML to path (DefaultPath when empty) with 0600
// permissions.
func Save(cfg *Config, path string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# wellsync configuration file")
	fmt.Fprintln(&buf, "# Generated by wellsync - edit with care")
	fmt.Fprintln(&buf, "")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidateErrors) Has(field string) bool {
	for _, v := range e {
		if v.Field == field {
			return true
		}
	}
	return false
}

// MinKDFIterations is the lowest accepted queue.kdf_iterations.
const MinKDFIterations = 10000

// Validate validates the configuration and returns any errors as
// ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// API
	if err := offline.ValidateEndpoint(c.API.BaseURL); err != nil {
		add("api.base_url", "invalid URL %q: %v", c.API.BaseURL, err)
	} else if u := strings.ToLower(c.API.BaseURL); strings.HasPrefix(u, "ws") {
		add("api.base_url", "must be http or https, got %q", c.API.BaseURL)
	}
	if c.API.TimeoutSeconds < 1 || c.API.TimeoutSeconds > 600 {
		add("api.timeout_seconds", "must be between 1 and 600, got %d", c.API.TimeoutSeconds)
	}
	if c.API.ProbeIntervalSeconds < 0 {
		add("api.probe_interval_seconds", "must not be negative")
	}

	// Realtime
	if c.Realtime.URL != "" {
		if err := offline.ValidateEndpoint(c.Realtime.URL); err != nil {
			add("realtime.url", "invalid URL %q: %v", c.Realtime.URL, err)
		}
	}
	if c.API.Token != "" {
		if !offline.IsSecureEndpoint(c.API.BaseURL) {
			add("api.base_url", "refusing to send the token over plain http to %q", c.API.BaseURL)
		}
		if c.Realtime.URL != "" && !offline.IsSecureEndpoint(c.Realtime.URL) {
			add("realtime.url", "refusing to send the token over plain ws to %q", c.Realtime.URL)
		}
	}
	if c.Realtime.MaxAttempts < 1 || c.Realtime.MaxAttempts > 20 {
		add("realtime.max_attempts", "must be between 1 and 20, got %d", c.Realtime.MaxAttempts)
	}
	if c.Realtime.BaseDelayMS < 1 {
		add("realtime.base_delay_ms", "must be positive")
	}
	if c.Realtime.MaxDelayMS < c.Realtime.BaseDelayMS {
		add("realtime.max_delay_ms", "must be at least base_delay_ms (%d)", c.Realtime.BaseDelayMS)
	}
	if c.Realtime.SettleDelayMS < 0 {
		add("realtime.settle_delay_ms", "must not be negative")
	}
	if c.Realtime.KeepaliveSeconds < 0 {
		add("realtime.keepalive_seconds", "must not be negative")
	}
	if c.Realtime.MaxPending < 1 {
		add("realtime.max_pending", "must be positive")
	}

	// Mutation
	if c.Mutation.Attempts < 1 || c.Mutation.Attempts > 10 {
		add("mutation.attempts", "must be between 1 and 10, got %d", c.Mutation.Attempts)
	}
	if c.Mutation.BaseDelayMS < 0 {
		add("mutation.base_delay_ms", "must not be negative")
	}

	// Queue
	if c.Queue.DrainMinIntervalMS < 0 {
		add("queue.drain_min_interval_ms", "must not be negative")
	}
	if c.Queue.KDFIterations < MinKDFIterations {
		add("queue.kdf_iterations", "must be at least %d, got %d", MinKDFIterations, c.Queue.KDFIterations)
	}

	// Storage
	valid := false
	for _, b := range storage.ValidBackends {
		if strings.EqualFold(c.Storage.Backend, string(b)) {
			valid = true
			break
		}
	}
	if !valid {
		names := make([]string, len(storage.ValidBackends))
		for i, b := range storage.ValidBackends {
			names[i] = string(b)
		}
		add("storage.backend", "invalid backend %q, must be one of: %s", c.Storage.Backend, strings.Join(names, ", "))
	}

	// Chat
	if util.IsBlank(c.Chat.Personality) {
		add("chat.personality", "must not be empty")
	}
	if c.Chat.TitleWidth < 8 || c.Chat.TitleWidth > 200 {
		add("chat.title_width", "must be between 8 and 200, got %d", c.Chat.TitleWidth)
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "invalid level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		add("log.format", "invalid format %q, must be one of: text, json, logfmt", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - WELLSYNC_API_URL: overrides api.base_url
//   - WELLSYNC_WS_URL: overrides realtime.url
//   - WELLSYNC_TOKEN: overrides api.token
//   - WELLSYNC_STORAGE: overrides storage.backend
//   - WELLSYNC_DATA_DIR: overrides storage.data_dir
//   - WELLSYNC_LOG_LEVEL: overrides log.level
//   - WELLSYNC_OFFLINE: "1" or "true" forces offline mode
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WELLSYNC_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("WELLSYNC_WS_URL"); v != "" {
		c.Realtime.URL = v
	}
	if v := os.Getenv("WELLSYNC_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("WELLSYNC_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("WELLSYNC_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("WELLSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("WELLSYNC_OFFLINE"); v != "" {
		c.API.Offline = parseBool(v)
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value by its TOML key (e.g. "queue.kdf_iterations").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value by its TOML key. String values are
// converted to the field's type. The caller validates afterwards.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	if len(parts) == 0 || parts[0] == "" {
		return reflect.Value{}, errors.New("empty key")
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("field '%s' is a section", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tomlName(t.Field(i)) == strings.ToLower(name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func tomlName(f reflect.StructField) string {
	tag := f.Tag.Get("toml")
	if i := strings.IndexByte(tag, ','); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return strings.ToLower(f.Name)
	}
	return tag
}

// setFieldValue sets a reflect.Value from a value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strings.TrimSpace(strVal), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			field.SetBool(parseBool(strVal))
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every configuration key in dot notation, sorted.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, tomlName(section)+"."+tomlName(section.Type.Field(j)))
		}
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a copy of the configuration. Config holds only value
// fields, so a struct copy is deep.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Redacted returns a copy with the token masked.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.API.Token != "" {
		safe.API.Token = "[REDACTED]"
	}
	return safe
}

// String returns a JSON rendering with secrets redacted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
