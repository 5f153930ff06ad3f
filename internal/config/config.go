// Package config loads ringside's settings.
//
// Settings come from three layers, later layers winning:
//
//  1. Built-in defaults (Default)
//  2. A YAML file
//  3. RINGSIDE_* environment variables
//
// The merged result is checked against the embedded CUE schema before it
// is returned, so every consumer sees a complete, consistent Config.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ringside/internal/model"
)

//go:embed schema.cue
var schemaCUE string

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full ringside configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" json:"store"`
	Remote   RemoteConfig   `yaml:"remote" json:"remote"`
	Realtime RealtimeConfig `yaml:"realtime" json:"realtime"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// StoreConfig locates the on-device database.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// RemoteConfig selects and addresses the remote store.
type RemoteConfig struct {
	Driver  string   `yaml:"driver" json:"driver"` // postgres | rest
	DSN     string   `yaml:"dsn" json:"dsn"`
	URL     string   `yaml:"url" json:"url"`
	APIKey  string   `yaml:"api_key" json:"api_key"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// RealtimeConfig selects the change-notification channel.
type RealtimeConfig struct {
	Driver       string `yaml:"driver" json:"driver"` // none | redis | websocket | mqtt
	RedisAddr    string `yaml:"redis_addr" json:"redis_addr"`
	RedisPrefix  string `yaml:"redis_prefix" json:"redis_prefix"`
	WebSocketURL string `yaml:"websocket_url" json:"websocket_url"`
	MQTTBroker   string `yaml:"mqtt_broker" json:"mqtt_broker"`
	MQTTClientID string `yaml:"mqtt_client_id" json:"mqtt_client_id"`
	MQTTUsername string `yaml:"mqtt_username" json:"mqtt_username"`
	MQTTPassword string `yaml:"mqtt_password" json:"mqtt_password"`
	MQTTPrefix   string `yaml:"mqtt_prefix" json:"mqtt_prefix"`
}

// SyncConfig tunes replication and reconciliation.
type SyncConfig struct {
	LicenseKey      string   `yaml:"license_key" json:"license_key"`
	Tables          []string `yaml:"tables" json:"tables"`
	SafetyTimeout   Duration `yaml:"safety_timeout" json:"safety_timeout"`
	FullSyncRetries int      `yaml:"full_sync_retries" json:"full_sync_retries"`
	Concurrency     int      `yaml:"concurrency" json:"concurrency"`
	ProbeInterval   Duration `yaml:"probe_interval" json:"probe_interval"`
}

// QueueConfig tunes automatic replay retries.
type QueueConfig struct {
	RetryInitial  Duration `yaml:"retry_initial" json:"retry_initial"`
	RetryMax      Duration `yaml:"retry_max" json:"retry_max"`
	RetryDisabled bool     `yaml:"retry_disabled" json:"retry_disabled"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // text | json
}

// Default returns the built-in configuration. It fails validation until a
// license key and remote address are supplied.
func Default() Config {
	return Config{
		Store: StoreConfig{Path: "ringside.db"},
		Remote: RemoteConfig{
			Driver:  "postgres",
			Timeout: Duration(15 * time.Second),
		},
		Realtime: RealtimeConfig{
			Driver:       "none",
			RedisPrefix:  "ringside:changes",
			MQTTClientID: "ringside",
			MQTTPrefix:   "ringside/changes",
		},
		Sync: SyncConfig{
			Tables:          append([]string(nil), model.MirroredTables...),
			SafetyTimeout:   Duration(5 * time.Second),
			FullSyncRetries: 3,
			Concurrency:     4,
			ProbeInterval:   Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			RetryInitial: Duration(2 * time.Second),
			RetryMax:     Duration(time.Minute),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.merge(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse builds a Config from defaults and YAML data, without consulting
// the environment, and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.merge(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) merge(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	return nil
}

// envString maps RINGSIDE_* variables to string fields.
func (c *Config) envString() map[string]*string {
	return map[string]*string{
		"RINGSIDE_STORE_PATH":      &c.Store.Path,
		"RINGSIDE_REMOTE_DRIVER":   &c.Remote.Driver,
		"RINGSIDE_REMOTE_DSN":      &c.Remote.DSN,
		"RINGSIDE_REMOTE_URL":      &c.Remote.URL,
		"RINGSIDE_REMOTE_API_KEY":  &c.Remote.APIKey,
		"RINGSIDE_REALTIME_DRIVER": &c.Realtime.Driver,
		"RINGSIDE_REDIS_ADDR":      &c.Realtime.RedisAddr,
		"RINGSIDE_WEBSOCKET_URL":   &c.Realtime.WebSocketURL,
		"RINGSIDE_MQTT_BROKER":     &c.Realtime.MQTTBroker,
		"RINGSIDE_MQTT_USERNAME":   &c.Realtime.MQTTUsername,
		"RINGSIDE_MQTT_PASSWORD":   &c.Realtime.MQTTPassword,
		"RINGSIDE_LICENSE_KEY":     &c.Sync.LicenseKey,
		"RINGSIDE_LOG_LEVEL":       &c.Log.Level,
		"RINGSIDE_LOG_FORMAT":      &c.Log.Format,
	}
}

// ApplyEnv overrides fields from environment variables found by lookup.
// Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for key, dst := range c.envString() {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"RINGSIDE_REMOTE_TIMEOUT": &c.Remote.Timeout,
		"RINGSIDE_SAFETY_TIMEOUT": &c.Sync.SafetyTimeout,
		"RINGSIDE_PROBE_INTERVAL": &c.Sync.ProbeInterval,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = Duration(d)
	}

	if v, ok := lookup("RINGSIDE_QUEUE_RETRY_DISABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: RINGSIDE_QUEUE_RETRY_DISABLED: %w", err)
		}
		c.Queue.RetryDisabled = b
	}
	if v, ok := lookup("RINGSIDE_TABLES"); ok && v != "" {
		var tables []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tables = append(tables, t)
			}
		}
		c.Sync.Tables = tables
	}
	return nil
}

// Validate checks c against the embedded CUE schema.
func (c *Config) Validate() error {
	if c.Sync.Tables == nil {
		c.Sync.Tables = []string{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: schema: %w", err)
	}
	v := ctx.CompileBytes(data, cue.Filename("config"))
	if err := v.Err(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config: invalid: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	if c.Queue.RetryMax < c.Queue.RetryInitial {
		return fmt.Errorf("config: invalid: queue.retry_max %s is below queue.retry_initial %s",
			c.Queue.RetryMax.Std(), c.Queue.RetryInitial.Std())
	}
	return nil
}

// Scope returns the replication scope.
func (c *Config) Scope() model.Scope {
	return model.Scope{LicenseKey: c.Sync.LicenseKey}
}

// NewLogger builds the slog logger described by c.Log.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
