// Package config loads conduit settings. Values are layered as defaults, the
// settings file, CONDUIT_* environment variables and finally command line
// overrides; the source of every value is recorded.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"conduit/internal/config/filekeys"
	"conduit/internal/logging"
)

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

const EnvPrefix = "CONDUIT_"

// DefaultPaths are probed in order when no settings file is named.
var DefaultPaths = []string{"conduit.toml", "conduit.yaml", "conduit.yml"}

var ErrInvalid = errors.New("invalid settings")

type Settings struct {
	Server   ServerSettings
	Storage  StorageSettings
	Logging  LoggingSettings
	Agents   AgentSettings
	Sessions SessionSettings
	Gateway  GatewaySettings
	Status   StatusSettings

	// Path is the settings file that was read, if any.
	Path    string
	Sources map[string]Source
}

type ServerSettings struct {
	Host            string
	Port            int
	AuthToken       string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type StorageSettings struct {
	DatabasePath string
}

type LoggingSettings struct {
	Level      string
	BufferSize int
}

// AgentSettings override PATH resolution of the vendor CLIs.
type AgentSettings struct {
	ClaudePath string
	CodexPath  string
	GeminiPath string
}

type SessionSettings struct {
	SubscriberBuffer       int
	SubscriberWriteTimeout time.Duration
}

type GatewaySettings struct {
	FrameRate     float64
	FrameBurst    int
	OutboundQueue int
	WriteTimeout  time.Duration
}

type StatusSettings struct {
	InitialScan             bool
	Concurrency             int
	SelectedRefreshInterval time.Duration
	PRRefreshInterval       time.Duration
	WatchGit                bool
	WatchDebounce           time.Duration
	GitHubAuthCacheTTL      time.Duration
}

func Defaults() Settings {
	return Settings{
		Server: ServerSettings{
			Host:            "127.0.0.1",
			Port:            7400,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageSettings{DatabasePath: "conduit.db"},
		Logging: LoggingSettings{Level: string(logging.LevelInfo), BufferSize: logging.DefaultBufferSize},
		Sessions: SessionSettings{
			SubscriberBuffer:       256,
			SubscriberWriteTimeout: 5 * time.Second,
		},
		Gateway: GatewaySettings{
			FrameRate:     20,
			FrameBurst:    40,
			OutboundQueue: 256,
			WriteTimeout:  10 * time.Second,
		},
		Status: StatusSettings{
			InitialScan:             true,
			Concurrency:             4,
			SelectedRefreshInterval: 10 * time.Second,
			PRRefreshInterval:       2 * time.Minute,
			WatchGit:                true,
			WatchDebounce:           500 * time.Millisecond,
			GitHubAuthCacheTTL:      5 * time.Minute,
		},
		Sources: make(map[string]Source),
	}
}

type LoadOptions struct {
	// Path names the settings file. A named file must exist; without one the
	// DefaultPaths are probed and may all be missing.
	Path      string
	LookupEnv func(string) (string, bool)
	// Overrides are flag values keyed by setting key.
	Overrides map[string]string
}

func Load(opts LoadOptions) (Settings, error) {
	settings := Defaults()
	for _, entry := range settingTable {
		settings.Sources[entry.key] = SourceDefault
	}

	path, err := resolvePath(opts.Path)
	if err != nil {
		return Settings{}, err
	}
	if path != "" {
		if err := settings.applyFile(path); err != nil {
			return Settings{}, err
		}
		settings.Path = path
	}

	lookupEnv := opts.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	for _, entry := range settingTable {
		raw, ok := lookupEnv(EnvName(entry.key))
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := entry.set(&settings, raw); err != nil {
			return Settings{}, fmt.Errorf("%w: %s: %v", ErrInvalid, EnvName(entry.key), err)
		}
		settings.Sources[entry.key] = SourceEnv
	}

	for key, raw := range opts.Overrides {
		entry, ok := lookupSetting(key)
		if !ok {
			return Settings{}, fmt.Errorf("%w: unknown setting %q", ErrInvalid, key)
		}
		if err := entry.set(&settings, raw); err != nil {
			return Settings{}, fmt.Errorf("%w: --%s: %v", ErrInvalid, flagName(entry.key), err)
		}
		settings.Sources[entry.key] = SourceFlag
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func resolvePath(path string) (string, error) {
	if path = strings.TrimSpace(path); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("settings file: %w", err)
		}
		return path, nil
	}
	for _, candidate := range DefaultPaths {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

func (s *Settings) applyFile(path string) error {
	format, err := filekeys.FormatForPath(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	store, err := filekeys.Decode(payload, format)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	for _, key := range store.Keys() {
		entry, ok := lookupSetting(key)
		if !ok {
			return fmt.Errorf("%w: %s: unknown setting %q", ErrInvalid, path, key)
		}
		value, _ := store.Get(key)
		if err := entry.set(s, value); err != nil {
			return fmt.Errorf("%w: %s: %s: %v", ErrInvalid, path, key, err)
		}
		s.Sources[entry.key] = SourceFile
	}
	return nil
}

// Validate reports the first out of range value.
func (s Settings) Validate() error {
	invalid := func(key, reason string) error {
		return fmt.Errorf("%w: %s %s", ErrInvalid, key, reason)
	}
	switch {
	case s.Server.Port <= 0 || s.Server.Port > 65535:
		return invalid("server.port", "must be between 1 and 65535")
	case s.Server.ShutdownTimeout <= 0:
		return invalid("server.shutdown-timeout", "must be > 0")
	case strings.TrimSpace(s.Storage.DatabasePath) == "":
		return invalid("storage.database-path", "must not be empty")
	case s.Logging.BufferSize <= 0:
		return invalid("logging.buffer-size", "must be > 0")
	case s.Sessions.SubscriberBuffer <= 0:
		return invalid("sessions.subscriber-buffer", "must be > 0")
	case s.Sessions.SubscriberWriteTimeout <= 0:
		return invalid("sessions.subscriber-write-timeout", "must be > 0")
	case s.Gateway.FrameRate <= 0:
		return invalid("gateway.frame-rate", "must be > 0")
	case s.Gateway.FrameBurst <= 0:
		return invalid("gateway.frame-burst", "must be > 0")
	case s.Gateway.OutboundQueue <= 0:
		return invalid("gateway.outbound-queue", "must be > 0")
	case s.Gateway.WriteTimeout <= 0:
		return invalid("gateway.write-timeout", "must be > 0")
	case s.Status.Concurrency <= 0:
		return invalid("status.concurrency", "must be > 0")
	case s.Status.SelectedRefreshInterval <= 0:
		return invalid("status.selected-refresh-interval", "must be > 0")
	case s.Status.PRRefreshInterval <= 0:
		return invalid("status.pr-refresh-interval", "must be > 0")
	case s.Status.WatchDebounce < 0:
		return invalid("status.watch-debounce", "must not be negative")
	case s.Status.GitHubAuthCacheTTL <= 0:
		return invalid("status.github-auth-cache-ttl", "must be > 0")
	}
	if _, ok := logging.ParseLevel(s.Logging.Level); !ok {
		return invalid("logging.level", fmt.Sprintf("%q is not a log level", s.Logging.Level))
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (s Settings) Addr() string {
	return s.Server.Host + ":" + strconv.Itoa(s.Server.Port)
}

// EnvName maps a setting key to its environment variable.
func EnvName(key string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_")
	return EnvPrefix + strings.ToUpper(replacer.Replace(key))
}

func flagName(key string) string {
	return strings.ReplaceAll(key, ".", "-")
}
