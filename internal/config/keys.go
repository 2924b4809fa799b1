package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"conduit/internal/config/filekeys"
)

// setting binds a normalized key to a typed field. set accepts the decoded
// file value or the raw string from env and flags.
type setting struct {
	key string
	set func(*Settings, any) error
}

var settingTable = []setting{
	stringSetting("server.host", func(s *Settings) *string { return &s.Server.Host }),
	intSetting("server.port", func(s *Settings) *int { return &s.Server.Port }),
	stringSetting("server.auth-token", func(s *Settings) *string { return &s.Server.AuthToken }),
	listSetting("server.allowed-origins", func(s *Settings) *[]string { return &s.Server.AllowedOrigins }),
	durationSetting("server.shutdown-timeout", func(s *Settings) *time.Duration { return &s.Server.ShutdownTimeout }),

	stringSetting("storage.database-path", func(s *Settings) *string { return &s.Storage.DatabasePath }),

	stringSetting("logging.level", func(s *Settings) *string { return &s.Logging.Level }),
	intSetting("logging.buffer-size", func(s *Settings) *int { return &s.Logging.BufferSize }),

	stringSetting("agents.claude-path", func(s *Settings) *string { return &s.Agents.ClaudePath }),
	stringSetting("agents.codex-path", func(s *Settings) *string { return &s.Agents.CodexPath }),
	stringSetting("agents.gemini-path", func(s *Settings) *string { return &s.Agents.GeminiPath }),

	intSetting("sessions.subscriber-buffer", func(s *Settings) *int { return &s.Sessions.SubscriberBuffer }),
	durationSetting("sessions.subscriber-write-timeout", func(s *Settings) *time.Duration { return &s.Sessions.SubscriberWriteTimeout }),

	floatSetting("gateway.frame-rate", func(s *Settings) *float64 { return &s.Gateway.FrameRate }),
	intSetting("gateway.frame-burst", func(s *Settings) *int { return &s.Gateway.FrameBurst }),
	intSetting("gateway.outbound-queue", func(s *Settings) *int { return &s.Gateway.OutboundQueue }),
	durationSetting("gateway.write-timeout", func(s *Settings) *time.Duration { return &s.Gateway.WriteTimeout }),

	boolSetting("status.initial-scan", func(s *Settings) *bool { return &s.Status.InitialScan }),
	intSetting("status.concurrency", func(s *Settings) *int { return &s.Status.Concurrency }),
	durationSetting("status.selected-refresh-interval", func(s *Settings) *time.Duration { return &s.Status.SelectedRefreshInterval }),
	durationSetting("status.pr-refresh-interval", func(s *Settings) *time.Duration { return &s.Status.PRRefreshInterval }),
	boolSetting("status.watch-git", func(s *Settings) *bool { return &s.Status.WatchGit }),
	durationSetting("status.watch-debounce", func(s *Settings) *time.Duration { return &s.Status.WatchDebounce }),
	durationSetting("status.github-auth-cache-ttl", func(s *Settings) *time.Duration { return &s.Status.GitHubAuthCacheTTL }),
}

// Keys lists every known setting key in table order.
func Keys() []string {
	keys := make([]string, 0, len(settingTable))
	for _, entry := range settingTable {
		keys = append(keys, entry.key)
	}
	return keys
}

func lookupSetting(key string) (setting, bool) {
	normalized := filekeys.NormalizeKey(key)
	for _, entry := range settingTable {
		if entry.key == normalized {
			return entry, true
		}
	}
	return setting{}, false
}

func stringSetting(key string, field func(*Settings) *string) setting {
	return setting{key: key, set: func(s *Settings, value any) error {
		typed, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", value)
		}
		*field(s) = strings.TrimSpace(typed)
		return nil
	}}
}

func intSetting(key string, field func(*Settings) *int) setting {
	return setting{key: key, set: func(s *Settings, value any) error {
		if raw, ok := value.(string); ok {
			parsed, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("expected an integer, got %q", raw)
			}
			*field(s) = parsed
			return nil
		}
		parsed, ok := filekeys.AsInt64(value)
		if !ok {
			return fmt.Errorf("expected an integer, got %T", value)
		}
		*field(s) = int(parsed)
		return nil
	}}
}

func floatSetting(key string, field func(*Settings) *float64) setting {
	return setting{key: key, set: func(s *Settings, value any) error {
		switch typed := value.(type) {
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
			if err != nil {
				return fmt.Errorf("expected a number, got %q", typed)
			}
			*field(s) = parsed
		case float64:
			*field(s) = typed
		default:
			parsed, ok := filekeys.AsInt64(value)
			if !ok {
				return fmt.Errorf("expected a number, got %T", value)
			}
			*field(s) = float64(parsed)
		}
		return nil
	}}
}

func boolSetting(key string, field func(*Settings) *bool) setting {
	return setting{key: key, set: func(s *Settings, value any) error {
		switch typed := value.(type) {
		case bool:
			*field(s) = typed
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
			if err != nil {
				return fmt.Errorf("expected a boolean, got %q", typed)
			}
			*field(s) = parsed
		default:
			return fmt.Errorf("expected a boolean, got %T", value)
		}
		return nil
	}}
}

// durationSetting takes Go duration strings such as "90s".
func durationSetting(key string, field func(*Settings) *time.Duration) setting {
	return setting{key: key, set: func(s *Settings, value any) error {
		typed, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a duration string, got %T", value)
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(typed))
		if err != nil {
			return fmt.Errorf("expected a duration, got %q", typed)
		}
		*field(s) = parsed
		return nil
	}}
}

// listSetting takes a list from files or a comma separated string.
func listSetting(key string, field func(*Settings) *[]string) setting {
	return setting{key: key, set: func(s *Settings, value any) error {
		var items []string
		switch typed := value.(type) {
		case string:
			items = strings.Split(typed, ",")
		case []any:
			for _, item := range typed {
				text, ok := item.(string)
				if !ok {
					return fmt.Errorf("expected a list of strings, got %T", item)
				}
				items = append(items, text)
			}
		default:
			return fmt.Errorf("expected a list, got %T", value)
		}
		cleaned := make([]string, 0, len(items))
		for _, item := range items {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		*field(s) = cleaned
		return nil
	}}
}
