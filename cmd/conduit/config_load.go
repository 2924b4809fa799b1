package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"conduit/internal/config"
	"conduit/internal/logging"
)

// Config is the resolved server configuration.
type Config struct {
	Settings    config.Settings
	Verbose     bool
	Quiet       bool
	ShowVersion bool
}

// settingFlags maps command line flags to setting keys.
var settingFlags = []struct {
	name string
	key  string
	desc string
}{
	{name: "host", key: "server.host", desc: "HTTP listen host"},
	{name: "port", key: "server.port", desc: "HTTP listen port"},
	{name: "token", key: "server.auth-token", desc: "Auth token for REST and websocket"},
	{name: "allowed-origins", key: "server.allowed-origins", desc: "Comma separated websocket origins"},
	{name: "db", key: "storage.database-path", desc: "SQLite database path"},
	{name: "log-level", key: "logging.level", desc: "Log level (debug, info, warning, error)"},
	{name: "status-concurrency", key: "status.concurrency", desc: "Concurrent status computations"},
	{name: "selected-refresh-interval", key: "status.selected-refresh-interval", desc: "Active workspace refresh interval"},
	{name: "pr-refresh-interval", key: "status.pr-refresh-interval", desc: "Pull request refresh interval"},
	{name: "watch-git", key: "status.watch-git", desc: "Watch workspace git state (true/false)"},
	{name: "initial-scan", key: "status.initial-scan", desc: "Refresh every workspace at startup (true/false)"},
}

type flagValues struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
	Help       bool
	Version    bool
	Overrides  map[string]string
}

func loadConfig(args []string, lookupEnv func(string) (string, bool)) (Config, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	flags, err := parseFlags(args, os.Stdout)
	if err != nil {
		return Config{}, err
	}
	if flags.Verbose && flags.Quiet {
		return Config{}, fmt.Errorf("--verbose and --quiet are mutually exclusive")
	}
	cfg := Config{Verbose: flags.Verbose, Quiet: flags.Quiet, ShowVersion: flags.Version}
	if flags.Version {
		return cfg, nil
	}

	path := flags.ConfigPath
	if path == "" {
		if envPath, ok := lookupEnv(config.EnvPrefix + "CONFIG"); ok {
			path = strings.TrimSpace(envPath)
		}
	}
	settings, err := config.Load(config.LoadOptions{
		Path:      path,
		LookupEnv: lookupEnv,
		Overrides: flags.Overrides,
	})
	if err != nil {
		return Config{}, err
	}
	cfg.Settings = settings
	return cfg, nil
}

func parseFlags(args []string, helpOut io.Writer) (flagValues, error) {
	if args == nil {
		args = []string{}
	}
	fs := flag.NewFlagSet("conduit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Settings file (.toml, .yaml)")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	quiet := fs.Bool("quiet", false, "Reduce logging to warnings")
	help := fs.Bool("help", false, "Show help")
	showVersion := fs.Bool("version", false, "Print version and exit")
	values := make(map[string]*string, len(settingFlags))
	for _, setting := range settingFlags {
		values[setting.name] = fs.String(setting.name, "", setting.desc)
	}

	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	if fs.NArg() > 0 {
		return flagValues{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	flags := flagValues{
		ConfigPath: strings.TrimSpace(*configPath),
		Verbose:    *verbose,
		Quiet:      *quiet,
		Help:       *help,
		Version:    *showVersion,
		Overrides:  make(map[string]string),
	}
	fs.Visit(func(f *flag.Flag) {
		for _, setting := range settingFlags {
			if setting.name == f.Name {
				flags.Overrides[setting.key] = *values[f.Name]
			}
		}
	})

	if flags.Help {
		printHelp(helpOut)
		return flags, flag.ErrHelp
	}
	return flags, nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: conduit [serve] [flags]")
	fmt.Fprintln(out, "       conduit config validate [--config path]")
	fmt.Fprintln(out, "       conduit version")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	fmt.Fprintf(out, "  --%-28s %s\n", "config", "Settings file (.toml, .yaml)")
	for _, setting := range settingFlags {
		fmt.Fprintf(out, "  --%-28s %s (%s)\n", setting.name, setting.desc, config.EnvName(setting.key))
	}
	fmt.Fprintf(out, "  --%-28s %s\n", "verbose", "Enable verbose logging")
	fmt.Fprintf(out, "  --%-28s %s\n", "quiet", "Reduce logging to warnings")
	fmt.Fprintf(out, "  --%-28s %s\n", "version", "Print version and exit")
}

func logLevel(cfg Config) logging.Level {
	switch {
	case cfg.Verbose:
		return logging.LevelDebug
	case cfg.Quiet:
		return logging.LevelWarning
	}
	if level, ok := logging.ParseLevel(cfg.Settings.Logging.Level); ok {
		return level
	}
	return logging.LevelInfo
}

func logStartupSettings(logger *logging.Logger, cfg Config) {
	settings := cfg.Settings
	fields := map[string]string{
		"addr":                settings.Addr(),
		"database":            settings.Storage.DatabasePath,
		"status.concurrency":  strconv.Itoa(settings.Status.Concurrency),
		"status.watch_git":    strconv.FormatBool(settings.Status.WatchGit),
		"status.pr_interval":  settings.Status.PRRefreshInterval.String(),
		"status.git_interval": settings.Status.SelectedRefreshInterval.String(),
		"auth":                formatTokenFlag(settings.Server.AuthToken),
	}
	if settings.Path != "" {
		fields["settings_file"] = settings.Path
	}
	keys := make([]string, 0, len(settings.Sources))
	for key, source := range settings.Sources {
		if source != config.SourceDefault {
			keys = append(keys, key+"="+string(source))
		}
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		fields["overrides"] = strings.Join(keys, ",")
	}
	logger.Info("conduit settings", fields)
}

func formatTokenFlag(token string) string {
	if token == "" {
		return "none"
	}
	return "set"
}
