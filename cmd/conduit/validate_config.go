package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"conduit/internal/config"
)

func runValidateConfig(args []string) int {
	return validateConfig(args, os.Stdout, os.Stderr, os.LookupEnv)
}

func validateConfig(args []string, out, errOut io.Writer, lookupEnv func(string) (string, bool)) int {
	fs := flag.NewFlagSet("conduit config validate", flag.ContinueOnError)
	fs.SetOutput(errOut)
	path := fs.String("config", "", "Settings file (.toml, .yaml)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *path == "" && fs.NArg() > 0 {
		*path = fs.Arg(0)
	}

	settings, err := config.Load(config.LoadOptions{Path: *path, LookupEnv: lookupEnv})
	if err != nil {
		fmt.Fprintf(errOut, "config invalid: %v\n", err)
		return 1
	}
	source := settings.Path
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(out, "config ok: %s\n", source)
	for _, key := range config.Keys() {
		if settings.Sources[key] != config.SourceDefault {
			fmt.Fprintf(out, "  %s (%s)\n", key, settings.Sources[key])
		}
	}
	return 0
}
