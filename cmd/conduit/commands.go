package main

import (
	"fmt"
	"io"
	"os"

	"conduit/internal/version"
)

type command interface {
	Run(args []string) int
}

type commandDeps struct {
	Stdout            io.Writer
	Stderr            io.Writer
	RunServer         func(args []string) int
	RunValidateConfig func(args []string) int
	RunVersion        func(out io.Writer) int
}

func defaultCommandDeps() commandDeps {
	return commandDeps{
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
		RunServer:         runServer,
		RunValidateConfig: runValidateConfig,
		RunVersion:        runVersion,
	}
}

type serverCommand struct {
	deps commandDeps
}

func (c serverCommand) Run(args []string) int {
	return c.deps.RunServer(args)
}

type validateConfigCommand struct {
	deps commandDeps
}

func (c validateConfigCommand) Run(args []string) int {
	return c.deps.RunValidateConfig(args)
}

type versionCommand struct {
	deps commandDeps
}

func (c versionCommand) Run(args []string) int {
	return c.deps.RunVersion(c.deps.Stdout)
}

// resolveCommand picks the subcommand; anything else runs the server.
func resolveCommand(args []string, deps commandDeps) (command, []string) {
	if len(args) > 0 && args[0] == "serve" {
		return serverCommand{deps: deps}, args[1:]
	}
	if len(args) > 1 && args[0] == "config" && args[1] == "validate" {
		return validateConfigCommand{deps: deps}, args[2:]
	}
	if len(args) > 0 && args[0] == "version" {
		return versionCommand{deps: deps}, args[1:]
	}
	return serverCommand{deps: deps}, args
}

func runVersion(out io.Writer) int {
	fmt.Fprintln(out, formatVersion())
	return 0
}

func formatVersion() string {
	info := version.GetVersionInfo()
	if info.Version == "" || info.Version == "dev" {
		return "conduit dev"
	}
	line := "conduit version " + info.Version
	if info.GitCommit != "" {
		line += " (" + info.GitCommit + ")"
	}
	return line
}
