package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"conduit/internal/logging"
	"conduit/internal/process"
)

// RunConfig is the input of one agent run.
type RunConfig struct {
	Prompt          string
	WorkingDir      string
	Model           string
	Images          []Image
	ResumeSessionID string
}

type RunnerOptions struct {
	Vendor Vendor
	// BinaryPath overrides PATH resolution of the vendor CLI.
	BinaryPath string
	Env        []string
	Launcher   Launcher
	LookPath   func(file string) (string, error)
	Processes  *process.Registry
	Logger     *logging.Logger
}

// Runner spawns processes of one vendor CLI.
type Runner struct {
	vendor     Vendor
	binaryPath string
	env        []string
	launcher   Launcher
	lookPath   func(file string) (string, error)
	processes  *process.Registry
	logger     *logging.Logger
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher()
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	return &Runner{
		vendor:     opts.Vendor,
		binaryPath: strings.TrimSpace(opts.BinaryPath),
		env:        opts.Env,
		launcher:   opts.Launcher,
		lookPath:   opts.LookPath,
		processes:  opts.Processes,
		logger:     opts.Logger,
	}
}

func (r *Runner) Vendor() Vendor {
	return r.vendor
}

// Available reports whether the vendor CLI resolves.
func (r *Runner) Available() bool {
	_, err := r.resolveBinary()
	return err == nil
}

func (r *Runner) resolveBinary() (string, error) {
	if !r.vendor.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownVendor, string(r.vendor))
	}
	name := r.binaryPath
	if name == "" {
		name = r.vendor.Binary()
	}
	path, err := r.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
	}
	return path, nil
}

// Start spawns the vendor CLI and writes the prompt as its first input.
// ctx bounds the spawn only; the process outlives it.
func (r *Runner) Start(ctx context.Context, config RunConfig) (*Handle, error) {
	path, err := r.resolveBinary()
	if err != nil {
		return nil, err
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
		}
	}

	proc, err := r.launcher.Launch(Command{
		Path: path,
		Args: r.vendor.args(config),
		Dir:  config.WorkingDir,
		Env:  r.env,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, path, err)
	}

	handle := newHandle(r.vendor, proc, r.logger)
	pid := handle.PID
	// Launched processes lead their own group.
	r.processes.RegisterWithWait(pid, pid, r.vendor.String(), handle.Wait)
	go handle.run(func() {
		r.processes.Unregister(pid)
	})

	if err := handle.Send(Message{Text: config.Prompt, Images: config.Images}); err != nil {
		_ = handle.Stop()
		go drain(handle.Events())
		return nil, fmt.Errorf("%w: write prompt: %v", ErrSpawnFailure, err)
	}
	if !r.vendor.SupportsControl() {
		// Only the stream-json input protocol keeps stdin open between turns.
		handle.releaseInput()
	}

	r.logger.Info("agent process started", map[string]string{
		"vendor": r.vendor.String(),
		"pid":    strconv.Itoa(pid),
		"dir":    config.WorkingDir,
	})
	return handle, nil
}

func drain(events <-chan Event) {
	for range events {
	}
}
