package agent

import (
	"io"
	"os"
	"os/exec"

	"conduit/internal/process"
)

// Command describes one agent process to spawn.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Process is a spawned agent CLI with piped stdio.
type Process interface {
	PID() int
	// Stdin may be nil when the launcher does not retain an input pipe.
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Wait blocks until the process exits. It must be called at most once.
	Wait() error
	// Terminate signals the process without waiting.
	Terminate() error
}

type Launcher interface {
	Launch(command Command) (Process, error)
}

type execLauncher struct{}

// ExecLauncher spawns real processes in their own process group.
func ExecLauncher() Launcher {
	return execLauncher{}
}

func (execLauncher) Launch(command Command) (Process, error) {
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	cmd.SysProcAttr = process.SysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Terminate() error {
	pid := p.PID()
	return process.TerminateGroup(pid, pid)
}
