// Package agenttest provides in-memory agent processes for tests of packages
// built on agent.Runner.
package agenttest

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"conduit/internal/agent"
)

// ErrTerminated is the exit error of a Process stopped through Terminate.
var ErrTerminated = errors.New("signal: terminated")

const firstFakePID = 1 << 22

// Process is an agent.Process backed by pipes. Output is fed with Emit and
// input lines are collected on Inputs.
type Process struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	inputs chan string
	exit   chan error

	mu         sync.Mutex
	finished   bool
	terminated bool
}

func NewProcess(pid int) *Process {
	p := &Process{
		pid:    pid,
		inputs: make(chan string, 64),
		exit:   make(chan error, 1),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.collectInput()
	return p
}

func (p *Process) collectInput() {
	reader := bufio.NewReader(p.stdinR)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			select {
			case p.inputs <- line:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }

func (p *Process) Stdout() io.ReadCloser { return p.stdoutR }

func (p *Process) Stderr() io.ReadCloser { return p.stderrR }

func (p *Process) Wait() error {
	return <-p.exit
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.Finish(ErrTerminated)
	return nil
}

// Emit writes one stdout line. It blocks until the reader consumes it.
func (p *Process) Emit(line string) error {
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

// Finish closes the output streams and makes Wait return err.
func (p *Process) Finish(err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.mu.Unlock()
	_ = p.stdoutW.Close()
	_ = p.stderrW.Close()
	p.exit <- err
}

// Inputs yields every line written to stdin.
func (p *Process) Inputs() <-chan string {
	return p.inputs
}

func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Launcher hands out a fresh Process for every launch.
type Launcher struct {
	mu        sync.Mutex
	nextPID   int
	processes []*Process
	commands  []agent.Command
	err       error
}

func NewLauncher() *Launcher {
	return &Launcher{nextPID: firstFakePID}
}

// FailWith makes every later launch fail with err.
func (l *Launcher) FailWith(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *Launcher) Launch(command agent.Command) (agent.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands = append(l.commands, command)
	if l.err != nil {
		return nil, l.err
	}
	l.nextPID++
	proc := NewProcess(l.nextPID)
	l.processes = append(l.processes, proc)
	return proc, nil
}

// Last returns the most recently launched process.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.processes) == 0 {
		return nil
	}
	return l.processes[len(l.processes)-1]
}

func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processes)
}

func (l *Launcher) Commands() []agent.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]agent.Command(nil), l.commands...)
}

// LookPath resolves every binary.
func LookPath(file string) (string, error) {
	return "/usr/local/bin/" + file, nil
}

// MissingLookPath resolves nothing.
func MissingLookPath(file string) (string, error) {
	return "", errors.New("executable file not found in $PATH")
}

// Runners builds one runner per vendor sharing launcher.
func Runners(launcher *Launcher, lookPath func(string) (string, error)) map[agent.Vendor]*agent.Runner {
	runners := make(map[agent.Vendor]*agent.Runner, len(agent.Vendors))
	for _, vendor := range agent.Vendors {
		runners[vendor] = agent.NewRunner(agent.RunnerOptions{
			Vendor:   vendor,
			Launcher: launcher,
			LookPath: lookPath,
		})
	}
	return runners
}
