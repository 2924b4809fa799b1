package agent

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

var errFakeTerminated = errors.New("signal: terminated")

type fakeProcess struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	inputs   chan string
	inputEOF chan struct{}
	exit     chan error

	mu         sync.Mutex
	finished   bool
	terminated bool
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{
		pid:      pid,
		inputs:   make(chan string, 16),
		inputEOF: make(chan struct{}),
		exit:     make(chan error, 1),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go func() {
		defer close(p.inputEOF)
		reader := bufio.NewReader(p.stdinR)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				p.inputs <- line
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }

func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutR }

func (p *fakeProcess) Stderr() io.ReadCloser { return p.stderrR }

func (p *fakeProcess) Wait() error {
	return <-p.exit
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.finish(errFakeTerminated)
	return nil
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) writeStdout(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.stdoutW, line+"\n"); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
}

func (p *fakeProcess) writeStderr(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.stderrW, line+"\n"); err != nil {
		t.Fatalf("write stderr: %v", err)
	}
}

// finish ends both output streams and reports err as the exit status.
func (p *fakeProcess) finish(err error) {
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

func (p *fakeProcess) receiveInput(t *testing.T) string {
	t.Helper()
	select {
	case line := <-p.inputs:
		return line
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for process input")
		return ""
	}
}

type fakeLauncher struct {
	mu       sync.Mutex
	process  *fakeProcess
	err      error
	commands []Command
}

func (l *fakeLauncher) Launch(command Command) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands = append(l.commands, command)
	if l.err != nil {
		return nil, l.err
	}
	return l.process, nil
}

func (l *fakeLauncher) lastCommand() Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.commands) == 0 {
		return Command{}
	}
	return l.commands[len(l.commands)-1]
}

func lookPathFound(file string) (string, error) {
	return "/opt/bin/" + file, nil
}

func lookPathMissing(file string) (string, error) {
	return "", errors.New("executable file not found in $PATH")
}

func receiveEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatal("event stream closed early")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectEventsClosed(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var rest []Event
	timeout := time.After(time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return rest
			}
			rest = append(rest, event)
		case <-timeout:
			t.Fatal("timed out waiting for event stream to close")
			return rest
		}
	}
}
