package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"conduit/internal/buffer"
	"conduit/internal/logging"
)

const (
	eventBufferSize = 64
	stderrTailLines = 20
)

// Handle is a running agent process. Events yields decoded output until the
// process exits, then closes.
type Handle struct {
	PID       int
	Vendor    Vendor
	StartedAt time.Time

	proc    Process
	decoder Decoder
	logger  *logging.Logger
	events  chan Event
	done    chan struct{}
	exitErr error
	stopped atomic.Bool

	inputMu     sync.Mutex
	input       io.WriteCloser
	inputClosed bool

	tailMu     sync.Mutex
	stderrTail *buffer.Ring[string]
}

func newHandle(vendor Vendor, proc Process, logger *logging.Logger) *Handle {
	return &Handle{
		PID:        proc.PID(),
		Vendor:     vendor,
		StartedAt:  time.Now().UTC(),
		proc:       proc,
		decoder:    vendor.Decoder(),
		logger:     logger,
		events:     make(chan Event, eventBufferSize),
		done:       make(chan struct{}),
		input:      proc.Stdin(),
		stderrTail: buffer.NewRing[string](stderrTailLines),
	}
}

// Events is closed after the process has exited and every line was decoded.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// HasInput reports whether the input sink was retained after the prompt.
func (h *Handle) HasInput() bool {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	return h.input != nil
}

// Send encodes msg and writes it to the process input. Writes are serialized.
func (h *Handle) Send(msg Message) error {
	data, err := h.Vendor.Encode(msg)
	if err != nil {
		return err
	}
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	if h.input == nil || h.inputClosed {
		return ErrInputClosed
	}
	if _, err := h.input.Write(data); err != nil {
		h.inputClosed = true
		_ = h.input.Close()
		return fmt.Errorf("%w: %v", ErrInputClosed, err)
	}
	return nil
}

func (h *Handle) CloseInput() {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	h.closeInputLocked()
}

func (h *Handle) closeInputLocked() {
	if h.input == nil || h.inputClosed {
		return
	}
	h.inputClosed = true
	_ = h.input.Close()
}

// releaseInput closes stdin and forgets it, for CLIs that read the prompt
// until EOF.
func (h *Handle) releaseInput() {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	h.closeInputLocked()
	h.input = nil
}

// Stop signals the process without waiting for it to exit.
func (h *Handle) Stop() error {
	h.stopped.Store(true)
	return h.proc.Terminate()
}

// Wait blocks until the process has been reaped or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.done:
		return h.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) run(onExit func()) {
	var wg sync.WaitGroup
	if stderr := h.proc.Stderr(); stderr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.readStderr(stderr)
		}()
	}
	sawError := h.readStdout(h.proc.Stdout())
	wg.Wait()

	h.CloseInput()
	err := h.proc.Wait()
	h.exitErr = err
	if err != nil && !sawError && !h.stopped.Load() {
		h.events <- NewErrorEvent(h.exitMessage(err))
	}
	close(h.events)
	if onExit != nil {
		onExit()
	}

	fields := map[string]string{
		"vendor":   h.Vendor.String(),
		"pid":      strconv.Itoa(h.PID),
		"duration": time.Since(h.StartedAt).Round(time.Millisecond).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	h.logger.Info("agent process exited", fields)
	close(h.done)
}

func (h *Handle) readStdout(stdout io.Reader) (sawError bool) {
	if stdout == nil {
		return false
	}
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			events, decodeErr := h.decoder.Decode(trimmed)
			if decodeErr != nil {
				h.logger.Debug("agent output ignored", map[string]string{
					"vendor": h.Vendor.String(),
					"pid":    strconv.Itoa(h.PID),
					"error":  decodeErr.Error(),
				})
			}
			for _, event := range events {
				if event.Kind == EventError {
					sawError = true
				}
				h.events <- event
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("agent stdout read failed", map[string]string{
					"vendor": h.Vendor.String(),
					"error":  err.Error(),
				})
			}
			return sawError
		}
	}
}

func (h *Handle) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		h.tailMu.Lock()
		h.stderrTail.Add(line)
		h.tailMu.Unlock()
		h.logger.Debug("agent stderr", map[string]string{
			"vendor": h.Vendor.String(),
			"pid":    strconv.Itoa(h.PID),
			"line":   line,
		})
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stderr)
}

// StderrTail returns the most recent stderr lines, oldest first.
func (h *Handle) StderrTail() []string {
	h.tailMu.Lock()
	defer h.tailMu.Unlock()
	return h.stderrTail.List()
}

func (h *Handle) exitMessage(err error) string {
	message := fmt.Sprintf("%s exited: %v", h.Vendor.DisplayName(), err)
	if tail := h.StderrTail(); len(tail) > 0 {
		message += ": " + strings.Join(tail, "\n")
	}
	return message
}
