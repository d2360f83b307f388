package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/ipc"
)

// Environment variables set on spawned worker processes.
const (
	EnvRole        = "CRAWLER_ROLE"
	EnvWorkerIndex = "CRAWLER_WORKER_INDEX"
	RoleWorker     = "worker"
)

// ProcessSpawner re-executes a binary as a worker process. The child's stdout
// carries ipc messages; its stderr is relayed line by line.
type ProcessSpawner struct {
	// Path defaults to the running executable.
	Path string
	Args []string
	Env  []string
	// Stderr receives relayed worker output; defaults to os.Stderr.
	Stderr io.Writer
	// StopGrace bounds how long a worker may run after SIGTERM.
	StopGrace time.Duration
	Logger    *zap.Logger

	relayOnce sync.Once
	relay     *lockedWriter
}

// Spawn starts worker index. Canceling ctx sends SIGTERM.
func (s *ProcessSpawner) Spawn(ctx context.Context, index int) (Handle, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	args := append(append([]string(nil), s.Args...), "--index", strconv.Itoa(index))
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(append(os.Environ(), s.Env...),
		EnvRole+"="+RoleWorker,
		EnvWorkerIndex+"="+strconv.Itoa(index),
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.StopGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 30 * time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdout: %w", index, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stderr: %w", index, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", index, err)
	}

	h := &processHandle{
		cmd:      cmd,
		messages: make(chan ipc.Message, 64),
	}
	h.readers.Add(2)
	go h.decode(stdout, logger.With(zap.Int("worker_index", index)))
	go h.relayLines(stderr, s.stderr(), fmt.Sprintf("[worker-%d] ", index))
	go func() {
		h.readers.Wait()
		close(h.messages)
	}()
	return h, nil
}

func (s *ProcessSpawner) stderr() io.Writer {
	s.relayOnce.Do(func() {
		w := s.Stderr
		if w == nil {
			w = os.Stderr
		}
		s.relay = &lockedWriter{w: w}
	})
	return s.relay
}

type processHandle struct {
	cmd      *exec.Cmd
	messages chan ipc.Message
	readers  sync.WaitGroup
}

func (h *processHandle) Messages() <-chan ipc.Message { return h.messages }

// Wait reaps the process once both pipes reached EOF.
func (h *processHandle) Wait() ExitStatus {
	h.readers.Wait()
	err := h.cmd.Wait()
	status := ExitStatus{Err: err, Code: -1}
	state := h.cmd.ProcessState
	if state == nil {
		return status
	}
	status.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A non-zero code is reported through Code.
		status.Err = nil
	}
	return status
}

func (h *processHandle) decode(r io.Reader, logger *zap.Logger) {
	defer h.readers.Done()
	dec := ipc.NewDecoder(r)
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if errors.Is(err, ipc.ErrMalformed) {
			logger.Warn("Dropping malformed worker message", zap.Error(err))
			continue
		}
		if err != nil {
			logger.Error("Worker message channel failed", zap.Error(err))
			// Keep draining so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
		h.messages <- msg
	}
}

func (h *processHandle) relayLines(r io.Reader, w io.Writer, prefix string) {
	defer h.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		fmt.Fprintf(w, "%s%s\n", prefix, scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("relay worker output: %w", err)
	}
	return n, nil
}
