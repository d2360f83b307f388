package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/ipc"
	"github.com/JakeFAU/shopcrawl/internal/worker"
)

// WorkerFunc runs worker index to completion, emitting records through emitter.
type WorkerFunc func(ctx context.Context, index int, emitter worker.Emitter) (worker.Summary, error)

// InProcessSpawner runs each worker as a goroutine with a Go channel as its
// message channel.
type InProcessSpawner struct {
	Run    WorkerFunc
	Buffer int
}

// Spawn starts worker index. Canceling ctx stops it.
func (s InProcessSpawner) Spawn(ctx context.Context, index int) (Handle, error) {
	if s.Run == nil {
		return nil, fmt.Errorf("in-process spawner has no worker func")
	}
	buffer := s.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	h := &inProcessHandle{
		messages: make(chan ipc.Message, buffer),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		defer close(h.messages)
		h.messages <- ipc.Message{Type: ipc.TypeOnline, Worker: index, PID: os.Getpid()}

		summary, err := s.Run(ctx, index, channelEmitter{ch: h.messages, index: index})
		h.messages <- ipc.Message{Type: ipc.TypeSummary, Worker: index, Summary: &summary}
		h.status = exitStatusFor(err)
	}()
	return h, nil
}

type inProcessHandle struct {
	messages chan ipc.Message
	done     chan struct{}
	status   ExitStatus
}

func (h *inProcessHandle) Messages() <-chan ipc.Message { return h.messages }

func (h *inProcessHandle) Wait() ExitStatus {
	<-h.done
	return h.status
}

type channelEmitter struct {
	ch    chan<- ipc.Message
	index int
}

func (e channelEmitter) Emit(ctx context.Context, record crawler.Record) error {
	select {
	case e.ch <- ipc.Message{Type: ipc.TypeRecord, Worker: e.index, Record: &record}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("emit record: %w", ctx.Err())
	}
}

// ExitCode maps a worker error to its process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, crawler.ErrInvariant):
		return ExitInvariant
	default:
		return ExitFailure
	}
}

func exitStatusFor(err error) ExitStatus {
	return ExitStatus{Code: ExitCode(err), Err: err}
}
