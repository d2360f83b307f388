package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/ipc"
	"github.com/JakeFAU/shopcrawl/internal/queue/memory"
	recordsink "github.com/JakeFAU/shopcrawl/internal/sink/memory"
	"github.com/JakeFAU/shopcrawl/internal/worker"
)

// TestHelperWorkerProcess is not a real test. It stands in for the worker
// command when the test binary is re-executed by ProcessSpawner.
func TestHelperWorkerProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	index, _ := strconv.Atoi(os.Getenv(EnvWorkerIndex))
	enc := ipc.NewEncoder(os.Stdout, index)
	_ = enc.Online(os.Getpid())
	_ = enc.Emit(context.Background(), crawler.Record{
		URL: fmt.Sprintf("https://shop.example.com/products/p-%d", index),
		SKU: strconv.Itoa(index),
	})
	_ = enc.Summarize(worker.Summary{Records: 1})
	fmt.Fprintf(os.Stderr, "role=%s index=%d\n", os.Getenv(EnvRole), index)
	code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT_CODE"))
	os.Exit(code)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func helperSpawner(stderr *syncBuffer, exitCode int) *ProcessSpawner {
	return &ProcessSpawner{
		Path:   os.Args[0],
		Args:   []string{"-test.run=^TestHelperWorkerProcess$", "--"},
		Env:    []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_EXIT_CODE=" + strconv.Itoa(exitCode)},
		Stderr: stderr,
	}
}

func TestProcessSpawnerRelaysMessagesAndStderr(t *testing.T) {
	t.Parallel()

	stderr := &syncBuffer{}
	h, err := helperSpawner(stderr, 0).Spawn(context.Background(), 1)
	require.NoError(t, err)

	var types []ipc.Type
	for msg := range h.Messages() {
		require.Equal(t, 1, msg.Worker)
		types = append(types, msg.Type)
	}
	require.Equal(t, []ipc.Type{ipc.TypeOnline, ipc.TypeRecord, ipc.TypeSummary}, types)

	exit := h.Wait()
	require.Equal(t, ExitOK, exit.Code)
	require.NoError(t, exit.Err)
	require.Contains(t, stderr.String(), "[worker-1] role=worker index=1")
}

func TestProcessSpawnerReportsExitCode(t *testing.T) {
	t.Parallel()

	h, err := helperSpawner(&syncBuffer{}, ExitInvariant).Spawn(context.Background(), 0)
	require.NoError(t, err)
	for range h.Messages() {
	}
	require.Equal(t, ExitInvariant, h.Wait().Code)
}

func TestCoordinatorRunWithProcesses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	sink := recordsink.New()
	c := New(q, sink, helperSpawner(&syncBuffer{}, 0), Config{Workers: 2, Fresh: true}, zap.NewNop())

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Records)
	require.Len(t, sink.Records(), 2)
	for _, status := range report.Workers {
		require.NotZero(t, status.PID)
		require.Equal(t, StateExited, status.State)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, ExitOK, ExitCode(nil))
	require.Equal(t, ExitFailure, ExitCode(fmt.Errorf("boom")))
	require.Equal(t, ExitInvariant, ExitCode(fmt.Errorf("worker 0: %w", crawler.ErrInvariant)))
}
