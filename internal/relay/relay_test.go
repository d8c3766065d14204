package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"llm-gateway/internal/provider"
	"llm-gateway/internal/provider/kimi"
	"llm-gateway/internal/provider/ollama"
)

type step struct {
	data string
	err  error
}

// scriptedReader replays one step per Read call and reports io.EOF afterwards.
type scriptedReader struct {
	steps []step
	reads int
}

func (s *scriptedReader) Read(p []byte) (int, error) {
	if s.reads >= len(s.steps) {
		return 0, io.EOF
	}
	st := s.steps[s.reads]
	s.reads++
	n := copy(p, st.data)
	return n, st.err
}

type recordingWriter struct {
	writes  []string
	flushes int
	failAt  int
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.failAt > 0 && len(w.writes)+1 == w.failAt {
		return 0, errors.New("broken pipe")
	}
	w.writes = append(w.writes, string(p))
	return len(p), nil
}

func (w *recordingWriter) Flush() {
	w.flushes++
}

type sleepRecorder struct {
	pauses []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.pauses = append(s.pauses, d)
	return ctx.Err()
}

func newTestRelay(s *sleepRecorder, opts ...Option) *Relay {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, append([]Option{WithSleep(s.sleep)}, opts...)...)
}

func TestRun_OllamaSkipsEmptyChunk(t *testing.T) {
	first := `{"message":{"role":"assistant","content":"Hel"},"done":false}`
	second := `{"message":{"role":"assistant","content":"lo"},"done":true}`
	src := &scriptedReader{steps: []step{{data: first}, {data: "   \n"}, {data: second}}}
	dst := &recordingWriter{}
	sleeps := &sleepRecorder{}

	stats, err := newTestRelay(sleeps).Run(context.Background(), ollama.New(""), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(dst.writes) != 2 || dst.writes[0] != first || dst.writes[1] != second {
		t.Fatalf("writes = %q", dst.writes)
	}
	if dst.flushes != 2 {
		t.Fatalf("flushes = %d, want one per chunk", dst.flushes)
	}
	if stats.Chunks != 2 || stats.Skipped != 1 || stats.Invalid != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Bytes != len(first)+len(second) {
		t.Fatalf("bytes = %d", stats.Bytes)
	}
	if len(sleeps.pauses) != 0 {
		t.Fatalf("unexpected pauses %v", sleeps.pauses)
	}
}

func TestRun_ZeroByteReadIsStallNotRetry(t *testing.T) {
	src := &scriptedReader{steps: []step{{}, {}, {data: "data: x\n\n"}, {}}}
	dst := &recordingWriter{}
	sleeps := &sleepRecorder{}

	stats, err := newTestRelay(sleeps).Run(context.Background(), kimi.New(""), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Stalls != 3 || stats.Retries != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	for _, d := range sleeps.pauses {
		if d != DefaultStallPause {
			t.Fatalf("stall pause = %v, want %v", d, DefaultStallPause)
		}
	}
	if len(dst.writes) != 1 {
		t.Fatalf("writes = %q", dst.writes)
	}
}

func TestRun_RetryBudgetExhaustedOnSixthAbnormalRead(t *testing.T) {
	readErr := errors.New("connection reset by peer")
	steps := make([]step, 0, 7)
	for i := 0; i < 6; i++ {
		steps = append(steps, step{err: readErr})
	}
	steps = append(steps, step{data: "never read"})
	src := &scriptedReader{steps: steps}
	dst := &recordingWriter{}
	sleeps := &sleepRecorder{}

	stats, err := newTestRelay(sleeps).Run(context.Background(), kimi.New(""), src, dst)
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection reset by peer") {
		t.Fatalf("error should carry the last read failure: %v", err)
	}
	if src.reads != 6 {
		t.Fatalf("reads = %d, want 6", src.reads)
	}
	if stats.Retries != DefaultMaxRetries {
		t.Fatalf("retries = %d, want %d", stats.Retries, DefaultMaxRetries)
	}
	if len(sleeps.pauses) != DefaultMaxRetries {
		t.Fatalf("pauses = %v", sleeps.pauses)
	}
	for _, d := range sleeps.pauses {
		if d != DefaultRetryPause {
			t.Fatalf("retry pause = %v, want %v", d, DefaultRetryPause)
		}
	}
	if len(dst.writes) != 0 {
		t.Fatalf("unexpected writes %q", dst.writes)
	}
}

func TestRun_RecoversAfterTransientFailures(t *testing.T) {
	readErr := errors.New("temporary glitch")
	src := &scriptedReader{steps: []step{
		{data: "data: a\n\n"},
		{err: readErr},
		{err: readErr},
		{data: "data: b\n\n"},
	}}
	dst := &recordingWriter{}

	stats, err := newTestRelay(&sleepRecorder{}).Run(context.Background(), kimi.New(""), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Retries != 2 || stats.Chunks != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if strings.Join(dst.writes, "") != "data: a\n\ndata: b\n\n" {
		t.Fatalf("writes = %q", dst.writes)
	}
}

func TestRun_RetryBudgetIsPerRun(t *testing.T) {
	readErr := errors.New("glitch")
	src := &scriptedReader{steps: []step{
		{err: readErr}, {err: readErr}, {err: readErr},
		{data: "data: a\n\n"},
		{err: readErr}, {err: readErr}, {err: readErr},
	}}

	_, err := newTestRelay(&sleepRecorder{}).Run(context.Background(), kimi.New(""), src, &recordingWriter{})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries once six abnormal reads accumulate, got %v", err)
	}
}

func TestRun_ErrorChunkStopsWithoutWriting(t *testing.T) {
	bad := `{"error":{"message":"model not found"}}`
	src := &scriptedReader{steps: []step{{data: "data: ok\n\n"}, {data: bad}, {data: "data: after\n\n"}}}
	dst := &recordingWriter{}

	_, err := newTestRelay(&sleepRecorder{}).Run(context.Background(), kimi.New(""), src, dst)

	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected *ChunkError, got %T: %v", err, err)
	}
	if chunkErr.Chunk != bad || chunkErr.Backend != provider.Kimi {
		t.Fatalf("chunk error = %+v", chunkErr)
	}
	if len(dst.writes) != 1 || dst.writes[0] != "data: ok\n\n" {
		t.Fatalf("writes = %q", dst.writes)
	}
	if src.reads != 2 {
		t.Fatalf("relay kept reading after error chunk: reads = %d", src.reads)
	}
}

func TestRun_ErrorMarkerMatchesPlainText(t *testing.T) {
	src := &scriptedReader{steps: []step{{data: `data: {"content":"error handling in Go"}` + "\n\n"}}}
	_, err := newTestRelay(&sleepRecorder{}).Run(context.Background(), kimi.New(""), src, &recordingWriter{})

	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected substring match to fail the relay, got %v", err)
	}
}

func TestRun_OllamaInvalidChunkIsAdvisory(t *testing.T) {
	src := &scriptedReader{steps: []step{{data: `{"done":true}`}, {data: "not json"}}}
	dst := &recordingWriter{}

	stats, err := newTestRelay(&sleepRecorder{}).Run(context.Background(), ollama.New(""), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Invalid != 2 || stats.Chunks != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(dst.writes) != 2 {
		t.Fatalf("invalid chunks must still be written, got %q", dst.writes)
	}
}

func TestRun_DataWithEOFIsWritten(t *testing.T) {
	src := &scriptedReader{steps: []step{{data: "data: last\n\n", err: io.EOF}, {data: "unreachable"}}}
	dst := &recordingWriter{}

	stats, err := newTestRelay(&sleepRecorder{}).Run(context.Background(), kimi.New(""), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Chunks != 1 || src.reads != 1 {
		t.Fatalf("stats = %+v, reads = %d", stats, src.reads)
	}
}

func TestRun_ClientWriteFailureIsFatal(t *testing.T) {
	src := &scriptedReader{steps: []step{{data: "data: a\n\n"}, {data: "data: b\n\n"}, {data: "data: c\n\n"}}}
	dst := &recordingWriter{failAt: 2}

	stats, err := newTestRelay(&sleepRecorder{}).Run(context.Background(), kimi.New(""), src, dst)
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("expected ErrClientGone, got %v", err)
	}
	if stats.Chunks != 1 || src.reads != 2 {
		t.Fatalf("stats = %+v, reads = %d", stats, src.reads)
	}
}

func TestRun_CancelledContextAbortsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &scriptedReader{steps: []step{{err: context.Canceled}}}
	_, err := newTestRelay(&sleepRecorder{}).Run(ctx, kimi.New(""), src, &recordingWriter{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrMaxRetries) {
		t.Fatalf("cancellation must not be retried")
	}
}

func TestRun_CancelledDuringStall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &scriptedReader{steps: []step{{}, {data: "unreachable"}}}
	_, err := newTestRelay(&sleepRecorder{}).Run(ctx, kimi.New(""), src, &recordingWriter{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_ChunksBoundedByBufferSize(t *testing.T) {
	payload := strings.Repeat("x", 10)
	src := bytes.NewBufferString(payload)
	dst := &recordingWriter{}

	stats, err := newTestRelay(&sleepRecorder{}, WithBufferSize(4)).Run(context.Background(), kimi.New(""), src, dst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Chunks != 3 || dst.writes[0] != "xxxx" || dst.writes[2] != "xx" {
		t.Fatalf("writes = %q", dst.writes)
	}
}

func TestRun_ZeroRetryBudget(t *testing.T) {
	src := &scriptedReader{steps: []step{{err: errors.New("boom")}}}
	_, err := newTestRelay(&sleepRecorder{}, WithMaxRetries(0)).Run(context.Background(), kimi.New(""), src, &recordingWriter{})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleepContext: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancelled sleep took too long")
	}
}
