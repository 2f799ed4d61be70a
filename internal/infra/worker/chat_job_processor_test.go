package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-chat-stream/internal/domain"
	"ai-chat-stream/internal/domain/model"
	"ai-chat-stream/internal/domain/ports/adapter"
	"ai-chat-stream/internal/infra/db/memory"
	"ai-chat-stream/internal/infra/logging"
	"ai-chat-stream/internal/infra/stream"
	"ai-chat-stream/internal/infra/worker"
)

// ---- Fakes ----

type fakeAI struct {
	deltas []string
	err    error
	block  bool // wait for ctx before answering
}

func (f *fakeAI) Provider() string     { return "fake" }
func (f *fakeAI) DefaultModel() string { return "fake-1" }
func (f *fakeAI) ChatStream(ctx context.Context, model string, msgs []adapter.Message, onDelta adapter.DeltaFunc) (string, adapter.Usage, error) {
	var sb strings.Builder
	for _, d := range f.deltas {
		sb.WriteString(d)
		if err := onDelta(d); err != nil {
			return sb.String(), adapter.Usage{}, err
		}
	}
	if f.block {
		<-ctx.Done()
		return sb.String(), adapter.Usage{}, ctx.Err()
	}
	if f.err != nil {
		return sb.String(), adapter.Usage{}, f.err
	}
	return sb.String(), adapter.Usage{PromptTokens: 3, CompletionTokens: len(f.deltas)}, nil
}

type harness struct {
	repo *memory.ChatJobRepo
	disp *stream.Dispatcher
	pool *worker.Pool
	proc *worker.ChatJobProcessor
}

func newHarness(t *testing.T, ai adapter.AIServiceAdapter, cfg worker.ProcessorConfig, workers, queue int) *harness {
	t.Helper()
	h := &harness{
		repo: memory.NewChatJobRepo(),
		disp: stream.NewDispatcher(logging.Nop()),
		pool: worker.NewPool(workers, queue, logging.Nop()),
	}
	h.proc = worker.NewChatJobProcessor(h.repo, ai, h.disp, h.pool, cfg, logging.Nop())
	return h
}

// redeemedJob stores a job and redeems it, as the stream use case would.
func (h *harness) redeemedJob(t *testing.T, id string) *model.ChatJob {
	t.Helper()
	now := time.Now().UTC()
	j, err := model.NewChatJob(id, "tok-"+id, "alice", "what is go?", "", now, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.repo.Create(context.Background(), nil, j))
	got, err := h.repo.Redeem(context.Background(), j.SessionToken, now)
	require.NoError(t, err)
	return got
}

func collect(t *testing.T, sub adapter.StreamSubscription) []model.StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var out []model.StreamEvent
	for {
		evt, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, evt)
	}
}

func kinds(evts []model.StreamEvent) []model.StreamEventKind {
	out := make([]model.StreamEventKind, len(evts))
	for i, e := range evts {
		out[i] = e.Kind
	}
	return out
}

func TestProcess_SuccessStreamsAndCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAI{deltas: []string{"Go ", "is ", "fun"}}, worker.ProcessorConfig{AITimeout: time.Second}, 1, 1)
	job := h.redeemedJob(t, "j1")
	sub, err := h.disp.Open(job.ID)
	require.NoError(t, err)

	require.NoError(t, h.proc.Process(context.Background(), job))

	evts := collect(t, sub)
	assert.Equal(t, []model.StreamEventKind{
		model.StreamEventProgress, model.StreamEventProgress,
		model.StreamEventMessage, model.StreamEventMessage, model.StreamEventMessage,
		model.StreamEventDone,
	}, kinds(evts))

	var done model.DoneData
	require.NoError(t, json.Unmarshal(evts[len(evts)-1].Data, &done))
	assert.Equal(t, "Go is fun", done.Summary)
	assert.Equal(t, "fake-1", done.Model)

	stored, err := h.repo.FindByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChatJobStatusCompleted, stored.Status)
	assert.Equal(t, "Go is fun", stored.ResultSummary)
}

func TestProcess_AIFailureMarksFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAI{deltas: []string{"partial"}, err: errors.New("upstream 500")}, worker.ProcessorConfig{}, 1, 1)
	job := h.redeemedJob(t, "j2")
	sub, err := h.disp.Open(job.ID)
	require.NoError(t, err)

	err = h.proc.Process(context.Background(), job)
	require.ErrorIs(t, err, domain.ErrWorkerFailure)

	evts := collect(t, sub)
	require.NotEmpty(t, evts)
	// partial output is not retracted
	assert.Contains(t, kinds(evts), model.StreamEventMessage)
	assert.Equal(t, model.StreamEventError, evts[len(evts)-1].Kind)

	stored, _ := h.repo.FindByID(context.Background(), nil, job.ID)
	assert.Equal(t, model.ChatJobStatusFailed, stored.Status)
	assert.Contains(t, stored.ResultSummary, "upstream 500")
}

func TestProcess_AITimeoutIsEnforced(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAI{block: true}, worker.ProcessorConfig{AITimeout: 30 * time.Millisecond}, 1, 1)
	job := h.redeemedJob(t, "j3")

	err := h.proc.Process(context.Background(), job)
	require.ErrorIs(t, err, domain.ErrWorkerFailure)

	stored, _ := h.repo.FindByID(context.Background(), nil, job.ID)
	assert.Equal(t, model.ChatJobStatusFailed, stored.Status)
	assert.Contains(t, stored.ResultSummary, "timed out")
}

func TestProcess_CancelledContextStillPersists(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAI{block: true}, worker.ProcessorConfig{AITimeout: time.Minute}, 1, 1)
	job := h.redeemedJob(t, "j4")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_ = h.proc.Process(ctx, job)

	stored, _ := h.repo.FindByID(context.Background(), nil, job.ID)
	assert.Equal(t, model.ChatJobStatusFailed, stored.Status)
	assert.Contains(t, stored.ResultSummary, "cancelled")
}

func TestProcess_SummaryIsTruncated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAI{deltas: []string{"abcdef", "ghij"}}, worker.ProcessorConfig{MaxSummaryLength: 4}, 1, 1)
	job := h.redeemedJob(t, "j5")
	require.NoError(t, h.proc.Process(context.Background(), job))

	stored, _ := h.repo.FindByID(context.Background(), nil, job.ID)
	assert.Equal(t, "abcd", stored.ResultSummary)
}

func TestEnqueue_RunsOnPool(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAI{deltas: []string{"ok"}}, worker.ProcessorConfig{}, 2, 4)
	h.pool.Start(context.Background())
	defer h.pool.Stop()

	job := h.redeemedJob(t, "j6")
	sub, err := h.disp.Open(job.ID)
	require.NoError(t, err)
	require.NoError(t, h.proc.Enqueue(context.Background(), job))

	evts := collect(t, sub)
	assert.Equal(t, model.StreamEventDone, evts[len(evts)-1].Kind)
}

func TestEnqueue_SaturatedPoolFailsJobImmediately(t *testing.T) {
	t.Parallel()
	// pool never started and queue of one: the second enqueue cannot be taken
	h := newHarness(t, &fakeAI{}, worker.ProcessorConfig{}, 1, 1)
	first := h.redeemedJob(t, "j7")
	second := h.redeemedJob(t, "j8")

	require.NoError(t, h.proc.Enqueue(context.Background(), first))
	sub, err := h.disp.Open(second.ID)
	require.NoError(t, err)

	err = h.proc.Enqueue(context.Background(), second)
	require.ErrorIs(t, err, domain.ErrWorkerFailure)

	evts := collect(t, sub)
	require.Len(t, evts, 1)
	assert.Equal(t, model.StreamEventError, evts[0].Kind)
	stored, _ := h.repo.FindByID(context.Background(), nil, second.ID)
	assert.Equal(t, model.ChatJobStatusFailed, stored.Status)

	// stopping an unstarted pool drains the queued job with a cancelled context
	h.pool.Stop()
	stored, _ = h.repo.FindByID(context.Background(), nil, first.ID)
	assert.True(t, stored.Status.Terminal())
}

func TestPool_SubmitAfterStop(t *testing.T) {
	t.Parallel()
	p := worker.NewPool(1, 1, logging.Nop())
	p.Start(context.Background())
	p.Stop()
	require.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), worker.ErrPoolStopped)
}

func TestPool_RecoversFromPanics(t *testing.T) {
	t.Parallel()
	p := worker.NewPool(1, 2, logging.Nop())
	p.Start(context.Background())
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) error { wg.Done(); return nil }))
	wg.Wait()
}

// flakyFinish fails the first n Finish calls as an unavailable store. With
// applied set, the write lands before the error is returned.
type flakyFinish struct {
	*memory.ChatJobRepo
	mu      sync.Mutex
	n       int
	applied bool
	calls   int
}

func (f *flakyFinish) Finish(ctx context.Context, id string, status model.ChatJobStatus, summary string, now time.Time) error {
	f.mu.Lock()
	f.calls++
	fail := f.n > 0
	if fail {
		f.n--
	}
	f.mu.Unlock()
	if !fail {
		return f.ChatJobRepo.Finish(ctx, id, status, summary, now)
	}
	if f.applied {
		_ = f.ChatJobRepo.Finish(ctx, id, status, summary, now)
	}
	return fmt.Errorf("%w: connection reset", domain.ErrStoreUnavailable)
}

func TestProcess_OutcomeWriteRetriedUntilStoreRecovers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAI{deltas: []string{"ok"}}, worker.ProcessorConfig{}, 1, 1)
	job := h.redeemedJob(t, "j-retry")
	sub, err := h.disp.Open(job.ID)
	require.NoError(t, err)

	h.repo.SetFailure(errors.New("db restarting"))
	done := make(chan error, 1)
	go func() { done <- h.proc.Process(context.Background(), job) }()

	time.Sleep(150 * time.Millisecond)
	h.repo.SetFailure(nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not finish after the store recovered")
	}

	evts := collect(t, sub)
	assert.Equal(t, model.StreamEventDone, evts[len(evts)-1].Kind)
	stored, err := h.repo.FindByID(context.Background(), nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChatJobStatusCompleted, stored.Status)
}

func TestProcess_OutcomeWriteRetryCases(t *testing.T) {
	t.Parallel()

	t.Run("lost acknowledgement counts as recorded", func(t *testing.T) {
		h := newHarness(t, &fakeAI{deltas: []string{"ok"}}, worker.ProcessorConfig{}, 1, 1)
		job := h.redeemedJob(t, "j-ack")
		repo := &flakyFinish{ChatJobRepo: h.repo, n: 1, applied: true}
		proc := worker.NewChatJobProcessor(repo, &fakeAI{deltas: []string{"ok"}}, h.disp, h.pool, worker.ProcessorConfig{}, logging.Nop())
		sub, err := h.disp.Open(job.ID)
		require.NoError(t, err)

		require.NoError(t, proc.Process(context.Background(), job))

		evts := collect(t, sub)
		assert.Equal(t, model.StreamEventDone, evts[len(evts)-1].Kind)
		assert.Equal(t, 2, repo.calls)
	})

	t.Run("invalid transition is not retried", func(t *testing.T) {
		h := newHarness(t, &fakeAI{deltas: []string{"ok"}}, worker.ProcessorConfig{}, 1, 1)
		job := h.redeemedJob(t, "j-terminal")
		require.NoError(t, h.repo.Finish(context.Background(), job.ID, model.ChatJobStatusFailed, "earlier", time.Now()))
		repo := &flakyFinish{ChatJobRepo: h.repo}
		proc := worker.NewChatJobProcessor(repo, &fakeAI{deltas: []string{"ok"}}, h.disp, h.pool, worker.ProcessorConfig{}, logging.Nop())
		sub, err := h.disp.Open(job.ID)
		require.NoError(t, err)

		require.NoError(t, proc.Process(context.Background(), job))

		evts := collect(t, sub)
		last := evts[len(evts)-1]
		assert.Equal(t, model.StreamEventError, last.Kind)
		assert.Contains(t, string(last.Data), "could not be recorded")
		assert.Equal(t, 1, repo.calls)
	})
}
