package processors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"videoQA/core"
	"videoQA/storage"
)

type countingAcquirer struct {
	calls    atomic.Int32
	text     string
	err      error
	delay    time.Duration
	duration float64
	panics   bool
}

func (c *countingAcquirer) Acquire(_ context.Context, _ core.VideoID) (core.Transcript, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.panics {
		var m map[string]int
		m["boom"]++
	}
	if c.err != nil {
		return core.Transcript{}, c.err
	}
	return core.Transcript{Text: c.text, Method: core.MethodDirect, DurationSec: c.duration}, nil
}

type countingBuilder struct {
	inner IndexBuilder
	calls atomic.Int32
	err   error
}

func (c *countingBuilder) Build(ctx context.Context, id core.VideoID, t core.Transcript) (core.Index, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Build(ctx, id, t)
}

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, question string, chunks []core.Chunk) string {
	return fmt.Sprintf("answer to %q from %d chunks", question, len(chunks))
}

// recordingGenerator 记录每次收到的片段
type recordingGenerator struct {
	mu     sync.Mutex
	chunks [][]core.Chunk
}

func (r *recordingGenerator) Generate(ctx context.Context, question string, chunks []core.Chunk) string {
	r.mu.Lock()
	r.chunks = append(r.chunks, chunks)
	r.mu.Unlock()
	return echoGenerator{}.Generate(ctx, question, chunks)
}

type pipelineFixture struct {
	p        *Pipeline
	acq      *countingAcquirer
	builder  *countingBuilder
	store    *storage.MemoryIndex
	cache    *core.VideoCache
	sessions *core.SessionTable
}

func newPipelineFixture(text string, opts ...core.CacheOption) *pipelineFixture {
	cfg := core.DefaultProcessorConfig()
	store := storage.NewMemoryIndex(nil)
	f := &pipelineFixture{
		acq:      &countingAcquirer{text: text},
		builder:  &countingBuilder{inner: NewIndexer(store, cfg)},
		store:    store,
		cache:    core.NewVideoCache(cfg.CacheTTL, opts...),
		sessions: core.NewSessionTable(),
	}
	f.p = NewPipeline(f.acq, f.builder, echoGenerator{}, f.cache, f.sessions, cfg)
	return f
}

var sampleTranscript = strings.Repeat("The host explains how sourdough starter ferments over several days. ", 40)

func TestProcessAndAnswerScenario(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(sampleTranscript)

	res, err := f.p.Process(ctx, "v1")
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if res.Status != core.StatusSuccess || res.ChunkCount == 0 || res.Transcript == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	a1, err := f.p.Answer(ctx, "v1", "What is the topic?")
	if err != nil {
		t.Fatalf("Answer() failed: %v", err)
	}
	if len(a1.ChatHistory) != 1 || a1.Status != core.StatusSuccess {
		t.Errorf("first answer history = %d", len(a1.ChatHistory))
	}

	a2, err := f.p.Answer(ctx, "v1", "How long does it ferment?")
	if err != nil {
		t.Fatalf("Answer() failed: %v", err)
	}
	if len(a2.ChatHistory) != 2 {
		t.Fatalf("second answer history = %d, want 2", len(a2.ChatHistory))
	}
	if a2.ChatHistory[0].Question != "What is the topic?" || a2.ChatHistory[1].Question != "How long does it ferment?" {
		t.Errorf("history out of order: %+v", a2.ChatHistory)
	}
	want := fmt.Sprintf("from %d chunks", min(8, res.ChunkCount))
	if !strings.Contains(a2.Answer, want) {
		t.Errorf("answer %q should use %s", a2.Answer, want)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(sampleTranscript)

	first, err := f.p.Process(ctx, "v1")
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	second, err := f.p.Process(ctx, "v1")
	if err != nil {
		t.Fatalf("second Process() failed: %v", err)
	}
	if f.acq.calls.Load() != 1 {
		t.Errorf("acquirer calls = %d, want 1", f.acq.calls.Load())
	}
	if second.Transcript != first.Transcript || second.ChunkCount != first.ChunkCount {
		t.Error("second call should return the cached result")
	}
}

func TestProcessConcurrentRunsOnce(t *testing.T) {
	f := newPipelineFixture(sampleTranscript)
	f.acq.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.p.Process(context.Background(), "v1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Process() failed: %v", err)
	}
	if f.acq.calls.Load() != 1 {
		t.Errorf("acquirer calls = %d, want 1", f.acq.calls.Load())
	}
	if f.store.Len() != 1 {
		t.Errorf("live indexes = %d, want 1", f.store.Len())
	}
}

func TestProcessShortTranscript(t *testing.T) {
	f := newPipelineFixture(strings.Repeat("x", 50))
	_, err := f.p.Process(context.Background(), "v2")
	if !errors.Is(err, core.ErrTranscriptUnavailable) {
		t.Fatalf("err = %v, want ErrTranscriptUnavailable", err)
	}
	if _, ok := f.cache.Get(context.Background(), "v2"); ok {
		t.Error("no cache entry should be created")
	}
	if f.sessions.Len() != 0 {
		t.Error("no session should be created")
	}
}

func TestProcessFailures(t *testing.T) {
	ctx := context.Background()

	f := newPipelineFixture(sampleTranscript)
	f.acq.err = fmt.Errorf("%w: all tiers failed", core.ErrTranscriptUnavailable)
	if _, err := f.p.Process(ctx, "v1"); !errors.Is(err, core.ErrTranscriptUnavailable) {
		t.Errorf("acquire failure: err = %v", err)
	}

	f = newPipelineFixture(sampleTranscript)
	f.builder.err = errors.New("index backend down")
	if _, err := f.p.Process(ctx, "v1"); !errors.Is(err, core.ErrProcessingFailed) {
		t.Errorf("index failure: err = %v", err)
	}
	if _, ok := f.cache.Get(ctx, "v1"); ok || f.sessions.Len() != 0 {
		t.Error("failed processing must not leave state behind")
	}

	if _, err := f.p.Process(ctx, "  "); !errors.Is(err, core.ErrInvalidVideoID) {
		t.Errorf("blank id: err = %v", err)
	}
}

func TestProcessRecoversFromPanic(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(sampleTranscript)
	f.acq.panics = true

	if _, err := f.p.Process(ctx, "v1"); !errors.Is(err, core.ErrProcessingFailed) {
		t.Fatalf("err = %v, want ErrProcessingFailed", err)
	}
	if f.p.Stats().InFlight != 0 || f.p.Status(ctx, "v1") != core.StateUnprocessed {
		t.Error("panicked run must not leave in-flight state")
	}

	// 恢复后同一视频可以重新处理
	f.acq.panics = false
	if _, err := f.p.Process(ctx, "v1"); err != nil {
		t.Errorf("Process() after panic failed: %v", err)
	}
}

func TestAnswerValidation(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(sampleTranscript)

	if _, err := f.p.Answer(ctx, "v3", "anything?"); !errors.Is(err, core.ErrNotProcessed) {
		t.Errorf("unprocessed video: err = %v", err)
	}
	if _, err := f.p.Process(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.p.Answer(ctx, "v1", "   "); !errors.Is(err, core.ErrInvalidQuestion) {
		t.Errorf("blank question: err = %v", err)
	}
	if _, err := f.p.Answer(ctx, "", "q"); !errors.Is(err, core.ErrInvalidVideoID) {
		t.Errorf("blank id: err = %v", err)
	}
}

func TestAnswerTruncatesQuestion(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(sampleTranscript)
	if _, err := f.p.Process(ctx, "v1"); err != nil {
		t.Fatal(err)
	}

	res, err := f.p.Answer(ctx, "v1", strings.Repeat("é", 400))
	if err != nil {
		t.Fatalf("Answer() failed: %v", err)
	}
	if n := len([]rune(res.ChatHistory[0].Question)); n != 300 {
		t.Errorf("stored question has %d runes, want 300", n)
	}
}

func TestAnswerIgnoresQuestionTail(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(sampleTranscript)
	gen := &recordingGenerator{}
	f.p.generator = gen
	if _, err := f.p.Process(ctx, "v1"); err != nil {
		t.Fatal(err)
	}

	prefix := strings.Repeat("how does the starter ferment ", 11)[:300]
	a1, err := f.p.Answer(ctx, "v1", prefix+" over several days")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := f.p.Answer(ctx, "v1", prefix+" in a cold fridge with rye flour")
	if err != nil {
		t.Fatal(err)
	}
	if a1.Answer != a2.Answer {
		t.Errorf("answers differ: %q vs %q", a1.Answer, a2.Answer)
	}
	if len(gen.chunks) != 2 || len(gen.chunks[0]) == 0 {
		t.Fatalf("generator calls = %d", len(gen.chunks))
	}
	for i := range gen.chunks[0] {
		if gen.chunks[0][i] != gen.chunks[1][i] {
			t.Errorf("retrieved chunk %d differs", i)
		}
	}
}

func TestClearSession(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(sampleTranscript)
	if _, err := f.p.Process(ctx, "v1"); err != nil {
		t.Fatal(err)
	}

	status, err := f.p.ClearSession(ctx, "v1")
	if err != nil || status != core.StatusSuccess {
		t.Fatalf("ClearSession() = %q, %v", status, err)
	}
	if f.store.Len() != 0 {
		t.Errorf("index should be released, %d live", f.store.Len())
	}
	if _, err := f.p.Answer(ctx, "v1", "still there?"); !errors.Is(err, core.ErrNotProcessed) {
		t.Errorf("answer after clear: err = %v", err)
	}
	if status, err := f.p.ClearSession(ctx, "v1"); err != nil || status != core.StatusSuccess {
		t.Errorf("second clear should succeed, got %q, %v", status, err)
	}
}

func chunkTimestamps(t *testing.T, s *core.SessionHandle) map[int]int {
	t.Helper()
	chunks, err := s.Index.Query(context.Background(), "sourdough", s.ChunkCount)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	out := make(map[int]int, len(chunks))
	for _, c := range chunks {
		out[c.Index] = c.ApproxTimestamp
	}
	return out
}

func TestSessionRebuiltFromCache(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(sampleTranscript)
	f.acq.duration = 600
	if _, err := f.p.Process(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.p.Answer(ctx, "v1", "first?"); err != nil {
		t.Fatal(err)
	}
	orig, _ := f.sessions.Get("v1")
	before := chunkTimestamps(t, orig)

	// 模拟进程重启后会话表丢失
	old, _ := f.sessions.Remove("v1")
	_ = old.Index.Close(ctx)

	res, err := f.p.Answer(ctx, "v1", "second?")
	if err != nil {
		t.Fatalf("Answer() after session loss failed: %v", err)
	}
	if len(res.ChatHistory) != 2 {
		t.Errorf("history should survive session rebuild, got %d turns", len(res.ChatHistory))
	}
	if f.builder.calls.Load() != 2 {
		t.Errorf("builder calls = %d, want 2", f.builder.calls.Load())
	}
	if f.acq.calls.Load() != 1 {
		t.Error("rebuild must not re-acquire the transcript")
	}

	rebuilt, ok := f.sessions.Get("v1")
	if !ok {
		t.Fatal("session should be rebuilt")
	}
	after := chunkTimestamps(t, rebuilt)
	if len(after) != len(before) {
		t.Fatalf("rebuilt index has %d chunks, want %d", len(after), len(before))
	}
	for i, ts := range before {
		if after[i] != ts {
			t.Errorf("chunk %d timestamp = %d after rebuild, want %d", i, after[i], ts)
		}
		if ts >= 600 {
			t.Errorf("chunk %d timestamp %d exceeds the reported duration", i, ts)
		}
	}
}

func TestSessionOutlivesCacheEntry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	var clock atomic.Int64
	f := newPipelineFixture(sampleTranscript, core.WithClock(func() time.Time {
		return now.Add(time.Duration(clock.Load()))
	}))
	if _, err := f.p.Process(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	// 缓存过期，会话仍在
	clock.Store(int64(2 * time.Hour))

	res, err := f.p.Process(ctx, "v1")
	if err != nil || res.Status != core.StatusAlreadyProcessed {
		t.Errorf("Process() = %+v, %v; want already_processed", res, err)
	}

	ans, err := f.p.Answer(ctx, "v1", "What is discussed?")
	if err != nil {
		t.Fatalf("Answer() with expired cache entry failed: %v", err)
	}
	if ans.Answer == "" || ans.Status != core.StatusSuccess {
		t.Errorf("unexpected answer: %+v", ans)
	}
	if len(ans.ChatHistory) != 1 || ans.ChatHistory[0].Question != "What is discussed?" {
		t.Errorf("history should hold only the new turn, got %+v", ans.ChatHistory)
	}
	if f.sessions.Len() != 0 || f.store.Len() != 0 {
		t.Error("stale session should be dropped")
	}

	// 下一次处理重新建立索引
	if res, err := f.p.Process(ctx, "v1"); err != nil || res.Status != core.StatusSuccess {
		t.Errorf("Process() after expiry = %+v, %v", res, err)
	}
	if f.acq.calls.Load() != 2 {
		t.Errorf("acquirer calls = %d, want 2", f.acq.calls.Load())
	}
}

func TestStatusStatsAndShutdown(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(sampleTranscript)

	if s := f.p.Status(ctx, "v1"); s != core.StateUnprocessed {
		t.Errorf("Status() = %s, want unprocessed", s)
	}
	if _, err := f.p.Process(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if s := f.p.Status(ctx, "v1"); s != core.StateReady {
		t.Errorf("Status() = %s, want ready", s)
	}

	st := f.p.Stats()
	if st.Sessions != 1 || st.InFlight != 0 || st.Cache.Entries != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}

	f.p.Shutdown(ctx)
	if f.sessions.Len() != 0 || f.store.Len() != 0 {
		t.Error("Shutdown should release every session")
	}
}
