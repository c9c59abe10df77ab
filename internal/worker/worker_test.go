package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/scriptexec/internal/models"
	"github.com/narvanalabs/scriptexec/internal/queue"
	"github.com/narvanalabs/scriptexec/internal/runner"
	"github.com/narvanalabs/scriptexec/internal/store"
)

var errStoreDown = errors.New("connection refused")

// mockExecutionStore implements store.ExecutionStore in memory.
type mockExecutionStore struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
	getErr     error
	updateErr  error
}

func (m *mockExecutionStore) Create(ctx context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *mockExecutionStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	exec, ok := m.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (m *mockExecutionStore) List(ctx context.Context, statuses []models.ExecutionStatus, limit int) ([]*models.Execution, error) {
	return nil, nil
}

func (m *mockExecutionStore) Update(ctx context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *mockExecutionStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type mockStore struct {
	executions *mockExecutionStore
}

func newMockStore() *mockStore {
	return &mockStore{executions: &mockExecutionStore{executions: make(map[string]*models.Execution)}}
}

func (m *mockStore) Executions() store.ExecutionStore { return m.executions }
func (m *mockStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(m)
}
func (m *mockStore) Ping(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                   { return nil }

// mockQueue implements queue.Queue in memory.
type mockQueue struct {
	mu         sync.Mutex
	pending    []*models.ExecutionJob
	processing map[string]*models.ExecutionJob
	retries    map[string]int
	acked      []string
	stale      []*models.ExecutionJob
}

func newMockQueue() *mockQueue {
	return &mockQueue{
		processing: make(map[string]*models.ExecutionJob),
		retries:    make(map[string]int),
	}
}

func (q *mockQueue) Enqueue(ctx context.Context, job *models.ExecutionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, job)
	return nil
}

func (q *mockQueue) Dequeue(ctx context.Context) (*models.ExecutionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, queue.ErrNoJobs
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.Retries = q.retries[job.ID]
	q.processing[job.ID] = job
	return job, nil
}

func (q *mockQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[jobID]; !ok {
		return queue.ErrJobNotFound
	}
	delete(q.processing, jobID)
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *mockQueue) Nack(ctx context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.processing[jobID]
	if !ok {
		return 0, queue.ErrJobNotFound
	}
	delete(q.processing, jobID)
	q.retries[jobID]++
	q.pending = append(q.pending, job)
	return q.retries[jobID], nil
}

func (q *mockQueue) RecoverStale(ctx context.Context, olderThan time.Duration) ([]*models.ExecutionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stale, nil
}

func (q *mockQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *mockQueue) retryCount(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retries[jobID]
}

// mockExecutor returns canned results.
type mockExecutor struct {
	mu     sync.Mutex
	result runner.Result
	err    error
	calls  int
}

func (m *mockExecutor) RunSource(ctx context.Context, filename string, src []byte) (runner.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.result, m.err
}

func seedExecution(t *testing.T, s *mockStore, q *mockQueue, id string) *models.ExecutionJob {
	t.Helper()
	exec := &models.Execution{
		ID:       id,
		Filename: "script.py",
		Code:     "print('hi')",
		Status:   models.ExecutionStatusQueued,
	}
	if err := s.Executions().Create(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
	job := &models.ExecutionJob{ID: "job-" + id, ExecutionID: id}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func testConfig() *Config {
	return &Config{Concurrency: 1, MaxAttempts: 2, PollInterval: 10 * time.Millisecond, ErrorBackoff: 10 * time.Millisecond}
}

func TestProcessJobRecordsSuccess(t *testing.T) {
	s, q := newMockStore(), newMockQueue()
	exec := &mockExecutor{result: runner.Result{Success: true, Output: "hi\n"}}
	w := New(testConfig(), s, q, exec, nil)
	job := seedExecution(t, s, q, "e1")

	if _, err := w.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob() error = %v", err)
	}

	got, _ := s.Executions().Get(context.Background(), "e1")
	if got.Status != models.ExecutionStatusSucceeded {
		t.Errorf("Status = %q, want succeeded", got.Status)
	}
	if got.Output != "hi\n" || got.Attempts != 1 {
		t.Errorf("execution = %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("timing fields not set")
	}
}

func TestProcessJobRecordsScriptFailure(t *testing.T) {
	s, q := newMockStore(), newMockQueue()
	exec := &mockExecutor{result: runner.Result{Success: false, Error: "NameError", ExitCode: 1}}
	w := New(testConfig(), s, q, exec, nil)
	job := seedExecution(t, s, q, "e2")

	if _, err := w.processJob(context.Background(), job); err != nil {
		t.Fatalf("script failure must not be a processing error: %v", err)
	}

	got, _ := s.Executions().Get(context.Background(), "e2")
	if got.Status != models.ExecutionStatusFailed || got.Error != "NameError" {
		t.Errorf("execution = %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("ExitCode = %v, want 1", got.ExitCode)
	}
}

func TestProcessJobSkipsFinishedExecution(t *testing.T) {
	s, q := newMockStore(), newMockQueue()
	exec := &mockExecutor{}
	w := New(testConfig(), s, q, exec, nil)
	job := seedExecution(t, s, q, "e3")

	done, _ := s.Executions().Get(context.Background(), "e3")
	done.Status = models.ExecutionStatusSucceeded
	s.Executions().Update(context.Background(), done)

	if _, err := w.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob() error = %v", err)
	}
	if exec.calls != 0 {
		t.Errorf("executor called %d times for finished execution", exec.calls)
	}
}

func TestWorkerDrainsQueue(t *testing.T) {
	s, q := newMockStore(), newMockQueue()
	exec := &mockExecutor{result: runner.Result{Success: true, Output: "ok"}}
	cfg := testConfig()
	cfg.Concurrency = 3
	w := New(cfg, s, q, exec, nil)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seedExecution(t, s, q, id)
	}

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for q.ackedCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	if got := q.ackedCount(); got != 5 {
		t.Fatalf("acked %d jobs, want 5", got)
	}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		got, _ := s.Executions().Get(context.Background(), id)
		if got.Status != models.ExecutionStatusSucceeded {
			t.Errorf("execution %s status = %q", id, got.Status)
		}
	}
}

func TestWorkerAbandonsAfterMaxAttempts(t *testing.T) {
	s, q := newMockStore(), newMockQueue()
	exec := &mockExecutor{err: runner.ErrWriteScript}
	w := New(testConfig(), s, q, exec, nil)
	seedExecution(t, s, q, "broken")

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for q.ackedCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	if q.ackedCount() != 1 {
		t.Fatal("abandoned job was not removed from the queue")
	}
	got, _ := s.Executions().Get(context.Background(), "broken")
	if got.Status != models.ExecutionStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if exec.calls != 2 {
		t.Errorf("executor called %d times, want 2", exec.calls)
	}
}

func TestWorkerDropsJobForMissingExecution(t *testing.T) {
	s, q := newMockStore(), newMockQueue()
	exec := &mockExecutor{}
	w := New(testConfig(), s, q, exec, nil)

	job := &models.ExecutionJob{ID: "job-orphan", ExecutionID: "deleted"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for q.ackedCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	if q.ackedCount() != 1 {
		t.Fatal("job for a missing execution was not removed from the queue")
	}
	if n := q.retryCount(job.ID); n != 0 {
		t.Errorf("job retried %d times, want 0", n)
	}
	if exec.calls != 0 {
		t.Errorf("executor called %d times", exec.calls)
	}
}

func TestWorkerAbandonsWhenStoreKeepsFailing(t *testing.T) {
	s, q := newMockStore(), newMockQueue()
	exec := &mockExecutor{}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	w := New(cfg, s, q, exec, nil)
	job := seedExecution(t, s, q, "unreachable")
	s.executions.mu.Lock()
	s.executions.getErr = errStoreDown
	s.executions.mu.Unlock()

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for q.ackedCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	if q.ackedCount() != 1 {
		t.Fatalf("job was not abandoned, retried %d times", q.retryCount(job.ID))
	}
	if n := q.retryCount(job.ID); n != cfg.MaxAttempts-1 {
		t.Errorf("job retried %d times, want %d", n, cfg.MaxAttempts-1)
	}
	if exec.calls != 0 {
		t.Errorf("executor called %d times", exec.calls)
	}
}

func TestRecoverOnStartupRequeuesRunning(t *testing.T) {
	s, q := newMockStore(), newMockQueue()
	job := seedExecution(t, s, q, "stuck")

	running, _ := s.Executions().Get(context.Background(), "stuck")
	now := time.Now()
	running.Status = models.ExecutionStatusRunning
	running.StartedAt = &now
	s.Executions().Update(context.Background(), running)
	q.stale = []*models.ExecutionJob{job}

	res, err := NewRecoveryService(s, q, nil).RecoverOnStartup(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("RecoverOnStartup() error = %v", err)
	}
	if res.RequeuedExecutions != 1 {
		t.Errorf("RequeuedExecutions = %d, want 1", res.RequeuedExecutions)
	}
	got, _ := s.Executions().Get(context.Background(), "stuck")
	if got.Status != models.ExecutionStatusQueued || got.StartedAt != nil {
		t.Errorf("execution = %+v", got)
	}
}

// For any batch of queued executions and any worker concurrency, every
// execution SHALL reach a terminal status exactly once.
func TestPropertyEveryExecutionProcessedOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("all executions reach a terminal status", prop.ForAll(
		func(count, concurrency int) bool {
			s, q := newMockStore(), newMockQueue()
			exec := &mockExecutor{result: runner.Result{Success: true}}
			cfg := testConfig()
			cfg.Concurrency = concurrency
			w := New(cfg, s, q, exec, nil)

			for i := 0; i < count; i++ {
				seedExecution(t, s, q, string(rune('a'+i)))
			}

			w.Start(context.Background())
			deadline := time.Now().Add(5 * time.Second)
			for q.ackedCount() < count && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			w.Stop()

			if exec.calls != count {
				t.Logf("executor called %d times, want %d", exec.calls, count)
				return false
			}
			for i := 0; i < count; i++ {
				got, _ := s.Executions().Get(context.Background(), string(rune('a'+i)))
				if !got.Status.Terminal() {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
