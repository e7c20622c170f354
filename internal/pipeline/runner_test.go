package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/core/workflow"
	"github.com/vietddude/maestro/internal/infra/storage/memory"
	"github.com/vietddude/maestro/internal/infra/worker"
	"github.com/vietddude/maestro/internal/pipeline/quality"
	"github.com/vietddude/maestro/internal/pipeline/stages"
	"github.com/vietddude/maestro/internal/recovery"
	"github.com/vietddude/maestro/internal/recovery/breaker"
)

// scriptedWorker answers each call with the next step queued for its
// stage, repeating the last step once the queue is drained. on replaces
// the queue.
type scriptedWorker struct {
	name string

	mu       sync.Mutex
	steps    map[string][]step
	requests []worker.Request
}

type step struct {
	out domain.StageOutput
	err error
	fn  func(ctx context.Context) error
}

func newScriptedWorker(name string) *scriptedWorker {
	return &scriptedWorker{name: name, steps: make(map[string][]step)}
}

func (s *scriptedWorker) on(stage string, steps ...step) *scriptedWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[stage] = steps
	return s
}

func (s *scriptedWorker) Name() string { return s.name }

func (s *scriptedWorker) Execute(ctx context.Context, req worker.Request) (domain.StageOutput, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	queue := s.steps[req.Stage]
	var st step
	if len(queue) > 0 {
		st = queue[0]
		if len(queue) > 1 {
			s.steps[req.Stage] = queue[1:]
		}
	} else {
		st = step{out: good("generic output")}
	}
	s.mu.Unlock()

	if st.fn != nil {
		if err := st.fn(ctx); err != nil {
			return domain.StageOutput{}, err
		}
	}
	return st.out, st.err
}

func (s *scriptedWorker) Health() worker.HealthStatus { return worker.HealthStatus{Name: s.name} }
func (s *scriptedWorker) Close() error                { return nil }

func (s *scriptedWorker) calls(stage string) []worker.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []worker.Request
	for _, r := range s.requests {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

func good(body string) domain.StageOutput {
	return domain.StageOutput{
		Content:      domain.Content{Kind: domain.ContentText, Body: body},
		Valid:        true,
		QualityScore: 85,
	}
}

type fakeLocker struct {
	mu        sync.Mutex
	held      map[string]bool
	refreshes int
	releases  int
}

func (l *fakeLocker) AcquireLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false, nil
	}
	l.held[id] = true
	return true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	l.releases++
	return nil
}

func (l *fakeLocker) RefreshLock(ctx context.Context, id string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	return nil
}

type fixture struct {
	runner  *Runner
	manager *workflow.Manager
	worker  *scriptedWorker
	clock   *clock.Fake
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	return newFixtureWithBreaker(t, maxRetries, 100)
}

func newFixtureWithBreaker(t *testing.T, maxRetries, threshold int) *fixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	clk.SetAutoAdvance(true)

	machine := workflow.NewMachine(workflow.DefaultConfig, stages.NewCatalog(false), quality.NewDefaultRegistry(60, 1), clk)
	manager := workflow.NewManager(machine, memory.NewMemoryStorage().Workflows(), nil)

	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: threshold, Timeout: time.Minute}, clk)
	executor := recovery.NewExecutor(recovery.DefaultConfig, breakers, recovery.WithClock(clk))

	retry := recovery.DefaultConfig
	retry.MaxRetries = maxRetries
	retry.BaseDelay = 10 * time.Millisecond
	retry.Timeout = 5 * time.Second

	sw := newScriptedWorker("generic")
	workers := worker.NewRegistry()
	workers.SetFallback(sw)

	return &fixture{
		runner:  NewRunner(manager, executor, workers, Config{Retry: &retry}),
		manager: manager,
		worker:  sw,
		clock:   clk,
	}
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	w, err := f.manager.InitializeWorkflow(context.Background(), "proj-"+t.Name(), domain.ProjectDescriptor{
		Format: "podcast",
		Title:  "Pilot",
	})
	require.NoError(t, err)
	return w.ID
}

func TestRunToCompletion_HappyPath(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	id := f.start(t)

	outline := good("Cold open, interview, outro")
	outline.Declares.Characters = map[string]string{"Host": "Sam, dry humour"}
	f.worker.on("outline", step{out: outline})

	summary, err := f.runner.RunToCompletion(ctx, id)
	require.NoError(t, err)

	assert.True(t, summary.Terminal)
	assert.Equal(t, 100, summary.ProgressPercentage)
	assert.Equal(t, 3, summary.CompletedCount)
	assert.Equal(t, "polish", summary.CurrentStage)

	scripts := f.worker.calls("script")
	require.Len(t, scripts, 1)
	assert.Equal(t, "Sam, dry humour", scripts[0].Context.Characters["Host"])
	assert.Len(t, scripts[0].Previous, 1)
	assert.Equal(t, 1, scripts[0].Attempt)

	_, err = f.runner.RunStage(ctx, id)
	assert.ErrorIs(t, err, workflow.ErrWorkflowCompleted)
}

func TestRunStage_TransientFailureRetriedInPlace(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	id := f.start(t)

	f.worker.on("outline",
		step{err: errors.New("connection reset by peer")},
		step{out: good("outline")},
	)

	res, err := f.runner.RunStage(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Completed())
	assert.Equal(t, 2, res.Attempts)

	calls := f.worker.calls("outline")
	require.Len(t, calls, 2)
	assert.Equal(t, domain.ErrorKindNetwork, calls[1].LastError)
	assert.Equal(t, string(recovery.ActionRetryWithBackoff), calls[1].LastStrategy)

	w, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Stage("outline").RetryCount, "executor retries do not count as stage failures")
	assert.Equal(t, "script", w.CurrentStage)
}

func TestRunToCompletion_ExhaustsSeverityCeiling(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.start(t)

	f.worker.on("outline", step{err: errors.New("network unreachable")})

	summary, err := f.runner.RunToCompletion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageStatusFailed, summary.CurrentStatus)
	assert.False(t, summary.Terminal)

	// network_error is low severity: three stage retries, failed on the fourth
	// report, each run making MaxRetries+1 attempts.
	assert.Len(t, f.worker.calls("outline"), 8)

	w, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	stage := w.Stage("outline")
	assert.Equal(t, 4, stage.RetryCount)
	require.Len(t, stage.Errors, 4)
	assert.Equal(t, domain.ErrorKindNetwork, stage.Errors[0].Kind)
	assert.Equal(t, 2, stage.Errors[0].Attempts)

	_, err = f.runner.RunStage(ctx, id)
	assert.ErrorIs(t, err, ErrStageNotRunnable)

	require.NoError(t, f.manager.ResetStage(ctx, id))
	f.worker.on("outline", step{out: good("recovered outline")})
	res, err := f.runner.RunStage(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Completed())
}

func TestRunStage_AuthenticationFailsImmediately(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.start(t)

	f.worker.on("outline", step{err: errors.New("401 unauthorized: bad api key")})

	res, err := f.runner.RunStage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.True(t, res.Failure.MaxRetriesReached)
	assert.Equal(t, domain.StageStatusFailed, res.Failure.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, recovery.ErrNotRetryable)
	assert.Len(t, f.worker.calls("outline"), 1)
}

func TestRunToCompletion_GateVerdictParksForReview(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	id := f.start(t)

	weak := good("thin outline")
	weak.QualityScore = 20
	f.worker.on("outline", step{out: weak})

	summary, err := f.runner.RunToCompletion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageStatusReviewRequired, summary.CurrentStatus)
	assert.Equal(t, "outline", summary.CurrentStage)
	assert.Len(t, f.worker.calls("outline"), 1, "gate verdicts are not retried")

	_, err = f.runner.RunStage(ctx, id)
	assert.ErrorIs(t, err, ErrStageNotRunnable)

	// A reviewer can still approve with a better output.
	tr, err := f.manager.TransitionToNextStage(ctx, id, good("revised outline"), nil)
	require.NoError(t, err)
	assert.True(t, tr.Success)
	assert.Equal(t, "script", tr.NextStage)
}

func TestRunStage_ResetAfterReviewAsksWorkerAgain(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	id := f.start(t)

	weak := good("thin outline")
	weak.QualityScore = 20
	f.worker.on("outline", step{out: weak}, step{out: good("fuller outline")})

	res, err := f.runner.RunStage(ctx, id)
	require.NoError(t, err)
	require.False(t, res.Completed())

	require.NoError(t, f.manager.ResetStage(ctx, id))
	w, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageStatusReady, w.Current().Status)

	res, err = f.runner.RunStage(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Completed())
	assert.Equal(t, "script", res.Transition.NextStage)
	assert.Len(t, f.worker.calls("outline"), 2)
}

func TestRunToCompletion_OpenCircuitKeepsStageBudget(t *testing.T) {
	f := newFixtureWithBreaker(t, 2, 3)
	ctx := context.Background()
	id := f.start(t)

	f.worker.on("outline", step{err: errors.New("network unreachable")})

	_, err := f.runner.RunToCompletion(ctx, id)
	require.ErrorIs(t, err, ErrWorkerUnavailable)
	assert.ErrorIs(t, err, recovery.ErrCircuitOpen)
	assert.Len(t, f.worker.calls("outline"), 3, "only the first run reaches the worker")

	w, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	cur := w.Current()
	assert.Equal(t, domain.StageStatusInProgress, cur.Status)
	assert.Equal(t, 1, cur.RetryCount)
	require.Len(t, cur.Errors, 1)
	assert.Equal(t, 3, cur.Errors[0].Attempts)

	// After the breaker timeout the next run resumes the stage.
	f.clock.Add(2 * time.Minute)
	f.worker.on("outline", step{out: good("outline")})
	res, err := f.runner.RunStage(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Completed())
	assert.Equal(t, 1, res.Attempts)
}

func TestRunStage_CanceledRunResumes(t *testing.T) {
	f := newFixture(t, 2)
	id := f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.worker.on("outline",
		step{fn: func(context.Context) error {
			cancel()
			return errors.New("interrupted")
		}},
		step{out: good("outline")},
	)

	_, err := f.runner.RunStage(ctx, id)
	require.ErrorIs(t, err, recovery.ErrCanceled)

	w, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageStatusInProgress, w.Current().Status)
	assert.Equal(t, 0, w.Current().RetryCount)

	res, err := f.runner.RunStage(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Completed())
}

func TestRunStage_Lock(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	id := f.start(t)

	locker := &fakeLocker{held: map[string]bool{id: true}}
	f.runner.SetLocker(locker)

	_, err := f.runner.RunStage(ctx, id)
	require.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, f.worker.calls("outline"))

	require.NoError(t, locker.ReleaseLock(ctx, id))
	summary, err := f.runner.RunToCompletion(ctx, id)
	require.NoError(t, err)
	assert.True(t, summary.Terminal)
	assert.Equal(t, 2, locker.refreshes)
	assert.Equal(t, 2, locker.releases)
	assert.False(t, locker.held[id])
}

func TestRunStage_UnknownWorker(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	id := f.start(t)

	f.runner.workers = worker.NewRegistry()
	_, err := f.runner.RunStage(ctx, id)
	require.ErrorIs(t, err, worker.ErrNoWorker)
	assert.True(t, strings.Contains(err.Error(), stages.WorkerStrategist))
}
