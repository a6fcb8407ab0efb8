package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAsker struct {
	mu        sync.Mutex
	questions []string
	answer    string
	err       error
}

func (f *fakeAsker) Call(_ context.Context, question string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, question)
	return f.answer, f.err
}

func (f *fakeAsker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.questions)
}

func newTestScheduler(t *testing.T, asker Asker, opts ...Option) *Scheduler {
	t.Helper()
	s := New(map[string]Asker{"weather": asker}, opts...)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestStartRegistersStaticJobs(t *testing.T) {
	s := newTestScheduler(t, &fakeAsker{answer: "sunny"})
	require.NoError(t, s.Start([]Job{
		{Name: "morning", Spec: "0 7 * * *", Chain: "weather", Question: "weather in Berlin?"},
		{Name: "broken", Spec: "not a cron", Chain: "weather", Question: "q"},
		{Name: "orphan", Spec: "@hourly", Chain: "missing", Question: "q"},
	}))

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "morning", jobs[0].Name)
	assert.Equal(t, "config", jobs[0].Source)

	next, ok := s.NextRun("morning")
	require.True(t, ok)
	assert.Equal(t, 7, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestLoadDoesNotStartCron(t *testing.T) {
	dir := t.TempDir()
	asker := &fakeAsker{answer: "sunny"}

	first := newTestScheduler(t, asker, WithDataDir(dir))
	require.NoError(t, first.Load(nil))
	require.NoError(t, first.AddJob(Job{Name: "often", Spec: "@every 1s", Chain: "weather", Question: "q"}))

	second := newTestScheduler(t, asker, WithDataDir(dir))
	require.NoError(t, second.Load([]Job{{Name: "morning", Spec: "0 7 * * *", Chain: "weather", Question: "q"}}))
	assert.Len(t, second.ListJobs(), 2)

	next, ok := second.NextRun("morning")
	require.True(t, ok)
	assert.Equal(t, 7, next.Hour())

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, asker.callCount())
}

func TestRunNow(t *testing.T) {
	asker := &fakeAsker{answer: "sunny, 21C"}
	var hooked []Result
	s := newTestScheduler(t, asker, WithResultHook(func(r Result) { hooked = append(hooked, r) }))
	require.NoError(t, s.Start([]Job{{Name: "morning", Spec: "@daily", Chain: "weather", Question: "weather in Berlin?"}}))

	res, err := s.RunNow("morning")
	require.NoError(t, err)
	assert.Equal(t, "sunny, 21C", res.Answer)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []string{"weather in Berlin?"}, asker.questions)

	last, ok := s.LastResult("morning")
	require.True(t, ok)
	assert.Equal(t, res.RunID, last.RunID)
	require.Len(t, hooked, 1)

	_, err = s.RunNow("missing")
	assert.Error(t, err)
}

func TestRunNowReportsChainError(t *testing.T) {
	boom := errors.New("method not allowed")
	s := newTestScheduler(t, &fakeAsker{err: boom})
	require.NoError(t, s.Start([]Job{{Name: "j", Spec: "@daily", Chain: "weather", Question: "q"}}))

	res, err := s.RunNow("j")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, res.Err, boom)
	last, ok := s.LastResult("j")
	require.True(t, ok)
	assert.ErrorIs(t, last.Err, boom)
}

func TestScheduledRunFires(t *testing.T) {
	asker := &fakeAsker{answer: "ok"}
	s := newTestScheduler(t, asker)
	require.NoError(t, s.Start([]Job{{Name: "tick", Spec: "@every 1s", Chain: "weather", Question: "ping"}}))

	require.Eventually(t, func() bool { return asker.callCount() > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestDynamicJobsLifecycle(t *testing.T) {
	dir := t.TempDir()
	s := newTestScheduler(t, &fakeAsker{answer: "ok"}, WithDataDir(dir))
	require.NoError(t, s.Start([]Job{{Name: "static", Spec: "@daily", Chain: "weather", Question: "q"}}))

	require.NoError(t, s.AddJob(Job{Name: "evening", Spec: "0 19 * * *", Chain: "weather", Question: "tonight?"}))
	assert.Error(t, s.AddJob(Job{Name: "evening", Spec: "@daily", Chain: "weather", Question: "dup"}))
	assert.Error(t, s.AddJob(Job{Name: "noq", Spec: "@daily", Chain: "weather"}))

	job, ok := s.GetJob("evening")
	require.True(t, ok)
	assert.Equal(t, "dynamic", job.Source)

	require.NoError(t, s.PauseJob("evening"))
	_, scheduled := s.NextRun("evening")
	assert.False(t, scheduled)
	assert.Error(t, s.PauseJob("evening"))

	data, err := os.ReadFile(filepath.Join(dir, "scheduler", "jobs.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "paused: true")
	assert.NotContains(t, string(data), "static")

	require.NoError(t, s.ResumeJob("evening"))
	_, scheduled = s.NextRun("evening")
	assert.True(t, scheduled)
	assert.Error(t, s.ResumeJob("evening"))

	assert.ErrorIs(t, s.RemoveJob("static"), ErrConfigProtected)
	assert.Error(t, s.RemoveJob("nope"))

	// A fresh scheduler picks up the persisted job.
	s2 := newTestScheduler(t, &fakeAsker{}, WithDataDir(dir))
	require.NoError(t, s2.Start(nil))
	_, ok = s2.GetJob("evening")
	assert.True(t, ok)

	require.NoError(t, s.RemoveJob("evening"))
	_, ok = s.GetJob("evening")
	assert.False(t, ok)
}

func TestJobTimeout(t *testing.T) {
	slow := askerFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	s := newTestScheduler(t, slow, WithJobTimeout(20*time.Millisecond))
	require.NoError(t, s.Start([]Job{{Name: "slow", Spec: "@daily", Chain: "weather", Question: "q"}}))

	_, err := s.RunNow("slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type askerFunc func(ctx context.Context, question string) (string, error)

func (f askerFunc) Call(ctx context.Context, q string) (string, error) { return f(ctx, q) }
