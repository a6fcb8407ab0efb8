// Package scheduler asks configured chains fixed questions on cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opentalon/apichain/internal/logging"
	"github.com/opentalon/apichain/internal/runctx"
)

// Asker answers a question. *orchestrator.Chain satisfies it.
type Asker interface {
	Call(ctx context.Context, question string) (string, error)
}

// Job asks Chain the Question whenever Spec fires. Spec is a standard
// five-field cron expression or a descriptor such as @hourly or @every 5m.
type Job struct {
	Name     string `yaml:"name" json:"name"`
	Spec     string `yaml:"spec" json:"spec"`
	Chain    string `yaml:"chain" json:"chain"`
	Question string `yaml:"question" json:"question"`
	Paused   bool   `yaml:"paused,omitempty" json:"paused,omitempty"`
	Source   string `yaml:"source,omitempty" json:"source,omitempty"` // "config" or "dynamic"
}

// Result is the outcome of the latest run of a job.
type Result struct {
	Job    string
	RunID  string
	Answer string
	Err    error
	At     time.Time
}

var ErrConfigProtected = errors.New("config-defined jobs cannot be modified or removed")

type runningJob struct {
	job   Job
	entry cron.EntryID
	last  *Result
}

// Scheduler runs jobs on a cron. Scheduled runs of one job never overlap.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*runningJob
	chains  map[string]Asker
	cron    *cron.Cron
	dataDir string
	timeout time.Duration
	logger  *zap.Logger
	onDone  func(Result)

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Scheduler)

// WithDataDir enables persistence of dynamic jobs under dataDir/scheduler.
func WithDataDir(dir string) Option {
	return func(s *Scheduler) { s.dataDir = dir }
}

// WithJobTimeout bounds each run. Zero means no limit.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithResultHook is called after every run.
func WithResultHook(fn func(Result)) Option {
	return func(s *Scheduler) { s.onDone = fn }
}

func New(chains map[string]Asker, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:   make(map[string]*runningJob),
		chains: chains,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrNop(s.logger).With(zap.String("component", "scheduler"))
	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Start loads jobs as Load does, then starts the cron.
func (s *Scheduler) Start(staticJobs []Job) error {
	if err := s.Load(staticJobs); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Load registers static jobs and persisted dynamic jobs without starting
// the cron, so jobs can be inspected and edited from a one-shot command.
// Invalid jobs are logged and skipped.
func (s *Scheduler) Load(staticJobs []Job) error {
	for _, j := range staticJobs {
		j.Source = "config"
		if err := s.addJob(j); err != nil {
			s.logger.Warn("skipping static job", zap.String("job", j.Name), zap.Error(err))
		}
	}

	dynamicJobs, err := s.loadDynamic()
	if err != nil {
		s.logger.Warn("loading dynamic jobs", zap.Error(err))
	}
	for _, j := range dynamicJobs {
		j.Source = "dynamic"
		if err := s.addJob(j); err != nil {
			s.logger.Warn("skipping dynamic job", zap.String("job", j.Name), zap.Error(err))
		}
	}
	return nil
}

// Stop halts the cron, cancels in-flight runs and waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddJob registers a dynamic job and persists it.
func (s *Scheduler) AddJob(job Job) error {
	job.Source = "dynamic"
	if err := s.addJob(job); err != nil {
		return err
	}
	return s.persistDynamic()
}

// RemoveJob unregisters a dynamic job.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	rj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", name)
	}
	if rj.job.Source == "config" {
		s.mu.Unlock()
		return ErrConfigProtected
	}
	s.cron.Remove(rj.entry)
	delete(s.jobs, name)
	s.mu.Unlock()

	return s.persistDynamic()
}

func (s *Scheduler) PauseJob(name string) error {
	s.mu.Lock()
	rj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", name)
	}
	if rj.job.Paused {
		s.mu.Unlock()
		return fmt.Errorf("job %q is already paused", name)
	}
	s.cron.Remove(rj.entry)
	rj.entry = 0
	rj.job.Paused = true
	s.mu.Unlock()

	return s.persistDynamic()
}

func (s *Scheduler) ResumeJob(name string) error {
	s.mu.Lock()
	rj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %q not found", name)
	}
	if !rj.job.Paused {
		s.mu.Unlock()
		return fmt.Errorf("job %q is not paused", name)
	}
	id, err := s.cron.AddFunc(rj.job.Spec, func() { s.execute(name) })
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("job %q: %w", name, err)
	}
	rj.entry = id
	rj.job.Paused = false
	s.mu.Unlock()

	return s.persistDynamic()
}

// ListJobs returns all jobs sorted by name.
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, rj := range s.jobs {
		out = append(out, rj.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) GetJob(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rj, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return rj.job, true
}

// NextRun reports when the job fires next. Paused jobs report false.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	rj, ok := s.jobs[name]
	var id cron.EntryID
	if ok {
		id = rj.entry
	}
	s.mu.RUnlock()
	if !ok || id == 0 {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	next := e.Next
	if next.IsZero() && e.Schedule != nil {
		// Not started yet; cron fills Next in on Start.
		next = e.Schedule.Next(time.Now())
	}
	return next, !next.IsZero()
}

// LastResult returns the outcome of the job's most recent run.
func (s *Scheduler) LastResult(name string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rj, ok := s.jobs[name]
	if !ok || rj.last == nil {
		return Result{}, false
	}
	return *rj.last, true
}

// RunNow runs the job immediately, outside its schedule, and returns its
// result. Paused jobs may be run this way.
func (s *Scheduler) RunNow(name string) (Result, error) {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("job %q not found", name)
	}
	r := s.execute(name)
	return r, r.Err
}

func (s *Scheduler) addJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Question == "" {
		return fmt.Errorf("job %q: question is required", job.Name)
	}
	if _, ok := s.chains[job.Chain]; !ok {
		return fmt.Errorf("job %q: unknown chain %q", job.Name, job.Chain)
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("invalid spec for job %q: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}
	rj := &runningJob{job: job}
	if !job.Paused {
		name := job.Name
		id, err := s.cron.AddFunc(job.Spec, func() { s.execute(name) })
		if err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
		rj.entry = id
	}
	s.jobs[job.Name] = rj
	return nil
}

func (s *Scheduler) execute(name string) Result {
	s.mu.RLock()
	rj, ok := s.jobs[name]
	var job Job
	if ok {
		job = rj.job
	}
	s.mu.RUnlock()
	if !ok {
		return Result{Job: name, Err: fmt.Errorf("job %q not found", name), At: time.Now()}
	}

	ctx, runID := runctx.Ensure(s.ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	logger := s.logger.With(zap.String("job", job.Name), zap.String("chain", job.Chain), zap.String("run_id", runID))
	answer, err := s.chains[job.Chain].Call(ctx, job.Question)
	res := Result{Job: job.Name, RunID: runID, Answer: answer, Err: err, At: time.Now()}
	if err != nil {
		logger.Error("scheduled question failed", zap.Error(err))
	} else {
		logger.Info("scheduled question answered", zap.String("question", job.Question), zap.String("answer", answer))
	}

	s.mu.Lock()
	if cur, ok := s.jobs[name]; ok {
		cur.last = &res
	}
	s.mu.Unlock()

	if s.onDone != nil {
		s.onDone(res)
	}
	return res
}

func (s *Scheduler) persistPath() string {
	return filepath.Join(s.dataDir, "scheduler", "jobs.yaml")
}

func (s *Scheduler) persistDynamic() error {
	if s.dataDir == "" {
		return nil
	}

	s.mu.RLock()
	var dynamicJobs []Job
	for _, rj := range s.jobs {
		if rj.job.Source == "dynamic" {
			dynamicJobs = append(dynamicJobs, rj.job)
		}
	}
	s.mu.RUnlock()
	sort.Slice(dynamicJobs, func(i, j int) bool { return dynamicJobs[i].Name < dynamicJobs[j].Name })

	if err := os.MkdirAll(filepath.Dir(s.persistPath()), 0700); err != nil {
		return fmt.Errorf("creating scheduler dir: %w", err)
	}
	data, err := yaml.Marshal(dynamicJobs)
	if err != nil {
		return fmt.Errorf("marshaling jobs: %w", err)
	}
	return os.WriteFile(s.persistPath(), data, 0600)
}

func (s *Scheduler) loadDynamic() ([]Job, error) {
	if s.dataDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.persistPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}
	var jobs []Job
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parsing jobs file: %w", err)
	}
	return jobs, nil
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
