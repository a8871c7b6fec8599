package api

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"venuescout/internal/research"
	"venuescout/pkg/types"
)

var (
	// ErrShuttingDown is returned by Start once Shutdown has been called.
	ErrShuttingDown = errors.New("job manager is shutting down")
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotRunning is returned when cancelling a job that already finished.
	ErrJobNotRunning = errors.New("job is not running")
)

// Runner researches one subject.
type Runner interface {
	Run(ctx context.Context, subject types.Subject) (*research.Report, error)
}

// JobManager runs research jobs in the background. At most maxConcurrency
// run at once; the rest wait in launch order and start as slots free up.
// It keeps a history of finished jobs.
type JobManager struct {
	mu             sync.RWMutex
	jobs           map[string]*Job
	queue          []*Job
	runner         Runner
	maxConcurrency int
	historyLimit   int
	running        int
	closed         bool
	rootCtx        context.Context
	logger         *slog.Logger
	wg             sync.WaitGroup
	now            func() time.Time
}

// NewJobManager constructs a manager. Jobs inherit rootCtx, so cancelling it
// stops every job.
func NewJobManager(rootCtx context.Context, runner Runner, maxConcurrency, historyLimit int, logger *slog.Logger) *JobManager {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if historyLimit <= 0 {
		historyLimit = 200
	}
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobManager{
		jobs:           make(map[string]*Job),
		runner:         runner,
		maxConcurrency: maxConcurrency,
		historyLimit:   historyLimit,
		rootCtx:        rootCtx,
		logger:         logger,
		now:            time.Now,
	}
}

// Start accepts research for subject and returns immediately. The job runs
// now if a slot is free and is queued otherwise.
func (m *JobManager) Start(subject types.Subject) (*Job, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	job := &Job{
		id:        uuid.NewString(),
		subject:   subject,
		status:    JobStatusPending,
		message:   "queued",
		createdAt: m.now(),
		done:      make(chan struct{}),
		manager:   m,
	}
	launch := m.running < m.maxConcurrency
	if launch {
		m.running++
	} else {
		m.queue = append(m.queue, job)
	}
	m.jobs[job.id] = job
	m.pruneLocked()
	m.wg.Add(1)
	queued := len(m.queue)
	m.mu.Unlock()

	if launch {
		m.run(job)
	} else {
		m.logger.Info("research job queued", "job_id", job.id, "subject", subject.Name, "queued", queued)
	}
	return job, nil
}

func (m *JobManager) run(job *Job) {
	ctx, cancel := context.WithCancel(m.rootCtx)
	job.start(cancel)
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		job.Cancel("shutdown")
	}
	go func() {
		defer m.wg.Done()
		report, err := m.runner.Run(ctx, job.subject)
		cancel()
		job.handleCompletion(report, err)
	}()
}

// Queued returns how many jobs are waiting for a slot.
func (m *JobManager) Queued() int {
	_, queued := m.Load()
	return queued
}

// Load returns how many jobs hold a slot and how many are waiting for one.
func (m *JobManager) Load() (running, queued int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running, len(m.queue)
}

// List returns every known job, newest first.
func (m *JobManager) List() []JobSummary {
	m.mu.RLock()
	summaries := make([]JobSummary, 0, len(m.jobs))
	for _, job := range m.jobs {
		summaries = append(summaries, job.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries
}

// Get returns the job by id.
func (m *JobManager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// Cancel stops a running job or takes a queued one out of the queue.
func (m *JobManager) Cancel(id, reason string) error {
	job, ok := m.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	if m.dequeue(job) {
		m.drop(job, reason)
		return nil
	}
	if !job.Cancel(reason) {
		return ErrJobNotRunning
	}
	return nil
}

// Shutdown refuses new jobs, drops the queued ones, cancels every running
// job and waits for them to finish.
func (m *JobManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	queued := m.queue
	m.queue = nil
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()

	for _, job := range queued {
		m.drop(job, "shutdown")
	}
	for _, job := range jobs {
		job.Cancel("shutdown")
	}
	m.wg.Wait()
}

func (m *JobManager) dequeue(job *Job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, queued := range m.queue {
		if queued == job {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// drop finishes a job that never ran.
func (m *JobManager) drop(job *Job, reason string) {
	m.logger.Info("queued research job dropped", "job_id", job.id, "subject", job.subject.Name, "reason", reason)
	job.handleCompletion(nil, context.Canceled)
	m.wg.Done()
}

// notifyCompletion frees the slot of a job that ran and starts the next
// queued job, if any.
func (m *JobManager) notifyCompletion(ran bool) {
	m.mu.Lock()
	if ran && m.running > 0 {
		m.running--
	}
	var next *Job
	if !m.closed && len(m.queue) > 0 && m.running < m.maxConcurrency {
		next = m.queue[0]
		m.queue = m.queue[1:]
		m.running++
	}
	m.pruneLocked()
	m.mu.Unlock()

	if next != nil {
		m.run(next)
	}
}

// pruneLocked drops the oldest finished jobs beyond the history limit.
func (m *JobManager) pruneLocked() {
	excess := len(m.jobs) - m.historyLimit
	if excess <= 0 {
		return
	}
	finished := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.Status().Finished() {
			finished = append(finished, job)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].createdAt.Before(finished[j].createdAt)
	})
	for i := 0; i < excess && i < len(finished); i++ {
		delete(m.jobs, finished[i].id)
	}
}

// Job tracks one background research run.
type Job struct {
	id        string
	subject   types.Subject
	createdAt time.Time
	done      chan struct{}
	manager   *JobManager

	mu          sync.Mutex
	status      JobStatus
	startedAt   *time.Time
	completedAt *time.Time
	message     string
	lastError   string
	report      *research.Report
	cancel      context.CancelFunc
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Status returns the current lifecycle stage.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Report returns the research report once the job has finished.
func (j *Job) Report() *research.Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report
}

func (j *Job) start(cancel context.CancelFunc) {
	started := j.manager.now()
	j.mu.Lock()
	j.status = JobStatusRunning
	j.startedAt = &started
	j.message = "running"
	j.cancel = cancel
	j.mu.Unlock()
	j.manager.logger.Info("research job started", "job_id", j.id, "kind", j.subject.Kind, "subject", j.subject.Name)
}

func (j *Job) handleCompletion(report *research.Report, err error) {
	now := j.manager.now()
	j.mu.Lock()
	status := JobStatusCompleted
	message := "completed"
	errorText := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = JobStatusCancelled
		message = "cancelled"
	case err != nil:
		status = JobStatusFailed
		message = "failed"
		errorText = err.Error()
	}
	ran := j.startedAt != nil
	j.status = status
	j.completedAt = &now
	j.message = message
	j.lastError = errorText
	j.report = report
	j.cancel = nil
	j.mu.Unlock()

	if err != nil && status == JobStatusFailed {
		j.manager.logger.Error("research job failed", "job_id", j.id, "subject", j.subject.Name, "error", err)
	} else {
		j.manager.logger.Info("research job finished", "job_id", j.id, "subject", j.subject.Name, "status", status)
	}
	j.manager.notifyCompletion(ran)
	close(j.done)
}

// Cancel attempts to stop the running job.
func (j *Job) Cancel(reason string) bool {
	j.mu.Lock()
	if j.status != JobStatusRunning || j.cancel == nil {
		j.mu.Unlock()
		return false
	}
	j.status = JobStatusCancelling
	j.message = reason
	cancel := j.cancel
	j.mu.Unlock()
	cancel()
	return true
}

// Snapshot returns a copy of the public job state.
func (j *Job) Snapshot() JobSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	summary := JobSummary{
		JobID:     j.id,
		Kind:      j.subject.Kind,
		Subject:   j.subject.Name,
		Source:    j.subject.Source,
		Status:    j.status,
		CreatedAt: j.createdAt,
		Message:   j.message,
		Error:     j.lastError,
	}
	if j.startedAt != nil {
		started := *j.startedAt
		summary.StartedAt = &started
	}
	if j.completedAt != nil {
		completed := *j.completedAt
		summary.CompletedAt = &completed
	}
	if j.report != nil {
		summary.Subject = j.report.Subject.Name
		summary.Collection = j.report.Collection
		summary.Found = j.report.Found()
		summary.Sources = len(j.report.Sources)
	}
	return summary
}
