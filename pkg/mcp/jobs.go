package mcp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sriram-PR/solanum-downloader/pkg/download"
)

// JobStatus represents the current state of a download job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Job represents a background download batch
type Job struct {
	ID           string           `json:"id"`
	Destination  string           `json:"destination"`
	CSVPaths     []string         `json:"csv_paths"`
	Overwrite    bool             `json:"overwrite"`
	Status       JobStatus        `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at,omitempty"`
	Progress     download.Summary `json:"progress"`
	ErrorMessage string           `json:"error_message,omitempty"`

	ctx    context.Context
	cancel context.CancelFunc
}

// JobManager tracks background jobs. At most one job per destination is active,
// since two batches writing the same folders would race on the duplicate check.
type JobManager struct {
	jobs          map[string]*Job
	mu            sync.RWMutex
	byDestination map[string]string // destination -> jobID for active jobs
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:          make(map[string]*Job),
		byDestination: make(map[string]string),
	}
}

// CreateJob registers a pending job for destination. If one is already active
// there it is returned instead, with created set to false.
func (m *JobManager) CreateJob(destination string, csvPaths []string, overwrite bool) (job *Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, exists := m.byDestination[destination]; exists {
		if existing := m.jobs[existingID]; existing != nil && existing.Status.active() {
			return existing, false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job = &Job{
		ID:          uuid.New().String(),
		Destination: destination,
		CSVPaths:    append([]string(nil), csvPaths...),
		Overwrite:   overwrite,
		Status:      JobStatusPending,
		StartedAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.jobs[job.ID] = job
	m.byDestination[destination] = job.ID
	return job, true
}

// GetJob returns a copy of the job, or nil
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, exists := m.jobs[jobID]; exists {
		snapshot := *job
		return &snapshot
	}
	return nil
}

// GetJobByDestination returns a copy of the active job for destination, or nil
func (m *JobManager) GetJobByDestination(destination string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if jobID, exists := m.byDestination[destination]; exists {
		if job := m.jobs[jobID]; job != nil {
			snapshot := *job
			return &snapshot
		}
	}
	return nil
}

// IsRunning reports whether a job is active for destination
func (m *JobManager) IsRunning(destination string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if jobID, exists := m.byDestination[destination]; exists {
		job := m.jobs[jobID]
		return job != nil && job.Status.active()
	}
	return false
}

// UpdateStatus moves a job to status. A cancelled job stays cancelled.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists || job.Status == JobStatusCancelled {
		return
	}
	job.Status = status
	if !status.active() {
		job.CompletedAt = time.Now()
		delete(m.byDestination, job.Destination)
		job.cancel()
	}
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
}

// UpdateProgress stores the latest summary of a job
func (m *JobManager) UpdateProgress(jobID string, progress download.Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, exists := m.jobs[jobID]; exists {
		job.Progress = progress
	}
}

// CancelJob cancels an active job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists && job.Status.active() {
		job.cancel()
		job.Status = JobStatusCancelled
		job.CompletedAt = time.Now()
		delete(m.byDestination, job.Destination)
		return true
	}
	return false
}

// CancelAll cancels every active job
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.Status.active() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = time.Now()
		}
	}
	m.byDestination = make(map[string]string)
}

// ListJobs returns copies of all jobs, newest first
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		snapshot := *job
		jobs = append(jobs, &snapshot)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })
	return jobs
}

// GetContext returns the context a job runs under
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, exists := m.jobs[jobID]; exists {
		return job.ctx
	}
	return context.Background()
}
