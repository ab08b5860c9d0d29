package sync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atamadata/atabot/pkg/models"
)

// Mode selects how much of a table gets re-ingested.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// job is the in-process record of one running or finished sync.
type job struct {
	ID          string
	Schema      string
	Table       string
	Mode        Mode
	State       string
	Rows        int64
	TotalRows   int64
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// JobRegistry tracks sync jobs for the status endpoints. Records live
// in-process only.
type JobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*job
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[string]*job)}
}

func (r *JobRegistry) create(schema, table string, mode Mode) *job {
	j := &job{
		ID:        uuid.NewString(),
		Schema:    schema,
		Table:     table,
		Mode:      mode,
		State:     "pending",
		StartedAt: time.Now(),
	}
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
	return j
}

func (r *JobRegistry) setRunning(id string, totalRows int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.State = "running"
		j.TotalRows = totalRows
	}
}

func (r *JobRegistry) addProgress(id string, rows int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Rows += rows
	}
}

func (r *JobRegistry) complete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		now := time.Now()
		j.State = "completed"
		j.CompletedAt = &now
	}
}

func (r *JobRegistry) fail(id string, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		now := time.Now()
		j.State = "failed"
		j.Error = errMsg
		j.CompletedAt = &now
	}
}

// Get returns a snapshot of one job, or nil when unknown.
func (r *JobRegistry) Get(id string) *models.JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	return snapshot(j)
}

// List returns snapshots of every job, newest first.
func (r *JobRegistry) List() []models.JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *snapshot(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

func snapshot(j *job) *models.JobInfo {
	info := &models.JobInfo{
		ID:     j.ID,
		Schema: j.Schema,
		Table:  j.Table,
		Mode:   string(j.Mode),
		State:  j.State,
		Progress: models.JobProgress{
			RowsProcessed: j.Rows,
			TotalRows:     j.TotalRows,
		},
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.TotalRows > 0 {
		info.Progress.Percentage = 100 * float64(j.Rows) / float64(j.TotalRows)
		if info.Progress.Percentage > 100 {
			info.Progress.Percentage = 100
		}
	} else if j.State == "completed" {
		info.Progress.Percentage = 100
	}
	return info
}
