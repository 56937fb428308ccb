// Package registry tracks running transfer jobs and indexing sessions.
package registry

import (
	"errors"
	"sync"

	"lanshare/interrupt"
	"lanshare/models"
)

var (
	// ErrAlreadyRunning indicates a job with the same key is registered.
	ErrAlreadyRunning = errors.New("registry: job already running")
	// ErrIndexingBusy indicates another indexing session is active.
	ErrIndexingBusy = errors.New("registry: indexing session already active")
)

// Process is the narrow view of a job the registry needs.
type Process interface {
	Key() models.JobKey
	Interrupter() *interrupt.Interrupter
}

// ConnectionCounter reports transport-level open connections.
type ConnectionCounter interface {
	OpenConnections() int
}

// Registry holds the running jobs and the indexing tokens under one mutex.
// Lookups are linear; job counts are bounded by connection concurrency.
type Registry struct {
	mu       sync.Mutex
	jobs     []Process
	indexing map[int64]*interrupt.Interrupter
	conns    ConnectionCounter
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{indexing: make(map[int64]*interrupt.Interrupter)}
}

// SetConnectionCounter wires the transport whose open connections count as ongoing work.
func (r *Registry) SetConnectionCounter(counter ConnectionCounter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = counter
}

// Add registers p unless a job with the same key exists.
func (r *Registry) Add(p Process) error {
	key := p.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(key.GroupID, key.DeviceID, key.Direction) != nil {
		return ErrAlreadyRunning
	}
	r.jobs = append(r.jobs, p)
	metricActiveJobs.WithLabelValues(string(key.Direction)).Inc()
	return nil
}

// Remove deregisters p. It reports whether p was registered.
func (r *Registry) Remove(p Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.jobs {
		if existing == p {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			metricActiveJobs.WithLabelValues(string(p.Key().Direction)).Dec()
			return true
		}
	}
	return false
}

// Find returns the job for (groupID, deviceID, direction). An empty deviceID matches any device.
func (r *Registry) Find(groupID int64, deviceID string, direction models.Direction) Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(groupID, deviceID, direction)
}

func (r *Registry) findLocked(groupID int64, deviceID string, direction models.Direction) Process {
	for _, p := range r.jobs {
		key := p.Key()
		if key.GroupID != groupID || key.Direction != direction {
			continue
		}
		if deviceID == "" || key.DeviceID == deviceID {
			return p
		}
	}
	return nil
}

// List returns the keys of every running job.
func (r *Registry) List() []models.JobKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.JobKey, 0, len(r.jobs))
	for _, p := range r.jobs {
		out = append(out, p.Key())
	}
	return out
}

// Processes returns a snapshot of the running jobs.
func (r *Registry) Processes() []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Process(nil), r.jobs...)
}

// BeginIndexing reserves the single indexing slot for groupID.
func (r *Registry) BeginIndexing(groupID int64, token *interrupt.Interrupter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.indexing) > 0 {
		return ErrIndexingBusy
	}
	r.indexing[groupID] = token
	metricIndexingSessions.Set(float64(len(r.indexing)))
	return nil
}

// EndIndexing releases the indexing slot of groupID.
func (r *Registry) EndIndexing(groupID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.indexing, groupID)
	metricIndexingSessions.Set(float64(len(r.indexing)))
}

// CancelIndexing interrupts the indexing session of groupID, if any.
func (r *Registry) CancelIndexing(groupID int64) bool {
	r.mu.Lock()
	token, ok := r.indexing[groupID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	token.Interrupt(interrupt.ByUser)
	return true
}

// Indexing reports whether an indexing session is active.
func (r *Registry) Indexing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.indexing) > 0
}

// HasOngoingWork reports whether any job, indexing session or open connection exists.
func (r *Registry) HasOngoingWork() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.jobs) > 0 || len(r.indexing) > 0 {
		return true
	}
	return r.conns != nil && r.conns.OpenConnections() > 0
}

// InterruptAll interrupts every running job and indexing session with reason.
func (r *Registry) InterruptAll(reason interrupt.Reason) []Process {
	r.mu.Lock()
	jobs := append([]Process(nil), r.jobs...)
	tokens := make([]*interrupt.Interrupter, 0, len(r.indexing))
	for _, token := range r.indexing {
		tokens = append(tokens, token)
	}
	r.mu.Unlock()

	for _, p := range jobs {
		p.Interrupter().Interrupt(reason)
	}
	for _, token := range tokens {
		token.Interrupt(reason)
	}
	return jobs
}
